// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package interval

import (
	"io/ioutil"
	"math"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func testHeader(t *testing.T) *sam.Header {
	chr1, err := sam.NewReference("chr1", "", "", 1000000, nil, nil)
	assert.NoError(t, err)
	chr2, err := sam.NewReference("chr2", "", "", 1000000, nil, nil)
	assert.NoError(t, err)
	chr3, err := sam.NewReference("chr3", "", "", 1000000, nil, nil)
	assert.NoError(t, err)
	header, err := sam.NewHeader(nil, []*sam.Reference{chr1, chr2, chr3})
	assert.NoError(t, err)
	return header
}

var testEntries = []Entry{
	{"chr1", 100, 200},
	{"chr1", 150, 250},
	{"chr1", 300, 300},
	{"chr1", 400, 500},
	{"chr2", 10, 20},
}

func TestNewBEDUnionFromEntries(t *testing.T) {
	tests := []struct {
		invert bool
		want   map[string][]PosType
	}{
		{
			false,
			map[string][]PosType{
				"chr1": {100, 250, 400, 500},
				"chr2": {10, 20},
			},
		},
		{
			true,
			map[string][]PosType{
				"chr1": {-1, 100, 250, 400, 500, math.MaxInt32},
				"chr2": {-1, 10, 20, math.MaxInt32},
			},
		},
	}
	for _, tt := range tests {
		result, err := NewBEDUnionFromEntries(testEntries, NewBEDOpts{Invert: tt.invert})
		expect.NoError(t, err)
		if !reflect.DeepEqual(result.nameMap, tt.want) {
			t.Errorf("Wanted: %v  Got: %v", tt.want, result.nameMap)
		}
	}
}

func TestNewBEDUnionUnsorted(t *testing.T) {
	_, err := NewBEDUnionFromEntries([]Entry{{"chr1", 100, 200}, {"chr2", 5, 6}, {"chr1", 300, 400}}, NewBEDOpts{})
	expect.NotNil(t, err)
	_, err = NewBEDUnionFromEntries([]Entry{{"chr1", 100, 200}, {"chr1", 50, 60}}, NewBEDOpts{})
	expect.NotNil(t, err)
	_, err = NewBEDUnionFromEntries([]Entry{{"chr1", 100, 50}}, NewBEDOpts{})
	expect.NotNil(t, err)
}

func TestContainsByID(t *testing.T) {
	header := testHeader(t)
	u, err := NewBEDUnionFromEntries(testEntries, NewBEDOpts{SAMHeader: header})
	assert.NoError(t, err)
	tests := []struct {
		refID int
		pos   PosType
		want  bool
	}{
		{0, 99, false},
		{0, 100, true},
		{0, 249, true},
		{0, 250, false},
		{0, 450, true},
		// Going backwards disables the sequential fast path.
		{0, 120, true},
		{0, 500, false},
		{1, 15, true},
		{1, 20, false},
		{2, 15, false},
	}
	for _, tt := range tests {
		expect.EQ(t, u.ContainsByID(tt.refID, tt.pos), tt.want, "refID=%d pos=%d", tt.refID, tt.pos)
	}
	clone := u.Clone()
	expect.True(t, clone.ContainsByID(1, 10))

	expect.True(t, u.IntersectsByID(0, 0, 101))
	expect.False(t, u.IntersectsByID(0, 0, 100))
	expect.True(t, u.IntersectsByID(0, 200, 201))
	expect.False(t, u.IntersectsByID(0, 250, 400))
	expect.False(t, u.IntersectsByID(2, 0, 1000000))
}

func TestInvertedContainsByID(t *testing.T) {
	header := testHeader(t)
	u, err := NewBEDUnionFromEntries(testEntries, NewBEDOpts{SAMHeader: header, Invert: true})
	assert.NoError(t, err)
	tests := []struct {
		refID int
		pos   PosType
		want  bool
	}{
		{0, 0, true},
		{0, 99, true},
		{0, 100, false},
		{0, 249, false},
		{0, 250, true},
		{0, 500, true},
		{1, 15, false},
		// chr3 isn't mentioned, so it is entirely outside the excluded set.
		{2, 15, true},
	}
	for _, tt := range tests {
		expect.EQ(t, u.ContainsByID(tt.refID, tt.pos), tt.want, "refID=%d pos=%d", tt.refID, tt.pos)
	}
	expect.False(t, u.IntersectsByID(0, 100, 250))
	expect.True(t, u.IntersectsByID(0, 100, 251))
	expect.False(t, u.IntersectsByID(1, 10, 20))
	expect.True(t, u.IntersectsByID(2, 0, 1000000))
}

func TestParseRegionString(t *testing.T) {
	tests := []struct {
		region  string
		refName string
		start0  PosType
		end     PosType
	}{
		{"chr1:1-1000", "chr1", 0, 1000},
		{"chr1:1,001-2,000", "chr1", 1000, 2000},
		{"chr1:1000", "chr1", 999, 1000},
		{"chr1", "chr1", 0, math.MaxInt32 - 1},
	}
	for _, tt := range tests {
		result, err := ParseRegionString(tt.region)
		expect.NoError(t, err)
		expect.EQ(t, tt.refName, result.RefName)
		expect.EQ(t, tt.start0, result.Start0)
		expect.EQ(t, tt.end, result.End)
	}
	for _, bad := range []string{"", ":1-2", "chr1:0", "chr1:10-5", "chr1:x"} {
		_, err := ParseRegionString(bad)
		expect.NotNil(t, err, bad)
	}
}

func TestStrandedBED(t *testing.T) {
	header := testHeader(t)
	const bed6 = `chr1	100	110	a	0	+
chr2	5	10	b	0	.
chr1	50	60	c	0	-
chr1	200	210
`
	s, err := NewStrandedBED(strings.NewReader(bed6), NewBEDOpts{SAMHeader: header})
	assert.NoError(t, err)
	tests := []struct {
		refID int
		pos   PosType
		minus bool
		want  bool
	}{
		{0, 100, false, true},
		{0, 100, true, false},
		{0, 55, true, true},
		{0, 55, false, false},
		{0, 205, false, true},
		{0, 205, true, true},
		{1, 7, false, true},
		{1, 7, true, true},
		{2, 7, true, false},
	}
	for _, tt := range tests {
		expect.EQ(t, s.Contains(tt.refID, tt.pos, tt.minus), tt.want, "refID=%d pos=%d minus=%v", tt.refID, tt.pos, tt.minus)
	}
	expect.True(t, s.IntersectsByID(0, 0, 51))
	expect.False(t, s.IntersectsByID(0, 110, 200))

	_, err = NewStrandedBED(strings.NewReader("chr1\t1\t2\tx\t0\t*\n"), NewBEDOpts{SAMHeader: header})
	expect.NotNil(t, err)
	_, err = NewStrandedBED(strings.NewReader(bed6), NewBEDOpts{})
	expect.NotNil(t, err)
}

func TestExcludedStrandedBEDFromPath(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)
	header := testHeader(t)
	path := filepath.Join(tmpdir, "exclude.bed")
	const bed = `track name=exclude
chr1	100	110	a	0	+
chr2	0	1000000
`
	assert.NoError(t, ioutil.WriteFile(path, []byte(bed), 0644))
	s, err := NewStrandedBEDFromPath(vcontext.Background(), path, NewBEDOpts{SAMHeader: header, Invert: true})
	assert.NoError(t, err)
	expect.False(t, s.Contains(0, 105, false))
	// The interval only excludes + strand positions.
	expect.True(t, s.Contains(0, 105, true))
	expect.True(t, s.Contains(0, 110, false))
	expect.False(t, s.Contains(1, 5, true))
	expect.True(t, s.Contains(2, 5, false))
	expect.True(t, s.IntersectsByID(0, 100, 110))
	expect.False(t, s.IntersectsByID(1, 0, 1000000))

	_, err = NewStrandedBEDFromPath(vcontext.Background(), filepath.Join(tmpdir, "missing.bed"), NewBEDOpts{SAMHeader: header})
	expect.NotNil(t, err)
}
