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
package modbam_test

import (
	"testing"

	"github.com/grailbio/hts/sam"
	"github.com/grailbio/modpileup/encoding/modbam"
	"github.com/grailbio/modpileup/pileup"
	"github.com/grailbio/modpileup/pileup/modbase"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHeader(t *testing.T) *sam.Header {
	ref0, err := sam.NewReference("chr1", "", "", 1000, nil, nil)
	require.NoError(t, err)
	ref1, err := sam.NewReference("chr2", "", "", 1000, nil, nil)
	require.NoError(t, err)
	header, err := sam.NewHeader(nil, []*sam.Reference{ref0, ref1})
	require.NoError(t, err)
	header.SortOrder = sam.Coordinate
	return header
}

// newRecord creates a mapped read.  mm == "" means no modification tags.
func newRecord(t *testing.T, name string, ref *sam.Reference, pos int, cigar []sam.CigarOp,
	seq string, flags sam.Flags, mm string, ml []uint8) *sam.Record {
	var aux []sam.Aux
	if mm != "" {
		mmAux, err := sam.NewAux(sam.NewTag("MM"), mm)
		require.NoError(t, err)
		mlAux, err := sam.NewAux(sam.NewTag("ML"), ml)
		require.NoError(t, err)
		aux = append(aux, mmAux, mlAux)
	}
	r, err := sam.NewRecord(name, ref, nil, pos, -1, 0, 60, cigar, []byte(seq), nil, aux)
	require.NoError(t, err)
	r.Flags = flags
	return r
}

// Read layout: 2M1I1M1D2M at position 10.
//
//   ref pos  10 11 -- 12 13 14 15
//   SEQ       A  C  G  C  -  C  G
var testCigar = []sam.CigarOp{
	sam.NewCigarOp(sam.CigarMatch, 2),
	sam.NewCigarOp(sam.CigarInsertion, 1),
	sam.NewCigarOp(sam.CigarMatch, 1),
	sam.NewCigarOp(sam.CigarDeletion, 1),
	sam.NewCigarOp(sam.CigarMatch, 2),
}

const testSeq = "ACGCCG"

// callSummary drops the fields that are the same for every call of a read.
type callSummary struct {
	Pos       modbase.PosType
	Base      byte
	Flags     modbase.CallFlags
	Canonical float32
	Mods      []modbase.ModProb
}

func summarize(calls []modbase.Call) []callSummary {
	var result []callSummary
	for _, c := range calls {
		var mods []modbase.ModProb
		if len(c.Mods) > 0 {
			mods = append(mods, c.Mods...)
		}
		result = append(result, callSummary{c.Pos, c.Base, c.Flags, c.Canonical, mods})
	}
	return result
}

func TestDecodeForward(t *testing.T) {
	header := newTestHeader(t)
	r := newRecord(t, "r1", header.Refs()[0], 10, testCigar, testSeq, 0, "C+m?,1,0;", []uint8{200, 50})
	var d modbam.Decoder
	calls, err := d.Decode(r, 0, 1000)
	require.NoError(t, err)
	for _, c := range calls {
		assert.Equal(t, 0, c.RefID)
		assert.Equal(t, pileup.StrandPlus, c.Strand)
		assert.Equal(t, "r1", c.Read)
		assert.NoError(t, c.Validate())
	}
	p200, p50 := modbam.MLProb(200), modbam.MLProb(50)
	assert.Equal(t, []callSummary{
		{10, 'A', modbase.FlagNoCall, 0, nil},
		{11, 'C', modbase.FlagNoCall, 0, nil},
		{12, 'C', 0, 1 - p200, []modbase.ModProb{{Code: 'm', Prob: p200}}},
		{13, 'N', modbase.FlagDelete, 0, nil},
		{14, 'C', 0, 1 - p50, []modbase.ModProb{{Code: 'm', Prob: p50}}},
		{15, 'G', modbase.FlagNoCall, 0, nil},
	}, summarize(calls))

	// Only calls inside the range are produced.
	calls, err = d.Decode(r, 11, 14)
	require.NoError(t, err)
	var positions []modbase.PosType
	for _, c := range calls {
		positions = append(positions, c.Pos)
	}
	assert.Equal(t, []modbase.PosType{11, 12, 13}, positions)
}

func TestDecodeReverse(t *testing.T) {
	header := newTestHeader(t)
	// As sequenced, the read is revcomp(ACGCCG) = CGGCGT.  Its first C is SEQ
	// position 5, aligned to 15.
	r := newRecord(t, "r2", header.Refs()[0], 10, testCigar, testSeq, sam.Reverse, "C+m?,0;", []uint8{255})
	var d modbam.Decoder
	calls, err := d.Decode(r, 0, 1000)
	require.NoError(t, err)
	for _, c := range calls {
		assert.Equal(t, pileup.StrandMinus, c.Strand)
	}
	p := modbam.MLProb(255)
	assert.Equal(t, []callSummary{
		{10, 'T', modbase.FlagNoCall, 0, nil},
		{11, 'G', modbase.FlagNoCall, 0, nil},
		{12, 'G', modbase.FlagNoCall, 0, nil},
		{13, 'N', modbase.FlagDelete, 0, nil},
		{14, 'G', modbase.FlagNoCall, 0, nil},
		{15, 'C', 0, 1 - p, []modbase.ModProb{{Code: 'm', Prob: p}}},
	}, summarize(calls))
}

func TestDecodeMismatch(t *testing.T) {
	header := newTestHeader(t)
	//                          0123456789012345
	refSeqs := [][]byte{[]byte("NNNNNNNNNNACTNCG"), nil}
	r := newRecord(t, "r3", header.Refs()[0], 10, testCigar, testSeq, 0, "C+m.,0;", []uint8{200})
	d := modbam.Decoder{RefSeqs: refSeqs}
	calls, err := d.Decode(r, 0, 1000)
	require.NoError(t, err)
	p := modbam.MLProb(200)
	assert.Equal(t, []callSummary{
		{10, 'A', modbase.FlagNoCall, 0, nil},
		{11, 'C', 0, 1 - p, []modbase.ModProb{{Code: 'm', Prob: p}}},
		// Reference T, read C.
		{12, 'C', modbase.FlagMismatch, 0, nil},
		{13, 'N', modbase.FlagDelete, 0, nil},
		{14, 'C', 0, 1, []modbase.ModProb{{Code: 'm'}}},
		{15, 'G', modbase.FlagNoCall, 0, nil},
	}, summarize(calls))
}

func TestDecodeNoTags(t *testing.T) {
	header := newTestHeader(t)
	cigar := []sam.CigarOp{
		sam.NewCigarOp(sam.CigarSoftClipped, 1),
		sam.NewCigarOp(sam.CigarMatch, 1),
		sam.NewCigarOp(sam.CigarSkipped, 5),
		sam.NewCigarOp(sam.CigarMatch, 1),
	}
	r := newRecord(t, "r4", header.Refs()[1], 100, cigar, "TCG", 0, "", nil)
	var d modbam.Decoder
	calls, err := d.Decode(r, 0, 1000)
	require.NoError(t, err)
	assert.Equal(t, []callSummary{
		{100, 'C', modbase.FlagNoCall, 0, nil},
		{106, 'G', modbase.FlagNoCall, 0, nil},
	}, summarize(calls))
	for _, c := range calls {
		assert.Equal(t, 1, c.RefID)
	}
}

func TestDecodeBadTags(t *testing.T) {
	header := newTestHeader(t)
	var d modbam.Decoder
	r := newRecord(t, "bad", header.Refs()[0], 10, testCigar, testSeq, 0, "C+m?,9;", []uint8{1})
	_, err := d.Decode(r, 0, 1000)
	assert.Error(t, err)

	mmAux, err := sam.NewAux(sam.NewTag("MM"), "C+m?,0;")
	require.NoError(t, err)
	r, err = sam.NewRecord("noml", header.Refs()[0], nil, 10, -1, 0, 60, testCigar, []byte(testSeq), nil, []sam.Aux{mmAux})
	require.NoError(t, err)
	_, err = d.Decode(r, 0, 1000)
	assert.Error(t, err)
}
