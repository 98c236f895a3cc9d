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
package modbase_test

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/modpileup/pileup"
	"github.com/grailbio/modpileup/pileup/modbase"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
	"github.com/klauspost/compress/gzip"
)

var testRecords = []modbase.PileupRecord{
	{
		RefName:  "chr1",
		Key:      modbase.PositionKey{RefID: 0, Pos: 100, Strand: pileup.StrandPlus, Code: 'h'},
		Counters: modbase.PositionCounters{NMod: 0, NCanonical: 1, NOtherMod: 1, NFiltered: 1},
	},
	{
		RefName:  "chr1",
		Key:      modbase.PositionKey{RefID: 0, Pos: 100, Strand: pileup.StrandPlus, Code: 'm'},
		Counters: modbase.PositionCounters{NMod: 1, NCanonical: 1, NFiltered: 1},
	},
	{
		RefName:  "chr2",
		Key:      modbase.PositionKey{RefID: 1, Pos: 7, Strand: pileup.StrandCombined, Code: 'm'},
		Counters: modbase.PositionCounters{NMod: 2, NCanonical: 1, NDelete: 3, NDiff: 4, NNoCall: 5},
	},
}

func TestBedMethylWriter(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)
	ctx := vcontext.Background()

	tests := []struct {
		name     string
		onlyTabs bool
		want     string
	}{
		{
			"spaces", false,
			"chr1\t100\t101\th\t2\t+\t100\t101\t255,0,0\t2 0.00 0 1 1 0 1 0 0\n" +
				"chr1\t100\t101\tm\t2\t+\t100\t101\t255,0,0\t2 50.00 1 1 0 0 1 0 0\n" +
				"chr2\t7\t8\tm\t3\t.\t7\t8\t255,0,0\t3 66.67 2 1 0 3 0 4 5\n",
		},
		{
			"tabs", true,
			"chr1\t100\t101\th\t2\t+\t100\t101\t255,0,0\t2\t0.00\t0\t1\t1\t0\t1\t0\t0\n" +
				"chr1\t100\t101\tm\t2\t+\t100\t101\t255,0,0\t2\t50.00\t1\t1\t0\t0\t1\t0\t0\n" +
				"chr2\t7\t8\tm\t3\t.\t7\t8\t255,0,0\t3\t66.67\t2\t1\t0\t3\t0\t4\t5\n",
		},
	}
	for _, test := range tests {
		path := filepath.Join(tmpdir, test.name+".bed")
		w := modbase.NewBedMethylWriter(ctx, path, modbase.BedMethylOpts{OnlyTabs: test.onlyTabs})
		for i := range testRecords {
			assert.NoError(t, w.Emit(&testRecords[i]))
		}
		assert.NoError(t, w.Close())
		got, err := ioutil.ReadFile(path)
		assert.NoError(t, err)
		expect.EQ(t, string(got), test.want, test.name)
	}
}

func TestBedMethylWriterGzip(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)
	ctx := vcontext.Background()
	path := filepath.Join(tmpdir, "out.bed.gz")
	w := modbase.NewBedMethylWriter(ctx, path, modbase.BedMethylOpts{Parallelism: 2})
	assert.NoError(t, w.Emit(&testRecords[1]))
	assert.NoError(t, w.Close())

	f, err := os.Open(path)
	assert.NoError(t, err)
	defer f.Close() // nolint: errcheck
	r, err := gzip.NewReader(f)
	assert.NoError(t, err)
	got, err := ioutil.ReadAll(r)
	assert.NoError(t, err)
	expect.EQ(t, string(got), "chr1\t100\t101\tm\t2\t+\t100\t101\t255,0,0\t2 50.00 1 1 0 0 1 0 0\n")
}

func TestBedMethylWriterLazy(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)
	ctx := vcontext.Background()

	// Nothing is created until the first record.
	path := filepath.Join(tmpdir, "aborted.bed")
	w := modbase.NewBedMethylWriter(ctx, path, modbase.BedMethylOpts{})
	_, err := os.Stat(path)
	expect.True(t, os.IsNotExist(err))
	assert.NoError(t, w.Emit(&testRecords[0]))
	w.Abort()
	_, err = os.Stat(path)
	expect.True(t, os.IsNotExist(err))

	// An empty run still produces an (empty) file.
	path = filepath.Join(tmpdir, "empty.bed")
	w = modbase.NewBedMethylWriter(ctx, path, modbase.BedMethylOpts{})
	assert.NoError(t, w.Close())
	got, err := ioutil.ReadFile(path)
	assert.NoError(t, err)
	expect.EQ(t, len(got), 0)
}

func TestBedGraphWriter(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)
	ctx := vcontext.Background()
	dir := filepath.Join(tmpdir, "bedgraph")
	w, err := modbase.NewBedGraphWriter(ctx, dir, "sample")
	assert.NoError(t, err)
	for i := range testRecords {
		assert.NoError(t, w.Emit(&testRecords[i]))
	}
	assert.NoError(t, w.Close())

	want := map[string]string{
		"sample_h_positive.bedgraph": "chr1\t100\t101\t0\t2\n",
		"sample_m_positive.bedgraph": "chr1\t100\t101\t0.5\t2\n",
		"sample_m_combined.bedgraph": "chr2\t7\t8\t0.6666666666666666\t3\n",
	}
	files, err := ioutil.ReadDir(dir)
	assert.NoError(t, err)
	expect.EQ(t, len(files), len(want))
	for name, content := range want {
		got, err := ioutil.ReadFile(filepath.Join(dir, name))
		assert.NoError(t, err)
		expect.EQ(t, string(got), content, name)
	}
	expect.EQ(t, w.Path('m', pileup.StrandMinus), filepath.Join(dir, "sample_m_negative.bedgraph"))
}
