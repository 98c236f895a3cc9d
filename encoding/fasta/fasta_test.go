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
package fasta_test

import (
	"strings"
	"testing"

	"github.com/grailbio/modpileup/encoding/fasta"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

const fastaData = ">seq1\n" + "ACGTA\nCGTAC\nGT\n" + ">seq2 A viral sequence\n" + "acgt\n" + "RCGT\n"

func TestGet(t *testing.T) {
	tests := []struct {
		seq     string
		start   uint64
		end     uint64
		want    string
		wantErr bool
	}{
		{"seq1", 1, 2, "C", false},
		{"seq1", 1, 6, "CGTAC", false},
		{"seq1", 0, 12, "ACGTACGTACGT", false},
		{"seq1", 10, 12, "GT", false},
		{"seq2", 0, 8, "acgtRCGT", false},
		{"seq0", 0, 1, "", true},
		{"seq1", 10, 13, "", true},
		{"seq1", 4, 3, "", true},
	}
	fa, err := fasta.New(strings.NewReader(fastaData))
	assert.NoError(t, err)
	for _, tt := range tests {
		got, err := fa.Get(tt.seq, tt.start, tt.end)
		expect.EQ(t, err != nil, tt.wantErr, "%s:%d-%d: %v", tt.seq, tt.start, tt.end, err)
		expect.EQ(t, got, tt.want)
	}
	expect.EQ(t, fa.SeqNames(), []string{"seq1", "seq2"})
	n, err := fa.Len("seq2")
	assert.NoError(t, err)
	expect.EQ(t, n, uint64(8))
}

func TestCleanEncoding(t *testing.T) {
	fa, err := fasta.New(strings.NewReader(fastaData), fasta.OptEncoding(fasta.CleanASCII))
	assert.NoError(t, err)
	got, err := fa.Get("seq2", 0, 8)
	assert.NoError(t, err)
	expect.EQ(t, got, "ACGTNCGT")
}

func TestMalformed(t *testing.T) {
	_, err := fasta.New(strings.NewReader("ACGT\n>seq1\nACGT\n"))
	expect.NotNil(t, err)
	_, err = fasta.New(strings.NewReader(">seq1\nACGT\n>seq1\nACGT\n"))
	expect.NotNil(t, err)
}
