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
package pileup

import (
	"context"
	"fmt"

	"github.com/grailbio/base/compress"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/modpileup/encoding/fasta"
	"github.com/grailbio/modpileup/interval"
)

// Common pileup components.

// PosType is the integer type used to represent genomic positions.
type PosType = interval.PosType

// PosTypeMax is the maximum value that can be represented by a PosType.
const PosTypeMax = interval.PosTypeMax

// These constants index per-base arrays.  BaseX is the catch-all for N and
// any IUPAC ambiguity code.
const (
	// BaseA represents an A base.
	BaseA byte = iota
	// BaseC represents an C base.
	BaseC
	// BaseG represents an G base.
	BaseG
	// BaseT represents an T base.
	BaseT
	// BaseX is a catch-all.
	BaseX
)

const (
	// NBase is the number of regular base types.
	NBase = 4
	// NBaseEnum counts BaseX as well as the regular base types.
	NBaseEnum = 5
)

// EnumToASCIITable is the A/C/G/T/X -> ASCII mapping, with X rendered as 'N'.
var EnumToASCIITable = [...]byte{'A', 'C', 'G', 'T', 'N'}

// ASCIIToEnumTable is the ASCII -> A/C/G/T/X mapping.  Lowercase bases are
// recognized.
var ASCIIToEnumTable [256]byte

// ComplementTable maps each IUPAC nucleotide character to its complement.
// Non-nucleotide characters map to 'N'.
var ComplementTable [256]byte

func init() {
	for i := range ASCIIToEnumTable {
		ASCIIToEnumTable[i] = BaseX
		ComplementTable[i] = 'N'
	}
	for enum, c := range EnumToASCIITable[:NBase] {
		ASCIIToEnumTable[c] = byte(enum)
		ASCIIToEnumTable[c+'a'-'A'] = byte(enum)
	}
	const fwd = "ACGTRYSWKMBDHVN"
	const rev = "TGCAYRSWMKVHDBN"
	for i := 0; i < len(fwd); i++ {
		ComplementTable[fwd[i]] = rev[i]
		ComplementTable[fwd[i]+'a'-'A'] = rev[i]
	}
}

// StrandType describes the reference strand a pileup row refers to.  The
// numeric order is the output sort order.
type StrandType int

const (
	// StrandPlus is the forward reference strand.
	StrandPlus StrandType = iota
	// StrandMinus is the reverse reference strand.
	StrandMinus
	// StrandCombined is used when the two strands of a palindromic motif site
	// are reported together.
	StrandCombined
)

// NStrand is the number of StrandType values.
const NStrand = 3

// StrandTypeToASCIITable is the StrandType -> ASCII mapping.
var StrandTypeToASCIITable = [...]byte{'+', '-', '.'}

// StrandTypeToNameTable is the StrandType -> long name mapping, used in
// per-strand output filenames.
var StrandTypeToNameTable = [...]string{"positive", "negative", "combined"}

// LoadFa is a thin wrapper around fasta.New().  Compressed input is
// detected automatically.
func LoadFa(ctx context.Context, fapath string, enc fasta.Encoding) (fa fasta.Fasta, err error) {
	var infile file.File
	if infile, err = file.Open(ctx, fapath); err != nil {
		return
	}
	defer func() {
		if e := infile.Close(ctx); e != nil && err == nil {
			err = e
		}
	}()
	reader, _ := compress.NewReader(infile.Reader(ctx))
	defer func() {
		if e := reader.Close(); e != nil && err == nil {
			err = e
		}
	}()
	return fasta.New(reader, fasta.OptEncoding(enc))
}

// FaToRefSeqs returns the data in fa as a [][]byte, using the reference order
// in headerRefs[].  It performs reference-length consistency checks between
// headerRefs and fa in the process.  References missing from fa are left nil.
func FaToRefSeqs(fa fasta.Fasta, headerRefs []*sam.Reference) ([][]byte, error) {
	nXamRef := len(headerRefs)
	refSeqs := make([][]byte, nXamRef)
	nMissingFromFa := 0
	for i, curRef := range headerRefs {
		refName := curRef.Name()
		refLen, e := fa.Len(refName)
		if e != nil {
			nMissingFromFa++
			continue
		}
		if refLen != uint64(curRef.Len()) {
			return nil, fmt.Errorf("pileup.FaToRefSeqs: inconsistent lengths for contig %s (%d in BAM header, %d in .fa)", refName, curRef.Len(), refLen)
		}
		if refLen == 0 {
			refSeqs[i] = []byte{}
			continue
		}
		refSeq, err := fa.Get(refName, 0, refLen)
		if err != nil {
			return nil, err
		}
		refSeqs[i] = []byte(refSeq)
	}
	if nMissingFromFa != 0 {
		log.Printf("pileup.FaToRefSeqs: warning: %d reference(s) present in BAM header but missing from .fa", nMissingFromFa)
	}
	if nMissingFromXam := len(fa.SeqNames()) + nMissingFromFa - nXamRef; nMissingFromXam != 0 {
		log.Printf("pileup.FaToRefSeqs: warning: %d reference(s) present in .fa but missing from BAM header", nMissingFromXam)
	}
	return refSeqs, nil
}

// LoadRefSeqs loads fapath with CleanASCII encoding and returns the sequences
// in headerRefs order.
func LoadRefSeqs(ctx context.Context, fapath string, headerRefs []*sam.Reference) ([][]byte, error) {
	fa, err := LoadFa(ctx, fapath, fasta.CleanASCII)
	if err != nil {
		return nil, err
	}
	return FaToRefSeqs(fa, headerRefs)
}
