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
package modbam

import (
	"fmt"

	"github.com/grailbio/hts/sam"
	"github.com/grailbio/modpileup/pileup"
	"github.com/grailbio/modpileup/pileup/modbase"
)

// Decoder converts aligned reads to modification calls.  It reuses its
// buffers across reads, so a Decoder must not be shared between goroutines,
// and the calls it returns are valid only until the next Decode.
type Decoder struct {
	// RefSeqs, when non-nil, are used to flag read bases that disagree with
	// the reference.  Indexed by reference ID.
	RefSeqs [][]byte

	seq   []byte
	mods  ReadMods
	calls []modbase.Call
}

// readSense returns the read-sense canonical base of an ASCII base, or 'N'.
func readSense(b byte, reverse bool) byte {
	if reverse {
		b = pileup.ComplementTable[b]
	}
	return pileup.EnumToASCIITable[pileup.ASCIIToEnumTable[b]]
}

// Decode returns the calls r makes at reference positions in [start, end).
// Reads without an MM tag produce no-call calls at every aligned base.
func (d *Decoder) Decode(r *sam.Record, start, end modbase.PosType) ([]modbase.Call, error) {
	d.calls = d.calls[:0]
	if r.Ref == nil || r.Flags&sam.Unmapped != 0 {
		return d.calls, nil
	}
	reverse := r.Flags&sam.Reverse != 0
	strand := pileup.StrandPlus
	if reverse {
		strand = pileup.StrandMinus
	}

	// The read as sequenced.
	n := r.Seq.Length
	expanded := r.Seq.Expand()
	if cap(d.seq) < n {
		d.seq = make([]byte, n)
	}
	d.seq = d.seq[:n]
	for i, b := range expanded {
		if reverse {
			d.seq[n-1-i] = readSense(b, true)
		} else {
			d.seq[i] = readSense(b, false)
		}
	}

	mm, ml, hasMods, err := getMM(r)
	if err != nil {
		return nil, err
	}
	if hasMods {
		entries, err := ParseMM(mm)
		if err != nil {
			return nil, fmt.Errorf("read %s: %v", r.Name, err)
		}
		if err := d.mods.Decode(entries, ml, d.seq); err != nil {
			return nil, fmt.Errorf("read %s: %v", r.Name, err)
		}
	} else {
		d.mods.reset(n)
	}

	var refSeq []byte
	refID := r.Ref.ID()
	if d.RefSeqs != nil && refID < len(d.RefSeqs) {
		refSeq = d.RefSeqs[refID]
	}

	refPos := modbase.PosType(r.Pos)
	seqPos := 0
	for _, op := range r.Cigar {
		opLen := op.Len()
		switch op.Type() {
		case sam.CigarMatch, sam.CigarEqual, sam.CigarMismatch:
			for k := 0; k < opLen; k, refPos, seqPos = k+1, refPos+1, seqPos+1 {
				if refPos < start || refPos >= end || seqPos >= n {
					continue
				}
				readPos := seqPos
				if reverse {
					readPos = n - 1 - seqPos
				}
				base := d.seq[readPos]
				if base == 'N' {
					continue
				}
				call := modbase.Call{
					RefID:  refID,
					Pos:    refPos,
					Strand: strand,
					Base:   base,
					Read:   r.Name,
				}
				if refSeq != nil && int(refPos) < len(refSeq) {
					refBase := readSense(refSeq[refPos], reverse)
					if refBase != 'N' && refBase != base {
						call.Flags |= modbase.FlagMismatch
					}
				}
				if call.Flags&modbase.FlagMismatch == 0 {
					if d.mods.Covered(readPos) {
						call.Mods = d.mods.Mods(readPos)
						var sum float32
						for _, m := range call.Mods {
							sum += m.Prob
						}
						if call.Canonical = 1 - sum; call.Canonical < 0 {
							call.Canonical = 0
						}
					} else {
						call.Flags |= modbase.FlagNoCall
					}
				}
				d.calls = append(d.calls, call)
			}
		case sam.CigarDeletion:
			for k := 0; k < opLen; k, refPos = k+1, refPos+1 {
				if refPos < start || refPos >= end {
					continue
				}
				d.calls = append(d.calls, modbase.Call{
					RefID:  refID,
					Pos:    refPos,
					Strand: strand,
					Base:   'N',
					Flags:  modbase.FlagDelete,
					Read:   r.Name,
				})
			}
		case sam.CigarSkipped:
			refPos += modbase.PosType(opLen)
		case sam.CigarInsertion, sam.CigarSoftClipped:
			seqPos += opLen
		}
	}
	return d.calls, nil
}
