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
package modbase

import (
	"fmt"

	"github.com/grailbio/modpileup/pileup"
)

// PositionKey identifies one counter bucket.  Keys are ordered by RefID
// (header order), Pos, Strand (+, -, combined), then Code (declared order).
type PositionKey struct {
	RefID  int
	Pos    PosType
	Strand pileup.StrandType
	Code   ModCode
}

// Less implements the PositionKey ordering.
func (k PositionKey) Less(o PositionKey) bool {
	if k.RefID != o.RefID {
		return k.RefID < o.RefID
	}
	if k.Pos != o.Pos {
		return k.Pos < o.Pos
	}
	if k.Strand != o.Strand {
		return k.Strand < o.Strand
	}
	return k.Code.Less(o.Code)
}

// PositionCounters are the per-bucket counts.  Every call routed to a bucket
// increments exactly one of them.
type PositionCounters struct {
	NMod       uint32
	NCanonical uint32
	NOtherMod  uint32
	NDelete    uint32
	NFiltered  uint32
	NDiff      uint32
	NNoCall    uint32
}

// FilteredCoverage is the number of calls that passed the threshold and were
// classified as modified, canonical or another modification.
func (pc PositionCounters) FilteredCoverage() uint32 {
	return pc.NMod + pc.NCanonical + pc.NOtherMod
}

// Total is the number of calls routed to the bucket.
func (pc PositionCounters) Total() uint32 {
	return pc.FilteredCoverage() + pc.NDelete + pc.NFiltered + pc.NDiff + pc.NNoCall
}

// Add adds o to pc pointwise.
func (pc *PositionCounters) Add(o PositionCounters) {
	pc.NMod += o.NMod
	pc.NCanonical += o.NCanonical
	pc.NOtherMod += o.NOtherMod
	pc.NDelete += o.NDelete
	pc.NFiltered += o.NFiltered
	pc.NDiff += o.NDiff
	pc.NNoCall += o.NNoCall
}

// modCount is the number of passing calls whose dominant category is Code.
// An entry with N == 0 still records that the code was observed.
type modCount struct {
	Code ModCode
	N    uint32
}

// Cell holds sufficient statistics for every bucket at one (RefID, Pos,
// Strand).  Buckets can't be updated eagerly since a code may first be
// observed after other calls at the position were counted; Counters derives
// them when the cell is final.
//
// Filtered, Delete and Mismatch apply to every bucket of the cell.  NoCall
// and Canonical are per base enum; a call on one base is a "diff" for the
// buckets of every other base.
type Cell struct {
	RefID     uint32
	Pos       uint32
	Strand    uint8
	Filtered  uint32
	Delete    uint32
	Mismatch  uint32
	NoCall    [pileup.NBase]uint32
	Canonical [pileup.NBase]uint32
	// Mods is sorted by code in declared order.
	Mods []modCount
}

func newCell(refID int, pos PosType, strand pileup.StrandType) *Cell {
	return &Cell{
		RefID:  uint32(refID),
		Pos:    uint32(pos),
		Strand: uint8(strand),
	}
}

// keyLess orders cells by (RefID, Pos, Strand).
func (c *Cell) keyLess(o *Cell) bool {
	if c.RefID != o.RefID {
		return c.RefID < o.RefID
	}
	if c.Pos != o.Pos {
		return c.Pos < o.Pos
	}
	return c.Strand < o.Strand
}

func (c *Cell) sameKey(o *Cell) bool {
	return c.RefID == o.RefID && c.Pos == o.Pos && c.Strand == o.Strand
}

// modIndex returns the index of code in c.Mods, inserting a zero entry if
// necessary.
func (c *Cell) modIndex(code ModCode) int {
	i := 0
	for ; i < len(c.Mods); i++ {
		if c.Mods[i].Code == code {
			return i
		}
		if code.Less(c.Mods[i].Code) {
			break
		}
	}
	c.Mods = append(c.Mods, modCount{})
	copy(c.Mods[i+1:], c.Mods[i:])
	c.Mods[i] = modCount{Code: code}
	return i
}

// observe marks the call's codes as present at this cell.
func (c *Cell) observe(call *Call) {
	for _, m := range call.Mods {
		c.modIndex(m.Code)
	}
}

// AddFiltered counts a call that did not survive filtering.
func (c *Cell) AddFiltered() {
	c.Filtered++
}

// Add classifies a validated call.  passes is the threshold decision; it is
// ignored for calls without a probability vector.  Order: filtered, deletion,
// mismatch, no-call, then the dominant category.
func (c *Cell) Add(call *Call, passes bool) {
	if call.HasProbs() {
		c.observe(call)
		if !passes {
			c.Filtered++
			return
		}
	}
	switch call.Flags {
	case FlagDelete:
		c.Delete++
		return
	case FlagMismatch:
		c.Mismatch++
		return
	case FlagNoCall:
		c.NoCall[pileup.ASCIIToEnumTable[call.Base]]++
		return
	}
	code, canonical, _ := call.Dominant()
	if canonical {
		c.Canonical[pileup.ASCIIToEnumTable[call.Base]]++
		return
	}
	c.Mods[c.modIndex(code)].N++
}

// Merge adds o's statistics to c.  The keys must match.
func (c *Cell) Merge(o *Cell) {
	if !c.sameKey(o) {
		panic(fmt.Sprintf("modbase.Cell.Merge: key mismatch %d:%d:%d vs %d:%d:%d", c.RefID, c.Pos, c.Strand, o.RefID, o.Pos, o.Strand))
	}
	c.Filtered += o.Filtered
	c.Delete += o.Delete
	c.Mismatch += o.Mismatch
	for b := range c.NoCall {
		c.NoCall[b] += o.NoCall[b]
		c.Canonical[b] += o.Canonical[b]
	}
	for _, m := range o.Mods {
		c.Mods[c.modIndex(m.Code)].N += m.N
	}
}

// KeyedCounters is one decoded bucket.
type KeyedCounters struct {
	Key      PositionKey
	Counters PositionCounters
}

// AppendCounters decodes the cell into one bucket per observed code, in code
// order, and appends them to dst.
func (c *Cell) AppendCounters(dst []KeyedCounters) []KeyedCounters {
	var passedByBase [pileup.NBase]uint32
	var modsByBase [pileup.NBase]uint32
	for b := range passedByBase {
		passedByBase[b] = c.Canonical[b]
	}
	for _, m := range c.Mods {
		b := m.Code.Base()
		passedByBase[b] += m.N
		modsByBase[b] += m.N
	}
	var allBases uint32
	for b := range passedByBase {
		allBases += passedByBase[b] + c.NoCall[b]
	}
	for _, m := range c.Mods {
		b := m.Code.Base()
		dst = append(dst, KeyedCounters{
			Key: PositionKey{
				RefID:  int(c.RefID),
				Pos:    PosType(c.Pos),
				Strand: pileup.StrandType(c.Strand),
				Code:   m.Code,
			},
			Counters: PositionCounters{
				NMod:       m.N,
				NCanonical: c.Canonical[b],
				NOtherMod:  modsByBase[b] - m.N,
				NDelete:    c.Delete,
				NFiltered:  c.Filtered,
				NDiff:      c.Mismatch + allBases - passedByBase[b] - c.NoCall[b],
				NNoCall:    c.NoCall[b],
			},
		})
	}
	return dst
}
