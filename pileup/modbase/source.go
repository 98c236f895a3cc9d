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
	"sort"

	"github.com/grailbio/hts/sam"
)

// CallSource produces the calls of one input.  It must be safe to create and
// use multiple iterators concurrently.
type CallSource interface {
	// Header returns the reference dictionary.  Call.RefID indexes into
	// Header().Refs().
	Header() *sam.Header
	// NewIterator returns an iterator over every call with the given RefID and
	// start <= Pos < end, in any order.  Each call is yielded exactly once per
	// iterator, even when its read overlaps other ranges.
	NewIterator(refID int, start, end PosType) CallIterator
}

// CallIterator follows the usual Scan/Err pattern:
//
//   iter := src.NewIterator(refID, start, end)
//   for iter.Scan() {
//     call := iter.Call()
//     ...
//   }
//   err := iter.Close()
type CallIterator interface {
	// Scan advances to the next call, returning false when the range is
	// exhausted or on error.
	Scan() bool
	// Call returns the current call.  It is valid until the next Scan.
	Call() *Call
	// Err returns the first error encountered, if any.
	Err() error
	// Close releases resources and returns Err().
	Close() error
}

// SliceSource is an in-memory CallSource, mainly for testing and for callers
// that decode calls themselves.
type SliceSource struct {
	header *sam.Header
	calls  []Call
}

// NewSliceSource copies calls and sorts them by (RefID, Pos).
func NewSliceSource(header *sam.Header, calls []Call) *SliceSource {
	s := &SliceSource{
		header: header,
		calls:  make([]Call, len(calls)),
	}
	for i := range calls {
		s.calls[i] = calls[i]
		s.calls[i].Mods = append([]ModProb(nil), calls[i].Mods...)
	}
	sort.SliceStable(s.calls, func(i, j int) bool {
		if s.calls[i].RefID != s.calls[j].RefID {
			return s.calls[i].RefID < s.calls[j].RefID
		}
		return s.calls[i].Pos < s.calls[j].Pos
	})
	return s
}

// Header implements CallSource.
func (s *SliceSource) Header() *sam.Header {
	return s.header
}

func (s *SliceSource) lowerBound(refID int, pos PosType) int {
	return sort.Search(len(s.calls), func(i int) bool {
		c := &s.calls[i]
		return c.RefID > refID || (c.RefID == refID && c.Pos >= pos)
	})
}

// NewIterator implements CallSource.
func (s *SliceSource) NewIterator(refID int, start, end PosType) CallIterator {
	return &sliceIterator{
		calls: s.calls[s.lowerBound(refID, start):s.lowerBound(refID, end)],
		idx:   -1,
	}
}

type sliceIterator struct {
	calls []Call
	idx   int
	cur   Call
}

func (it *sliceIterator) Scan() bool {
	if it.idx+1 >= len(it.calls) {
		it.idx = len(it.calls)
		return false
	}
	it.idx++
	// Hand out a copy, so callers can't modify the source.
	it.cur = it.calls[it.idx]
	it.cur.Mods = append(it.cur.Mods[:0:0], it.calls[it.idx].Mods...)
	return true
}

func (it *sliceIterator) Call() *Call {
	return &it.cur
}

func (it *sliceIterator) Err() error {
	return nil
}

func (it *sliceIterator) Close() error {
	return nil
}
