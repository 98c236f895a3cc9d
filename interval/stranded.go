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
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/grailbio/base/log"
	gunsafe "github.com/grailbio/base/unsafe"
	"github.com/grailbio/hts/sam"
)

// StrandedBED is a pair of interval-unions, one per strand.  It is loaded from
// BED6 input: a '+' or '-' in the sixth column restricts the interval to that
// strand, while '.' (or a missing column) applies it to both.
type StrandedBED struct {
	plus  BEDUnion
	minus BEDUnion
}

// Contains checks whether position pos on the given strand is included.
func (s *StrandedBED) Contains(refID int, pos PosType, minus bool) bool {
	if minus {
		return s.minus.ContainsByID(refID, pos)
	}
	return s.plus.ContainsByID(refID, pos)
}

// IntersectsByID checks whether [start, end) intersects an interval on either
// strand.
func (s *StrandedBED) IntersectsByID(refID int, start, end PosType) bool {
	return s.plus.IntersectsByID(refID, start, end) || s.minus.IntersectsByID(refID, start, end)
}

// Clone returns a StrandedBED sharing the interval sets but with its own
// search state.
func (s *StrandedBED) Clone() StrandedBED {
	return StrandedBED{
		plus:  s.plus.Clone(),
		minus: s.minus.Clone(),
	}
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].RefName != entries[j].RefName {
			return entries[i].RefName < entries[j].RefName
		}
		return entries[i].Start0 < entries[j].Start0
	})
}

// NewStrandedBED reads BED3/BED6 input, which does not need to be sorted.
// opts.SAMHeader is required, since lookups are by ID.  With opts.Invert, each
// strand's union is complemented separately, so a '+' interval only excludes
// + strand positions.
func NewStrandedBED(reader io.Reader, opts NewBEDOpts) (StrandedBED, error) {
	if opts.SAMHeader == nil {
		return StrandedBED{}, fmt.Errorf("interval.NewStrandedBED: SAM header required")
	}
	var plusEntries, minusEntries []Entry
	scanner := bufio.NewScanner(reader)
	var tokens [6][]byte
	lineIdx := 0
	for scanner.Scan() {
		lineIdx++
		nToken := getTokens(tokens[:], scanner.Bytes())
		if nToken == 0 || tokens[0][0] == '#' || isHeaderLine(tokens[0]) {
			continue
		}
		if nToken < 3 {
			return StrandedBED{}, fmt.Errorf("interval.NewStrandedBED: line %d has fewer tokens than expected", lineIdx)
		}
		start, err := strconv.Atoi(gunsafe.BytesToString(tokens[1]))
		if err != nil {
			return StrandedBED{}, fmt.Errorf("interval.NewStrandedBED: line %d: %v", lineIdx, err)
		}
		end, err := strconv.Atoi(gunsafe.BytesToString(tokens[2]))
		if err != nil {
			return StrandedBED{}, fmt.Errorf("interval.NewStrandedBED: line %d: %v", lineIdx, err)
		}
		if start < 0 || end < start || end >= PosTypeMax {
			return StrandedBED{}, fmt.Errorf("interval.NewStrandedBED: invalid coordinate pair on line %d", lineIdx)
		}
		entry := Entry{
			RefName: string(tokens[0]),
			Start0:  PosType(start),
			End:     PosType(end),
		}
		strand := byte('.')
		if nToken == 6 {
			if len(tokens[5]) != 1 {
				return StrandedBED{}, fmt.Errorf("interval.NewStrandedBED: invalid strand %q on line %d", tokens[5], lineIdx)
			}
			strand = tokens[5][0]
		}
		switch strand {
		case '+':
			plusEntries = append(plusEntries, entry)
		case '-':
			minusEntries = append(minusEntries, entry)
		case '.':
			plusEntries = append(plusEntries, entry)
			minusEntries = append(minusEntries, entry)
		default:
			return StrandedBED{}, fmt.Errorf("interval.NewStrandedBED: invalid strand %q on line %d", strand, lineIdx)
		}
	}
	if err := scanner.Err(); err != nil {
		return StrandedBED{}, err
	}
	sortEntries(plusEntries)
	sortEntries(minusEntries)
	var (
		result StrandedBED
		err    error
	)
	if result.plus, err = NewBEDUnionFromEntries(plusEntries, opts); err != nil {
		return StrandedBED{}, err
	}
	if result.minus, err = NewBEDUnionFromEntries(minusEntries, opts); err != nil {
		return StrandedBED{}, err
	}
	verb := "included"
	if opts.Invert {
		verb = "excluded"
	}
	log.Printf("interval.NewStrandedBED: %d + strand and %d - strand interval(s) %s", len(plusEntries), len(minusEntries), verb)
	return result, nil
}

// NewStrandedBEDFromPath is a wrapper for NewStrandedBED that takes a path.
func NewStrandedBEDFromPath(ctx context.Context, path string, opts NewBEDOpts) (result StrandedBED, err error) {
	reader, closer, err := openBED(ctx, path)
	if err != nil {
		return
	}
	defer func() {
		if cerr := closer(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return NewStrandedBED(reader, opts)
}

// NewStrandedBEDFromEntries builds a StrandedBED that applies the given
// entries to both strands.
func NewStrandedBEDFromEntries(entries []Entry, header *sam.Header) (StrandedBED, error) {
	sorted := append([]Entry(nil), entries...)
	sortEntries(sorted)
	u, err := NewBEDUnionFromEntries(sorted, NewBEDOpts{SAMHeader: header})
	if err != nil {
		return StrandedBED{}, err
	}
	return StrandedBED{plus: u, minus: u.Clone()}, nil
}
