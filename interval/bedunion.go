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
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/fileio"
	gunsafe "github.com/grailbio/base/unsafe"
	"github.com/grailbio/hts/sam"
	"github.com/klauspost/compress/gzip"
)

// getTokens identifies up to the first len(tokens) tokens from curLine,
// returning the number of tokens saved.  Any (group of) characters <= ' ' is
// treated as a delimiter.
func getTokens(tokens [][]byte, curLine []byte) int {
	posEnd := 0
	lineLen := len(curLine)
	for tokenIdx := range tokens {
		pos := posEnd
		for ; pos != lineLen; pos++ {
			if curLine[pos] > ' ' {
				break
			}
		}
		if pos == lineLen {
			return tokenIdx
		}
		posEnd = pos
		for ; posEnd != lineLen; posEnd++ {
			if curLine[posEnd] <= ' ' {
				break
			}
		}
		tokens[tokenIdx] = curLine[pos:posEnd]
	}
	return len(tokens)
}

// NewBEDOpts defines behavior of this package's BED-loading functions.
type NewBEDOpts struct {
	// SAMHeader enables ID-based lookup.
	SAMHeader *sam.Header
	// Invert causes the complement of the interval-union to be returned.  The
	// complement extends down to position -1 at the beginning of each
	// chromosome, and PosTypeMax at the end.  If SAMHeader is provided, any
	// chromosome mentioned in the SAMHeader but entirely absent from the BED
	// will be fully included.
	Invert bool
}

// BEDUnion is a collection of length-2N endpoint sequences (see
// endpoint_index.go), one per chromosome.
type BEDUnion struct {
	// nameMap is a chromosome-keyed map with disjoint-interval-set values.
	// Always initialized.
	nameMap map[string][]PosType
	// idMap is an optional slice of disjoint-interval-sets, indexed by
	// sam.Header reference ID.  It is only initialized if the BEDUnion was
	// constructed with NewBEDOpts.SAMHeader set.
	idMap [][]PosType

	// Search state for ContainsByID.  Not safe for concurrent use; each
	// goroutine should work with its own Clone().
	lastRefID     int
	lastIntervals []PosType
	lastPosPlus1  PosType
	lastIdx       EndpointIndex
	isSequential  bool
}

// ContainsByID checks whether the (0-based) interval [pos, pos+1) is contained
// within the BEDUnion, where chromosome is specified by sam.Header ID.
// Sequential queries on the same chromosome use exponential search from the
// previous result.
func (u *BEDUnion) ContainsByID(refID int, pos PosType) bool {
	posPlus1 := pos + 1
	if refID != u.lastRefID {
		u.lastRefID = refID
		u.lastIntervals = u.idMap[refID]
		if u.lastIntervals == nil {
			return false
		}
		u.lastIdx = SearchPosTypes(u.lastIntervals, posPlus1)
		u.lastPosPlus1 = posPlus1
		u.isSequential = true
		return u.lastIdx.Contained()
	}
	if u.lastIntervals == nil {
		return false
	}
	if u.isSequential {
		if posPlus1 >= u.lastPosPlus1 {
			u.lastIdx = ExpsearchPosType(u.lastIntervals, posPlus1, u.lastIdx)
			u.lastPosPlus1 = posPlus1
			return u.lastIdx.Contained()
		}
		u.isSequential = false
	}
	return SearchPosTypes(u.lastIntervals, posPlus1).Contained()
}

// IntersectsByID checks whether [start, end) on the given chromosome
// intersects the interval set.
func (u *BEDUnion) IntersectsByID(refID int, start, end PosType) bool {
	if refID >= len(u.idMap) {
		return false
	}
	intervals := u.idMap[refID]
	if intervals == nil || end <= start {
		return false
	}
	idx := NewEndpointIndex(start, intervals)
	if idx.Contained() {
		return true
	}
	return !idx.Finished(intervals) && intervals[idx] < end
}

// Clone returns a new BEDUnion which shares the interval set, but has its own
// search state.
func (u *BEDUnion) Clone() BEDUnion {
	return BEDUnion{
		nameMap:   u.nameMap,
		idMap:     u.idMap,
		lastRefID: -1,
	}
}

func (u *BEDUnion) nameToIDData(header *sam.Header, invert bool) {
	samRefs := header.Refs()
	u.idMap = make([][]PosType, len(samRefs))
	for refID, ref := range samRefs {
		if chrIntervals := u.nameMap[ref.Name()]; chrIntervals != nil {
			u.idMap[refID] = chrIntervals
		} else if invert {
			u.idMap[refID] = []PosType{-1, PosTypeMax}
		}
	}
}

// unionBuilder accumulates intervals sorted by start within each chromosome,
// merging touching/overlapping ones.  Chromosomes must not be split.
type unionBuilder struct {
	u         BEDUnion
	invert    bool
	prevRef   string
	prevStart PosType
	prevEnd   PosType
	cur       []PosType
}

func newUnionBuilder(invert bool) unionBuilder {
	return unionBuilder{
		u: BEDUnion{
			nameMap:   make(map[string][]PosType),
			lastRefID: -1,
		},
		invert: invert,
	}
}

// closeRef saves the pending interval and stores the current chromosome.
func (b *unionBuilder) closeRef() {
	if b.prevRef == "" {
		return
	}
	if b.prevEnd != -1 {
		b.cur = append(b.cur, b.prevStart, b.prevEnd)
	}
	if b.invert {
		b.cur = append(b.cur, PosTypeMax)
	}
	b.u.nameMap[b.prevRef] = b.cur
}

func (b *unionBuilder) add(refName string, start, end PosType) error {
	if start < 0 {
		return fmt.Errorf("interval.unionBuilder: negative start coordinate %d", start)
	}
	if end < start || end >= PosTypeMax {
		return fmt.Errorf("interval.unionBuilder: invalid coordinate pair [%d, %d)", start, end)
	}
	if refName != b.prevRef {
		b.closeRef()
		if _, found := b.u.nameMap[refName]; found {
			return fmt.Errorf("interval.unionBuilder: unsorted input (split chromosome %v)", refName)
		}
		b.prevRef = refName
		b.cur = []PosType{}
		if b.invert {
			b.cur = append(b.cur, -1)
		}
		if end == start {
			// Distinguish between 'mentioned' chromosomes without any overlapping
			// bases and unmentioned chromosomes.
			b.prevStart, b.prevEnd = -1, -1
			return nil
		}
		b.prevStart, b.prevEnd = start, end
		return nil
	}
	if end == start {
		return nil
	}
	if b.prevEnd == -1 {
		b.prevStart, b.prevEnd = start, end
		return nil
	}
	if start > b.prevEnd {
		b.cur = append(b.cur, b.prevStart, b.prevEnd)
		b.prevStart, b.prevEnd = start, end
		return nil
	}
	if start < b.prevStart {
		return fmt.Errorf("interval.unionBuilder: unsorted input on %v", refName)
	}
	if end > b.prevEnd {
		b.prevEnd = end
	}
	return nil
}

func (b *unionBuilder) finish(header *sam.Header) BEDUnion {
	b.closeRef()
	if header != nil {
		b.u.nameToIDData(header, b.invert)
	}
	return b.u
}

// isHeaderLine recognizes UCSC "track" and "browser" lines.
func isHeaderLine(firstToken []byte) bool {
	s := gunsafe.BytesToString(firstToken)
	return s == "track" || s == "browser"
}

// openBED opens path for reading, decompressing it if it is gzipped.  The
// returned closer must be called when the caller is done.
func openBED(ctx context.Context, path string) (io.Reader, func() error, error) {
	infile, err := file.Open(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	reader := io.Reader(infile.Reader(ctx))
	if fileio.DetermineType(path) == fileio.Gzip {
		gz, err := gzip.NewReader(reader)
		if err != nil {
			_ = infile.Close(ctx)
			return nil, nil, err
		}
		return gz, func() error {
			e := gz.Close()
			if e2 := infile.Close(ctx); e == nil {
				e = e2
			}
			return e
		}, nil
	}
	return reader, func() error { return infile.Close(ctx) }, nil
}

// Entry represents a single interval, with 0-based coordinates.
type Entry struct {
	RefName string
	Start0  PosType
	End     PosType
}

// ParseRegionString parses a region string of one of the forms
//   [contig ID]:[1-based first pos]-[last pos]
//   [contig ID]:[1-based pos]
//   [contig ID]
// returning a contig ID and 0-based interval boundaries.  The interval
// [0, PosTypeMax - 1) is returned if there is no positional restriction.
func ParseRegionString(region string) (result Entry, err error) {
	if len(region) == 0 {
		err = fmt.Errorf("interval.ParseRegionString: empty region string")
		return
	}
	colonPos := strings.LastIndexByte(region, ':')
	if colonPos == -1 {
		result.RefName = region
		result.End = PosTypeMax - 1
		return
	}
	if colonPos == 0 {
		err = fmt.Errorf("interval.ParseRegionString: empty contig ID")
		return
	}
	result.RefName = region[:colonPos]
	rangeStr := strings.Replace(region[colonPos+1:], ",", "", -1)
	dashPos := strings.IndexByte(rangeStr, '-')
	if dashPos == -1 {
		var pos1 int64
		if pos1, err = strconv.ParseInt(rangeStr, 10, 32); err != nil {
			return
		}
		if pos1 <= 0 {
			err = fmt.Errorf("interval.ParseRegionString: position %v in region string out of range", rangeStr)
			return
		}
		result.Start0 = PosType(pos1 - 1)
		result.End = PosType(pos1)
		return
	}
	var start1, end int
	if start1, err = strconv.Atoi(rangeStr[:dashPos]); err != nil {
		return
	}
	if start1 <= 0 {
		err = fmt.Errorf("interval.ParseRegionString: position %v in region string out of range", rangeStr[:dashPos])
		return
	}
	if end, err = strconv.Atoi(rangeStr[dashPos+1:]); err != nil {
		return
	}
	if end < start1 || end >= PosTypeMax {
		err = fmt.Errorf("interval.ParseRegionString: invalid range string %v", rangeStr)
		return
	}
	result.Start0 = PosType(start1 - 1)
	result.End = PosType(end)
	return
}

// NewBEDUnionFromEntries initializes a BEDUnion from a []Entry sorted by
// start within each chromosome, merging touching/overlapping intervals and
// eliminating empty ones in the process.
func NewBEDUnionFromEntries(entries []Entry, opts NewBEDOpts) (BEDUnion, error) {
	builder := newUnionBuilder(opts.Invert)
	for _, entry := range entries {
		if err := builder.add(entry.RefName, entry.Start0, entry.End); err != nil {
			return BEDUnion{}, err
		}
	}
	return builder.finish(opts.SAMHeader), nil
}
