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
	"container/heap"
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"sort"
	"strconv"
	"sync/atomic"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/recordio"
	"github.com/grailbio/base/recordio/recordiozstd"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/modpileup/interval"
	"github.com/grailbio/modpileup/pileup"
)

// Problem:
// Given a stream of per-read, per-position modification calls, count, for
// every (position, strand, modification code) observed, how many calls
// support the modification, the canonical base, another modification, etc.
// Calls are only counted when their confidence clears a threshold which
// usually has to be estimated from the data itself.
//
// Implementation strategy:
// The genome is cut into a fixed grid of partitions (default 1 Mbp), and a
// call belongs to the partition containing its reference position.  Jobs own
// contiguous runs of partitions.
//
// 1. Unless the threshold is fixed, a sampling pre-pass visits every partition
//    and collects a bounded sample of call confidences per canonical base.  The
//    sample is chosen by hash, so it doesn't depend on the partitioning.  The
//    threshold is finalized before the main pass starts.
// 2. The main pass classifies each call into a sparse map of Cells keyed by
//    (refID, pos, strand).  With strand combination, a - strand motif site is
//    keyed at its + strand partner, which may be up to KeyShift positions
//    earlier, possibly in the previous partition.  Therefore, after finishing a
//    partition, the job only flushes cells below (next partition start -
//    KeyShift) to its recordio temp file; everything else stays in memory.
//    Each job file is sorted.
// 3. A k-way merge over the job files sums cells with equal keys (these only
//    occur at job boundaries), decodes them into per-code counters, and feeds
//    nonempty ones to the Emitter in sorted order.
//
// The Emitter sees nothing until the main pass has completed successfully.
// The merge itself can still fail or be cancelled partway, so a caller that
// gets an error back from Pileup must discard whatever was emitted.

// maxCallWarnings bounds the number of invalid-call warnings logged per run.
const maxCallWarnings = 10

// checkCtxInterval is how many calls are processed between cancellation
// checks.
const checkCtxInterval = 1 << 14

func init() {
	recordiozstd.Init()
}

// Stats summarizes a run.
type Stats struct {
	// NCalls is the number of calls read from the source.
	NCalls int64
	// SkippedCalls were invalid and dropped.
	SkippedCalls int64
	// ExcludedCalls were outside the include regions, inside an exclude region,
	// or not at a motif site.
	ExcludedCalls int64
	// FilteredCalls failed the threshold, or had their whole probability mass
	// removed by collapsing.
	FilteredCalls int64
	// NPartitions is the number of partitions processed.
	NPartitions int
	// SparsePartitions contributed fewer than MinSamples calls to the
	// threshold sample.
	SparsePartitions int
	// NRecords is the number of records emitted.
	NRecords int64
	// Threshold is the threshold used.
	Threshold *Threshold
	// Summary tallies the calls with probability vectors that reached
	// classification.
	Summary CallSummary
}

func (s *Stats) add(o *Stats) {
	s.NCalls += o.NCalls
	s.SkippedCalls += o.SkippedCalls
	s.ExcludedCalls += o.ExcludedCalls
	s.FilteredCalls += o.FilteredCalls
	s.NPartitions += o.NPartitions
	s.SparsePartitions += o.SparsePartitions
	s.Summary.merge(&o.Summary)
}

// partition is a half-open reference interval.
type partition struct {
	refID      int
	start, end PosType
}

// makePartitions cuts every reference into size-length partitions, dropping
// those disjoint from any non-nil filter.  Filters are only used for pruning;
// positions are still checked one at a time.
func makePartitions(header *sam.Header, size PosType, filters ...*interval.StrandedBED) []partition {
	var parts []partition
	for _, ref := range header.Refs() {
		refLen := PosType(ref.Len())
		for start := PosType(0); start < refLen; start += size {
			end := start + size
			if end > refLen || end < start {
				end = refLen
			}
			keep := true
			for _, f := range filters {
				if f != nil && !f.IntersectsByID(ref.ID(), start, end) {
					keep = false
				}
			}
			if !keep {
				continue
			}
			parts = append(parts, partition{refID: ref.ID(), start: start, end: end})
		}
	}
	return parts
}

type callStatus int

const (
	callOK callStatus = iota
	callInvalid
	callExcluded
	callNoEvidence
)

// callPipeline runs the per-call steps shared by the pre-pass and the main
// pass: validation, region/BED restriction, motif resolution and collapsing.
// Each job owns one.
type callPipeline struct {
	opts     *pileupOpts
	motifs   *MotifIndex
	include  interval.StrandedBED
	exclude  interval.StrandedBED
	modBuf   []ModProb
	prepared Call
	warnings *int32
}

func newCallPipeline(opts *pileupOpts, motifs *MotifIndex, warnings *int32) *callPipeline {
	p := &callPipeline{
		opts:     opts,
		motifs:   motifs,
		warnings: warnings,
	}
	if opts.include != nil {
		p.include = opts.include.Clone()
	}
	if opts.exclude != nil {
		p.exclude = opts.exclude.Clone()
	}
	return p
}

// prepare returns the call to classify, and where it's counted.  The returned
// call is owned by the pipeline and valid until the next prepare.
func (p *callPipeline) prepare(c *Call) (out *Call, keyPos PosType, keyStrand pileup.StrandType, status callStatus) {
	if err := c.Validate(); err != nil {
		if p.warnings != nil && atomic.AddInt32(p.warnings, 1) <= maxCallWarnings {
			log.Error.Printf("modbase.Pileup: warning: skipping call from read %s: %v", c.Read, err)
		}
		return nil, 0, 0, callInvalid
	}
	minus := c.Strand == pileup.StrandMinus
	if p.opts.include != nil && !p.include.Contains(c.RefID, c.Pos, minus) {
		return nil, 0, 0, callExcluded
	}
	if p.opts.exclude != nil && !p.exclude.Contains(c.RefID, c.Pos, minus) {
		return nil, 0, 0, callExcluded
	}
	keyPos, keyStrand = c.Pos, c.Strand
	if p.motifs != nil {
		var ok bool
		if keyPos, keyStrand, ok = p.motifs.Resolve(c.RefID, c.Pos, c.Strand); !ok {
			return nil, 0, 0, callExcluded
		}
	}
	p.prepared = *c
	if c.HasProbs() && !p.opts.collapse.Empty() {
		canonical, mods, ok := p.opts.collapse.Apply(pileup.ASCIIToEnumTable[c.Base], c.Canonical, c.Mods, p.modBuf)
		p.modBuf = mods
		if !ok {
			return nil, keyPos, keyStrand, callNoEvidence
		}
		p.prepared.Canonical = canonical
		p.prepared.Mods = mods
	}
	return &p.prepared, keyPos, keyStrand, callOK
}

// jobPartitions returns the contiguous run of partitions owned by a job.
func jobPartitions(parts []partition, jobIdx, parallelism int) []partition {
	startIdx := (jobIdx * len(parts)) / parallelism
	endIdx := ((jobIdx + 1) * len(parts)) / parallelism
	return parts[startIdx:endIdx]
}

// sampleCalls runs the sampling pre-pass, and returns the merged sample and
// the number of sparse partitions.
func sampleCalls(ctx context.Context, src CallSource, rs *runSetup) (*ThresholdBuilder, int, error) {
	opts, parallelism := rs.opts, rs.parallelism
	builders := make([]*ThresholdBuilder, parallelism)
	sparse := make([]int, parallelism)
	log.Printf("modbase.Pileup: sampling call confidences (%d jobs)", parallelism)
	err := traverse.Each(parallelism, func(jobIdx int) error {
		b := NewThresholdBuilder(opts.sampleCap)
		p := newCallPipeline(opts, rs.motifs, nil)
		for _, part := range jobPartitions(rs.parts, jobIdx, parallelism) {
			if err := ctx.Err(); err != nil {
				return err
			}
			var nSampled int
			iter := src.NewIterator(part.refID, part.start, part.end)
			for iter.Scan() {
				c, _, _, status := p.prepare(iter.Call())
				if status != callOK || !c.HasProbs() {
					continue
				}
				b.Add(c)
				nSampled++
				if nSampled%checkCtxInterval == 0 {
					if err := ctx.Err(); err != nil {
						_ = iter.Close()
						return err
					}
				}
			}
			if err := iter.Close(); err != nil {
				return err
			}
			if nSampled > 0 && nSampled < opts.thresholdOpts.MinSamples {
				sparse[jobIdx]++
			}
		}
		builders[jobIdx] = b
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	for _, b := range builders[1:] {
		builders[0].Merge(b)
	}
	nSparse := 0
	for _, n := range sparse {
		nSparse += n
	}
	return builders[0], nSparse, nil
}

type cellKey struct {
	refID  uint32
	pos    uint32
	strand uint8
}

// aggregator is the per-job state of the main pass.
type aggregator struct {
	threshold *Threshold
	pipeline  *callPipeline
	cells     map[cellKey]*Cell
	flushBuf  []*Cell
	w         recordio.Writer
	stats     Stats
}

func (a *aggregator) cell(refID int, pos PosType, strand pileup.StrandType) *Cell {
	key := cellKey{refID: uint32(refID), pos: uint32(pos), strand: uint8(strand)}
	c := a.cells[key]
	if c == nil {
		c = newCell(refID, pos, strand)
		a.cells[key] = c
	}
	return c
}

func (a *aggregator) add(c *Call) {
	a.stats.NCalls++
	prepared, keyPos, keyStrand, status := a.pipeline.prepare(c)
	switch status {
	case callInvalid:
		a.stats.SkippedCalls++
	case callExcluded:
		a.stats.ExcludedCalls++
	case callNoEvidence:
		a.stats.FilteredCalls++
		a.cell(c.RefID, keyPos, keyStrand).AddFiltered()
	case callOK:
		passes := a.threshold.Passes(prepared)
		if !passes {
			a.stats.FilteredCalls++
		}
		if prepared.HasProbs() {
			a.stats.Summary.add(prepared, passes)
		}
		a.cell(c.RefID, keyPos, keyStrand).Add(prepared, passes)
	}
}

func (a *aggregator) processPartition(ctx context.Context, src CallSource, part partition) error {
	iter := src.NewIterator(part.refID, part.start, part.end)
	var n int
	for iter.Scan() {
		a.add(iter.Call())
		n++
		if n%checkCtxInterval == 0 {
			if err := ctx.Err(); err != nil {
				_ = iter.Close()
				return err
			}
		}
	}
	a.stats.NPartitions++
	return iter.Close()
}

// flush writes, in key order, every cell with key < (refID, pos) to the
// job's temp file.  A negative refID flushes everything.
func (a *aggregator) flush(refID int, pos PosType) {
	bound := &Cell{RefID: uint32(refID), Pos: uint32(pos)}
	if pos < 0 {
		bound.Pos = 0
	}
	a.flushBuf = a.flushBuf[:0]
	for key, c := range a.cells {
		if refID < 0 || c.keyLess(bound) {
			a.flushBuf = append(a.flushBuf, c)
			delete(a.cells, key)
		}
	}
	sort.Slice(a.flushBuf, func(i, j int) bool { return a.flushBuf[i].keyLess(a.flushBuf[j]) })
	for _, c := range a.flushBuf {
		a.w.Append(c)
	}
}

// Emitter consumes finalized records, in PositionKey order.  If Pileup
// returns an error, the records emitted so far are incomplete.
type Emitter interface {
	Emit(rec *PileupRecord) error
}

// runSetup is the validated, read-only state shared by both passes.
type runSetup struct {
	header      *sam.Header
	opts        *pileupOpts
	motifs      *MotifIndex
	parts       []partition
	parallelism int
}

func newRunSetup(ctx context.Context, src CallSource, refSeqs [][]byte, rawOpts *Opts) (*runSetup, error) {
	header := src.Header()
	if header == nil {
		return nil, fmt.Errorf("modbase.Pileup: call source has no header")
	}
	opts, err := rawOpts.validate(ctx, header)
	if err != nil {
		return nil, err
	}
	rs := &runSetup{header: header, opts: opts}
	if len(opts.motifs) > 0 {
		if refSeqs != nil && len(refSeqs) != len(header.Refs()) {
			return nil, fmt.Errorf("modbase.Pileup: %d reference sequence(s) for %d header reference(s)", len(refSeqs), len(header.Refs()))
		}
		if rs.motifs, err = NewMotifIndex(opts.motifs, refSeqs, opts.combineStrands, opts.parallelism); err != nil {
			return nil, err
		}
	}
	rs.parts = makePartitions(header, opts.partitionSize, opts.include, opts.exclude)
	rs.parallelism = opts.parallelism
	if rs.parallelism > len(rs.parts) {
		rs.parallelism = len(rs.parts)
	}
	return rs, nil
}

// SampleProbs runs only the sampling pass of Pileup, with the same
// restrictions and collapsing, and returns the sample.  Threshold settings in
// rawOpts are ignored, except for SampleCap.
func SampleProbs(ctx context.Context, src CallSource, refSeqs [][]byte, rawOpts *Opts) (*ThresholdBuilder, error) {
	rs, err := newRunSetup(ctx, src, refSeqs, rawOpts)
	if err != nil {
		return nil, err
	}
	if len(rs.parts) == 0 {
		log.Printf("modbase.SampleProbs: no partitions to process")
		return NewThresholdBuilder(rs.opts.sampleCap), nil
	}
	b, _, err := sampleCalls(ctx, src, rs)
	return b, err
}

// Pileup aggregates every call of src into per-position counters and emits
// them in sorted order.  refSeqs (indexed by reference ID, uppercase ASCII) is
// only required for motif restriction; it may be nil otherwise.
func Pileup(ctx context.Context, src CallSource, refSeqs [][]byte, rawOpts *Opts, emitter Emitter) (stats Stats, err error) {
	rs, err := newRunSetup(ctx, src, refSeqs, rawOpts)
	if err != nil {
		return stats, err
	}
	header, opts, motifs, parts, parallelism := rs.header, rs.opts, rs.motifs, rs.parts, rs.parallelism
	if len(parts) == 0 {
		log.Printf("modbase.Pileup: no partitions to process")
		return stats, nil
	}

	threshold := opts.threshold
	if threshold == nil {
		var b *ThresholdBuilder
		if b, stats.SparsePartitions, err = sampleCalls(ctx, src, rs); err != nil {
			return stats, err
		}
		if threshold, err = b.Finalize(opts.thresholdOpts); err != nil {
			return stats, err
		}
	}
	stats.Threshold = threshold
	log.Printf("modbase.Pileup: threshold %v", threshold)

	if opts.tempDir != "" {
		if err = os.MkdirAll(opts.tempDir, 0755); err != nil {
			return stats, err
		}
	}
	tmpFiles := make([]*os.File, parallelism)
	defer func() {
		for _, f := range tmpFiles {
			if f != nil {
				if e := f.Close(); e != nil && err == nil {
					err = e
				}
				// os.Remove returns an error if the file is already gone.
				_ = os.Remove(f.Name())
			}
		}
	}()
	for jobIdx := range tmpFiles {
		if tmpFiles[jobIdx], err = ioutil.TempFile(opts.tempDir, "modpileup_tmp"+strconv.Itoa(jobIdx)+"_*.rio"); err != nil {
			return stats, err
		}
	}

	var warnings int32
	jobStats := make([]Stats, parallelism)
	log.Printf("modbase.Pileup: starting main loop (%d partitions, %d jobs)", len(parts), parallelism)
	err = traverse.Each(parallelism, func(jobIdx int) error {
		a := &aggregator{
			threshold: threshold,
			pipeline:  newCallPipeline(opts, motifs, &warnings),
			cells:     make(map[cellKey]*Cell),
			w: recordio.NewWriter(tmpFiles[jobIdx], recordio.WriterOpts{
				Marshal:      marshalCell,
				Transformers: []string{recordiozstd.Name},
			}),
		}
		jobParts := jobPartitions(parts, jobIdx, parallelism)
		for i, part := range jobParts {
			if e := ctx.Err(); e != nil {
				return e
			}
			if e := a.processPartition(ctx, src, part); e != nil {
				return e
			}
			if i+1 < len(jobParts) {
				next := jobParts[i+1]
				a.flush(next.refID, next.start-motifs.KeyShift())
			}
		}
		a.flush(-1, 0)
		jobStats[jobIdx] = a.stats
		return a.w.Finish()
	})
	if err != nil {
		return stats, err
	}
	for i := range jobStats {
		stats.add(&jobStats[i])
	}
	log.Printf("modbase.Pileup: main loop complete")

	if stats.NRecords, err = mergeCellFiles(ctx, tmpFiles, header, emitter); err != nil {
		return stats, err
	}
	if warnings > maxCallWarnings {
		log.Error.Printf("modbase.Pileup: warning: %d further invalid call(s) not shown", warnings-maxCallWarnings)
	}
	log.Printf("modbase.Pileup: %d call(s) read, %d skipped as invalid, %d excluded, %d filtered; %d partition(s), %d sparse; %d record(s) emitted",
		stats.NCalls, stats.SkippedCalls, stats.ExcludedCalls, stats.FilteredCalls, stats.NPartitions, stats.SparsePartitions, stats.NRecords)
	return stats, nil
}

type cellSource struct {
	scanner recordio.Scanner
	cur     *Cell
}

type cellHeap []*cellSource

func (h cellHeap) Len() int            { return len(h) }
func (h cellHeap) Less(i, j int) bool  { return h[i].cur.keyLess(h[j].cur) }
func (h cellHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *cellHeap) Push(x interface{}) { *h = append(*h, x.(*cellSource)) }
func (h *cellHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// advance loads the next cell, returning false at end of file.
func (cs *cellSource) advance() bool {
	if !cs.scanner.Scan() {
		return false
	}
	cs.cur = cs.scanner.Get().(*Cell)
	return true
}

// mergeCellFiles merges the sorted job files, sums equal keys, and emits
// every bucket with nonzero filtered coverage.
func mergeCellFiles(ctx context.Context, tmpFiles []*os.File, header *sam.Header, emitter Emitter) (nRecord int64, err error) {
	refs := header.Refs()
	sources := make([]*cellSource, 0, len(tmpFiles))
	h := make(cellHeap, 0, len(tmpFiles))
	for _, f := range tmpFiles {
		if _, err = f.Seek(0, 0); err != nil {
			return
		}
		cs := &cellSource{
			scanner: recordio.NewScanner(f, recordio.ScannerOpts{
				Unmarshal: unmarshalCell,
			}),
		}
		sources = append(sources, cs)
		if cs.advance() {
			h = append(h, cs)
		}
	}
	heap.Init(&h)

	var (
		counters []KeyedCounters
		rec      PileupRecord
		nCell    int
	)
	for h.Len() > 0 {
		cur := h[0].cur
		if h[0].advance() {
			heap.Fix(&h, 0)
		} else {
			heap.Pop(&h)
		}
		for h.Len() > 0 && h[0].cur.sameKey(cur) {
			cur.Merge(h[0].cur)
			if h[0].advance() {
				heap.Fix(&h, 0)
			} else {
				heap.Pop(&h)
			}
		}
		nCell++
		if nCell%checkCtxInterval == 0 {
			if err = ctx.Err(); err != nil {
				return
			}
		}
		counters = cur.AppendCounters(counters[:0])
		for _, kc := range counters {
			if kc.Counters.FilteredCoverage() == 0 {
				continue
			}
			rec = PileupRecord{
				RefName:  refs[kc.Key.RefID].Name(),
				Key:      kc.Key,
				Counters: kc.Counters,
			}
			if err = emitter.Emit(&rec); err != nil {
				return
			}
			nRecord++
		}
	}
	for _, cs := range sources {
		if err = cs.scanner.Err(); err != nil {
			return
		}
	}
	log.Printf("modbase.mergeCellFiles: %d cell(s) merged", nCell)
	return
}
