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
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/hts/bam"
	"github.com/grailbio/hts/bgzf"
	"github.com/grailbio/hts/bgzf/index"
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/modpileup/pileup/modbase"
)

// DefaultFlagExclude skips secondary, QC-fail, duplicate and supplementary
// alignments.
const DefaultFlagExclude = int(sam.Secondary | sam.QCFail | sam.Duplicate | sam.Supplementary)

// Opts controls which reads a Provider decodes.
type Opts struct {
	// Index is the pathname of the *.bam.bai file.  If "", Path + ".bai".
	Index string
	// FlagExclude is the set of SAM flags that cause a read to be skipped.
	// Unmapped reads are always skipped.
	FlagExclude int
	// Mapq is the minimum mapping quality.
	Mapq int
	// RefSeqs, if non-nil, enables reference mismatch detection.
	RefSeqs [][]byte
}

// maxReadWarnings limits how many malformed reads are logged.
const maxReadWarnings = 10

// DefaultOpts are the default Opts.
var DefaultOpts = Opts{
	FlagExclude: DefaultFlagExclude,
}

// Provider is a modbase.CallSource backed by an indexed BAM file.  Path and
// Index may be S3 URLs.  Iterators may be used concurrently.
type Provider struct {
	path   string
	opts   Opts
	header *sam.Header
	err    errors.Once

	// Number of reads skipped because of malformed modification tags.
	nBadReads int64

	indexOnce sync.Once
	index     *bam.Index
	indexErr  error

	mu        sync.Mutex
	nActive   int
	freeIters []*iterator
}

// NewProvider opens the BAM file at path and reads its header.
func NewProvider(ctx context.Context, path string, opts Opts) (*Provider, error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer in.Close(ctx) // nolint: errcheck
	reader, err := bam.NewReader(in.Reader(ctx), 1)
	if err != nil {
		return nil, fmt.Errorf("modbam.NewProvider: %s: %v", path, err)
	}
	defer reader.Close() // nolint: errcheck
	return &Provider{
		path:   path,
		opts:   opts,
		header: reader.Header(),
	}, nil
}

func (p *Provider) indexPath() string {
	if p.opts.Index != "" {
		return p.opts.Index
	}
	return p.path + ".bai"
}

// loadIndex reads the BAM index once; all iterators share it.
func (p *Provider) loadIndex(ctx context.Context) (*bam.Index, error) {
	p.indexOnce.Do(func() {
		var in file.File
		if in, p.indexErr = file.Open(ctx, p.indexPath()); p.indexErr != nil {
			return
		}
		defer in.Close(ctx) // nolint: errcheck
		p.index, p.indexErr = bam.ReadIndex(in.Reader(ctx))
	})
	return p.index, p.indexErr
}

// SetRefSeqs enables reference mismatch detection.  It must be called before
// the first NewIterator.
func (p *Provider) SetRefSeqs(refSeqs [][]byte) {
	p.opts.RefSeqs = refSeqs
}

// Header implements modbase.CallSource.
func (p *Provider) Header() *sam.Header {
	return p.header
}

// BadReads returns the number of reads skipped so far because their MM/ML
// tags could not be decoded.  A read is counted once per iterator that
// reaches it.
func (p *Provider) BadReads() int64 {
	return atomic.LoadInt64(&p.nBadReads)
}

// Close releases pooled readers, and returns the first error any iterator
// encountered.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.nActive > 0 {
		log.Fatalf("modbam.Provider.Close: %d iterators still active for %s", p.nActive, p.path)
	}
	for _, iter := range p.freeIters {
		iter.internalClose()
	}
	p.freeIters = nil
	return p.err.Err()
}

type iterator struct {
	provider *Provider
	in       file.File
	reader   *bam.Reader
	index    *bam.Index
	decoder  Decoder

	refID      int
	start, end modbase.PosType

	active bool
	err    error
	calls  []modbase.Call
	next   int
}

// allocateIterator returns a pooled iterator, or opens a new reader.  On
// error, the returned iterator has a non-nil err.
func (p *Provider) allocateIterator() *iterator {
	p.mu.Lock()
	p.nActive++
	if n := len(p.freeIters); n > 0 {
		iter := p.freeIters[n-1]
		p.freeIters = p.freeIters[:n-1]
		p.mu.Unlock()
		iter.active = true
		iter.err = nil
		iter.calls = nil
		iter.next = 0
		return iter
	}
	p.mu.Unlock()

	iter := &iterator{
		provider: p,
		active:   true,
	}
	iter.decoder.RefSeqs = p.opts.RefSeqs
	ctx := vcontext.Background()
	if iter.index, iter.err = p.loadIndex(ctx); iter.err != nil {
		return iter
	}
	if iter.in, iter.err = file.Open(ctx, p.path); iter.err != nil {
		return iter
	}
	iter.reader, iter.err = bam.NewReader(iter.in.Reader(ctx), 1)
	return iter
}

func (p *Provider) freeIterator(iter *iterator) {
	if !iter.active {
		log.Fatalf("modbam: iterator closed twice")
	}
	iter.active = false
	if iter.Err() != nil || iter.reader == nil {
		// The reader may be in a bad state.  Don't reuse it.
		iter.internalClose()
		iter = nil
	}
	p.mu.Lock()
	if iter != nil {
		p.freeIters = append(p.freeIters, iter)
	}
	p.nActive--
	p.mu.Unlock()
}

// NewIterator implements modbase.CallSource.
func (p *Provider) NewIterator(refID int, start, end modbase.PosType) modbase.CallIterator {
	iter := p.allocateIterator()
	if iter.err != nil {
		return iter
	}
	refs := p.header.Refs()
	if refID < 0 || refID >= len(refs) {
		iter.err = fmt.Errorf("modbam.NewIterator: reference ID %d out of range [0, %d)", refID, len(refs))
		return iter
	}
	if start >= end {
		iter.err = io.EOF
		return iter
	}
	iter.refID, iter.start, iter.end = refID, start, end
	found, offset, err := iter.findRecordOffset(refs[refID], int(start), int(end))
	if err != nil {
		iter.err = err
		return iter
	}
	if !found {
		iter.err = io.EOF
		return iter
	}
	iter.err = iter.reader.Seek(offset)
	return iter
}

// findRecordOffset returns the file offset of the first record that may
// overlap [startPos, endPos).  found is false if no record does.
func (i *iterator) findRecordOffset(ref *sam.Reference, startPos, endPos int) (found bool, offset bgzf.Offset, err error) {
	chunks, err := i.index.Chunks(ref, startPos, endPos)
	if err == index.ErrInvalid || (err == nil && len(chunks) == 0) {
		return false, bgzf.Offset{}, nil
	}
	if err != nil {
		return false, bgzf.Offset{}, err
	}
	return true, chunks[0].Begin, nil
}

func (i *iterator) skipRead(r *sam.Record) bool {
	if r.Flags&sam.Unmapped != 0 || int(r.Flags)&i.provider.opts.FlagExclude != 0 {
		return true
	}
	return int(r.MapQ) < i.provider.opts.Mapq
}

// Scan implements modbase.CallIterator.
func (i *iterator) Scan() bool {
	if !i.active {
		log.Fatalf("modbam: reusing closed iterator")
	}
	for {
		if i.err != nil {
			return false
		}
		if i.next < len(i.calls) {
			i.next++
			return true
		}
		var r *sam.Record
		if r, i.err = i.reader.Read(); i.err != nil {
			return false
		}
		if r.Ref == nil || r.Ref.ID() != i.refID || modbase.PosType(r.Pos) >= i.end {
			i.err = io.EOF
			return false
		}
		if modbase.PosType(r.End()) <= i.start || i.skipRead(r) {
			continue
		}
		var err error
		if i.calls, err = i.decoder.Decode(r, i.start, i.end); err != nil {
			if n := atomic.AddInt64(&i.provider.nBadReads, 1); n <= maxReadWarnings {
				log.Error.Printf("modbam: skipping read: %v", err)
			}
			i.calls = nil
		}
		i.next = 0
	}
}

// Call implements modbase.CallIterator.
func (i *iterator) Call() *modbase.Call {
	return &i.calls[i.next-1]
}

// Err implements modbase.CallIterator.
func (i *iterator) Err() error {
	if i.err == io.EOF {
		return nil
	}
	return i.err
}

// Close implements modbase.CallIterator.
func (i *iterator) Close() error {
	err := i.Err()
	i.provider.freeIterator(i)
	return err
}

func (i *iterator) internalClose() {
	if i.reader != nil {
		if err := i.reader.Close(); err != nil && i.err == nil {
			i.err = err
		}
		i.reader = nil
	}
	if i.in != nil {
		if err := i.in.Close(vcontext.Background()); err != nil && i.err == nil {
			i.err = err
		}
		i.in = nil
	}
	i.provider.err.Set(i.Err())
}
