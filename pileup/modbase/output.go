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
	"context"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/hts/bgzf"
	"github.com/grailbio/modpileup/pileup"
)

// PileupRecord is one output row.  Score is the filtered coverage.
type PileupRecord struct {
	RefName  string
	Key      PositionKey
	Counters PositionCounters
}

// Start returns the 0-based position.
func (r *PileupRecord) Start() PosType {
	return r.Key.Pos
}

// End returns the (exclusive) end of the record's interval.
func (r *PileupRecord) End() PosType {
	return r.Key.Pos + 1
}

// Score returns N_mod + N_canonical + N_other_mod.
func (r *PileupRecord) Score() uint32 {
	return r.Counters.FilteredCoverage()
}

// FractionModified returns N_mod / score, or 0 when the score is zero.
func (r *PileupRecord) FractionModified() float64 {
	score := r.Score()
	if score == 0 {
		return 0
	}
	return float64(r.Counters.NMod) / float64(score)
}

// PercentModified returns 100 * N_mod / score.
func (r *PileupRecord) PercentModified() float64 {
	return 100 * r.FractionModified()
}

// fixedColor is the bedMethyl itemRgb column.
const fixedColor = "255,0,0"

// lazyFile creates its file on first use, so that nothing is written for a
// run which fails before emitting.
type lazyFile struct {
	path   string
	bgzip  bool
	f      file.File
	bgzfw  *bgzf.Writer
	w      *tsv.Writer
	closed bool
}

func (lf *lazyFile) writer(ctx context.Context, parallelism int) (*tsv.Writer, error) {
	if lf.w != nil {
		return lf.w, nil
	}
	f, err := file.Create(ctx, lf.path)
	if err != nil {
		return nil, err
	}
	lf.f = f
	var out io.Writer = f.Writer(ctx)
	if lf.bgzip {
		lf.bgzfw = bgzf.NewWriter(out, parallelism)
		out = lf.bgzfw
	}
	lf.w = tsv.NewWriter(out)
	return lf.w, nil
}

func (lf *lazyFile) close(ctx context.Context) (err error) {
	if lf.closed {
		return nil
	}
	lf.closed = true
	if lf.w == nil {
		return nil
	}
	err = lf.w.Flush()
	if lf.bgzfw != nil {
		if e := lf.bgzfw.Close(); e != nil && err == nil {
			err = e
		}
	}
	if e := lf.f.Close(ctx); e != nil && err == nil {
		err = e
	}
	return err
}

// abort closes the file, if it was created, and removes it.
func (lf *lazyFile) abort(ctx context.Context) {
	if lf.f == nil {
		return
	}
	if err := lf.close(ctx); err != nil {
		log.Debug.Printf("modbase: closing %s: %v", lf.path, err)
	}
	if err := file.Remove(ctx, lf.path); err != nil {
		log.Error.Printf("modbase: removing partial output %s: %v", lf.path, err)
	}
}

type BedMethylOpts struct {
	// OnlyTabs separates the last nine columns with tabs instead of spaces.
	OnlyTabs bool
	// Parallelism is passed to the bgzf writer for .gz outputs.
	Parallelism int
}

// BedMethylWriter writes 18-column bedMethyl rows.  A path ending in ".gz"
// is bgzipped.
type BedMethylWriter struct {
	ctx   context.Context
	opts  BedMethylOpts
	out   lazyFile
	tail  []byte
	sep   byte
	nRows int64
}

func NewBedMethylWriter(ctx context.Context, path string, opts BedMethylOpts) *BedMethylWriter {
	sep := byte(' ')
	if opts.OnlyTabs {
		sep = '\t'
	}
	return &BedMethylWriter{
		ctx:  ctx,
		opts: opts,
		out:  lazyFile{path: path, bgzip: strings.HasSuffix(path, ".gz")},
		sep:  sep,
	}
}

// Emit implements Emitter.
func (w *BedMethylWriter) Emit(rec *PileupRecord) error {
	tsvw, err := w.out.writer(w.ctx, w.opts.Parallelism)
	if err != nil {
		return err
	}
	start := uint32(rec.Start())
	end := uint32(rec.End())
	score := rec.Score()
	tsvw.WriteString(rec.RefName)
	tsvw.WriteUint32(start)
	tsvw.WriteUint32(end)
	tsvw.WriteByte(byte(rec.Key.Code))
	tsvw.WriteUint32(score)
	tsvw.WriteByte(pileup.StrandTypeToASCIITable[rec.Key.Strand])
	tsvw.WriteUint32(start)
	tsvw.WriteUint32(end)
	tsvw.WriteString(fixedColor)

	c := &rec.Counters
	t := w.tail[:0]
	t = strconv.AppendUint(t, uint64(score), 10)
	t = append(t, w.sep)
	t = strconv.AppendFloat(t, rec.PercentModified(), 'f', 2, 64)
	for _, n := range [...]uint32{c.NMod, c.NCanonical, c.NOtherMod, c.NDelete, c.NFiltered, c.NDiff, c.NNoCall} {
		t = append(t, w.sep)
		t = strconv.AppendUint(t, uint64(n), 10)
	}
	// EndLine replaces the final tab.
	t = append(t, '\t')
	w.tail = t
	tsvw.WritePartialBytes(t)
	w.nRows++
	return tsvw.EndLine()
}

// Close flushes and closes the output.  An empty output file is created if
// nothing was emitted.
func (w *BedMethylWriter) Close() error {
	if _, err := w.out.writer(w.ctx, w.opts.Parallelism); err != nil {
		return err
	}
	if err := w.out.close(w.ctx); err != nil {
		return err
	}
	log.Printf("modbase.BedMethylWriter: %d row(s) written to %s", w.nRows, w.out.path)
	return nil
}

// Abort removes any partial output.
func (w *BedMethylWriter) Abort() {
	w.out.abort(w.ctx)
}

type bedGraphKey struct {
	code   ModCode
	strand pileup.StrandType
}

// BedGraphWriter writes one bedGraph file per (code, strand) pair, named
// <prefix>_<code>_<strand>.bedgraph (or <code>_<strand>.bedgraph without a
// prefix), where strand is "positive", "negative" or "combined".  Each row is
// chrom, start, end, fraction modified, and coverage.
type BedGraphWriter struct {
	ctx    context.Context
	dir    string
	prefix string
	files  map[bedGraphKey]*lazyFile
	order  []bedGraphKey
	buf    []byte
}

// NewBedGraphWriter creates dir if it's a local path.
func NewBedGraphWriter(ctx context.Context, dir, prefix string) (*BedGraphWriter, error) {
	scheme, _, err := file.ParsePath(dir)
	if err != nil {
		return nil, err
	}
	if scheme == "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}
	return &BedGraphWriter{
		ctx:    ctx,
		dir:    dir,
		prefix: prefix,
		files:  make(map[bedGraphKey]*lazyFile),
	}, nil
}

// Path returns the path of the file holding the given code and strand.
func (w *BedGraphWriter) Path(code ModCode, strand pileup.StrandType) string {
	name := code.String() + "_" + pileup.StrandTypeToNameTable[strand] + ".bedgraph"
	if w.prefix != "" {
		name = w.prefix + "_" + name
	}
	return file.Join(w.dir, name)
}

// Emit implements Emitter.
func (w *BedGraphWriter) Emit(rec *PileupRecord) error {
	key := bedGraphKey{code: rec.Key.Code, strand: rec.Key.Strand}
	lf := w.files[key]
	if lf == nil {
		lf = &lazyFile{path: w.Path(key.code, key.strand)}
		w.files[key] = lf
		w.order = append(w.order, key)
	}
	tsvw, err := lf.writer(w.ctx, 1)
	if err != nil {
		return err
	}
	tsvw.WriteString(rec.RefName)
	tsvw.WriteUint32(uint32(rec.Start()))
	tsvw.WriteUint32(uint32(rec.End()))
	w.buf = strconv.AppendFloat(w.buf[:0], rec.FractionModified(), 'f', -1, 64)
	w.buf = append(w.buf, '\t')
	tsvw.WritePartialBytes(w.buf)
	tsvw.WriteUint32(rec.Score())
	return tsvw.EndLine()
}

// Close closes every file written to.
func (w *BedGraphWriter) Close() (err error) {
	for _, key := range w.order {
		if e := w.files[key].close(w.ctx); e != nil && err == nil {
			err = e
		}
	}
	log.Printf("modbase.BedGraphWriter: %d file(s) written to %s", len(w.order), w.dir)
	return err
}

// Abort removes every file written to.
func (w *BedGraphWriter) Abort() {
	for _, key := range w.order {
		w.files[key].abort(w.ctx)
	}
}
