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
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	farm "github.com/dgryski/go-farm"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/modpileup/pileup"
	"gonum.org/v1/gonum/stat"
)

// QuantileMethod selects how the confidence quantile is computed from the
// sorted sample.
type QuantileMethod int

const (
	// LinInterp interpolates linearly between order statistics.
	LinInterp QuantileMethod = iota
	// NearestRank returns the smallest sample whose empirical CDF reaches the
	// requested fraction.
	NearestRank
)

func (m QuantileMethod) cumulantKind() stat.CumulantKind {
	if m == NearestRank {
		return stat.Empirical
	}
	return stat.LinInterp
}

// ParseQuantileMethod parses "linear" or "nearest".
func ParseQuantileMethod(s string) (QuantileMethod, error) {
	switch s {
	case "linear", "":
		return LinInterp, nil
	case "nearest":
		return NearestRank, nil
	}
	return LinInterp, errors.E(errors.Invalid, fmt.Sprintf("unknown quantile method %q", s))
}

// Threshold is a finalized set of confidence cutoffs: a default, optional
// per-base values and optional per-code values.  A call passes when the
// probability of its dominant category is at least the applicable cutoff.
// Thresholds are immutable and shared by all workers.
type Threshold struct {
	def     float32
	perBase [pileup.NBase]float32
	hasBase [pileup.NBase]bool
	perCode map[ModCode]float32
}

func checkThresholdValue(v float64) error {
	if !(v >= 0 && v <= 1) {
		return errors.E(errors.Invalid, fmt.Sprintf("threshold %v outside [0, 1]", v))
	}
	return nil
}

// NewFixedThreshold returns a Threshold with the given default, per-base
// (keyed by 'A'/'C'/'G'/'T') and per-code values.
func NewFixedThreshold(def float64, perBase map[byte]float64, perCode map[ModCode]float64) (*Threshold, error) {
	if err := checkThresholdValue(def); err != nil {
		return nil, err
	}
	t := &Threshold{def: float32(def)}
	for base, v := range perBase {
		if err := t.setBase(base, v); err != nil {
			return nil, err
		}
	}
	if err := t.setCodes(perCode); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Threshold) setBase(base byte, v float64) error {
	if err := checkThresholdValue(v); err != nil {
		return err
	}
	baseEnum := pileup.ASCIIToEnumTable[base]
	if baseEnum == pileup.BaseX {
		return errors.E(errors.Invalid, fmt.Sprintf("threshold for invalid base %q", base))
	}
	t.perBase[baseEnum] = float32(v)
	t.hasBase[baseEnum] = true
	return nil
}

func (t *Threshold) setCodes(perCode map[ModCode]float64) error {
	for code, v := range perCode {
		if err := checkThresholdValue(v); err != nil {
			return err
		}
		if !code.Known() {
			return errors.E(errors.Invalid, fmt.Sprintf("threshold for unknown modification code %q", byte(code)))
		}
		if t.perCode == nil {
			t.perCode = make(map[ModCode]float32)
		}
		t.perCode[code] = float32(v)
	}
	return nil
}

// ForBase returns the cutoff applying to calls on base (ASCII) whose dominant
// category has no per-code value.
func (t *Threshold) ForBase(base byte) float32 {
	if baseEnum := pileup.ASCIIToEnumTable[base]; baseEnum != pileup.BaseX && t.hasBase[baseEnum] {
		return t.perBase[baseEnum]
	}
	return t.def
}

// Passes returns whether the call's dominant category clears its cutoff.
// Calls without a probability vector always pass.
func (t *Threshold) Passes(c *Call) bool {
	if !c.HasProbs() {
		return true
	}
	code, canonical, prob := c.Dominant()
	if !canonical {
		if v, ok := t.perCode[code]; ok {
			return prob >= v
		}
	}
	return prob >= t.ForBase(c.Base)
}

func (t *Threshold) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "default=%.4f", t.def)
	for baseEnum, ok := range t.hasBase {
		if ok {
			fmt.Fprintf(&sb, " %c=%.4f", pileup.EnumToASCIITable[baseEnum], t.perBase[baseEnum])
		}
	}
	codes := make([]ModCode, 0, len(t.perCode))
	for code := range t.perCode {
		codes = append(codes, code)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i].Less(codes[j]) })
	for _, code := range codes {
		fmt.Fprintf(&sb, " %v=%.4f", code, t.perCode[code])
	}
	return sb.String()
}

// ThresholdOpts controls ThresholdBuilder.Finalize.
type ThresholdOpts struct {
	// Fraction is the target fraction of sampled calls falling below the
	// cutoff.  Must be in [0, 1).
	Fraction float64
	Method   QuantileMethod
	// MinSamples is the smallest per-base sample size an estimate is computed
	// from; smaller samples get Fallback.
	MinSamples int
	Fallback   float64
	// PerBase and PerCode are user-supplied values, which take precedence
	// over estimates.
	PerBase map[byte]float64
	PerCode map[ModCode]float64
}

// CanonicalCode labels the canonical category in reports.
const CanonicalCode ModCode = '-'

type confSample struct {
	hash uint64
	conf float32
	// code is the dominant category, CanonicalCode for the canonical base.
	code ModCode
}

func lessSample(a, b confSample) bool {
	if a.hash != b.hash {
		return a.hash < b.hash
	}
	if a.conf != b.conf {
		return a.conf < b.conf
	}
	return a.code < b.code
}

// sampleHeap is a max-heap, so the root is the first sample to evict.
type sampleHeap []confSample

func (h sampleHeap) Len() int            { return len(h) }
func (h sampleHeap) Less(i, j int) bool  { return lessSample(h[j], h[i]) }
func (h sampleHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *sampleHeap) Push(x interface{}) { *h = append(*h, x.(confSample)) }
func (h *sampleHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// ThresholdBuilder collects a bounded sample of call confidences per
// canonical base.  It keeps the sampleCap calls with the smallest hash of
// (read, position, strand), so the sample does not depend on the order calls
// are added in or on how the input was partitioned.  At most sampleCap
// samples per base are held at any time.  A ThresholdBuilder is not safe for
// concurrent use; workers each fill their own and Merge them.
type ThresholdBuilder struct {
	sampleCap int
	samples   [pileup.NBase]sampleHeap
	nSeen     [pileup.NBase]int64
	keyBuf    []byte
}

// NewThresholdBuilder returns an empty builder.
func NewThresholdBuilder(sampleCap int) *ThresholdBuilder {
	if sampleCap <= 0 {
		sampleCap = DefaultOpts.SampleCap
	}
	return &ThresholdBuilder{sampleCap: sampleCap}
}

func (b *ThresholdBuilder) callHash(c *Call) uint64 {
	buf := append(b.keyBuf[:0], c.Read...)
	var tail [9]byte
	binary.LittleEndian.PutUint32(tail[0:4], uint32(c.RefID))
	binary.LittleEndian.PutUint32(tail[4:8], uint32(c.Pos))
	tail[8] = byte(c.Strand)
	buf = append(buf, tail[:]...)
	b.keyBuf = buf
	return farm.Hash64(buf)
}

// Add records the confidence of a call with a probability vector.
func (b *ThresholdBuilder) Add(c *Call) {
	if !c.HasProbs() {
		return
	}
	baseEnum := pileup.ASCIIToEnumTable[c.Base]
	if baseEnum == pileup.BaseX {
		return
	}
	b.nSeen[baseEnum]++
	code, canonical, conf := c.Dominant()
	if canonical {
		code = CanonicalCode
	}
	b.addSample(baseEnum, confSample{hash: b.callHash(c), conf: conf, code: code})
}

func (b *ThresholdBuilder) addSample(baseEnum byte, cs confSample) {
	h := &b.samples[baseEnum]
	if h.Len() < b.sampleCap {
		heap.Push(h, cs)
		return
	}
	if lessSample(cs, (*h)[0]) {
		(*h)[0] = cs
		heap.Fix(h, 0)
	}
}

// Merge adds other's samples to b.
func (b *ThresholdBuilder) Merge(other *ThresholdBuilder) {
	for baseEnum := range b.samples {
		b.nSeen[baseEnum] += other.nSeen[baseEnum]
		for _, cs := range other.samples[baseEnum] {
			b.addSample(byte(baseEnum), cs)
		}
	}
}

// sortedConfs returns the sampled confidences of a base, in increasing order.
func (b *ThresholdBuilder) sortedConfs(baseEnum int) []float64 {
	s := b.samples[baseEnum]
	confs := make([]float64, len(s))
	for i, cs := range s {
		confs[i] = float64(cs.conf)
	}
	sort.Float64s(confs)
	return confs
}

// NSeen returns the number of calls on base (ASCII) added so far, including
// those not retained in the sample.
func (b *ThresholdBuilder) NSeen(base byte) int64 {
	baseEnum := pileup.ASCIIToEnumTable[base]
	if baseEnum == pileup.BaseX {
		return 0
	}
	return b.nSeen[baseEnum]
}

// Finalize computes per-base cutoffs from the sample.  Bases with fewer than
// opts.MinSamples samples (but at least one) get opts.Fallback, with a
// warning.
func (b *ThresholdBuilder) Finalize(opts ThresholdOpts) (*Threshold, error) {
	if !(opts.Fraction >= 0 && opts.Fraction < 1) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("filter fraction %v outside [0, 1)", opts.Fraction))
	}
	if err := checkThresholdValue(opts.Fallback); err != nil {
		return nil, err
	}
	t := &Threshold{def: float32(opts.Fallback)}
	for baseEnum, s := range b.samples {
		if len(s) == 0 {
			continue
		}
		base := pileup.EnumToASCIITable[baseEnum]
		if len(s) < opts.MinSamples {
			log.Error.Printf("modbase.Finalize: warning: only %d sample(s) for base %c, using fallback threshold %v", len(s), base, opts.Fallback)
			t.perBase[baseEnum] = float32(opts.Fallback)
			t.hasBase[baseEnum] = true
			continue
		}
		confs := b.sortedConfs(baseEnum)
		q := stat.Quantile(opts.Fraction, opts.Method.cumulantKind(), confs, nil)
		t.perBase[baseEnum] = float32(q)
		t.hasBase[baseEnum] = true
		log.Printf("modbase.Finalize: base %c: %d call(s) seen, %d sampled, threshold %.4f", base, b.nSeen[baseEnum], len(s), q)
	}
	for base, v := range opts.PerBase {
		if err := t.setBase(base, v); err != nil {
			return nil, err
		}
	}
	if err := t.setCodes(opts.PerCode); err != nil {
		return nil, err
	}
	return t, nil
}
