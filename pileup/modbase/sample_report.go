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
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/modpileup/pileup"
	"gonum.org/v1/gonum/stat"
)

// BasePercentiles holds confidence quantiles of the calls sampled on one
// canonical base.
type BasePercentiles struct {
	Base     byte
	NSampled int
	// Values[i] is the Fractions[i] quantile of the ProbReport.
	Values []float64
}

// CodeHistogram counts the sampled calls on Base whose dominant category is
// Code (CanonicalCode for the canonical base), by confidence bucket.
// Counts[i] covers [i/len(Counts), (i+1)/len(Counts)); the last bucket also
// holds confidence 1.
type CodeHistogram struct {
	Base   byte
	Code   ModCode
	Counts []int64
}

// Total returns the number of calls in the histogram.
func (h *CodeHistogram) Total() int64 {
	var n int64
	for _, c := range h.Counts {
		n += c
	}
	return n
}

// ProbReport describes the distribution of sampled call confidences.  It is
// computed from the same sample the threshold is estimated from.
type ProbReport struct {
	Fractions   []float64
	Percentiles []BasePercentiles
	// Histograms is nil unless requested.
	Histograms []CodeHistogram
}

// ParseFractions parses a comma-separated list of quantiles, e.g.
// "0.1,0.5,0.9".
func ParseFractions(s string) ([]float64, error) {
	var result []float64
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("bad percentile %q", field), err)
		}
		if !(v >= 0 && v <= 1) {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("percentile %v outside [0, 1]", v))
		}
		result = append(result, v)
	}
	if len(result) == 0 {
		return nil, errors.E(errors.Invalid, "no percentiles given")
	}
	return result, nil
}

// histogramDividers returns nBucket+1 evenly spaced dividers over [0, 1],
// with the last one nudged up so that confidence 1 is counted.
func histogramDividers(nBucket int) []float64 {
	dividers := make([]float64, nBucket+1)
	for i := range dividers {
		dividers[i] = float64(i) / float64(nBucket)
	}
	dividers[nBucket] = math.Nextafter(1, 2)
	return dividers
}

// Report summarizes the current sample.  nBucket <= 0 skips the histograms.
func (b *ThresholdBuilder) Report(fractions []float64, method QuantileMethod, nBucket int) *ProbReport {
	r := &ProbReport{Fractions: fractions}
	for baseEnum := range b.samples {
		if len(b.samples[baseEnum]) == 0 {
			continue
		}
		confs := b.sortedConfs(baseEnum)
		bp := BasePercentiles{
			Base:     pileup.EnumToASCIITable[baseEnum],
			NSampled: len(confs),
			Values:   make([]float64, len(fractions)),
		}
		for i, f := range fractions {
			bp.Values[i] = stat.Quantile(f, method.cumulantKind(), confs, nil)
		}
		r.Percentiles = append(r.Percentiles, bp)
	}
	if nBucket <= 0 {
		return r
	}

	dividers := histogramDividers(nBucket)
	for baseEnum := range b.samples {
		byCode := make(map[ModCode][]float64)
		for _, cs := range b.samples[baseEnum] {
			byCode[cs.code] = append(byCode[cs.code], float64(cs.conf))
		}
		codes := make([]ModCode, 0, len(byCode))
		for code := range byCode {
			codes = append(codes, code)
		}
		// Canonical first, then declared code order.
		sort.Slice(codes, func(i, j int) bool {
			if (codes[i] == CanonicalCode) != (codes[j] == CanonicalCode) {
				return codes[i] == CanonicalCode
			}
			return codes[i].Less(codes[j])
		})
		for _, code := range codes {
			confs := byCode[code]
			sort.Float64s(confs)
			counts := stat.Histogram(nil, dividers, confs, nil)
			h := CodeHistogram{
				Base:   pileup.EnumToASCIITable[baseEnum],
				Code:   code,
				Counts: make([]int64, nBucket),
			}
			for i, c := range counts {
				h.Counts[i] = int64(c)
			}
			r.Histograms = append(r.Histograms, h)
		}
	}
	return r
}

func reportPath(dir, prefix, name string) string {
	if prefix != "" {
		name = prefix + "_" + name
	}
	return file.Join(dir, name)
}

// WriteProbReport writes <prefix>_thresholds.tsv (base, percentile,
// threshold) into dir, and, when r has histograms,
// <prefix>_probabilities.tsv (base, code, bucket, range_start, range_end,
// count, frac).  Without a prefix the files are thresholds.tsv and
// probabilities.tsv.
func WriteProbReport(ctx context.Context, dir, prefix string, r *ProbReport) (err error) {
	thresholds := lazyFile{path: reportPath(dir, prefix, "thresholds.tsv")}
	probs := lazyFile{path: reportPath(dir, prefix, "probabilities.tsv")}
	defer func() {
		if err != nil {
			thresholds.abort(ctx)
			probs.abort(ctx)
		}
	}()
	w, err := thresholds.writer(ctx, 1)
	if err != nil {
		return err
	}
	w.WriteString("base")
	w.WriteString("percentile")
	w.WriteString("threshold")
	if err = w.EndLine(); err != nil {
		return err
	}
	for _, bp := range r.Percentiles {
		for i, v := range bp.Values {
			w.WriteByte(bp.Base)
			w.WriteFloat64(100*r.Fractions[i], 'g', -1)
			w.WriteFloat64(v, 'f', 4)
			if err = w.EndLine(); err != nil {
				return err
			}
		}
	}
	if err = thresholds.close(ctx); err != nil {
		return err
	}
	if r.Histograms == nil {
		log.Printf("modbase.WriteProbReport: wrote %s", thresholds.path)
		return nil
	}

	if w, err = probs.writer(ctx, 1); err != nil {
		return err
	}
	for _, col := range []string{"base", "code", "bucket", "range_start", "range_end", "count", "frac"} {
		w.WriteString(col)
	}
	if err = w.EndLine(); err != nil {
		return err
	}
	for _, h := range r.Histograms {
		total := h.Total()
		nBucket := len(h.Counts)
		for i, n := range h.Counts {
			w.WriteByte(h.Base)
			w.WriteByte(byte(h.Code))
			w.WriteInt64(int64(i + 1))
			w.WriteFloat64(float64(i)/float64(nBucket), 'f', 3)
			w.WriteFloat64(float64(i+1)/float64(nBucket), 'f', 3)
			w.WriteInt64(n)
			w.WriteFloat64(float64(n)/float64(total), 'f', 4)
			if err = w.EndLine(); err != nil {
				return err
			}
		}
	}
	if err = probs.close(ctx); err != nil {
		return err
	}
	log.Printf("modbase.WriteProbReport: wrote %s and %s", thresholds.path, probs.path)
	return nil
}
