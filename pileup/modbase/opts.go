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
	"runtime"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/modpileup/interval"
)

type Opts struct {
	// FilterThreshold, when nonnegative, is a fixed confidence cutoff and
	// disables the sampling pre-pass.
	FilterThreshold float64
	// FilterPercentile is the fraction of sampled calls expected to fall below
	// an estimated cutoff.
	FilterPercentile float64
	// BaseThresholds is a comma-separated list of per-base cutoffs, e.g.
	// "C:0.8,A:0.7".  They override both FilterThreshold and estimates.
	BaseThresholds string
	// ModThresholds is a comma-separated list of per-code cutoffs, e.g. "h:0.8".
	ModThresholds     string
	QuantileMethod    string
	SampleCap         int
	MinSamples        int
	FallbackThreshold float64
	// NoFiltering keeps every call, regardless of confidence.
	NoFiltering bool

	// Collapse is a comma-separated list of collapse entries; see
	// ParseCollapseEntry.
	Collapse    string
	CombineMods bool

	// Motifs is a whitespace-separated list of "<seq>,<offset>" motifs (or
	// "CpG").  An empty list disables motif restriction.
	Motifs         string
	CombineStrands bool

	// BedPath and Region restrict the pileup to the given positions; at most
	// one may be set.
	BedPath string
	Region  string
	// ExcludeBedPath, if set, is a stranded BED of positions to skip.  It can
	// be combined with either restriction.
	ExcludeBedPath string

	Parallelism   int
	PartitionSize int
	TempDir       string
}

var DefaultOpts = Opts{
	FilterThreshold:   -1,
	FilterPercentile:  0.1,
	QuantileMethod:    "linear",
	SampleCap:         10000,
	MinSamples:        100,
	FallbackThreshold: 0,
	Parallelism:       0,
	PartitionSize:     1000000,
}

// pileupOpts is the validated, immutable form of Opts.
type pileupOpts struct {
	// threshold is non-nil iff no pre-pass is needed.
	threshold     *Threshold
	thresholdOpts ThresholdOpts
	sampleCap     int

	collapse *CollapseMap

	motifs         []Motif
	combineStrands bool

	// include is nil when every position is included.
	include *interval.StrandedBED
	// exclude is the complement of the excluded positions, or nil.
	exclude *interval.StrandedBED

	parallelism   int
	partitionSize PosType
	tempDir       string
}

// ParseBaseThresholds parses "C:0.8,A:0.7".
func ParseBaseThresholds(s string) (map[byte]float64, error) {
	result := make(map[byte]float64)
	if s == "" {
		return result, nil
	}
	for _, field := range strings.Split(s, ",") {
		kv := strings.Split(field, ":")
		if len(kv) != 2 || len(kv[0]) != 1 {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("bad base threshold %q, expected <base>:<value>", field))
		}
		v, err := strconv.ParseFloat(kv[1], 64)
		if err != nil {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("bad base threshold %q", field), err)
		}
		base := strings.ToUpper(kv[0])[0]
		if _, ok := result[base]; ok {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("base %c given more than one threshold", base))
		}
		result[base] = v
	}
	return result, nil
}

// ParseModThresholds parses "h:0.8,m:0.7".
func ParseModThresholds(s string) (map[ModCode]float64, error) {
	result := make(map[ModCode]float64)
	if s == "" {
		return result, nil
	}
	for _, field := range strings.Split(s, ",") {
		kv := strings.Split(field, ":")
		if len(kv) != 2 {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("bad modification threshold %q, expected <code>:<value>", field))
		}
		code, err := ParseModCode(kv[0])
		if err != nil {
			return nil, errors.E(errors.Invalid, err)
		}
		v, err := strconv.ParseFloat(kv[1], 64)
		if err != nil {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("bad modification threshold %q", field), err)
		}
		if _, ok := result[code]; ok {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("code %v given more than one threshold", code))
		}
		result[code] = v
	}
	return result, nil
}

// ParseCollapse parses a comma-separated list of collapse entries.
func ParseCollapse(s string) ([]CollapseEntry, error) {
	var entries []CollapseEntry
	if s == "" {
		return entries, nil
	}
	for _, field := range strings.Split(s, ",") {
		e, err := ParseCollapseEntry(field)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// ParseMotifs parses a whitespace-separated list of motifs.
func ParseMotifs(s string) ([]Motif, error) {
	var motifs []Motif
	for _, field := range strings.Fields(s) {
		m, err := ParseMotif(field)
		if err != nil {
			return nil, err
		}
		motifs = append(motifs, m)
	}
	return motifs, nil
}

// validate converts Opts to pileupOpts.  Every configuration error is
// detected here, before any call is read.
func (o *Opts) validate(ctx context.Context, header *sam.Header) (*pileupOpts, error) {
	opts := &pileupOpts{
		sampleCap:      o.SampleCap,
		combineStrands: o.CombineStrands,
		parallelism:    o.Parallelism,
		partitionSize:  PosType(o.PartitionSize),
		tempDir:        o.TempDir,
	}
	if opts.parallelism <= 0 {
		opts.parallelism = runtime.NumCPU()
	}
	if o.PartitionSize <= 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("partition size must be positive, got %d", o.PartitionSize))
	}
	if opts.sampleCap <= 0 {
		opts.sampleCap = DefaultOpts.SampleCap
	}

	perBase, err := ParseBaseThresholds(o.BaseThresholds)
	if err != nil {
		return nil, err
	}
	perCode, err := ParseModThresholds(o.ModThresholds)
	if err != nil {
		return nil, err
	}
	switch {
	case o.NoFiltering:
		if opts.threshold, err = NewFixedThreshold(0, nil, nil); err != nil {
			return nil, err
		}
	case o.FilterThreshold >= 0:
		if opts.threshold, err = NewFixedThreshold(o.FilterThreshold, perBase, perCode); err != nil {
			return nil, err
		}
	default:
		method, err := ParseQuantileMethod(o.QuantileMethod)
		if err != nil {
			return nil, err
		}
		opts.thresholdOpts = ThresholdOpts{
			Fraction:   o.FilterPercentile,
			Method:     method,
			MinSamples: o.MinSamples,
			Fallback:   o.FallbackThreshold,
			PerBase:    perBase,
			PerCode:    perCode,
		}
		if !(o.FilterPercentile >= 0 && o.FilterPercentile < 1) {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("filter percentile %v outside [0, 1)", o.FilterPercentile))
		}
		if err := checkThresholdValue(o.FallbackThreshold); err != nil {
			return nil, err
		}
		// Catch bad per-base/per-code values now rather than after the
		// pre-pass.
		if _, err := NewFixedThreshold(0, perBase, perCode); err != nil {
			return nil, err
		}
	}

	entries, err := ParseCollapse(o.Collapse)
	if err != nil {
		return nil, err
	}
	if opts.collapse, err = NewCollapseMap(entries, o.CombineMods); err != nil {
		return nil, err
	}

	if opts.motifs, err = ParseMotifs(o.Motifs); err != nil {
		return nil, err
	}
	if o.CombineStrands {
		if len(opts.motifs) == 0 {
			return nil, errors.E(errors.Invalid, "strand combination requires a motif")
		}
		for _, m := range opts.motifs {
			if !m.Palindromic() {
				return nil, errors.E(errors.Invalid, fmt.Sprintf("strand combination requires a palindromic motif, %v is not", m))
			}
		}
	}

	if o.BedPath != "" && o.Region != "" {
		return nil, errors.E(errors.Invalid, "region and BED restrictions can't be used together")
	}
	if o.Region != "" {
		entry, err := interval.ParseRegionString(o.Region)
		if err != nil {
			return nil, errors.E(errors.Invalid, err)
		}
		if _, ok := refIDByName(header, entry.RefName); !ok {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("region contig %s not in header", entry.RefName))
		}
		include, err := interval.NewStrandedBEDFromEntries([]interval.Entry{entry}, header)
		if err != nil {
			return nil, err
		}
		opts.include = &include
	} else if o.BedPath != "" {
		include, err := interval.NewStrandedBEDFromPath(ctx, o.BedPath, interval.NewBEDOpts{SAMHeader: header})
		if err != nil {
			return nil, errors.E(errors.Invalid, err)
		}
		opts.include = &include
	}
	if o.ExcludeBedPath != "" {
		exclude, err := interval.NewStrandedBEDFromPath(ctx, o.ExcludeBedPath, interval.NewBEDOpts{SAMHeader: header, Invert: true})
		if err != nil {
			return nil, errors.E(errors.Invalid, err)
		}
		opts.exclude = &exclude
	}
	return opts, nil
}

func refIDByName(header *sam.Header, name string) (int, bool) {
	for _, ref := range header.Refs() {
		if ref.Name() == name {
			return ref.ID(), true
		}
	}
	return -1, false
}
