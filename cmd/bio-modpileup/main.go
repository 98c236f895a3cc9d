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
package main

/*
bio-modpileup counts modified and canonical base calls at each reference
position of a modBAM (a BAM carrying MM/ML tags), and writes bedMethyl or
bedGraph output.
*/

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/modpileup/encoding/modbam"
	"github.com/grailbio/modpileup/pileup"
	"github.com/grailbio/modpileup/pileup/modbase"
)

var (
	bamIndexPath      = flag.String("index", modbam.DefaultOpts.Index, "Input BAM index path. Defaults to bampath + .bai")
	flagExclude       = flag.Int("flag-exclude", modbam.DefaultOpts.FlagExclude, "Reads with a FLAG bit intersecting this value are skipped")
	mapq              = flag.Int("mapq", modbam.DefaultOpts.Mapq, "Reads with MAPQ below this level are skipped")
	bedPath           = flag.String("bed", modbase.DefaultOpts.BedPath, "Stranded BED of regions to include; at most one of -bed and -region may be set")
	excludeBedPath    = flag.String("exclude-bed", modbase.DefaultOpts.ExcludeBedPath, "Stranded BED of positions to skip; may be combined with -bed or -region")
	region            = flag.String("region", modbase.DefaultOpts.Region, "Restrict pileup computation to the specified region. Format as <contig ID>:<1-based first pos>-<last pos>, <contig ID>:<1-based pos>, or just <contig ID>")
	filterThreshold   = flag.Float64("filter-threshold", modbase.DefaultOpts.FilterThreshold, "Fixed confidence threshold for all bases; negative means estimate one from the data")
	filterPercentile  = flag.Float64("filter-percentile", modbase.DefaultOpts.FilterPercentile, "Fraction of lowest-confidence calls to filter when estimating the threshold")
	baseThresholds    = flag.String("base-thresholds", modbase.DefaultOpts.BaseThresholds, "Per-base thresholds, e.g. \"C:0.8,A:0.7\"")
	modThresholds     = flag.String("mod-thresholds", modbase.DefaultOpts.ModThresholds, "Per-code thresholds, e.g. \"h:0.8\"")
	quantileMethod    = flag.String("quantile-method", modbase.DefaultOpts.QuantileMethod, "Threshold estimation quantile method; 'linear' or 'nearest'")
	sampleCap         = flag.Int("sample-cap", modbase.DefaultOpts.SampleCap, "Maximum number of calls sampled per base for threshold estimation")
	minSamples        = flag.Int("min-samples", modbase.DefaultOpts.MinSamples, "Minimum number of sampled calls needed to estimate a base's threshold")
	fallbackThreshold = flag.Float64("fallback-threshold", modbase.DefaultOpts.FallbackThreshold, "Threshold used for bases with too few samples")
	noFiltering       = flag.Bool("no-filtering", modbase.DefaultOpts.NoFiltering, "Keep all calls regardless of confidence")
	collapse          = flag.String("collapse", modbase.DefaultOpts.Collapse, "Comma-separated modification codes to remove, or <from>:<to> redistributions")
	combineMods       = flag.Bool("combine-mods", modbase.DefaultOpts.CombineMods, "Combine all modification codes of a base into one")
	motifs            = flag.String("motifs", modbase.DefaultOpts.Motifs, "Whitespace-separated <seq>,<offset> motifs (or CpG) to restrict output to; requires fapath")
	combineStrands    = flag.Bool("combine-strands", modbase.DefaultOpts.CombineStrands, "Combine the two strands of palindromic motif sites")
	format            = flag.String("format", "bedmethyl", "Output format; 'bedmethyl' and 'bedgraph' supported")
	onlyTabs          = flag.Bool("only-tabs", false, "Separate all bedMethyl columns with tabs instead of trailing spaces")
	outPath           = flag.String("out", "modpileup.bed", "Output path; for bedgraph, the output directory. A .gz suffix produces bgzipped bedMethyl")
	prefix            = flag.String("prefix", "modpileup", "Bedgraph file name prefix")
	summaryPath       = flag.String("summary", "", "If set, per-base pass/fail call counts by dominant category are written to this TSV")
	parallelism       = flag.Int("parallelism", modbase.DefaultOpts.Parallelism, "Maximum number of simultaneous (local) pileup jobs to launch; 0 = runtime.NumCPU()")
	partitionSize     = flag.Int("partition-size", modbase.DefaultOpts.PartitionSize, "Number of reference positions per work unit")
	tempDir           = flag.String("temp-dir", modbase.DefaultOpts.TempDir, "Directory to write temporary files to (default os.TempDir())")
)

// output is an emitter whose result can be committed or discarded.
type output interface {
	modbase.Emitter
	Close() error
	Abort()
}

func bioModPileupUsage() {
	fmt.Printf("Usage: %s [OPTIONS] bampath [fapath]\n", os.Args[0])
	fmt.Printf("Other options:\n")
	flag.PrintDefaults()
}

func newOutput(ctx context.Context) (output, error) {
	switch *format {
	case "bedmethyl":
		return modbase.NewBedMethylWriter(ctx, *outPath, modbase.BedMethylOpts{
			OnlyTabs:    *onlyTabs,
			Parallelism: *parallelism,
		}), nil
	case "bedgraph":
		return modbase.NewBedGraphWriter(ctx, *outPath, *prefix)
	}
	return nil, fmt.Errorf("unknown -format %q", *format)
}

func run(ctx context.Context, bamPath, faPath string) error {
	provider, err := modbam.NewProvider(ctx, bamPath, modbam.Opts{
		Index:       *bamIndexPath,
		FlagExclude: *flagExclude,
		Mapq:        *mapq,
	})
	if err != nil {
		return err
	}
	var refSeqs [][]byte
	if faPath != "" {
		if refSeqs, err = pileup.LoadRefSeqs(ctx, faPath, provider.Header().Refs()); err != nil {
			return err
		}
		provider.SetRefSeqs(refSeqs)
	}
	opts := modbase.Opts{
		FilterThreshold:   *filterThreshold,
		FilterPercentile:  *filterPercentile,
		BaseThresholds:    *baseThresholds,
		ModThresholds:     *modThresholds,
		QuantileMethod:    *quantileMethod,
		SampleCap:         *sampleCap,
		MinSamples:        *minSamples,
		FallbackThreshold: *fallbackThreshold,
		NoFiltering:       *noFiltering,
		Collapse:          *collapse,
		CombineMods:       *combineMods,
		Motifs:            *motifs,
		CombineStrands:    *combineStrands,
		BedPath:           *bedPath,
		Region:            *region,
		ExcludeBedPath:    *excludeBedPath,
		Parallelism:       *parallelism,
		PartitionSize:     *partitionSize,
		TempDir:           *tempDir,
	}
	out, err := newOutput(ctx)
	if err != nil {
		return err
	}
	stats, err := modbase.Pileup(ctx, provider, refSeqs, &opts, out)
	if err == nil {
		err = provider.Close()
	}
	if err != nil {
		out.Abort()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	if *summaryPath != "" {
		if err := modbase.WriteSummary(ctx, *summaryPath, &stats.Summary); err != nil {
			return err
		}
	}
	if n := provider.BadReads(); n > 0 {
		log.Printf("skipped %d reads with malformed MM/ML tags", n)
	}
	if stats.Threshold != nil {
		log.Printf("thresholds: %v", stats.Threshold)
	}
	return nil
}

func main() {
	flag.Usage = bioModPileupUsage
	shutdown := grail.Init()
	defer shutdown()

	allArgs := flag.Args()
	nPositionalArgs := flag.NArg()
	positionalArgs := allArgs[len(allArgs)-nPositionalArgs:]
	if nPositionalArgs < 1 || nPositionalArgs > 2 {
		log.Fatalf("Expected bampath and optional fapath; please check flag syntax: '%s'", strings.Join(positionalArgs, " "))
	}
	faPath := ""
	if nPositionalArgs == 2 {
		faPath = positionalArgs[1]
	}
	ctx := vcontext.Background()
	if err := run(ctx, positionalArgs[0], faPath); err != nil {
		log.Fatalf("%v", err)
	}
	log.Debug.Printf("exiting")
}
