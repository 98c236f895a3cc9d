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
bio-modsample samples modification call confidences from a modBAM and
reports their percentiles per canonical base, optionally with a
per-code histogram.  It draws the same sample bio-modpileup estimates its
pass threshold from.
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
	bamIndexPath   = flag.String("index", modbam.DefaultOpts.Index, "Input BAM index path. Defaults to bampath + .bai")
	flagExclude    = flag.Int("flag-exclude", modbam.DefaultOpts.FlagExclude, "Reads with a FLAG bit intersecting this value are skipped")
	mapq           = flag.Int("mapq", modbam.DefaultOpts.Mapq, "Reads with MAPQ below this level are skipped")
	bedPath        = flag.String("bed", modbase.DefaultOpts.BedPath, "Stranded BED of regions to sample; at most one of -bed and -region may be set")
	excludeBedPath = flag.String("exclude-bed", modbase.DefaultOpts.ExcludeBedPath, "Stranded BED of positions to skip")
	region         = flag.String("region", modbase.DefaultOpts.Region, "Restrict sampling to the specified region. Format as <contig ID>:<1-based first pos>-<last pos>, <contig ID>:<1-based pos>, or just <contig ID>")
	motifs         = flag.String("motifs", modbase.DefaultOpts.Motifs, "Whitespace-separated <seq>,<offset> motifs (or CpG) to restrict sampling to; requires fapath")
	collapse       = flag.String("collapse", modbase.DefaultOpts.Collapse, "Comma-separated modification codes to remove, or <from>:<to> redistributions")
	combineMods    = flag.Bool("combine-mods", modbase.DefaultOpts.CombineMods, "Combine all modification codes of a base into one")
	sampleCap      = flag.Int("sample-cap", modbase.DefaultOpts.SampleCap, "Maximum number of calls sampled per base")
	quantileMethod = flag.String("quantile-method", modbase.DefaultOpts.QuantileMethod, "Quantile method; 'linear' or 'nearest'")
	percentiles    = flag.String("percentiles", "0.1,0.5,0.9", "Comma-separated confidence quantiles to report, each in [0, 1]")
	hist           = flag.Bool("hist", false, "Also write per-code confidence histograms")
	buckets        = flag.Int("buckets", 128, "Number of histogram buckets over [0, 1]")
	outDir         = flag.String("out-dir", ".", "Output directory")
	prefix         = flag.String("prefix", "", "Output file name prefix")
	parallelism    = flag.Int("parallelism", modbase.DefaultOpts.Parallelism, "Maximum number of simultaneous (local) sampling jobs to launch; 0 = runtime.NumCPU()")
	partitionSize  = flag.Int("partition-size", modbase.DefaultOpts.PartitionSize, "Number of reference positions per work unit")
)

func bioModSampleUsage() {
	fmt.Printf("Usage: %s [OPTIONS] bampath [fapath]\n", os.Args[0])
	fmt.Printf("Other options:\n")
	flag.PrintDefaults()
}

func run(ctx context.Context, bamPath, faPath string) error {
	fractions, err := modbase.ParseFractions(*percentiles)
	if err != nil {
		return err
	}
	method, err := modbase.ParseQuantileMethod(*quantileMethod)
	if err != nil {
		return err
	}
	nBucket := 0
	if *hist {
		if *buckets <= 0 {
			return fmt.Errorf("-buckets must be positive, got %d", *buckets)
		}
		nBucket = *buckets
	}
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
	opts := modbase.DefaultOpts
	opts.BedPath = *bedPath
	opts.ExcludeBedPath = *excludeBedPath
	opts.Region = *region
	opts.Motifs = *motifs
	opts.Collapse = *collapse
	opts.CombineMods = *combineMods
	opts.SampleCap = *sampleCap
	opts.QuantileMethod = *quantileMethod
	opts.Parallelism = *parallelism
	opts.PartitionSize = *partitionSize

	b, err := modbase.SampleProbs(ctx, provider, refSeqs, &opts)
	if err == nil {
		err = provider.Close()
	}
	if err != nil {
		return err
	}
	if n := provider.BadReads(); n > 0 {
		log.Printf("skipped %d reads with malformed MM/ML tags", n)
	}
	return modbase.WriteProbReport(ctx, *outDir, *prefix, b.Report(fractions, method, nBucket))
}

func main() {
	flag.Usage = bioModSampleUsage
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
