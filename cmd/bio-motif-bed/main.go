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
bio-motif-bed writes the position of every motif site of a reference FASTA
as BED6, with the motif as the name column.
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
	"github.com/grailbio/modpileup/encoding/fasta"
	"github.com/grailbio/modpileup/pileup"
	"github.com/grailbio/modpileup/pileup/modbase"
)

var (
	motifs      = flag.String("motifs", "CpG", "Whitespace-separated <seq>,<offset> motifs (or CpG)")
	outPath     = flag.String("out", "motifs.bed", "Output path; a .gz suffix produces bgzipped output")
	parallelism = flag.Int("parallelism", 0, "Maximum number of contigs scanned at once; 0 = runtime.NumCPU()")
)

func bioMotifBedUsage() {
	fmt.Printf("Usage: %s [OPTIONS] fapath\n", os.Args[0])
	fmt.Printf("Other options:\n")
	flag.PrintDefaults()
}

func run(ctx context.Context, faPath string) error {
	ms, err := modbase.ParseMotifs(*motifs)
	if err != nil {
		return err
	}
	if len(ms) == 0 {
		return fmt.Errorf("-motifs is empty")
	}
	fa, err := pileup.LoadFa(ctx, faPath, fasta.CleanASCII)
	if err != nil {
		return err
	}
	names := fa.SeqNames()
	refSeqs := make([][]byte, len(names))
	for i, name := range names {
		n, err := fa.Len(name)
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		seq, err := fa.Get(name, 0, n)
		if err != nil {
			return err
		}
		refSeqs[i] = []byte(seq)
	}
	return modbase.WriteMotifBED(ctx, *outPath, names, refSeqs, ms, *parallelism)
}

func main() {
	flag.Usage = bioMotifBedUsage
	shutdown := grail.Init()
	defer shutdown()

	if flag.NArg() != 1 {
		log.Fatalf("Expected exactly one positional argument (fapath); please check flag syntax: '%s'", strings.Join(flag.Args(), " "))
	}
	if err := run(vcontext.Background(), flag.Arg(0)); err != nil {
		log.Fatalf("%v", err)
	}
}
