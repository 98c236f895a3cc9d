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
	"strings"

	"github.com/grailbio/base/log"
	"github.com/grailbio/modpileup/pileup"
)

// WriteMotifBED writes every site of each motif as a BED6 row
// (chrom, start, end, motif, 0, strand), contig by contig in refNames order.
// Within a contig, rows are grouped by motif and sorted by position.  A path
// ending in ".gz" is bgzipped.
func WriteMotifBED(ctx context.Context, path string, refNames []string, refSeqs [][]byte, motifs []Motif, parallelism int) (err error) {
	if len(refNames) != len(refSeqs) {
		return fmt.Errorf("modbase.WriteMotifBED: %d names for %d sequences", len(refNames), len(refSeqs))
	}
	indexes := make([]*MotifIndex, len(motifs))
	for i, m := range motifs {
		if indexes[i], err = NewMotifIndex([]Motif{m}, refSeqs, false, parallelism); err != nil {
			return err
		}
	}
	out := lazyFile{path: path, bgzip: strings.HasSuffix(path, ".gz")}
	defer func() {
		if err != nil {
			out.abort(ctx)
		}
	}()
	w, err := out.writer(ctx, parallelism)
	if err != nil {
		return err
	}
	nRows := 0
	for refID, name := range refNames {
		for i, mi := range indexes {
			motifName := motifs[i].String()
			plus := mi.Sites(refID, pileup.StrandPlus)
			minus := mi.Sites(refID, pileup.StrandMinus)
			for len(plus) > 0 || len(minus) > 0 {
				strand := pileup.StrandPlus
				var pos PosType
				if len(minus) == 0 || (len(plus) > 0 && plus[0] <= minus[0]) {
					pos, plus = plus[0], plus[1:]
				} else {
					pos, minus = minus[0], minus[1:]
					strand = pileup.StrandMinus
				}
				w.WriteString(name)
				w.WriteUint32(uint32(pos))
				w.WriteUint32(uint32(pos + 1))
				w.WriteString(motifName)
				w.WriteByte('0')
				w.WriteByte(pileup.StrandTypeToASCIITable[strand])
				if err = w.EndLine(); err != nil {
					return err
				}
				nRows++
			}
		}
	}
	if err = out.close(ctx); err != nil {
		return err
	}
	log.Printf("modbase.WriteMotifBED: %d site(s) written to %s", nRows, path)
	return nil
}
