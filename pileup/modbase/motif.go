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
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/modpileup/interval"
	"github.com/grailbio/modpileup/pileup"
)

// iupacMask maps IUPAC nucleotide codes to A=1/C=2/G=4/T=8 bitmasks.
// Reference 'N' has mask 0 and therefore never matches.
var iupacMask [256]byte

func init() {
	masks := map[byte]byte{
		'A': 1, 'C': 2, 'G': 4, 'T': 8,
		'R': 1 | 4, 'Y': 2 | 8, 'S': 2 | 4, 'W': 1 | 8, 'K': 4 | 8, 'M': 1 | 2,
		'B': 2 | 4 | 8, 'D': 1 | 4 | 8, 'H': 1 | 2 | 8, 'V': 1 | 2 | 4,
		'N': 1 | 2 | 4 | 8,
	}
	for c, m := range masks {
		iupacMask[c] = m
	}
}

// Motif is an IUPAC sequence plus the 0-based offset of the modified base
// within it, e.g. CG with offset 0 for CpG.
type Motif struct {
	Seq    string
	Offset int
	rc     string
}

// NewMotif validates seq and offset.  The base at offset must be
// unambiguous.
func NewMotif(seq string, offset int) (Motif, error) {
	seq = strings.ToUpper(seq)
	if len(seq) == 0 {
		return Motif{}, errors.E(errors.Invalid, "motif: empty sequence")
	}
	rc := make([]byte, len(seq))
	for i := 0; i < len(seq); i++ {
		if iupacMask[seq[i]] == 0 {
			return Motif{}, errors.E(errors.Invalid, fmt.Sprintf("motif %s: invalid character %q", seq, seq[i]))
		}
		rc[len(seq)-1-i] = pileup.ComplementTable[seq[i]]
	}
	if offset < 0 || offset >= len(seq) {
		return Motif{}, errors.E(errors.Invalid, fmt.Sprintf("motif %s: offset %d out of range", seq, offset))
	}
	if pileup.ASCIIToEnumTable[seq[offset]] == pileup.BaseX {
		return Motif{}, errors.E(errors.Invalid, fmt.Sprintf("motif %s: base at offset %d is ambiguous", seq, offset))
	}
	return Motif{Seq: seq, Offset: offset, rc: string(rc)}, nil
}

// ParseMotif parses "<seq>,<offset>" (e.g. "CG,0"), or the shorthand "CpG".
func ParseMotif(s string) (Motif, error) {
	if strings.EqualFold(s, "cpg") {
		return NewMotif("CG", 0)
	}
	fields := strings.Split(s, ",")
	if len(fields) != 2 {
		return Motif{}, errors.E(errors.Invalid, fmt.Sprintf("motif %q: expected <sequence>,<offset>", s))
	}
	offset, err := strconv.Atoi(fields[1])
	if err != nil {
		return Motif{}, errors.E(errors.Invalid, fmt.Sprintf("motif %q: bad offset", s), err)
	}
	return NewMotif(fields[0], offset)
}

// Palindromic returns whether the motif equals its reverse complement, with
// the modified base landing on the same motif position pair.
func (m Motif) Palindromic() bool {
	return m.Seq == m.rc
}

func (m Motif) String() string {
	return m.Seq + "," + strconv.Itoa(m.Offset)
}

// matchesAt returns whether pattern matches refSeq starting at pos.
func matchesAt(pattern string, refSeq []byte, pos int) bool {
	for i := 0; i < len(pattern); i++ {
		if iupacMask[pattern[i]]&iupacMask[refSeq[pos+i]] == 0 || refSeq[pos+i] == 'N' {
			return false
		}
	}
	return true
}

// contigSites holds the sorted motif sites of one contig.  minusPartner[i] is
// the + strand site paired with minus[i] (only filled for palindromic
// motifs).
type contigSites struct {
	plus         []PosType
	minus        []PosType
	minusPartner []PosType
}

// MotifIndex restricts aggregation to motif sites and optionally maps each
// - strand site onto its + strand partner.  Immutable after construction.
type MotifIndex struct {
	motifs  []Motif
	combine bool
	contigs []contigSites
	// keyShift is the largest distance between a - strand site and its +
	// strand partner.
	keyShift PosType
}

type siteWithPartner struct {
	site, partner PosType
}

func findSites(motifs []Motif, refSeq []byte, combine bool) contigSites {
	var plus []PosType
	var minus []siteWithPartner
	for _, m := range motifs {
		n := len(m.Seq)
		for start := 0; start+n <= len(refSeq); start++ {
			if matchesAt(m.Seq, refSeq, start) {
				plus = append(plus, PosType(start+m.Offset))
			}
			if matchesAt(m.rc, refSeq, start) {
				s := siteWithPartner{site: PosType(start + n - 1 - m.Offset)}
				if combine {
					s.partner = PosType(start + m.Offset)
				}
				minus = append(minus, s)
			}
		}
	}
	var cs contigSites
	sort.Slice(plus, func(i, j int) bool { return plus[i] < plus[j] })
	for i, p := range plus {
		if i == 0 || p != plus[i-1] {
			cs.plus = append(cs.plus, p)
		}
	}
	sort.Slice(minus, func(i, j int) bool { return minus[i].site < minus[j].site })
	for i, s := range minus {
		if i > 0 && s.site == minus[i-1].site {
			continue
		}
		cs.minus = append(cs.minus, s.site)
		if combine {
			cs.minusPartner = append(cs.minusPartner, s.partner)
		}
	}
	return cs
}

// NewMotifIndex scans refSeqs (indexed by reference ID; uppercase ASCII) for
// the motifs, one contig at a time in parallel.  combine requires every motif
// to be palindromic.
func NewMotifIndex(motifs []Motif, refSeqs [][]byte, combine bool, parallelism int) (*MotifIndex, error) {
	if len(motifs) == 0 {
		return nil, errors.E(errors.Invalid, "motif index: no motifs")
	}
	if refSeqs == nil {
		return nil, errors.E(errors.Invalid, "motif restriction requires a reference sequence")
	}
	mi := &MotifIndex{
		motifs:  motifs,
		combine: combine,
		contigs: make([]contigSites, len(refSeqs)),
	}
	for _, m := range motifs {
		if combine {
			if !m.Palindromic() {
				return nil, errors.E(errors.Invalid, fmt.Sprintf("strand combination requires a palindromic motif, %v is not", m))
			}
			if shift := PosType(len(m.Seq) - 1 - 2*m.Offset); shift > mi.keyShift {
				mi.keyShift = shift
			}
		}
	}
	nRef := len(refSeqs)
	if parallelism <= 0 || parallelism > nRef {
		parallelism = nRef
	}
	if nRef == 0 {
		return mi, nil
	}
	err := traverse.Each(parallelism, func(jobIdx int) error {
		for refID := jobIdx; refID < nRef; refID += parallelism {
			mi.contigs[refID] = findSites(motifs, refSeqs[refID], combine)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	nSites := 0
	for _, cs := range mi.contigs {
		nSites += len(cs.plus) + len(cs.minus)
	}
	log.Printf("modbase.NewMotifIndex: %d motif site(s) across %d contig(s)", nSites, nRef)
	return mi, nil
}

// KeyShift returns how far (in positions) Resolve may move a call backwards.
func (mi *MotifIndex) KeyShift() PosType {
	if mi == nil {
		return 0
	}
	return mi.keyShift
}

func findSite(sites []PosType, pos PosType) (int, bool) {
	idx := int(interval.SearchPosTypes(sites, pos))
	return idx, idx < len(sites) && sites[idx] == pos
}

// Resolve maps a call location to the key it aggregates into.  ok is false
// when (pos, strand) is not a motif site.  With strand combination, - strand
// sites move onto their + strand partner and both report StrandCombined.
func (mi *MotifIndex) Resolve(refID int, pos PosType, strand pileup.StrandType) (keyPos PosType, keyStrand pileup.StrandType, ok bool) {
	if refID < 0 || refID >= len(mi.contigs) {
		return 0, 0, false
	}
	cs := &mi.contigs[refID]
	if strand == pileup.StrandPlus {
		if _, found := findSite(cs.plus, pos); !found {
			return 0, 0, false
		}
		if mi.combine {
			return pos, pileup.StrandCombined, true
		}
		return pos, pileup.StrandPlus, true
	}
	idx, found := findSite(cs.minus, pos)
	if !found {
		return 0, 0, false
	}
	if mi.combine {
		return cs.minusPartner[idx], pileup.StrandCombined, true
	}
	return pos, pileup.StrandMinus, true
}

// Sites returns the sorted motif sites of one contig on one strand.
func (mi *MotifIndex) Sites(refID int, strand pileup.StrandType) []PosType {
	if strand == pileup.StrandMinus {
		return mi.contigs[refID].minus
	}
	return mi.contigs[refID].plus
}
