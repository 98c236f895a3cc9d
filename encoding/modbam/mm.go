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
	"fmt"
	"strconv"
	"strings"

	"github.com/grailbio/hts/sam"
	"github.com/grailbio/modpileup/pileup"
	"github.com/grailbio/modpileup/pileup/modbase"
)

// Tags carrying modification information.  The lowercase-second-letter
// variants predate the standardized names.
var (
	tagMM    = sam.NewTag("MM")
	tagMMOld = sam.NewTag("Mm")
	tagML    = sam.NewTag("ML")
	tagMLOld = sam.NewTag("Ml")
)

// Skip modes of an MM entry.
const (
	// SkipImplicit ('.', or no mode character) means bases of the entry's
	// family that aren't listed are confidently unmodified.
	SkipImplicit = '.'
	// SkipExplicit ('?') means unlisted bases carry no information.
	SkipExplicit = '?'
)

// Entry is one ';'-terminated group of an MM tag, e.g. "C+mh?,0,3".
type Entry struct {
	// Base is the unmodified base ('A', 'C', 'G', 'T' or 'N' for any base), in
	// the orientation the read was sequenced in.
	Base byte
	// Minus is true for modifications on the opposite strand of the read.
	Minus bool
	// Codes are the modification codes, in the order ML values appear.
	Codes []modbase.ModCode
	// Supported is false when some code is a ChEBI number or an unknown
	// letter.  The entry's ML values are still consumed.
	Supported bool
	SkipMode  byte
	// Deltas[i] is the number of Base occurrences skipped before the i'th
	// called position.
	Deltas []int
}

// ParseMM parses the value of an MM tag.
func ParseMM(mm string) ([]Entry, error) {
	var entries []Entry
	for _, group := range strings.Split(mm, ";") {
		if group == "" {
			continue
		}
		fields := strings.Split(group, ",")
		head := fields[0]
		if len(head) < 3 {
			return nil, fmt.Errorf("modbam.ParseMM: malformed entry %q", group)
		}
		e := Entry{
			Base:      head[0],
			SkipMode:  SkipImplicit,
			Supported: true,
		}
		if e.Base != 'N' && pileup.ASCIIToEnumTable[e.Base] == pileup.BaseX {
			return nil, fmt.Errorf("modbam.ParseMM: invalid base in entry %q", group)
		}
		switch head[1] {
		case '+':
		case '-':
			e.Minus = true
		default:
			return nil, fmt.Errorf("modbam.ParseMM: invalid strand in entry %q", group)
		}
		codes := head[2:]
		if last := codes[len(codes)-1]; last == SkipImplicit || last == SkipExplicit {
			e.SkipMode = last
			codes = codes[:len(codes)-1]
		}
		if codes == "" {
			return nil, fmt.Errorf("modbam.ParseMM: no modification code in entry %q", group)
		}
		if codes[0] >= '0' && codes[0] <= '9' {
			// A single ChEBI code.
			if _, err := strconv.Atoi(codes); err != nil {
				return nil, fmt.Errorf("modbam.ParseMM: malformed code in entry %q", group)
			}
			e.Supported = false
			e.Codes = []modbase.ModCode{0}
		} else {
			for i := 0; i < len(codes); i++ {
				code := modbase.ModCode(codes[i])
				if !code.Known() {
					e.Supported = false
				}
				e.Codes = append(e.Codes, code)
			}
		}
		for _, f := range fields[1:] {
			delta, err := strconv.Atoi(f)
			if err != nil || delta < 0 {
				return nil, fmt.Errorf("modbam.ParseMM: bad skip count %q in entry %q", f, group)
			}
			e.Deltas = append(e.Deltas, delta)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// MLProb converts an ML byte to a probability, as the midpoint of its
// 1/256-wide bin.
func MLProb(ml uint8) float32 {
	return (float32(ml) + 0.5) / 256
}

// ReadMods is the decoded modification information of one read, indexed by
// position in the read as sequenced (i.e. reverse-complemented SEQ for
// reverse-strand alignments).
type ReadMods struct {
	covered []bool
	mods    [][]modbase.ModProb
}

func (rm *ReadMods) reset(n int) {
	if cap(rm.covered) < n {
		rm.covered = make([]bool, n)
		rm.mods = make([][]modbase.ModProb, n)
	}
	rm.covered = rm.covered[:n]
	rm.mods = rm.mods[:n]
	for i := range rm.covered {
		rm.covered[i] = false
		rm.mods[i] = rm.mods[i][:0]
	}
}

// Covered returns whether the base at read position i has modification
// information.
func (rm *ReadMods) Covered(i int) bool {
	return rm.covered[i]
}

// Mods returns the modification probabilities at read position i.  The
// canonical probability is 1 minus their sum.
func (rm *ReadMods) Mods(i int) []modbase.ModProb {
	return rm.mods[i]
}

func baseMatches(entryBase, base byte) bool {
	return entryBase == 'N' || entryBase == base
}

// Decode fills rm from parsed MM entries and ML values.  seq is the read in
// sequencing orientation (uppercase).
func (rm *ReadMods) Decode(entries []Entry, ml []uint8, seq []byte) error {
	rm.reset(len(seq))
	mlIdx := 0
	for ei := range entries {
		e := &entries[ei]
		nML := len(e.Deltas) * len(e.Codes)
		if mlIdx+nML > len(ml) {
			return fmt.Errorf("modbam.Decode: ML has %d values, MM needs at least %d", len(ml), mlIdx+nML)
		}
		if !e.Supported || e.Minus {
			mlIdx += nML
			continue
		}
		readPos := -1
		for _, delta := range e.Deltas {
			// Skip delta occurrences of the base, and stop at the next one.
			for skip := delta; ; {
				readPos++
				for readPos < len(seq) && !baseMatches(e.Base, seq[readPos]) {
					readPos++
				}
				if readPos >= len(seq) {
					return fmt.Errorf("modbam.Decode: MM entry %c+%s runs past the end of the read", e.Base, codesString(e.Codes))
				}
				if skip == 0 {
					break
				}
				skip--
				if e.SkipMode == SkipImplicit {
					rm.addImplicit(readPos, e.Codes)
				}
			}
			rm.covered[readPos] = true
			for _, code := range e.Codes {
				rm.mods[readPos] = append(rm.mods[readPos], modbase.ModProb{Code: code, Prob: MLProb(ml[mlIdx])})
				mlIdx++
			}
		}
		if e.SkipMode == SkipImplicit {
			for readPos++; readPos < len(seq); readPos++ {
				if baseMatches(e.Base, seq[readPos]) {
					rm.addImplicit(readPos, e.Codes)
				}
			}
		}
	}
	return nil
}

func (rm *ReadMods) addImplicit(readPos int, codes []modbase.ModCode) {
	rm.covered[readPos] = true
	for _, code := range codes {
		rm.mods[readPos] = append(rm.mods[readPos], modbase.ModProb{Code: code})
	}
}

func codesString(codes []modbase.ModCode) string {
	var sb strings.Builder
	for _, c := range codes {
		sb.WriteByte(byte(c))
	}
	return sb.String()
}

// getMM returns the MM and ML tag values of r, or ok == false if r has none.
func getMM(r *sam.Record) (mm string, ml []uint8, ok bool, err error) {
	aux := r.AuxFields.Get(tagMM)
	if aux == nil {
		aux = r.AuxFields.Get(tagMMOld)
	}
	if aux == nil {
		return "", nil, false, nil
	}
	if mm, ok = aux.Value().(string); !ok {
		return "", nil, false, fmt.Errorf("modbam: read %s: MM tag is not a string", r.Name)
	}
	mlAux := r.AuxFields.Get(tagML)
	if mlAux == nil {
		mlAux = r.AuxFields.Get(tagMLOld)
	}
	if mlAux == nil {
		if strings.Contains(mm, ",") {
			return "", nil, false, fmt.Errorf("modbam: read %s: MM tag without ML tag", r.Name)
		}
		return mm, nil, true, nil
	}
	if ml, ok = mlAux.Value().([]uint8); !ok {
		return "", nil, false, fmt.Errorf("modbam: read %s: ML tag is not a uint8 array", r.Name)
	}
	return mm, ml, true, nil
}
