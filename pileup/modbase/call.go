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
	"math"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/modpileup/pileup"
)

// PosType is the integer type used to represent genomic positions.
type PosType = pileup.PosType

// CallFlags are the status flags of a Call.  At most one may be set.
type CallFlags uint8

const (
	// FlagDelete means the read has a deletion at the reference position.
	FlagDelete CallFlags = 1 << iota
	// FlagMismatch means the read base does not match the expected canonical
	// base at the reference position.
	FlagMismatch
	// FlagNoCall means the read has the base, but carries no modification
	// information for it.
	FlagNoCall
)

// probTolerance bounds how far a probability vector's sum may stray from 1.
const probTolerance = 1e-3

// ModProb is the probability of one modification code.
type ModProb struct {
	Code ModCode
	Prob float32
}

// Call is one read's modification evidence at one aligned reference
// position.  Calls are produced by a CallSource and consumed immediately; the
// Mods slice may be reused by the source after the next Scan().
type Call struct {
	RefID  int
	Pos    PosType
	Strand pileup.StrandType // StrandPlus or StrandMinus
	// Base is the read-sense canonical base the call is made on ('A', 'C',
	// 'G' or 'T').  It is ignored for deletions.
	Base byte
	// Canonical and Mods together form the probability vector.  Both are zero
	// for calls without modification information (deletions, no-calls and
	// some mismatches).
	Canonical float32
	Mods      []ModProb
	Flags     CallFlags
	// Read is the read name.  It makes threshold sampling independent of the
	// order calls are seen in.
	Read string
}

// HasProbs returns whether the call carries a probability vector.
func (c *Call) HasProbs() bool {
	return c.Canonical != 0 || len(c.Mods) != 0
}

// Dominant returns the highest-probability category.  canonical is true when
// it's the canonical base; otherwise code identifies the modification.  Ties
// go to canonical, then to the earliest code in declared order.
func (c *Call) Dominant() (code ModCode, canonical bool, prob float32) {
	canonical = true
	prob = c.Canonical
	for _, m := range c.Mods {
		if m.Prob > prob || (m.Prob == prob && !canonical && m.Code.Less(code)) {
			code, canonical, prob = m.Code, false, m.Prob
		}
	}
	return
}

// Confidence returns the probability of the dominant category.
func (c *Call) Confidence() float32 {
	_, _, prob := c.Dominant()
	return prob
}

func validProb(p float32) bool {
	return p >= 0 && p <= 1 && !math.IsNaN(float64(p))
}

// Validate checks the call's invariants: a strand of + or -, a canonical
// base, a well-formed probability vector summing to 1, known codes belonging
// to the call's base, and at most one consistent status flag.
func (c *Call) Validate() error {
	if c.RefID < 0 || c.Pos < 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("call at %d:%d: negative coordinate", c.RefID, c.Pos))
	}
	if c.Strand != pileup.StrandPlus && c.Strand != pileup.StrandMinus {
		return errors.E(errors.Invalid, fmt.Sprintf("call at %d:%d: invalid strand %d", c.RefID, c.Pos, c.Strand))
	}
	switch c.Flags {
	case 0, FlagDelete, FlagMismatch, FlagNoCall:
	default:
		return errors.E(errors.Invalid, fmt.Sprintf("call at %d:%d: inconsistent flags %#x", c.RefID, c.Pos, c.Flags))
	}
	if c.Flags == FlagDelete {
		if c.HasProbs() {
			return errors.E(errors.Invalid, fmt.Sprintf("call at %d:%d: deletion with probabilities", c.RefID, c.Pos))
		}
		return nil
	}
	baseEnum := pileup.ASCIIToEnumTable[c.Base]
	if baseEnum == pileup.BaseX || c.Base > 'Z' {
		return errors.E(errors.Invalid, fmt.Sprintf("call at %d:%d: invalid base %q", c.RefID, c.Pos, c.Base))
	}
	if !c.HasProbs() {
		if c.Flags == 0 {
			return errors.E(errors.Invalid, fmt.Sprintf("call at %d:%d: missing probability vector", c.RefID, c.Pos))
		}
		return nil
	}
	if c.Flags == FlagNoCall {
		return errors.E(errors.Invalid, fmt.Sprintf("call at %d:%d: no-call with probabilities", c.RefID, c.Pos))
	}
	if !validProb(c.Canonical) {
		return errors.E(errors.Invalid, fmt.Sprintf("call at %d:%d: canonical probability %v out of range", c.RefID, c.Pos, c.Canonical))
	}
	sum := float64(c.Canonical)
	for i, m := range c.Mods {
		if !validProb(m.Prob) {
			return errors.E(errors.Invalid, fmt.Sprintf("call at %d:%d: probability %v for %v out of range", c.RefID, c.Pos, m.Prob, m.Code))
		}
		if m.Code.Base() != baseEnum {
			return errors.E(errors.Invalid, fmt.Sprintf("call at %d:%d: code %v does not modify base %c", c.RefID, c.Pos, m.Code, c.Base))
		}
		for _, prev := range c.Mods[:i] {
			if prev.Code == m.Code {
				return errors.E(errors.Invalid, fmt.Sprintf("call at %d:%d: duplicate code %v", c.RefID, c.Pos, m.Code))
			}
		}
		sum += float64(m.Prob)
	}
	if math.Abs(sum-1) > probTolerance {
		return errors.E(errors.Invalid, fmt.Sprintf("call at %d:%d: probabilities sum to %v", c.RefID, c.Pos, sum))
	}
	return nil
}
