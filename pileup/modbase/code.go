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

	"github.com/grailbio/modpileup/pileup"
)

// ModCode is a single-character base modification code, as used in the MM
// aux tag (e.g. 'm' for 5mC, 'h' for 5hmC, 'a' for 6mA).  The uppercase
// canonical base letters are the "any modification of this base" codes; they
// are also what CombineMods folds codes into.
type ModCode byte

// codeOrder is the output sort order.  Codes not listed here sort after these,
// by byte value.
const codeOrder = "hmfcCaAgebTo"

// codeRank and codeBase are indexed by ModCode.  codeBase holds the pileup
// base enum of the canonical base the code modifies, or pileup.BaseX for
// unknown codes.
var (
	codeRank [256]uint16
	codeBase [256]byte
)

func init() {
	for i := range codeRank {
		codeRank[i] = uint16(len(codeOrder) + i)
		codeBase[i] = pileup.BaseX
	}
	for i := 0; i < len(codeOrder); i++ {
		codeRank[codeOrder[i]] = uint16(i)
	}
	for _, c := range "mhfcC" {
		codeBase[c] = pileup.BaseC
	}
	for _, c := range "aA" {
		codeBase[c] = pileup.BaseA
	}
	for _, c := range "gebT" {
		codeBase[c] = pileup.BaseT
	}
	for _, c := range "oG" {
		codeBase[c] = pileup.BaseG
	}
}

// Known returns whether c is a recognized modification code.
func (c ModCode) Known() bool {
	return codeBase[c] != pileup.BaseX
}

// Base returns the pileup base enum (pileup.BaseA..BaseT) of the canonical
// base c modifies, or pileup.BaseX if c is unknown.
func (c ModCode) Base() byte {
	return codeBase[c]
}

// Less orders codes by their declared order.
func (c ModCode) Less(d ModCode) bool {
	return codeRank[c] < codeRank[d]
}

func (c ModCode) String() string {
	return string([]byte{byte(c)})
}

// AnyModCode returns the synthetic "any modification" code of a base enum.
func AnyModCode(baseEnum byte) ModCode {
	return ModCode(pileup.EnumToASCIITable[baseEnum])
}

// ParseModCode parses a single-character modification code.
func ParseModCode(s string) (ModCode, error) {
	if len(s) != 1 {
		return 0, fmt.Errorf("modbase.ParseModCode: %q is not a single-character code", s)
	}
	c := ModCode(s[0])
	if !c.Known() {
		return 0, fmt.Errorf("modbase.ParseModCode: unknown modification code %q", s)
	}
	return c, nil
}
