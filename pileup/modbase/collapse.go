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
	"strings"

	"github.com/grailbio/base/errors"
)

// CollapseAction says what happens to a code's probability mass.
type CollapseAction int

const (
	// CollapseRemove drops the code and renormalizes the remaining categories
	// proportionally: p'_x = p_x / (1 - p_c).
	CollapseRemove CollapseAction = iota
	// CollapseToCanonical adds the code's mass to the canonical category.
	CollapseToCanonical
	// CollapseToCode adds the code's mass to another code of the same base.
	CollapseToCode
)

// CollapseEntry is one user-specified folding rule.
type CollapseEntry struct {
	From   ModCode
	Action CollapseAction
	To     ModCode // CollapseToCode only
}

// ParseCollapseEntry parses one of
//   <code>            remove <code>, redistributing its mass
//   <code>:remove     same as above
//   <code>:canonical  fold <code> into the canonical base
//   <code>:<code2>    fold <code> into <code2>
func ParseCollapseEntry(s string) (CollapseEntry, error) {
	var entry CollapseEntry
	fields := strings.SplitN(s, ":", 2)
	code, err := ParseModCode(fields[0])
	if err != nil {
		return entry, errors.E(errors.Invalid, err)
	}
	entry.From = code
	if len(fields) == 1 || fields[1] == "remove" {
		entry.Action = CollapseRemove
		return entry, nil
	}
	if fields[1] == "canonical" {
		entry.Action = CollapseToCanonical
		return entry, nil
	}
	if entry.To, err = ParseModCode(fields[1]); err != nil {
		return entry, errors.E(errors.Invalid, err)
	}
	entry.Action = CollapseToCode
	return entry, nil
}

// resolvedCollapse is the end of a code's (possibly transitive) collapse
// chain.
type resolvedCollapse struct {
	action CollapseAction
	to     ModCode
}

// CollapseMap rewrites probability vectors.  It is immutable after
// construction and safe for concurrent use.
type CollapseMap struct {
	resolved   map[ModCode]resolvedCollapse
	combineAll bool
}

// NewCollapseMap validates entries and resolves transitive chains, so that
// e.g. {f->c, c->canonical} sends f to canonical.  Cycles, unknown codes,
// codes listed twice and targets modifying a different base are errors.
// combineAll additionally folds every remaining modification code into the
// base's "any modification" code.
func NewCollapseMap(entries []CollapseEntry, combineAll bool) (*CollapseMap, error) {
	direct := make(map[ModCode]CollapseEntry, len(entries))
	for _, e := range entries {
		if !e.From.Known() {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("collapse: unknown modification code %q", byte(e.From)))
		}
		if _, ok := direct[e.From]; ok {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("collapse: code %v listed more than once", e.From))
		}
		if e.Action == CollapseToCode {
			if !e.To.Known() {
				return nil, errors.E(errors.Invalid, fmt.Sprintf("collapse: unknown modification code %q", byte(e.To)))
			}
			if e.To.Base() != e.From.Base() {
				return nil, errors.E(errors.Invalid, fmt.Sprintf("collapse: %v and %v modify different bases", e.From, e.To))
			}
		}
		direct[e.From] = e
	}
	m := &CollapseMap{
		resolved:   make(map[ModCode]resolvedCollapse, len(direct)),
		combineAll: combineAll,
	}
	for from := range direct {
		cur := from
		visited := map[ModCode]bool{}
		for {
			if visited[cur] {
				return nil, errors.E(errors.Invalid, fmt.Sprintf("collapse: cycle involving code %v", from))
			}
			visited[cur] = true
			e, ok := direct[cur]
			if !ok {
				// cur is retained.
				m.resolved[from] = resolvedCollapse{action: CollapseToCode, to: cur}
				break
			}
			if e.Action != CollapseToCode {
				m.resolved[from] = resolvedCollapse{action: e.Action}
				break
			}
			cur = e.To
		}
	}
	return m, nil
}

// Empty returns whether Apply is the identity.
func (m *CollapseMap) Empty() bool {
	return m == nil || (len(m.resolved) == 0 && !m.combineAll)
}

// Apply rewrites the probability vector (canonical, mods) and returns the new
// one; the new mods are stored in buf, which is grown as needed.  Codes that
// end up with zero mass stay in the vector, since they still mark the code as
// observed.  ok is false when the entire mass was removed, leaving no
// retained evidence.  baseEnum selects the synthetic code for combineAll.
func (m *CollapseMap) Apply(baseEnum byte, canonical float32, mods []ModProb, buf []ModProb) (newCanonical float32, newMods []ModProb, ok bool) {
	newMods = buf[:0]
	if m.Empty() {
		return canonical, append(newMods, mods...), true
	}
	newCanonical = canonical
	var removed float64
	for _, mp := range mods {
		target := mp.Code
		if r, found := m.resolved[mp.Code]; found {
			switch r.action {
			case CollapseRemove:
				removed += float64(mp.Prob)
				continue
			case CollapseToCanonical:
				newCanonical += mp.Prob
				continue
			}
			target = r.to
		}
		if m.combineAll {
			target = AnyModCode(baseEnum)
		}
		newMods = addModProb(newMods, target, mp.Prob)
	}
	if removed > 0 {
		retained := 1 - removed
		if retained <= probTolerance {
			return 0, newMods[:0], false
		}
		scale := float32(1 / retained)
		newCanonical *= scale
		for i := range newMods {
			newMods[i].Prob *= scale
		}
	}
	if len(newMods) > 1 {
		sort.Slice(newMods, func(i, j int) bool { return newMods[i].Code.Less(newMods[j].Code) })
	}
	return newCanonical, newMods, true
}

func addModProb(mods []ModProb, code ModCode, prob float32) []ModProb {
	for i := range mods {
		if mods[i].Code == code {
			mods[i].Prob += prob
			return mods
		}
	}
	return append(mods, ModProb{Code: code, Prob: prob})
}
