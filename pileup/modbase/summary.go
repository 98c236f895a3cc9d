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
	"sort"

	"github.com/grailbio/base/log"
	"github.com/grailbio/modpileup/pileup"
)

// CategoryCount is the number of calls on Base whose dominant category is Code
// (CanonicalCode for the canonical base), split by whether they cleared the
// threshold.
type CategoryCount struct {
	Base       byte
	Code       ModCode
	Pass, Fail int64
}

type summaryKey struct {
	baseEnum byte
	code     ModCode
}

// CallSummary tallies classified calls by canonical base and dominant
// category.  The zero value is empty.
type CallSummary struct {
	counts map[summaryKey]*CategoryCount
}

func (s *CallSummary) get(baseEnum byte, code ModCode) *CategoryCount {
	if s.counts == nil {
		s.counts = make(map[summaryKey]*CategoryCount)
	}
	key := summaryKey{baseEnum: baseEnum, code: code}
	cc := s.counts[key]
	if cc == nil {
		cc = &CategoryCount{Base: pileup.EnumToASCIITable[baseEnum], Code: code}
		s.counts[key] = cc
	}
	return cc
}

// add counts a call with a probability vector.
func (s *CallSummary) add(c *Call, passes bool) {
	baseEnum := pileup.ASCIIToEnumTable[c.Base]
	if baseEnum == pileup.BaseX {
		return
	}
	code, canonical, _ := c.Dominant()
	if canonical {
		code = CanonicalCode
	}
	cc := s.get(baseEnum, code)
	if passes {
		cc.Pass++
	} else {
		cc.Fail++
	}
}

func (s *CallSummary) merge(o *CallSummary) {
	for key, occ := range o.counts {
		cc := s.get(key.baseEnum, key.code)
		cc.Pass += occ.Pass
		cc.Fail += occ.Fail
	}
}

// Counts returns the tallies sorted by base, with the canonical category
// first and then codes in declared order.
func (s *CallSummary) Counts() []CategoryCount {
	result := make([]CategoryCount, 0, len(s.counts))
	for _, cc := range s.counts {
		result = append(result, *cc)
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if a.Base != b.Base {
			return pileup.ASCIIToEnumTable[a.Base] < pileup.ASCIIToEnumTable[b.Base]
		}
		if (a.Code == CanonicalCode) != (b.Code == CanonicalCode) {
			return a.Code == CanonicalCode
		}
		return a.Code.Less(b.Code)
	})
	return result
}

// WriteSummary writes one row per (base, category) with columns base, code,
// pass_calls, pass_frac and fail_calls.  pass_frac is relative to all passing
// calls on the base.
func WriteSummary(ctx context.Context, path string, s *CallSummary) (err error) {
	out := lazyFile{path: path}
	defer func() {
		if err != nil {
			out.abort(ctx)
		}
	}()
	w, err := out.writer(ctx, 1)
	if err != nil {
		return err
	}
	for _, col := range []string{"base", "code", "pass_calls", "pass_frac", "fail_calls"} {
		w.WriteString(col)
	}
	if err = w.EndLine(); err != nil {
		return err
	}
	counts := s.Counts()
	passByBase := make(map[byte]int64)
	for _, cc := range counts {
		passByBase[cc.Base] += cc.Pass
	}
	for _, cc := range counts {
		frac := 0.0
		if n := passByBase[cc.Base]; n > 0 {
			frac = float64(cc.Pass) / float64(n)
		}
		w.WriteByte(cc.Base)
		w.WriteByte(byte(cc.Code))
		w.WriteInt64(cc.Pass)
		w.WriteFloat64(frac, 'f', 4)
		w.WriteInt64(cc.Fail)
		if err = w.EndLine(); err != nil {
			return err
		}
	}
	if err = out.close(ctx); err != nil {
		return err
	}
	log.Printf("modbase.WriteSummary: %d row(s) written to %s", len(counts), path)
	return nil
}
