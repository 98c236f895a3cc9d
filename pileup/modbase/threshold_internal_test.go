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
	"math"
	"math/rand"
	"sort"
	"strconv"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/modpileup/pileup"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

// randomCalls returns n C calls whose confidence is uniform on [0.5, 1).
func randomCalls(n int, seed int64) []Call {
	rng := rand.New(rand.NewSource(seed))
	calls := make([]Call, n)
	for i := range calls {
		conf := 0.5 + 0.5*rng.Float32()
		calls[i] = Call{
			RefID: 0,
			Pos:   PosType(rng.Intn(100000)),
			Base:  'C',
			Read:  "read" + strconv.Itoa(i),
		}
		if i%2 == 0 {
			calls[i].Canonical = conf
			calls[i].Mods = []ModProb{{'m', 1 - conf}}
		} else {
			calls[i].Canonical = 1 - conf
			calls[i].Mods = []ModProb{{'m', conf}}
		}
	}
	return calls
}

func TestThresholdDeterminism(t *testing.T) {
	calls := randomCalls(5000, 1)
	opts := ThresholdOpts{Fraction: 0.1, MinSamples: 100}

	// Same calls, different order and different split across builders.
	b1 := NewThresholdBuilder(1000)
	for i := range calls {
		b1.Add(&calls[i])
	}
	t1, err := b1.Finalize(opts)
	assert.NoError(t, err)

	parts := []*ThresholdBuilder{NewThresholdBuilder(1000), NewThresholdBuilder(1000), NewThresholdBuilder(1000)}
	for i := len(calls) - 1; i >= 0; i-- {
		parts[i%3].Add(&calls[i])
	}
	parts[2].Merge(parts[0])
	parts[2].Merge(parts[1])
	expect.EQ(t, parts[2].NSeen('C'), int64(5000))
	t2, err := parts[2].Finalize(opts)
	assert.NoError(t, err)
	expect.EQ(t, t1.ForBase('C'), t2.ForBase('C'))
	expect.EQ(t, t1.String(), t2.String())
}

func sortedSamples(h sampleHeap) []confSample {
	s := append([]confSample(nil), h...)
	sort.Slice(s, func(i, j int) bool { return lessSample(s[i], s[j]) })
	return s
}

func TestThresholdSampleCap(t *testing.T) {
	calls := randomCalls(3000, 4)
	capped := NewThresholdBuilder(100)
	all := NewThresholdBuilder(len(calls))
	for i := range calls {
		capped.Add(&calls[i])
		all.Add(&calls[i])
		assert.True(t, len(capped.samples[pileup.BaseC]) <= 100)
	}
	want := sortedSamples(all.samples[pileup.BaseC])[:100]
	expect.EQ(t, sortedSamples(capped.samples[pileup.BaseC]), want)

	// Merging also respects the cap.
	more := randomCalls(3000, 5)
	other := NewThresholdBuilder(100)
	for i := range more {
		other.Add(&more[i])
		all.Add(&more[i])
	}
	capped.Merge(other)
	expect.EQ(t, len(capped.samples[pileup.BaseC]), 100)
	expect.EQ(t, sortedSamples(capped.samples[pileup.BaseC]), sortedSamples(all.samples[pileup.BaseC])[:100])
	expect.EQ(t, capped.NSeen('C'), int64(6000))
}

func TestThresholdQuantile(t *testing.T) {
	calls := randomCalls(20000, 2)
	b := NewThresholdBuilder(10000)
	for i := range calls {
		b.Add(&calls[i])
	}
	th, err := b.Finalize(ThresholdOpts{Fraction: 0.1, MinSamples: 100})
	assert.NoError(t, err)
	// Confidence is uniform on [0.5, 1), so the 10th percentile is near 0.55.
	expect.True(t, math.Abs(float64(th.ForBase('C'))-0.55) < 0.01, th.ForBase('C'))
	// No A calls: the default (fallback) applies.
	expect.EQ(t, th.ForBase('A'), float32(0))

	bn := NewThresholdBuilder(10000)
	for i := range calls {
		bn.Add(&calls[i])
	}
	thn, err := bn.Finalize(ThresholdOpts{Fraction: 0.1, Method: NearestRank, MinSamples: 100})
	assert.NoError(t, err)
	expect.True(t, math.Abs(float64(thn.ForBase('C'))-0.55) < 0.01, thn.ForBase('C'))
}

func TestThresholdFallback(t *testing.T) {
	calls := randomCalls(50, 3)
	b := NewThresholdBuilder(0)
	for i := range calls {
		b.Add(&calls[i])
	}
	th, err := b.Finalize(ThresholdOpts{Fraction: 0.1, MinSamples: 100, Fallback: 0.7})
	assert.NoError(t, err)
	expect.EQ(t, th.ForBase('C'), float32(0.7))
}

func TestThresholdConfigErrors(t *testing.T) {
	b := NewThresholdBuilder(10)
	for _, fraction := range []float64{-0.1, 1, 1.5, math.NaN()} {
		_, err := b.Finalize(ThresholdOpts{Fraction: fraction})
		expect.True(t, errors.Is(errors.Invalid, err), fraction)
	}
	_, err := NewFixedThreshold(1.2, nil, nil)
	expect.True(t, errors.Is(errors.Invalid, err))
	_, err = NewFixedThreshold(0.5, map[byte]float64{'X': 0.5}, nil)
	expect.True(t, errors.Is(errors.Invalid, err))
}

func TestThresholdPasses(t *testing.T) {
	th, err := NewFixedThreshold(0.5, map[byte]float64{'A': 0.9}, map[ModCode]float64{'h': 0.8})
	assert.NoError(t, err)
	tests := []struct {
		call Call
		want bool
	}{
		{Call{Base: 'C', Canonical: 0.1, Mods: []ModProb{{'m', 0.9}}}, true},
		{Call{Base: 'C', Canonical: 0.5, Mods: []ModProb{{'m', 0.5}}}, true},
		{Call{Base: 'C', Canonical: 0.3, Mods: []ModProb{{'h', 0.4}, {'m', 0.3}}}, false},
		// h has its own cutoff.
		{Call{Base: 'C', Canonical: 0.3, Mods: []ModProb{{'h', 0.7}}}, false},
		{Call{Base: 'C', Canonical: 0.15, Mods: []ModProb{{'h', 0.85}}}, true},
		// A has its own cutoff.
		{Call{Base: 'A', Canonical: 0.15, Mods: []ModProb{{'a', 0.85}}}, false},
		{Call{Base: 'N', Flags: FlagDelete}, true},
	}
	for i, test := range tests {
		expect.EQ(t, th.Passes(&test.call), test.want, i)
	}
}

func TestParseThresholds(t *testing.T) {
	perBase, err := ParseBaseThresholds("C:0.8,a:0.7")
	assert.NoError(t, err)
	expect.EQ(t, perBase, map[byte]float64{'C': 0.8, 'A': 0.7})
	perCode, err := ParseModThresholds("h:0.8,m:0.6")
	assert.NoError(t, err)
	expect.EQ(t, perCode, map[ModCode]float64{'h': 0.8, 'm': 0.6})

	for _, s := range []string{"C", "C:x", "CG:0.5", "C:0.5,C:0.6"} {
		_, err := ParseBaseThresholds(s)
		expect.NotNil(t, err, s)
	}
	for _, s := range []string{"h", "z:0.5", "h:0.5,h:0.6"} {
		_, err := ParseModThresholds(s)
		expect.NotNil(t, err, s)
	}
	method, err := ParseQuantileMethod("nearest")
	assert.NoError(t, err)
	expect.EQ(t, method, NearestRank)
	_, err = ParseQuantileMethod("cubic")
	expect.NotNil(t, err)
}
