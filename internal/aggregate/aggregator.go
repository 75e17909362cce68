/**
 * Stability Aggregator
 *
 * Groups numeric candidates from all region x frame samples of one pass by value,
 * counts each (region, frame) pair once per value, scores each group as
 * occurrences * avgConfidence * totalWeight and picks the winner. Pure: the same candidate set always yields the same reading.
 */

package aggregate

import (
	"math"
	"sort"

	"github.com/adverant/nexus/counterscan-worker/internal/numeric"
)

// DefaultMinOccurrences is the evidence floor for a stable reading
const DefaultMinOccurrences = 2

// scoreTolerance is the relative difference under which two scores tie
const scoreTolerance = 1e-9

// Group is the aggregated evidence for one integer value
type Group struct {
	Value         int64
	DigitLength   int
	Occurrences   int
	AvgConfidence float64
	TotalWeight   float64
	WeightedScore float64
	Samples       []numeric.Sample
}

// Reading is an accepted stable value
type Reading struct {
	Value         int64            `json:"value"`
	Confidence    float64          `json:"confidence"`
	Occurrences   int              `json:"occurrences"`
	DigitLength   int              `json:"digitLength"`
	WeightedScore float64          `json:"weightedScore"`
	Evidence      []numeric.Sample `json:"evidence"`
}

// Aggregator selects a stable reading from candidates
type Aggregator struct {
	MinOccurrences int
	MinValue       int64
	MaxValue       int64
}

// New returns an aggregator with the given occurrence floor and value range
func New(minOccurrences int, minValue, maxValue int64) Aggregator {
	if minOccurrences <= 0 {
		minOccurrences = DefaultMinOccurrences
	}
	return Aggregator{MinOccurrences: minOccurrences, MinValue: minValue, MaxValue: maxValue}
}

// Aggregate returns the winning reading, or nil when no group has enough
// occurrences to be trusted.
func (a Aggregator) Aggregate(candidates []numeric.Candidate) *Reading {
	groups := a.Groups(candidates)
	if len(groups) == 0 {
		return nil
	}

	best := groups[0]
	if best.Occurrences < a.MinOccurrences {
		return nil
	}

	return &Reading{
		Value:         best.Value,
		Confidence:    best.AvgConfidence,
		Occurrences:   best.Occurrences,
		DigitLength:   best.DigitLength,
		WeightedScore: best.WeightedScore,
		Evidence:      best.Samples,
	}
}

type pairKey struct {
	region string
	frame  uint64
}

// Groups builds and ranks value groups, best first. Out-of-range candidates
// never reach a group. A (region, frame) pair contributes at most one
// occurrence to a group, however many runs its text produced.
func (a Aggregator) Groups(candidates []numeric.Candidate) []Group {
	type acc struct {
		group Group
		pairs map[pairKey]numeric.Sample
	}

	byValue := make(map[int64]*acc)
	for _, c := range candidates {
		if c.Value < a.MinValue || c.Value > a.MaxValue {
			continue
		}

		g, ok := byValue[c.Value]
		if !ok {
			g = &acc{group: Group{Value: c.Value}, pairs: make(map[pairKey]numeric.Sample)}
			byValue[c.Value] = g
		}
		if c.DigitLength > g.group.DigitLength {
			g.group.DigitLength = c.DigitLength
		}

		key := pairKey{region: c.Source.Region, frame: c.Source.FrameSeq}
		if prev, seen := g.pairs[key]; !seen || preferSample(c.Source, prev) {
			g.pairs[key] = c.Source
		}
	}

	groups := make([]Group, 0, len(byValue))
	for _, g := range byValue {
		out := g.group
		for _, sample := range g.pairs {
			out.Samples = append(out.Samples, sample)
		}
		sort.Slice(out.Samples, func(i, j int) bool {
			if out.Samples[i].FrameSeq != out.Samples[j].FrameSeq {
				return out.Samples[i].FrameSeq < out.Samples[j].FrameSeq
			}
			return out.Samples[i].Region < out.Samples[j].Region
		})

		var confSum float64
		for _, sample := range out.Samples {
			confSum += sample.Confidence
			out.TotalWeight += sampleWeight(sample)
		}
		out.Occurrences = len(out.Samples)
		out.AvgConfidence = confSum / float64(out.Occurrences)
		out.WeightedScore = float64(out.Occurrences) * out.AvgConfidence * out.TotalWeight
		groups = append(groups, out)
	}

	sort.Slice(groups, func(i, j int) bool {
		return better(groups[i], groups[j])
	})
	return groups
}

// better reports whether a outranks b: higher score, and on a tie more digits,
// then the exact higher score, then the larger value.
func better(a, b Group) bool {
	if !scoresTie(a.WeightedScore, b.WeightedScore) {
		return a.WeightedScore > b.WeightedScore
	}
	if a.DigitLength != b.DigitLength {
		return a.DigitLength > b.DigitLength
	}
	if a.WeightedScore != b.WeightedScore {
		return a.WeightedScore > b.WeightedScore
	}
	return a.Value > b.Value
}

func scoresTie(x, y float64) bool {
	diff := math.Abs(x - y)
	scale := math.Max(math.Abs(x), math.Abs(y))
	if scale == 0 {
		return true
	}
	return diff/scale <= scoreTolerance
}

// preferSample picks the representative when one (region, frame) pair
// reported the same value more than once.
func preferSample(a, b numeric.Sample) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	if a.Weight != b.Weight {
		return a.Weight > b.Weight
	}
	return a.RawText < b.RawText
}

func sampleWeight(s numeric.Sample) float64 {
	if s.Weight <= 0 {
		return 1
	}
	return s.Weight
}
