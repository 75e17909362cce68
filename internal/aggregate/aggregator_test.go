package aggregate

import (
	"math"
	"math/rand"
	"reflect"
	"testing"

	"github.com/adverant/nexus/counterscan-worker/internal/numeric"
)

func samplesFor(text string, confidence float64, frames []uint64, regions ...string) []numeric.Sample {
	var out []numeric.Sample
	for _, f := range frames {
		for _, r := range regions {
			out = append(out, numeric.Sample{Region: r, Weight: 1, FrameSeq: f, RawText: text, Confidence: confidence})
		}
	}
	return out
}

func extract(samples []numeric.Sample) []numeric.Candidate {
	return numeric.NewExtractor(numeric.DefaultMinValue, numeric.DefaultMaxValue).ExtractAll(samples)
}

func defaultAggregator() Aggregator {
	return New(DefaultMinOccurrences, numeric.DefaultMinValue, numeric.DefaultMaxValue)
}

func TestAggregateIdenticalFramesScenario(t *testing.T) {
	cands := extract(samplesFor("963373", 85, []uint64{1, 2, 3}, "A", "B"))

	got := defaultAggregator().Aggregate(cands)
	if got == nil {
		t.Fatalf("expected a reading")
	}
	if got.Value != 963373 {
		t.Errorf("Value = %d, want 963373", got.Value)
	}
	if got.Occurrences != 6 {
		t.Errorf("Occurrences = %d, want 6", got.Occurrences)
	}
	if math.Abs(got.Confidence-85) > 1e-9 {
		t.Errorf("Confidence = %v, want 85", got.Confidence)
	}
	if len(got.Evidence) != 6 {
		t.Errorf("len(Evidence) = %d, want 6", len(got.Evidence))
	}
}

func TestAggregatePrefersLongerValueOnTie(t *testing.T) {
	var samples []numeric.Sample
	samples = append(samples, samplesFor("1234", 80, []uint64{1, 2}, "A")...)
	samples = append(samples, samplesFor("12345", 80, []uint64{1, 2}, "B")...)

	got := defaultAggregator().Aggregate(extract(samples))
	if got == nil || got.Value != 12345 {
		t.Fatalf("Aggregate() = %+v, want 12345", got)
	}
}

func TestAggregateTieOnDigitsPrefersLargerValue(t *testing.T) {
	var samples []numeric.Sample
	samples = append(samples, samplesFor("1111", 80, []uint64{1, 2}, "A")...)
	samples = append(samples, samplesFor("2222", 80, []uint64{1, 2}, "B")...)

	got := defaultAggregator().Aggregate(extract(samples))
	if got == nil || got.Value != 2222 {
		t.Fatalf("Aggregate() = %+v, want 2222", got)
	}
}

func TestAggregateNoDigits(t *testing.T) {
	cands := extract(samplesFor("-- --", 90, []uint64{1, 2, 3}, "A", "B"))
	if got := defaultAggregator().Aggregate(cands); got != nil {
		t.Fatalf("Aggregate() = %+v, want nil", got)
	}
	if got := defaultAggregator().Aggregate(nil); got != nil {
		t.Fatalf("Aggregate(nil) = %+v, want nil", got)
	}
}

func TestAggregateRequiresMinOccurrences(t *testing.T) {
	cands := extract(samplesFor("4711", 99, []uint64{1}, "A"))
	if got := defaultAggregator().Aggregate(cands); got != nil {
		t.Fatalf("single occurrence accepted: %+v", got)
	}

	if got := New(1, 0, 9999999).Aggregate(cands); got == nil || got.Value != 4711 {
		t.Fatalf("min occurrences 1: Aggregate() = %+v, want 4711", got)
	}
}

func TestAggregateMajorityRule(t *testing.T) {
	var samples []numeric.Sample
	samples = append(samples, samplesFor("500", 60, []uint64{1, 2, 3}, "A", "B")...)
	samples = append(samples, samplesFor("5000", 95, []uint64{1}, "C")...)
	samples = append(samples, samplesFor("508", 70, []uint64{2}, "C")...)

	got := defaultAggregator().Aggregate(extract(samples))
	if got == nil || got.Value != 500 {
		t.Fatalf("Aggregate() = %+v, want 500", got)
	}
}

func TestAggregateCountsRegionFrameOnce(t *testing.T) {
	// Region A reads "77 77" on one frame: one occurrence, one weight.
	cands := extract([]numeric.Sample{{Region: "A", Weight: 3, FrameSeq: 1, RawText: "77 77", Confidence: 50}})

	groups := defaultAggregator().Groups(cands)
	if len(groups) != 1 {
		t.Fatalf("len(groups) = %d, want 1", len(groups))
	}
	g := groups[0]
	if g.Occurrences != 1 || g.TotalWeight != 3 || len(g.Samples) != 1 {
		t.Fatalf("occurrences=%d totalWeight=%v samples=%d, want 1, 3 and 1", g.Occurrences, g.TotalWeight, len(g.Samples))
	}
	if g.WeightedScore != 1*50*3 {
		t.Fatalf("WeightedScore = %v, want 150", g.WeightedScore)
	}
}

func TestAggregateRepeatedTextInOneSampleIsNotStable(t *testing.T) {
	cands := extract([]numeric.Sample{{Region: "a", Weight: 1, FrameSeq: 1, RawText: "4711 4711", Confidence: 40}})

	if got := defaultAggregator().Aggregate(cands); got != nil {
		t.Fatalf("Aggregate() = %+v, want nil from a single sample", got)
	}

	// A second frame confirming the value makes it stable.
	cands = append(cands, extract([]numeric.Sample{{Region: "a", Weight: 1, FrameSeq: 2, RawText: "4711", Confidence: 60}})...)
	got := defaultAggregator().Aggregate(cands)
	if got == nil || got.Value != 4711 {
		t.Fatalf("Aggregate() = %+v, want 4711", got)
	}
	if got.Occurrences != 2 || len(got.Evidence) != 2 || got.Confidence != 50 {
		t.Fatalf("occurrences=%d evidence=%d confidence=%v, want 2, 2 and 50", got.Occurrences, len(got.Evidence), got.Confidence)
	}
}

func TestAggregateTrustWeightDecides(t *testing.T) {
	var samples []numeric.Sample
	for _, f := range []uint64{1, 2} {
		samples = append(samples,
			numeric.Sample{Region: "trusted", Weight: 2, FrameSeq: f, RawText: "300", Confidence: 70},
			numeric.Sample{Region: "edge", Weight: 0.5, FrameSeq: f, RawText: "800", Confidence: 90},
		)
	}

	got := defaultAggregator().Aggregate(extract(samples))
	if got == nil || got.Value != 300 {
		t.Fatalf("Aggregate() = %+v, want 300", got)
	}
}

func TestGroupsRejectOutOfRange(t *testing.T) {
	cands := []numeric.Candidate{
		{Value: 12, DigitLength: 2, Source: numeric.Sample{Region: "A", FrameSeq: 1, Confidence: 90}},
		{Value: 12, DigitLength: 2, Source: numeric.Sample{Region: "A", FrameSeq: 2, Confidence: 90}},
		{Value: 123456789, DigitLength: 9, Source: numeric.Sample{Region: "A", FrameSeq: 1, Confidence: 90}},
	}
	for i := 0; i < 20; i++ {
		cands = append(cands, numeric.Candidate{Value: -5, DigitLength: 1, Source: numeric.Sample{Region: "B", FrameSeq: uint64(i), Confidence: 99}})
	}

	for _, g := range defaultAggregator().Groups(cands) {
		if g.Value < 0 || g.Value > numeric.DefaultMaxValue {
			t.Fatalf("out-of-range value %d grouped", g.Value)
		}
	}
	if got := defaultAggregator().Aggregate(cands); got == nil || got.Value != 12 {
		t.Fatalf("Aggregate() = %+v, want 12", got)
	}
}

func TestAggregateIsIdempotentAndOrderIndependent(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	texts := []string{"123", "1234", "12345", "0123", "999", "12 34", "x"}
	regions := []string{"A", "B", "C"}

	for round := 0; round < 50; round++ {
		var samples []numeric.Sample
		for i := 0; i < 12; i++ {
			samples = append(samples, numeric.Sample{
				Region:     regions[rng.Intn(len(regions))],
				Weight:     1 + rng.Float64(),
				FrameSeq:   uint64(rng.Intn(4)),
				RawText:    texts[rng.Intn(len(texts))],
				Confidence: float64(rng.Intn(101)),
			})
		}
		cands := extract(samples)
		agg := defaultAggregator()

		first := agg.Aggregate(cands)
		second := agg.Aggregate(cands)
		if !reflect.DeepEqual(first, second) {
			t.Fatalf("round %d: not idempotent: %+v vs %+v", round, first, second)
		}

		shuffled := append([]numeric.Candidate(nil), cands...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		third := agg.Aggregate(shuffled)
		if (first == nil) != (third == nil) || (first != nil && first.Value != third.Value) {
			t.Fatalf("round %d: order dependent: %+v vs %+v", round, first, third)
		}
	}
}

func TestScoresTie(t *testing.T) {
	if !scoresTie(0, 0) {
		t.Fatalf("zero scores should tie")
	}
	if !scoresTie(100, 100*(1+1e-12)) {
		t.Fatalf("near-equal scores should tie")
	}
	if scoresTie(100, 100.1) {
		t.Fatalf("distinct scores should not tie")
	}
}
