// Package numeric turns raw recognizer text into integer candidates.
package numeric

import (
	"strconv"
)

// Default plausible counter range
const (
	DefaultMinValue int64 = 0
	DefaultMaxValue int64 = 9999999
)

// Sample is one recognition attempt: one region on one buffered frame.
type Sample struct {
	Region     string  `json:"region"`
	Weight     float64 `json:"weight"`
	FrameSeq   uint64  `json:"frameSeq"`
	RawText    string  `json:"rawText"`
	Confidence float64 `json:"confidence"` // 0..100
}

// Candidate is one integer interpretation of a sample's text.
type Candidate struct {
	Value       int64
	DigitLength int
	Source      Sample
}

// Extractor splits text on non-digit characters and keeps in-range runs.
type Extractor struct {
	MinValue int64
	MaxValue int64
}

// NewExtractor returns an extractor for [min, max].
func NewExtractor(min, max int64) Extractor {
	return Extractor{MinValue: min, MaxValue: max}
}

// Extract returns one candidate per maximal ASCII digit run in s.RawText whose
// value lies in range. Deciding which run is "the" counter is left to the
// aggregator.
func (e Extractor) Extract(s Sample) []Candidate {
	var out []Candidate
	for _, run := range DigitRuns(s.RawText) {
		v, err := strconv.ParseInt(run, 10, 64)
		if err != nil {
			// longer than int64 can hold, so out of any range
			continue
		}
		if v < e.MinValue || v > e.MaxValue {
			continue
		}
		out = append(out, Candidate{Value: v, DigitLength: len(run), Source: s})
	}
	return out
}

// ExtractAll flattens Extract over samples, preserving order.
func (e Extractor) ExtractAll(samples []Sample) []Candidate {
	var out []Candidate
	for _, s := range samples {
		out = append(out, e.Extract(s)...)
	}
	return out
}

// DigitRuns returns every maximal run of '0'..'9' in text. Any other rune,
// including non-ASCII digits, separates runs.
func DigitRuns(text string) []string {
	var runs []string
	start := -1
	for i := 0; i < len(text); i++ {
		c := text[i]
		if c >= '0' && c <= '9' {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			runs = append(runs, text[start:i])
			start = -1
		}
	}
	if start >= 0 {
		runs = append(runs, text[start:])
	}
	return runs
}
