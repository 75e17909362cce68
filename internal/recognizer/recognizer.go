/**
 * Recognition backends
 *
 * A Recognizer turns one cropped region image into raw text plus a 0..100
 * confidence. Backends are injected into the scan engine; the engine never
 * constructs one itself.
 */

package recognizer

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"strings"
)

// DigitWhitelist restricts recognition to counter characters
const DigitWhitelist = "0123456789"

// SegmentationMode mirrors Tesseract page segmentation modes that make sense for
// a cropped counter display.
type SegmentationMode string

const (
	SegmentSingleLine  SegmentationMode = "single_line"
	SegmentSingleWord  SegmentationMode = "single_word"
	SegmentSingleBlock SegmentationMode = "single_block"
	SegmentSparseText  SegmentationMode = "sparse_text"
)

// EngineMode selects the recognition engine variant. Empty keeps the backend default.
type EngineMode string

const (
	EngineDefault    EngineMode = ""
	EngineLegacy     EngineMode = "legacy"
	EngineLSTM       EngineMode = "lstm"
	EngineLSTMLegacy EngineMode = "lstm_legacy"
)

// Options configures a recognizer before scanning
type Options struct {
	CharacterWhitelist string           `json:"characterWhitelist"`
	SegmentationMode   SegmentationMode `json:"segmentationMode" validate:"omitempty,oneof=single_line single_word single_block sparse_text"`
	EngineMode         EngineMode       `json:"engineMode" validate:"omitempty,oneof=legacy lstm lstm_legacy"`
}

// DefaultOptions are digits-only, single text line
func DefaultOptions() Options {
	return Options{
		CharacterWhitelist: DigitWhitelist,
		SegmentationMode:   SegmentSingleLine,
	}
}

// Result is the raw output of one recognize call
type Result struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"` // 0..100
	Backend    string  `json:"backend,omitempty"`
}

// Recognizer converts an image into text. Recognize may fail transiently and
// must be safe to call from one goroutine per scan session.
type Recognizer interface {
	// Name identifies the backend in logs and metrics
	Name() string

	// Configure applies options to subsequent Recognize calls
	Configure(opts Options) error

	// Ready reports whether the backend can serve requests. An error here is
	// fatal for a scan session.
	Ready(ctx context.Context) error

	// Recognize extracts text from img
	Recognize(ctx context.Context, img image.Image) (*Result, error)
}

// encodePNG serializes img for backends that take encoded bytes
func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// applyWhitelist replaces characters outside whitelist with spaces so digit runs
// keep their boundaries. An empty whitelist keeps text unchanged.
func applyWhitelist(text, whitelist string) string {
	if whitelist == "" {
		return text
	}
	return strings.Map(func(r rune) rune {
		if strings.ContainsRune(whitelist, r) {
			return r
		}
		return ' '
	}, text)
}

// clampConfidence keeps a confidence in [0, 100]
func clampConfidence(c float64) float64 {
	switch {
	case c != c || c < 0:
		return 0
	case c > 100:
		return 100
	}
	return c
}
