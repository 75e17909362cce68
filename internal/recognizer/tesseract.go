/**
 * Tesseract recognizer - local, offline OCR
 *
 * Wraps a single gosseract client. Tesseract handles are not goroutine safe, so
 * calls are serialized through a one-slot semaphore that honours context
 * cancellation while waiting.
 */

package recognizer

import (
	"context"
	"fmt"
	"image"
	"strconv"
	"strings"

	"github.com/otiai10/gosseract/v2"

	"github.com/adverant/nexus/counterscan-worker/internal/logging"
)

// TesseractConfig holds Tesseract configuration
type TesseractConfig struct {
	Language string
}

// TesseractRecognizer performs OCR with a local Tesseract install
type TesseractRecognizer struct {
	language string
	opts     Options
	dirty    bool
	client   *gosseract.Client
	sem      chan struct{}
	logger   *logging.Logger
}

// NewTesseractRecognizer creates a new Tesseract recognizer
func NewTesseractRecognizer(cfg *TesseractConfig) *TesseractRecognizer {
	lang := cfg.Language
	if lang == "" {
		lang = "eng"
	}

	return &TesseractRecognizer{
		language: lang,
		opts:     DefaultOptions(),
		dirty:    true,
		sem:      make(chan struct{}, 1),
		logger:   logging.NewLogger("TesseractRecognizer"),
	}
}

// Name returns the backend name
func (t *TesseractRecognizer) Name() string { return "tesseract" }

// Configure stores options; they are applied to the client on the next call
func (t *TesseractRecognizer) Configure(opts Options) error {
	if _, err := pageSegMode(opts.SegmentationMode); err != nil {
		return err
	}
	if _, err := engineModeValue(opts.EngineMode); err != nil {
		return err
	}

	t.sem <- struct{}{}
	defer func() { <-t.sem }()

	t.opts = opts
	t.dirty = true
	return nil
}

// Ready initializes the Tesseract client and runs it once over a blank image
func (t *TesseractRecognizer) Ready(ctx context.Context) error {
	blank := image.NewGray(image.Rect(0, 0, 8, 8))
	for i := range blank.Pix {
		blank.Pix[i] = 255
	}

	if _, err := t.Recognize(ctx, blank); err != nil {
		return fmt.Errorf("tesseract not ready: %w", err)
	}

	t.logger.Info("Tesseract ready", "version", gosseract.Version(), "language", t.language)
	return nil
}

// Recognize runs OCR on img. The cgo call itself cannot be interrupted, so a
// cancelled context returns immediately while the call finishes in the
// background and releases the client afterwards.
func (t *TesseractRecognizer) Recognize(ctx context.Context, img image.Image) (*Result, error) {
	data, err := encodePNG(img)
	if err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}

	select {
	case t.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() { <-t.sem }()
		res, err := t.run(data)
		done <- outcome{res, err}
	}()

	select {
	case o := <-done:
		return o.res, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// run executes one OCR pass. Caller holds the semaphore.
func (t *TesseractRecognizer) run(data []byte) (*Result, error) {
	if err := t.ensureClient(); err != nil {
		return nil, err
	}

	if err := t.client.SetImageFromBytes(data); err != nil {
		return nil, fmt.Errorf("failed to set image: %w", err)
	}

	text, err := t.client.Text()
	if err != nil {
		return nil, fmt.Errorf("tesseract OCR failed: %w", err)
	}

	confidence := 0.0
	boxes, err := t.client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		t.logger.Debug("Word boxes unavailable", "error", err)
	} else if len(boxes) > 0 {
		sum := 0.0
		for _, b := range boxes {
			sum += b.Confidence
		}
		confidence = sum / float64(len(boxes))
	}

	return &Result{
		Text:       strings.TrimSpace(applyWhitelist(text, t.opts.CharacterWhitelist)),
		Confidence: clampConfidence(confidence),
		Backend:    t.Name(),
	}, nil
}

// ensureClient (re)creates the client when options changed. Caller holds the semaphore.
func (t *TesseractRecognizer) ensureClient() error {
	if !t.dirty && t.client != nil {
		return nil
	}
	if t.client != nil {
		t.client.Close()
		t.client = nil
	}

	client := gosseract.NewClient()
	if err := client.SetLanguage(t.language); err != nil {
		client.Close()
		return fmt.Errorf("failed to set language: %w", err)
	}
	if t.opts.CharacterWhitelist != "" {
		if err := client.SetWhitelist(t.opts.CharacterWhitelist); err != nil {
			client.Close()
			return fmt.Errorf("failed to set whitelist: %w", err)
		}
	}

	psm, _ := pageSegMode(t.opts.SegmentationMode)
	if err := client.SetPageSegMode(psm); err != nil {
		client.Close()
		return fmt.Errorf("failed to set page segmentation mode: %w", err)
	}

	// Engine mode is init-only in Tesseract; gosseract applies stored
	// variables during its lazy init.
	if oem, _ := engineModeValue(t.opts.EngineMode); oem >= 0 {
		if err := client.SetVariable(gosseract.SettableVariable("tessedit_ocr_engine_mode"), strconv.Itoa(oem)); err != nil {
			client.Close()
			return fmt.Errorf("failed to set engine mode: %w", err)
		}
	}

	t.client = client
	t.dirty = false
	t.logger.Debug("Tesseract client configured",
		"segmentationMode", t.opts.SegmentationMode,
		"engineMode", t.opts.EngineMode,
		"whitelist", t.opts.CharacterWhitelist)
	return nil
}

// Close releases the Tesseract handle
func (t *TesseractRecognizer) Close() error {
	t.sem <- struct{}{}
	defer func() { <-t.sem }()

	if t.client == nil {
		return nil
	}
	err := t.client.Close()
	t.client = nil
	t.dirty = true
	return err
}

func pageSegMode(m SegmentationMode) (gosseract.PageSegMode, error) {
	switch m {
	case "", SegmentSingleLine:
		return gosseract.PSM_SINGLE_LINE, nil
	case SegmentSingleWord:
		return gosseract.PSM_SINGLE_WORD, nil
	case SegmentSingleBlock:
		return gosseract.PSM_SINGLE_BLOCK, nil
	case SegmentSparseText:
		return gosseract.PSM_SPARSE_TEXT, nil
	}
	return 0, fmt.Errorf("unknown segmentation mode %q", m)
}

// engineModeValue maps to Tesseract's OEM numbers; -1 keeps the default
func engineModeValue(m EngineMode) (int, error) {
	switch m {
	case EngineDefault:
		return -1, nil
	case EngineLegacy:
		return 0, nil
	case EngineLSTM:
		return 1, nil
	case EngineLSTMLegacy:
		return 2, nil
	}
	return -1, fmt.Errorf("unknown engine mode %q", m)
}
