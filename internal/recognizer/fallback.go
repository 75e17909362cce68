package recognizer

import (
	"context"
	"fmt"
	"image"

	"github.com/adverant/nexus/counterscan-worker/internal/logging"
)

// Fallback tries Primary first and Secondary when it fails
type Fallback struct {
	Primary   Recognizer
	Secondary Recognizer
	logger    *logging.Logger
}

// NewFallback chains two recognizers
func NewFallback(primary, secondary Recognizer) *Fallback {
	return &Fallback{
		Primary:   primary,
		Secondary: secondary,
		logger:    logging.NewLogger("FallbackRecognizer"),
	}
}

// Name returns "primary+secondary"
func (f *Fallback) Name() string {
	return f.Primary.Name() + "+" + f.Secondary.Name()
}

// Configure applies opts to both backends
func (f *Fallback) Configure(opts Options) error {
	if err := f.Primary.Configure(opts); err != nil {
		return err
	}
	return f.Secondary.Configure(opts)
}

// Ready succeeds when at least one backend is ready
func (f *Fallback) Ready(ctx context.Context) error {
	perr := f.Primary.Ready(ctx)
	if perr == nil {
		return nil
	}
	f.logger.Warn("Primary recognizer not ready, relying on fallback",
		"primary", f.Primary.Name(), "error", perr)

	if serr := f.Secondary.Ready(ctx); serr != nil {
		return fmt.Errorf("no recognizer ready: %v; %w", perr, serr)
	}
	return nil
}

// Recognize tries Primary, then Secondary unless ctx is already done
func (f *Fallback) Recognize(ctx context.Context, img image.Image) (*Result, error) {
	res, err := f.Primary.Recognize(ctx, img)
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}

	f.logger.Debug("Primary recognizer failed, using fallback",
		"primary", f.Primary.Name(), "error", err)
	return f.Secondary.Recognize(ctx, img)
}
