package scanner

import (
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/adverant/nexus/counterscan-worker/internal/aggregate"
	"github.com/adverant/nexus/counterscan-worker/internal/errors"
	"github.com/adverant/nexus/counterscan-worker/internal/numeric"
)

var validate = validator.New()

// Options tune one scan session
type Options struct {
	MaxFrameBuffer   int           `json:"maxFrameBuffer" validate:"min=1,max=32"`
	MinOccurrences   int           `json:"minOccurrences" validate:"min=1"`
	TickInterval     time.Duration `json:"tickInterval" validate:"gt=0"`
	ErrorBackoff     time.Duration `json:"errorBackoff" validate:"gt=0"`
	RecognizeTimeout time.Duration `json:"recognizeTimeout" validate:"gt=0"`
	MaxDuration      time.Duration `json:"maxDuration" validate:"gte=0"` // 0 = until stopped
	MinValue         int64         `json:"minValue" validate:"gte=0"`
	MaxValue         int64         `json:"maxValue" validate:"gtefield=MinValue"`
	Enhance          bool          `json:"enhance"`
	SkipCodeDecode   bool          `json:"skipCodeDecode"`

	// ExplicitRange keeps a [0,0] value range instead of treating it as unset
	ExplicitRange bool `json:"-"`
}

// DefaultOptions returns the stock session tuning
func DefaultOptions() Options {
	return Options{
		MaxFrameBuffer:   4,
		MinOccurrences:   aggregate.DefaultMinOccurrences,
		TickInterval:     100 * time.Millisecond,
		ErrorBackoff:     500 * time.Millisecond,
		RecognizeTimeout: 5 * time.Second,
		MinValue:         numeric.DefaultMinValue,
		MaxValue:         numeric.DefaultMaxValue,
		ExplicitRange:    true,
	}
}

// Validate checks the options against their tags
func (o Options) Validate() error {
	if err := validate.Struct(o); err != nil {
		return errors.NewInvalidOptionsError(err)
	}
	return nil
}

// withDefaults fills zero-valued tuning fields from d. A [0,0] value range is
// unset unless ExplicitRange is true; any other range is kept. Enhance and
// SkipCodeDecode are taken as given since their zero value is meaningful.
func (o Options) withDefaults(d Options) Options {
	if o.MaxFrameBuffer == 0 {
		o.MaxFrameBuffer = d.MaxFrameBuffer
	}
	if o.MinOccurrences == 0 {
		o.MinOccurrences = d.MinOccurrences
	}
	if o.TickInterval == 0 {
		o.TickInterval = d.TickInterval
	}
	if o.ErrorBackoff == 0 {
		o.ErrorBackoff = d.ErrorBackoff
	}
	if o.RecognizeTimeout == 0 {
		o.RecognizeTimeout = d.RecognizeTimeout
	}
	if o.MaxDuration == 0 {
		o.MaxDuration = d.MaxDuration
	}
	if o.MaxValue == 0 && o.MinValue == 0 && !o.ExplicitRange {
		o.MinValue = d.MinValue
		o.MaxValue = d.MaxValue
	}
	return o
}

// Overrides is the wire form of Options used by the HTTP and batch
// transports. Durations are milliseconds; unset fields keep the base value.
type Overrides struct {
	MaxFrameBuffer     int    `json:"maxFrameBuffer,omitempty" validate:"omitempty,min=1,max=32"`
	MinOccurrences     int    `json:"minOccurrences,omitempty" validate:"omitempty,min=1"`
	TickIntervalMs     int64  `json:"tickIntervalMs,omitempty" validate:"gte=0"`
	ErrorBackoffMs     int64  `json:"errorBackoffMs,omitempty" validate:"gte=0"`
	RecognizeTimeoutMs int64  `json:"recognizeTimeoutMs,omitempty" validate:"gte=0"`
	MaxDurationMs      int64  `json:"maxDurationMs,omitempty" validate:"gte=0"`
	MinValue           *int64 `json:"minValue,omitempty" validate:"omitempty,gte=0"`
	MaxValue           *int64 `json:"maxValue,omitempty" validate:"omitempty,gte=0"`
	Enhance            *bool  `json:"enhance,omitempty"`
	SkipCodeDecode     bool   `json:"skipCodeDecode,omitempty"`
}

// Apply returns base with the overrides laid over it. The result still needs
// Validate, since a partial range override can invert MinValue and MaxValue.
func (ov Overrides) Apply(base Options) (Options, error) {
	if err := validate.Struct(ov); err != nil {
		return Options{}, errors.NewInvalidOptionsError(err)
	}

	o := base
	if ov.MaxFrameBuffer > 0 {
		o.MaxFrameBuffer = ov.MaxFrameBuffer
	}
	if ov.MinOccurrences > 0 {
		o.MinOccurrences = ov.MinOccurrences
	}
	if ov.TickIntervalMs > 0 {
		o.TickInterval = time.Duration(ov.TickIntervalMs) * time.Millisecond
	}
	if ov.ErrorBackoffMs > 0 {
		o.ErrorBackoff = time.Duration(ov.ErrorBackoffMs) * time.Millisecond
	}
	if ov.RecognizeTimeoutMs > 0 {
		o.RecognizeTimeout = time.Duration(ov.RecognizeTimeoutMs) * time.Millisecond
	}
	if ov.MaxDurationMs > 0 {
		o.MaxDuration = time.Duration(ov.MaxDurationMs) * time.Millisecond
	}
	if ov.MinValue != nil {
		o.MinValue = *ov.MinValue
		o.ExplicitRange = true
	}
	if ov.MaxValue != nil {
		o.MaxValue = *ov.MaxValue
		o.ExplicitRange = true
	}
	if ov.Enhance != nil {
		o.Enhance = *ov.Enhance
	}
	if ov.SkipCodeDecode {
		o.SkipCodeDecode = true
	}
	return o, nil
}
