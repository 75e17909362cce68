package scanner

import (
	"testing"
	"time"

	"github.com/adverant/nexus/counterscan-worker/internal/errors"
)

func TestOverridesApply(t *testing.T) {
	base := DefaultOptions()
	lo, hi := int64(100), int64(99999)
	enhance := true

	got, err := Overrides{
		MaxFrameBuffer:     8,
		TickIntervalMs:     250,
		RecognizeTimeoutMs: 1500,
		MaxDurationMs:      30000,
		MinValue:           &lo,
		MaxValue:           &hi,
		Enhance:            &enhance,
		SkipCodeDecode:     true,
	}.Apply(base)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if got.MaxFrameBuffer != 8 || got.TickInterval != 250*time.Millisecond {
		t.Errorf("buffer/tick = %d/%v", got.MaxFrameBuffer, got.TickInterval)
	}
	if got.RecognizeTimeout != 1500*time.Millisecond || got.MaxDuration != 30*time.Second {
		t.Errorf("timeout/duration = %v/%v", got.RecognizeTimeout, got.MaxDuration)
	}
	if got.MinValue != 100 || got.MaxValue != 99999 || !got.Enhance || !got.SkipCodeDecode {
		t.Errorf("got %+v", got)
	}
	if got.MinOccurrences != base.MinOccurrences || got.ErrorBackoff != base.ErrorBackoff {
		t.Errorf("unset fields should keep base values, got %+v", got)
	}
	if err := got.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestOverridesApplyEmptyKeepsBase(t *testing.T) {
	base := DefaultOptions()
	got, err := Overrides{}.Apply(base)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got != base {
		t.Errorf("got %+v, want %+v", got, base)
	}
}

func TestOverridesApplyRejects(t *testing.T) {
	neg := int64(-1)
	tests := map[string]Overrides{
		"buffer too large": {MaxFrameBuffer: 33},
		"negative tick":    {TickIntervalMs: -5},
		"negative min":     {MinValue: &neg},
	}
	for name, ov := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ov.Apply(DefaultOptions())
			if errors.CodeOf(err) != errors.ErrorInvalidOptions {
				t.Fatalf("expected INVALID_OPTIONS, got %v", err)
			}
		})
	}
}

func TestWithDefaultsValueRange(t *testing.T) {
	d := DefaultOptions()

	unset := Options{}.withDefaults(d)
	if unset.MinValue != d.MinValue || unset.MaxValue != d.MaxValue {
		t.Errorf("unset range = [%d, %d], want defaults", unset.MinValue, unset.MaxValue)
	}

	zero := Options{ExplicitRange: true}.withDefaults(d)
	if zero.MinValue != 0 || zero.MaxValue != 0 {
		t.Errorf("explicit [0,0] range replaced with [%d, %d]", zero.MinValue, zero.MaxValue)
	}

	custom := Options{MinValue: 5, MaxValue: 50}.withDefaults(d)
	if custom.MinValue != 5 || custom.MaxValue != 50 {
		t.Errorf("custom range = [%d, %d], want [5, 50]", custom.MinValue, custom.MaxValue)
	}
}

func TestOverridesZeroRangeSurvivesDefaults(t *testing.T) {
	zero := int64(0)
	base := DefaultOptions()

	got, err := Overrides{MinValue: &zero, MaxValue: &zero}.Apply(base)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	got = got.withDefaults(base)
	if got.MinValue != 0 || got.MaxValue != 0 {
		t.Fatalf("range = [%d, %d], want [0, 0]", got.MinValue, got.MaxValue)
	}
}
