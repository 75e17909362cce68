package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
	"time"
)

func TestScanErrorIsMatchesByCode(t *testing.T) {
	err := NewCancelledError("s-1")
	wrapped := fmt.Errorf("session ended: %w", err)

	if !stderrors.Is(wrapped, ErrCancelled) {
		t.Fatalf("expected wrapped error to match ErrCancelled")
	}
	if stderrors.Is(wrapped, ErrRecognitionUnavailable) {
		t.Fatalf("did not expect match against a different code")
	}
}

func TestScanErrorUnwrapsCause(t *testing.T) {
	cause := stderrors.New("tesseract init failed")
	err := NewRecognitionUnavailableError("s-2", "tesseract", cause)

	if !stderrors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable through Unwrap")
	}
	if got := err.Error(); got != "RECOGNITION_UNAVAILABLE: Recognition backend tesseract never became ready (caused by: tesseract init failed)" {
		t.Fatalf("unexpected message: %s", got)
	}
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"nil", nil, ""},
		{"plain", stderrors.New("boom"), ""},
		{"direct", NewInvalidRegionError("a", "negative weight"), ErrorInvalidRegion},
		{"wrapped", fmt.Errorf("ctx: %w", NewNoStableReadingError("s", 3, time.Second)), ErrorNoStableReading},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := CodeOf(tc.err); got != tc.want {
				t.Fatalf("CodeOf() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestToMapIncludesDetailsAndCause(t *testing.T) {
	err := NewTransientRecognitionError("s-3", "center", 7, stderrors.New("timeout"))
	m := err.ToMap()

	if m["error_code"] != string(ErrorTransientRecognition) {
		t.Fatalf("unexpected error_code: %v", m["error_code"])
	}
	if m["region"] != "center" {
		t.Fatalf("expected region detail, got %v", m["region"])
	}
	if m["frame_seq"] != uint64(7) {
		t.Fatalf("expected frame_seq detail, got %v", m["frame_seq"])
	}
	if m["cause"] != "timeout" {
		t.Fatalf("expected cause, got %v", m["cause"])
	}
	if m["session_id"] != "s-3" {
		t.Fatalf("expected session_id, got %v", m["session_id"])
	}
}
