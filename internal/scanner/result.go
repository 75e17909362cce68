package scanner

import (
	"time"

	"github.com/adverant/nexus/counterscan-worker/internal/aggregate"
	"github.com/adverant/nexus/counterscan-worker/internal/codedecode"
	"github.com/adverant/nexus/counterscan-worker/internal/errors"
)

// State of a scan session
type State string

const (
	StateIdle               State = "idle"
	StateScanning           State = "scanning"
	StateCodeFound          State = "code_found"
	StateStableReadingFound State = "stable_reading_found"
	StateCancelled          State = "cancelled"
	StateErrorAborted       State = "error_aborted"
	StateNoStableReading    State = "no_stable_reading"
)

// Terminal reports whether no further transitions are possible
func (s State) Terminal() bool {
	switch s {
	case StateIdle, StateScanning:
		return false
	}
	return true
}

// ResultKind tags the session outcome
type ResultKind string

const (
	KindCode      ResultKind = "code"
	KindReading   ResultKind = "reading"
	KindCancelled ResultKind = "cancelled"
	KindError     ResultKind = "error"
	KindNoReading ResultKind = "no_reading"
)

// Result is the completion signal of a session. Exactly one of Code, Reading
// or Err is set, depending on Kind; cancelled carries none.
type Result struct {
	SessionID  string              `json:"sessionId"`
	Kind       ResultKind          `json:"kind"`
	Code       *codedecode.Payload `json:"code,omitempty"`
	Reading    *aggregate.Reading  `json:"reading,omitempty"`
	Err        error               `json:"-"`
	Ticks      int64               `json:"ticks"`
	StartedAt  time.Time           `json:"startedAt"`
	FinishedAt time.Time           `json:"finishedAt"`
}

// ErrorDetail renders Err for JSON consumers
func (r Result) ErrorDetail() map[string]interface{} {
	if r.Err == nil {
		return nil
	}
	if se, ok := r.Err.(*errors.ScanError); ok {
		return se.ToMap()
	}
	return map[string]interface{}{"message": r.Err.Error()}
}

// Stats is a diagnostic snapshot of a session
type Stats struct {
	SessionID       string    `json:"sessionId"`
	State           State     `json:"state"`
	BufferOccupancy int       `json:"bufferOccupancy"`
	BufferCapacity  int       `json:"bufferCapacity"`
	TicksRun        int64     `json:"ticksRun"`
	RecognizeCalls  int64     `json:"recognizeCalls"`
	SamplesLastTick int       `json:"samplesLastTick"`
	LastError       string    `json:"lastError,omitempty"`
	StartedAt       time.Time `json:"startedAt"`
}
