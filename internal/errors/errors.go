package errors

import (
	"fmt"
	"time"
)

/**
 * Custom error types for the Counter Scan Worker
 *
 * Only RECOGNITION_UNAVAILABLE and contract violations (bad regions, bad options)
 * are surfaced to callers as hard failures. Everything else is logged or carried
 * as an ordinary scan result variant.
 */

// ErrorCode enum for structured error handling
type ErrorCode string

const (
	// Recognition errors
	ErrorRecognitionUnavailable ErrorCode = "RECOGNITION_UNAVAILABLE"
	ErrorTransientRecognition   ErrorCode = "TRANSIENT_RECOGNITION_ERROR"

	// Geometry and input errors
	ErrorInvalidRegionGeometry ErrorCode = "INVALID_REGION_GEOMETRY"
	ErrorInvalidRegion         ErrorCode = "INVALID_REGION"
	ErrorInvalidFrame          ErrorCode = "INVALID_FRAME"
	ErrorInvalidOptions        ErrorCode = "INVALID_OPTIONS"

	// Session outcomes
	ErrorNoStableReading ErrorCode = "NO_STABLE_READING"
	ErrorCancelled       ErrorCode = "CANCELLED"
	ErrorSessionNotFound ErrorCode = "SESSION_NOT_FOUND"

	// Storage errors
	ErrorStorageFailed ErrorCode = "STORAGE_FAILED"
)

// ScanError represents a structured scan error
type ScanError struct {
	Code      ErrorCode
	Message   string
	SessionID string
	Timestamp time.Time
	Details   map[string]interface{}
	Cause     error
}

func (e *ScanError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ScanError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a ScanError carrying the same code, so callers can
// match with errors.Is(err, errors.ErrCancelled) style sentinels.
func (e *ScanError) Is(target error) bool {
	t, ok := target.(*ScanError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is matching. Never returned directly.
var (
	ErrRecognitionUnavailable = &ScanError{Code: ErrorRecognitionUnavailable}
	ErrTransientRecognition   = &ScanError{Code: ErrorTransientRecognition}
	ErrInvalidRegionGeometry  = &ScanError{Code: ErrorInvalidRegionGeometry}
	ErrInvalidRegion          = &ScanError{Code: ErrorInvalidRegion}
	ErrInvalidFrame           = &ScanError{Code: ErrorInvalidFrame}
	ErrInvalidOptions         = &ScanError{Code: ErrorInvalidOptions}
	ErrNoStableReading        = &ScanError{Code: ErrorNoStableReading}
	ErrCancelled              = &ScanError{Code: ErrorCancelled}
	ErrSessionNotFound        = &ScanError{Code: ErrorSessionNotFound}
	ErrStorageFailed          = &ScanError{Code: ErrorStorageFailed}
)

// CodeOf returns the code of err if it is a ScanError, or "" otherwise.
func CodeOf(err error) ErrorCode {
	for err != nil {
		if se, ok := err.(*ScanError); ok {
			return se.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}

// Factory functions for common errors

func NewRecognitionUnavailableError(sessionID string, backend string, cause error) *ScanError {
	return &ScanError{
		Code:      ErrorRecognitionUnavailable,
		Message:   fmt.Sprintf("Recognition backend %s never became ready", backend),
		SessionID: sessionID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"backend": backend,
		},
		Cause: cause,
	}
}

func NewTransientRecognitionError(sessionID string, regionName string, frameSeq uint64, cause error) *ScanError {
	return &ScanError{
		Code:      ErrorTransientRecognition,
		Message:   fmt.Sprintf("Recognition failed for region %s on frame %d", regionName, frameSeq),
		SessionID: sessionID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"region":    regionName,
			"frame_seq": frameSeq,
		},
		Cause: cause,
	}
}

func NewInvalidRegionGeometryError(regionName string, frameSeq uint64) *ScanError {
	return &ScanError{
		Code:      ErrorInvalidRegionGeometry,
		Message:   fmt.Sprintf("Region %s clips to zero area on frame %d", regionName, frameSeq),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"region":    regionName,
			"frame_seq": frameSeq,
		},
	}
}

func NewInvalidRegionError(regionName string, reason string) *ScanError {
	return &ScanError{
		Code:      ErrorInvalidRegion,
		Message:   fmt.Sprintf("Invalid region %q: %s", regionName, reason),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"region": regionName,
			"reason": reason,
		},
	}
}

func NewInvalidFrameError(width, height int, reason string) *ScanError {
	return &ScanError{
		Code:      ErrorInvalidFrame,
		Message:   fmt.Sprintf("Invalid frame %dx%d: %s", width, height, reason),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"width":  width,
			"height": height,
		},
	}
}

func NewInvalidOptionsError(cause error) *ScanError {
	return &ScanError{
		Code:      ErrorInvalidOptions,
		Message:   "Invalid scan options",
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewNoStableReadingError(sessionID string, ticks int64, duration time.Duration) *ScanError {
	return &ScanError{
		Code:      ErrorNoStableReading,
		Message:   fmt.Sprintf("No stable reading after %d ticks (%v)", ticks, duration),
		SessionID: sessionID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"ticks":    ticks,
			"duration": duration.String(),
		},
	}
}

func NewCancelledError(sessionID string) *ScanError {
	return &ScanError{
		Code:      ErrorCancelled,
		Message:   "Scan cancelled by caller",
		SessionID: sessionID,
		Timestamp: time.Now(),
	}
}

func NewSessionNotFoundError(sessionID string) *ScanError {
	return &ScanError{
		Code:      ErrorSessionNotFound,
		Message:   fmt.Sprintf("Scan session not found: %s", sessionID),
		SessionID: sessionID,
		Timestamp: time.Now(),
	}
}

func NewStorageFailedError(sessionID string, cause error) *ScanError {
	return &ScanError{
		Code:      ErrorStorageFailed,
		Message:   "Failed to store scan result",
		SessionID: sessionID,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

// ToMap converts error to map for database storage
func (e *ScanError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code": string(e.Code),
		"message":    e.Message,
		"timestamp":  e.Timestamp,
	}

	if e.SessionID != "" {
		result["session_id"] = e.SessionID
	}

	for k, v := range e.Details {
		result[k] = v
	}

	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}

	return result
}
