package queue

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/adverant/nexus/counterscan-worker/internal/errors"
	"github.com/adverant/nexus/counterscan-worker/internal/frame"
	"github.com/adverant/nexus/counterscan-worker/internal/region"
	"github.com/adverant/nexus/counterscan-worker/internal/scanner"
)

// ScanJob is a batch scan request: an ordered set of stills of one meter,
// scanned as if they had arrived from a camera.
type ScanJob struct {
	JobID    string                 `json:"jobId"`
	Preset   string                 `json:"preset,omitempty"`
	Regions  []region.Region        `json:"regions,omitempty"`
	Frames   [][]byte               `json:"frames"`
	Options  scanner.Overrides      `json:"options,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// UnmarshalJSON accepts each frame either as a base64 string or as a Node.js
// Buffer object ({"type":"Buffer","data":[...]}), since producers on the
// TypeScript side emit both.
func (j *ScanJob) UnmarshalJSON(data []byte) error {
	type Alias ScanJob
	aux := &struct {
		Frames []interface{} `json:"frames"`
		*Alias
	}{
		Alias: (*Alias)(j),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("failed to unmarshal scan job: %w", err)
	}

	j.Frames = make([][]byte, 0, len(aux.Frames))
	for i, raw := range aux.Frames {
		b, err := decodeBuffer(raw)
		if err != nil {
			return fmt.Errorf("frame %d: %w", i, err)
		}
		j.Frames = append(j.Frames, b)
	}
	return nil
}

func decodeBuffer(v interface{}) ([]byte, error) {
	switch v := v.(type) {
	case string:
		decoded, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("failed to decode base64 frame: %w", err)
		}
		return decoded, nil

	case map[string]interface{}:
		if bufferType, ok := v["type"].(string); !ok || bufferType != "Buffer" {
			return nil, fmt.Errorf("invalid Buffer object format (missing or incorrect 'type' field)")
		}
		dataArray, ok := v["data"].([]interface{})
		if !ok {
			return nil, fmt.Errorf("Buffer object missing 'data' array")
		}
		out := make([]byte, len(dataArray))
		for i, val := range dataArray {
			byteVal, ok := val.(float64)
			if !ok || byteVal < 0 || byteVal > 255 {
				return nil, fmt.Errorf("invalid byte value in Buffer data array at index %d", i)
			}
			out[i] = byte(byteVal)
		}
		return out, nil
	}
	return nil, fmt.Errorf("frame must be either base64 string or Buffer object, got %T", v)
}

// Validate checks the job before any frame is decoded
func (j *ScanJob) Validate() error {
	if j.JobID == "" {
		return errors.NewInvalidOptionsError(fmt.Errorf("jobId is required"))
	}
	if len(j.Frames) == 0 {
		return errors.NewInvalidOptionsError(fmt.Errorf("job %s carries no frames", j.JobID))
	}
	return nil
}

// decodeFrames turns the encoded stills into frames
func (j *ScanJob) decodeFrames() ([]*frame.Frame, error) {
	frames := make([]*frame.Frame, 0, len(j.Frames))
	for i, data := range j.Frames {
		f, err := frame.Decode(data)
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", i, err)
		}
		frames = append(frames, f)
	}
	return frames, nil
}
