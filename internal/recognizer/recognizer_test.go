package recognizer

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testImage() image.Image {
	return image.NewGray(image.Rect(0, 0, 4, 2))
}

func TestApplyWhitelist(t *testing.T) {
	tests := []struct {
		text, whitelist, want string
	}{
		{"12a34", DigitWhitelist, "12 34"},
		{"kWh 0042", DigitWhitelist, "    0042"},
		{"abc", "", "abc"},
	}
	for _, tc := range tests {
		if got := applyWhitelist(tc.text, tc.whitelist); got != tc.want {
			t.Errorf("applyWhitelist(%q) = %q, want %q", tc.text, got, tc.want)
		}
	}
}

func TestClampConfidence(t *testing.T) {
	for in, want := range map[float64]float64{-3: 0, 0: 0, 55.5: 55.5, 140: 100} {
		if got := clampConfidence(in); got != want {
			t.Errorf("clampConfidence(%v) = %v, want %v", in, got, want)
		}
	}
	if got := clampConfidence(math.NaN()); got != 0 {
		t.Errorf("clampConfidence(NaN) = %v, want 0", got)
	}
}

func TestModeMapping(t *testing.T) {
	for _, m := range []SegmentationMode{"", SegmentSingleLine, SegmentSingleWord, SegmentSingleBlock, SegmentSparseText} {
		if _, err := pageSegMode(m); err != nil {
			t.Errorf("pageSegMode(%q): %v", m, err)
		}
	}
	if _, err := pageSegMode("diagonal"); err == nil {
		t.Errorf("expected error for unknown segmentation mode")
	}
	if v, _ := engineModeValue(EngineDefault); v != -1 {
		t.Errorf("default engine mode = %d, want -1", v)
	}
	if v, _ := engineModeValue(EngineLSTM); v != 1 {
		t.Errorf("lstm engine mode = %d, want 1", v)
	}
	if _, err := engineModeValue("quantum"); err == nil {
		t.Errorf("expected error for unknown engine mode")
	}
}

func TestRemoteRecognize(t *testing.T) {
	var got VisionOCRRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/internal/vision/extract-text" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(VisionOCRResponse{
			Success: true,
			Data:    VisionOCRData{Text: "No. 963373 kWh", Confidence: 0.87, ModelUsed: "vision-small"},
		})
	}))
	defer srv.Close()

	rec := NewRemoteRecognizer(&RemoteConfig{BaseURL: srv.URL + "/", Timeout: time.Second})
	res, err := rec.Recognize(context.Background(), testImage())
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}

	if res.Text != "963373" {
		t.Errorf("Text = %q, want 963373", res.Text)
	}
	if res.Confidence < 86.99 || res.Confidence > 87.01 {
		t.Errorf("Confidence = %v, want 87", res.Confidence)
	}
	if got.Format != "base64" || got.Metadata["characterWhitelist"] != DigitWhitelist {
		t.Errorf("unexpected request %+v", got)
	}

	raw, err := base64.StdEncoding.DecodeString(got.Image)
	if err != nil {
		t.Fatalf("image not base64: %v", err)
	}
	if _, err := png.Decode(bytes.NewReader(raw)); err != nil {
		t.Fatalf("image not png: %v", err)
	}
}

func TestRemoteConfidenceScale(t *testing.T) {
	tests := []struct {
		name       string
		configured float64
		declared   float64
		reported   float64
		want       float64
	}{
		{"unit scale", ScaleUnit, 0, 0.5, 50},
		{"default is unit", 0, 0, 0.25, 25},
		{"percent scale keeps low values", ScalePercent, 0, 1, 1},
		{"percent scale fraction", ScalePercent, 0, 0.5, 0.5},
		{"response declares percent", ScaleUnit, ScalePercent, 87, 87},
		{"response declares unit", ScalePercent, ScaleUnit, 0.9, 90},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(VisionOCRResponse{
					Success: true,
					Data:    VisionOCRData{Text: "42", Confidence: tc.reported, ConfidenceScale: tc.declared},
				})
			}))
			defer srv.Close()

			rec := NewRemoteRecognizer(&RemoteConfig{BaseURL: srv.URL, Timeout: time.Second, ConfidenceScale: tc.configured})
			res, err := rec.Recognize(context.Background(), testImage())
			if err != nil {
				t.Fatalf("Recognize: %v", err)
			}
			if math.Abs(res.Confidence-tc.want) > 1e-9 {
				t.Fatalf("Confidence = %v, want %v", res.Confidence, tc.want)
			}
		})
	}
}

func TestRemoteRecognizeErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"status", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusBadGateway)
		}},
		{"not success", func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(VisionOCRResponse{Success: false, Message: "no model"})
		}},
		{"garbage", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("{"))
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()

			if _, err := NewRemoteRecognizer(&RemoteConfig{BaseURL: srv.URL, Timeout: time.Second}).Recognize(context.Background(), testImage()); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestRemoteReady(t *testing.T) {
	healthy := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/health" {
			http.NotFound(w, r)
			return
		}
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	rec := NewRemoteRecognizer(&RemoteConfig{BaseURL: srv.URL, Timeout: time.Second})
	if err := rec.Ready(context.Background()); err != nil {
		t.Fatalf("Ready: %v", err)
	}

	healthy = false
	if err := rec.Ready(context.Background()); err == nil {
		t.Fatalf("expected unhealthy error")
	}
}

type stubRecognizer struct {
	name     string
	readyErr error
	result   *Result
	err      error
	calls    int
	opts     Options
}

func (s *stubRecognizer) Name() string                    { return s.name }
func (s *stubRecognizer) Configure(opts Options) error    { s.opts = opts; return nil }
func (s *stubRecognizer) Ready(ctx context.Context) error { return s.readyErr }
func (s *stubRecognizer) Recognize(ctx context.Context, img image.Image) (*Result, error) {
	s.calls++
	return s.result, s.err
}

func TestFallback(t *testing.T) {
	primary := &stubRecognizer{name: "remote", err: errors.New("timeout")}
	secondary := &stubRecognizer{name: "tesseract", result: &Result{Text: "42", Confidence: 70}}
	f := NewFallback(primary, secondary)

	if f.Name() != "remote+tesseract" {
		t.Errorf("Name() = %q", f.Name())
	}

	res, err := f.Recognize(context.Background(), testImage())
	if err != nil || res.Text != "42" {
		t.Fatalf("Recognize() = %+v, %v", res, err)
	}
	if primary.calls != 1 || secondary.calls != 1 {
		t.Fatalf("calls = %d/%d, want 1/1", primary.calls, secondary.calls)
	}

	primary.err = nil
	primary.result = &Result{Text: "7"}
	if res, _ := f.Recognize(context.Background(), testImage()); res.Text != "7" {
		t.Fatalf("expected primary result, got %+v", res)
	}
	if secondary.calls != 1 {
		t.Fatalf("secondary called although primary succeeded")
	}

	if err := f.Configure(Options{CharacterWhitelist: "01"}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if secondary.opts.CharacterWhitelist != "01" {
		t.Fatalf("options not propagated")
	}
}

func TestFallbackReady(t *testing.T) {
	primary := &stubRecognizer{name: "remote", readyErr: errors.New("down")}
	secondary := &stubRecognizer{name: "tesseract"}
	if err := NewFallback(primary, secondary).Ready(context.Background()); err != nil {
		t.Fatalf("Ready with healthy secondary: %v", err)
	}

	secondary.readyErr = errors.New("no traineddata")
	if err := NewFallback(primary, secondary).Ready(context.Background()); err == nil {
		t.Fatalf("expected error when both backends are down")
	}
}
