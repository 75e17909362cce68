package queue

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"testing"
	"time"

	"github.com/hibiken/asynq"

	"github.com/adverant/nexus/counterscan-worker/internal/errors"
	"github.com/adverant/nexus/counterscan-worker/internal/recognizer"
	"github.com/adverant/nexus/counterscan-worker/internal/scanner"
)

type stubRecognizer struct {
	text     string
	readyErr error
}

func (s *stubRecognizer) Name() string                      { return "stub" }
func (s *stubRecognizer) Configure(recognizer.Options) error { return nil }
func (s *stubRecognizer) Ready(ctx context.Context) error    { return s.readyErr }
func (s *stubRecognizer) Recognize(ctx context.Context, img image.Image) (*recognizer.Result, error) {
	return &recognizer.Result{Text: s.text, Confidence: 90, Backend: "stub"}, nil
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 40, 30))
	for y := 0; y < 30; y++ {
		for x := 0; x < 40; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 6), G: uint8(y * 8), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func newTestRunner(t *testing.T, rec *stubRecognizer) *Runner {
	t.Helper()
	engine, err := scanner.NewEngine(scanner.EngineConfig{
		Recognizer: rec,
		Defaults: scanner.Options{
			TickInterval:   5 * time.Millisecond,
			ErrorBackoff:   5 * time.Millisecond,
			MinOccurrences: 2,
		},
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(func() { engine.Shutdown(context.Background()) })
	return NewRunner(engine, "default")
}

func TestScanJobUnmarshalFrameFormats(t *testing.T) {
	payload := fmt.Sprintf(`{
		"jobId": "job-1",
		"preset": "wide",
		"frames": [%q, {"type": "Buffer", "data": [1, 2, 255]}],
		"options": {"minOccurrences": 3, "tickIntervalMs": 50}
	}`, base64.StdEncoding.EncodeToString([]byte("abc")))

	var job ScanJob
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if job.JobID != "job-1" || job.Preset != "wide" {
		t.Errorf("job = %+v", job)
	}
	if len(job.Frames) != 2 {
		t.Fatalf("frames = %d, want 2", len(job.Frames))
	}
	if string(job.Frames[0]) != "abc" {
		t.Errorf("frame 0 = %q", job.Frames[0])
	}
	if !bytes.Equal(job.Frames[1], []byte{1, 2, 255}) {
		t.Errorf("frame 1 = %v", job.Frames[1])
	}
	if job.Options.MinOccurrences != 3 || job.Options.TickIntervalMs != 50 {
		t.Errorf("options = %+v", job.Options)
	}
}

func TestScanJobUnmarshalRejectsBadFrames(t *testing.T) {
	cases := map[string]string{
		"bad base64":        `{"jobId":"j","frames":["%%%"]}`,
		"wrong type":        `{"jobId":"j","frames":[{"type":"Blob","data":[1]}]}`,
		"missing data":      `{"jobId":"j","frames":[{"type":"Buffer"}]}`,
		"byte out of range": `{"jobId":"j","frames":[{"type":"Buffer","data":[300]}]}`,
		"number frame":      `{"jobId":"j","frames":[42]}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			var job ScanJob
			if err := json.Unmarshal([]byte(payload), &job); err == nil {
				t.Fatalf("expected error for %s", payload)
			}
		})
	}
}

func TestScanJobMarshalRoundTripsFrames(t *testing.T) {
	job := ScanJob{JobID: "j", Frames: [][]byte{{9, 8, 7}}}
	data, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back ScanJob
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(back.Frames) != 1 || !bytes.Equal(back.Frames[0], []byte{9, 8, 7}) {
		t.Errorf("frames = %v", back.Frames)
	}
}

func TestScanJobValidate(t *testing.T) {
	if err := (&ScanJob{Frames: [][]byte{{1}}}).Validate(); errors.CodeOf(err) != errors.ErrorInvalidOptions {
		t.Errorf("missing jobId: got %v, want INVALID_OPTIONS", err)
	}
	if err := (&ScanJob{JobID: "j"}).Validate(); errors.CodeOf(err) != errors.ErrorInvalidOptions {
		t.Errorf("missing frames: got %v, want INVALID_OPTIONS", err)
	}
	if err := (&ScanJob{JobID: "j", Frames: [][]byte{{1}}}).Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		n    int
		want time.Duration
	}{
		{0, 5 * time.Second},
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{4, 60 * time.Second},
		{40, 60 * time.Second},
	}
	for _, tt := range tests {
		if got := retryDelay(tt.n, nil, nil); got != tt.want {
			t.Errorf("retryDelay(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
}

func TestRetryable(t *testing.T) {
	if !retryable(errors.NewRecognitionUnavailableError("s", "stub", stderrors.New("down"))) {
		t.Error("unavailable recognizer should be retryable")
	}
	if !retryable(fmt.Errorf("job: %w", context.DeadlineExceeded)) {
		t.Error("timeout should be retryable")
	}
	if retryable(errors.NewInvalidRegionError("x", "unknown region preset")) {
		t.Error("contract violation should not be retryable")
	}
}

func TestNewScanTask(t *testing.T) {
	task, err := NewScanTask(&ScanJob{JobID: "j", Frames: [][]byte{{1}}}, "counterscan", time.Minute, 3)
	if err != nil {
		t.Fatalf("NewScanTask: %v", err)
	}
	if task.Type() != TypeScanFrames {
		t.Errorf("type = %q", task.Type())
	}
	var back ScanJob
	if err := json.Unmarshal(task.Payload(), &back); err != nil || back.JobID != "j" {
		t.Errorf("payload = %s, %v", task.Payload(), err)
	}
}

func TestNewConsumerRequiresFields(t *testing.T) {
	if _, err := NewConsumer(&ConsumerConfig{QueueName: "q", Runner: &Runner{}}); err == nil {
		t.Error("expected error without RedisURL")
	}
	if _, err := NewConsumer(&ConsumerConfig{RedisURL: "redis://localhost:6379", Runner: &Runner{}}); err == nil {
		t.Error("expected error without QueueName")
	}
	if _, err := NewConsumer(&ConsumerConfig{RedisURL: "redis://localhost:6379", QueueName: "q"}); err == nil {
		t.Error("expected error without Runner")
	}
}

func TestHandleScanFramesSkipsRetryOnBadPayload(t *testing.T) {
	c := &Consumer{runner: newTestRunner(t, &stubRecognizer{}), config: &ConsumerConfig{JobTimeout: time.Second}}
	err := c.handleScanFrames(context.Background(), asynq.NewTask(TypeScanFrames, []byte("not json")))
	if !stderrors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}
}

func TestRunnerFindsStableReading(t *testing.T) {
	r := newTestRunner(t, &stubRecognizer{text: "963373"})
	frame := pngBytes(t)

	result, err := r.Run(context.Background(), &ScanJob{
		JobID:  "job-reading",
		Frames: [][]byte{frame, frame, frame},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Kind != scanner.KindReading {
		t.Fatalf("kind = %s, want reading", result.Kind)
	}
	if result.Reading.Value != 963373 {
		t.Errorf("value = %d, want 963373", result.Reading.Value)
	}
}

func TestRunnerStopsWhenFramesExhausted(t *testing.T) {
	r := newTestRunner(t, &stubRecognizer{text: "no digits here"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := r.Run(ctx, &ScanJob{JobID: "job-empty", Frames: [][]byte{pngBytes(t)}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Kind != scanner.KindCancelled {
		t.Fatalf("kind = %s, want cancelled", result.Kind)
	}
}

func TestRunnerReportsUnavailableRecognizer(t *testing.T) {
	r := newTestRunner(t, &stubRecognizer{readyErr: stderrors.New("tessdata missing")})

	result, err := r.Run(context.Background(), &ScanJob{JobID: "job-down", Frames: [][]byte{pngBytes(t)}})
	if err == nil {
		t.Fatal("expected error")
	}
	if result.Kind != scanner.KindError {
		t.Errorf("kind = %s, want error", result.Kind)
	}
	if !retryable(err) {
		t.Errorf("expected retryable error, got %v", err)
	}
}

func TestRunnerRejectsBadRequests(t *testing.T) {
	r := newTestRunner(t, &stubRecognizer{text: "1"})
	frame := pngBytes(t)
	lo, hi := int64(9), int64(5)

	tests := []struct {
		name string
		job  *ScanJob
		code errors.ErrorCode
	}{
		{"no frames", &ScanJob{JobID: "j"}, errors.ErrorInvalidOptions},
		{"unknown preset", &ScanJob{JobID: "j", Preset: "nope", Frames: [][]byte{frame}}, errors.ErrorInvalidRegion},
		{"undecodable frame", &ScanJob{JobID: "j", Frames: [][]byte{[]byte("jpeg?")}}, errors.ErrorInvalidFrame},
		{"inverted range", &ScanJob{JobID: "j", Frames: [][]byte{frame}, Options: scanner.Overrides{MinValue: &lo, MaxValue: &hi}}, errors.ErrorInvalidOptions},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Run(context.Background(), tt.job)
			if got := errors.CodeOf(err); got != tt.code {
				t.Fatalf("code = %s, want %s (err=%v)", got, tt.code, err)
			}
		})
	}
}
