/**
 * Remote recognizer - vision OCR service over HTTP
 *
 * Delegates recognition to the platform vision service, which picks the model.
 * Crops are sent synchronously as base64 PNG. Confidences are normalized to
 * 0..100 from the scale the service declares in its response, or from the
 * configured scale when it declares none.
 */

package recognizer

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/adverant/nexus/counterscan-worker/internal/logging"
)

// RemoteRecognizer handles communication with the vision OCR service
type RemoteRecognizer struct {
	baseURL         string
	confidenceScale float64
	httpClient      *http.Client
	logger          *logging.Logger

	mu   sync.RWMutex
	opts Options
}

// VisionOCRRequest represents a request to extract text from an image
type VisionOCRRequest struct {
	Image          string                 `json:"image"`          // Base64 encoded image
	Format         string                 `json:"format"`         // always "base64" here
	PreferAccuracy bool                   `json:"preferAccuracy"` // false: counters favour latency
	Language       string                 `json:"language,omitempty"`
	Metadata       map[string]interface{} `json:"metadata"`
}

// VisionOCRResponse represents a synchronous response from the vision endpoint
type VisionOCRResponse struct {
	Success bool          `json:"success"`
	Data    VisionOCRData `json:"data"`
	Message string        `json:"message"`
}

// VisionOCRData contains the extracted text and metadata
type VisionOCRData struct {
	Text            string  `json:"text"`
	Confidence      float64 `json:"confidence"`
	ConfidenceScale float64 `json:"confidenceScale,omitempty"` // 1 or 100; absent means the configured scale
	ModelUsed       string  `json:"modelUsed"`
	ProcessingTime  int64   `json:"processingTime"` // milliseconds
}

// Confidence scales a vision service may report on
const (
	ScaleUnit    = 1.0   // 0..1
	ScalePercent = 100.0 // 0..100
)

// RemoteConfig holds remote recognizer configuration
type RemoteConfig struct {
	BaseURL         string
	Timeout         time.Duration // default 30s
	ConfidenceScale float64       // ScaleUnit (default) or ScalePercent
}

// NewRemoteRecognizer creates a new remote recognizer
func NewRemoteRecognizer(cfg *RemoteConfig) *RemoteRecognizer {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	scale := cfg.ConfidenceScale
	if scale <= 0 {
		scale = ScaleUnit
	}
	return &RemoteRecognizer{
		baseURL:         strings.TrimRight(cfg.BaseURL, "/"),
		confidenceScale: scale,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		opts:   DefaultOptions(),
		logger: logging.NewLogger("RemoteRecognizer"),
	}
}

// Name returns the backend name
func (c *RemoteRecognizer) Name() string { return "remote" }

// Configure stores options sent along with each request
func (c *RemoteRecognizer) Configure(opts Options) error {
	c.mu.Lock()
	c.opts = opts
	c.mu.Unlock()
	return nil
}

// Ready checks the service health endpoint
func (c *RemoteRecognizer) Ready(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("vision service unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// Recognize extracts text from img using the vision service
func (c *RemoteRecognizer) Recognize(ctx context.Context, img image.Image) (*Result, error) {
	data, err := encodePNG(img)
	if err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}

	c.mu.RLock()
	opts := c.opts
	c.mu.RUnlock()

	req := &VisionOCRRequest{
		Image:  base64.StdEncoding.EncodeToString(data),
		Format: "base64",
		Metadata: map[string]interface{}{
			"source":             "counterscan-worker",
			"characterWhitelist": opts.CharacterWhitelist,
			"segmentationMode":   opts.SegmentationMode,
			"engineMode":         opts.EngineMode,
		},
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/api/internal/vision/extract-text", c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Source", "counterscan-worker")
	httpReq.Header.Set("X-Request-ID", fmt.Sprintf("ocr-%d", time.Now().UnixNano()))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request to vision service failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("vision service returned error status %d: %s", resp.StatusCode, string(respBody))
	}

	var ocrResp VisionOCRResponse
	if err := json.Unmarshal(respBody, &ocrResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if !ocrResp.Success {
		return nil, fmt.Errorf("vision operation failed: %s", ocrResp.Message)
	}

	scale := ocrResp.Data.ConfidenceScale
	if scale <= 0 {
		scale = c.confidenceScale
	}
	confidence := ocrResp.Data.Confidence * ScalePercent / scale

	c.logger.Debug("Text extraction complete",
		"modelUsed", ocrResp.Data.ModelUsed,
		"confidence", confidence,
		"processingTime", ocrResp.Data.ProcessingTime)

	return &Result{
		Text:       strings.TrimSpace(applyWhitelist(ocrResp.Data.Text, opts.CharacterWhitelist)),
		Confidence: clampConfidence(confidence),
		Backend:    c.Name(),
	}, nil
}
