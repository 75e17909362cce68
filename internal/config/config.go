/**
 * Configuration for the Counter Scan Worker
 *
 * Loads configuration from environment variables (optionally seeded from .env)
 */

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds worker configuration
type Config struct {
	// HTTP / websocket listener
	HTTPAddr string

	// Redis configuration (events, stats, batch queue). QueueDriver is
	// "asynq" or "list" (the plain LIST protocol of the TypeScript producers).
	RedisURL    string
	QueueName   string
	QueueDriver string

	// PostgreSQL configuration, empty disables result persistence
	DatabaseURL string

	// Worker configuration
	WorkerConcurrency int
	JobTimeout        time.Duration

	// Recognition backend: "tesseract", "remote", or "fallback" (remote first,
	// local tesseract when the vision service fails)
	RecognizerBackend string
	TesseractLanguage string
	OCRServiceURL     string

	// Scale the vision service reports confidence on: 1 (0..1) or 100 (0..100)
	OCRConfidenceScale float64

	// Scan defaults
	RegionPreset     string
	MaxFrameBuffer   int
	MinOccurrences   int
	TickInterval     time.Duration
	ErrorBackoff     time.Duration
	RecognizeTimeout time.Duration
	SessionTimeout   time.Duration
	ValueMin         int64
	ValueMax         int64
	EnhanceRegions   bool

	// Frames per second accepted per session from network sources
	FrameRateLimit float64

	// Logging
	LogLevel string
	LogFile  string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		HTTPAddr:           getEnvOrDefault("HTTP_ADDR", ":8097"),
		RedisURL:           getEnvOrDefault("REDIS_URL", "redis://nexus-redis:6379"),
		QueueName:          getEnvOrDefault("QUEUE_NAME", "counterscan"),
		QueueDriver:        strings.ToLower(getEnvOrDefault("QUEUE_DRIVER", "asynq")),
		DatabaseURL:        getEnvOrDefault("DATABASE_URL", ""),
		WorkerConcurrency:  getEnvAsIntOrDefault("WORKER_CONCURRENCY", 4),
		JobTimeout:         getEnvAsMillisOrDefault("JOB_TIMEOUT_MS", 60000),
		RecognizerBackend:  strings.ToLower(getEnvOrDefault("RECOGNIZER_BACKEND", "tesseract")),
		TesseractLanguage:  getEnvOrDefault("TESSERACT_LANGUAGE", "eng"),
		OCRServiceURL:      getEnvOrDefault("OCR_SERVICE_URL", ""),
		OCRConfidenceScale: getEnvAsFloatOrDefault("OCR_CONFIDENCE_SCALE", 1),
		RegionPreset:       getEnvOrDefault("REGION_PRESET", "default"),
		MaxFrameBuffer:     getEnvAsIntOrDefault("MAX_FRAME_BUFFER", 4),
		MinOccurrences:     getEnvAsIntOrDefault("MIN_OCCURRENCES", 2),
		TickInterval:       getEnvAsMillisOrDefault("TICK_INTERVAL_MS", 100),
		ErrorBackoff:       getEnvAsMillisOrDefault("ERROR_BACKOFF_MS", 500),
		RecognizeTimeout:   getEnvAsMillisOrDefault("RECOGNIZE_TIMEOUT_MS", 5000),
		SessionTimeout:     getEnvAsMillisOrDefault("SESSION_TIMEOUT_MS", 0),
		ValueMin:           getEnvAsInt64OrDefault("VALUE_MIN", 0),
		ValueMax:           getEnvAsInt64OrDefault("VALUE_MAX", 9999999),
		EnhanceRegions:     getEnvAsBoolOrDefault("ENHANCE_REGIONS", false),
		FrameRateLimit:     getEnvAsFloatOrDefault("FRAME_RATE_LIMIT", 15),
		LogLevel:           getEnvOrDefault("LOG_LEVEL", "info"),
		LogFile:            getEnvOrDefault("LOG_FILE", ""),
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.HTTPAddr == "" {
		return fmt.Errorf("HTTP_ADDR is required")
	}

	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.QueueDriver != "asynq" && c.QueueDriver != "list" {
		return fmt.Errorf("QUEUE_DRIVER must be asynq or list, got %q", c.QueueDriver)
	}

	switch c.RecognizerBackend {
	case "tesseract":
	case "remote", "fallback":
		if c.OCRServiceURL == "" {
			return fmt.Errorf("OCR_SERVICE_URL is required when RECOGNIZER_BACKEND=%s", c.RecognizerBackend)
		}
	default:
		return fmt.Errorf("RECOGNIZER_BACKEND must be tesseract, remote or fallback, got %q", c.RecognizerBackend)
	}

	if c.OCRConfidenceScale != 1 && c.OCRConfidenceScale != 100 {
		return fmt.Errorf("OCR_CONFIDENCE_SCALE must be 1 or 100, got %v", c.OCRConfidenceScale)
	}

	if c.WorkerConcurrency < 1 || c.WorkerConcurrency > 100 {
		return fmt.Errorf("WORKER_CONCURRENCY must be between 1 and 100, got %d", c.WorkerConcurrency)
	}

	if c.MaxFrameBuffer < 1 || c.MaxFrameBuffer > 32 {
		return fmt.Errorf("MAX_FRAME_BUFFER must be between 1 and 32, got %d", c.MaxFrameBuffer)
	}

	if c.MinOccurrences < 1 {
		return fmt.Errorf("MIN_OCCURRENCES must be at least 1, got %d", c.MinOccurrences)
	}

	if c.TickInterval <= 0 || c.ErrorBackoff <= 0 || c.RecognizeTimeout <= 0 {
		return fmt.Errorf("TICK_INTERVAL_MS, ERROR_BACKOFF_MS and RECOGNIZE_TIMEOUT_MS must be positive")
	}

	if c.SessionTimeout < 0 {
		return fmt.Errorf("SESSION_TIMEOUT_MS must not be negative")
	}

	if c.ValueMin < 0 || c.ValueMax < c.ValueMin {
		return fmt.Errorf("VALUE_MIN/VALUE_MAX must satisfy 0 <= min <= max, got [%d, %d]", c.ValueMin, c.ValueMax)
	}

	if c.FrameRateLimit <= 0 {
		return fmt.Errorf("FRAME_RATE_LIMIT must be positive, got %v", c.FrameRateLimit)
	}

	return nil
}

// getEnvOrDefault gets environment variable or returns default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault gets environment variable as int or returns default
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsInt64OrDefault gets environment variable as int64 or returns default
func getEnvAsInt64OrDefault(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsFloatOrDefault(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsBoolOrDefault(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsMillisOrDefault reads a millisecond count as a duration
func getEnvAsMillisOrDefault(key string, defaultMs int64) time.Duration {
	return time.Duration(getEnvAsInt64OrDefault(key, defaultMs)) * time.Millisecond
}
