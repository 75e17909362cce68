/**
 * Queue Consumer for the Counter Scan Worker
 *
 * Consumes batch scan jobs (a set of stills of one meter) from Redis and runs
 * each through a scan session. Uses Asynq for queue management.
 */

package queue

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"slices"
	"time"

	"github.com/hibiken/asynq"

	"github.com/adverant/nexus/counterscan-worker/internal/errors"
	"github.com/adverant/nexus/counterscan-worker/internal/logging"
	"github.com/adverant/nexus/counterscan-worker/internal/scanner"
)

// TypeScanFrames is the asynq task type for batch scan jobs
const TypeScanFrames = "scan:frames"

// JobResult is written back to the task once a job finishes
type JobResult struct {
	JobID          string                 `json:"jobId"`
	Result         scanner.Result         `json:"result"`
	Error          map[string]interface{} `json:"error,omitempty"`
	ProcessingTime int64                  `json:"processingTime"`
}

// Consumer handles job consumption from the Redis queue
type Consumer struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	server    *asynq.Server
	mux       *asynq.ServeMux
	runner    *Runner
	config    *ConsumerConfig
	logger    *logging.Logger
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	RedisURL    string
	QueueName   string
	Concurrency int
	Runner      *Runner
	JobTimeout  time.Duration // default 60s
	MaxRetry    int           // default 3
}

// retryDelay backs off exponentially: 5s, 10s, 20s, capped at 60s
func retryDelay(n int, _ error, _ *asynq.Task) time.Duration {
	if n > 3 {
		return 60 * time.Second
	}
	delay := time.Duration(5*(1<<uint(n))) * time.Second
	if delay > 60*time.Second {
		delay = 60 * time.Second
	}
	return delay
}

// NewConsumer creates a new queue consumer
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}

	if cfg.QueueName == "" {
		return nil, fmt.Errorf("QueueName is required")
	}

	if cfg.Runner == nil {
		return nil, fmt.Errorf("Runner is required")
	}

	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 60 * time.Second
	}
	if cfg.MaxRetry <= 0 {
		cfg.MaxRetry = 3
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	logger := logging.NewLogger("QueueConsumer")

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				cfg.QueueName: 10,
				"default":     1,
			},
			RetryDelayFunc: retryDelay,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				logger.Error("Task processing error",
					"type", task.Type(),
					"retry", retried,
					"error", err)
			}),
			Logger:   logging.NewLogger("Asynq").Entry(),
			LogLevel: asynq.WarnLevel,
		},
	)

	consumer := &Consumer{
		client:    asynq.NewClient(redisOpt),
		inspector: asynq.NewInspector(redisOpt),
		server:    server,
		mux:       asynq.NewServeMux(),
		runner:    cfg.Runner,
		config:    cfg,
		logger:    logger,
	}

	consumer.mux.HandleFunc(TypeScanFrames, consumer.handleScanFrames)

	return consumer, nil
}

// Start starts the queue consumer
func (c *Consumer) Start() error {
	c.logger.Info("Starting queue consumer",
		"concurrency", c.config.Concurrency,
		"queue", c.config.QueueName)

	if err := c.server.Start(c.mux); err != nil {
		return fmt.Errorf("failed to start queue consumer: %w", err)
	}
	return nil
}

// Stop stops the queue consumer gracefully
func (c *Consumer) Stop() error {
	c.logger.Info("Stopping queue consumer...")

	c.server.Shutdown()

	if err := c.client.Close(); err != nil {
		return fmt.Errorf("failed to close client: %w", err)
	}
	if err := c.inspector.Close(); err != nil {
		return fmt.Errorf("failed to close inspector: %w", err)
	}

	c.logger.Info("Queue consumer stopped")
	return nil
}

// NewScanTask builds a scan:frames task for job
func NewScanTask(job *ScanJob, queue string, timeout time.Duration, maxRetry int) (*asynq.Task, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}
	return asynq.NewTask(TypeScanFrames, payload,
		asynq.TaskID(job.JobID),
		asynq.Queue(queue),
		asynq.Timeout(timeout),
		asynq.MaxRetry(maxRetry),
		asynq.Retention(24*time.Hour),
	), nil
}

// Submit enqueues a batch scan job and returns its task id
func (c *Consumer) Submit(ctx context.Context, job *ScanJob) (string, error) {
	if err := job.Validate(); err != nil {
		return "", err
	}
	task, err := NewScanTask(job, c.config.QueueName, c.config.JobTimeout, c.config.MaxRetry)
	if err != nil {
		return "", err
	}
	info, err := c.client.EnqueueContext(ctx, task)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue job %s: %w", job.JobID, err)
	}
	return info.ID, nil
}

// handleScanFrames processes a scan:frames task
func (c *Consumer) handleScanFrames(ctx context.Context, task *asynq.Task) error {
	startTime := time.Now()

	var job ScanJob
	if err := json.Unmarshal(task.Payload(), &job); err != nil {
		return fmt.Errorf("failed to unmarshal job data: %v: %w", err, asynq.SkipRetry)
	}

	jobCtx, cancel := context.WithTimeout(ctx, c.config.JobTimeout)
	defer cancel()

	result, err := c.runner.Run(jobCtx, &job)
	duration := time.Since(startTime)

	if err != nil {
		c.logger.Error("Scan job failed",
			"jobId", job.JobID,
			"duration", duration,
			"error", err)
		if !retryable(err) {
			return fmt.Errorf("scan job %s: %v: %w", job.JobID, err, asynq.SkipRetry)
		}
		return fmt.Errorf("scan job %s: %w", job.JobID, err)
	}

	c.logger.Info("Scan job completed",
		"jobId", job.JobID,
		"kind", result.Kind,
		"duration", duration)

	out, err := json.Marshal(JobResult{
		JobID:          job.JobID,
		Result:         result,
		Error:          result.ErrorDetail(),
		ProcessingTime: duration.Milliseconds(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal job result: %w", err)
	}
	if w := task.ResultWriter(); w != nil {
		if _, err := w.Write(out); err != nil {
			c.logger.Warn("Failed to write task result", "jobId", job.JobID, "error", err)
		}
	}
	return nil
}

// retryable reports whether a failed job may succeed on a later attempt.
// Only an unavailable recognizer or a timeout qualifies; malformed jobs never do.
func retryable(err error) bool {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return errors.CodeOf(err) == errors.ErrorRecognitionUnavailable
}

// GetStats returns consumer settings and the live queue counters
func (c *Consumer) GetStats(ctx context.Context) (map[string]interface{}, error) {
	stats := map[string]interface{}{
		"driver":      "asynq",
		"concurrency": c.config.Concurrency,
		"queue":       c.config.QueueName,
		"jobTimeout":  c.config.JobTimeout.String(),
	}

	queues, err := c.inspector.Queues()
	if err != nil {
		return stats, fmt.Errorf("failed to list queues: %w", err)
	}
	if !slices.Contains(queues, c.config.QueueName) {
		// Nothing has been enqueued yet.
		return stats, nil
	}

	info, err := c.inspector.GetQueueInfo(c.config.QueueName)
	if err != nil {
		return stats, fmt.Errorf("failed to read queue info: %w", err)
	}

	stats["pending"] = info.Pending
	stats["active"] = info.Active
	stats["scheduled"] = info.Scheduled
	stats["retry"] = info.Retry
	stats["archived"] = info.Archived
	stats["completed"] = info.Completed
	stats["processedToday"] = info.Processed
	stats["failedToday"] = info.Failed
	return stats, nil
}

