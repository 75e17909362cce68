/**
 * Direct Redis Queue Consumer for the Counter Scan Worker
 *
 * Compatible with the TypeScript RedisQueue implementation: job ids are pushed
 * onto a LIST, job bodies live in a <queue>:data HASH, and status changes are
 * tracked in <queue>:processing/completed/failed SETs plus a pub/sub channel.
 */

package queue

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adverant/nexus/counterscan-worker/internal/logging"
)

var errNoJobs = stderrors.New("no jobs available")

// RedisJobData represents a job from the Redis queue
type RedisJobData struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Payload    ScanJob   `json:"payload"`
	CreatedAt  time.Time `json:"createdAt"`
	Attempts   int       `json:"attempts"`
	MaxRetries int       `json:"maxRetries"`
}

// RedisConsumer handles job consumption from a plain Redis list
type RedisConsumer struct {
	client *redis.Client
	runner *Runner
	config *RedisConsumerConfig
	logger *logging.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// RedisConsumerConfig holds consumer configuration
type RedisConsumerConfig struct {
	RedisURL    string
	QueueName   string
	Concurrency int
	Runner      *Runner
	JobTimeout  time.Duration // default 60s
	MaxRetries  int           // attempts per submitted job, default 3
}

// NewRedisConsumer creates a new Redis-based queue consumer
func NewRedisConsumer(cfg *RedisConsumerConfig) (*RedisConsumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return newRedisConsumer(client, cfg)
}

func newRedisConsumer(client *redis.Client, cfg *RedisConsumerConfig) (*RedisConsumer, error) {
	if cfg.QueueName == "" {
		cfg.QueueName = "counterscan:jobs"
	}

	if cfg.Runner == nil {
		return nil, fmt.Errorf("Runner is required")
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}

	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 60 * time.Second
	}

	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	consumerCtx, cancel := context.WithCancel(context.Background())

	return &RedisConsumer{
		client: client,
		runner: cfg.Runner,
		config: cfg,
		logger: logging.NewLogger("RedisConsumer"),
		ctx:    consumerCtx,
		cancel: cancel,
	}, nil
}

// Start begins processing jobs from the queue
func (c *RedisConsumer) Start() error {
	c.logger.Info("Starting Redis queue consumer",
		"concurrency", c.config.Concurrency,
		"queue", c.config.QueueName)

	for i := 0; i < c.config.Concurrency; i++ {
		c.wg.Add(1)
		go c.worker(i)
	}

	return nil
}

// Stop gracefully stops the consumer
func (c *RedisConsumer) Stop() error {
	c.logger.Info("Stopping Redis queue consumer...")
	c.cancel()
	c.wg.Wait()
	return c.client.Close()
}

func (c *RedisConsumer) key(suffix string) string {
	return fmt.Sprintf("%s:%s", c.config.QueueName, suffix)
}

// worker is a goroutine that processes jobs
func (c *RedisConsumer) worker(id int) {
	defer c.wg.Done()
	c.logger.Debug("Worker started", "worker", id)

	for {
		select {
		case <-c.ctx.Done():
			c.logger.Debug("Worker stopping", "worker", id)
			return
		default:
		}

		if err := c.processNextJob(); err != nil {
			if err == errNoJobs || c.ctx.Err() != nil {
				continue
			}
			c.logger.Warn("Worker error", "worker", id, "error", err)
			select {
			case <-c.ctx.Done():
			case <-time.After(time.Second):
			}
		}
	}
}

// processNextJob fetches and processes the next job from the queue
func (c *RedisConsumer) processNextJob() error {
	// Block for up to 5 seconds waiting for a job
	result, err := c.client.BRPop(c.ctx, 5*time.Second, c.config.QueueName).Result()
	if err != nil {
		if err == redis.Nil {
			return errNoJobs
		}
		return fmt.Errorf("failed to fetch job: %w", err)
	}

	if len(result) < 2 {
		return fmt.Errorf("invalid job result")
	}

	id := result[1]

	jobData, err := c.client.HGet(c.ctx, c.key("data"), id).Result()
	if err != nil {
		return fmt.Errorf("failed to get job data: %w", err)
	}

	var job RedisJobData
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		c.updateJobStatus(id, "failed", map[string]interface{}{"error": err.Error()})
		return fmt.Errorf("failed to unmarshal job: %w", err)
	}
	if job.Payload.JobID == "" {
		job.Payload.JobID = job.ID
	}

	c.updateJobStatus(job.ID, "processing", nil)

	ctx, cancel := context.WithTimeout(c.ctx, c.config.JobTimeout)
	defer cancel()

	startTime := time.Now()
	scanResult, err := c.runner.Run(ctx, &job.Payload)
	if err != nil {
		c.logger.Warn("Job failed", "jobId", job.Payload.JobID, "error", err)

		job.Attempts++
		if retryable(err) && job.Attempts < job.MaxRetries {
			updatedData, _ := json.Marshal(job)
			c.client.HSet(c.ctx, c.key("data"), job.ID, updatedData)
			c.client.LPush(c.ctx, c.config.QueueName, job.ID)
			c.logger.Info("Job re-queued for retry",
				"jobId", job.Payload.JobID,
				"attempt", job.Attempts,
				"maxRetries", job.MaxRetries)
		} else {
			c.updateJobStatus(job.ID, "failed", map[string]interface{}{
				"error":    err.Error(),
				"attempts": job.Attempts,
			})
		}
		return nil
	}

	c.updateJobStatus(job.ID, "completed", JobResult{
		JobID:          job.Payload.JobID,
		Result:         scanResult,
		Error:          scanResult.ErrorDetail(),
		ProcessingTime: time.Since(startTime).Milliseconds(),
	})
	c.logger.Info("Job completed", "jobId", job.Payload.JobID, "kind", scanResult.Kind)
	return nil
}

// updateJobStatus moves a job between status sets, records its result or
// error, and publishes a job:<status> event
func (c *RedisConsumer) updateJobStatus(jobID string, status string, result interface{}) {
	pipe := c.client.Pipeline()

	switch status {
	case "processing":
		pipe.SAdd(c.ctx, c.key("processing"), jobID)
	case "completed":
		pipe.SRem(c.ctx, c.key("processing"), jobID)
		pipe.SAdd(c.ctx, c.key("completed"), jobID)
		if result != nil {
			resultData, _ := json.Marshal(result)
			pipe.HSet(c.ctx, c.key("results"), jobID, resultData)
		}
	case "failed":
		pipe.SRem(c.ctx, c.key("processing"), jobID)
		pipe.SAdd(c.ctx, c.key("failed"), jobID)
		if result != nil {
			errorData, _ := json.Marshal(result)
			pipe.HSet(c.ctx, c.key("errors"), jobID, errorData)
		}
	}

	event := map[string]interface{}{
		"event":     fmt.Sprintf("job:%s", status),
		"jobId":     jobID,
		"timestamp": time.Now().Format(time.RFC3339),
	}
	eventData, _ := json.Marshal(event)
	pipe.Publish(c.ctx, c.key("events"), eventData)

	if _, err := pipe.Exec(c.ctx); err != nil {
		c.logger.Warn("Failed to update job status", "jobId", jobID, "status", status, "error", err)
	}
}

// Submit stores job and pushes it onto the list, the way the TypeScript
// producer does, and returns the job id
func (c *RedisConsumer) Submit(ctx context.Context, job *ScanJob) (string, error) {
	if err := job.Validate(); err != nil {
		return "", err
	}
	data, err := json.Marshal(RedisJobData{
		ID:         job.JobID,
		Type:       TypeScanFrames,
		Payload:    *job,
		CreatedAt:  time.Now(),
		MaxRetries: c.config.MaxRetries,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, c.key("data"), job.JobID, data)
	pipe.LPush(ctx, c.config.QueueName, job.JobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to submit job %s: %w", job.JobID, err)
	}
	return job.JobID, nil
}

// GetStats returns consumer settings and the list and status-set sizes
func (c *RedisConsumer) GetStats(ctx context.Context) (map[string]interface{}, error) {
	stats := map[string]interface{}{
		"driver":      "list",
		"concurrency": c.config.Concurrency,
		"queue":       c.config.QueueName,
		"jobTimeout":  c.config.JobTimeout.String(),
	}

	pipe := c.client.Pipeline()
	waiting := pipe.LLen(ctx, c.config.QueueName)
	processing := pipe.SCard(ctx, c.key("processing"))
	completed := pipe.SCard(ctx, c.key("completed"))
	failed := pipe.SCard(ctx, c.key("failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return stats, fmt.Errorf("failed to read queue stats: %w", err)
	}

	stats["pending"] = waiting.Val()
	stats["active"] = processing.Val()
	stats["completed"] = completed.Val()
	stats["failed"] = failed.Val()
	return stats, nil
}
