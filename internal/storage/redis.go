/**
 * Redis event publisher
 *
 * Mirrors scan results and live session stats into Redis hashes and publishes
 * a scan:<kind> event per finished session for dashboards and form consumers.
 */

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adverant/nexus/counterscan-worker/internal/scanner"
)

// DefaultKeyPrefix namespaces every key the publisher writes
const DefaultKeyPrefix = "counterscan"

// resultTTL bounds how long the results and stats hashes are kept after the
// last write
const resultTTL = 24 * time.Hour

// EventPublisher writes results, stats and events to Redis
type EventPublisher struct {
	client *redis.Client
	prefix string
}

// ScanEvent is the payload published on <prefix>:events
type ScanEvent struct {
	Event     string          `json:"event"`
	SessionID string          `json:"sessionId"`
	Timestamp string          `json:"timestamp"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// NewEventPublisher connects to redisURL
func NewEventPublisher(redisURL, prefix string) (*EventPublisher, error) {
	opt, err := redis.ParseURL(redisURL)
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

	return NewEventPublisherFromClient(client, prefix), nil
}

// NewEventPublisherFromClient wraps an existing client
func NewEventPublisherFromClient(client *redis.Client, prefix string) *EventPublisher {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &EventPublisher{client: client, prefix: prefix}
}

func (p *EventPublisher) key(suffix string) string {
	return fmt.Sprintf("%s:%s", p.prefix, suffix)
}

// encodeResult renders a result with its error detail inlined
func encodeResult(r scanner.Result) ([]byte, error) {
	type wire struct {
		scanner.Result
		Error map[string]interface{} `json:"error,omitempty"`
	}
	return json.Marshal(wire{Result: r, Error: r.ErrorDetail()})
}

// SaveResult stores the result and publishes a scan:<kind> event
func (p *EventPublisher) SaveResult(ctx context.Context, r scanner.Result) error {
	data, err := encodeResult(r)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	event, err := json.Marshal(ScanEvent{
		Event:     fmt.Sprintf("scan:%s", r.Kind),
		SessionID: r.SessionID,
		Timestamp: time.Now().Format(time.RFC3339),
		Result:    data,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	pipe := p.client.TxPipeline()
	pipe.HSet(ctx, p.key("results"), r.SessionID, data)
	pipe.Expire(ctx, p.key("results"), resultTTL)
	pipe.HDel(ctx, p.key("stats"), r.SessionID)
	pipe.Publish(ctx, p.key("events"), event)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish result: %w", err)
	}
	return nil
}

// PublishStats stores the latest stats snapshot of a running session
func (p *EventPublisher) PublishStats(ctx context.Context, st scanner.Stats) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal stats: %w", err)
	}

	pipe := p.client.Pipeline()
	if st.State.Terminal() {
		pipe.HDel(ctx, p.key("stats"), st.SessionID)
	} else {
		pipe.HSet(ctx, p.key("stats"), st.SessionID, data)
		pipe.Expire(ctx, p.key("stats"), resultTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish stats: %w", err)
	}
	return nil
}

// GetResult reads a result mirrored by SaveResult. It returns (nil, nil) when
// the session is unknown.
func (p *EventPublisher) GetResult(ctx context.Context, sessionID string) (json.RawMessage, error) {
	data, err := p.client.HGet(ctx, p.key("results"), sessionID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read result: %w", err)
	}
	return data, nil
}

// Subscribe returns a subscription to the events channel
func (p *EventPublisher) Subscribe(ctx context.Context) *redis.PubSub {
	return p.client.Subscribe(ctx, p.key("events"))
}

// Ping checks Redis connectivity
func (p *EventPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Close closes the Redis client
func (p *EventPublisher) Close() error {
	return p.client.Close()
}
