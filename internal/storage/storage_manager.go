/**
 * Storage Manager for the Counter Scan Worker
 *
 * Fans scan results out to PostgreSQL (durable record) and Redis (hot copy,
 * live stats, events). Either backend may be absent; writes go to whichever
 * is configured and a failure in one does not skip the other.
 */

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/adverant/nexus/counterscan-worker/internal/errors"
	"github.com/adverant/nexus/counterscan-worker/internal/logging"
	"github.com/adverant/nexus/counterscan-worker/internal/scanner"
)

// StorageManager coordinates PostgreSQL and Redis
type StorageManager struct {
	postgres *PostgresClient
	events   *EventPublisher
	logger   *logging.Logger
}

// NewStorageManager wraps the given backends; either may be nil
func NewStorageManager(postgres *PostgresClient, events *EventPublisher) *StorageManager {
	return &StorageManager{
		postgres: postgres,
		events:   events,
		logger:   logging.NewLogger("StorageManager"),
	}
}

// SaveResult writes r to every configured backend
func (sm *StorageManager) SaveResult(ctx context.Context, r scanner.Result) error {
	var failures []string

	if sm.postgres != nil {
		if err := sm.postgres.SaveResult(ctx, r); err != nil {
			failures = append(failures, err.Error())
		}
	}
	if sm.events != nil {
		if err := sm.events.SaveResult(ctx, r); err != nil {
			failures = append(failures, err.Error())
		}
	}

	if len(failures) > 0 {
		return errors.NewStorageFailedError(r.SessionID, fmt.Errorf("%s", strings.Join(failures, "; ")))
	}

	sm.logger.Debug("Scan result stored", "sessionId", r.SessionID, "kind", r.Kind)
	return nil
}

// PublishStats forwards live stats to Redis
func (sm *StorageManager) PublishStats(ctx context.Context, st scanner.Stats) error {
	if sm.events == nil {
		return nil
	}
	return sm.events.PublishStats(ctx, st)
}

// GetResult returns a stored result as JSON, preferring PostgreSQL. It returns
// (nil, nil) when neither backend knows the session.
func (sm *StorageManager) GetResult(ctx context.Context, sessionID string) (json.RawMessage, error) {
	if sm.postgres != nil {
		stored, err := sm.postgres.GetResult(ctx, sessionID)
		if err != nil {
			sm.logger.Warn("PostgreSQL lookup failed, trying Redis", "sessionId", sessionID, "error", err)
		} else if stored != nil {
			return json.Marshal(stored)
		}
	}

	if sm.events != nil {
		return sm.events.GetResult(ctx, sessionID)
	}
	return nil, nil
}

// Ping checks every configured backend
func (sm *StorageManager) Ping(ctx context.Context) map[string]error {
	status := make(map[string]error)
	if sm.postgres != nil {
		status["postgres"] = sm.postgres.Ping(ctx)
	}
	if sm.events != nil {
		status["redis"] = sm.events.Ping(ctx)
	}
	return status
}

// GetStats returns storage statistics
func (sm *StorageManager) GetStats() map[string]interface{} {
	stats := map[string]interface{}{
		"postgres": sm.postgres != nil,
		"redis":    sm.events != nil,
	}
	if sm.postgres != nil {
		pool := sm.postgres.GetStats()
		stats["postgres_open_connections"] = pool.OpenConnections
		stats["postgres_in_use"] = pool.InUse
		stats["postgres_idle"] = pool.Idle
	}
	return stats
}

// Close closes all storage connections
func (sm *StorageManager) Close() error {
	var errs []string

	if sm.postgres != nil {
		if err := sm.postgres.Close(); err != nil {
			errs = append(errs, fmt.Sprintf("postgres: %v", err))
		}
	}
	if sm.events != nil {
		if err := sm.events.Close(); err != nil {
			errs = append(errs, fmt.Sprintf("redis: %v", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing storage: %s", strings.Join(errs, "; "))
	}
	return nil
}

var (
	nullEscape    = regexp.MustCompile(`\\u0000`)
	controlEscape = regexp.MustCompile(`\\u00[01][0-9a-fA-F]`)
)

// sanitizeJSONForPostgres removes escape sequences PostgreSQL JSONB rejects.
// Recognizer output is raw OCR text and can contain control characters.
func sanitizeJSONForPostgres(jsonBytes []byte) []byte {
	result := nullEscape.ReplaceAll(jsonBytes, []byte{})
	return controlEscape.ReplaceAll(result, []byte(" "))
}
