/**
 * PostgreSQL Client for the Counter Scan Worker
 *
 * Persists finished scan results (reading, code or error) so they outlive the
 * in-memory session table.
 */

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/lib/pq"

	"github.com/adverant/nexus/counterscan-worker/internal/scanner"
)

const schemaSQL = `
	CREATE SCHEMA IF NOT EXISTS counterscan;
	CREATE TABLE IF NOT EXISTS counterscan.scan_results (
		session_id       UUID PRIMARY KEY,
		kind             TEXT NOT NULL,
		value            BIGINT,
		confidence       NUMERIC(5,2),
		occurrences      INTEGER,
		digit_length     INTEGER,
		evidence_regions TEXT[],
		evidence         JSONB,
		code_data        TEXT,
		code_format      TEXT,
		code_location    JSONB,
		error_code       TEXT,
		error            JSONB,
		ticks            BIGINT NOT NULL DEFAULT 0,
		started_at       TIMESTAMPTZ NOT NULL,
		finished_at      TIMESTAMPTZ NOT NULL,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS scan_results_kind_idx ON counterscan.scan_results (kind, finished_at DESC);
`

// PostgresClient handles database operations
type PostgresClient struct {
	db *sql.DB
}

// StoredResult is a scan result as persisted
type StoredResult struct {
	SessionID       string                 `json:"sessionId"`
	Kind            string                 `json:"kind"`
	Value           *int64                 `json:"value,omitempty"`
	Confidence      *float64               `json:"confidence,omitempty"`
	Occurrences     int                    `json:"occurrences,omitempty"`
	DigitLength     int                    `json:"digitLength,omitempty"`
	EvidenceRegions []string               `json:"evidenceRegions,omitempty"`
	Evidence        json.RawMessage        `json:"evidence,omitempty"`
	CodeData        string                 `json:"codeData,omitempty"`
	CodeFormat      string                 `json:"codeFormat,omitempty"`
	CodeLocation    json.RawMessage        `json:"codeLocation,omitempty"`
	ErrorCode       string                 `json:"errorCode,omitempty"`
	Error           map[string]interface{} `json:"error,omitempty"`
	Ticks           int64                  `json:"ticks"`
	StartedAt       time.Time              `json:"startedAt"`
	FinishedAt      time.Time              `json:"finishedAt"`
}

// sanitizeConfidence clamps to [0, 100] and rounds to 2 decimals to fit NUMERIC(5,2)
func sanitizeConfidence(confidence float64) float64 {
	if math.IsNaN(confidence) || confidence < 0 {
		return 0
	}
	if confidence > 100 {
		return 100
	}
	return math.Round(confidence*100) / 100
}

// NewPostgresClient creates a new PostgreSQL client
func NewPostgresClient(databaseURL string) (*PostgresClient, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresClient{db: db}, nil
}

// EnsureSchema creates the results table when missing
func (p *PostgresClient) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// resultRow holds the column values for one result
type resultRow struct {
	sessionID       string
	kind            string
	value           sql.NullInt64
	confidence      sql.NullFloat64
	occurrences     sql.NullInt64
	digitLength     sql.NullInt64
	evidenceRegions []string
	evidence        []byte
	codeData        sql.NullString
	codeFormat      sql.NullString
	codeLocation    []byte
	errorCode       sql.NullString
	errorJSON       []byte
	ticks           int64
	startedAt       time.Time
	finishedAt      time.Time
}

// toRow flattens a scanner result into column values
func toRow(r scanner.Result) (*resultRow, error) {
	row := &resultRow{
		sessionID:  r.SessionID,
		kind:       string(r.Kind),
		ticks:      r.Ticks,
		startedAt:  r.StartedAt,
		finishedAt: r.FinishedAt,
	}

	if rd := r.Reading; rd != nil {
		row.value = sql.NullInt64{Int64: rd.Value, Valid: true}
		row.confidence = sql.NullFloat64{Float64: sanitizeConfidence(rd.Confidence), Valid: true}
		row.occurrences = sql.NullInt64{Int64: int64(rd.Occurrences), Valid: true}
		row.digitLength = sql.NullInt64{Int64: int64(rd.DigitLength), Valid: true}

		seen := make(map[string]bool)
		for _, s := range rd.Evidence {
			if !seen[s.Region] {
				seen[s.Region] = true
				row.evidenceRegions = append(row.evidenceRegions, s.Region)
			}
		}

		evidence, err := json.Marshal(rd.Evidence)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal evidence: %w", err)
		}
		row.evidence = sanitizeJSONForPostgres(evidence)
	}

	if c := r.Code; c != nil {
		row.codeData = sql.NullString{String: c.Data, Valid: true}
		row.codeFormat = sql.NullString{String: c.Format, Valid: true}
		location, err := json.Marshal(c.Location)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal code location: %w", err)
		}
		row.codeLocation = location
	}

	if detail := r.ErrorDetail(); detail != nil {
		if code, ok := detail["error_code"].(string); ok {
			row.errorCode = sql.NullString{String: code, Valid: true}
		}
		errJSON, err := json.Marshal(detail)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal error: %w", err)
		}
		row.errorJSON = sanitizeJSONForPostgres(errJSON)
	}

	return row, nil
}

// SaveResult upserts a finished scan result
func (p *PostgresClient) SaveResult(ctx context.Context, r scanner.Result) error {
	if r.SessionID == "" {
		return fmt.Errorf("session ID is required")
	}

	row, err := toRow(r)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO counterscan.scan_results (
			session_id, kind, value, confidence, occurrences, digit_length,
			evidence_regions, evidence, code_data, code_format, code_location,
			error_code, error, ticks, started_at, finished_at
		) VALUES (
			$1::uuid, $2, $3, $4::NUMERIC(5,2), $5, $6,
			$7, $8::jsonb, $9, $10, $11::jsonb,
			$12, $13::jsonb, $14, $15, $16
		)
		ON CONFLICT (session_id) DO UPDATE SET
			kind = EXCLUDED.kind,
			value = EXCLUDED.value,
			confidence = EXCLUDED.confidence,
			occurrences = EXCLUDED.occurrences,
			digit_length = EXCLUDED.digit_length,
			evidence_regions = EXCLUDED.evidence_regions,
			evidence = EXCLUDED.evidence,
			code_data = EXCLUDED.code_data,
			code_format = EXCLUDED.code_format,
			code_location = EXCLUDED.code_location,
			error_code = EXCLUDED.error_code,
			error = EXCLUDED.error,
			ticks = EXCLUDED.ticks,
			finished_at = EXCLUDED.finished_at
	`

	_, err = p.db.ExecContext(ctx, query,
		row.sessionID,                  // $1
		row.kind,                       // $2
		row.value,                      // $3
		row.confidence,                 // $4
		row.occurrences,                // $5
		row.digitLength,                // $6
		pq.Array(row.evidenceRegions),  // $7
		nullableJSON(row.evidence),     // $8
		row.codeData,                   // $9
		row.codeFormat,                 // $10
		nullableJSON(row.codeLocation), // $11
		row.errorCode,                  // $12
		nullableJSON(row.errorJSON),    // $13
		row.ticks,                      // $14
		row.startedAt,                  // $15
		row.finishedAt,                 // $16
	)
	if err != nil {
		return fmt.Errorf("failed to save scan result (session=%s, kind=%s): %w", row.sessionID, row.kind, err)
	}

	return nil
}

// GetResult retrieves a stored result by session id. It returns (nil, nil)
// when no row exists.
func (p *PostgresClient) GetResult(ctx context.Context, sessionID string) (*StoredResult, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session ID is required")
	}

	query := `
		SELECT
			session_id, kind, value, confidence, occurrences, digit_length,
			evidence_regions, evidence, code_data, code_format, code_location,
			error_code, error, ticks, started_at, finished_at
		FROM counterscan.scan_results
		WHERE session_id = $1::uuid
	`

	var (
		out                         StoredResult
		value                       sql.NullInt64
		confidence                  sql.NullFloat64
		occurrences, digitLength    sql.NullInt64
		regions                     pq.StringArray
		evidence, location, errJSON []byte
		codeData, codeFormat        sql.NullString
		errorCode                   sql.NullString
	)

	err := p.db.QueryRowContext(ctx, query, sessionID).Scan(
		&out.SessionID, &out.Kind, &value, &confidence, &occurrences, &digitLength,
		&regions, &evidence, &codeData, &codeFormat, &location,
		&errorCode, &errJSON, &out.Ticks, &out.StartedAt, &out.FinishedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get scan result: %w", err)
	}

	if value.Valid {
		v := value.Int64
		out.Value = &v
	}
	if confidence.Valid {
		c := confidence.Float64
		out.Confidence = &c
	}
	out.Occurrences = int(occurrences.Int64)
	out.DigitLength = int(digitLength.Int64)
	out.EvidenceRegions = []string(regions)
	out.Evidence = evidence
	out.CodeData = codeData.String
	out.CodeFormat = codeFormat.String
	out.CodeLocation = location
	out.ErrorCode = errorCode.String

	if len(errJSON) > 0 {
		if err := json.Unmarshal(errJSON, &out.Error); err != nil {
			return nil, fmt.Errorf("failed to unmarshal error detail: %w", err)
		}
	}

	return &out, nil
}

// Ping checks database connectivity
func (p *PostgresClient) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database connection
func (p *PostgresClient) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// GetStats returns connection pool statistics
func (p *PostgresClient) GetStats() sql.DBStats {
	return p.db.Stats()
}

func nullableJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
