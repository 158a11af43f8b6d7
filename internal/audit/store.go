// Package audit persists one record per usage emission attempt to a local
// SQLite database. The audit trail exists for diagnostics and billing
// disputes only; the aggregation pipeline never reads it back.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/meterflow/meterflow/internal/marketplace"
)

// Store satisfies the emitter's audit sink.
var _ marketplace.AuditSink = (*Store)(nil)

// Store is a SQLite-backed append-only emission audit log.
type Store struct {
	db *sql.DB
}

// Record is one persisted emission attempt.
type Record struct {
	ID           string
	RequestJSON  string
	ResponseJSON string
	StatusCode   int
	RunBy        string
	UsageHour    time.Time
	RecordedAt   time.Time
}

// Open creates or opens the audit database at dbPath.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}

	// WAL keeps the single writer from blocking diagnostic reads.
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize audit schema: %w", err)
	}

	log.Info().Str("path", dbPath).Msg("Emission audit store opened")
	return store, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS metered_audit_logs (
			id TEXT PRIMARY KEY,
			request_json TEXT NOT NULL,
			response_json TEXT,
			status_code INTEGER NOT NULL,
			run_by TEXT NOT NULL,
			usage_hour INTEGER NOT NULL,
			recorded_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_audit_recorded_at
		ON metered_audit_logs(recorded_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record appends one emission attempt. IDs are ULIDs, so insertion order
// and lexical order agree.
func (s *Store) Record(ctx context.Context, entry marketplace.AuditEntry) error {
	recordedAt := entry.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO metered_audit_logs
			(id, request_json, response_json, status_code, run_by, usage_hour, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ulid.Make().String(),
		string(entry.RequestJSON),
		string(entry.ResponseJSON),
		entry.StatusCode,
		entry.RunBy,
		entry.UsageHour.Unix(),
		recordedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// Recent returns the newest records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_json, response_json, status_code, run_by, usage_hour, recorded_at
		FROM metered_audit_logs
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var usageHour, recordedAt int64
		if err := rows.Scan(&rec.ID, &rec.RequestJSON, &rec.ResponseJSON, &rec.StatusCode,
			&rec.RunBy, &usageHour, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		rec.UsageHour = time.Unix(usageHour, 0).UTC()
		rec.RecordedAt = time.Unix(recordedAt, 0).UTC()
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
