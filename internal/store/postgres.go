package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/ytget/dlsched/internal/model"
)

// DefaultTable holds transfer records
const DefaultTable = "transfer_records"

// PostgresStore keeps transfer records in PostgreSQL
type PostgresStore struct {
	db    *sql.DB
	table string
}

// Open connects to dsn with the lib/pq driver and creates the table when
// it does not exist.
func Open(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := NewPostgresStore(db, DefaultTable)
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStore uses an open database handle; table defaults to DefaultTable
func NewPostgresStore(db *sql.DB, table string) *PostgresStore {
	if table == "" {
		table = DefaultTable
	}
	return &PostgresStore{db: db, table: table}
}

// Close closes the database handle
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// EnsureSchema creates the records table
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.schemaSQL()); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

func (s *PostgresStore) schemaSQL() string {
	t := pq.QuoteIdentifier(s.table)
	return `
		CREATE TABLE IF NOT EXISTS ` + t + ` (
			task_id          TEXT PRIMARY KEY,
			content_id       TEXT NOT NULL DEFAULT '',
			status           TEXT NOT NULL,
			bytes_downloaded BIGINT NOT NULL DEFAULT 0,
			partial_path     TEXT NOT NULL DEFAULT '',
			output_path      TEXT NOT NULL DEFAULT '',
			attempts         INTEGER NOT NULL DEFAULT 0,
			last_error       TEXT NOT NULL DEFAULT '',
			checksum         TEXT NOT NULL DEFAULT '',
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`
}

const recordColumns = `task_id, content_id, status, bytes_downloaded, partial_path,
	output_path, attempts, last_error, checksum, updated_at`

func (s *PostgresStore) getOrCreateSQL() (insert, sel string) {
	t := pq.QuoteIdentifier(s.table)
	insert = `INSERT INTO ` + t + ` (task_id, content_id, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (task_id) DO NOTHING`
	sel = `SELECT ` + recordColumns + ` FROM ` + t + ` WHERE task_id = $1`
	return insert, sel
}

func (s *PostgresStore) saveSQL() string {
	return `INSERT INTO ` + pq.QuoteIdentifier(s.table) + ` (` + recordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (task_id) DO UPDATE SET
			content_id = EXCLUDED.content_id,
			status = EXCLUDED.status,
			bytes_downloaded = EXCLUDED.bytes_downloaded,
			partial_path = EXCLUDED.partial_path,
			output_path = EXCLUDED.output_path,
			attempts = EXCLUDED.attempts,
			last_error = EXCLUDED.last_error,
			checksum = EXCLUDED.checksum,
			updated_at = NOW()`
}

func (s *PostgresStore) completedSQL() string {
	return `SELECT ` + recordColumns + ` FROM ` + pq.QuoteIdentifier(s.table) + `
		WHERE status = $1 AND content_id <> ''
		ORDER BY updated_at DESC, task_id ASC
		LIMIT $2`
}

func (s *PostgresStore) resetSQL() string {
	return `UPDATE ` + pq.QuoteIdentifier(s.table) + `
		SET status = $1, updated_at = NOW()
		WHERE status = $2`
}

// GetOrCreate implements Store
func (s *PostgresStore) GetOrCreate(ctx context.Context, taskID, contentID string) (model.TransferRecord, error) {
	if taskID == "" {
		return model.TransferRecord{}, ErrInvalidRecord
	}

	insert, sel := s.getOrCreateSQL()
	if _, err := s.db.ExecContext(ctx, insert, taskID, contentID, string(model.TaskStatusPending)); err != nil {
		return model.TransferRecord{}, fmt.Errorf("create record %s: %w", taskID, err)
	}

	rec, err := scanRecord(s.db.QueryRowContext(ctx, sel, taskID))
	if err != nil {
		return model.TransferRecord{}, fmt.Errorf("load record %s: %w", taskID, err)
	}
	return rec, nil
}

// Save implements Store
func (s *PostgresStore) Save(ctx context.Context, rec model.TransferRecord) error {
	if rec.TaskID == "" {
		return ErrInvalidRecord
	}
	_, err := s.db.ExecContext(ctx, s.saveSQL(),
		rec.TaskID, rec.ContentID, string(rec.Status), rec.BytesDownloaded, rec.PartialPath,
		rec.OutputPath, rec.Attempts, truncate(rec.LastError, maxErrorLength), rec.Checksum)
	if err != nil {
		return fmt.Errorf("save record %s: %w", rec.TaskID, err)
	}
	return nil
}

// CompletedContent implements Store
func (s *PostgresStore) CompletedContent(ctx context.Context, limit int) ([]model.TransferRecord, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, s.completedSQL(), string(model.TaskStatusCompleted), limit)
	if err != nil {
		return nil, fmt.Errorf("query completed records: %w", err)
	}
	defer rows.Close()

	var out []model.TransferRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan completed record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ResetRunning implements Store
func (s *PostgresStore) ResetRunning(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, s.resetSQL(),
		string(model.TaskStatusPending), string(model.TaskStatusRunning))
	if err != nil {
		return 0, fmt.Errorf("reset running records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset running records: %w", err)
	}
	return int(n), nil
}

// last_error is truncated to this many bytes
const maxErrorLength = 2000

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (model.TransferRecord, error) {
	var (
		rec    model.TransferRecord
		status string
	)
	err := row.Scan(&rec.TaskID, &rec.ContentID, &status, &rec.BytesDownloaded, &rec.PartialPath,
		&rec.OutputPath, &rec.Attempts, &rec.LastError, &rec.Checksum, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.TransferRecord{}, fmt.Errorf("record missing: %w", err)
	}
	if err != nil {
		return model.TransferRecord{}, err
	}
	rec.Status = model.TaskStatus(status)
	return rec, nil
}
