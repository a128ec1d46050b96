// Package ledger keeps a SQLite record of finished relay sessions. Only
// metadata is stored: message text and attachment bytes never reach disk.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"airelay/internal/domain"

	_ "modernc.org/sqlite"
)

// Store implements domain.Recorder using SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens or creates the ledger at dbPath and applies pending migrations.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	// modernc applies each _pragma on every new connection.
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := runMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts one finished session. Re-recording an ID is a no-op.
func (s *Store) Record(ctx context.Context, rec domain.SessionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO relay_sessions
		 (id, event, provider, status, deltas, output_bytes, attachments, error_class,
		  started_at, first_delta_ms, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Event, string(rec.Provider), rec.Status, rec.Deltas, rec.OutputBytes,
		rec.Attachments, rec.ErrorClass, rec.StartedAt.UnixMilli(),
		rec.FirstDelta.Milliseconds(), rec.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("record session %s: %w", rec.ID, err)
	}
	return nil
}

// List returns the most recent sessions, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]domain.SessionRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, event, provider, status, deltas, output_bytes, attachments, error_class,
		        started_at, first_delta_ms, duration_ms
		 FROM relay_sessions ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.SessionRecord
	for rows.Next() {
		var (
			rec                      domain.SessionRecord
			provider                 string
			started, first, duration int64
		)
		if err := rows.Scan(&rec.ID, &rec.Event, &provider, &rec.Status, &rec.Deltas,
			&rec.OutputBytes, &rec.Attachments, &rec.ErrorClass, &started, &first, &duration); err != nil {
			return nil, err
		}
		rec.Provider = domain.ProviderKind(provider)
		rec.StartedAt = time.UnixMilli(started)
		rec.FirstDelta = time.Duration(first) * time.Millisecond
		rec.Duration = time.Duration(duration) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ProviderSummary aggregates recorded sessions for one provider.
type ProviderSummary struct {
	Provider      domain.ProviderKind
	Completed     int
	Failed        int
	Canceled      int
	AvgDurationMs int64
}

// Summary aggregates all recorded sessions by provider.
func (s *Store) Summary(ctx context.Context) ([]ProviderSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT provider,
		        SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END),
		        SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END),
		        SUM(CASE WHEN status = 'canceled' THEN 1 ELSE 0 END),
		        CAST(AVG(duration_ms) AS INTEGER)
		 FROM relay_sessions GROUP BY provider ORDER BY provider`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ProviderSummary
	for rows.Next() {
		var (
			ps       ProviderSummary
			provider string
		)
		if err := rows.Scan(&provider, &ps.Completed, &ps.Failed, &ps.Canceled, &ps.AvgDurationMs); err != nil {
			return nil, err
		}
		ps.Provider = domain.ProviderKind(provider)
		out = append(out, ps)
	}
	return out, rows.Err()
}

// Prune deletes sessions that started before cutoff and returns how many
// were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM relay_sessions WHERE started_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("pruned session ledger", "removed", n)
	}
	return n, nil
}
