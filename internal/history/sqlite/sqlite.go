package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/ctamigrate/internal/history"
)

// Sink writes history events to SQLite database.
type Sink struct {
	db *sql.DB
}

// New creates a new SQLite history sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
//   - ":memory:" (in-memory database)
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}

	// Handle sqlite:// prefix
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// one connection keeps ":memory:" databases alive between statements
	db.SetMaxOpenConns(1)

	sink := &Sink{db: db}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS supervision_history(
			occurred_at TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP),
			event TEXT NOT NULL,
			job TEXT NOT NULL,
			partition_key TEXT NOT NULL,
			log_cursor INTEGER NOT NULL,
			entries INTEGER NOT NULL,
			heartbeats INTEGER NOT NULL,
			started_at TIMESTAMP NOT NULL,
			error TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_supervision_history_job ON supervision_history(job);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	run := e.Run
	var errText any
	if run.Err != "" {
		errText = run.Err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO supervision_history(occurred_at, event, job, partition_key, log_cursor, entries, heartbeats, started_at, error)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		e.OccurredAt.UTC(), string(e.Type), run.Job, run.Partition, run.Cursor, run.Entries, run.Heartbeats,
		run.StartedAt.UTC(), errText)
	return err
}

// Count returns the number of recorded events of a job.
func (s *Sink) Count(ctx context.Context, job string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM supervision_history WHERE job = ?`, job).Scan(&n)
	return n, err
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
