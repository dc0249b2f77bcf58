package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	_ "modernc.org/sqlite"             // pure go sqlite driver

	"github.com/e7canasta/orion-upscaler/batch"
)

const schema = `CREATE TABLE IF NOT EXISTS upscale_runs (
	run_id      TEXT PRIMARY KEY,
	model       TEXT NOT NULL,
	started_at  BIGINT NOT NULL,
	duration_ns BIGINT NOT NULL,
	total       INTEGER NOT NULL,
	processed   INTEGER NOT NULL,
	skipped     INTEGER NOT NULL,
	failed      INTEGER NOT NULL,
	report      TEXT NOT NULL
)`

// SQL is a Store over database/sql. Timestamps are stored as unix
// nanoseconds so both dialects share one schema.
type SQL struct {
	db      *sql.DB
	dialect string
}

// NewSQLite opens (creating if needed) a sqlite database file.
func NewSQLite(path string) (*SQL, error) {
	if path == "" {
		path = "upscaler.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("runstore: create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("runstore: open sqlite: %w", err)
	}
	// one writer; avoids SQLITE_BUSY under concurrent saves
	db.SetMaxOpenConns(1)
	return &SQL{db: db, dialect: "sqlite"}, nil
}

// NewPostgres opens a postgres connection pool through pgx.
func NewPostgres(dsn string) (*SQL, error) {
	if dsn == "" {
		return nil, fmt.Errorf("runstore: postgres dsn required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("runstore: open postgres: %w", err)
	}
	return &SQL{db: db, dialect: "postgres"}, nil
}

// bind rewrites ? placeholders for postgres.
func (s *SQL) bind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQL) Init(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("runstore: ping %s: %w", s.dialect, err)
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("runstore: create runs table: %w", err)
	}
	return nil
}

func (s *SQL) SaveRun(ctx context.Context, r *batch.Report) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("runstore: encode report: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.bind(`INSERT INTO upscale_runs
		(run_id, model, started_at, duration_ns, total, processed, skipped, failed, report)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id) DO UPDATE SET
			model = excluded.model,
			started_at = excluded.started_at,
			duration_ns = excluded.duration_ns,
			total = excluded.total,
			processed = excluded.processed,
			skipped = excluded.skipped,
			failed = excluded.failed,
			report = excluded.report`),
		r.RunID, r.Model, r.StartedAt.UnixNano(), int64(r.Duration),
		r.Total, r.Processed, r.Skipped, r.Failed, string(payload))
	if err != nil {
		return fmt.Errorf("runstore: save run %s: %w", r.RunID, err)
	}
	return nil
}

func (s *SQL) GetRun(ctx context.Context, runID string) (*batch.Report, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, s.bind(`SELECT report FROM upscale_runs WHERE run_id = ?`), runID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("runstore: get run %s: %w", runID, err)
	}
	var r batch.Report
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		return nil, fmt.Errorf("runstore: decode run %s: %w", runID, err)
	}
	return &r, nil
}

func (s *SQL) ListRuns(ctx context.Context, limit int) ([]Summary, error) {
	query := `SELECT run_id, model, started_at, duration_ns, total, processed, skipped, failed
		FROM upscale_runs ORDER BY started_at DESC, run_id ASC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.bind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("runstore: list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Summary
	for rows.Next() {
		var (
			sum            Summary
			started, durNs int64
		)
		if err := rows.Scan(&sum.RunID, &sum.Model, &started, &durNs,
			&sum.Total, &sum.Processed, &sum.Skipped, &sum.Failed); err != nil {
			return nil, fmt.Errorf("runstore: scan: %w", err)
		}
		sum.StartedAt = time.Unix(0, started)
		sum.Duration = time.Duration(durNs)
		out = append(out, sum)
	}
	return out, rows.Err()
}

func (s *SQL) Close() error { return s.db.Close() }
