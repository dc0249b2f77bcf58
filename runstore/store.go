// Package runstore keeps the history of batch runs.
//
// Backends: memory (tests, one-shot CLI runs), sqlite (modernc, no cgo) and
// postgres (pgx through database/sql). Reports are stored whole as JSON, with
// the counters duplicated into columns for listing.
package runstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/e7canasta/orion-upscaler/batch"
)

// ErrNotFound is returned by GetRun for an unknown run ID.
var ErrNotFound = errors.New("runstore: run not found")

// Summary is the listing view of a run.
type Summary struct {
	RunID     string        `json:"run_id"`
	Model     string        `json:"model"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Total     int           `json:"total"`
	Processed int           `json:"processed"`
	Skipped   int           `json:"skipped"`
	Failed    int           `json:"failed"`
}

func summarize(r *batch.Report) Summary {
	return Summary{
		RunID:     r.RunID,
		Model:     r.Model,
		StartedAt: r.StartedAt,
		Duration:  r.Duration,
		Total:     r.Total,
		Processed: r.Processed,
		Skipped:   r.Skipped,
		Failed:    r.Failed,
	}
}

// Store persists run reports. Implementations are safe for concurrent use.
type Store interface {
	// Init prepares the backend (schema, connectivity). Idempotent.
	Init(ctx context.Context) error
	// SaveRun inserts or replaces the report with the same run ID.
	SaveRun(ctx context.Context, r *batch.Report) error
	GetRun(ctx context.Context, runID string) (*batch.Report, error)
	// ListRuns returns the most recent runs first. limit <= 0 means all.
	ListRuns(ctx context.Context, limit int) ([]Summary, error)
	Close() error
}

// Open returns an initialised store for driver: memory, sqlite or postgres.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	var (
		s   Store
		err error
	)
	switch driver {
	case "", "memory":
		s = NewMemory()
	case "sqlite":
		s, err = NewSQLite(dsn)
	case "postgres":
		s, err = NewPostgres(dsn)
	default:
		return nil, fmt.Errorf("runstore: unknown driver %q", driver)
	}
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}
