package runstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/e7canasta/orion-upscaler/batch"
)

// Memory is an in-process Store. Reports are deep-copied on the way in and
// out, so callers never share state with the store.
type Memory struct {
	mu   sync.RWMutex
	runs map[string][]byte
	meta map[string]Summary
}

func NewMemory() *Memory {
	return &Memory{runs: make(map[string][]byte), meta: make(map[string]Summary)}
}

func (m *Memory) Init(context.Context) error { return nil }

func (m *Memory) SaveRun(_ context.Context, r *batch.Report) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.runs[r.RunID] = data
	m.meta[r.RunID] = summarize(r)
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetRun(_ context.Context, runID string) (*batch.Report, error) {
	m.mu.RLock()
	data, ok := m.runs[runID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	var r batch.Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (m *Memory) ListRuns(_ context.Context, limit int) ([]Summary, error) {
	m.mu.RLock()
	out := make([]Summary, 0, len(m.meta))
	for _, s := range m.meta {
		out = append(out, s)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].RunID < out[j].RunID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }
