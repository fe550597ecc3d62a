package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dcshock/stagechain/pipeline"
)

// MemoryStore implements Store in memory (single process, lost on exit).
// Checkpoints are kept JSON-encoded so a load sees the state as it was saved.
type MemoryStore struct {
	mu          sync.Mutex
	runs        map[string]Run
	stages      map[string][]StageRecord
	checkpoints map[string]memCheckpoint
	seq         int
}

type memCheckpoint struct {
	data []byte
	seq  int
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:        make(map[string]Run),
		stages:      make(map[string][]StageRecord),
		checkpoints: make(map[string]memCheckpoint),
	}
}

// StartRun implements Store.
func (m *MemoryStore) StartRun(_ context.Context, run Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.runs[run.RunID]; ok {
		run.StartedAt = prev.StartedAt
	} else if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	run.Status = StatusRunning
	run.Error = ""
	run.FinishedAt = time.Time{}
	m.runs[run.RunID] = run
	return nil
}

// FinishRun implements Store.
func (m *MemoryStore) FinishRun(_ context.Context, run Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.runs[run.RunID]
	if !ok {
		return fmt.Errorf("finish run %s: not started", run.RunID)
	}
	cur.Status = run.Status
	cur.Error = run.Error
	cur.Steps = run.Steps
	cur.FinishedAt = run.FinishedAt
	if cur.FinishedAt.IsZero() {
		cur.FinishedAt = time.Now()
	}
	m.runs[run.RunID] = cur
	return nil
}

// SaveStage implements Store.
func (m *MemoryStore) SaveStage(_ context.Context, rec StageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := m.stages[rec.RunID]
	for i := range recs {
		if recs[i].Step == rec.Step {
			recs[i] = rec
			return nil
		}
	}
	m.stages[rec.RunID] = append(recs, rec)
	return nil
}

// SaveCheckpoint implements Store.
func (m *MemoryStore) SaveCheckpoint(_ context.Context, cp pipeline.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint %s: %w", cp.RunID, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.checkpoints[cp.RunID] = memCheckpoint{data: data, seq: m.seq}
	return nil
}

// LoadCheckpoint implements Store.
func (m *MemoryStore) LoadCheckpoint(_ context.Context, runID string) (*pipeline.Checkpoint, error) {
	m.mu.Lock()
	c, ok := m.checkpoints[runID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoCheckpoint, runID)
	}
	var cp pipeline.Checkpoint
	if err := json.Unmarshal(c.data, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", runID, err)
	}
	return &cp, nil
}

// DeleteCheckpoint implements Store.
func (m *MemoryStore) DeleteCheckpoint(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checkpoints, runID)
	return nil
}

// PendingCheckpoints implements Store.
func (m *MemoryStore) PendingCheckpoints(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.checkpoints))
	for id := range m.checkpoints {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return m.checkpoints[ids[i]].seq < m.checkpoints[ids[j]].seq })
	return ids, nil
}

// GetRun implements Store.
func (m *MemoryStore) GetRun(_ context.Context, runID string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return nil, fmt.Errorf("get run %s: not found", runID)
	}
	return &r, nil
}

// ListRuns implements Store.
func (m *MemoryStore) ListRuns(_ context.Context, limit int) ([]Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Run, 0, len(m.runs))
	for _, r := range m.runs {
		out = append(out, r)
	}
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

// Stages implements Store.
func (m *MemoryStore) Stages(_ context.Context, runID string) ([]StageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]StageRecord(nil), m.stages[runID]...), nil
}

var _ Store = (*MemoryStore)(nil)
