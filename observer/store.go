package observer

import (
	"context"
	"errors"
	"time"

	"github.com/dcshock/stagechain/pipeline"
)

// ErrNoCheckpoint is returned when a run has no stored checkpoint.
var ErrNoCheckpoint = errors.New("observer: no checkpoint")

// Run statuses.
const (
	StatusRunning     = "running"
	StatusDone        = "done"
	StatusAborted     = "aborted"
	StatusInterrupted = "interrupted" // cancelled; the checkpoint is kept for resume
)

// Run is one row of chain_run.
type Run struct {
	RunID      string
	Chain      string
	Status     string
	Error      string
	Steps      int
	StartedAt  time.Time
	FinishedAt time.Time // zero while running
}

// StageRecord is one row of chain_run_stage.
type StageRecord struct {
	RunID    string
	Step     int
	Stage    string
	Outcome  string
	Next     string
	Error    string
	Duration time.Duration
}

// Store persists runs, their stage executions and resumable checkpoints.
type Store interface {
	StartRun(ctx context.Context, run Run) error
	FinishRun(ctx context.Context, run Run) error
	SaveStage(ctx context.Context, rec StageRecord) error
	SaveCheckpoint(ctx context.Context, cp pipeline.Checkpoint) error
	// LoadCheckpoint returns ErrNoCheckpoint when the run has none.
	LoadCheckpoint(ctx context.Context, runID string) (*pipeline.Checkpoint, error)
	DeleteCheckpoint(ctx context.Context, runID string) error
	// PendingCheckpoints returns the run IDs that have a checkpoint, oldest first.
	PendingCheckpoints(ctx context.Context) ([]string, error)
	GetRun(ctx context.Context, runID string) (*Run, error)
	// ListRuns returns the most recent runs first; limit <= 0 means no limit.
	ListRuns(ctx context.Context, limit int) ([]Run, error)
	Stages(ctx context.Context, runID string) ([]StageRecord, error)
}
