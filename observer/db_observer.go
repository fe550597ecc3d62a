package observer

import (
	"context"

	"github.com/dcshock/stagechain/pipeline"
)

// DBObserver persists chain runs and stage executions to a Store (chain_run,
// chain_run_stage) and keeps the latest checkpoint of every unfinished run
// (chain_checkpoint) so runs can be monitored and resumed.
type DBObserver struct {
	pipeline.NopObserver
	store Store
}

// NewDBObserver returns an Observer that writes to store.
func NewDBObserver(store Store) *DBObserver {
	return &DBObserver{store: store}
}

// BeforeRun implements pipeline.Observer. Inserts or resets the chain_run row with status 'running'.
func (o *DBObserver) BeforeRun(ctx context.Context, runID, chain string, _ *pipeline.State) error {
	return o.store.StartRun(ctx, Run{RunID: runID, Chain: chain})
}

// AfterStage implements pipeline.Observer. Inserts a chain_run_stage row.
func (o *DBObserver) AfterStage(ctx context.Context, ev pipeline.StageEvent, _ *pipeline.State) error {
	rec := StageRecord{
		RunID:    ev.RunID,
		Step:     ev.Step,
		Stage:    ev.Stage,
		Outcome:  ev.Outcome.String(),
		Next:     ev.Next,
		Duration: ev.Duration,
	}
	if ev.Err != nil {
		rec.Error = ev.Err.Error()
	}
	return o.store.SaveStage(context.WithoutCancel(ctx), rec)
}

// Checkpoint implements pipeline.Checkpointer. A run that reached a terminal
// has nothing left to resume, so its checkpoint is removed.
func (o *DBObserver) Checkpoint(ctx context.Context, cp pipeline.Checkpoint) error {
	ctx = context.WithoutCancel(ctx)
	if cp.Finished() {
		return o.store.DeleteCheckpoint(ctx, cp.RunID)
	}
	return o.store.SaveCheckpoint(ctx, cp)
}

// AfterRun implements pipeline.Observer. Updates chain_run with the final status, error and step count.
func (o *DBObserver) AfterRun(ctx context.Context, report *pipeline.Report, runErr error) error {
	run := Run{RunID: report.RunID, Chain: report.Chain, Steps: report.TotalSteps, Status: status(ctx, report)}
	if runErr != nil {
		run.Error = runErr.Error()
	}
	// The run context may already be cancelled; the final row must still be written.
	return o.store.FinishRun(context.WithoutCancel(ctx), run)
}

func status(ctx context.Context, report *pipeline.Report) string {
	switch {
	case report.Terminal == pipeline.StageDone:
		return StatusDone
	case ctx.Err() != nil:
		return StatusInterrupted
	case report.Terminal == pipeline.StageAbort:
		return StatusAborted
	default:
		return StatusRunning
	}
}

var (
	_ pipeline.Observer     = (*DBObserver)(nil)
	_ pipeline.Checkpointer = (*DBObserver)(nil)
)
