package observer

import (
	"context"
	"errors"
	"fmt"

	"github.com/dcshock/stagechain/pipeline"
)

// ChainLookup returns the chain for the given name, or nil if not found.
// The caller must register chains by name so the resumer can run the remaining stages.
type ChainLookup func(name string) *pipeline.Chain

// SequenceLookup returns the sequence for the given name, or nil if not found.
type SequenceLookup func(name string) *pipeline.Sequence

// Resumer continues runs from their stored checkpoints.
type Resumer struct {
	store     Store
	lookup    ChainLookup
	sequences SequenceLookup
}

// NewResumer returns a resumer that uses the given store and chain lookup.
func NewResumer(store Store, lookup ChainLookup) *Resumer {
	return &Resumer{store: store, lookup: lookup}
}

// WithSequences sets the lookup used to continue a sequence once its resumed
// member chain is done.
func (r *Resumer) WithSequences(lookup SequenceLookup) *Resumer {
	r.sequences = lookup
	return r
}

// Resume loads the checkpoint of runID and continues the run from its next
// stage with the given observer, keeping the run ID, state and loop counters.
// Values in state, if non-nil, override the checkpointed ones. The checkpoint
// is removed once the run reaches a terminal.
//
// If the run belongs to a sequence and reaches StageDone, the sequence's later
// chains run next on the same state. The first report is the resumed run's;
// the reports of the later chains follow.
func (r *Resumer) Resume(ctx context.Context, runID string, state *pipeline.State, obs pipeline.Observer) ([]*pipeline.Report, error) {
	cp, err := r.store.LoadCheckpoint(ctx, runID)
	if err != nil {
		return nil, err
	}
	c := r.lookup(cp.Chain)
	if c == nil {
		return nil, fmt.Errorf("chain %q not found for run_id %s", cp.Chain, runID)
	}
	if cp.Finished() {
		return nil, r.store.DeleteCheckpoint(ctx, runID)
	}
	if cp.State == nil {
		cp.State = pipeline.NewState(nil)
	}
	report, runErr := c.Run(ctx, state, &pipeline.RunOptions{Observer: obs, Resume: cp})
	if report == nil {
		return nil, runErr
	}
	reports := []*pipeline.Report{report}
	if report.Terminal != "" && ctx.Err() == nil {
		if err := r.store.DeleteCheckpoint(ctx, runID); err != nil {
			return reports, errors.Join(runErr, err)
		}
	}
	if runErr != nil || cp.Sequence == nil || !report.Succeeded() {
		return reports, runErr
	}
	var seq *pipeline.Sequence
	if r.sequences != nil {
		seq = r.sequences(cp.Sequence.Name)
	}
	if seq == nil {
		return reports, fmt.Errorf("sequence %q not found for run_id %s; its later chains were not run", cp.Sequence.Name, runID)
	}
	more, err := seq.Continue(ctx, *cp.Sequence, cp.State, obs)
	return append(reports, more...), err
}

// ResumeAll resumes every run that has a checkpoint, oldest first. If a chain
// is not found by name, that run is skipped and its checkpoint is left for
// inspection. All runs are attempted; the errors are joined.
func (r *Resumer) ResumeAll(ctx context.Context, obs pipeline.Observer) ([]*pipeline.Report, error) {
	ids, err := r.store.PendingCheckpoints(ctx)
	if err != nil {
		return nil, fmt.Errorf("pending checkpoints: %w", err)
	}
	var reports []*pipeline.Report
	var errs []error
	for _, id := range ids {
		done, err := r.Resume(ctx, id, nil, obs)
		reports = append(reports, done...)
		if err != nil {
			errs = append(errs, fmt.Errorf("run %s: %w", id, err))
		}
	}
	return reports, errors.Join(errs...)
}
