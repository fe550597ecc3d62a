package observer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dcshock/stagechain/pipeline"
)

func mediaChain(t *testing.T, process pipeline.Stage) *pipeline.Chain {
	t.Helper()
	stages := map[string]pipeline.Stage{
		"process":  process,
		"download": pipeline.Set("source", "a.mp4"),
	}
	table := pipeline.NewTable().
		OnDone("process", pipeline.StageDone).
		OnErrorLimit("process", "download", 1).
		OnDone("download", "process").
		OnError("download", pipeline.StageAbort)
	c, err := pipeline.NewChain("media", "process", stages, table)
	require.NoError(t, err)
	return c
}

func needsSource() pipeline.Stage {
	return pipeline.StageFunc(func(ctx context.Context, s *pipeline.State) error {
		if !s.Has("source") {
			return errors.New("no input")
		}
		return nil
	})
}

func TestDBObserver_RecordsRun(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			obs := NewDBObserver(s)
			report, err := mediaChain(t, needsSource()).Run(ctx, nil, &pipeline.RunOptions{Observer: obs, RunID: "r1"})
			require.NoError(t, err)
			assert.Equal(t, []string{"process", "download", "process"}, report.Path())

			run, err := s.GetRun(ctx, "r1")
			require.NoError(t, err)
			assert.Equal(t, StatusDone, run.Status)
			assert.Equal(t, 3, run.Steps)
			assert.Equal(t, "media", run.Chain)

			recs, err := s.Stages(ctx, "r1")
			require.NoError(t, err)
			require.Len(t, recs, 3)
			assert.Equal(t, "failure", recs[0].Outcome)
			assert.Equal(t, "download", recs[0].Next)
			assert.Equal(t, "no input", recs[0].Error)
			assert.Equal(t, pipeline.StageDone, recs[2].Next)

			ids, err := s.PendingCheckpoints(ctx)
			require.NoError(t, err)
			assert.Empty(t, ids, "finished runs keep no checkpoint")
		})
	}
}

func TestDBObserver_RecordsAbort(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_, err := mediaChain(t, pipeline.Fail(errors.New("corrupt"))).
		Run(ctx, nil, &pipeline.RunOptions{Observer: NewDBObserver(s), RunID: "r1"})
	require.ErrorIs(t, err, pipeline.ErrAborted)

	run, err := s.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, StatusAborted, run.Status)
	assert.Contains(t, run.Error, "corrupt")
	_, err = s.LoadCheckpoint(ctx, "r1")
	assert.ErrorIs(t, err, ErrNoCheckpoint)
}

func TestDBObserver_InterruptedKeepsCheckpoint(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	process := pipeline.StageFunc(func(ctx context.Context, st *pipeline.State) error {
		if !st.Has("source") {
			return errors.New("no input")
		}
		return nil
	})
	download := pipeline.Tap(func(ctx context.Context, st *pipeline.State) {
		st.Set("source", "a.mp4")
		cancel()
	})
	stages := map[string]pipeline.Stage{"process": process, "download": download}
	table := pipeline.NewTable().
		OnDone("process", pipeline.StageDone).
		OnErrorLimit("process", "download", 1).
		OnDone("download", "process").
		OnError("download", pipeline.StageAbort)
	c, err := pipeline.NewChain("media", "process", stages, table)
	require.NoError(t, err)

	_, err = c.Run(ctx, nil, &pipeline.RunOptions{Observer: NewDBObserver(s), RunID: "r1"})
	require.ErrorIs(t, err, context.Canceled)

	run, err := s.GetRun(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, StatusInterrupted, run.Status)
	cp, err := s.LoadCheckpoint(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "process", cp.NextStage)
	assert.Equal(t, 2, cp.Steps)
}

func TestDBObserver_FailureAfterCancelKeepsCheckpoint(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			download := pipeline.StageFunc(func(ctx context.Context, st *pipeline.State) error {
				cancel()
				return ctx.Err()
			})
			stages := map[string]pipeline.Stage{"process": needsSource(), "download": download}
			table := pipeline.NewTable().
				OnDone("process", pipeline.StageDone).
				OnErrorLimit("process", "download", 1).
				OnDone("download", "process").
				OnError("download", pipeline.StageAbort)
			c, err := pipeline.NewChain("media", "process", stages, table)
			require.NoError(t, err)

			_, err = c.Run(ctx, nil, &pipeline.RunOptions{Observer: NewDBObserver(s), RunID: "r1"})
			require.ErrorIs(t, err, context.Canceled)

			bg := context.Background()
			run, err := s.GetRun(bg, "r1")
			require.NoError(t, err)
			assert.Equal(t, StatusInterrupted, run.Status)
			cp, err := s.LoadCheckpoint(bg, "r1")
			require.NoError(t, err, "an on_error route to abort must not drop the checkpoint")
			assert.Equal(t, "download", cp.NextStage)
			assert.Equal(t, 1, cp.Steps)

			r := NewResumer(s, func(string) *pipeline.Chain { return mediaChain(t, needsSource()) })
			reports, err := r.Resume(bg, "r1", nil, NewDBObserver(s))
			require.NoError(t, err)
			require.Len(t, reports, 1)
			assert.Equal(t, []string{"download", "process"}, reports[0].Path())
			assert.Equal(t, 3, reports[0].TotalSteps)
		})
	}
}

func TestStore_SaveStageReplacesStep(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.StartRun(ctx, Run{RunID: "r1", Chain: "media"}))
			require.NoError(t, s.SaveStage(ctx, StageRecord{RunID: "r1", Step: 0, Stage: "download", Outcome: "failure", Next: pipeline.StageAbort}))
			require.NoError(t, s.SaveStage(ctx, StageRecord{RunID: "r1", Step: 0, Stage: "download", Outcome: "success", Next: "process"}))

			recs, err := s.Stages(ctx, "r1")
			require.NoError(t, err)
			require.Len(t, recs, 1)
			assert.Equal(t, "success", recs[0].Outcome)
			assert.Equal(t, "process", recs[0].Next)
		})
	}
}
