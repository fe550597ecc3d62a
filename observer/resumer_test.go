package observer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dcshock/stagechain/pipeline"
)

func TestResumer_ResumesFromCheckpoint(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := mediaChain(t, needsSource())
			// A run that stopped after download: process is next, download already taken once.
			state := pipeline.NewState(map[string]any{"source": "a.mp4"})
			require.NoError(t, s.SaveCheckpoint(ctx, pipeline.Checkpoint{
				RunID: "r1", Chain: "media", NextStage: "process", Steps: 2,
				RouteCounts: map[string]int{"process/failure": 1}, State: state,
			}))
			require.NoError(t, s.StartRun(ctx, Run{RunID: "r1", Chain: "media"}))

			r := NewResumer(s, func(name string) *pipeline.Chain {
				if name == "media" {
					return c
				}
				return nil
			})
			reports, err := r.Resume(ctx, "r1", nil, NewDBObserver(s))
			require.NoError(t, err)
			require.Len(t, reports, 1)
			report := reports[0]
			assert.Equal(t, "r1", report.RunID)
			assert.Equal(t, []string{"process"}, report.Path())
			assert.Equal(t, 3, report.TotalSteps)

			_, err = s.LoadCheckpoint(ctx, "r1")
			assert.ErrorIs(t, err, ErrNoCheckpoint)
			run, err := s.GetRun(ctx, "r1")
			require.NoError(t, err)
			assert.Equal(t, StatusDone, run.Status)
		})
	}
}

func TestResumer_KeepsLoopCounts(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	// process still fails and its fallback was already used once.
	require.NoError(t, s.SaveCheckpoint(ctx, pipeline.Checkpoint{
		RunID: "r1", Chain: "media", NextStage: "process", Steps: 2,
		RouteCounts: map[string]int{"process/failure": 1},
	}))
	c := mediaChain(t, pipeline.Fail(errors.New("still broken")))
	r := NewResumer(s, func(string) *pipeline.Chain { return c })
	reports, err := r.Resume(ctx, "r1", nil, nil)
	assert.ErrorIs(t, err, pipeline.ErrMaxLoops)
	require.Len(t, reports, 1)
	assert.Equal(t, []string{"process"}, reports[0].Path())
}

func TestResumer_Errors(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	r := NewResumer(s, func(string) *pipeline.Chain { return nil })

	_, err := r.Resume(ctx, "missing", nil, nil)
	assert.ErrorIs(t, err, ErrNoCheckpoint)

	require.NoError(t, s.SaveCheckpoint(ctx, pipeline.Checkpoint{RunID: "r1", Chain: "gone", NextStage: "a"}))
	_, err = r.Resume(ctx, "r1", nil, nil)
	assert.ErrorContains(t, err, `chain "gone" not found`)
	_, err = s.LoadCheckpoint(ctx, "r1")
	assert.NoError(t, err, "checkpoint is left for inspection")
}

func TestResumer_ResumeAll(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	c := mediaChain(t, needsSource())
	for _, id := range []string{"r1", "r2"} {
		require.NoError(t, s.SaveCheckpoint(ctx, pipeline.Checkpoint{RunID: id, Chain: "media", NextStage: "download", Steps: 1}))
	}
	require.NoError(t, s.SaveCheckpoint(ctx, pipeline.Checkpoint{RunID: "r3", Chain: "other", NextStage: "x"}))

	r := NewResumer(s, func(name string) *pipeline.Chain {
		if name == "media" {
			return c
		}
		return nil
	})
	reports, err := r.ResumeAll(ctx, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "r3")
	require.Len(t, reports, 2)
	for _, rep := range reports {
		assert.Equal(t, []string{"download", "process"}, rep.Path())
		assert.True(t, rep.Succeeded())
	}
	ids, err := s.PendingCheckpoints(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"r3"}, ids)
}

func TestResumer_ContinuesSequence(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	first, err := pipeline.NewChain("first", "fetch", map[string]pipeline.Stage{
		"fetch": pipeline.Set("token", "abc"),
	}, pipeline.Linear("fetch"))
	require.NoError(t, err)
	second, err := pipeline.NewChain("second", "use", map[string]pipeline.Stage{
		"use": pipeline.Require("token"),
	}, pipeline.Linear("use"))
	require.NoError(t, err)
	seq := &pipeline.Sequence{Name: "both", Chains: []*pipeline.Chain{first, second}}
	chains := map[string]*pipeline.Chain{"first": first, "second": second}

	pos := &pipeline.SequencePosition{Name: "both", Base: "s", Index: 0}
	require.NoError(t, s.SaveCheckpoint(ctx, pipeline.Checkpoint{RunID: "s-0", Chain: "first", NextStage: "fetch", Sequence: pos}))

	r := NewResumer(s, func(name string) *pipeline.Chain { return chains[name] })
	reports, err := r.Resume(ctx, "s-0", nil, nil)
	assert.ErrorContains(t, err, "later chains were not run")
	require.Len(t, reports, 1)
	assert.True(t, reports[0].Succeeded())

	require.NoError(t, s.SaveCheckpoint(ctx, pipeline.Checkpoint{RunID: "s-0", Chain: "first", NextStage: "fetch", Sequence: pos}))
	r.WithSequences(func(name string) *pipeline.Sequence {
		if name == "both" {
			return seq
		}
		return nil
	})
	reports, err = r.Resume(ctx, "s-0", nil, NewDBObserver(s))
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Equal(t, "s-0", reports[0].RunID)
	assert.Equal(t, "s-1", reports[1].RunID)
	assert.Equal(t, []string{"use"}, reports[1].Path())

	ids, err := s.PendingCheckpoints(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}
