package observer

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dcshock/stagechain/pipeline"
)

func openTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := Open(context.Background(), DriverSQLite, filepath.Join(t.TempDir(), "runs", "stagechain.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// stores returns every Store implementation under test.
func stores(t *testing.T) map[string]Store {
	return map[string]Store{
		"sqlite": openTestStore(t),
		"memory": NewMemoryStore(),
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "x")
	assert.ErrorContains(t, err, "not supported")
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stagechain.db")
	s, err := Open(context.Background(), DriverSQLite, path)
	require.NoError(t, err)
	require.NoError(t, s.StartRun(context.Background(), Run{RunID: "r1", Chain: "media"}))
	require.NoError(t, s.Close())

	s, err = Open(context.Background(), DriverSQLite, path)
	require.NoError(t, err)
	defer s.Close()
	run, err := s.GetRun(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "media", run.Chain)
}

func TestSQLStore_Rebind(t *testing.T) {
	pg := &SQLStore{driver: DriverPostgres}
	assert.Equal(t, "UPDATE t SET a = $1 WHERE b = $2", pg.rebind("UPDATE t SET a = ? WHERE b = ?"))
	lite := &SQLStore{driver: DriverSQLite}
	assert.Equal(t, "SELECT ?", lite.rebind("SELECT ?"))
}

func TestStore_RunLifecycle(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			started := time.UnixMilli(1_700_000_000_000).UTC()
			require.NoError(t, s.StartRun(ctx, Run{RunID: "r1", Chain: "media", StartedAt: started}))
			require.NoError(t, s.StartRun(ctx, Run{RunID: "r2", Chain: "media", StartedAt: started.Add(time.Second)}))

			run, err := s.GetRun(ctx, "r1")
			require.NoError(t, err)
			assert.Equal(t, StatusRunning, run.Status)
			assert.True(t, run.FinishedAt.IsZero())

			require.NoError(t, s.FinishRun(ctx, Run{RunID: "r1", Status: StatusAborted, Error: "boom", Steps: 3}))
			run, err = s.GetRun(ctx, "r1")
			require.NoError(t, err)
			assert.Equal(t, StatusAborted, run.Status)
			assert.Equal(t, "boom", run.Error)
			assert.Equal(t, 3, run.Steps)
			assert.False(t, run.FinishedAt.IsZero())

			// Restarting keeps the original start time.
			require.NoError(t, s.StartRun(ctx, Run{RunID: "r1", Chain: "media", StartedAt: started.Add(time.Hour)}))
			run, err = s.GetRun(ctx, "r1")
			require.NoError(t, err)
			assert.Equal(t, StatusRunning, run.Status)
			assert.Equal(t, started, run.StartedAt)
			assert.Empty(t, run.Error)

			runs, err := s.ListRuns(ctx, 0)
			require.NoError(t, err)
			require.Len(t, runs, 2)
			assert.Equal(t, "r2", runs[0].RunID)

			runs, err = s.ListRuns(ctx, 1)
			require.NoError(t, err)
			assert.Len(t, runs, 1)
		})
	}
}

func TestStore_Stages(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			recs := []StageRecord{
				{RunID: "r1", Step: 0, Stage: "process", Outcome: "failure", Next: "download", Error: "no input", Duration: 5 * time.Millisecond},
				{RunID: "r1", Step: 1, Stage: "download", Outcome: "success", Next: "process", Duration: 7 * time.Millisecond},
			}
			for _, rec := range recs {
				require.NoError(t, s.SaveStage(ctx, rec))
			}
			got, err := s.Stages(ctx, "r1")
			require.NoError(t, err)
			assert.Equal(t, recs, got)
		})
	}
}

func TestStore_Checkpoints(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := s.LoadCheckpoint(ctx, "r1")
			assert.True(t, errors.Is(err, ErrNoCheckpoint))

			state := pipeline.NewState(map[string]any{"in_file": "a.mp4"})
			cp := pipeline.Checkpoint{RunID: "r1", Chain: "media", NextStage: "download", Steps: 1,
				RouteCounts: map[string]int{"process/failure": 1}, State: state, LastError: "no input"}
			require.NoError(t, s.SaveCheckpoint(ctx, cp))
			cp.NextStage = "process"
			cp.Steps = 2
			require.NoError(t, s.SaveCheckpoint(ctx, cp))
			require.NoError(t, s.SaveCheckpoint(ctx, pipeline.Checkpoint{RunID: "r2", Chain: "media", NextStage: "process"}))

			got, err := s.LoadCheckpoint(ctx, "r1")
			require.NoError(t, err)
			assert.Equal(t, "process", got.NextStage)
			assert.Equal(t, 2, got.Steps)
			assert.Equal(t, map[string]int{"process/failure": 1}, got.RouteCounts)
			in, err := pipeline.InFileKey.Get(got.State)
			require.NoError(t, err)
			assert.Equal(t, "a.mp4", in)

			ids, err := s.PendingCheckpoints(ctx)
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"r1", "r2"}, ids)

			require.NoError(t, s.DeleteCheckpoint(ctx, "r1"))
			require.NoError(t, s.DeleteCheckpoint(ctx, "r1"))
			_, err = s.LoadCheckpoint(ctx, "r1")
			assert.ErrorIs(t, err, ErrNoCheckpoint)
		})
	}
}
