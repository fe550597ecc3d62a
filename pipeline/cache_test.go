package pipeline

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGate_StoreThenExists(t *testing.T) {
	dir := t.TempDir()
	g := NewGate(dir)
	assert.Equal(t, filepath.Join(dir, "volume_detect.txt"), g.ArtifactPath("volume_detect"))
	assert.False(t, g.Exists("volume_detect"))

	require.NoError(t, g.Store("volume_detect", []byte("mean_volume: -20.0 dB\n")))
	assert.True(t, g.Exists("volume_detect"))

	data, err := g.Load("volume_detect")
	require.NoError(t, err)
	assert.Equal(t, "mean_volume: -20.0 dB\n", string(data))
}

func TestGate_StoreCreatesDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "cache")
	g := NewGate(dir)
	require.NoError(t, g.Store("a", []byte("x")))
	assert.True(t, g.Exists("a"))
}

func TestGate_LoadMissing(t *testing.T) {
	_, err := NewGate(t.TempDir()).Load("nope")
	assert.ErrorIs(t, err, ErrNotCached)
}

func TestGate_ComputeOnce(t *testing.T) {
	g := NewGate(t.TempDir())
	calls := 0
	compute := func(ctx context.Context, w io.Writer) error {
		calls++
		_, err := io.WriteString(w, "result")
		return err
	}

	data, cached, err := g.Compute(context.Background(), "expensive", compute)
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, "result", string(data))

	data, cached, err = g.Compute(context.Background(), "expensive", compute)
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, "result", string(data))
	assert.Equal(t, 1, calls, "expensive operation must not run again while the artifact exists")
}

func TestGate_ComputeFailureLeavesNoArtifact(t *testing.T) {
	dir := t.TempDir()
	g := NewGate(dir)
	errTool := errors.New("tool crashed")
	_, _, err := g.Compute(context.Background(), "partial", func(ctx context.Context, w io.Writer) error {
		_, _ = io.WriteString(w, "half of the out")
		return errTool
	})
	assert.ErrorIs(t, err, errTool)
	assert.False(t, g.Exists("partial"))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "no temp files should remain")
}

func TestGate_CorruptArtifactIsRecomputed(t *testing.T) {
	g := NewGate(t.TempDir(), WithValidator(func(b []byte) error {
		if !strings.HasPrefix(string(b), "ok:") {
			return errors.New("bad header")
		}
		return nil
	}))
	require.NoError(t, g.Store("a", []byte("garbage")))

	_, err := g.Load("a")
	assert.ErrorIs(t, err, ErrNotCached)

	calls := 0
	data, cached, err := g.Compute(context.Background(), "a", func(ctx context.Context, w io.Writer) error {
		calls++
		_, err := io.WriteString(w, "ok: fresh")
		return err
	})
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, 1, calls)
	assert.Equal(t, "ok: fresh", string(data))
}

func TestGate_ComputeRejectsInvalidOutput(t *testing.T) {
	g := NewGate(t.TempDir(), WithValidator(func(b []byte) error { return errors.New("never valid") }))
	_, _, err := g.Compute(context.Background(), "a", func(ctx context.Context, w io.Writer) error {
		_, err := io.WriteString(w, "whatever")
		return err
	})
	assert.Error(t, err)
	assert.False(t, g.Exists("a"))
}

func TestGate_ConcurrentComputeRunsOnce(t *testing.T) {
	g := NewGate(t.TempDir())
	var calls atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, _, err := g.Compute(context.Background(), "shared", func(ctx context.Context, w io.Writer) error {
				calls.Add(1)
				time.Sleep(20 * time.Millisecond)
				_, err := io.WriteString(w, "shared")
				return err
			})
			assert.NoError(t, err)
			assert.Equal(t, "shared", string(data))
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())
}

func TestGate_ComputeSurvivesOtherCallerCancel(t *testing.T) {
	g := NewGate(t.TempDir())
	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	defer cancelLeader()
	started := make(chan struct{})
	leaderErr := make(chan error, 1)
	go func() {
		_, _, err := g.Compute(leaderCtx, "shared", func(ctx context.Context, w io.Writer) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		})
		leaderErr <- err
	}()
	<-started

	type result struct {
		data []byte
		err  error
	}
	follower := make(chan result, 1)
	go func() {
		data, _, err := g.Compute(context.Background(), "shared", func(ctx context.Context, w io.Writer) error {
			_, err := io.WriteString(w, "fresh")
			return err
		})
		follower <- result{data, err}
	}()
	time.Sleep(20 * time.Millisecond)
	cancelLeader()

	assert.ErrorIs(t, <-leaderErr, context.Canceled)
	got := <-follower
	require.NoError(t, got.err)
	assert.Equal(t, "fresh", string(got.data))
	assert.True(t, g.Exists("shared"))
}

func TestGate_ComputeReturnsOnCancel(t *testing.T) {
	g := NewGate(t.TempDir())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	release := make(chan struct{})
	defer close(release)
	_, _, err := g.Compute(ctx, "slow", func(context.Context, io.Writer) error {
		<-release
		return errors.New("abandoned")
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, g.Exists("slow"))
}

func TestGate_Invalidate(t *testing.T) {
	g := NewGate(t.TempDir())
	require.NoError(t, g.Store("a", []byte("x")))
	require.NoError(t, g.Invalidate("a"))
	assert.False(t, g.Exists("a"))
	assert.NoError(t, g.Invalidate("a"))
}

func TestGateFromState(t *testing.T) {
	_, err := GateFromState(NewState(nil))
	assert.ErrorIs(t, err, ErrMissingKey)

	g, err := GateFromState(NewState(map[string]any{"cache_dir": "/tmp/c"}))
	require.NoError(t, err)
	assert.Equal(t, "/tmp/c", g.Dir())
}

// detect_volume computes and writes <cache_dir>/volume_detect.txt on the
// first run; the second run finds it and goes straight to the next stage.
func TestCachedStage_DetectVolumeScenario(t *testing.T) {
	cacheDir := filepath.Join(t.TempDir(), "c")
	calls := 0
	detect := Cached("volume_detect", "volume", func(ctx context.Context, s *State, w io.Writer) error {
		calls++
		in, err := InFileKey.Get(s)
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, "input: "+in+"\nmean_volume: -20.5 dB\n")
		return err
	})
	var reached []bool
	stages := map[string]Stage{
		"detect_volume": detect,
		"normalize": Tap(func(ctx context.Context, s *State) {
			hit, _ := detect.CacheHitKey().Lookup(s)
			reached = append(reached, hit)
		}),
	}
	c, err := NewChain("media", "detect_volume", stages, Linear("detect_volume", "normalize"))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		state := NewState(map[string]any{"in_file": "a.mp4", "cache_dir": cacheDir})
		report, err := c.Run(context.Background(), state, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"detect_volume", "normalize"}, report.Path())
		vol, _ := state.String("volume")
		assert.Contains(t, vol, "mean_volume: -20.5 dB")
		path, _ := state.String("volume_path")
		assert.Equal(t, filepath.Join(cacheDir, "volume_detect.txt"), path)
	}
	assert.Equal(t, 1, calls)
	assert.Equal(t, []bool{false, true}, reached)
	_, err = os.Stat(filepath.Join(cacheDir, "volume_detect.txt"))
	assert.NoError(t, err)
}

func TestCachedStage_FailureRoutesToError(t *testing.T) {
	cacheDir := t.TempDir()
	stage := Cached("a", "a", func(ctx context.Context, s *State, w io.Writer) error {
		return errors.New("encoder missing")
	})
	res := stage.Run(context.Background(), NewState(map[string]any{"cache_dir": cacheDir}))
	assert.False(t, res.OK())
	assert.False(t, NewGate(cacheDir).Exists("a"))

	res = stage.Run(context.Background(), NewState(nil))
	assert.ErrorIs(t, res.Err, ErrMissingKey)
}
