package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sync/singleflight"
)

// ArtifactExt is the file extension of cache artifacts.
const ArtifactExt = ".txt"

// computeGroup collapses concurrent computations of the same artifact path,
// across every Gate in the process.
var computeGroup singleflight.Group

// Gate decides whether a stage can reuse an artifact from an earlier run
// instead of recomputing it. Artifacts are plain files, <dir>/<name>.txt, and
// the presence of the file is the only completion signal. Writes go through a
// temporary file and a rename, so a failed computation never leaves a
// visible artifact behind.
type Gate struct {
	dir      string
	validate func([]byte) error
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithValidator makes the gate parse artifacts before reusing them. An
// artifact that fails validation is treated as not cached and recomputed.
func WithValidator(fn func([]byte) error) GateOption {
	return func(g *Gate) { g.validate = fn }
}

// NewGate returns a Gate rooted at dir.
func NewGate(dir string, opts ...GateOption) *Gate {
	g := &Gate{dir: dir}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// GateFromState returns a Gate rooted at the run's cache_dir value.
func GateFromState(state *State, opts ...GateOption) (*Gate, error) {
	dir, err := CacheDirKey.Get(state)
	if err != nil {
		return nil, fmt.Errorf("cache gate: %w", err)
	}
	if dir == "" {
		return nil, fmt.Errorf("cache gate: %q is empty", CacheDirKey.Name())
	}
	return NewGate(dir, opts...), nil
}

// Dir returns the gate's root directory.
func (g *Gate) Dir() string { return g.dir }

// ArtifactPath returns the file path of the named artifact.
func (g *Gate) ArtifactPath(name string) string {
	return filepath.Join(g.dir, name+ArtifactExt)
}

// Exists reports whether the named artifact file is present.
func (g *Gate) Exists(name string) bool {
	fi, err := os.Stat(g.ArtifactPath(name))
	return err == nil && fi.Mode().IsRegular()
}

// Load returns the named artifact. A missing artifact, or one that fails the
// gate's validator, yields an error wrapping ErrNotCached.
func (g *Gate) Load(name string) ([]byte, error) {
	data, err := os.ReadFile(g.ArtifactPath(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotCached, name)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrNotCached, name, err)
	}
	if g.validate != nil {
		if err := g.validate(data); err != nil {
			return nil, fmt.Errorf("%w: %s: unusable artifact: %v", ErrNotCached, name, err)
		}
	}
	return data, nil
}

// Store writes data as the named artifact.
func (g *Gate) Store(name string, data []byte) error {
	return g.write(name, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// Invalidate removes the named artifact. Removing a missing artifact is not an error.
func (g *Gate) Invalidate(name string) error {
	err := os.Remove(g.ArtifactPath(name))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("invalidate %s: %w", name, err)
	}
	return nil
}

// ComputeFunc produces an artifact by writing it to w.
type ComputeFunc func(ctx context.Context, w io.Writer) error

type computed struct {
	data   []byte
	cached bool
}

// Compute returns the named artifact, calling fn only when no usable artifact
// exists. cached reports whether the artifact was reused. If fn fails the
// artifact is not written. Concurrent calls for the same artifact share one
// computation; a caller whose ctx is still live retries when the shared
// computation was cancelled by another caller's ctx.
func (g *Gate) Compute(ctx context.Context, name string, fn ComputeFunc) (data []byte, cached bool, err error) {
	key, err := filepath.Abs(g.ArtifactPath(name))
	if err != nil {
		key = g.ArtifactPath(name)
	}
	for {
		led := false
		ch := computeGroup.DoChan(key, func() (interface{}, error) {
			led = true
			return g.compute(ctx, name, fn)
		})
		var res singleflight.Result
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case res = <-ch:
		}
		if res.Err != nil {
			if !led && ctx.Err() == nil && isContextErr(res.Err) {
				continue
			}
			return nil, false, res.Err
		}
		c := res.Val.(computed)
		return c.data, c.cached, nil
	}
}

func (g *Gate) compute(ctx context.Context, name string, fn ComputeFunc) (computed, error) {
	if data, err := g.Load(name); err == nil {
		return computed{data: data, cached: true}, nil
	}
	var buf bytes.Buffer
	if err := fn(ctx, &buf); err != nil {
		return computed{}, err
	}
	out := buf.Bytes()
	if g.validate != nil {
		if err := g.validate(out); err != nil {
			return computed{}, fmt.Errorf("computed artifact %s is invalid: %w", name, err)
		}
	}
	if err := g.Store(name, out); err != nil {
		return computed{}, err
	}
	return computed{data: out}, nil
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (g *Gate) write(name string, fill func(w io.Writer) error) (err error) {
	if err := os.MkdirAll(g.dir, 0o755); err != nil {
		return fmt.Errorf("store %s: %w", name, err)
	}
	tmp, err := os.CreateTemp(g.dir, "."+name+".tmp-*")
	if err != nil {
		return fmt.Errorf("store %s: %w", name, err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()
	if err := fill(tmp); err != nil {
		return fmt.Errorf("store %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), g.ArtifactPath(name)); err != nil {
		return fmt.Errorf("store %s: %w", name, err)
	}
	return nil
}
