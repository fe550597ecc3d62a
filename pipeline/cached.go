package pipeline

import (
	"context"
	"fmt"
	"io"
)

// CachedStage runs an expensive computation behind a cache gate rooted at the
// run's cache_dir. When the artifact already exists the computation is
// skipped and the cached content is used; otherwise Compute writes the
// artifact, which is stored only if Compute succeeds.
//
// The artifact content is stored in the state under Into (as a string) and
// the artifact path under Into+"_path".
type CachedStage struct {
	Artifact string
	Into     string
	Compute  func(ctx context.Context, state *State, w io.Writer) error
	// Validate, if set, parses an artifact before reuse; unparseable
	// artifacts are recomputed.
	Validate func([]byte) error
}

// Cached returns a CachedStage writing the named artifact and storing its
// content under into.
func Cached(artifact, into string, compute func(ctx context.Context, state *State, w io.Writer) error) *CachedStage {
	return &CachedStage{Artifact: artifact, Into: into, Compute: compute}
}

// CacheHitKey returns the state key recording whether the stage's last run
// reused its artifact.
func (c *CachedStage) CacheHitKey() Key[bool] {
	return NewKey[bool](c.Into + "_cached")
}

// Run implements Stage.
func (c *CachedStage) Run(ctx context.Context, state *State) Result {
	if c.Compute == nil {
		return Failed(fmt.Errorf("cached %s: no compute function", c.Artifact))
	}
	var opts []GateOption
	if c.Validate != nil {
		opts = append(opts, WithValidator(c.Validate))
	}
	gate, err := GateFromState(state, opts...)
	if err != nil {
		return Failed(err)
	}
	data, hit, err := gate.Compute(ctx, c.Artifact, func(ctx context.Context, w io.Writer) error {
		return c.Compute(ctx, state, w)
	})
	if err != nil {
		return Failed(fmt.Errorf("cached %s: %w", c.Artifact, err))
	}
	state.Set(c.Into, string(data))
	state.Set(c.Into+"_path", gate.ArtifactPath(c.Artifact))
	c.CacheHitKey().Set(state, hit)
	return Done()
}
