package config

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/dcshock/stagechain/pipeline"
)

// ErrUnregistered is returned by Lookup for a name no stage was bound to.
var ErrUnregistered = errors.New("stage not registered")

// Registry binds the stage names used in chain files to Go implementations.
// The zero value is ready to use; a Registry is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	stages map[string]pipeline.Stage
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry { return &Registry{} }

// Register binds name to stage, replacing an earlier binding.
func (r *Registry) Register(name string, stage pipeline.Stage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stages == nil {
		r.stages = map[string]pipeline.Stage{}
	}
	r.stages[name] = stage
}

// RegisterFunc binds name to fn.
func (r *Registry) RegisterFunc(name string, fn func(context.Context, *pipeline.State) error) {
	r.Register(name, pipeline.StageFunc(fn))
}

// Lookup returns the stage bound to name. For an unknown name the error
// wraps ErrUnregistered and lists the bound names.
func (r *Registry) Lookup(name string) (pipeline.Stage, error) {
	r.mu.RLock()
	stage, ok := r.stages[name]
	r.mu.RUnlock()
	if ok {
		return stage, nil
	}
	known := r.Names()
	if len(known) == 0 {
		return nil, fmt.Errorf("%w: %q (registry is empty)", ErrUnregistered, name)
	}
	return nil, fmt.Errorf("%w: %q (known: %s)", ErrUnregistered, name, strings.Join(known, ", "))
}

// Names lists the bound names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.stages))
}
