package httpstages

import (
	"context"
	"fmt"
	"reflect"

	"github.com/dcshock/stagechain/pipeline"
)

// Expect returns a stage that runs the predicate on the value under key. If the predicate returns an error,
// the stage fails with that error. Use after DecodeJSON to verify the decoded result (e.g. check status field, required keys).
func Expect(key string, predicate func(interface{}) error) pipeline.Stage {
	if predicate == nil {
		panic("httpstages.Expect: predicate must not be nil")
	}
	return pipeline.StageFunc(func(ctx context.Context, state *pipeline.State) error {
		v, ok := state.Snapshot()[key]
		if !ok {
			return fmt.Errorf("expect: %w: %q", pipeline.ErrMissingKey, key)
		}
		if err := predicate(v); err != nil {
			return fmt.Errorf("expect: %w", err)
		}
		return nil
	})
}

// ExpectEqual returns a stage that checks the value under key equals expected using reflect.DeepEqual.
// Works for primitives, slices, and maps (e.g. decoded JSON).
func ExpectEqual(key string, expected interface{}) pipeline.Stage {
	return Expect(key, func(v interface{}) error {
		if !reflect.DeepEqual(v, expected) {
			return fmt.Errorf("got %v, want %v", v, expected)
		}
		return nil
	})
}
