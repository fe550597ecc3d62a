package httpstages

import (
	"context"
	"fmt"

	"github.com/dcshock/stagechain/pipeline"
)

// DecodeJSON returns a stage that unmarshals the body under from (a []byte or string) and stores
// the decoded value (e.g. map[string]interface{} for objects) under into.
func DecodeJSON(from, into string) pipeline.Stage {
	parse := pipeline.ParseJSON()
	return pipeline.StageFunc(func(ctx context.Context, state *pipeline.State) error {
		raw, err := body(state, from)
		if err != nil {
			return err
		}
		v, err := parse(raw)
		if err != nil {
			return err
		}
		state.Set(into, v)
		return nil
	})
}

// DecodeJSONTo is like DecodeJSON but decodes into a *T.
func DecodeJSONTo[T any](from string, into pipeline.Key[*T]) pipeline.Stage {
	parse := pipeline.ParseJSONTo[T]()
	return pipeline.StageFunc(func(ctx context.Context, state *pipeline.State) error {
		raw, err := body(state, from)
		if err != nil {
			return err
		}
		v, err := parse(raw)
		if err != nil {
			return err
		}
		into.Set(state, v.(*T))
		return nil
	})
}

func body(state *pipeline.State, key string) ([]byte, error) {
	v, ok := state.Get(key)
	if !ok {
		return nil, fmt.Errorf("decode json: %w: %q", pipeline.ErrMissingKey, key)
	}
	switch b := v.(type) {
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	}
	if b, err := pipeline.NewKey[[]byte](key).Get(state); err == nil {
		return b, nil
	}
	return nil, fmt.Errorf("decode json: %q must be []byte or string, got %T", key, v)
}
