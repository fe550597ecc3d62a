package pipeline

import (
	"encoding/json"
	"fmt"
	"sort"
)

// State is the mutable context shared by every stage of one run. It is created
// when the run starts, handed to one stage at a time by the executor and
// dropped when the run reaches a terminal. State is not safe for concurrent
// use; independent runs each get their own State.
//
// Values restored from a checkpoint are held as json.RawMessage until they are
// read through a typed Key, which decodes them into the key's type.
type State struct {
	values map[string]any
}

// NewState returns a State seeded with a copy of initial.
func NewState(initial map[string]any) *State {
	s := &State{values: make(map[string]any, len(initial))}
	for k, v := range initial {
		s.values[k] = v
	}
	return s
}

// Get returns the raw value stored under key.
func (s *State) Get(key string) (any, bool) {
	v, ok := s.values[key]
	return v, ok
}

// Set stores v under key, replacing any previous value.
func (s *State) Set(key string, v any) {
	if s.values == nil {
		s.values = make(map[string]any)
	}
	s.values[key] = v
}

// Delete removes key.
func (s *State) Delete(key string) {
	delete(s.values, key)
}

// Has reports whether key is set.
func (s *State) Has(key string) bool {
	_, ok := s.values[key]
	return ok
}

// Keys returns the set keys in sorted order.
func (s *State) Keys() []string {
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of keys.
func (s *State) Len() int { return len(s.values) }

// String returns the string stored under key.
func (s *State) String(key string) (string, error) {
	return NewKey[string](key).Get(s)
}

// Snapshot returns a copy of the values. Checkpoint-restored values that were
// never read through a typed key are decoded into their generic JSON form
// (map[string]any, []any, float64, string, bool).
func (s *State) Snapshot() map[string]any {
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		if raw, ok := v.(json.RawMessage); ok {
			var decoded any
			if err := json.Unmarshal(raw, &decoded); err == nil {
				out[k] = decoded
				continue
			}
		}
		out[k] = v
	}
	return out
}

// MarshalJSON encodes the values as a JSON object.
func (s *State) MarshalJSON() ([]byte, error) {
	if s.values == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(s.values)
}

// UnmarshalJSON replaces the values with the keys of a JSON object. Each value
// is kept raw until a typed Key reads it.
func (s *State) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("state: %w", err)
	}
	s.values = make(map[string]any, len(raw))
	for k, v := range raw {
		s.values[k] = v
	}
	return nil
}

// Key is a typed handle for one context value. Stages that produce and
// consume a value share the Key so they agree on its type.
type Key[T any] struct {
	name string
}

// NewKey returns a Key for name holding values of type T.
func NewKey[T any](name string) Key[T] {
	return Key[T]{name: name}
}

// Name returns the context key.
func (k Key[T]) Name() string { return k.name }

// Set stores v in s.
func (k Key[T]) Set(s *State, v T) {
	s.Set(k.name, v)
}

// Get returns the value of k in s. It returns ErrMissingKey when the key is
// not set and ErrKeyType when the value has another type.
func (k Key[T]) Get(s *State) (T, error) {
	var zero T
	v, ok := s.values[k.name]
	if !ok {
		return zero, fmt.Errorf("%w: %q", ErrMissingKey, k.name)
	}
	if t, ok := v.(T); ok {
		return t, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		var t T
		if err := json.Unmarshal(raw, &t); err != nil {
			return zero, fmt.Errorf("%w: %q does not decode as %T: %v", ErrKeyType, k.name, zero, err)
		}
		s.values[k.name] = t
		return t, nil
	}
	return zero, fmt.Errorf("%w: %q is %T, want %T", ErrKeyType, k.name, v, zero)
}

// Lookup is like Get but reports only whether a value of the right type exists.
func (k Key[T]) Lookup(s *State) (T, bool) {
	v, err := k.Get(s)
	return v, err == nil
}

// Well-known keys used by the built-in stages.
var (
	// CacheDirKey holds the directory used by cache gates.
	CacheDirKey = NewKey[string]("cache_dir")
	// InFileKey holds the primary input file of a run.
	InFileKey = NewKey[string]("in_file")
)
