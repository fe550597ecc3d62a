package pipeline

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestState_SetGetDelete(t *testing.T) {
	s := NewState(map[string]any{"in_file": "a.mp4"})
	v, ok := s.Get("in_file")
	require.True(t, ok)
	assert.Equal(t, "a.mp4", v)

	s.Set("b", 2)
	s.Set("a", 1)
	assert.Equal(t, []string{"a", "b", "in_file"}, s.Keys())
	assert.Equal(t, 3, s.Len())

	s.Delete("a")
	assert.False(t, s.Has("a"))
}

func TestNewState_CopiesInitial(t *testing.T) {
	initial := map[string]any{"k": "v"}
	s := NewState(initial)
	s.Set("k", "changed")
	assert.Equal(t, "v", initial["k"])
}

func TestKey_TypeMismatch(t *testing.T) {
	s := NewState(map[string]any{"n": "not a number"})
	_, err := NewKey[int]("n").Get(s)
	assert.ErrorIs(t, err, ErrKeyType)

	_, err = NewKey[int]("missing").Get(s)
	assert.ErrorIs(t, err, ErrMissingKey)

	_, ok := NewKey[int]("n").Lookup(s)
	assert.False(t, ok)
}

func TestKey_SetGet(t *testing.T) {
	s := NewState(nil)
	k := NewKey[[]string]("files")
	k.Set(s, []string{"a", "b"})
	got, err := k.Get(s)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestState_JSONRoundTripDecodesTypedKeys(t *testing.T) {
	type volume struct {
		Mean float64 `json:"mean"`
		Max  float64 `json:"max"`
	}
	s := NewState(nil)
	CacheDirKey.Set(s, "/tmp/c")
	NewKey[volume]("volume").Set(s, volume{Mean: -20.5, Max: -1})
	NewKey[int]("attempt").Set(s, 3)

	data, err := json.Marshal(s)
	require.NoError(t, err)

	restored := &State{}
	require.NoError(t, json.Unmarshal(data, restored))

	dir, err := CacheDirKey.Get(restored)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/c", dir)

	vol, err := NewKey[volume]("volume").Get(restored)
	require.NoError(t, err)
	assert.Equal(t, volume{Mean: -20.5, Max: -1}, vol)

	n, err := NewKey[int]("attempt").Get(restored)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// Decoded once, the typed value replaces the raw one.
	raw, _ := restored.Get("attempt")
	assert.Equal(t, 3, raw)

	_, err = NewKey[int]("volume").Get(restored)
	assert.ErrorIs(t, err, ErrKeyType)
}

func TestState_SnapshotDecodesRawValues(t *testing.T) {
	restored := &State{}
	require.NoError(t, json.Unmarshal([]byte(`{"in_file":"a.mp4","n":2}`), restored))
	snap := restored.Snapshot()
	assert.Equal(t, "a.mp4", snap["in_file"])
	assert.Equal(t, float64(2), snap["n"])
}

func TestState_String(t *testing.T) {
	s := NewState(map[string]any{"name": "x", "n": 1})
	v, err := s.String("name")
	require.NoError(t, err)
	assert.Equal(t, "x", v)
	_, err = s.String("n")
	assert.ErrorIs(t, err, ErrKeyType)
}
