package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndexRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache", "steps.json")

	x, err := Open(path)
	require.NoError(t, err)
	assert.Zero(t, x.Len())

	key := digest.FromString("step")
	entry := Entry{Tag: "crate-cache/bots:abc", Stage: "builder", Created: time.Unix(100, 0).UTC()}
	x.Put(key, entry)
	require.NoError(t, x.Save())

	y, err := Open(path)
	require.NoError(t, err)
	got, ok := y.Lookup(key)
	require.True(t, ok)
	assert.Equal(t, entry, got)
}

func TestIndexSaveMerges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "steps.json")

	a, err := Open(path)
	require.NoError(t, err)
	b, err := Open(path)
	require.NoError(t, err)

	ka := digest.FromString("a")
	kb := digest.FromString("b")
	a.Put(ka, Entry{Tag: "a"})
	b.Put(kb, Entry{Tag: "b"})
	require.NoError(t, a.Save())
	require.NoError(t, b.Save())

	c, err := Open(path)
	require.NoError(t, err)
	assert.ElementsMatch(t, []digest.Digest{ka, kb}, c.Keys())
}

func TestIndexDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "steps.json")

	x, err := Open(path)
	require.NoError(t, err)
	key := digest.FromString("gone")
	x.Put(key, Entry{Tag: "t"})
	require.NoError(t, x.Save())

	x.Delete(key)
	_, ok := x.Lookup(key)
	assert.False(t, ok)
	require.NoError(t, x.Save())

	y, err := Open(path)
	require.NoError(t, err)
	assert.Zero(t, y.Len())
}

func TestOpenCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "steps.json")

	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	_, err := Open(path)
	require.ErrorIs(t, err, ErrCorrupt)

	require.NoError(t, os.WriteFile(path, []byte(`{"version": 99}`), 0o644))
	_, err = Open(path)
	require.ErrorIs(t, err, ErrCorrupt)
}
