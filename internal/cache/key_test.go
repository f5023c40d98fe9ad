package cache

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	parent := digest.FromString("base")

	a := Key(parent, "run", "cargo build")
	assert.Equal(t, a, Key(parent, "run", "cargo build"))
	assert.NotEqual(t, a, Key(parent, "run", "cargo buil", "d"))
	assert.NotEqual(t, a, Key(parent, "runcargo build"))
	assert.NotEqual(t, a, Key(digest.FromString("other"), "run", "cargo build"))
	require.NoError(t, a.Validate())
}

func TestTag(t *testing.T) {
	key := digest.FromString("x")
	tag := Tag("bots", key)
	assert.True(t, strings.HasPrefix(tag, "crate-cache/bots:"))
	assert.Len(t, strings.TrimPrefix(tag, "crate-cache/bots:"), 32)
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

func TestHashPath(t *testing.T) {
	files := map[string]string{
		"main.rs":      "fn main() {}",
		"bots/home.rs": "pub fn main() {}",
	}

	a := t.TempDir()
	b := t.TempDir()
	writeTree(t, a, files)
	writeTree(t, b, files)

	ha, err := HashPath(a)
	require.NoError(t, err)
	hb, err := HashPath(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb, "identical trees in different locations")

	writeTree(t, b, map[string]string{"bots/home.rs": "pub fn main() { todo!() }"})
	hb2, err := HashPath(b)
	require.NoError(t, err)
	assert.NotEqual(t, ha, hb2, "content change")

	require.NoError(t, os.Chmod(filepath.Join(a, "main.rs"), 0o755))
	ha2, err := HashPath(a)
	require.NoError(t, err)
	assert.NotEqual(t, ha, ha2, "mode change")
}

func TestHashPathSingleFile(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{"Cargo.lock": "version = 3"})

	h, err := HashPath(filepath.Join(dir, "Cargo.lock"))
	require.NoError(t, err)
	require.NoError(t, h.Validate())
}

func TestHashPathMissing(t *testing.T) {
	_, err := HashPath(filepath.Join(t.TempDir(), "absent"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestEnviron(t *testing.T) {
	assert.Equal(t, Environ([]string{"B=2", "A=1"}), Environ([]string{"A=1", "B=2"}))
	assert.Empty(t, Environ(nil))
}
