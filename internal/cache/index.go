package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/renameio/v2"
	"github.com/opencontainers/go-digest"
)

// Current on-disk format version.
const indexVersion = 1

// A committed step.
type Entry struct {
	Tag     string    `json:"tag"`     // Engine image tag holding the step's result.
	Stage   string    `json:"stage"`   // Stage the step belongs to.
	Created time.Time `json:"created"` // When the step was committed.
}

// Maps step chain keys to committed images.
//
// An Index is loaded once per build, updated in memory, and written back
// with [Index.Save]. Saving merges with entries written by other processes
// since the load, under a file lock.
type Index struct {
	path    string
	mu      sync.Mutex
	entries map[digest.Digest]Entry
	dirty   map[digest.Digest]bool
	removed map[digest.Digest]bool
}

// On-disk representation.
type indexFile struct {
	Version int                     `json:"version"`
	Entries map[digest.Digest]Entry `json:"entries"`
}

// Loads the index stored at path. A missing file yields an empty index.
func Open(path string) (*Index, error) {
	entries, err := readIndex(path)
	if err != nil {
		return nil, err
	}
	return &Index{
		path:    path,
		entries: entries,
		dirty:   make(map[digest.Digest]bool),
		removed: make(map[digest.Digest]bool),
	}, nil
}

// Returns the entry recorded for key.
func (x *Index) Lookup(key digest.Digest) (Entry, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	e, ok := x.entries[key]
	return e, ok
}

// Records an entry for key.
func (x *Index) Put(key digest.Digest, e Entry) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.entries[key] = e
	x.dirty[key] = true
	delete(x.removed, key)
}

// Forgets key, typically because its image no longer exists in the engine.
func (x *Index) Delete(key digest.Digest) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.entries, key)
	delete(x.dirty, key)
	x.removed[key] = true
}

// Returns all keys in sorted order.
func (x *Index) Keys() []digest.Digest {
	x.mu.Lock()
	defer x.mu.Unlock()
	return slices.Sorted(maps.Keys(x.entries))
}

// Returns the number of entries.
func (x *Index) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.entries)
}

// Writes the index back to disk.
//
// The file is re-read under an exclusive lock, local changes are applied on
// top, and the result replaces the file atomically.
func (x *Index) Save() error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(x.path), 0o755); err != nil {
		return fmt.Errorf("%w: %w", ErrCache, err)
	}

	lock := flock.New(x.path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("%w: %w", ErrCache, err)
	}
	defer lock.Unlock()

	current, err := readIndex(x.path)
	if err != nil {
		return err
	}
	for k := range x.removed {
		delete(current, k)
	}
	for k := range x.dirty {
		current[k] = x.entries[k]
	}

	b, err := json.MarshalIndent(indexFile{Version: indexVersion, Entries: current}, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCache, err)
	}
	if err := renameio.WriteFile(x.path, b, 0o644); err != nil {
		return fmt.Errorf("%w: %w", ErrCache, err)
	}

	x.entries = current
	clear(x.dirty)
	clear(x.removed)
	return nil
}

// Reads the index file at path. A missing file is an empty index.
func readIndex(path string) (map[digest.Digest]Entry, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return make(map[digest.Digest]Entry), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCache, err)
	}

	var f indexFile
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCorrupt, path, err)
	}
	if f.Version != indexVersion {
		return nil, fmt.Errorf("%w: %s: unsupported version %d", ErrCorrupt, path, f.Version)
	}
	if f.Entries == nil {
		f.Entries = make(map[digest.Digest]Entry)
	}
	return f.Entries, nil
}
