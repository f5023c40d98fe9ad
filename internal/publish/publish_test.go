package publish

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/cruciblehq/crate/internal/runtime"
	"github.com/gofrs/flock"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/random"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Exports a fixed image as a docker-compatible tarball.
type imageExporter struct {
	img   v1.Image
	calls int
}

func (e *imageExporter) ExportImage(_ context.Context, w io.Writer, tag, _ string) error {
	e.calls++
	ref, err := name.ParseReference(tag)
	if err != nil {
		return err
	}
	return tarball.Write(ref, e.img, w)
}

// Writes part of a stream and then fails.
type failingExporter struct {
	err error
}

func (e failingExporter) ExportImage(_ context.Context, w io.Writer, _, _ string) error {
	if _, err := w.Write(bytes.Repeat([]byte("x"), 64<<10)); err != nil {
		return err
	}
	return e.err
}

// Blocks inside the export until released.
type blockingExporter struct {
	started chan struct{}
	release chan struct{}
}

func (e blockingExporter) ExportImage(ctx context.Context, w io.Writer, _, _ string) error {
	close(e.started)
	select {
	case <-e.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	_, err := w.Write([]byte("done"))
	return err
}

func newImageExporter(t *testing.T) *imageExporter {
	t.Helper()
	img, err := random.Image(1024, 2)
	require.NoError(t, err)
	return &imageExporter{img: img}
}

func testOptions(dir string) Options {
	return Options{
		Path:     filepath.Join(dir, "bots.tar.gz"),
		Tag:      "bots:latest",
		Platform: "linux/amd64",
		Level:    gzip.DefaultCompression,
		LockPath: filepath.Join(dir, "locks", "out.lock"),
	}
}

func TestPublish(t *testing.T) {
	dir := t.TempDir()
	exp := newImageExporter(t)
	opts := testOptions(dir)

	result, err := Publish(context.Background(), exp, opts)
	require.NoError(t, err)

	assert.Equal(t, opts.Path, result.Path)

	data, err := os.ReadFile(opts.Path)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), result.Size)
	assert.Equal(t, digest.FromBytes(data), result.Digest)

	// The archive decompresses to a loadable image.
	img, err := tarball.Image(func() (io.ReadCloser, error) {
		f, err := os.Open(opts.Path)
		if err != nil {
			return nil, err
		}
		zr, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, err
		}
		return zr, nil
	}, nil)
	require.NoError(t, err)

	want, err := exp.img.ConfigName()
	require.NoError(t, err)
	got, err := img.ConfigName()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestPublishDeterministic(t *testing.T) {
	exp := newImageExporter(t)

	a := testOptions(t.TempDir())
	b := testOptions(t.TempDir())

	ra, err := Publish(context.Background(), exp, a)
	require.NoError(t, err)
	rb, err := Publish(context.Background(), exp, b)
	require.NoError(t, err)

	assert.Equal(t, ra.Digest, rb.Digest)

	data, err := os.ReadFile(a.Path)
	require.NoError(t, err)

	// Gzip header: magic, method, flags, then a zero mtime.
	require.Greater(t, len(data), 10)
	assert.Equal(t, []byte{0, 0, 0, 0}, data[4:8])
}

func TestPublishReplacesExisting(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir)
	require.NoError(t, os.WriteFile(opts.Path, []byte("old archive"), 0o644))

	result, err := Publish(context.Background(), newImageExporter(t), opts)
	require.NoError(t, err)

	data, err := os.ReadFile(opts.Path)
	require.NoError(t, err)
	assert.NotEqual(t, "old archive", string(data))
	assert.Equal(t, digest.FromBytes(data), result.Digest)
	assertOnlyArchive(t, dir)
}

func TestPublishFailureKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir)
	require.NoError(t, os.WriteFile(opts.Path, []byte("old archive"), 0o644))

	_, err := Publish(context.Background(), failingExporter{err: errors.New("stream reset")}, opts)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPublish)

	data, err := os.ReadFile(opts.Path)
	require.NoError(t, err)
	assert.Equal(t, "old archive", string(data))
	assertOnlyArchive(t, dir)
}

func TestPublishFailureLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir)

	_, err := Publish(context.Background(), failingExporter{err: errors.New("stream reset")}, opts)
	require.Error(t, err)

	_, err = os.Stat(opts.Path)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assertOnlyArchive(t, dir)
}

func TestPublishImageNotFound(t *testing.T) {
	opts := testOptions(t.TempDir())

	exp := failingExporter{err: fmt.Errorf("%w: bots:latest", runtime.ErrImageNotFound)}
	_, err := Publish(context.Background(), exp, opts)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrImageNotFound)
	assert.NotErrorIs(t, err, ErrPublish)
}

func TestPublishMissingDirectory(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir)
	opts.Path = filepath.Join(dir, "missing", "bots.tar.gz")

	exp := newImageExporter(t)
	_, err := Publish(context.Background(), exp, opts)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOutputDir)
	assert.Zero(t, exp.calls)

	_, err = os.Stat(filepath.Join(dir, "missing"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestPublishOutputIsFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "output")
	require.NoError(t, os.WriteFile(file, nil, 0o644))

	opts := testOptions(dir)
	opts.Path = filepath.Join(file, "bots.tar.gz")

	_, err := Publish(context.Background(), newImageExporter(t), opts)
	assert.ErrorIs(t, err, ErrOutputDir)
}

func TestPublishUnwritableDirectory(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}

	dir := t.TempDir()
	out := filepath.Join(dir, "out")
	require.NoError(t, os.Mkdir(out, 0o755))
	require.NoError(t, os.Chmod(out, 0o555))
	t.Cleanup(func() { os.Chmod(out, 0o755) })

	opts := testOptions(dir)
	opts.Path = filepath.Join(out, "bots.tar.gz")

	_, err := Publish(context.Background(), newImageExporter(t), opts)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOutputDir)

	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCheckOutput(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, CheckOutput(filepath.Join(dir, "bots.tar.gz")))

	err := CheckOutput(filepath.Join(dir, "missing", "bots.tar.gz"))
	assert.ErrorIs(t, err, ErrOutputDir)
}

func TestPublishStoredLevel(t *testing.T) {
	exp := newImageExporter(t)

	stored := testOptions(t.TempDir())
	stored.Level = gzip.NoCompression
	best := testOptions(t.TempDir())
	best.Level = gzip.BestCompression

	rs, err := Publish(context.Background(), exp, stored)
	require.NoError(t, err)
	rb, err := Publish(context.Background(), exp, best)
	require.NoError(t, err)

	assert.Less(t, rb.Size, rs.Size)
}

func TestPublishBusy(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir)

	require.NoError(t, os.MkdirAll(filepath.Dir(opts.LockPath), 0o755))
	held := flock.New(opts.LockPath)
	locked, err := held.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	defer held.Unlock()

	exp := newImageExporter(t)
	_, err = Publish(context.Background(), exp, opts)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBusy)
	assert.Zero(t, exp.calls)
}

func TestPublishConcurrent(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir)

	exp := blockingExporter{started: make(chan struct{}), release: make(chan struct{})}

	var wg sync.WaitGroup
	var firstErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, firstErr = Publish(context.Background(), exp, opts)
	}()

	<-exp.started
	_, err := Publish(context.Background(), newImageExporter(t), opts)
	assert.ErrorIs(t, err, ErrBusy)

	close(exp.release)
	wg.Wait()
	require.NoError(t, firstErr)
}

func TestPublishCanceled(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir)

	ctx, cancel := context.WithCancel(context.Background())
	exp := blockingExporter{started: make(chan struct{}), release: make(chan struct{})}

	errc := make(chan error, 1)
	go func() {
		_, err := Publish(ctx, exp, opts)
		errc <- err
	}()

	<-exp.started
	cancel()

	err := <-errc
	assert.ErrorIs(t, err, context.Canceled)
	assertOnlyArchive(t, dir)
}

func TestCountingWriter(t *testing.T) {
	var buf bytes.Buffer
	h := sha256.New()
	c := &countingWriter{w: io.MultiWriter(&buf, h)}

	_, err := c.Write([]byte("hello "))
	require.NoError(t, err)
	_, err = c.Write([]byte("world"))
	require.NoError(t, err)

	assert.Equal(t, int64(11), c.n)
	assert.Equal(t, "hello world", buf.String())
}

// Asserts dir holds nothing but the archive and the lock directory.
func assertOnlyArchive(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		switch e.Name() {
		case "bots.tar.gz", "locks":
		default:
			t.Errorf("unexpected file %q left in output directory", e.Name())
		}
	}
}
