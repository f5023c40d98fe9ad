package verify

import (
	"archive/tar"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const binary = "/usr/local/bin/bots"

var defaultOptions = Options{
	Binary:    binary,
	Forbidden: []string{"/usr/src/app"},
}

type entry struct {
	name string
	mode int64
	body string
	typ  byte
}

func layer(t *testing.T, entries ...entry) v1.Layer {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		typ := e.typ
		if typ == 0 {
			typ = tar.TypeReg
		}
		h := &tar.Header{Name: e.name, Mode: e.mode, Typeflag: typ}
		if typ == tar.TypeReg {
			h.Size = int64(len(e.body))
		}
		if typ == tar.TypeSymlink {
			h.Linkname = e.body
		}
		require.NoError(t, tw.WriteHeader(h))
		if typ == tar.TypeReg {
			_, err := tw.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())

	data := buf.Bytes()
	l, err := tarball.LayerFromOpener(func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	})
	require.NoError(t, err)
	return l
}

// Writes img as a gzip-compressed docker archive and returns its path.
func writeArchive(t *testing.T, img v1.Image) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "bots.tar.gz")
	f, err := os.Create(p)
	require.NoError(t, err)
	defer f.Close()

	zw := gzip.NewWriter(f)
	ref, err := name.ParseReference("bots:latest")
	require.NoError(t, err)
	require.NoError(t, tarball.Write(ref, img, zw))
	require.NoError(t, zw.Close())
	return p
}

func image(t *testing.T, entrypoint []string, layers ...v1.Layer) v1.Image {
	t.Helper()
	img, err := mutate.AppendLayers(empty.Image, layers...)
	require.NoError(t, err)
	img, err = mutate.Config(img, v1.Config{Entrypoint: entrypoint})
	require.NoError(t, err)
	return img
}

func baseLayer(t *testing.T) v1.Layer {
	return layer(t,
		entry{name: "etc/", mode: 0o755, typ: tar.TypeDir},
		entry{name: "etc/os-release", mode: 0o644, body: "debian"},
		entry{name: "usr/lib/libheif.so.1", mode: 0o644, body: "lib"},
	)
}

func TestVerify(t *testing.T) {
	img := image(t, []string{binary},
		baseLayer(t),
		layer(t, entry{name: "usr/local/bin/bots", mode: 0o755, body: "ELF binary"}),
	)

	report, err := Verify(writeArchive(t, img), defaultOptions)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Layers)
	assert.Equal(t, 4, report.Files)
	assert.Equal(t, int64(len("ELF binary")), report.BinarySize)
	assert.Equal(t, []string{binary}, report.Entrypoint)
	assert.NotEmpty(t, report.Config)
}

func TestVerifyFailures(t *testing.T) {
	tests := []struct {
		name    string
		img     func(t *testing.T) v1.Image
		wantErr error
	}{
		{
			name: "missing binary",
			img: func(t *testing.T) v1.Image {
				return image(t, []string{binary}, baseLayer(t))
			},
			wantErr: ErrContainment,
		},
		{
			name: "binary not executable",
			img: func(t *testing.T) v1.Image {
				return image(t, []string{binary}, baseLayer(t),
					layer(t, entry{name: "usr/local/bin/bots", mode: 0o644, body: "ELF"}))
			},
			wantErr: ErrContainment,
		},
		{
			name: "binary is a symlink",
			img: func(t *testing.T) v1.Image {
				return image(t, []string{binary}, baseLayer(t),
					layer(t, entry{name: "usr/local/bin/bots", mode: 0o777, body: "/bin/sh", typ: tar.TypeSymlink}))
			},
			wantErr: ErrContainment,
		},
		{
			name: "builder tree leaked",
			img: func(t *testing.T) v1.Image {
				return image(t, []string{binary}, baseLayer(t),
					layer(t,
						entry{name: "usr/local/bin/bots", mode: 0o755, body: "ELF"},
						entry{name: "usr/src/app/src/main.rs", mode: 0o644, body: "fn main() {}"},
					))
			},
			wantErr: ErrContainment,
		},
		{
			name: "wrong entrypoint",
			img: func(t *testing.T) v1.Image {
				return image(t, []string{"/bin/sh"}, baseLayer(t),
					layer(t, entry{name: "usr/local/bin/bots", mode: 0o755, body: "ELF"}))
			},
			wantErr: ErrEntrypoint,
		},
		{
			name: "no entrypoint",
			img: func(t *testing.T) v1.Image {
				return image(t, nil, baseLayer(t),
					layer(t, entry{name: "usr/local/bin/bots", mode: 0o755, body: "ELF"}))
			},
			wantErr: ErrEntrypoint,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Verify(writeArchive(t, tt.img(t)), defaultOptions)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestVerifyDeletedBinary(t *testing.T) {
	img := image(t, []string{binary},
		baseLayer(t),
		layer(t, entry{name: "usr/local/bin/bots", mode: 0o755, body: "ELF"}),
		layer(t, entry{name: "usr/local/bin/.wh.bots", mode: 0o644}),
	)

	_, err := Verify(writeArchive(t, img), defaultOptions)
	assert.ErrorIs(t, err, ErrContainment)
}

func TestVerifyUnreadable(t *testing.T) {
	dir := t.TempDir()

	notGzip := filepath.Join(dir, "plain.tar.gz")
	require.NoError(t, os.WriteFile(notGzip, []byte("not an archive"), 0o644))

	_, err := Verify(notGzip, defaultOptions)
	assert.ErrorIs(t, err, ErrArchive)

	_, err = Verify(filepath.Join(dir, "missing.tar.gz"), defaultOptions)
	assert.ErrorIs(t, err, ErrArchive)
}

func TestRelative(t *testing.T) {
	tests := map[string]string{
		"./usr/local/bin/bots": "usr/local/bin/bots",
		"/usr/local/bin/bots":  "usr/local/bin/bots",
		"usr/src/app/":         "usr/src/app",
		"/":                    "",
	}
	for in, want := range tests {
		if got := relative(in); got != want {
			t.Errorf("relative(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestWithin(t *testing.T) {
	assert.True(t, within("usr/src/app", "usr/src/app"))
	assert.True(t, within("usr/src/app/target/release/bots", "usr/src/app"))
	assert.False(t, within("usr/src/application", "usr/src/app"))
	assert.False(t, within("usr/src", "usr/src/app"))
}
