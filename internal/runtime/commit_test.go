package runtime

import (
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

func TestManifestGCLabels(t *testing.T) {
	m := ocispec.Manifest{
		Config: ocispec.Descriptor{
			Digest: digest.FromString("config"),
		},
		Layers: []ocispec.Descriptor{
			{Digest: digest.FromString("layer0")},
			{Digest: digest.FromString("layer1")},
		},
	}

	labels := manifestGCLabels(m)

	if labels["containerd.io/gc.ref.content.config"] != m.Config.Digest.String() {
		t.Fatalf("config label = %q, want %q", labels["containerd.io/gc.ref.content.config"], m.Config.Digest)
	}
	if labels["containerd.io/gc.ref.content.l.0"] != m.Layers[0].Digest.String() {
		t.Fatal("layer 0 label mismatch")
	}
	if labels["containerd.io/gc.ref.content.l.1"] != m.Layers[1].Digest.String() {
		t.Fatal("layer 1 label mismatch")
	}
	if len(labels) != 3 {
		t.Fatalf("len(labels) = %d, want 3", len(labels))
	}
}

func TestApplyCommitOptionsEpoch(t *testing.T) {
	epoch := time.Unix(1700000000, 0)
	config := &ocispec.Image{
		Config: ocispec.ImageConfig{
			Entrypoint: []string{"/bin/bash"},
			Cmd:        []string{"-l"},
		},
		History: []ocispec.History{{CreatedBy: "base"}},
	}

	applyCommitOptions(config, CommitOptions{
		Entrypoint: []string{"/usr/local/bin/bots"},
		Epoch:      &epoch,
		Comment:    "copy bots",
	})

	if len(config.Config.Entrypoint) != 1 || config.Config.Entrypoint[0] != "/usr/local/bin/bots" {
		t.Fatalf("entrypoint = %v", config.Config.Entrypoint)
	}
	if config.Config.Cmd != nil {
		t.Fatalf("cmd = %v, want nil", config.Config.Cmd)
	}
	if config.Created == nil || !config.Created.Equal(epoch) {
		t.Fatalf("created = %v, want %v", config.Created, epoch)
	}
	if len(config.History) != 2 {
		t.Fatalf("history length = %d, want 2", len(config.History))
	}
	last := config.History[1]
	if last.CreatedBy != historyCreatedBy || last.Comment != "copy bots" || !last.Created.Equal(epoch) {
		t.Fatalf("unexpected history entry %+v", last)
	}
}

func TestApplyCommitOptionsKeepsEntrypoint(t *testing.T) {
	config := &ocispec.Image{
		Config: ocispec.ImageConfig{Cmd: []string{"bash"}},
	}

	applyCommitOptions(config, CommitOptions{})

	if len(config.Config.Cmd) != 1 {
		t.Fatalf("cmd cleared without an entrypoint: %v", config.Config.Cmd)
	}
	if config.Created == nil {
		t.Fatal("created not set")
	}
}
