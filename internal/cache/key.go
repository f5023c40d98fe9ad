package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/opencontainers/go-digest"
)

// Derives a step's chain key from its parent key and fingerprint parts.
//
// Parts are length-prefixed so that ("ab", "c") and ("a", "bc") differ.
func Key(parent digest.Digest, parts ...string) digest.Digest {
	d := digest.Canonical.Digester()
	h := d.Hash()
	fmt.Fprintf(h, "%d:%s", len(parent), parent)
	for _, p := range parts {
		fmt.Fprintf(h, "%d:%s", len(p), p)
	}
	return d.Digest()
}

// Returns the cache tag for a key, scoped to a resource.
func Tag(resource string, key digest.Digest) string {
	return fmt.Sprintf("crate-cache/%s:%s", resource, key.Encoded()[:32])
}

// Hashes a file or directory tree.
//
// The digest covers relative paths, file types, permission bits, symlink
// targets, and regular file content, in lexical walk order. Modification
// times and ownership are excluded, so a fresh checkout of the same tree
// hashes the same.
func HashPath(root string) (digest.Digest, error) {
	d := digest.Canonical.Digester()
	h := d.Hash()

	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		info, err := entry.Info()
		if err != nil {
			return err
		}

		fmt.Fprintf(h, "%s\x00%s\x00", filepath.ToSlash(rel), info.Mode())

		switch {
		case info.Mode()&fs.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			fmt.Fprintf(h, "%s\x00", target)
		case info.Mode().IsRegular():
			sum, err := hashFile(path)
			if err != nil {
				return err
			}
			fmt.Fprintf(h, "%s\x00", sum)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	return d.Digest(), nil
}

// Returns the hex sha256 of a file's content.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Formats an environment map deterministically for fingerprinting.
func Environ(env []string) string {
	return strings.Join(slices.Sorted(slices.Values(env)), "\x00")
}
