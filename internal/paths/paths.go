package paths

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

const (

	// Name used for directory and file naming.
	programName = "crate"

	// Default permission mode for directories.
	DefaultDirMode os.FileMode = 0755

	// Default permission mode for files.
	DefaultFileMode os.FileMode = 0644
)

// Default build cache directory.
//
//	Linux:   $XDG_CACHE_HOME/crate or ~/.cache/crate
//	macOS:   ~/Library/Caches/crate
func Cache() string {
	return filepath.Join(xdg.CacheHome, programName)
}

// Path of the step cache index inside a cache directory.
func CacheIndex(cacheDir string) string {
	return filepath.Join(cacheDir, "steps.json")
}

// Path of the lock file guarding a given output path.
//
// Lock files live in the cache directory rather than next to the output so
// the output directory only ever holds the archive itself. The name is a
// hash of the absolute output path.
func OutputLock(cacheDir, output string) string {
	if abs, err := filepath.Abs(output); err == nil {
		output = abs
	}
	h := sha256.Sum256([]byte(output))
	return filepath.Join(cacheDir, "locks", hex.EncodeToString(h[:8])+".lock")
}
