package recipe

import (
	"fmt"
	"path"
	"strings"
)

// Parses a copy string into source and destination paths.
//
// The string must contain exactly two whitespace-separated tokens. A
// relative dest is joined with workdir; with no workdir it is an error.
// Destinations are container paths and always use forward slashes.
func ParseCopy(s, workdir string) (src, dest string, err error) {
	parts := strings.Fields(s)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("expected source and destination, got %q", s)
	}

	src = parts[0]
	dest = parts[1]

	if !path.IsAbs(dest) {
		if workdir == "" {
			return "", "", fmt.Errorf("relative dest %q requires workdir", dest)
		}
		dest = path.Join(workdir, dest)
	}

	return src, path.Clean(dest), nil
}

// Parses a cross-stage copy source of the form "stage:path".
//
// Returns false for a regular build-context path. A colon preceded by a
// path separator is part of the path (e.g. "/foo:bar").
func ParseStageCopy(src string) (stage, p string, ok bool) {
	i := strings.IndexByte(src, ':')
	if i < 1 {
		return "", "", false
	}

	if strings.ContainsRune(src[:i], '/') {
		return "", "", false
	}

	return src[:i], src[i+1:], true
}
