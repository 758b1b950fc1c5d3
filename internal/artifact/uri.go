// Package artifact implements the completion contract for recorded files:
// canonical identity, verification, permission normalisation, stability
// waiting, output naming and sidecar metadata.
package artifact

import (
	"path/filepath"
	"strings"
)

// Scheme is prefixed to every artifact identity handed to observers.
const Scheme = "file://"

// URI returns the canonical scheme-prefixed absolute form of path. Already
// canonical input is returned unchanged, so URI is idempotent. Empty input
// stays empty.
func URI(path string) string {
	if path == "" {
		return ""
	}
	if strings.HasPrefix(path, Scheme) {
		return path
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = filepath.Clean(path)
	}
	return Scheme + filepath.ToSlash(abs)
}

// Path strips the scheme from a canonical URI. Plain paths pass through.
func Path(uri string) string {
	return filepath.FromSlash(strings.TrimPrefix(uri, Scheme))
}
