package fsutil

import (
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// CleanTarget returns the identifier stored for a target: trimmed,
// slash-separated and lexically cleaned. It still names the file the caller
// gave, so it is safe to open.
func CleanTarget(target string) string {
	target = strings.TrimSpace(target)
	if target == "" {
		return ""
	}
	return path.Clean(filepath.ToSlash(target))
}

// TargetKey folds CleanTarget to Unicode NFC. Targets with equal keys may be
// one file on a normalizing filesystem, so conflict checks and target
// policy compare keys. Never open a file by its key.
func TargetKey(target string) string {
	return norm.NFC.String(CleanTarget(target))
}

// SameTarget reports whether a and b have the same TargetKey.
func SameTarget(a, b string) bool {
	return TargetKey(a) == TargetKey(b)
}
