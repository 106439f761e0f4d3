package utils

import (
	"net/url"
	"path"
	"regexp"
)

// --- Filename Sanitization ---
var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._\-()\[\]{}]`) // Anything outside the safe set becomes '_'

// MaxFilenameLength bounds the sanitized base name, before the hash prefix is added
const MaxFilenameLength = 200

// SanitizeFilename replaces characters outside [A-Za-z0-9._-()[]{}] with '_' and truncates to MaxFilenameLength.
func SanitizeFilename(name string) string {
	sanitized := unsafeFilenameChars.ReplaceAllString(name, "_")
	if len(sanitized) > MaxFilenameLength {
		sanitized = sanitized[:MaxFilenameLength]
	}
	return sanitized
}

// HashedFilename builds "<hash[:8]>_<name>" where name is the sanitized suggestion,
// else the last path segment of rawURL, else "unnamed".
func HashedFilename(hash, suggested, rawURL string) string {
	base := suggested
	if base == "" {
		base = urlBaseName(rawURL)
	}
	if base == "" {
		base = "unnamed"
	}
	prefix := hash
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return prefix + "_" + SanitizeFilename(base)
}

func urlBaseName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Path == "" {
		return ""
	}
	base := path.Base(u.Path)
	if base == "/" || base == "." {
		return ""
	}
	return base
}
