// Package remotepath canonicalises remote peer paths, which arrive with
// Windows or POSIX separators depending on the sharing peer.
package remotepath

import "strings"

// Normalize converts backslashes to forward slashes, collapses repeated
// separators and trims trailing slashes.
func Normalize(p string) string {
	p = strings.ReplaceAll(strings.TrimSpace(p), `\`, "/")
	for strings.Contains(p, "//") {
		p = strings.ReplaceAll(p, "//", "/")
	}
	return strings.TrimRight(p, "/")
}

// Dir returns the canonical parent directory of a remote file path.
func Dir(p string) string {
	p = Normalize(p)
	idx := strings.LastIndex(p, "/")
	if idx < 0 {
		return ""
	}
	return p[:idx]
}

// Base returns the file name portion of a remote path.
func Base(p string) string {
	p = Normalize(p)
	return p[strings.LastIndex(p, "/")+1:]
}

// Segments returns the non-empty path segments.
func Segments(p string) []string {
	var out []string
	for _, s := range strings.Split(Normalize(p), "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// SameDirectory compares two directories after canonicalisation, ignoring case.
func SameDirectory(a, b string) bool {
	return strings.EqualFold(Normalize(a), Normalize(b))
}
