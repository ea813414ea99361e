// Package pathmatch implements the glob-style path matching used by the
// message broker to match subscription patterns against routed paths.
package pathmatch

import "strings"

// Match reports whether pattern matches path using the broker's glob
// semantics: "*" matches exactly one segment, "**" matches zero or more
// segments (with backtracking), and any other segment must match literally.
//
// Both pattern and path are normalized (leading/trailing separators
// stripped, repeated separators collapsed) before matching. Empty patterns
// and empty paths never match. Match never panics; a malformed pattern
// simply fails to match.
func Match(pattern, path string) bool {
	pattern = Normalize(pattern)
	path = Normalize(path)
	if pattern == "" || path == "" {
		return false
	}

	pSegs := strings.Split(pattern, "/")
	tSegs := strings.Split(path, "/")
	return matchSegments(pSegs, tSegs)
}

// Normalize trims leading/trailing "/" and collapses runs of "/" into one,
// also stripping surrounding whitespace. Used both to match and to derive
// the canonical path string persisted alongside a routed message.
func Normalize(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "/")
	if s == "" {
		return ""
	}
	parts := strings.Split(s, "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return strings.Join(out, "/")
}

// matchSegments recursively matches pattern segments against path segments,
// backtracking on "**" to try every possible split.
func matchSegments(pat, tgt []string) bool {
	if len(pat) == 0 {
		return len(tgt) == 0
	}

	head := pat[0]
	rest := pat[1:]

	if head == "**" {
		// "**" may consume zero or more segments; try each split, shortest first.
		for i := 0; i <= len(tgt); i++ {
			if matchSegments(rest, tgt[i:]) {
				return true
			}
		}
		return false
	}

	if len(tgt) == 0 {
		return false
	}

	if head == "*" || head == tgt[0] {
		return matchSegments(rest, tgt[1:])
	}
	return false
}
