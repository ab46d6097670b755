package results

import (
	"fmt"
	"path"
	"slices"
	"strings"
)

// Normalize names the BIDS entity a download makes sure every file name
// carries.
type Normalize string

const (
	NormalizeNone Normalize = ""
	// NormalizeSubject prefixes the sub-<label> of the enclosing directory.
	NormalizeSubject Normalize = "subject"
	// NormalizeSession inserts the ses-<label> of the enclosing directory
	// after the subject entity, adding that too when it is missing.
	NormalizeSession Normalize = "session"
)

// ParseNormalize validates user text.
func ParseNormalize(s string) (Normalize, error) {
	switch n := Normalize(strings.ToLower(strings.TrimSpace(s))); n {
	case NormalizeNone, NormalizeSubject, NormalizeSession:
		return n, nil
	}
	return "", fmt.Errorf("normalize must be %q or %q, got %q", NormalizeSubject, NormalizeSession, s)
}

// cleanRel turns a remote path into a clean relative slash path. Paths that
// climb out of the artifact are refused.
func cleanRel(rel string) (string, bool) {
	c := path.Clean(strings.TrimLeft(rel, "/"))
	if c == "." || c == ".." || strings.HasPrefix(c, "../") {
		return "", false
	}
	return c, true
}

// selected drops rel when any of its directories is named in skipDirs, so a
// skipped subtree goes wherever it is nested. Otherwise rel is kept when
// onlyDirs is empty or one of its directories matches an onlyDirs glob.
func selected(rel string, skipDirs, onlyDirs []string) bool {
	parts := strings.Split(rel, "/")
	dirs := parts[:len(parts)-1]
	for _, d := range dirs {
		if slices.Contains(skipDirs, d) {
			return false
		}
	}
	if len(onlyDirs) == 0 {
		return true
	}
	for _, d := range dirs {
		for _, pattern := range onlyDirs {
			if ok, _ := path.Match(pattern, d); ok {
				return true
			}
		}
	}
	return false
}

// mapPath remaps rel by an exact entry of m or, failing that, by the longest
// directory prefix in m.
func mapPath(rel string, m map[string]string) string {
	if len(m) == 0 {
		return rel
	}
	if to, ok := m[rel]; ok {
		return to
	}
	bestKey, best := "", ""
	for from := range m {
		prefix := strings.TrimSuffix(from, "/")
		if strings.HasPrefix(rel, prefix+"/") && len(prefix) > len(best) {
			bestKey, best = from, prefix
		}
	}
	if best == "" {
		return rel
	}
	return path.Join(m[bestKey], strings.TrimPrefix(rel, best+"/"))
}

// normalizeName inserts missing entity tokens into the file name of rel,
// taking their labels from the enclosing directories.
func normalizeName(rel string, mode Normalize) string {
	if mode == NormalizeNone {
		return rel
	}
	dir, base := path.Split(rel)
	sub := dirEntity(dir, "sub-")
	ses := dirEntity(dir, "ses-")

	tokens := strings.Split(base, "_")
	if sub != "" && !hasEntity(tokens, "sub-") {
		tokens = append([]string{sub}, tokens...)
	}
	if mode == NormalizeSession && ses != "" && !hasEntity(tokens, "ses-") {
		at := 0
		if strings.HasPrefix(tokens[0], "sub-") {
			at = 1
		}
		tokens = slices.Insert(tokens, at, ses)
	}
	return dir + strings.Join(tokens, "_")
}

func dirEntity(dir, prefix string) string {
	parts := strings.Split(strings.Trim(dir, "/"), "/")
	for i := len(parts) - 1; i >= 0; i-- {
		if strings.HasPrefix(parts[i], prefix) && len(parts[i]) > len(prefix) {
			return parts[i]
		}
	}
	return ""
}

func hasEntity(tokens []string, prefix string) bool {
	for _, t := range tokens {
		if strings.HasPrefix(t, prefix) {
			return true
		}
	}
	return false
}
