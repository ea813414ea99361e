package store

import (
	"path/filepath"
	"strings"
)

// reserved directory names that listAgents must skip when walking the tree;
// these hold broker/session plumbing, not agent subtrees.
var reservedNames = map[string]bool{
	".messages":  true,
	".templates": true,
	".upstream":  true,
	"services":   true,
	".git":       true,
}

// splitID normalizes an agent or session ID into path segments, rejecting
// anything that could traverse outside its owning directory.
//
// Normalization: strip outer "/", collapse repeated "/". An empty ID, or any
// "." or ".." segment, is rejected.
func splitID(id string) ([]string, error) {
	id = strings.Trim(strings.TrimSpace(id), "/")
	if id == "" {
		return nil, ErrInvalidID
	}
	raw := strings.Split(id, "/")
	segs := make([]string, 0, len(raw))
	for _, s := range raw {
		if s == "" {
			continue // repeated "/" collapses
		}
		if s == "." || s == ".." {
			return nil, ErrInvalidID
		}
		segs = append(segs, s)
	}
	if len(segs) == 0 {
		return nil, ErrInvalidID
	}
	return segs, nil
}

// resolveAgentDir resolves an agent ID to its absolute directory under root,
// verifying the result stays strictly inside root.
func resolveAgentDir(root, agentID string) (string, error) {
	segs, err := splitID(agentID)
	if err != nil {
		return "", err
	}
	return resolveUnder(root, segs...)
}

// resolveUnder joins segs onto root and verifies the absolute result is
// root itself or a strict descendant of it.
func resolveUnder(root string, segs ...string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	joined := append([]string{absRoot}, segs...)
	target := filepath.Join(joined...)
	target = filepath.Clean(target)
	absRoot = filepath.Clean(absRoot)

	if target == absRoot {
		return target, nil
	}
	rel, err := filepath.Rel(absRoot, target)
	if err != nil {
		return "", ErrInvalidID
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrInvalidID
	}
	return target, nil
}

// EncodeAgentID encodes an agent ID for use as a flat filename component
// (broker per-recipient log files), replacing "/" with "--".
func EncodeAgentID(agentID string) string {
	return strings.ReplaceAll(agentID, "/", "--")
}
