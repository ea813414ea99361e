// Package store implements the hierarchical, path-addressed agent/session
// store on disk: directory scaffolding from templates, three-tier memory,
// safe path resolution, and append-only conversation logs.
package store

import (
	"embed"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

//go:embed all:templates/agent
var builtinTemplate embed.FS

const (
	agentConfigFile  = "jvAgent.json"
	instructionsFile = "CLAUDE.md"
	memoryFile       = "memory/notes.md"
	secretsFile      = "secrets.env"
	sessionsDir      = "sessions"
	workspaceDir     = "workspace"
	scratchDir       = "tmp"
	toolsDir         = "tools"
	mainSessionID    = "main"
)

// Store is the on-disk agent/session hierarchy rooted at Root.
//
// A single mutex serializes config-file writes (subscribe/unsubscribe,
// updateAgent/updateSession, saveSession). Reads take no lock: config files
// are small and single-writer, and a torn read is caught by the caller
// treating unparsable JSON as absent data.
type Store struct {
	Root string
	mu   sync.Mutex
}

// New returns a Store rooted at root, creating root if necessary.
func New(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, err
	}
	s := &Store{Root: abs}
	if err := s.ensureTemplate(); err != nil {
		return nil, err
	}
	return s, nil
}

// ensureTemplate copies the built-in embedded template into
// <root>/.templates/agent if the directory is absent. Existing files are
// never overwritten.
func (s *Store) ensureTemplate() error {
	dst := filepath.Join(s.Root, ".templates", "agent")
	if _, err := os.Stat(dst); err == nil {
		return nil
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	return fsWalkEmbed(builtinTemplate, "templates/agent", func(rel string, data []byte) error {
		target := filepath.Join(dst, rel)
		if _, err := os.Stat(target); err == nil {
			return nil // never overwrite
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		return os.WriteFile(target, data, 0o644)
	})
}

// fsWalkEmbed walks an embed.FS subtree, invoking fn with each file's path
// relative to root and its contents.
func fsWalkEmbed(fsys embed.FS, root string, fn func(rel string, data []byte) error) error {
	entries, err := fsys.ReadDir(root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		p := root + "/" + e.Name()
		if e.IsDir() {
			if err := fsWalkEmbed(fsys, p, fn); err != nil {
				return err
			}
			continue
		}
		data, err := fsys.ReadFile(p)
		if err != nil {
			return err
		}
		rel := strings.TrimPrefix(p, root+"/")
		if err := fn(rel, data); err != nil {
			return err
		}
	}
	return nil
}
