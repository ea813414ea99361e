package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/titanous/json5"
)

// GetAgentDir resolves and validates agentID, returning its absolute
// directory. It does not require the directory to exist.
func (s *Store) GetAgentDir(agentID string) (string, error) {
	return resolveAgentDir(s.Root, agentID)
}

// GetAgent loads an agent's config document.
func (s *Store) GetAgent(agentID string) (*AgentConfig, error) {
	dir, err := s.GetAgentDir(agentID)
	if err != nil {
		return nil, err
	}
	cfg, err := readAgentConfig(dir)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func readAgentConfig(dir string) (*AgentConfig, error) {
	path := filepath.Join(dir, agentConfigFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var cfg AgentConfig
	if err := json5.Unmarshal(data, &cfg); err != nil {
		// Data corruption is non-fatal: treat as absent.
		return nil, ErrNotFound
	}
	return &cfg, nil
}

func writeAgentConfig(dir string, cfg *AgentConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, agentConfigFile), data, 0o644)
}

// CreateAgent scaffolds a new agent directory by cloning the template,
// interpolating {{id}}/{{name}}/{{description}}, then applying explicit
// overrides. A "main" session is created and time-stamped.
func (s *Store) CreateAgent(agentID string, opts AgentCreateOpts) (*AgentConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir, err := s.GetAgentDir(agentID)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(dir); err == nil {
		return nil, ErrAlreadyExists
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	for _, sub := range []string{workspaceDir, scratchDir, toolsDir, sessionsDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, err
		}
	}

	name := agentID
	if idx := strings.LastIndex(agentID, "/"); idx >= 0 {
		name = agentID[idx+1:]
	}
	vars := map[string]string{
		"id":          agentID,
		"name":        name,
		"description": opts.Description,
	}
	templateDir := filepath.Join(s.Root, ".templates", "agent")
	if err := cloneTemplate(templateDir, dir, vars); err != nil {
		return nil, err
	}

	now := time.Now()
	cfg := &AgentConfig{
		ID:              agentID,
		Description:     opts.Description,
		WorkDirs:        opts.WorkDirs,
		DefaultModel:    opts.DefaultModel,
		Heartbeat:       opts.Heartbeat,
		AutoRun:         opts.AutoRun,
		DisallowedTools: opts.DisallowedTools,
		CreatedAt:       now,
	}
	for _, p := range opts.Subscriptions {
		cfg.Subscriptions = append(cfg.Subscriptions, Subscription{Pattern: p, AddedAt: now})
	}
	if err := writeAgentConfig(dir, cfg); err != nil {
		return nil, err
	}

	if opts.Instructions != "" {
		if err := os.WriteFile(filepath.Join(dir, instructionsFile), []byte(opts.Instructions), 0o644); err != nil {
			return nil, err
		}
	}

	// main session
	mainMeta := &SessionMeta{
		ID:         mainSessionID,
		AgentID:    agentID,
		IsDefault:  true,
		CreatedAt:  now,
		LastUsedAt: now,
	}
	if err := writeSessionMeta(dir, mainMeta); err != nil {
		return nil, err
	}
	logPath := filepath.Join(dir, sessionsDir, mainSessionID+".jsonl")
	if _, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err != nil {
		return nil, err
	}
	for _, sub := range []string{workspaceDir, scratchDir, "memory"} {
		if err := os.MkdirAll(filepath.Join(dir, sessionsDir, mainSessionID, sub), 0o755); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// cloneTemplate copies src into dst recursively. Files that already exist at
// the destination are never overwritten. "{{var}}" placeholders in file
// contents (not filenames) are interpolated from vars.
func cloneTemplate(src, dst string, vars map[string]string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		srcPath := filepath.Join(src, e.Name())
		dstPath := filepath.Join(dst, e.Name())
		if e.IsDir() {
			if err := os.MkdirAll(dstPath, 0o755); err != nil {
				return err
			}
			if err := cloneTemplate(srcPath, dstPath, vars); err != nil {
				return err
			}
			continue
		}
		if _, err := os.Stat(dstPath); err == nil {
			continue // never overwrite
		}
		data, err := os.ReadFile(srcPath)
		if err != nil {
			return err
		}
		if err := os.WriteFile(dstPath, []byte(interpolate(string(data), vars)), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func interpolate(text string, vars map[string]string) string {
	for k, v := range vars {
		text = strings.ReplaceAll(text, "{{"+k+"}}", v)
	}
	return text
}

// UpdateAgent shallow-merges partial into the persisted config and writes it
// back. Zero-value fields in partial are ignored; to clear a field the
// caller passes an explicit non-nil-but-empty value understood by the
// merge rule below (slices/pointers are replaced wholesale when non-nil).
func (s *Store) UpdateAgent(agentID string, partial AgentConfig) (*AgentConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir, err := s.GetAgentDir(agentID)
	if err != nil {
		return nil, err
	}
	cfg, err := readAgentConfig(dir)
	if err != nil {
		return nil, err
	}

	if partial.Description != "" {
		cfg.Description = partial.Description
	}
	if partial.WorkDirs != nil {
		cfg.WorkDirs = partial.WorkDirs
	}
	if partial.DefaultModel != "" {
		cfg.DefaultModel = partial.DefaultModel
	}
	if partial.Heartbeat != "" {
		cfg.Heartbeat = partial.Heartbeat
	}
	if partial.AutoRun != nil {
		cfg.AutoRun = partial.AutoRun
	}
	if partial.Subscriptions != nil {
		cfg.Subscriptions = partial.Subscriptions
	}
	if partial.DisallowedTools != nil {
		cfg.DisallowedTools = partial.DisallowedTools
	}

	if err := writeAgentConfig(dir, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DeleteAgent recursively removes the agent's entire subtree, including
// nested agents.
func (s *Store) DeleteAgent(agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir, err := s.GetAgentDir(agentID)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return err
	}
	return os.RemoveAll(dir)
}

// ListAgents performs a full recursive scan of the tree, returning every
// agent ID found (directories containing a jvAgent.json document).
// Reserved plumbing directories (.messages, .templates, services, ...) are
// skipped. Nested agents are only discovered under other agent directories,
// matching the path-addressing scheme.
func (s *Store) ListAgents() ([]string, error) {
	var ids []string
	if err := s.walkAgents(s.Root, "", &ids); err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) walkAgents(dir, prefix string, out *[]string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if !e.IsDir() || reservedNames[e.Name()] || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		childDir := filepath.Join(dir, e.Name())
		if _, err := os.Stat(filepath.Join(childDir, agentConfigFile)); err != nil {
			continue // not an agent directory; no agents can nest beneath it
		}
		childID := e.Name()
		if prefix != "" {
			childID = prefix + "/" + e.Name()
		}
		*out = append(*out, childID)
		if err := s.walkAgents(childDir, childID, out); err != nil {
			return err
		}
	}
	return nil
}

// InstructionsChain returns the effective instructions for agentID: the
// concatenation of every ancestor's CLAUDE.md, root-first, down to self.
func (s *Store) InstructionsChain(agentID string) (string, error) {
	segs, err := splitID(agentID)
	if err != nil {
		return "", err
	}
	var parts []string
	for i := 1; i <= len(segs); i++ {
		ancestorID := strings.Join(segs[:i], "/")
		dir, err := s.GetAgentDir(ancestorID)
		if err != nil {
			return "", err
		}
		data, err := os.ReadFile(filepath.Join(dir, instructionsFile))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", err
		}
		parts = append(parts, strings.TrimRight(string(data), "\n"))
	}
	return strings.Join(parts, "\n\n"), nil
}

// GetInstructions returns this agent's own (non-chained) instructions text.
func (s *Store) GetInstructions(agentID string) (string, error) {
	dir, err := s.GetAgentDir(agentID)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(filepath.Join(dir, instructionsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return string(data), nil
}

// SetInstructions overwrites this agent's own instructions text.
func (s *Store) SetInstructions(agentID, text string) error {
	dir, err := s.GetAgentDir(agentID)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, instructionsFile), []byte(text), 0o644)
}

// ToolsDir returns the absolute path of agentID's own tools directory.
func (s *Store) ToolsDir(agentID string) (string, error) {
	dir, err := s.GetAgentDir(agentID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, toolsDir), nil
}

// SecretsPath returns the absolute path of agentID's secrets.env file.
// The file is never read by anything other than the tool registry, and
// its contents are never forwarded to the LLM.
func (s *Store) SecretsPath(agentID string) (string, error) {
	dir, err := s.GetAgentDir(agentID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, secretsFile), nil
}
