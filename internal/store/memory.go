package store

import (
	"os"
	"path/filepath"
)

// systemMemoryPath is fixed at the project root (SYSTEM.md),
// shared across every agent.
func (s *Store) systemMemoryPath() string {
	return filepath.Join(s.Root, "SYSTEM.md")
}

// GetMemory reads one tier of the three-tier memory chain. System memory is
// shared; agent memory is per-agent; session memory is per-(agent,session).
func (s *Store) GetMemory(tier MemoryTier, agentID, sessionID string) (string, error) {
	path, err := s.memoryPath(tier, agentID, sessionID)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return string(data), nil
}

// SetMemory overwrites one tier of the memory chain.
func (s *Store) SetMemory(tier MemoryTier, agentID, sessionID, content string) error {
	path, err := s.memoryPath(tier, agentID, sessionID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

func (s *Store) memoryPath(tier MemoryTier, agentID, sessionID string) (string, error) {
	switch tier {
	case MemorySystem:
		return s.systemMemoryPath(), nil
	case MemoryAgent:
		dir, err := s.GetAgentDir(agentID)
		if err != nil {
			return "", err
		}
		return filepath.Join(dir, memoryFile), nil
	case MemorySession:
		dir, err := s.GetSessionDir(agentID, sessionID)
		if err != nil {
			return "", err
		}
		return filepath.Join(dir, memoryFile), nil
	default:
		return "", ErrInvalidID
	}
}

// EffectiveSystemPrompt assembles the three memory tiers plus the
// instructions chain into one system prompt, in the order the turn manager
// hands to the LLM-CLI adapter.
func (s *Store) EffectiveSystemPrompt(agentID, sessionID string) (string, error) {
	instructions, err := s.InstructionsChain(agentID)
	if err != nil {
		return "", err
	}
	sysMem, err := s.GetMemory(MemorySystem, agentID, sessionID)
	if err != nil {
		return "", err
	}
	agentMem, err := s.GetMemory(MemoryAgent, agentID, sessionID)
	if err != nil {
		return "", err
	}
	sessMem, err := s.GetMemory(MemorySession, agentID, sessionID)
	if err != nil {
		return "", err
	}

	out := instructions
	if sysMem != "" {
		out += "\n\n# System memory\n" + sysMem
	}
	if agentMem != "" {
		out += "\n\n# Agent memory\n" + agentMem
	}
	if sessMem != "" {
		out += "\n\n# Session memory\n" + sessMem
	}
	return out, nil
}

// ResolvedCLIOptions merges an agent's and a session's persisted CLI-facing
// overrides: work-directories and disallowed built-in tools, both additive
// (session does not replace agent, it extends it) and deduplicated. Missing
// session metadata (e.g. during a heartbeat-only agent) falls back to the
// agent-level config alone.
func (s *Store) ResolvedCLIOptions(agentID, sessionID string) (workDirs, disallowedTools []string, err error) {
	agentCfg, err := s.GetAgent(agentID)
	if err != nil {
		return nil, nil, err
	}
	workDirs = append(workDirs, agentCfg.WorkDirs...)
	disallowedTools = append(disallowedTools, agentCfg.DisallowedTools...)

	if sessionID != "" {
		sessMeta, err := s.GetSession(agentID, sessionID)
		if err == nil && sessMeta != nil {
			workDirs = append(workDirs, sessMeta.WorkDirs...)
			disallowedTools = append(disallowedTools, sessMeta.DisallowedTools...)
		}
	}
	return dedupStrings(workDirs), dedupStrings(disallowedTools), nil
}

func dedupStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
