package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/titanous/json5"
)

// GetSessionDir returns the on-disk root for (agentID, sessionID). The
// "main" session's artifacts live directly under sessions/ (its metadata
// and log are sessions/main.json, sessions/main.jsonl, with workspace/tmp/
// memory alongside other per-session state in sessions/main/); every
// session, default or not, gets its own workspace/tmp/memory subtree at
// sessions/<sid>/.
func (s *Store) GetSessionDir(agentID, sessionID string) (string, error) {
	agentDir, err := s.GetAgentDir(agentID)
	if err != nil {
		return "", err
	}
	segs, err := splitID(sessionID)
	if err != nil {
		return "", err
	}
	return resolveUnder(agentDir, append([]string{sessionsDir}, segs...)...)
}

func sessionMetaPath(agentDir, sessionID string) string {
	return filepath.Join(agentDir, sessionsDir, sessionID+".json")
}

func sessionLogPath(agentDir, sessionID string) string {
	return filepath.Join(agentDir, sessionsDir, sessionID+".jsonl")
}

func readSessionMeta(agentDir, sessionID string) (*SessionMeta, error) {
	data, err := os.ReadFile(sessionMetaPath(agentDir, sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var m SessionMeta
	if err := json5.Unmarshal(data, &m); err != nil {
		return nil, ErrNotFound
	}
	return &m, nil
}

func writeSessionMeta(agentDir string, m *SessionMeta) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(sessionMetaPath(agentDir, m.ID), data, 0o644)
}

// GetSession loads session metadata.
func (s *Store) GetSession(agentID, sessionID string) (*SessionMeta, error) {
	agentDir, err := s.GetAgentDir(agentID)
	if err != nil {
		return nil, err
	}
	if _, err := splitID(sessionID); err != nil {
		return nil, err
	}
	return readSessionMeta(agentDir, sessionID)
}

// CreateSession creates a new session under agentID, scaffolding its
// workspace/tmp/memory subtree and an empty conversation log.
func (s *Store) CreateSession(agentID, sessionID string, opts AgentCreateOpts) (*SessionMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	agentDir, err := s.GetAgentDir(agentID)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(agentDir); err != nil {
		return nil, ErrNotFound
	}
	if _, err := splitID(sessionID); err != nil {
		return nil, err
	}
	if _, err := os.Stat(sessionMetaPath(agentDir, sessionID)); err == nil {
		return nil, ErrAlreadyExists
	}

	sessDir, err := s.GetSessionDir(agentID, sessionID)
	if err != nil {
		return nil, err
	}
	for _, sub := range []string{workspaceDir, scratchDir, "memory"} {
		if err := os.MkdirAll(filepath.Join(sessDir, sub), 0o755); err != nil {
			return nil, err
		}
	}

	now := time.Now()
	meta := &SessionMeta{
		ID:              sessionID,
		AgentID:         agentID,
		WorkDirs:        opts.WorkDirs,
		AutoRun:         opts.AutoRun,
		DisallowedTools: opts.DisallowedTools,
		CreatedAt:       now,
		LastUsedAt:      now,
	}
	for _, p := range opts.Subscriptions {
		meta.Subscriptions = append(meta.Subscriptions, Subscription{Pattern: p, AddedAt: now})
	}
	if err := writeSessionMeta(agentDir, meta); err != nil {
		return nil, err
	}
	logPath := sessionLogPath(agentDir, sessionID)
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	f.Close()

	return meta, nil
}

// UpdateSession shallow-merges partial into persisted session metadata.
func (s *Store) UpdateSession(agentID, sessionID string, partial SessionMeta) (*SessionMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	agentDir, err := s.GetAgentDir(agentID)
	if err != nil {
		return nil, err
	}
	meta, err := readSessionMeta(agentDir, sessionID)
	if err != nil {
		return nil, err
	}
	if partial.Title != "" {
		meta.Title = partial.Title
	}
	if partial.WorkDirs != nil {
		meta.WorkDirs = partial.WorkDirs
	}
	if partial.Subscriptions != nil {
		meta.Subscriptions = partial.Subscriptions
	}
	if partial.AutoRun != nil {
		meta.AutoRun = partial.AutoRun
	}
	if partial.DisallowedTools != nil {
		meta.DisallowedTools = partial.DisallowedTools
	}
	if partial.Model != "" {
		meta.Model = partial.Model
	}
	if partial.Provider != "" {
		meta.Provider = partial.Provider
	}
	if partial.LastPromptTokens != 0 {
		meta.LastPromptTokens = partial.LastPromptTokens
	}
	if partial.LastMessageCount != 0 {
		meta.LastMessageCount = partial.LastMessageCount
	}
	if err := writeSessionMeta(agentDir, meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// SaveSession upserts session metadata and stamps lastUsedAt = now.
func (s *Store) SaveSession(agentID, sessionID string, meta *SessionMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	agentDir, err := s.GetAgentDir(agentID)
	if err != nil {
		return err
	}
	meta.LastUsedAt = time.Now()
	return writeSessionMeta(agentDir, meta)
}

// DeleteSession removes a non-default session's directory, metadata, and
// log. The "main" session may only be removed by deleting the whole agent
//.
func (s *Store) DeleteSession(agentID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sessionID == mainSessionID {
		return ErrMainSessionProtected
	}
	agentDir, err := s.GetAgentDir(agentID)
	if err != nil {
		return err
	}
	meta, err := readSessionMeta(agentDir, sessionID)
	if err != nil {
		return err
	}
	if meta.IsDefault {
		return ErrMainSessionProtected
	}

	sessDir, err := s.GetSessionDir(agentID, sessionID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(sessDir); err != nil {
		return err
	}
	if err := os.Remove(sessionMetaPath(agentDir, sessionID)); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(sessionLogPath(agentDir, sessionID)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ListSessions returns every session under agentID, with the default
// session first, followed by the rest ordered by lastUsedAt descending
//.
func (s *Store) ListSessions(agentID string) ([]*SessionMeta, error) {
	agentDir, err := s.GetAgentDir(agentID)
	if err != nil {
		return nil, err
	}
	sessDir := filepath.Join(agentDir, sessionsDir)
	entries, err := os.ReadDir(sessDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var metas []*SessionMeta
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		sid := e.Name()[:len(e.Name())-len(".json")]
		m, err := readSessionMeta(agentDir, sid)
		if err != nil {
			continue // corrupt metadata: skip, not fatal
		}
		metas = append(metas, m)
	}

	sort.SliceStable(metas, func(i, j int) bool {
		if metas[i].IsDefault != metas[j].IsDefault {
			return metas[i].IsDefault
		}
		return metas[i].LastUsedAt.After(metas[j].LastUsedAt)
	})
	return metas, nil
}

// ListSessionIDs is a thin wrapper over ListSessions returning bare IDs, for
// the broker's index rebuild (it only needs subscription patterns, not full
// metadata).
func (s *Store) ListSessionIDs(agentID string) ([]string, error) {
	metas, err := s.ListSessions(agentID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(metas))
	for _, m := range metas {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

// ConversationLogPath returns the JSONL append-only log path for a session.
func (s *Store) ConversationLogPath(agentID, sessionID string) (string, error) {
	agentDir, err := s.GetAgentDir(agentID)
	if err != nil {
		return "", err
	}
	return sessionLogPath(agentDir, sessionID), nil
}

// AppendConversationLine appends one JSON-encodable line to a session's
// conversation log.
func (s *Store) AppendConversationLine(agentID, sessionID string, v interface{}) error {
	path, err := s.ConversationLogPath(agentID, sessionID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(data, '\n'))
	return err
}
