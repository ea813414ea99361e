package store

import "time"

// mergeSubscriptions computes the persisted subscription list after adding
// or removing a pattern, preserving addedAt for patterns that already
// existed.
func mergeSubscriptions(existing []Subscription, pattern string, add bool) []Subscription {
	now := time.Now()
	var out []Subscription
	found := false
	for _, sub := range existing {
		if sub.Pattern == pattern {
			found = true
			if add {
				out = append(out, sub) // preserve original addedAt
			}
			continue // drop on remove
		}
		out = append(out, sub)
	}
	if add && !found {
		out = append(out, Subscription{Pattern: pattern, AddedAt: now})
	}
	return out
}

// AgentSubscriptions returns the persisted custom subscriptions for agentID.
func (s *Store) AgentSubscriptions(agentID string) ([]Subscription, error) {
	cfg, err := s.GetAgent(agentID)
	if err != nil {
		return nil, err
	}
	return cfg.Subscriptions, nil
}

// SetAgentSubscription adds or removes a pattern from agentID's persisted
// subscriptions.
func (s *Store) SetAgentSubscription(agentID, pattern string, add bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir, err := s.GetAgentDir(agentID)
	if err != nil {
		return err
	}
	cfg, err := readAgentConfig(dir)
	if err != nil {
		return err
	}
	cfg.Subscriptions = mergeSubscriptions(cfg.Subscriptions, pattern, add)
	return writeAgentConfig(dir, cfg)
}

// SessionSubscriptions returns the persisted custom subscriptions for a session.
func (s *Store) SessionSubscriptions(agentID, sessionID string) ([]Subscription, error) {
	meta, err := s.GetSession(agentID, sessionID)
	if err != nil {
		return nil, err
	}
	return meta.Subscriptions, nil
}

// SetSessionSubscription adds or removes a pattern from a session's
// persisted subscriptions.
func (s *Store) SetSessionSubscription(agentID, sessionID, pattern string, add bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	agentDir, err := s.GetAgentDir(agentID)
	if err != nil {
		return err
	}
	meta, err := readSessionMeta(agentDir, sessionID)
	if err != nil {
		return err
	}
	meta.Subscriptions = mergeSubscriptions(meta.Subscriptions, pattern, add)
	return writeSessionMeta(agentDir, meta)
}
