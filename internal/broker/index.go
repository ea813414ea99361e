package broker

import (
	"fmt"

	"github.com/jeebsjenkins/agentcore/internal/pathmatch"
	"github.com/jeebsjenkins/agentcore/internal/store"
)

// ConfigStore is the subset of the agent store the broker needs: listing
// agents/sessions and reading/writing persisted subscriptions. Kept as a
// narrow interface so the broker can be tested without a real store.
type ConfigStore interface {
	ListAgents() ([]string, error)
	ListSessionIDs(agentID string) ([]string, error)
	AgentSubscriptions(agentID string) ([]store.Subscription, error)
	SessionSubscriptions(agentID, sessionID string) ([]store.Subscription, error)
	SetAgentSubscription(agentID, pattern string, add bool) error
	SetSessionSubscription(agentID, sessionID, pattern string, add bool) error
}

// index holds the three subscription tables plus their reverse indices, so
// unsubscribe is O(1) per pattern. Rebuilt wholesale by rebuildIndex and
// swapped in atomically from readers' perspective.
type index struct {
	// agentAuto[agentID] = "agent/{id}" (never persisted, always present).
	agentAuto map[string]string

	// agentCustom[agentID] = set of patterns.
	agentCustom map[string]map[string]bool

	// sessionCustom[agentID][sessionID] = set of patterns.
	sessionCustom map[string]map[string]map[string]bool

	// allAgentIDs is every agent known at the last rebuild, for broadcast
	// exclusion and auto-subscription matching.
	allAgentIDs []string
}

func newIndex() *index {
	return &index{
		agentAuto:     make(map[string]string),
		agentCustom:   make(map[string]map[string]bool),
		sessionCustom: make(map[string]map[string]map[string]bool),
	}
}

func buildIndex(cs ConfigStore) (*index, error) {
	idx := newIndex()
	agentIDs, err := cs.ListAgents()
	if err != nil {
		return nil, fmt.Errorf("broker: list agents: %w", err)
	}
	idx.allAgentIDs = agentIDs

	for _, agentID := range agentIDs {
		idx.agentAuto[agentID] = "agent/" + agentID

		subs, err := cs.AgentSubscriptions(agentID)
		if err != nil {
			continue // treat unreadable config as no custom subscriptions
		}
		set := make(map[string]bool, len(subs))
		for _, s := range subs {
			set[s.Pattern] = true
		}
		idx.agentCustom[agentID] = set

		sessionIDs, err := cs.ListSessionIDs(agentID)
		if err != nil {
			continue
		}
		for _, sid := range sessionIDs {
			ssubs, err := cs.SessionSubscriptions(agentID, sid)
			if err != nil {
				continue
			}
			sset := make(map[string]bool, len(ssubs))
			for _, s := range ssubs {
				sset[s.Pattern] = true
			}
			if idx.sessionCustom[agentID] == nil {
				idx.sessionCustom[agentID] = make(map[string]map[string]bool)
			}
			idx.sessionCustom[agentID][sid] = sset
		}
	}
	return idx, nil
}

// matchingSessions returns every (agentID, sessionID) whose custom
// subscription matches path.
func (idx *index) matchingSessions(path string) []Recipient {
	var out []Recipient
	for agentID, sessions := range idx.sessionCustom {
		for sid, patterns := range sessions {
			for pattern := range patterns {
				if pathmatch.Match(pattern, path) {
					out = append(out, Recipient{AgentID: agentID, SessionID: sid})
					break
				}
			}
		}
	}
	return out
}

// matchingAgents returns every agentID whose auto or custom subscription
// matches path. If isBroadcast is true, the sender (from) is excluded from
// the result.
func (idx *index) matchingAgents(path, from string, isBroadcast bool) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(id string) {
		if isBroadcast && id == from {
			return
		}
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}

	// Auto-subscription is a concrete address ("agent/{id}"), never a
	// pattern. For ordinary sends path carries no wildcards, so this is a
	// plain equality check; for broadcast("agent/**") the incoming path
	// itself is the wildcarded side, so path is matched as the pattern
	// against each agent's literal auto-subscription.
	for agentID, auto := range idx.agentAuto {
		if pathmatch.Match(path, auto) {
			add(agentID)
		}
	}
	for agentID, patterns := range idx.agentCustom {
		for pattern := range patterns {
			if pathmatch.Match(pattern, path) {
				add(agentID)
				break
			}
		}
	}
	return out
}
