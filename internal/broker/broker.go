package broker

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jeebsjenkins/agentcore/internal/pathmatch"
)

// ErrEmptyPath is returned by Route when the path normalizes to empty.
var ErrEmptyPath = errors.New("broker: empty path")

// Broker routes messages by path across the agent/session subscription
// index, persists one durable copy per matched recipient, and fans real-time
// copies out to active listeners.
type Broker struct {
	cs ConfigStore
	lg *logStore

	mu  sync.RWMutex
	idx *index

	listenersMu    sync.Mutex
	agentListeners map[string][]listenerEntry
	sessListeners  map[string]map[string][]listenerEntry

	onRouteMu sync.Mutex
	onRoute   []OnRouteFunc
}

type listenerEntry struct {
	id uint64
	fn ListenFunc
}

// New builds a Broker backed by cs for subscription config and root for
// durable per-recipient logs (root is the same directory store.Store uses,
// so .messages/ lives alongside agents/).
func New(cs ConfigStore, root string) (*Broker, error) {
	lg, err := newLogStore(root)
	if err != nil {
		return nil, fmt.Errorf("broker: init log store: %w", err)
	}
	b := &Broker{
		cs:             cs,
		lg:             lg,
		agentListeners: make(map[string][]listenerEntry),
		sessListeners:  make(map[string]map[string][]listenerEntry),
	}
	if err := b.RebuildIndex(); err != nil {
		return nil, err
	}
	return b, nil
}

// RebuildIndex reloads every agent's and session's subscription set from
// the config store and atomically swaps it in. Callers invoke this after
// any subscription or agent/session lifecycle change.
func (b *Broker) RebuildIndex() error {
	idx, err := buildIndex(b.cs)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.idx = idx
	b.mu.Unlock()
	return nil
}

func (b *Broker) snapshotIndex() *index {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.idx
}

// OnRoute registers an observer invoked once per completed Route call,
// after durable persistence completes.
func (b *Broker) OnRoute(fn OnRouteFunc) {
	b.onRouteMu.Lock()
	defer b.onRouteMu.Unlock()
	b.onRoute = append(b.onRoute, fn)
}

func (b *Broker) notifyOnRoute(res RouteResult) {
	b.onRouteMu.Lock()
	fns := append([]OnRouteFunc(nil), b.onRoute...)
	b.onRouteMu.Unlock()
	for _, fn := range fns {
		fn(res)
	}
}

// isBroadcastPath reports whether path names a wildcard segment, i.e. is
// intended to reach more than one recipient. An exact "agent/{id}" path is never a broadcast even when the
// sender itself is the target.
func isBroadcastPath(path string) bool {
	for _, r := range path {
		if r == '*' {
			return true
		}
	}
	return false
}

// Route normalizes in.Path and delivers one message from "from" to every
// agent/session whose subscription matches it, rejecting an empty-after-
// normalization path. It persists a durable copy per matched recipient
// (under the normalized path), marks the agent-level copy "handled" when a
// session-level subscription of the same agent also matched, fans out
// real-time copies to active listeners, and finally notifies onRoute
// observers. A path matching nothing is recorded in the dead-letter sink.
func (b *Broker) Route(from string, in RouteInput) (RouteResult, error) {
	path := pathmatch.Normalize(in.Path)
	if path == "" {
		return RouteResult{}, ErrEmptyPath
	}

	idx := b.snapshotIndex()
	now := time.Now()
	id := uuid.NewString()

	broadcast := isBroadcastPath(path)
	agentIDs := idx.matchingAgents(path, from, broadcast)
	sessionRecipients := idx.matchingSessions(path)

	handledAgents := make(map[string]bool, len(sessionRecipients))
	bySessionAgent := make(map[string][]Recipient, len(sessionRecipients))
	for _, r := range sessionRecipients {
		handledAgents[r.AgentID] = true
		bySessionAgent[r.AgentID] = append(bySessionAgent[r.AgentID], r)
	}

	res := RouteResult{ID: id}

	if len(agentIDs) == 0 && len(sessionRecipients) == 0 {
		msg := Message{
			ID:         id,
			From:       from,
			Path:       path,
			Command:    in.Command,
			Payload:    in.Payload,
			Status:     StatusPending,
			Timestamp:  now,
			Source:     in.Source,
			ExternalID: in.ExternalID,
		}
		if err := b.lg.appendUnmatched(msg, "no subscriber matched path"); err != nil {
			return res, err
		}
		res.Unmatched = true
		res.Message = msg
		b.notifyOnRoute(res)
		return res, nil
	}

	for _, agentID := range agentIDs {
		deliveredTo := bySessionAgent[agentID]
		msg := Message{
			ID:          id,
			From:        from,
			Path:        path,
			Command:     in.Command,
			Payload:     in.Payload,
			Status:      StatusPending,
			Timestamp:   now,
			Source:      in.Source,
			ExternalID:  in.ExternalID,
			Handled:     handledAgents[agentID],
			HandledBy:   deliveredTo,
			DeliveredTo: deliveredTo,
		}
		if err := b.lg.append(b.lg.agentLogPath(agentID), msg); err != nil {
			return res, err
		}
		res.DeliveredTo = append(res.DeliveredTo, agentID)
		b.fanoutAgent(agentID, msg)
	}

	for _, r := range sessionRecipients {
		msg := Message{
			ID:         id,
			From:       from,
			Path:       path,
			Command:    in.Command,
			Payload:    in.Payload,
			Status:     StatusPending,
			Timestamp:  now,
			Source:     in.Source,
			ExternalID: in.ExternalID,
		}
		if err := b.lg.append(b.lg.sessionLogPath(r.AgentID, r.SessionID), msg); err != nil {
			return res, err
		}
		res.DeliveredToSessions = append(res.DeliveredToSessions, r)
		b.fanoutSession(r.AgentID, r.SessionID, msg)
	}

	res.Delivered = true
	res.Message = Message{
		ID:        id,
		From:      from,
		Path:      path,
		Command:   in.Command,
		Payload:   in.Payload,
		Status:    StatusPending,
		Timestamp: now,
		Source:    in.Source,
	}
	b.notifyOnRoute(res)
	return res, nil
}

// Send routes a message addressed to a single agent (path "agent/{id}").
func (b *Broker) Send(from, agentID, command string, payload map[string]interface{}, src Source) (RouteResult, error) {
	return b.Route(from, RouteInput{Command: command, Payload: payload, Source: src, Path: "agent/" + agentID})
}

// Broadcast routes a message against a wildcard path, e.g. "agent/**".
func (b *Broker) Broadcast(from, path, command string, payload map[string]interface{}, src Source) (RouteResult, error) {
	return b.Route(from, RouteInput{Command: command, Payload: payload, Source: src, Path: path})
}

// Receive returns an agent's pending messages and flips them to delivered.
func (b *Broker) Receive(agentID string) ([]Message, error) {
	path := b.lg.agentLogPath(agentID)
	return b.drain(path)
}

// ReceiveSession returns a session's pending messages and flips them to
// delivered.
func (b *Broker) ReceiveSession(agentID, sessionID string) ([]Message, error) {
	path := b.lg.sessionLogPath(agentID, sessionID)
	return b.drain(path)
}

func (b *Broker) drain(path string) ([]Message, error) {
	all, err := b.lg.readAll(path)
	if err != nil {
		return nil, err
	}
	var pending []Message
	for i := range all {
		if all[i].Status == StatusPending {
			all[i].Status = StatusDelivered
			pending = append(pending, all[i])
		}
	}
	if len(pending) > 0 {
		if err := b.lg.rewriteAll(path, all); err != nil {
			return nil, err
		}
	}
	return pending, nil
}

// History returns an agent's persisted messages, newest-last, honoring opts.
func (b *Broker) History(agentID string, opts HistoryOpts) ([]Message, error) {
	all, err := b.lg.readAll(b.lg.agentLogPath(agentID))
	if err != nil {
		return nil, err
	}
	return filterHistory(all, opts), nil
}

// SessionHistory returns a session's persisted messages, newest-last.
func (b *Broker) SessionHistory(agentID, sessionID string, opts HistoryOpts) ([]Message, error) {
	all, err := b.lg.readAll(b.lg.sessionLogPath(agentID, sessionID))
	if err != nil {
		return nil, err
	}
	return filterHistory(all, opts), nil
}

func filterHistory(all []Message, opts HistoryOpts) []Message {
	out := make([]Message, 0, len(all))
	for _, m := range all {
		if !opts.FromTime.IsZero() && m.Timestamp.Before(opts.FromTime) {
			continue
		}
		if !opts.ToTime.IsZero() && m.Timestamp.After(opts.ToTime) {
			continue
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[len(out)-opts.Limit:]
	}
	return out
}

// GetUnmatched returns every dead-lettered message.
func (b *Broker) GetUnmatched() ([]Message, error) {
	return b.lg.readUnmatched()
}

// ClearUnmatched empties the dead-letter sink.
func (b *Broker) ClearUnmatched() error {
	return b.lg.clearUnmatched()
}

// Subscribe adds a custom subscription pattern for an agent, then rebuilds
// the index so the change takes effect immediately.
func (b *Broker) Subscribe(agentID, pattern string) error {
	if err := b.cs.SetAgentSubscription(agentID, pattern, true); err != nil {
		return err
	}
	return b.RebuildIndex()
}

// Unsubscribe removes a custom subscription pattern for an agent.
func (b *Broker) Unsubscribe(agentID, pattern string) error {
	if err := b.cs.SetAgentSubscription(agentID, pattern, false); err != nil {
		return err
	}
	return b.RebuildIndex()
}

// SubscribeSession adds a custom subscription pattern for one session.
func (b *Broker) SubscribeSession(agentID, sessionID, pattern string) error {
	if err := b.cs.SetSessionSubscription(agentID, sessionID, pattern, true); err != nil {
		return err
	}
	return b.RebuildIndex()
}

// UnsubscribeSession removes a custom subscription pattern for one session.
func (b *Broker) UnsubscribeSession(agentID, sessionID, pattern string) error {
	if err := b.cs.SetSessionSubscription(agentID, sessionID, pattern, false); err != nil {
		return err
	}
	return b.RebuildIndex()
}

var listenerSeq uint64
var listenerSeqMu sync.Mutex

func nextListenerID() uint64 {
	listenerSeqMu.Lock()
	defer listenerSeqMu.Unlock()
	listenerSeq++
	return listenerSeq
}

// Listen registers fn to receive every message routed to agentID in real
// time, in addition to the durable copy. Returns a CancelFunc.
func (b *Broker) Listen(agentID string, fn ListenFunc) CancelFunc {
	id := nextListenerID()
	b.listenersMu.Lock()
	b.agentListeners[agentID] = append(b.agentListeners[agentID], listenerEntry{id: id, fn: fn})
	b.listenersMu.Unlock()

	return func() {
		b.listenersMu.Lock()
		defer b.listenersMu.Unlock()
		entries := b.agentListeners[agentID]
		for i, e := range entries {
			if e.id == id {
				b.agentListeners[agentID] = append(entries[:i], entries[i+1:]...)
				break
			}
		}
	}
}

// ListenSession registers fn to receive every message routed to one session
// in real time. Returns a CancelFunc.
func (b *Broker) ListenSession(agentID, sessionID string, fn ListenFunc) CancelFunc {
	id := nextListenerID()
	b.listenersMu.Lock()
	if b.sessListeners[agentID] == nil {
		b.sessListeners[agentID] = make(map[string][]listenerEntry)
	}
	b.sessListeners[agentID][sessionID] = append(b.sessListeners[agentID][sessionID], listenerEntry{id: id, fn: fn})
	b.listenersMu.Unlock()

	return func() {
		b.listenersMu.Lock()
		defer b.listenersMu.Unlock()
		entries := b.sessListeners[agentID][sessionID]
		for i, e := range entries {
			if e.id == id {
				b.sessListeners[agentID][sessionID] = append(entries[:i], entries[i+1:]...)
				break
			}
		}
	}
}

func (b *Broker) fanoutAgent(agentID string, msg Message) {
	b.listenersMu.Lock()
	entries := append([]listenerEntry(nil), b.agentListeners[agentID]...)
	b.listenersMu.Unlock()
	for _, e := range entries {
		go e.fn(msg)
	}
}

func (b *Broker) fanoutSession(agentID, sessionID string, msg Message) {
	b.listenersMu.Lock()
	entries := append([]listenerEntry(nil), b.sessListeners[agentID][sessionID]...)
	b.listenersMu.Unlock()
	for _, e := range entries {
		go e.fn(msg)
	}
}
