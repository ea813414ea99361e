package turns

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/jeebsjenkins/agentcore/internal/broker"
)

// heartbeatTick is how often the scheduler checks cron expressions for
// due-ness. Cron granularity is one minute, so a sub-minute tick is enough
// to never miss a boundary.
const heartbeatTick = 15 * time.Second

// heartbeatScheduler walks every agent's persisted `heartbeat` cron
// expression and fires a broker message when it comes due ("Heartbeats").
type heartbeatScheduler struct {
	store  ConfigStore
	broker MessageBroker
	gron   gronx.Gronx

	mu      sync.Mutex
	cancel  context.CancelFunc
	agents  map[string]string // agentID -> cron expression
	lastRun map[string]time.Time
}

func newHeartbeatScheduler(cs ConfigStore, br MessageBroker) *heartbeatScheduler {
	return &heartbeatScheduler{
		store:   cs,
		broker:  br,
		gron:    gronx.New(),
		agents:  make(map[string]string),
		lastRun: make(map[string]time.Time),
	}
}

func (h *heartbeatScheduler) start(ctx context.Context) error {
	if err := h.loadAgents(); err != nil {
		return err
	}
	h.run(ctx)
	return nil
}

func (h *heartbeatScheduler) refresh(ctx context.Context) error {
	h.stop()
	return h.start(ctx)
}

func (h *heartbeatScheduler) stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
}

func (h *heartbeatScheduler) loadAgents() error {
	ids, err := h.store.ListAgents()
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.agents = make(map[string]string)
	for _, id := range ids {
		cfg, err := h.store.GetAgent(id)
		if err != nil || cfg.Heartbeat == "" {
			continue
		}
		if !h.gron.IsValid(cfg.Heartbeat) {
			slog.Warn("heartbeat: invalid cron expression, skipping", "agentId", id, "cron", cfg.Heartbeat)
			continue
		}
		h.agents[id] = cfg.Heartbeat
	}
	return nil
}

func (h *heartbeatScheduler) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	h.mu.Lock()
	h.cancel = cancel
	h.mu.Unlock()

	ticker := time.NewTicker(heartbeatTick)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				h.tick(now)
			}
		}
	}()
}

func (h *heartbeatScheduler) tick(now time.Time) {
	h.mu.Lock()
	agents := make(map[string]string, len(h.agents))
	for id, expr := range h.agents {
		agents[id] = expr
	}
	h.mu.Unlock()

	for agentID, expr := range agents {
		due, err := h.gron.IsDue(expr, now)
		if err != nil || !due {
			continue
		}
		h.mu.Lock()
		last, fired := h.lastRun[agentID]
		alreadyFiredThisMinute := fired && last.Truncate(time.Minute).Equal(now.Truncate(time.Minute))
		if !alreadyFiredThisMinute {
			h.lastRun[agentID] = now
		}
		h.mu.Unlock()
		if alreadyFiredThisMinute {
			continue
		}

		_, _ = h.broker.Route("system/heartbeat", broker.RouteInput{
			Command: "heartbeat",
			Source:  broker.SourceHeartbeat,
			Payload: map[string]interface{}{
				"scheduled": true,
				"cron":      expr,
				"firedAt":   now,
			},
			Path: "agent/" + agentID,
		})
	}
}
