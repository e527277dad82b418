package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/fathima-sithara/social-messaging/internal/metrics"
	"go.uber.org/zap"
)

// Hub is the session registry of this instance: user id -> live sessions.
// The lock guards the maps only; socket writes happen in each session's pump.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byUser   map[string]map[string]*Session

	timeout time.Duration
	log     *zap.Logger
	now     func() time.Time
}

func NewHub(log *zap.Logger, heartbeatTimeout time.Duration) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		sessions: make(map[string]*Session),
		byUser:   make(map[string]map[string]*Session),
		timeout:  heartbeatTimeout,
		log:      log,
		now:      time.Now,
	}
}

// Register subscribes s under its user id.
func (h *Hub) Register(s *Session) {
	h.mu.Lock()
	h.sessions[s.ID()] = s
	if h.byUser[s.UserID()] == nil {
		h.byUser[s.UserID()] = make(map[string]*Session)
	}
	h.byUser[s.UserID()][s.ID()] = s
	h.mu.Unlock()

	s.Touch(h.now())
	metrics.ActiveSessions.Inc()
	h.log.Debug("session registered", zap.String("user_id", s.UserID()), zap.String("session_id", s.ID()))
}

// Unregister removes and closes the session. Safe to call more than once.
func (h *Hub) Unregister(sessionID string) bool {
	h.mu.Lock()
	s, ok := h.sessions[sessionID]
	if ok {
		delete(h.sessions, sessionID)
		if m := h.byUser[s.UserID()]; m != nil {
			delete(m, sessionID)
			if len(m) == 0 {
				delete(h.byUser, s.UserID())
			}
		}
	}
	h.mu.Unlock()

	if !ok {
		return false
	}
	s.Close()
	metrics.ActiveSessions.Dec()
	h.log.Debug("session unregistered", zap.String("user_id", s.UserID()), zap.String("session_id", sessionID))
	return true
}

func (h *Hub) Touch(sessionID string) {
	h.mu.RLock()
	s, ok := h.sessions[sessionID]
	h.mu.RUnlock()
	if ok {
		s.Touch(h.now())
	}
}

func (h *Hub) Session(sessionID string) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[sessionID]
	return s, ok
}

func (h *Hub) Sessions(userID string) []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Session, 0, len(h.byUser[userID]))
	for _, s := range h.byUser[userID] {
		out = append(out, s)
	}
	return out
}

func (h *Hub) Online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byUser[userID]) > 0
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Deliver pushes d to local sessions and returns how many accepted it.
// A session whose buffer is full is evicted; it catches up over REST.
func (h *Hub) Deliver(d Delivery) int {
	b, err := json.Marshal(d.Envelope)
	if err != nil {
		h.log.Error("marshal envelope", zap.Error(err))
		return 0
	}

	var targets []*Session
	h.mu.RLock()
	for _, uid := range d.Recipients {
		for id, s := range h.byUser[uid] {
			if id == d.ExcludeSession {
				continue
			}
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	delivered := 0
	for _, s := range targets {
		if s.Enqueue(b) {
			delivered++
			continue
		}
		metrics.FanoutDeliveries.WithLabelValues("dropped").Inc()
		h.log.Warn("slow consumer evicted", zap.String("user_id", s.UserID()), zap.String("session_id", s.ID()))
		if h.Unregister(s.ID()) {
			metrics.SessionsEvicted.WithLabelValues("slow_consumer").Inc()
		}
	}
	metrics.FanoutDeliveries.WithLabelValues("delivered").Add(float64(delivered))
	return delivered
}

// Sweep evicts sessions whose last heartbeat is older than the timeout.
func (h *Hub) Sweep(now time.Time) []string {
	if h.timeout <= 0 {
		return nil
	}
	cutoff := now.Add(-h.timeout)
	var stale []string
	h.mu.RLock()
	for id, s := range h.sessions {
		if s.LastSeen().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	h.mu.RUnlock()

	for _, id := range stale {
		if h.Unregister(id) {
			metrics.SessionsEvicted.WithLabelValues("heartbeat_timeout").Inc()
			h.log.Info("session timed out", zap.String("session_id", id))
		}
	}
	return stale
}

// Run sweeps on every tick until ctx is done, then closes all sessions.
func (h *Hub) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-ticker.C:
			h.Sweep(h.now())
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	ids := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	for _, id := range ids {
		h.Unregister(id)
	}
}
