package terminal

import (
	"log/slog"
	"sync"
	"time"
)

// DisconnectReason describes why a transport went away.
type DisconnectReason string

const (
	ReasonTransportClose DisconnectReason = "transport close"
	ReasonPingTimeout    DisconnectReason = "ping timeout"
	ReasonLogout         DisconnectReason = "client logout"
	ReasonServerShutdown DisconnectReason = "server shutdown"
)

// Abnormal reports whether the peer may come back and reclaim its session.
func (r DisconnectReason) Abnormal() bool {
	return r == ReasonTransportClose || r == ReasonPingTimeout
}

// DefaultGraceWindow is how long a session abandoned by an abnormal
// disconnect waits for its client to reconnect.
const DefaultGraceWindow = 5 * time.Minute

// Coordinator keeps sessions alive across transport loss and reclaims those
// whose client never returns.
type Coordinator struct {
	registry *Registry
	grace    time.Duration
	logger   *slog.Logger

	afterFunc func(d time.Duration, f func()) *time.Timer

	mu     sync.Mutex
	timers map[*time.Timer]struct{}
}

// NewCoordinator creates a coordinator using the given grace window.
func NewCoordinator(registry *Registry, grace time.Duration, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if grace <= 0 {
		grace = DefaultGraceWindow
	}
	return &Coordinator{
		registry:  registry,
		grace:     grace,
		logger:    logger,
		afterFunc: time.AfterFunc,
		timers:    make(map[*time.Timer]struct{}),
	}
}

// Disconnected detaches the transport from its session without stopping the
// shell. For abnormal disconnects a grace timer is armed; when it fires the
// session is killed unless it saw activity or was reattached in the meantime.
func (c *Coordinator) Disconnected(transportID string, reason DisconnectReason) {
	s, ok := c.registry.Detach(transportID)
	if !ok {
		return
	}
	mark := s.Touch()

	c.logger.Info("Transport disconnected, preserving session",
		"session_id", s.ID, "transport_id", transportID, "reason", string(reason))

	if !reason.Abnormal() {
		return
	}

	var timer *time.Timer
	c.mu.Lock()
	timer = c.afterFunc(c.grace, func() {
		c.mu.Lock()
		delete(c.timers, timer)
		c.mu.Unlock()
		c.expire(s, mark)
	})
	c.timers[timer] = struct{}{}
	c.mu.Unlock()
}

func (c *Coordinator) expire(s *Session, mark time.Time) {
	current, ok := c.registry.Get(s.ID)
	if !ok || current != s {
		return
	}
	if s.Attached() || s.LastActivity().After(mark) {
		c.logger.Debug("Session resumed within grace window", "session_id", s.ID)
		return
	}

	c.logger.Info("No reconnection within grace window, cleaning up", "session_id", s.ID, "grace", c.grace)
	c.registry.Remove(s.ID, "grace window expired")
}

// Pending returns the number of armed grace timers.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// Stop cancels every armed grace timer.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for t := range c.timers {
		t.Stop()
	}
	c.timers = make(map[*time.Timer]struct{})
}
