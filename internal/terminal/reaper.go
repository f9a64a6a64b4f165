package terminal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	DefaultIdleTimeout    = 5 * time.Minute
	DefaultReaperInterval = time.Minute
)

// Reaper periodically kills sessions that have been idle too long, whether
// or not a transport is attached. It also runs other housekeeping jobs on
// the same schedule runner.
type Reaper struct {
	registry *Registry
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time
	cron     *cron.Cron
}

// NewReaper creates a reaper. It does nothing until Start.
func NewReaper(registry *Registry, timeout time.Duration, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultIdleTimeout
	}
	return &Reaper{
		registry: registry,
		timeout:  timeout,
		logger:   logger,
		now:      time.Now,
		cron:     cron.New(),
	}
}

// Sweep removes every session whose last activity is more than the idle
// timeout before now. It returns the number of sessions removed.
func (r *Reaper) Sweep(now time.Time) int {
	idle := r.registry.sessionsIdleSince(now.Add(-r.timeout))
	removed := 0
	for _, s := range idle {
		r.logger.Info("Cleaning up inactive session",
			"session_id", s.ID, "pid", s.PID(), "idle", now.Sub(s.LastActivity()).Round(time.Second))
		if r.registry.Remove(s.ID, "idle timeout") {
			removed++
		}
	}
	if removed > 0 {
		r.logger.Info("Idle sweep completed", "removed", removed, "remaining", r.registry.Len())
	}
	return removed
}

// Schedule registers the idle sweep to run every interval.
func (r *Reaper) Schedule(interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultReaperInterval
	}
	return r.AddJob("idle-sweep", interval, func() { r.Sweep(r.now()) })
}

// AddJob runs fn every interval once the reaper is started.
func (r *Reaper) AddJob(name string, interval time.Duration, fn func()) error {
	if _, err := r.cron.AddFunc(fmt.Sprintf("@every %s", interval), fn); err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	r.logger.Info("Housekeeping job scheduled", "job", name, "interval", interval)
	return nil
}

// Start begins running scheduled jobs in the background.
func (r *Reaper) Start() {
	r.cron.Start()
	r.logger.Info("Reaper started", "idle_timeout", r.timeout)
}

// Stop halts the schedule and waits for running jobs until ctx is done.
func (r *Reaper) Stop(ctx context.Context) {
	done := r.cron.Stop()
	select {
	case <-done.Done():
		r.logger.Info("Reaper stopped")
	case <-ctx.Done():
		r.logger.Warn("Reaper stop timed out", "reason", ctx.Err())
	}
}
