package terminal

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ashureev/shsh-gateway/internal/domain"
	"github.com/ashureev/shsh-gateway/internal/identity"
	"github.com/ashureev/shsh-gateway/internal/shell"
)

// Observer is notified of session lifecycle events. Implementations must not
// block; they are called with session locks held.
type Observer interface {
	SessionStarted(snap domain.SessionSnapshot)
	SessionClosed(sessionID, reason string)
	CommandCompleted(sessionID string, status CommandStatus, outputBytes int)
}

// RegistryConfig configures how sessions are spawned and buffered.
type RegistryConfig struct {
	Kind       shell.Kind
	Dir        string
	Env        []string
	MaxPending int // per-command output cap, 0 = unbounded
	MaxBacklog int // events queued while detached
}

// AttachResult is the outcome of Registry.Attach.
type AttachResult struct {
	Session *Session
	IsNew   bool
}

// Registry owns every live session, indexed by session id and by the
// transport currently attached to it.
type Registry struct {
	spawner  shell.Spawner
	cfg      RegistryConfig
	observer Observer
	logger   *slog.Logger
	now      func() time.Time

	mu         sync.Mutex
	sessions   map[string]*Session
	transports map[string]*Session
	reserved   map[string]struct{}
	bindSeq    uint64

	group singleflight.Group
}

// NewRegistry creates an empty registry. observer may be nil.
func NewRegistry(spawner shell.Spawner, cfg RegistryConfig, observer Observer, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		spawner:    spawner,
		cfg:        cfg,
		observer:   observer,
		logger:     logger,
		now:        time.Now,
		sessions:   make(map[string]*Session),
		transports: make(map[string]*Session),
		reserved:   make(map[string]struct{}),
	}
}

// Attach binds transportID to a session, in order of precedence: the session
// named by token, the session the transport is already bound to, or a newly
// spawned one. A transport previously attached to the chosen session is
// closed with "session replaced".
//
// The registry lock only covers the table update; the handshake and backlog
// replay run under the session's own lock.
func (r *Registry) Attach(ctx context.Context, token, transportID string, sink Sink) (AttachResult, error) {
	token = identity.SanitizeSessionID(token)

	r.mu.Lock()
	if s, ok := r.sessions[token]; ok && token != "" {
		b := r.bindLocked(s, transportID)
		r.mu.Unlock()
		r.logger.Info("Transport reattached to session", "session_id", s.ID, "transport_id", transportID)
		return AttachResult{Session: s, IsNew: r.finishBind(s, b, transportID, sink)}, nil
	}
	if s, ok := r.transports[transportID]; ok {
		b := r.bindLocked(s, transportID)
		r.mu.Unlock()
		return AttachResult{Session: s, IsNew: r.finishBind(s, b, transportID, sink)}, nil
	}

	id := token
	if id == "" {
		id = r.newIDLocked()
	}
	r.mu.Unlock()

	v, err, _ := r.group.Do(id, func() (any, error) {
		return r.create(ctx, id)
	})

	r.mu.Lock()
	delete(r.reserved, id)
	if err != nil {
		r.mu.Unlock()
		return AttachResult{}, err
	}
	s := v.(*Session)
	if _, live := r.sessions[s.ID]; !live {
		r.mu.Unlock()
		return AttachResult{}, fmt.Errorf("session %s: %w", s.ID, ErrSessionNotFound)
	}
	b := r.bindLocked(s, transportID)
	r.mu.Unlock()

	return AttachResult{Session: s, IsNew: r.finishBind(s, b, transportID, sink)}, nil
}

// binding is the table change made by bindLocked, applied to the sessions
// by finishBind once the registry lock is released.
type binding struct {
	seq   uint64
	other *Session // session transportID was bound to before, if different
}

// bindLocked points transportID at s and drops s's previous transport from
// the table.
func (r *Registry) bindLocked(s *Session, transportID string) binding {
	var b binding
	if other, ok := r.transports[transportID]; ok && other != s {
		b.other = other
	}
	for tid, bound := range r.transports {
		if bound == s && tid != transportID {
			delete(r.transports, tid)
		}
	}
	r.transports[transportID] = s
	r.bindSeq++
	b.seq = r.bindSeq
	return b
}

func (r *Registry) finishBind(s *Session, b binding, transportID string, sink Sink) bool {
	if b.other != nil {
		b.other.detach(transportID)
	}

	prevID, prevSink, isNew, stale := s.attach(transportID, sink, b.seq)
	if stale {
		// A newer attach won the race for this session.
		sink.Close("session replaced")
		return isNew
	}
	if prevID != "" {
		if prevSink != nil {
			go prevSink.Close("session replaced")
		}
		r.logger.Info("Session transport replaced", "session_id", s.ID, "transport_id", transportID, "previous_transport_id", prevID)
	}
	return isNew
}

// create spawns the shell for id, injects the init script and registers the
// session. Concurrent calls for the same id share one spawn.
func (r *Registry) create(ctx context.Context, id string) (*Session, error) {
	r.mu.Lock()
	if s, ok := r.sessions[id]; ok {
		r.mu.Unlock()
		return s, nil
	}
	r.mu.Unlock()

	proc, err := r.spawner.Spawn(ctx, shell.Options{
		Kind: r.cfg.Kind,
		Dir:  r.cfg.Dir,
		Env:  r.cfg.Env,
		Cols: shell.DefaultCols,
		Rows: shell.DefaultRows,
	})
	if err != nil {
		r.logger.Error("Failed to spawn shell", "session_id", id, "error", err)
		return nil, err
	}

	if err := proc.Write(shell.InitScript(proc.Kind())); err != nil {
		r.logger.Warn("Failed to write shell init script", "session_id", id, "error", err)
	}

	s := newSession(id, proc, sessionConfig{
		maxPending: r.cfg.MaxPending,
		maxBacklog: r.cfg.MaxBacklog,
		now:        r.now,
		observer:   r.observer,
		logger:     r.logger,
	})

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()

	go s.pump(func(code int) {
		r.remove(id, s, fmt.Sprintf("process exited (%d)", code))
	})

	r.logger.Info("Session created", "session_id", id, "pid", proc.PID(), "shell", proc.Kind().String())
	if r.observer != nil {
		r.observer.SessionStarted(s.Snapshot())
	}
	return s, nil
}

func (r *Registry) newIDLocked() string {
	base := fmt.Sprintf("session_%d", r.now().UnixMilli())
	id := base
	for n := 2; ; n++ {
		_, live := r.sessions[id]
		_, pending := r.reserved[id]
		if !live && !pending {
			break
		}
		id = fmt.Sprintf("%s_%d", base, n)
	}
	r.reserved[id] = struct{}{}
	return id
}

// Get returns the session with the given id.
func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// ByTransport returns the session the transport is attached to.
func (r *Registry) ByTransport(transportID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.transports[transportID]
	return s, ok
}

// Touch records activity on the transport's session.
func (r *Registry) Touch(transportID string) {
	if s, ok := r.ByTransport(transportID); ok {
		s.Touch()
	}
}

// Detach unbinds a transport from its session without stopping the shell.
func (r *Registry) Detach(transportID string) (*Session, bool) {
	r.mu.Lock()
	s, ok := r.transports[transportID]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	delete(r.transports, transportID)
	r.mu.Unlock()

	s.detach(transportID)
	return s, true
}

// Remove kills the session's shell and drops it from both tables.
func (r *Registry) Remove(sessionID, reason string) bool {
	s, ok := r.Get(sessionID)
	if !ok {
		return false
	}
	return r.remove(sessionID, s, reason)
}

func (r *Registry) remove(sessionID string, s *Session, reason string) bool {
	r.mu.Lock()
	if r.sessions[sessionID] != s {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, sessionID)
	for tid, bound := range r.transports {
		if bound == s {
			delete(r.transports, tid)
		}
	}
	r.mu.Unlock()

	s.kill()
	r.logger.Info("Session removed", "session_id", sessionID, "pid", s.PID(), "reason", reason)
	if r.observer != nil {
		r.observer.SessionClosed(sessionID, reason)
	}
	return true
}

// Snapshots returns views of all live sessions, oldest first.
func (r *Registry) Snapshots() []domain.SessionSnapshot {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	snaps := make([]domain.SessionSnapshot, 0, len(sessions))
	for _, s := range sessions {
		snaps = append(snaps, s.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool {
		if snaps[i].CreatedAt.Equal(snaps[j].CreatedAt) {
			return snaps[i].SessionID < snaps[j].SessionID
		}
		return snaps[i].CreatedAt.Before(snaps[j].CreatedAt)
	})
	return snaps
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CloseAll removes every session. Used at shutdown.
func (r *Registry) CloseAll(reason string) int {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	n := 0
	for _, id := range ids {
		if r.Remove(id, reason) {
			n++
		}
	}
	return n
}

// sessionsIdleSince returns sessions whose last activity is before cutoff.
func (r *Registry) sessionsIdleSince(cutoff time.Time) []*Session {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	idle := sessions[:0]
	for _, s := range sessions {
		if s.LastActivity().Before(cutoff) {
			idle = append(idle, s)
		}
	}
	return idle
}
