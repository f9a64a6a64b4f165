package terminal

import (
	"bytes"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/shsh-gateway/internal/domain"
	"github.com/ashureev/shsh-gateway/internal/shell"
)

// Sink receives the events of the session a transport is attached to.
type Sink interface {
	// Attached is called once the sink is bound, before any event is sent.
	Attached(sessionID string, pid int) error
	// Send delivers one event. An error means the transport is gone.
	Send(ev Event) error
	// Close terminates the transport, telling the peer why.
	Close(reason string)
}

// Session is one live shell and the state needed to relay it to at most one
// transport at a time.
type Session struct {
	ID        string
	Kind      shell.Kind
	CreatedAt time.Time

	proc shell.Process

	mu           sync.Mutex
	parser       *CompletionParser
	tracker      InputTracker
	sink         Sink
	transportID  string
	claimed      bool
	bindSeq      uint64
	lastActivity atomic.Int64 // unix nanos, readable without mu
	backlog      []Event
	maxBacklog   int
	dropped      int
	closed       bool

	now      func() time.Time
	observer Observer
	logger   *slog.Logger
}

type sessionConfig struct {
	maxPending int
	maxBacklog int
	now        func() time.Time
	observer   Observer
	logger     *slog.Logger
}

func newSession(id string, proc shell.Process, cfg sessionConfig) *Session {
	logger := cfg.logger.With("session_id", id, "pid", proc.PID())
	created := cfg.now()
	s := &Session{
		ID:         id,
		Kind:       proc.Kind(),
		CreatedAt:  created,
		proc:       proc,
		parser:     NewCompletionParser(cfg.maxPending, logger),
		maxBacklog: cfg.maxBacklog,
		now:        cfg.now,
		observer:   cfg.observer,
		logger:     logger,
	}
	s.lastActivity.Store(created.UnixNano())
	return s
}

// PID returns the shell's process id.
func (s *Session) PID() int {
	return s.proc.PID()
}

// LastActivity returns the time of the most recent input, resize, output or
// attachment change.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// TransportID returns the attached transport, or "" when detached.
func (s *Session) TransportID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transportID
}

// Attached reports whether a transport is attached.
func (s *Session) Attached() bool {
	return s.TransportID() != ""
}

// Snapshot returns a read-only view of the session.
func (s *Session) Snapshot() domain.SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.SessionSnapshot{
		SessionID:    s.ID,
		PID:          s.proc.PID(),
		Shell:        s.Kind.String(),
		Attached:     s.transportID != "",
		Awaiting:     s.parser.Awaiting(),
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivity(),
	}
}

// Input writes client keystrokes to the shell verbatim. A chunk consisting of
// a lone carriage return marks the start of a command. Write failures are
// logged and swallowed.
func (s *Session) Input(data []byte) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.lastActivity.Store(s.now().UnixNano())
	cmd, _ := s.tracker.Feed(data)
	if bytes.Equal(data, []byte{'\r'}) {
		s.parser.Arm(cmd)
	}
	s.mu.Unlock()

	if err := s.proc.Write(data); err != nil {
		s.logger.Warn("Failed to write to shell", "error", err)
	}
}

// Resize changes the shell's terminal size. Failures are logged and swallowed.
func (s *Session) Resize(cols, rows uint16) {
	if cols == 0 || rows == 0 {
		return
	}
	s.Touch()
	if err := s.proc.Resize(cols, rows); err != nil {
		s.logger.Warn("Failed to resize shell", "cols", cols, "rows", rows, "error", err)
	}
}

// Touch records activity and returns the recorded time.
func (s *Session) Touch() time.Time {
	now := s.now()
	s.lastActivity.Store(now.UnixNano())
	return now
}

// attach binds a transport, replays events queued while detached, and returns
// the transport it replaced. isNew is true for the first attachment only.
// seq orders concurrent attaches: an attach older than the current binding is
// rejected as stale and changes nothing.
func (s *Session) attach(transportID string, sink Sink, seq uint64) (prevID string, prevSink Sink, isNew, stale bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if seq < s.bindSeq {
		return "", nil, false, true
	}
	s.bindSeq = seq

	prevID, prevSink = s.transportID, s.sink
	isNew = !s.claimed
	s.claimed = true
	s.transportID = transportID
	s.sink = sink
	s.lastActivity.Store(s.now().UnixNano())

	if err := sink.Attached(s.ID, s.proc.PID()); err != nil {
		s.logger.Debug("Transport failed during attach", "transport_id", transportID, "error", err)
		s.sink = nil
	}

	if s.dropped > 0 {
		s.logger.Warn("Detached backlog overflowed, oldest events lost", "dropped", s.dropped)
		s.dropped = 0
	}
	backlog := s.backlog
	s.backlog = nil
	for _, ev := range backlog {
		s.deliverLocked(ev)
	}

	if prevID == transportID {
		return "", nil, isNew, false
	}
	return prevID, prevSink, isNew, false
}

// detach unbinds transportID if it is the one attached. The shell keeps
// running and events are queued until the next attach.
func (s *Session) detach(transportID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.transportID != transportID {
		return false
	}
	s.transportID = ""
	s.sink = nil
	return true
}

// kill terminates the shell and discards parser state. An attached
// transport stays open and receives the exit event.
func (s *Session) kill() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.parser.Reset()
	s.backlog = nil
	s.mu.Unlock()

	s.proc.Kill()
}

// pump relays shell output through the parser until the shell's output ends,
// then reports the exit and calls onExit.
func (s *Session) pump(onExit func(code int)) {
	for chunk := range s.proc.Output() {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			continue
		}
		s.lastActivity.Store(s.now().UnixNano())
		events := s.parser.Feed(chunk)
		for i, ev := range events {
			if ev.Kind == EventStatus && s.observer != nil {
				outputBytes := 0
				if i+1 < len(events) && events[i+1].Kind == EventOutput {
					outputBytes = len(events[i+1].Data)
				}
				s.observer.CommandCompleted(s.ID, ev.Status, outputBytes)
			}
			s.deliverLocked(ev)
		}
		s.mu.Unlock()
	}

	<-s.proc.Done()
	code := s.proc.ExitCode()

	s.mu.Lock()
	s.deliverLocked(Event{Kind: EventExit, ExitCode: code})
	s.mu.Unlock()

	onExit(code)
}

// deliverLocked sends ev to the attached transport or queues it while
// detached. A failed send leaves the transport bound until the transport
// reports its own disconnect; later events are queued.
func (s *Session) deliverLocked(ev Event) {
	if s.sink != nil {
		err := s.sink.Send(ev)
		if err == nil {
			return
		}
		s.logger.Debug("Transport send failed, queueing events", "transport_id", s.transportID, "error", err)
		s.sink = nil
	}
	if s.closed && ev.Kind != EventExit {
		return
	}
	s.enqueueLocked(ev)
}

func (s *Session) enqueueLocked(ev Event) {
	if s.maxBacklog <= 0 {
		s.dropped++
		return
	}
	if len(s.backlog) >= s.maxBacklog {
		s.backlog = s.backlog[1:]
		s.dropped++
	}
	s.backlog = append(s.backlog, ev)
}

// ErrSessionNotFound is returned when a session id or transport is unknown.
var ErrSessionNotFound = errors.New("session not found")
