package terminal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/shsh-gateway/internal/shell"
)

// fakeProcess is an in-memory shell. When scripted, it behaves like a tiny
// interactive shell that understands `echo X`, `(exit N)`, `hold` and `exit N`
// and prints the exit-status line before each prompt once the init script has
// been written.
type fakeProcess struct {
	pid      int
	kind     shell.Kind
	scripted bool

	out  chan []byte
	done chan struct{}

	mu       sync.Mutex
	writes   [][]byte
	line     []byte
	inited   bool
	held     bool
	cols     uint16
	rows     uint16
	exitCode int
	finished bool
	killed   atomic.Bool
}

func newFakeProcess(pid int, scripted bool) *fakeProcess {
	return &fakeProcess{
		pid:      pid,
		scripted: scripted,
		out:      make(chan []byte, 256),
		done:     make(chan struct{}),
	}
}

func (p *fakeProcess) PID() int              { return p.pid }
func (p *fakeProcess) Kind() shell.Kind      { return p.kind }
func (p *fakeProcess) Output() <-chan []byte { return p.out }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) ExitCode() int {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

func (p *fakeProcess) Write(b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.finished {
		return fmt.Errorf("%w: %w", shell.ErrWrite, shell.ErrClosed)
	}
	p.writes = append(p.writes, bytes.Clone(b))

	if !p.scripted {
		return nil
	}
	if !p.inited {
		p.inited = true
		p.emitLocked(statusLine("0") + "$ ")
		return nil
	}

	for _, c := range b {
		if c != '\r' {
			p.line = append(p.line, c)
			p.emitLocked(string(c))
			continue
		}
		line := strings.TrimSpace(string(p.line))
		p.line = p.line[:0]
		p.emitLocked("\r\n")
		p.runLocked(line)
	}
	return nil
}

func (p *fakeProcess) runLocked(line string) {
	switch {
	case strings.HasPrefix(line, "echo "):
		p.emitLocked(strings.TrimPrefix(line, "echo ") + "\r\n")
		p.promptLocked(0)
	case strings.HasPrefix(line, "(exit ") && strings.HasSuffix(line, ")"):
		var code int
		fmt.Sscanf(line, "(exit %d)", &code)
		p.promptLocked(code)
	case line == "hold":
		p.held = true
		p.emitLocked("holding\r\n")
	case strings.HasPrefix(line, "exit "):
		var code int
		fmt.Sscanf(line, "exit %d", &code)
		p.finishLocked(code)
	default:
		p.emitLocked("sh: " + line + ": command not found\r\n")
		p.promptLocked(127)
	}
}

// release completes a command started with `hold`.
func (p *fakeProcess) release(code int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.held = false
	p.emitLocked("released\r\n")
	p.promptLocked(code)
}

func (p *fakeProcess) promptLocked(code int) {
	p.emitLocked(statusLine(fmt.Sprint(code)) + "$ ")
}

func (p *fakeProcess) emitLocked(s string) {
	if p.finished {
		return
	}
	p.out <- []byte(s)
}

func (p *fakeProcess) emit(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.emitLocked(s)
}

func (p *fakeProcess) Resize(cols, rows uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return fmt.Errorf("%w: %w", shell.ErrResize, shell.ErrClosed)
	}
	p.cols, p.rows = cols, rows
	return nil
}

func (p *fakeProcess) Kill() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killed.Store(true)
	p.finishLocked(-1)
}

func (p *fakeProcess) finishLocked(code int) {
	if p.finished {
		return
	}
	p.finished = true
	p.exitCode = code
	close(p.out)
	close(p.done)
}

func (p *fakeProcess) exit(code int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finishLocked(code)
}

func (p *fakeProcess) firstWrite() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.writes) == 0 {
		return nil
	}
	return p.writes[0]
}

type fakeSpawner struct {
	scripted bool
	err      error
	delay    time.Duration

	mu     sync.Mutex
	procs  []*fakeProcess
	spawns atomic.Int32
}

func (s *fakeSpawner) Spawn(ctx context.Context, opts shell.Options) (shell.Process, error) {
	s.spawns.Add(1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.err != nil {
		return nil, &shell.SpawnError{Kind: opts.Kind, Err: s.err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	p := newFakeProcess(1000+len(s.procs), s.scripted)
	p.kind = opts.Kind
	s.procs = append(s.procs, p)
	return p, nil
}

func (s *fakeSpawner) proc(i int) *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[i]
}

// recordingSink collects events for assertions.
type recordingSink struct {
	mu        sync.Mutex
	sessionID string
	pid       int
	events    []Event
	closed    string
	failSend  bool
	changed   chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{changed: make(chan struct{}, 1024)}
}

func (r *recordingSink) Attached(sessionID string, pid int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessionID, r.pid = sessionID, pid
	return nil
}

func (r *recordingSink) Send(ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failSend {
		return errors.New("broken pipe")
	}
	r.events = append(r.events, ev)
	r.changed <- struct{}{}
	return nil
}

func (r *recordingSink) Close(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = reason
	r.changed <- struct{}{}
}

func (r *recordingSink) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recordingSink) closeReason() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func hasEvent(events []Event, pred func(Event) bool) bool {
	for _, ev := range events {
		if pred(ev) {
			return true
		}
	}
	return false
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRegistry(spawner shell.Spawner, clock *fakeClock, backlog int) *Registry {
	r := NewRegistry(spawner, RegistryConfig{Kind: shell.KindPOSIX, MaxBacklog: backlog}, nil, nil)
	if clock != nil {
		r.now = clock.Now
	}
	return r
}
