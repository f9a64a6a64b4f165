package shell

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
)

const readChunkSize = 32 * 1024

// LocalSpawner starts shells on the host, each bound to its own PTY.
type LocalSpawner struct {
	// Argv overrides the command line for a shell kind. Nil uses DefaultArgv.
	Argv func(Kind) []string
	// Term is exported to the shell as TERM. Empty means xterm-color.
	Term   string
	Logger *slog.Logger
}

// NewLocalSpawner creates a spawner that uses the default shell for each kind.
func NewLocalSpawner(logger *slog.Logger) *LocalSpawner {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalSpawner{Logger: logger}
}

// Spawn starts a shell under a new PTY sized to opts.
func (s *LocalSpawner) Spawn(ctx context.Context, opts Options) (Process, error) {
	argv := DefaultArgv(opts.Kind)
	if s.Argv != nil {
		argv = s.Argv(opts.Kind)
	}
	if len(argv) == 0 {
		return nil, &SpawnError{Kind: opts.Kind, Err: errors.New("empty command line")}
	}

	if err := ctx.Err(); err != nil {
		return nil, &SpawnError{Kind: opts.Kind, Err: err}
	}

	dir := opts.Dir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, &SpawnError{Kind: opts.Kind, Err: fmt.Errorf("resolve home directory: %w", err)}
		}
		dir = home
	}

	term := s.Term
	if term == "" {
		term = "xterm-color"
	}

	// The shell must outlive the request that created it, so it is not bound
	// to ctx.
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "TERM="+term)
	cmd.Env = append(cmd.Env, opts.Env...)

	cols, rows := opts.Cols, opts.Rows
	if cols == 0 {
		cols = DefaultCols
	}
	if rows == 0 {
		rows = DefaultRows
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, &SpawnError{Kind: opts.Kind, Err: fmt.Errorf("start pty: %w", err)}
	}

	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &localProcess{
		cmd:    cmd,
		ptmx:   ptmx,
		kind:   opts.Kind,
		output: make(chan []byte, 64),
		done:   make(chan struct{}),
		killed: make(chan struct{}),
		logger: logger.With("pid", cmd.Process.Pid),
	}
	go p.readLoop()
	go p.waitLoop()

	p.logger.Info("Shell started", "kind", opts.Kind.String(), "dir", dir)
	return p, nil
}

type localProcess struct {
	cmd  *exec.Cmd
	ptmx *os.File
	kind Kind

	output chan []byte
	done   chan struct{}
	killed chan struct{}

	mu       sync.Mutex // serializes writes and resizes against Kill
	closed   bool
	killOnce sync.Once
	exitCode int

	logger *slog.Logger
}

func (p *localProcess) PID() int              { return p.cmd.Process.Pid }
func (p *localProcess) Kind() Kind            { return p.kind }
func (p *localProcess) Output() <-chan []byte { return p.output }
func (p *localProcess) Done() <-chan struct{} { return p.done }

// ExitCode is valid once Done is closed. A shell terminated by a signal
// reports -1.
func (p *localProcess) ExitCode() int {
	<-p.done
	return p.exitCode
}

func (p *localProcess) Write(b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return fmt.Errorf("%w: %w", ErrWrite, ErrClosed)
	}
	if _, err := p.ptmx.Write(b); err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	return nil
}

func (p *localProcess) Resize(cols, rows uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return fmt.Errorf("%w: %w", ErrResize, ErrClosed)
	}
	if err := pty.Setsize(p.ptmx, &pty.Winsize{Cols: cols, Rows: rows}); err != nil {
		return fmt.Errorf("%w: %w", ErrResize, err)
	}
	return nil
}

func (p *localProcess) Kill() {
	p.killOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()

		close(p.killed)
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			p.logger.Warn("Failed to kill shell", "error", err)
		}
		if err := p.ptmx.Close(); err != nil {
			p.logger.Debug("Failed to close pty", "error", err)
		}
	})
}

func (p *localProcess) readLoop() {
	defer close(p.output)

	buf := make([]byte, readChunkSize)
	for {
		n, err := p.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case p.output <- chunk:
			case <-p.killed:
				return
			}
		}
		if err != nil {
			// EIO is the normal end of a PTY whose child has exited.
			return
		}
	}
}

func (p *localProcess) waitLoop() {
	err := p.cmd.Wait()

	code := 0
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		code = exitErr.ExitCode()
	default:
		code = -1
	}
	p.exitCode = code

	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.logger.Info("Shell exited", "exit_code", code)
	close(p.done)
}
