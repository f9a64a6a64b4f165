// Package container runs gateway shells inside an existing Docker container
// through docker exec.
package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/ashureev/shsh-gateway/internal/shell"
)

const (
	// Exec defaults.
	defaultUser = "1000"
	readBufSize = 32 * 1024

	inspectTimeout = 5 * time.Second
	killTimeout    = 5 * time.Second
)

// ErrContainerNotRunning is returned when the target container exists but is
// stopped.
var ErrContainerNotRunning = errors.New("container not running")

// ExecSpawner implements shell.Spawner by starting an interactive exec
// session in a running container. Shells always run as POSIX bash regardless
// of the host OS.
type ExecSpawner struct {
	cli         client.ContainerAPIClient
	containerID string
	user        string
	logger      *slog.Logger
}

// NewExecSpawner creates a Docker-backed spawner for containerID.
// user defaults to "1000".
func NewExecSpawner(containerID, user string, logger *slog.Logger) (*ExecSpawner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return newExecSpawner(cli, containerID, user, logger), nil
}

func newExecSpawner(cli client.ContainerAPIClient, containerID, user string, logger *slog.Logger) *ExecSpawner {
	if user == "" {
		user = defaultUser
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("Docker shell backend initialized", "container_id", containerID, "user", user)
	return &ExecSpawner{cli: cli, containerID: containerID, user: user, logger: logger}
}

// Ping checks that the target container exists and is running.
func (s *ExecSpawner) Ping(ctx context.Context) error {
	inspect, err := s.cli.ContainerInspect(ctx, s.containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return fmt.Errorf("container %s: %w", s.containerID, err)
		}
		return fmt.Errorf("inspect container %s: %w", s.containerID, err)
	}
	if inspect.State == nil || !inspect.State.Running {
		return fmt.Errorf("container %s: %w", s.containerID, ErrContainerNotRunning)
	}
	return nil
}

// Spawn starts bash in the container with a TTY of the requested size.
func (s *ExecSpawner) Spawn(ctx context.Context, opts shell.Options) (shell.Process, error) {
	if err := s.Ping(ctx); err != nil {
		return nil, &shell.SpawnError{Kind: shell.KindPOSIX, Err: err}
	}

	resp, err := s.cli.ContainerExecCreate(ctx, s.containerID, execOptions(opts, s.user))
	if err != nil {
		return nil, &shell.SpawnError{Kind: shell.KindPOSIX, Err: fmt.Errorf("create exec session in container %s: %w", s.containerID, err)}
	}

	attachResp, err := s.cli.ContainerExecAttach(ctx, resp.ID, container.ExecStartOptions{Tty: true})
	if err != nil {
		return nil, &shell.SpawnError{Kind: shell.KindPOSIX, Err: fmt.Errorf("attach to exec session %s: %w", resp.ID, err)}
	}

	pid := 0
	if inspect, err := s.cli.ContainerExecInspect(ctx, resp.ID); err == nil {
		pid = inspect.Pid
	} else {
		s.logger.Warn("Failed to inspect exec session", "exec_id", resp.ID, "error", err)
	}

	p := &execProcess{
		spawner: s,
		execID:  resp.ID,
		pid:     pid,
		conn:    attachResp.Conn,
		reader:  attachResp.Reader,
		out:     make(chan []byte, 64),
		done:    make(chan struct{}),
		killed:  make(chan struct{}),
		logger:  s.logger.With("exec_id", resp.ID, "container_id", s.containerID),
	}
	go p.readLoop()

	p.logger.Info("Exec session created", "pid", pid)
	return p, nil
}

// execOptions builds the exec request for a shell session.
func execOptions(opts shell.Options, user string) container.ExecOptions {
	cols, rows := opts.Cols, opts.Rows
	if cols == 0 {
		cols = shell.DefaultCols
	}
	if rows == 0 {
		rows = shell.DefaultRows
	}

	env := append([]string{"TERM=xterm-color"}, opts.Env...)
	return container.ExecOptions{
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          true,
		Cmd:          shell.DefaultArgv(shell.KindPOSIX),
		User:         user,
		WorkingDir:   opts.Dir,
		Env:          env,
		ConsoleSize:  &[2]uint{uint(rows), uint(cols)},
	}
}

// execProcess is a shell running under docker exec.
type execProcess struct {
	spawner *ExecSpawner
	execID  string
	pid     int

	conn   net.Conn
	reader io.Reader

	out  chan []byte
	done chan struct{}

	writeMu  sync.Mutex
	killOnce sync.Once
	killed   chan struct{}
	exitCode int

	logger *slog.Logger
}

func (p *execProcess) PID() int              { return p.pid }
func (p *execProcess) Kind() shell.Kind      { return shell.KindPOSIX }
func (p *execProcess) Output() <-chan []byte { return p.out }
func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) ExitCode() int {
	<-p.done
	return p.exitCode
}

func (p *execProcess) Write(b []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	select {
	case <-p.done:
		return fmt.Errorf("%w: %w", shell.ErrWrite, shell.ErrClosed)
	default:
	}
	if _, err := p.conn.Write(b); err != nil {
		return fmt.Errorf("%w: %w", shell.ErrWrite, err)
	}
	return nil
}

func (p *execProcess) Resize(cols, rows uint16) error {
	select {
	case <-p.done:
		return fmt.Errorf("%w: %w", shell.ErrResize, shell.ErrClosed)
	default:
	}

	ctx, cancel := context.WithTimeout(context.Background(), inspectTimeout)
	defer cancel()
	if err := p.spawner.cli.ContainerExecResize(ctx, p.execID, container.ResizeOptions{
		Height: uint(rows),
		Width:  uint(cols),
	}); err != nil {
		return fmt.Errorf("%w: exec session %s to %dx%d: %w", shell.ErrResize, p.execID, cols, rows, err)
	}
	return nil
}

// Kill closes the attach stream and signals the shell inside the container.
func (p *execProcess) Kill() {
	p.killOnce.Do(func() {
		close(p.killed)
		if err := p.conn.Close(); err != nil {
			p.logger.Debug("Failed to close exec stream", "error", err)
		}
		if p.pid > 0 {
			go p.signal()
		}
	})
}

// signal sends SIGKILL to the shell through a short-lived root exec.
func (p *execProcess) signal() {
	ctx, cancel := context.WithTimeout(context.Background(), killTimeout)
	defer cancel()

	cli := p.spawner.cli
	resp, err := cli.ContainerExecCreate(ctx, p.spawner.containerID, container.ExecOptions{
		Cmd:  []string{"kill", "-9", strconv.Itoa(p.pid)},
		User: "root",
	})
	if err != nil {
		if !errdefs.IsNotFound(err) {
			p.logger.Debug("Failed to create kill exec", "error", err)
		}
		return
	}
	attachResp, err := cli.ContainerExecAttach(ctx, resp.ID, container.ExecStartOptions{})
	if err != nil {
		p.logger.Debug("Failed to run kill exec", "error", err)
		return
	}
	defer attachResp.Close()
	_, _ = io.Copy(io.Discard, attachResp.Reader)
}

func (p *execProcess) readLoop() {
	defer func() {
		p.exitCode = p.inspectExitCode()
		close(p.out)
		close(p.done)
	}()

	buf := make([]byte, readBufSize)
	for {
		n, err := p.reader.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case p.out <- chunk:
			case <-p.killed:
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				p.logger.Debug("Exec stream read ended", "error", err)
			}
			return
		}
	}
}

// inspectExitCode asks the daemon for the exec's exit status. A shell that
// was killed or cannot be inspected reports -1.
func (p *execProcess) inspectExitCode() int {
	select {
	case <-p.killed:
		return -1
	default:
	}

	ctx, cancel := context.WithTimeout(context.Background(), inspectTimeout)
	defer cancel()

	for i := 0; i < 10; i++ {
		inspect, err := p.spawner.cli.ContainerExecInspect(ctx, p.execID)
		if err != nil {
			p.logger.Warn("Failed to inspect exec exit status", "error", err)
			return -1
		}
		if !inspect.Running {
			return inspect.ExitCode
		}
		select {
		case <-ctx.Done():
			return -1
		case <-time.After(50 * time.Millisecond):
		}
	}
	return -1
}
