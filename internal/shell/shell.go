// Package shell spawns interactive shells bound to a pseudo-terminal and
// produces the initialization script that makes them report exit codes.
package shell

import (
	"context"
	"errors"
	"fmt"
)

// Kind identifies a shell family. It is chosen once at spawn time and never
// changes for the lifetime of a session.
type Kind int

const (
	// KindPOSIX is a bash login shell (Linux and other Unix hosts).
	KindPOSIX Kind = iota
	// KindDarwin is a zsh login shell (macOS hosts).
	KindDarwin
	// KindWindows is PowerShell.
	KindWindows
)

// String returns the shell family name used in logs and API responses.
func (k Kind) String() string {
	switch k {
	case KindPOSIX:
		return "bash"
	case KindDarwin:
		return "zsh"
	case KindWindows:
		return "powershell"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// KindForOS maps a GOOS value to the shell family spawned on that host.
func KindForOS(goos string) Kind {
	switch goos {
	case "windows":
		return KindWindows
	case "darwin":
		return KindDarwin
	default:
		return KindPOSIX
	}
}

// DefaultArgv returns the command line used to start a shell of the given kind.
func DefaultArgv(kind Kind) []string {
	switch kind {
	case KindWindows:
		return []string{"powershell.exe"}
	case KindDarwin:
		return []string{"zsh", "-l"}
	default:
		return []string{"bash", "-l"}
	}
}

// Default terminal geometry for freshly spawned shells.
const (
	DefaultCols = 80
	DefaultRows = 24
)

// Options configures a spawned shell.
type Options struct {
	Kind Kind
	Dir  string   // Working directory; empty means the user's home directory
	Env  []string // Extra KEY=VALUE pairs appended to the inherited environment
	Cols uint16
	Rows uint16
}

// Process is a live shell attached to a pseudo-terminal.
//
// Output delivers raw chunks in the order the shell produced them and is
// closed once the terminal stops producing data. Done is closed after the
// process has exited, at which point ExitCode is valid.
type Process interface {
	PID() int
	Kind() Kind
	Write(p []byte) error
	Resize(cols, rows uint16) error
	Output() <-chan []byte
	Done() <-chan struct{}
	ExitCode() int
	// Kill terminates the shell. It is idempotent and never fails if the
	// process is already gone.
	Kill()
}

// Spawner starts shell processes.
type Spawner interface {
	Spawn(ctx context.Context, opts Options) (Process, error)
}

var (
	// ErrWrite wraps failures writing input to a live shell.
	ErrWrite = errors.New("shell write failed")
	// ErrResize wraps failures resizing a shell's terminal.
	ErrResize = errors.New("shell resize failed")
	// ErrClosed is returned when operating on a killed or exited shell.
	ErrClosed = errors.New("shell process closed")
)

// SpawnError reports that a shell process could not be created.
type SpawnError struct {
	Kind Kind
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s shell: %v", e.Kind, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}
