// Package command runs one-shot shell commands outside any session.
package command

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
)

// Result is the outcome of a one-shot command.
type Result struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
	Success  bool   `json:"success"`
}

// Run executes cmd through the platform shell with env appended to the
// inherited environment. A command that cannot be started reports exit code
// 1 with the error text as stderr.
func Run(ctx context.Context, cmd string, env []string) Result {
	name, args := shellArgv(cmd)
	c := exec.CommandContext(ctx, name, args...)
	c.Env = append(os.Environ(), env...)

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	err := c.Run()
	if err == nil {
		return Result{Stdout: stdout.String(), Stderr: stderr.String(), Success: true}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
		return Result{
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			ExitCode: exitErr.ExitCode(),
		}
	}

	slog.Warn("One-shot command failed to run", "error", err)
	return Result{
		Stdout:   stdout.String(),
		Stderr:   err.Error(),
		ExitCode: 1,
	}
}

func shellArgv(cmd string) (string, []string) {
	if runtime.GOOS == "windows" {
		return "powershell.exe", []string{"-NoProfile", "-Command", cmd}
	}
	return "sh", []string{"-c", cmd}
}
