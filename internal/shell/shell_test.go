package shell

import (
	"bytes"
	"context"
	"errors"
	"runtime"
	"strings"
	"testing"
	"time"
)

func TestKindForOS(t *testing.T) {
	tests := []struct {
		goos string
		want Kind
	}{
		{"linux", KindPOSIX},
		{"freebsd", KindPOSIX},
		{"darwin", KindDarwin},
		{"windows", KindWindows},
		{"", KindPOSIX},
	}

	for _, tt := range tests {
		t.Run(tt.goos, func(t *testing.T) {
			if got := KindForOS(tt.goos); got != tt.want {
				t.Errorf("KindForOS(%q) = %v, want %v", tt.goos, got, tt.want)
			}
		})
	}
}

func TestDefaultArgv(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{KindPOSIX, "bash -l"},
		{KindDarwin, "zsh -l"},
		{KindWindows, "powershell.exe"},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			if got := strings.Join(DefaultArgv(tt.kind), " "); got != tt.want {
				t.Errorf("DefaultArgv(%v) = %q, want %q", tt.kind, got, tt.want)
			}
		})
	}
}

func TestInitScript(t *testing.T) {
	tests := []struct {
		name string
		kind Kind
		hook string
	}{
		{"bash", KindPOSIX, "PROMPT_COMMAND="},
		{"zsh", KindDarwin, "precmd()"},
		{"powershell", KindWindows, "function global:prompt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			script := InitScript(tt.kind)

			if !bytes.Contains(script, []byte(tt.hook)) {
				t.Errorf("script does not install %q hook:\n%s", tt.hook, script)
			}
			if bytes.Contains(script, []byte(Sentinel)) {
				t.Errorf("script text contains the contiguous sentinel; its echo would look like a completion")
			}
			if !bytes.Contains(script, []byte(sentinelHead)) || !bytes.Contains(script, []byte(sentinelTail)) {
				t.Errorf("script is missing a sentinel fragment")
			}
			if !bytes.HasSuffix(script, []byte("\n")) {
				t.Errorf("script must end with a newline so the last line executes")
			}
		})
	}
}

func TestInitScriptIsStable(t *testing.T) {
	a := InitScript(KindPOSIX)
	b := InitScript(KindPOSIX)
	if !bytes.Equal(a, b) {
		t.Error("InitScript is not deterministic")
	}
}

func TestSpawnError(t *testing.T) {
	cause := errors.New("no such file")
	var err error = &SpawnError{Kind: KindDarwin, Err: cause}

	var spawnErr *SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatal("errors.As failed for *SpawnError")
	}
	if !errors.Is(err, cause) {
		t.Error("SpawnError does not unwrap to its cause")
	}
	if !strings.Contains(err.Error(), "zsh") {
		t.Errorf("error %q does not name the shell kind", err.Error())
	}
}

func TestLocalSpawner_EmptyArgv(t *testing.T) {
	s := &LocalSpawner{Argv: func(Kind) []string { return nil }}

	_, err := s.Spawn(context.Background(), Options{Kind: KindPOSIX})
	var spawnErr *SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("expected *SpawnError, got %v", err)
	}
}

func TestLocalSpawner_MissingBinary(t *testing.T) {
	s := &LocalSpawner{Argv: func(Kind) []string { return []string{"/nonexistent/shell-binary"} }}

	_, err := s.Spawn(context.Background(), Options{Kind: KindPOSIX, Dir: t.TempDir()})
	var spawnErr *SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("expected *SpawnError, got %v", err)
	}
}

func TestLocalSpawner_RoundTrip(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("pty not supported on windows")
	}

	s := &LocalSpawner{Argv: func(Kind) []string { return []string{"/bin/sh"} }}
	proc, err := s.Spawn(context.Background(), Options{Kind: KindPOSIX, Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	defer proc.Kill()

	if proc.PID() <= 0 {
		t.Errorf("PID = %d, want > 0", proc.PID())
	}
	if err := proc.Resize(100, 40); err != nil {
		t.Errorf("Resize failed: %v", err)
	}
	if err := proc.Write([]byte("echo round-$((20+22))\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	var out bytes.Buffer
	deadline := time.After(5 * time.Second)
	for !strings.Contains(out.String(), "round-42") {
		select {
		case chunk, ok := <-proc.Output():
			if !ok {
				t.Fatalf("output closed early: %q", out.String())
			}
			out.Write(chunk)
		case <-deadline:
			t.Fatalf("timed out waiting for output, got %q", out.String())
		}
	}

	if err := proc.Write([]byte("exit 7\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	go func() {
		for range proc.Output() {
		}
	}()

	select {
	case <-proc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("shell did not exit")
	}
	if code := proc.ExitCode(); code != 7 {
		t.Errorf("ExitCode = %d, want 7", code)
	}

	proc.Kill()
	if err := proc.Write([]byte("x")); !errors.Is(err, ErrWrite) {
		t.Errorf("Write after exit = %v, want ErrWrite", err)
	}
}
