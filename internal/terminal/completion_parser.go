package terminal

import (
	"bytes"
	"log/slog"
	"strconv"
	"strings"

	"github.com/ashureev/shsh-gateway/internal/shell"
)

// EventKind discriminates the events a session emits to its transport.
type EventKind int

const (
	// EventPassthrough carries terminal bytes not tied to a pending command.
	EventPassthrough EventKind = iota
	// EventOutput carries the output held back while a command ran.
	EventOutput
	// EventStatus reports a command completion.
	EventStatus
	// EventExit reports that the shell process terminated.
	EventExit
)

func (k EventKind) String() string {
	switch k {
	case EventPassthrough:
		return "passthrough"
	case EventOutput:
		return "output"
	case EventStatus:
		return "status"
	case EventExit:
		return "exit"
	default:
		return "unknown"
	}
}

// CommandStatus is the structured result of one command.
type CommandStatus struct {
	Success  bool   `json:"success"`
	ExitCode int    `json:"exitCode"`
	Command  string `json:"command"`
}

// Event is a unit of output produced by a session.
type Event struct {
	Kind     EventKind
	Data     []byte        // EventPassthrough, EventOutput
	Status   CommandStatus // EventStatus
	ExitCode int           // EventExit
}

var sentinel = []byte(shell.Sentinel)

// Recent passthrough kept to label commands the input tracker missed.
const tailSize = 512

// pendingBuffer holds command output until its completion is seen.
type pendingBuffer interface {
	Write(p []byte) (int, error)
	Bytes() []byte
	Len() int
	Reset()
}

// CompletionParser splits a shell's output stream into passthrough bytes and
// command completions, using the exit-status line the init script makes the
// shell print before every prompt.
//
// The parser starts in passthrough mode. Arm switches it to awaiting mode,
// in which output is held back until the exit-status line arrives; the
// completion is then emitted ahead of the held output and the prompt that
// follows. CompletionParser is not safe for concurrent use.
type CompletionParser struct {
	awaiting bool
	main     []byte        // unclassified bytes, at most one partial status line
	side     pendingBuffer // command output seen while awaiting
	command  string
	tail     []byte
	skipLF   bool // status line ended in '\r' at a chunk boundary
	stale    bool // main starts with the previous prompt's status line

	maxPending int
	truncated  bool
	logger     *slog.Logger
}

// NewCompletionParser creates a parser in passthrough mode. maxPending caps
// the output held for one command, keeping the newest bytes; zero means
// unbounded.
func NewCompletionParser(maxPending int, logger *slog.Logger) *CompletionParser {
	if logger == nil {
		logger = slog.Default()
	}

	var side pendingBuffer
	if maxPending > 0 {
		side = NewCircularBuffer(maxPending)
	} else {
		side = &bytes.Buffer{}
	}

	return &CompletionParser{
		side:       side,
		maxPending: maxPending,
		logger:     logger,
	}
}

// Awaiting reports whether a command is in flight.
func (p *CompletionParser) Awaiting() bool {
	return p.awaiting
}

// Arm marks the start of a command. An empty command falls back to the last
// line of recent output, which normally holds the prompt and the echoed
// command. Arm is a no-op while a command is already in flight.
func (p *CompletionParser) Arm(command string) {
	if p.awaiting {
		return
	}
	if command == "" {
		command = p.commandFromTail()
	}
	p.awaiting = true
	p.command = command
	p.truncated = false
	p.stale = len(p.main) > 0
}

// Feed classifies a chunk of shell output and returns the resulting events
// in the order they must be delivered.
func (p *CompletionParser) Feed(chunk []byte) []Event {
	if p.skipLF && len(chunk) > 0 && chunk[0] == '\n' {
		chunk = chunk[1:]
	}
	p.skipLF = false
	if len(chunk) == 0 {
		return nil
	}
	if !p.awaiting {
		return p.passthrough(chunk)
	}

	p.main = append(p.main, chunk...)
	if p.stale && !p.dropStale() {
		return nil
	}

	idx := bytes.Index(p.main, sentinel)
	if idx < 0 {
		keep := partialSentinel(p.main)
		p.spill(p.main[:len(p.main)-keep])
		p.main = append(p.main[:0], p.main[len(p.main)-keep:]...)
		return nil
	}

	rest := p.main[idx+len(sentinel):]
	end := bytes.IndexAny(rest, "\r\n")
	if end < 0 {
		// Status line not terminated yet.
		p.spill(p.main[:idx])
		p.main = append(p.main[:0], p.main[idx:]...)
		return nil
	}

	codeText := strings.TrimSpace(string(rest[:end]))
	code, err := strconv.Atoi(codeText)
	if err != nil {
		p.logger.Warn("Unparseable exit status, assuming failure", "value", codeText)
		code = 1
	}

	remainder := rest[end+1:]
	if rest[end] == '\r' {
		if len(remainder) == 0 {
			p.skipLF = true
		} else if remainder[0] == '\n' {
			remainder = remainder[1:]
		}
	}
	remainder = bytes.Clone(remainder)

	p.spill(p.main[:idx])
	output := bytes.Clone(p.side.Bytes())
	if p.truncated {
		p.logger.Warn("Command output exceeded pending limit, kept newest bytes",
			"limit", p.maxPending, "dropped_bytes", p.dropped(), "command", p.command)
	}

	events := []Event{{
		Kind: EventStatus,
		Status: CommandStatus{
			Success:  code == 0,
			ExitCode: code,
			Command:  p.command,
		},
	}}
	if len(output) > 0 {
		events = append(events, Event{Kind: EventOutput, Data: output})
	}

	p.reset()

	if len(remainder) > 0 {
		events = append(events, p.passthrough(remainder)...)
	}
	return events
}

// Reset discards all buffered state and returns to passthrough mode.
func (p *CompletionParser) Reset() {
	p.reset()
	p.skipLF = false
	p.tail = p.tail[:0]
}

func (p *CompletionParser) reset() {
	p.awaiting = false
	p.main = p.main[:0]
	p.side.Reset()
	p.command = ""
	p.truncated = false
	p.stale = false
}

// passthrough forwards a chunk, removing status lines that are not tied to
// an armed command (the first prompt, or a prompt redrawn after ^C). A status
// line cut off at the chunk end is held back until its terminator arrives.
func (p *CompletionParser) passthrough(chunk []byte) []Event {
	data := chunk
	if len(p.main) > 0 {
		data = append(bytes.Clone(p.main), chunk...)
		p.main = p.main[:0]
	}

	out, carry, skipLF := p.splitStatusLines(data)
	p.main = append(p.main[:0], carry...)
	p.skipLF = skipLF
	if len(out) == 0 {
		return nil
	}

	p.remember(out)
	return []Event{{Kind: EventPassthrough, Data: out}}
}

// dropStale discards a status line that passthrough was still holding when
// Arm was called. It reports false while that line is incomplete.
func (p *CompletionParser) dropStale() bool {
	n := min(len(p.main), len(sentinel))
	if !bytes.Equal(p.main[:n], sentinel[:n]) {
		p.stale = false
		return true
	}
	if n < len(sentinel) {
		return false
	}
	rest := p.main[len(sentinel):]
	end := bytes.IndexAny(rest, "\r\n")
	if end < 0 {
		return false
	}

	next := rest[end+1:]
	if rest[end] == '\r' {
		if len(next) == 0 {
			p.skipLF = true
		} else if next[0] == '\n' {
			next = next[1:]
		}
	}
	p.main = append(p.main[:0], next...)
	p.stale = false
	p.logger.Debug("Dropped exit status line of previous prompt")
	return true
}

func (p *CompletionParser) spill(b []byte) {
	if len(b) == 0 {
		return
	}
	if p.maxPending > 0 && p.side.Len()+len(b) > p.maxPending {
		p.truncated = true
	}
	_, _ = p.side.Write(b)
}

// dropped reports how many bytes of the current command's output the
// pending limit discarded.
func (p *CompletionParser) dropped() int64 {
	if cb, ok := p.side.(*CircularBuffer); ok {
		return cb.Dropped()
	}
	return 0
}

func (p *CompletionParser) remember(b []byte) {
	p.tail = append(p.tail, b...)
	if over := len(p.tail) - tailSize; over > 0 {
		p.tail = append(p.tail[:0], p.tail[over:]...)
	}
}

func (p *CompletionParser) commandFromTail() string {
	text := strings.TrimRight(string(p.tail), "\r\n")
	if i := strings.LastIndexAny(text, "\r\n"); i >= 0 {
		text = text[i+1:]
	}
	text = strings.TrimSpace(text)
	for _, prompt := range []string{"$ ", "PS > ", "# "} {
		if strings.HasPrefix(text, prompt) {
			return strings.TrimSpace(text[len(prompt):])
		}
	}
	return text
}

// partialSentinel returns the length of the longest suffix of b that is a
// proper prefix of the sentinel.
func partialSentinel(b []byte) int {
	n := min(len(sentinel)-1, len(b))
	for ; n > 0; n-- {
		if bytes.HasSuffix(b, sentinel[:n]) {
			return n
		}
	}
	return 0
}

// Shorter sentinel prefixes at a chunk end are only held when they start a
// line; otherwise echoed keystrokes would lag.
const minHeldPrefix = 4

// splitStatusLines removes every terminated status line from b and returns
// what can be forwarded now. carry is an unterminated status line or sentinel
// prefix at the end of b. skipLF reports that the last status line ended in
// '\r' exactly at the end of b.
func (p *CompletionParser) splitStatusLines(b []byte) (out, carry []byte, skipLF bool) {
	out = make([]byte, 0, len(b))
	dropped := false
	defer func() {
		if dropped {
			p.logger.Debug("Dropped unsolicited exit status line")
		}
	}()

	for {
		idx := bytes.Index(b, sentinel)
		if idx < 0 {
			keep := partialSentinel(b)
			if keep > 0 && keep < minHeldPrefix && !p.atLineStart(out, b[:len(b)-keep]) {
				keep = 0
			}
			out = append(out, b[:len(b)-keep]...)
			return out, bytes.Clone(b[len(b)-keep:]), false
		}
		rest := b[idx+len(sentinel):]
		end := bytes.IndexAny(rest, "\r\n")
		if end < 0 {
			out = append(out, b[:idx]...)
			return out, bytes.Clone(b[idx:]), false
		}
		dropped = true
		out = append(out, b[:idx]...)
		next := rest[end+1:]
		if rest[end] == '\r' {
			if len(next) == 0 {
				return out, nil, true
			}
			if next[0] == '\n' {
				next = next[1:]
			}
		}
		b = next
	}
}

// atLineStart reports whether the byte after out+before begins a line,
// looking back into already forwarded output when both are empty.
func (p *CompletionParser) atLineStart(out, before []byte) bool {
	var last byte
	switch {
	case len(before) > 0:
		last = before[len(before)-1]
	case len(out) > 0:
		last = out[len(out)-1]
	case len(p.tail) > 0:
		last = p.tail[len(p.tail)-1]
	default:
		return true
	}
	return last == '\n' || last == '\r'
}
