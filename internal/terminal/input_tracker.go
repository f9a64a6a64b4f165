package terminal

import "strings"

// InputTracker reconstructs the command line from raw keystrokes so a
// completion can be labelled with the command that produced it. It follows
// printable input, backspace and line-kill keys and swallows escape
// sequences such as arrow keys. Tab completion and history recall are not
// visible to it.
type InputTracker struct {
	line       []rune
	inEscape   bool
	sawBracket bool
}

// Feed consumes a chunk of client input. It returns the submitted command
// line and true when the chunk contained a carriage return or line feed
// ending a non-empty line.
func (t *InputTracker) Feed(data []byte) (string, bool) {
	var (
		cmd       string
		submitted bool
	)

	for _, r := range string(data) {
		if t.inEscape {
			if !t.sawBracket {
				if r == '[' {
					t.sawBracket = true
					continue
				}
				// Non-CSI escape, one byte long.
				t.inEscape = false
				continue
			}
			// CSI final byte.
			if r >= 0x40 && r <= 0x7e {
				t.inEscape = false
				t.sawBracket = false
			}
			continue
		}

		switch r {
		case 0x1b:
			t.inEscape = true
			t.sawBracket = false
		case '\r', '\n':
			line := strings.TrimSpace(string(t.line))
			t.line = t.line[:0]
			if line != "" {
				cmd, submitted = line, true
			}
		case 0x7f, 0x08:
			if len(t.line) > 0 {
				t.line = t.line[:len(t.line)-1]
			}
		case 0x03, 0x15: // ^C, ^U
			t.line = t.line[:0]
		default:
			if r >= 0x20 {
				t.line = append(t.line, r)
			}
		}
	}

	return cmd, submitted
}
