package logging

import "strings"

// maxLoggedLen bounds how much of a user-supplied string ends up in a log line.
const maxLoggedLen = 256

// Sanitize strips newlines and control characters from user-provided
// strings (typed commands, client addresses) so they cannot forge extra
// log entries, and truncates long values.
func Sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteByte(' ')
		case r < 32 || r == 127:
		default:
			b.WriteRune(r)
		}
	}
	out := b.String()
	if len(out) > maxLoggedLen {
		out = out[:maxLoggedLen] + "..."
	}
	return out
}
