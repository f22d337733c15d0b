package shell

import "sync"

// defaultScrollbackSize is the default maximum scrollback size (256 KB).
const defaultScrollbackSize = 256 * 1024

// ScrollbackBuffer keeps the most recent output of a persistent shell.
// When the buffer exceeds maxLen, older bytes are dropped from the front.
type ScrollbackBuffer struct {
	mu     sync.Mutex
	data   []byte
	maxLen int
	total  int64
}

// NewScrollbackBuffer creates a buffer holding at most maxLen bytes.
// If maxLen <= 0, defaultScrollbackSize is used.
func NewScrollbackBuffer(maxLen int) *ScrollbackBuffer {
	if maxLen <= 0 {
		maxLen = defaultScrollbackSize
	}
	return &ScrollbackBuffer{maxLen: maxLen}
}

// Write appends p, trimming from the front when over capacity. It never
// fails so it can be used as an io.Writer sink.
func (s *ScrollbackBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append(s.data, p...)
	s.total += int64(len(p))
	if len(s.data) > s.maxLen {
		s.data = s.data[len(s.data)-s.maxLen:]
	}
	return len(p), nil
}

// Snapshot returns a copy of the buffered bytes.
func (s *ScrollbackBuffer) Snapshot() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.data))
	copy(out, s.data)
	return out
}

// Len returns the number of buffered bytes.
func (s *ScrollbackBuffer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// Total returns the number of bytes ever written, including dropped ones.
func (s *ScrollbackBuffer) Total() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}
