package terminal

// CircularBuffer is a fixed-size byte buffer that keeps the newest bytes once
// full. It bounds the output held back while a command is running, so
// commands like `yes` cannot exhaust memory.
//
// CircularBuffer is not safe for concurrent use; the owning session
// serializes access.
type CircularBuffer struct {
	buf     []byte
	head    int // next write position
	n       int // bytes held
	dropped int64
}

// NewCircularBuffer creates a circular buffer holding at most size bytes.
func NewCircularBuffer(size int) *CircularBuffer {
	if size <= 0 {
		size = 64 * 1024
	}
	return &CircularBuffer{buf: make([]byte, size)}
}

// Write implements io.Writer. It never fails; when the buffer is full the
// oldest bytes are overwritten.
func (cb *CircularBuffer) Write(p []byte) (int, error) {
	written := len(p)
	size := len(cb.buf)

	if len(p) >= size {
		cb.dropped += int64(cb.n + len(p) - size)
		copy(cb.buf, p[len(p)-size:])
		cb.head = 0
		cb.n = size
		return written, nil
	}

	if over := cb.n + len(p) - size; over > 0 {
		cb.dropped += int64(over)
		cb.n -= over
	}

	k := copy(cb.buf[cb.head:], p)
	copy(cb.buf, p[k:])
	cb.head = (cb.head + len(p)) % size
	cb.n += len(p)
	return written, nil
}

// Bytes returns a copy of the held bytes, oldest first.
func (cb *CircularBuffer) Bytes() []byte {
	out := make([]byte, cb.n)
	start := (cb.head - cb.n + len(cb.buf)) % len(cb.buf)
	k := copy(out, cb.buf[start:min(start+cb.n, len(cb.buf))])
	copy(out[k:], cb.buf[:cb.n-k])
	return out
}

// Len returns the number of bytes held.
func (cb *CircularBuffer) Len() int {
	return cb.n
}

// Dropped reports how many bytes have been overwritten since the last Reset.
func (cb *CircularBuffer) Dropped() int64 {
	return cb.dropped
}

// Reset empties the buffer.
func (cb *CircularBuffer) Reset() {
	cb.head = 0
	cb.n = 0
	cb.dropped = 0
}
