// Package ringbuf provides the bounded byte accumulator that sits between a
// transport and the frame codec.
//
// One slot of the backing array is never used so head == tail always means
// empty. Every method takes the same mutex; there is no waiting for space, a
// write that does not fit is rejected and the caller decides what to do.
package ringbuf

import "sync"

// Ring is a fixed-capacity circular byte store. It is safe for concurrent use.
type Ring struct {
	mu   sync.Mutex
	buf  []byte
	head int // write position
	tail int // read position

	written  uint64
	read     uint64
	rejected uint64
}

// Stats contains ring counters.
type Stats struct {
	Len      int
	Cap      int
	Written  uint64
	Read     uint64
	Rejected uint64
}

// New creates a ring with the given storage capacity. Usable capacity is
// capacity-1. Capacities below 2 are raised to 2.
func New(capacity int) *Ring {
	if capacity < 2 {
		capacity = 2
	}
	return &Ring{buf: make([]byte, capacity)}
}

// Len returns the number of stored bytes.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.length()
}

// Free returns how many more bytes the ring can hold.
func (r *Ring) Free() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.free()
}

// Cap returns the usable capacity.
func (r *Ring) Cap() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.usable()
}

// Write copies p into the ring. If Free() <= len(p) nothing is written and 0
// is returned; there are no partial writes.
func (r *Ring) Write(p []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.buf == nil || len(p) == 0 {
		return 0
	}
	if r.free() <= len(p) {
		r.rejected++
		return 0
	}
	n := copy(r.buf[r.head:], p)
	if n < len(p) {
		copy(r.buf, p[n:])
	}
	r.head = (r.head + len(p)) % len(r.buf)
	r.written += uint64(len(p))
	return len(p)
}

// Read moves up to len(out) bytes from the ring into out.
func (r *Ring) Read(out []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.copyOut(out, 0)
	r.advance(n)
	return n
}

// Peek returns the byte at offset from the read position without consuming it.
func (r *Ring) Peek(offset int) (byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.buf == nil || offset < 0 || offset >= r.length() {
		return 0, false
	}
	return r.buf[(r.tail+offset)%len(r.buf)], true
}

// PeekInto copies up to len(dst) bytes starting at offset into dst without
// consuming them.
func (r *Ring) PeekInto(dst []byte, offset int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.copyOut(dst, offset)
}

// Discard drops up to n bytes from the read side and returns how many were
// dropped.
func (r *Ring) Discard(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.buf == nil || n <= 0 {
		return 0
	}
	if l := r.length(); n > l {
		n = l
	}
	r.advance(n)
	return n
}

// Destroy releases the storage. The caller must ensure no other operation is
// in flight; afterwards every method reports an empty, zero-capacity ring.
func (r *Ring) Destroy() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = nil
	r.head = 0
	r.tail = 0
}

// Stats returns ring counters.
func (r *Ring) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Len:      r.length(),
		Cap:      r.usable(),
		Written:  r.written,
		Read:     r.read,
		Rejected: r.rejected,
	}
}

// Must be called with lock held.
func (r *Ring) length() int {
	if r.buf == nil {
		return 0
	}
	if r.head >= r.tail {
		return r.head - r.tail
	}
	return len(r.buf) - r.tail + r.head
}

func (r *Ring) usable() int {
	if r.buf == nil {
		return 0
	}
	return len(r.buf) - 1
}

func (r *Ring) free() int {
	return r.usable() - r.length()
}

// copyOut copies from logical offset without moving tail. Must be called with
// lock held.
func (r *Ring) copyOut(dst []byte, offset int) int {
	if r.buf == nil || offset < 0 {
		return 0
	}
	avail := r.length() - offset
	if avail <= 0 {
		return 0
	}
	n := len(dst)
	if n > avail {
		n = avail
	}
	if n == 0 {
		return 0
	}
	start := (r.tail + offset) % len(r.buf)
	c := copy(dst[:n], r.buf[start:])
	if c < n {
		copy(dst[c:n], r.buf)
	}
	return n
}

func (r *Ring) advance(n int) {
	if n == 0 {
		return
	}
	r.tail = (r.tail + n) % len(r.buf)
	r.read += uint64(n)
}
