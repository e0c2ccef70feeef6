// Package debugring is the bounded circular text buffer the hypervisor
// writes its diagnostics to. The management tool reads it back through
// the VMM dump request.
package debugring

import (
	"sync"
)

// DefaultCapacity is the number of bytes a ring retains by default.
const DefaultCapacity = 1 << 15

// Ring keeps the most recent Capacity bytes written to it.
//
// spos and epos index buf, which is one byte larger than the capacity so
// that spos == epos always means empty. Writing a byte that makes epos
// catch up with spos drops the oldest byte.
type Ring struct {
	mu   sync.Mutex
	buf  []byte
	spos int
	epos int
}

// New returns a ring retaining capacity bytes.
func New(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	return &Ring{buf: make([]byte, capacity+1)}
}

// Capacity is the number of bytes the ring retains.
func (r *Ring) Capacity() int {
	return len(r.buf) - 1
}

// WriteByte appends c, dropping the oldest byte when the ring is full.
func (r *Ring) WriteByte(c byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.put(c)

	return nil
}

// Write implements io.Writer. It never fails.
func (r *Ring) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range p {
		r.put(c)
	}

	return len(p), nil
}

func (r *Ring) put(c byte) {
	r.buf[r.epos] = c

	r.epos++
	if r.epos >= len(r.buf) {
		r.epos = 0
	}

	if r.epos == r.spos {
		r.spos++
		if r.spos >= len(r.buf) {
			r.spos = 0
		}
	}
}

// Len is the number of bytes currently held.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.len()
}

func (r *Ring) len() int {
	if r.epos >= r.spos {
		return r.epos - r.spos
	}

	return len(r.buf) - r.spos + r.epos
}

// Bytes returns a copy of the contents, oldest byte first.
func (r *Ring) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]byte, 0, r.len())
	if r.epos >= r.spos {
		return append(out, r.buf[r.spos:r.epos]...)
	}

	out = append(out, r.buf[r.spos:]...)

	return append(out, r.buf[:r.epos]...)
}

func (r *Ring) String() string {
	return string(r.Bytes())
}

// Reset empties the ring.
func (r *Ring) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.spos, r.epos = 0, 0
}
