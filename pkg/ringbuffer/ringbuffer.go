// Package ringbuffer implements a fixed capacity circular byte buffer.
//
// Writes are all-or-nothing: a write that does not fit in the free space
// fails with ErrBufferOverflow and leaves the unread bytes untouched.
package ringbuffer

import (
	"errors"
	"io"
)

var ErrBufferOverflow = errors.New("ring buffer overflow")

type RingBuffer struct {
	buf   []byte
	r, w  int // read and write cursors
	count int // unread bytes
}

func New(capacity int) *RingBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer{buf: make([]byte, capacity)}
}

// Cap returns the total capacity.
func (rb *RingBuffer) Cap() int { return len(rb.buf) }

// Available returns the number of unread bytes.
func (rb *RingBuffer) Available() int { return rb.count }

// Free returns how many bytes can be written before the buffer is full.
func (rb *RingBuffer) Free() int { return len(rb.buf) - rb.count }

func (rb *RingBuffer) Reset() {
	rb.r, rb.w, rb.count = 0, 0, 0
}

func (rb *RingBuffer) Write(p []byte) (int, error) {
	if len(p) > rb.Free() {
		return 0, ErrBufferOverflow
	}
	n := copy(rb.buf[rb.w:], p)
	if n < len(p) {
		copy(rb.buf, p[n:])
	}
	rb.w = (rb.w + len(p)) % len(rb.buf)
	rb.count += len(p)
	return len(p), nil
}

func (rb *RingBuffer) WriteByte(c byte) error {
	_, err := rb.Write([]byte{c})
	return err
}

func (rb *RingBuffer) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if rb.count == 0 {
		return 0, io.EOF
	}
	n := rb.Peek(p)
	rb.Discard(n)
	return n, nil
}

// Peek copies up to len(p) unread bytes into p without consuming them.
func (rb *RingBuffer) Peek(p []byte) int {
	n := len(p)
	if n > rb.count {
		n = rb.count
	}
	if n == 0 {
		return 0
	}
	first := copy(p[:n], rb.buf[rb.r:])
	if first < n {
		copy(p[first:n], rb.buf[:n-first])
	}
	return n
}

// Discard drops up to n unread bytes and returns how many were dropped.
func (rb *RingBuffer) Discard(n int) int {
	if n > rb.count {
		n = rb.count
	}
	if n <= 0 {
		return 0
	}
	rb.r = (rb.r + n) % len(rb.buf)
	rb.count -= n
	if rb.count == 0 {
		rb.r, rb.w = 0, 0
	}
	return n
}

// IndexByte returns the offset of the first c from the read cursor, or -1.
func (rb *RingBuffer) IndexByte(c byte) int {
	for i := 0; i < rb.count; i++ {
		if rb.buf[(rb.r+i)%len(rb.buf)] == c {
			return i
		}
	}
	return -1
}

// Bytes returns a copy of the unread bytes.
func (rb *RingBuffer) Bytes() []byte {
	out := make([]byte, rb.count)
	rb.Peek(out)
	return out
}
