// Package codec provides the bounds-checked byte cursor every frame is read from
// and written to.
//
// A Buffer is a single slice viewed through two windows:
//
//	0          off                 len                cap
//	┌──────────┬───────────────────┬──────────────────┐
//	│ consumed │  readable region  │ writable capacity│
//	└──────────┴───────────────────┴──────────────────┘
//
// Next* operations consume from the readable region, Push* operations append
// into the writable capacity. Every operation checks its width up front: on
// shortfall it returns a typed error and leaves the buffer untouched, so a
// failed call can be retried once more input (or a larger buffer) is at hand.
// Nothing in this package panics on untrusted input.
package codec

import (
	"errors"
	"fmt"
)

var (
	// ErrTruncated is matched by every read that asked for more bytes than remain.
	ErrTruncated = errors.New("codec: truncated input")
	// ErrCapacityExceeded is matched by every write that did not fit.
	ErrCapacityExceeded = errors.New("codec: capacity exceeded")
)

// TruncatedError reports a read that needed Requested bytes with only Remaining left.
type TruncatedError struct {
	Requested int
	Remaining int
}

func (e *TruncatedError) Error() string {
	return fmt.Sprintf("codec: truncated input: need %d bytes, %d remaining", e.Requested, e.Remaining)
}

func (e *TruncatedError) Is(target error) bool { return target == ErrTruncated }

// CapacityError reports a write of Requested bytes with only Available capacity left.
type CapacityError struct {
	Requested int
	Available int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("codec: capacity exceeded: need %d bytes, %d available", e.Requested, e.Available)
}

func (e *CapacityError) Is(target error) bool { return target == ErrCapacityExceeded }

// Buffer is a read/write cursor over a fixed-capacity byte slice.
// It is not safe for concurrent use.
type Buffer struct {
	buf []byte
	off int
}

// NewReader returns a Buffer whose readable region is p. The buffer has no
// writable capacity, so pushes never scribble over the caller's backing array.
func NewReader(p []byte) *Buffer {
	return &Buffer{buf: p[:len(p):len(p)]}
}

// NewWriter returns an empty Buffer able to hold capacity bytes.
func NewWriter(capacity int) *Buffer {
	if capacity < 0 {
		capacity = 0
	}
	return &Buffer{buf: make([]byte, 0, capacity)}
}

// Remaining is the number of readable bytes.
func (b *Buffer) Remaining() int { return len(b.buf) - b.off }

// Available is the number of bytes that can still be pushed.
func (b *Buffer) Available() int { return cap(b.buf) - len(b.buf) }

// Bytes returns the readable region without consuming it. The slice aliases
// the buffer and is only valid until the next push.
func (b *Buffer) Bytes() []byte { return b.buf[b.off:] }

// Reset empties the buffer but keeps its capacity.
func (b *Buffer) Reset() {
	b.buf = b.buf[:0]
	b.off = 0
}

func (b *Buffer) ensureReadable(n int) error {
	if n < 0 || b.Remaining() < n {
		return &TruncatedError{Requested: n, Remaining: b.Remaining()}
	}
	return nil
}

func (b *Buffer) ensureWritable(n int) error {
	if n < 0 || b.Available() < n {
		return &CapacityError{Requested: n, Available: b.Available()}
	}
	return nil
}

// take consumes n readable bytes. The caller must have checked ensureReadable.
func (b *Buffer) take(n int) []byte {
	p := b.buf[b.off : b.off+n]
	b.off += n
	return p
}

// grow extends the written region by n bytes and returns it. The caller must
// have checked ensureWritable.
func (b *Buffer) grow(n int) []byte {
	l := len(b.buf)
	b.buf = b.buf[:l+n]
	return b.buf[l : l+n]
}
