package transaction

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
)

const (
	streamOpen int32 = iota
	streamComplete
	streamIncomplete
)

// Stream is the reassembled request body handed to a handler. Payloads
// arrive in frame order; the stream ends cleanly after EndOfRequest or
// abruptly if the call was torn down first.
//
// Read implements io.Reader: it returns io.EOF after a clean end and
// io.ErrUnexpectedEOF after an abrupt one.
type Stream struct {
	ch      chan []byte
	state   atomic.Int32
	once    sync.Once
	pending []byte
}

// NewStream returns an open stream buffering up to size payloads.
func NewStream(size int) *Stream {
	return &Stream{ch: make(chan []byte, size)}
}

// Chunks exposes the raw payloads. Consumers must use either Chunks or Read,
// not both.
func (s *Stream) Chunks() <-chan []byte { return s.ch }

// Incomplete reports whether the stream was closed before EndOfRequest.
func (s *Stream) Incomplete() bool { return s.state.Load() == streamIncomplete }

// Complete reports whether the stream ended cleanly.
func (s *Stream) Complete() bool { return s.state.Load() == streamComplete }

func (s *Stream) Read(p []byte) (int, error) {
	for len(s.pending) == 0 {
		chunk, ok := <-s.ch
		if !ok {
			if s.Incomplete() {
				return 0, io.ErrUnexpectedEOF
			}
			return 0, io.EOF
		}
		s.pending = chunk
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *Stream) push(ctx context.Context, p []byte) error {
	select {
	case s.ch <- p:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// end closes the stream once, recording how it ended. The state is stored
// before the channel closes so a reader that observes the close sees it.
func (s *Stream) end(state int32) {
	s.once.Do(func() {
		s.state.Store(state)
		close(s.ch)
	})
}
