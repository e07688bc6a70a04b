package transaction

import (
	"context"
	"errors"
	"sync"

	"harpc/protocol"
)

// ErrSinkClosed is returned by a sink whose writer has gone away.
var ErrSinkClosed = errors.New("transaction: response sink closed")

// ResponseSink accepts encoded-ready response frames for the connection's
// single writer. Send blocks while the writer is behind.
type ResponseSink interface {
	Send(ctx context.Context, resp *protocol.Response) error
}

// ChanSink is the simplest sink: a plain channel. Sending on it after the
// receiver stopped reading blocks until ctx is done.
type ChanSink chan<- *protocol.Response

func (c ChanSink) Send(ctx context.Context, resp *protocol.Response) error {
	select {
	case c <- resp:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueueSink is a bounded queue drained by one writer goroutine. Closing it
// wakes every blocked sender with ErrSinkClosed; the frame channel itself is
// never closed, so a late Send can never panic.
type QueueSink struct {
	frames chan *protocol.Response
	closed chan struct{}
	once   sync.Once
}

func NewQueueSink(size int) *QueueSink {
	return &QueueSink{
		frames: make(chan *protocol.Response, size),
		closed: make(chan struct{}),
	}
}

func (q *QueueSink) Send(ctx context.Context, resp *protocol.Response) error {
	// A cancelled call emits nothing more, even when the queue has room.
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-q.closed:
		return ErrSinkClosed
	default:
	}
	select {
	case q.frames <- resp:
		return nil
	case <-q.closed:
		return ErrSinkClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Frames is the writer's end of the queue.
func (q *QueueSink) Frames() <-chan *protocol.Response { return q.frames }

// Closed is closed once Close has been called.
func (q *QueueSink) Closed() <-chan struct{} { return q.closed }

func (q *QueueSink) Close() {
	q.once.Do(func() { close(q.closed) })
}
