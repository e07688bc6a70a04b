// Package transport implements the client side of a HARPC connection.
//
// ClientTransport multiplexes concurrent calls over a single connection.
// Each call gets a unique call id, and a background goroutine (recvLoop)
// continuously reads response frames and routes them to the right
// ResponseStream through the pending map.
//
//	goroutine-1 ──Call(id=1)──┐
//	goroutine-2 ──Call(id=2)──┼──→ single conn ──→ Server
//	goroutine-3 ──Call(id=3)──┘
//
//	recvLoop:  ←── response(id=2) → pending[2] stream → goroutine-2 reads chunks
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"harpc/message"
	"harpc/protocol"
	"harpc/transaction"
)

var ErrTransportClosed = errors.New("transport: closed")

// ClientTransport manages a single multiplexed connection.
type ClientTransport struct {
	conn   net.Conn
	logger *zap.Logger
	nextID atomic.Uint32

	// Frames of different calls may interleave, but one frame is always
	// written whole.
	sending sync.Mutex

	mu      sync.Mutex
	pending map[protocol.CallID]*ResponseStream
	err     error // set once the connection is lost
	done    chan struct{}
}

type Option func(*ClientTransport)

func WithLogger(logger *zap.Logger) Option {
	return func(t *ClientTransport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// NewClientTransport wraps conn and starts the recvLoop goroutine.
func NewClientTransport(conn net.Conn, opts ...Option) *ClientTransport {
	t := &ClientTransport{
		conn:    conn,
		logger:  zap.NewNop(),
		pending: make(map[protocol.CallID]*ResponseStream),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With(zap.Stringer("peer", conn.RemoteAddr()))
	go t.recvLoop()
	return t
}

// Call sends body to proc of svc and returns the stream its response will
// arrive on. The request is split into frames of at most MaxPayloadSize
// bytes. ctx bounds the caller's interest in the response: once it is done,
// the stream ends with ctx's error.
func (t *ClientTransport) Call(ctx context.Context, svc protocol.ServiceDescriptor, proc protocol.ProcedureID, body []byte) (*ResponseStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := protocol.CallID(t.nextID.Add(1))
	stream := newResponseStream(ctx, id)
	stop := context.AfterFunc(ctx, func() {
		if stream.end(ctx.Err()) {
			t.remove(id)
		}
	})
	stream.mu.Lock()
	stream.stop = stop
	stream.mu.Unlock()

	// Register before sending so the response can never beat the entry.
	t.mu.Lock()
	if t.err != nil {
		err := t.err
		t.mu.Unlock()
		stream.end(err)
		return nil, err
	}
	t.pending[id] = stream
	t.mu.Unlock()

	for _, frame := range transaction.RequestFrames(id, svc, proc, body) {
		t.sending.Lock()
		err := protocol.WriteRequest(t.conn, frame)
		t.sending.Unlock()
		if err != nil {
			t.remove(id)
			stream.end(err)
			return nil, fmt.Errorf("send call %d: %w", id, err)
		}
	}
	return stream, nil
}

func (t *ClientTransport) remove(id protocol.CallID) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// recvLoop is the only reader of the connection.
func (t *ClientTransport) recvLoop() {
	r := bufio.NewReaderSize(t.conn, protocol.HeaderSize+protocol.MaxPayloadSize)
	for {
		resp, err := protocol.ReadResponse(r)
		if err != nil {
			if !protocol.IsFatal(err) {
				t.logger.Warn("dropping malformed response frame", zap.Error(err))
				continue
			}
			t.closeAllPending(err)
			return
		}

		id := resp.Header.CallID
		t.mu.Lock()
		stream, ok := t.pending[id]
		t.mu.Unlock()
		if !ok {
			t.logger.Debug("dropping frame for unknown call", zap.Uint32("call_id", uint32(id)))
			continue
		}
		if stream.deliver(resp) {
			t.remove(id)
		}
	}
}

// closeAllPending ends every pending stream with err so no caller blocks
// forever. Later calls fail with the same error.
func (t *ClientTransport) closeAllPending(err error) {
	t.mu.Lock()
	if t.err == nil {
		t.err = fmt.Errorf("%w: %w", ErrTransportClosed, err)
	}
	pending, closeErr := t.pending, t.err
	t.pending = make(map[protocol.CallID]*ResponseStream)
	t.mu.Unlock()

	for _, stream := range pending {
		stream.end(closeErr)
	}
	_ = t.conn.Close()
	close(t.done)
}

// Err reports why the transport stopped, or nil while it is usable.
func (t *ClientTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Pending is the number of calls waiting for their response to end.
func (t *ClientTransport) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Close closes the connection and waits for recvLoop to fail every pending call.
func (t *ClientTransport) Close() error {
	err := t.conn.Close()
	<-t.done
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Conn returns the underlying connection.
func (t *ClientTransport) Conn() net.Conn {
	return t.conn
}

// ResponseStream delivers the response of one call as message.Chunks.
//
// A successful response is a sequence of byte chunks followed by the close
// of Chunks. A failure is a single chunk whose Err is a *message.Failure
// holding the whole failure payload; it may follow success chunks when the
// server failed mid-response. If the transport or the caller's context ends
// first, Chunks closes early and Err reports why.
type ResponseStream struct {
	id     protocol.CallID
	ctx    context.Context
	chunks chan message.Chunk

	// Only touched by recvLoop.
	began   bool
	failure *message.Failure

	mu     sync.Mutex
	closed bool
	err    error
	stop   func() bool // unregisters the context watcher
}

func newResponseStream(ctx context.Context, id protocol.CallID) *ResponseStream {
	return &ResponseStream{
		id:     id,
		ctx:    ctx,
		chunks: make(chan message.Chunk, 16),
	}
}

func (s *ResponseStream) ID() protocol.CallID { return s.id }

func (s *ResponseStream) Chunks() <-chan message.Chunk { return s.chunks }

// Err is the reason the stream ended early, if it did. Valid once Chunks is closed.
func (s *ResponseStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Collect reads the whole response. A failure response is returned as its
// *message.Failure.
func (s *ResponseStream) Collect() ([]byte, error) {
	var body []byte
	for chunk := range s.chunks {
		if chunk.Err != nil {
			return nil, chunk.Err
		}
		body = append(body, chunk.Bytes...)
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return body, nil
}

// deliver applies one response frame and reports whether the stream ended.
func (s *ResponseStream) deliver(resp *protocol.Response) bool {
	if begin := resp.Begin(); begin != nil {
		s.began = true
		if !begin.Kind.IsSuccess() {
			// A failure restarts the sequence; its payload is gathered whole.
			s.failure = &message.Failure{Code: begin.Kind.Code()}
		}
	}
	if !s.began {
		return false
	}
	end := resp.Header.Flags.EndOfResponse()

	if s.failure != nil {
		s.failure.Payload = append(s.failure.Payload, resp.Payload()...)
		if !end {
			return false
		}
		if s.push(message.Chunk{Err: s.failure}) {
			s.end(nil)
		}
		return true
	}

	if p := resp.Payload(); len(p) > 0 {
		if !s.push(message.Chunk{Bytes: p}) {
			return true
		}
	}
	if end {
		s.end(nil)
	}
	return end
}

// push blocks until the caller takes chunk. If the caller's context ends
// first the stream is closed with its error and push reports false.
func (s *ResponseStream) push(chunk message.Chunk) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if err := s.ctx.Err(); err != nil {
		s.closeLocked(err)
		return false
	}
	select {
	case s.chunks <- chunk:
		return true
	case <-s.ctx.Done():
		s.closeLocked(s.ctx.Err())
		return false
	}
}

// end closes the stream with err, nil for a complete response. It reports
// whether this call was the one that closed it.
func (s *ResponseStream) end(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closeLocked(err)
	return true
}

func (s *ResponseStream) closeLocked(err error) {
	s.closed = true
	s.err = err
	close(s.chunks)
	if s.stop != nil {
		s.stop()
	}
}
