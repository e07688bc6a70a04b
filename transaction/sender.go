// Package transaction implements the two per-call state machines that sit
// between a handler and the connection.
//
//	             ┌──────────┐  []byte  ┌─────────┐  message.Chunk  ┌────────┐
//	frames ────► │ Receiver │ ───────► │ handler │ ──────────────► │ Sender │ ────► ResponseSink
//	(one call)   └──────────┘  Stream  └─────────┘                 └────────┘  (single writer)
//
// The Receiver reassembles inbound request frames into a byte stream. The
// Sender chunks the handler's output into response frames of at most
// protocol.MaxPayloadSize bytes. Both are driven by a Run loop that races the
// next input against cancellation.
package transaction

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"harpc/message"
	"harpc/protocol"
)

// Sender is the outbound chunking state machine for one call.
//
// A Sender is owned by a single goroutine; its methods are not safe for
// concurrent use.
type Sender struct {
	id      protocol.CallID
	sink    ResponseSink
	logger  *zap.Logger
	noDelay bool

	kind     protocol.ResponseKind
	chunks   chunker
	failed   bool
	finished bool
}

type SenderOption func(*Sender)

// WithNoDelay makes Accept flush any remainder right away instead of waiting
// for a full frame. Frames get smaller; latency drops.
func WithNoDelay(enabled bool) SenderOption {
	return func(s *Sender) { s.noDelay = enabled }
}

func WithSenderLogger(logger *zap.Logger) SenderOption {
	return func(s *Sender) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewSender(id protocol.CallID, sink ResponseSink, opts ...SenderOption) *Sender {
	s := &Sender{
		id:     id,
		sink:   sink,
		logger: zap.NewNop(),
		kind:   protocol.KindSuccess,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Kind is the kind of the sequence currently being sent.
func (s *Sender) Kind() protocol.ResponseKind { return s.kind }

// Done reports whether the terminal frame has been sent.
func (s *Sender) Done() bool { return s.finished }

func (s *Sender) Failed() bool { return s.failed }

func (s *Sender) emit(ctx context.Context, payload []byte, end bool) error {
	resp := &protocol.Response{
		Header: protocol.ResponseHeader{Version: protocol.Version1, CallID: s.id},
	}
	if end {
		resp.Header.Flags |= protocol.FlagEndOfResponse
	}
	if s.chunks.index == 0 {
		resp.Body = &protocol.ResponseBegin{Kind: s.kind, Payload: payload}
	} else {
		resp.Body = &protocol.ResponseFrame{Payload: payload}
	}
	s.chunks.index++
	return s.sink.Send(ctx, resp)
}

// flushFull emits every complete chunk that has something buffered after it.
func (s *Sender) flushFull(ctx context.Context) error {
	for {
		chunk, ok := s.chunks.next()
		if !ok {
			return nil
		}
		if err := s.emit(ctx, chunk, false); err != nil {
			return err
		}
	}
}

// Accept appends p to the outbound buffer and emits every full frame it can.
// It is a no-op once the sequence has ended.
func (s *Sender) Accept(ctx context.Context, p []byte) error {
	if s.finished {
		return nil
	}
	s.chunks.write(p)
	if err := s.flushFull(ctx); err != nil {
		return err
	}
	if s.noDelay && s.chunks.pending() > 0 {
		return s.emit(ctx, s.chunks.rest(), false)
	}
	return nil
}

// Finish flushes the remainder, possibly empty, as the terminal frame.
// Calling it again is a no-op.
func (s *Sender) Finish(ctx context.Context) error {
	if s.finished {
		return nil
	}
	s.finished = true
	return s.emit(ctx, s.chunks.rest(), true)
}

// Fail switches the call to failure(code). Buffered success bytes are dropped;
// frames already sent stand. The failure sequence restarts with a Begin and is
// flushed to completion with payload as its body. Every later Accept, Finish
// or Fail is a no-op.
func (s *Sender) Fail(ctx context.Context, code protocol.ErrorCode, payload []byte) error {
	if s.finished {
		return nil
	}
	s.kind = protocol.Failure(code)
	s.failed = true
	s.finished = true
	s.chunks.restart()
	s.chunks.write(payload)
	if err := s.flushFull(ctx); err != nil {
		return err
	}
	return s.emit(ctx, s.chunks.rest(), true)
}

// Run drives the sender from a handler's response body until the body is
// closed, a send fails, or ctx is cancelled. Cancellation stops the loop
// without a terminal frame. After a failure chunk the rest of the body is
// drained and ignored so the producer never blocks.
func (s *Sender) Run(ctx context.Context, body <-chan message.Chunk) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-body:
			var err error
			switch {
			case !ok:
				if err = s.Finish(ctx); err == nil {
					return nil
				}
			case s.failed:
				continue
			case chunk.Err != nil:
				f := normalizeFailure(chunk.Err)
				err = s.Fail(ctx, f.Code, f.Payload)
			default:
				err = s.Accept(ctx, chunk.Bytes)
			}
			if err != nil {
				s.logger.Warn("failed to send response frame",
					zap.Uint32("call_id", uint32(s.id)),
					zap.Stringer("kind", s.kind),
					zap.Error(err))
				return err
			}
		}
	}
}

// normalizeFailure extracts the wire failure from a body error. Errors that
// did not pass through error mapping still end the call, just without payload.
func normalizeFailure(err error) *message.Failure {
	var f *message.Failure
	if errors.As(err, &f) {
		return f
	}
	code := protocol.ErrorCodeInternal
	var coder message.ErrorCoder
	if errors.As(err, &coder) && coder.ErrorCode() != 0 {
		code = coder.ErrorCode()
	}
	return &message.Failure{Code: code, Err: err}
}
