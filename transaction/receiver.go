package transaction

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"harpc/protocol"
)

// ErrIncompleteRequest is returned when the inbound frames stop before one
// carrying EndOfRequest arrived.
var ErrIncompleteRequest = errors.New("transaction: request closed before end of request")

// Receiver reassembles the request frames of one call into a Stream.
type Receiver struct {
	id     protocol.CallID
	stream *Stream
	logger *zap.Logger
}

func NewReceiver(id protocol.CallID, stream *Stream, logger *zap.Logger) *Receiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Receiver{id: id, stream: stream, logger: logger}
}

func (r *Receiver) Stream() *Stream { return r.stream }

// Run forwards payloads from in to the stream until EndOfRequest, the end of
// in, or cancellation. Only the EndOfRequest path ends the stream cleanly.
func (r *Receiver) Run(ctx context.Context, in <-chan *protocol.Request) error {
	for {
		select {
		case <-ctx.Done():
			r.stream.end(streamIncomplete)
			return ctx.Err()
		case req, ok := <-in:
			if !ok {
				r.logger.Warn("request stream closed prematurely",
					zap.Uint32("call_id", uint32(r.id)))
				r.stream.end(streamIncomplete)
				return ErrIncompleteRequest
			}
			if err := r.stream.push(ctx, req.Payload()); err != nil {
				r.stream.end(streamIncomplete)
				return err
			}
			if req.Header.Flags.EndOfRequest() {
				r.stream.end(streamComplete)
				return nil
			}
		}
	}
}
