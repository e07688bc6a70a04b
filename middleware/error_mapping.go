package middleware

import (
	"context"
	"errors"
	"fmt"

	"harpc/codec"
	"harpc/extensions"
	"harpc/message"
	"harpc/protocol"
)

// fallbackPayload is sent when the error encoder itself fails.
var fallbackPayload = []byte(`{"code":65535,"message":"internal server error"}`)

// ErrorMapping returns the outermost layer of the pipeline. Successful
// responses pass through with their kind forced to success; any error, panic
// or nil response becomes a failure response whose body is a single
// *message.Failure chunk encoded by enc. Errors that a handler streams in its
// body are normalized the same way.
//
// Failure responses keep the request's session but start with fresh, empty
// extensions: they do not inherit anything the caller attached.
func ErrorMapping(enc codec.ErrorEncoder) func(HandlerFunc) ServiceFunc {
	if enc == nil {
		enc = codec.JSONCodec{}
	}
	return func(next HandlerFunc) ServiceFunc {
		return func(ctx context.Context, req *message.Request) (resp *message.Response) {
			defer func() {
				if r := recover(); r != nil {
					resp = failureResponse(enc, req, fmt.Errorf("handler panic: %v", r))
				}
			}()

			resp, err := next(ctx, req)
			if err != nil {
				return failureResponse(enc, req, err)
			}
			if resp == nil {
				return failureResponse(enc, req, errors.New("handler returned no response"))
			}
			resp.Kind = protocol.KindSuccess
			if resp.Body == nil {
				resp.Body = message.Body()
			}
			resp.Body = mapBody(ctx, enc, resp.Body)
			return resp
		}
	}
}

// Normalize converts err into the wire failure it should be reported as.
func Normalize(enc codec.ErrorEncoder, err error) *message.Failure {
	// An already encoded failure is sent as is. One without a payload is
	// encoded like any other error, keeping its code.
	var f *message.Failure
	if errors.As(err, &f) && f.Payload != nil {
		return f
	}

	code := protocol.ErrorCodeInternal
	var coder message.ErrorCoder
	switch {
	case f != nil && f.Code != 0:
		code = f.Code
	case errors.As(err, &coder) && coder.ErrorCode() != 0:
		code = coder.ErrorCode()
	}

	wire := &codec.WireError{Code: uint16(code), Message: err.Error()}
	for cause := errors.Unwrap(err); cause != nil; cause = errors.Unwrap(cause) {
		wire.Detail = append(wire.Detail, cause.Error())
	}

	payload, encErr := enc.EncodeError(wire)
	if encErr != nil {
		payload = fallbackPayload
	}
	return &message.Failure{Code: code, Payload: payload, Err: err}
}

func failureResponse(enc codec.ErrorEncoder, req *message.Request, err error) *message.Response {
	f := Normalize(enc, err)
	return &message.Response{
		Session:    req.Session,
		Kind:       protocol.Failure(f.Code),
		Body:       message.FailureBody(f),
		Extensions: extensions.New(),
	}
}

// mapBody forwards body, replacing any error chunk with its normalized
// failure. Forwarding stops after the first error; the rest of body is
// drained so the producer is never left blocked.
func mapBody(ctx context.Context, enc codec.ErrorEncoder, body <-chan message.Chunk) <-chan message.Chunk {
	out := make(chan message.Chunk, cap(body))
	go func() {
		defer close(out)
		failed := false
		for chunk := range body {
			if failed {
				continue
			}
			if chunk.Err != nil {
				failed = true
				chunk = message.Chunk{Err: Normalize(enc, chunk.Err)}
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				failed = true
			}
		}
	}()
	return out
}
