// Package message defines the application-level request and response that
// handlers see, independent of how they are chunked into frames.
//
//   - A Request names its target, carries the session it arrived on, and
//     exposes the reassembled request bytes as an io.Reader.
//   - A Response is a stream of Chunks. A chunk carrying an error ends the
//     stream as a failure; a closed channel ends it as a success.
package message

import (
	"fmt"
	"io"

	"github.com/oklog/ulid/v2"

	"harpc/extensions"
	"harpc/protocol"
)

// SessionID identifies the connection a request arrived on. It is a ULID so
// ids sort by the time the connection was accepted.
type SessionID ulid.ULID

func NewSessionID() SessionID { return SessionID(ulid.Make()) }

func (s SessionID) String() string { return ulid.ULID(s).String() }

func (s SessionID) IsZero() bool { return s == SessionID{} }

type Request struct {
	Service    protocol.ServiceDescriptor
	Procedure  protocol.ProcedureID
	Session    SessionID
	Body       io.Reader
	Extensions *extensions.Extensions
}

// Chunk is one piece of a response body. Exactly one of Bytes and Err is meaningful.
type Chunk struct {
	Bytes []byte
	Err   error
}

type Response struct {
	Session    SessionID
	Kind       protocol.ResponseKind
	Body       <-chan Chunk
	Extensions *extensions.Extensions
}

// NewResponse builds a successful response for req whose body is the given
// chunks, already buffered and closed.
func NewResponse(req *Request, chunks ...[]byte) *Response {
	return &Response{
		Session:    req.Session,
		Kind:       protocol.KindSuccess,
		Body:       Body(chunks...),
		Extensions: extensions.New(),
	}
}

// Body returns a closed channel holding one Chunk per element of chunks.
func Body(chunks ...[]byte) <-chan Chunk {
	ch := make(chan Chunk, len(chunks))
	for _, c := range chunks {
		ch <- Chunk{Bytes: c}
	}
	close(ch)
	return ch
}

// FailureBody returns a closed channel holding a single failure chunk.
func FailureBody(f *Failure) <-chan Chunk {
	ch := make(chan Chunk, 1)
	ch <- Chunk{Err: f}
	close(ch)
	return ch
}

// Failure is an application failure already normalized for the wire: an
// error code plus the encoded error payload.
type Failure struct {
	Code    protocol.ErrorCode
	Payload []byte
	Err     error // local cause, never transmitted
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %v", f.Code, f.Err)
	}
	return f.Code.String()
}

func (f *Failure) Unwrap() error { return f.Err }

// ErrorCoder is implemented by errors that know their wire error code.
type ErrorCoder interface {
	ErrorCode() protocol.ErrorCode
}

// Error is a plain application error with an explicit code.
type Error struct {
	Code    protocol.ErrorCode
	Message string
}

func (e *Error) Error() string                 { return e.Message }
func (e *Error) ErrorCode() protocol.ErrorCode { return e.Code }

// Errorf returns an *Error with the given code and formatted message.
func Errorf(code protocol.ErrorCode, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}
