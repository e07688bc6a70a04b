package protocol

import (
	"harpc/codec"
)

type RequestHeader struct {
	Version ProtocolVersion
	CallID  CallID
	Flags   RequestFlags
}

// RequestBody is either *RequestBegin or *RequestFrame.
type RequestBody interface {
	Bytes() []byte
	isRequestBody()
}

// RequestBegin opens a call: it names the target and carries the first chunk
// of the request payload.
type RequestBegin struct {
	Service   ServiceDescriptor
	Procedure ProcedureID
	Payload   []byte
}

// RequestFrame continues a call with more payload.
type RequestFrame struct {
	Payload []byte
}

func (b *RequestBegin) Bytes() []byte { return b.Payload }
func (b *RequestFrame) Bytes() []byte { return b.Payload }

func (*RequestBegin) isRequestBody() {}
func (*RequestFrame) isRequestBody() {}

type Request struct {
	Header RequestHeader
	Body   RequestBody
}

func (r *Request) Payload() []byte {
	if r.Body == nil {
		return nil
	}
	return r.Body.Bytes()
}

// Begin returns the Begin body, or nil for a continuation frame.
func (r *Request) Begin() *RequestBegin {
	b, _ := r.Body.(*RequestBegin)
	return b
}

func (r *Request) EncodedLen() int { return HeaderSize + len(r.Payload()) }

func (r *Request) Encode(buf *codec.Buffer) error {
	// Only the end bit is taken from the header; Begin follows the body.
	flags := uint8(r.Header.Flags & FlagEndOfRequest)
	var head func(*frameWriter) int
	if begin := r.Begin(); begin != nil {
		flags |= flagBegin
		head = func(w *frameWriter) int {
			w.u16(uint16(begin.Service.ID))
			w.u8(begin.Service.Version.Major)
			w.u8(begin.Service.Version.Minor)
			w.u16(uint16(begin.Procedure))
			return 6
		}
	}
	return encodeFrame(buf, r.Header.Version, r.Header.CallID, flags, head, r.Payload())
}

// DecodeRequest parses one request frame from the front of buf.
func DecodeRequest(buf *codec.Buffer) (*Request, error) {
	f, err := decodeFrame(buf)
	if err != nil {
		return nil, err
	}

	req := &Request{Header: RequestHeader{Version: f.version, CallID: f.callID}}
	if f.end {
		req.Header.Flags |= FlagEndOfRequest
	}
	if !f.begin {
		req.Body = &RequestFrame{Payload: f.payload}
		return req, nil
	}

	// The head buffer always holds bodyHeadSize bytes, so these reads cannot fail.
	begin := &RequestBegin{Payload: f.payload}
	id, _ := f.head.NextUint16()
	major, _ := f.head.NextUint8()
	minor, _ := f.head.NextUint8()
	proc, _ := f.head.NextUint16()
	begin.Service = ServiceDescriptor{ID: ServiceID(id), Version: ServiceVersion{Major: major, Minor: minor}}
	begin.Procedure = ProcedureID(proc)
	req.Body = begin
	return req, nil
}
