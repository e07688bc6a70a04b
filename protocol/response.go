package protocol

import (
	"harpc/codec"
)

type ResponseHeader struct {
	Version ProtocolVersion
	CallID  CallID
	Flags   ResponseFlags
}

// ResponseBody is either *ResponseBegin or *ResponseFrame.
type ResponseBody interface {
	Bytes() []byte
	isResponseBody()
}

// ResponseBegin opens a response sequence and fixes its kind. Continuation
// frames inherit the kind of the Begin that started their sequence.
type ResponseBegin struct {
	Kind    ResponseKind
	Payload []byte
}

type ResponseFrame struct {
	Payload []byte
}

func (b *ResponseBegin) Bytes() []byte { return b.Payload }
func (b *ResponseFrame) Bytes() []byte { return b.Payload }

func (*ResponseBegin) isResponseBody() {}
func (*ResponseFrame) isResponseBody() {}

type Response struct {
	Header ResponseHeader
	Body   ResponseBody
}

func (r *Response) Payload() []byte {
	if r.Body == nil {
		return nil
	}
	return r.Body.Bytes()
}

// Begin returns the Begin body, or nil for a continuation frame.
func (r *Response) Begin() *ResponseBegin {
	b, _ := r.Body.(*ResponseBegin)
	return b
}

func (r *Response) EncodedLen() int { return HeaderSize + len(r.Payload()) }

func (r *Response) Encode(buf *codec.Buffer) error {
	// Only the end bit is taken from the header; Begin follows the body.
	flags := uint8(r.Header.Flags & FlagEndOfResponse)
	var head func(*frameWriter) int
	if begin := r.Begin(); begin != nil {
		flags |= flagBegin
		head = func(w *frameWriter) int {
			w.u16(uint16(begin.Kind))
			return 2
		}
	}
	return encodeFrame(buf, r.Header.Version, r.Header.CallID, flags, head, r.Payload())
}

// DecodeResponse parses one response frame from the front of buf.
func DecodeResponse(buf *codec.Buffer) (*Response, error) {
	f, err := decodeFrame(buf)
	if err != nil {
		return nil, err
	}

	resp := &Response{Header: ResponseHeader{Version: f.version, CallID: f.callID}}
	if f.end {
		resp.Header.Flags |= FlagEndOfResponse
	}
	if !f.begin {
		resp.Body = &ResponseFrame{Payload: f.payload}
		return resp, nil
	}

	kind, _ := f.head.NextUint16()
	resp.Body = &ResponseBegin{Kind: ResponseKind(kind), Payload: f.payload}
	return resp, nil
}
