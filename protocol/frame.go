package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"harpc/codec"
)

// rawFrame is the variant-agnostic view of a frame shared by requests and
// responses.
type rawFrame struct {
	version ProtocolVersion
	callID  CallID
	begin   bool
	end     bool
	head    *codec.Buffer // bodyHeadSize bytes of variant data and padding
	payload []byte
}

// frameWriter accumulates the first push error so encoding reads as a flat
// sequence of fields.
type frameWriter struct {
	buf *codec.Buffer
	err error
}

func (w *frameWriter) u8(v uint8) {
	if w.err == nil {
		w.err = w.buf.PushUint8(v)
	}
}

func (w *frameWriter) u16(v uint16) {
	if w.err == nil {
		w.err = w.buf.PushUint16(v)
	}
}

func (w *frameWriter) u32(v uint32) {
	if w.err == nil {
		w.err = w.buf.PushUint32(v)
	}
}

func (w *frameWriter) slice(p []byte) {
	if w.err == nil {
		w.err = w.buf.PushSlice(p)
	}
}

func (w *frameWriter) pad(n int) {
	if w.err == nil {
		w.err = w.buf.PushRepeat(0, n)
	}
}

// encodeFrame writes header and payload. head writes the variant fields of
// the body head and returns how many bytes it wrote; the rest is padded.
// Capacity is checked up front so a failed encode leaves buf untouched.
func encodeFrame(buf *codec.Buffer, version ProtocolVersion, id CallID, flags uint8, head func(*frameWriter) int, payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	need := HeaderSize + len(payload)
	if buf.Available() < need {
		return &codec.CapacityError{Requested: need, Available: buf.Available()}
	}

	w := &frameWriter{buf: buf}
	w.slice(Magic[:])
	w.u8(uint8(version))
	w.u32(uint32(id))
	w.u8(flags)
	n := 0
	if head != nil {
		n = head(w)
	}
	w.pad(bodyHeadSize - n)
	w.u32(uint32(len(payload)))
	w.slice(payload)
	return w.err
}

// decodeFrame parses one frame from the front of buf. The buffer is only
// advanced when a whole, valid frame was read.
func decodeFrame(buf *codec.Buffer) (*rawFrame, error) {
	if buf.Remaining() < HeaderSize {
		return nil, &codec.TruncatedError{Requested: HeaderSize, Remaining: buf.Remaining()}
	}
	hdr := codec.NewReader(buf.Bytes()[:HeaderSize])

	var magic [5]byte
	if err := hdr.NextArray(magic[:]); err != nil {
		return nil, err
	}
	if magic != Magic {
		return nil, fmt.Errorf("%w: %x", ErrInvalidMagic, magic[:])
	}

	version, err := hdr.NextUint8()
	if err != nil {
		return nil, err
	}
	id, err := hdr.NextUint32()
	if err != nil {
		return nil, err
	}
	flags, err := hdr.NextUint8()
	if err != nil {
		return nil, err
	}
	head, err := hdr.NextBytes(bodyHeadSize)
	if err != nil {
		return nil, err
	}
	length, err := hdr.NextUint32()
	if err != nil {
		return nil, err
	}

	if length > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, length)
	}
	if !ProtocolVersion(version).Supported() {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
	if flags&^(flagBegin|0x01) != 0 {
		return nil, fmt.Errorf("%w: %#02x", ErrMalformedFlags, flags)
	}

	total := HeaderSize + int(length)
	if buf.Remaining() < total {
		return nil, &codec.TruncatedError{Requested: total, Remaining: buf.Remaining()}
	}
	if err := buf.Discard(HeaderSize); err != nil {
		return nil, err
	}
	payload, err := buf.NextBytes(int(length))
	if err != nil {
		return nil, err
	}

	return &rawFrame{
		version: ProtocolVersion(version),
		callID:  CallID(id),
		begin:   flags&flagBegin != 0,
		end:     flags&0x01 != 0,
		head:    codec.NewReader(head),
		payload: payload,
	}, nil
}

// ReadFrame reads exactly one raw frame (header and payload) from r.
// Only magic and length are validated here: they are all that is needed to
// stay in sync with the stream. Everything else is left to DecodeRequest and
// DecodeResponse so a malformed frame can be dropped on its own.
// Uses io.ReadFull to guarantee exactly N bytes are read.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	if !bytes.Equal(header[:len(Magic)], Magic[:]) {
		return nil, fmt.Errorf("%w: %x", ErrInvalidMagic, header[:len(Magic)])
	}
	length := binary.BigEndian.Uint32(header[lengthOffset:HeaderSize])
	if length > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, length)
	}

	frame := make([]byte, HeaderSize+int(length))
	copy(frame, header)
	if _, err := io.ReadFull(r, frame[HeaderSize:]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return frame, nil
}

// ReadRequest reads and decodes one request frame.
func ReadRequest(r io.Reader) (*Request, error) {
	frame, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return DecodeRequest(codec.NewReader(frame))
}

// ReadResponse reads and decodes one response frame.
func ReadResponse(r io.Reader) (*Response, error) {
	frame, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return DecodeResponse(codec.NewReader(frame))
}

// WriteRequest encodes req and writes it with a single Write call.
// The caller must be the only writer of w; frames from different goroutines
// would otherwise interleave and corrupt the stream.
func WriteRequest(w io.Writer, req *Request) error {
	buf := codec.NewWriter(req.EncodedLen())
	if err := req.Encode(buf); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// WriteResponse encodes resp and writes it with a single Write call.
func WriteResponse(w io.Writer, resp *Response) error {
	buf := codec.NewWriter(resp.EncodedLen())
	if err := resp.Encode(buf); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}
