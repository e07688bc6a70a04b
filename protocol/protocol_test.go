package protocol

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"harpc/codec"
)

func encodeRequest(t *testing.T, req *Request) []byte {
	t.Helper()
	buf := codec.NewWriter(req.EncodedLen())
	if err := req.Encode(buf); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	return buf.Bytes()
}

func TestRequestBeginEncodeDecode(t *testing.T) {
	req := &Request{
		Header: RequestHeader{Version: Version1, CallID: 12345, Flags: FlagEndOfRequest},
		Body: &RequestBegin{
			Service:   ServiceDescriptor{ID: 0x0102, Version: ServiceVersion{Major: 1, Minor: 3}},
			Procedure: 0x0A0B,
			Payload:   []byte("hello world"),
		},
	}

	data := encodeRequest(t, req)
	if len(data) != HeaderSize+11 {
		t.Fatalf("encoded length: got %d, want %d", len(data), HeaderSize+11)
	}

	// Bit-exact header layout.
	want := []byte{
		'h', 'a', 'r', 'p', 'c', // magic
		0x01,                   // version
		0x00, 0x00, 0x30, 0x39, // call id 12345
		0x81,                   // begin | end of request
		0x01, 0x02, 0x01, 0x03, // service id, major, minor
		0x0A, 0x0B, // procedure id
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, // padding
		0x00, 0x00, 0x00, 0x0B, // length
	}
	if !bytes.Equal(data[:HeaderSize], want) {
		t.Fatalf("header mismatch:\n got %x\nwant %x", data[:HeaderSize], want)
	}

	decoded, err := DecodeRequest(codec.NewReader(data))
	if err != nil {
		t.Fatalf("DecodeRequest failed: %v", err)
	}
	if decoded.Header != req.Header {
		t.Errorf("header mismatch: got %+v, want %+v", decoded.Header, req.Header)
	}
	begin := decoded.Begin()
	if begin == nil {
		t.Fatalf("expect Begin body, got %T", decoded.Body)
	}
	orig := req.Begin()
	if begin.Service != orig.Service || begin.Procedure != orig.Procedure {
		t.Errorf("descriptor mismatch: got %+v/%d, want %+v/%d", begin.Service, begin.Procedure, orig.Service, orig.Procedure)
	}
	if !bytes.Equal(begin.Payload, orig.Payload) {
		t.Errorf("payload mismatch: got %s, want %s", begin.Payload, orig.Payload)
	}
}

func TestRequestFrameEncodeDecode(t *testing.T) {
	req := &Request{
		Header: RequestHeader{Version: Version1, CallID: 7},
		Body:   &RequestFrame{Payload: []byte("cd")},
	}
	decoded, err := DecodeRequest(codec.NewReader(encodeRequest(t, req)))
	if err != nil {
		t.Fatalf("DecodeRequest failed: %v", err)
	}
	if decoded.Begin() != nil {
		t.Fatalf("expect Frame body, got Begin")
	}
	if decoded.Header.Flags.EndOfRequest() {
		t.Errorf("unexpected EndOfRequest flag")
	}
	if string(decoded.Payload()) != "cd" {
		t.Errorf("payload mismatch: got %q", decoded.Payload())
	}
}

func TestResponseEncodeDecode(t *testing.T) {
	cases := []*Response{
		{
			Header: ResponseHeader{Version: Version1, CallID: 1},
			Body:   &ResponseBegin{Kind: KindSuccess, Payload: []byte("ok")},
		},
		{
			Header: ResponseHeader{Version: Version1, CallID: 2, Flags: FlagEndOfResponse},
			Body:   &ResponseBegin{Kind: Failure(ErrorCodeRateLimited), Payload: []byte("{}")},
		},
		{
			Header: ResponseHeader{Version: Version1, CallID: 3, Flags: FlagEndOfResponse},
			Body:   &ResponseFrame{},
		},
	}

	for _, resp := range cases {
		buf := codec.NewWriter(resp.EncodedLen())
		if err := resp.Encode(buf); err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		decoded, err := DecodeResponse(buf)
		if err != nil {
			t.Fatalf("DecodeResponse failed: %v", err)
		}
		if decoded.Header != resp.Header {
			t.Errorf("header mismatch: got %+v, want %+v", decoded.Header, resp.Header)
		}
		if want := resp.Begin(); want != nil {
			got := decoded.Begin()
			if got == nil || got.Kind != want.Kind {
				t.Errorf("kind mismatch: got %+v, want %v", got, want.Kind)
			}
		} else if decoded.Begin() != nil {
			t.Errorf("expect Frame body for call %d", resp.Header.CallID)
		}
		if !bytes.Equal(decoded.Payload(), resp.Payload()) {
			t.Errorf("payload mismatch: got %q, want %q", decoded.Payload(), resp.Payload())
		}
	}
}

func TestEncodeMasksHeaderFlags(t *testing.T) {
	req := &Request{
		Header: RequestHeader{Version: Version1, CallID: 9, Flags: RequestFlags(0x80 | 0x10 | 0x01)},
		Body:   &RequestFrame{Payload: []byte("x")},
	}
	data := encodeRequest(t, req)
	if data[10] != 0x01 {
		t.Fatalf("request flags byte: got %#02x, want 0x01", data[10])
	}
	decoded, err := DecodeRequest(codec.NewReader(data))
	if err != nil {
		t.Fatalf("DecodeRequest failed: %v", err)
	}
	if decoded.Begin() != nil {
		t.Fatalf("expect Frame body, got Begin")
	}
	if !decoded.Header.Flags.EndOfRequest() {
		t.Errorf("expect EndOfRequest flag")
	}

	resp := &Response{
		Header: ResponseHeader{Version: Version1, CallID: 9, Flags: ResponseFlags(0x40)},
		Body:   &ResponseBegin{Kind: KindSuccess},
	}
	buf := codec.NewWriter(resp.EncodedLen())
	if err := resp.Encode(buf); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if got := buf.Bytes()[10]; got != 0x80 {
		t.Fatalf("response flags byte: got %#02x, want 0x80", got)
	}
	if _, err := DecodeResponse(buf); err != nil {
		t.Fatalf("DecodeResponse failed: %v", err)
	}
}

func TestDecodeInvalidMagic(t *testing.T) {
	data := encodeRequest(t, &Request{
		Header: RequestHeader{Version: Version1, CallID: 1},
		Body:   &RequestFrame{Payload: []byte("x")},
	})
	data[0] = 'X'

	buf := codec.NewReader(data)
	_, err := DecodeRequest(buf)
	if !errors.Is(err, ErrInvalidMagic) || !errors.Is(err, ErrViolation) {
		t.Fatalf("expect invalid magic violation, got %v", err)
	}
	if !IsFatal(err) {
		t.Errorf("invalid magic should be fatal")
	}
	if buf.Remaining() != len(data) {
		t.Errorf("failed decode consumed input")
	}
}

func TestDecodeUnsupportedVersion(t *testing.T) {
	data := encodeRequest(t, &Request{
		Header: RequestHeader{Version: 2, CallID: 1},
		Body:   &RequestFrame{},
	})
	_, err := DecodeRequest(codec.NewReader(data))
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expect ErrUnsupportedVersion, got %v", err)
	}
	if IsFatal(err) {
		t.Errorf("unsupported version should only drop the frame")
	}
}

func TestDecodeMalformedFlags(t *testing.T) {
	data := encodeRequest(t, &Request{
		Header: RequestHeader{Version: Version1, CallID: 1},
		Body:   &RequestFrame{},
	})
	data[10] = 0x04
	_, err := DecodeRequest(codec.NewReader(data))
	if !errors.Is(err, ErrMalformedFlags) {
		t.Fatalf("expect ErrMalformedFlags, got %v", err)
	}
}

func TestDecodeTruncated(t *testing.T) {
	data := encodeRequest(t, &Request{
		Header: RequestHeader{Version: Version1, CallID: 1},
		Body:   &RequestFrame{Payload: []byte("hello")},
	})

	for _, n := range []int{0, 10, HeaderSize, len(data) - 1} {
		buf := codec.NewReader(data[:n])
		_, err := DecodeRequest(buf)
		if !errors.Is(err, codec.ErrTruncated) {
			t.Fatalf("prefix %d: expect ErrTruncated, got %v", n, err)
		}
		if buf.Remaining() != n {
			t.Fatalf("prefix %d: truncated decode consumed input", n)
		}
	}
}

func TestEncodePayloadTooLarge(t *testing.T) {
	req := &Request{
		Header: RequestHeader{Version: Version1, CallID: 1},
		Body:   &RequestFrame{Payload: make([]byte, MaxPayloadSize+1)},
	}
	buf := codec.NewWriter(req.EncodedLen())
	if err := req.Encode(buf); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expect ErrPayloadTooLarge, got %v", err)
	}
	if buf.Remaining() != 0 {
		t.Fatalf("rejected encode wrote %d bytes", buf.Remaining())
	}
}

func TestEncodeCapacityExceeded(t *testing.T) {
	req := &Request{
		Header: RequestHeader{Version: Version1, CallID: 1},
		Body:   &RequestFrame{Payload: []byte("abc")},
	}
	buf := codec.NewWriter(HeaderSize)
	if err := req.Encode(buf); !errors.Is(err, codec.ErrCapacityExceeded) {
		t.Fatalf("expect ErrCapacityExceeded, got %v", err)
	}
	if buf.Remaining() != 0 {
		t.Fatalf("failed encode wrote %d bytes", buf.Remaining())
	}
}

func TestReadWriteStream(t *testing.T) {
	var stream bytes.Buffer
	payload := bytes.Repeat([]byte{0xAB}, MaxPayloadSize)

	first := &Response{
		Header: ResponseHeader{Version: Version1, CallID: 9},
		Body:   &ResponseBegin{Kind: KindSuccess, Payload: payload},
	}
	second := &Response{
		Header: ResponseHeader{Version: Version1, CallID: 9, Flags: FlagEndOfResponse},
		Body:   &ResponseFrame{Payload: []byte("tail")},
	}
	for _, resp := range []*Response{first, second} {
		if err := WriteResponse(&stream, resp); err != nil {
			t.Fatalf("WriteResponse failed: %v", err)
		}
	}

	got, err := ReadResponse(&stream)
	if err != nil {
		t.Fatalf("ReadResponse failed: %v", err)
	}
	if !bytes.Equal(got.Payload(), payload) {
		t.Fatalf("large payload mismatch")
	}
	got, err = ReadResponse(&stream)
	if err != nil {
		t.Fatalf("ReadResponse failed: %v", err)
	}
	if !got.Header.Flags.EndOfResponse() || string(got.Payload()) != "tail" {
		t.Fatalf("unexpected second frame: %+v", got)
	}

	if _, err := ReadResponse(&stream); err != io.EOF {
		t.Fatalf("expect io.EOF on empty stream, got %v", err)
	}
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	header := make([]byte, HeaderSize)
	copy(header, Magic[:])
	header[5] = byte(Version1)
	header[lengthOffset] = 0xFF

	_, err := ReadFrame(bytes.NewReader(header))
	if !errors.Is(err, ErrPayloadTooLarge) || !IsFatal(err) {
		t.Fatalf("expect fatal ErrPayloadTooLarge, got %v", err)
	}
}

func TestReadFrameShortPayload(t *testing.T) {
	var stream bytes.Buffer
	err := WriteRequest(&stream, &Request{
		Header: RequestHeader{Version: Version1, CallID: 1},
		Body:   &RequestFrame{Payload: []byte("hello")},
	})
	if err != nil {
		t.Fatal(err)
	}
	short := stream.Bytes()[:stream.Len()-2]
	if _, err := ReadFrame(bytes.NewReader(short)); err != io.ErrUnexpectedEOF {
		t.Fatalf("expect io.ErrUnexpectedEOF, got %v", err)
	}
}

func TestResponseKind(t *testing.T) {
	if !KindSuccess.IsSuccess() {
		t.Error("KindSuccess should be success")
	}
	k := Failure(ErrorCodeNotFound)
	if k.IsSuccess() || k.Code() != ErrorCodeNotFound {
		t.Errorf("unexpected failure kind %v", k)
	}
	if Failure(0).Code() != ErrorCodeInternal {
		t.Errorf("zero code should map to internal error")
	}
}
