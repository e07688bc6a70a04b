package middleware

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"harpc/codec"
	"harpc/extensions"
	"harpc/message"
	"harpc/protocol"
	"harpc/transaction"
)

type brokenEncoder struct{}

func (brokenEncoder) EncodeError(*codec.WireError) ([]byte, error) { return nil, errors.New("encoder down") }
func (brokenEncoder) DecodeError([]byte) (*codec.WireError, error)  { return nil, errors.New("encoder down") }

func failWith(err error) HandlerFunc {
	return func(context.Context, *message.Request) (*message.Response, error) {
		return nil, err
	}
}

// sendAll runs resp through a Sender and returns the emitted frames.
func sendAll(t *testing.T, resp *message.Response) []*protocol.Response {
	t.Helper()
	ch := make(chan *protocol.Response, 16)
	require.NoError(t, transaction.NewSender(1, transaction.ChanSink(ch)).Run(context.Background(), resp.Body))
	close(ch)
	var frames []*protocol.Response
	for f := range ch {
		frames = append(frames, f)
	}
	return frames
}

func TestErrorMappingSuccessPassesThrough(t *testing.T) {
	req := newRequest("hello")
	resp := ErrorMapping(codec.JSONCodec{})(echoHandler)(context.Background(), req)

	require.NotNil(t, resp)
	assert.True(t, resp.Kind.IsSuccess())
	assert.Equal(t, req.Session, resp.Session)
	body, err := readBody(t, resp)
	require.NoError(t, err)
	assert.Equal(t, "hello", body)
}

func TestErrorMappingFailureIsTotal(t *testing.T) {
	cause := errors.New("no such row")
	cases := map[string]struct {
		handler HandlerFunc
		code    protocol.ErrorCode
	}{
		"plain error": {failWith(cause), protocol.ErrorCodeInternal},
		"coded error": {failWith(message.Errorf(protocol.ErrorCodeNotFound, "missing")), protocol.ErrorCodeNotFound},
		"wrapped":     {failWith(fmt.Errorf("lookup: %w", cause)), protocol.ErrorCodeInternal},
		"failure without payload": {failWith(&message.Failure{Code: 7}), 7},
		"wrapped failure without payload": {failWith(fmt.Errorf("handler: %w", &message.Failure{Code: 9, Err: cause})), 9},
		"nil response": {func(context.Context, *message.Request) (*message.Response, error) {
			return nil, nil
		}, protocol.ErrorCodeInternal},
		"panic": {func(context.Context, *message.Request) (*message.Response, error) {
			panic("kaboom")
		}, protocol.ErrorCodeInternal},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			req := newRequest("")
			req.Extensions = extensions.New()
			extensions.Insert(req.Extensions, "caller value")

			resp := ErrorMapping(codec.JSONCodec{})(tc.handler)(context.Background(), req)
			require.NotNil(t, resp)
			assert.Equal(t, protocol.Failure(tc.code), resp.Kind)
			assert.Equal(t, req.Session, resp.Session)
			require.NotNil(t, resp.Extensions)
			assert.True(t, resp.Extensions.IsEmpty(), "failure responses start with fresh extensions")

			frames := sendAll(t, resp)
			require.Len(t, frames, 1)
			begin := frames[0].Begin()
			require.NotNil(t, begin)
			assert.Equal(t, protocol.Failure(tc.code), begin.Kind)
			assert.True(t, frames[0].Header.Flags.EndOfResponse())

			wire, err := codec.JSONCodec{}.DecodeError(frames[0].Payload())
			require.NoError(t, err)
			assert.Equal(t, uint16(tc.code), wire.Code)
			assert.NotEmpty(t, wire.Message)
		})
	}
}

func TestErrorMappingWrappedDetail(t *testing.T) {
	err := fmt.Errorf("load user: %w", fmt.Errorf("query: %w", errors.New("timeout")))
	f := Normalize(codec.JSONCodec{}, err)

	wire, decErr := codec.JSONCodec{}.DecodeError(f.Payload)
	require.NoError(t, decErr)
	assert.Equal(t, "load user: query: timeout", wire.Message)
	assert.Equal(t, []string{"query: timeout", "timeout"}, wire.Detail)
	assert.ErrorIs(t, f, err)
}

func TestNormalizeKeepsEncodedFailure(t *testing.T) {
	encoded := &message.Failure{Code: 0x0042, Payload: []byte(`{"code":66,"message":"custom"}`)}
	assert.Same(t, encoded, Normalize(codec.JSONCodec{}, encoded))

	bare := Normalize(codec.JSONCodec{}, &message.Failure{Code: 0x0042})
	assert.Equal(t, protocol.ErrorCode(0x0042), bare.Code)
	wire, err := codec.JSONCodec{}.DecodeError(bare.Payload)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0042), wire.Code)
	assert.NotEmpty(t, wire.Message)
}

func TestErrorMappingEncoderFailureFallsBack(t *testing.T) {
	resp := ErrorMapping(brokenEncoder{})(failWith(errors.New("x")))(context.Background(), newRequest(""))
	frames := sendAll(t, resp)
	require.Len(t, frames, 1)
	assert.Equal(t, fallbackPayload, frames[0].Payload())
}

func TestErrorMappingNormalizesStreamedErrors(t *testing.T) {
	handler := func(ctx context.Context, req *message.Request) (*message.Response, error) {
		body := make(chan message.Chunk, 3)
		body <- message.Chunk{Bytes: []byte("partial")}
		body <- message.Chunk{Err: message.Errorf(protocol.ErrorCodeRateLimited, "mid-stream")}
		body <- message.Chunk{Bytes: []byte("never sent")}
		close(body)
		return &message.Response{Session: req.Session, Body: body}, nil
	}

	resp := ErrorMapping(codec.JSONCodec{})(handler)(context.Background(), newRequest(""))
	assert.True(t, resp.Kind.IsSuccess())

	var chunks []message.Chunk
	for c := range resp.Body {
		chunks = append(chunks, c)
	}
	require.Len(t, chunks, 2)
	assert.Equal(t, "partial", string(chunks[0].Bytes))

	var f *message.Failure
	require.ErrorAs(t, chunks[1].Err, &f)
	assert.Equal(t, protocol.ErrorCodeRateLimited, f.Code)

	wire, err := codec.JSONCodec{}.DecodeError(f.Payload)
	require.NoError(t, err)
	assert.Equal(t, "mid-stream", wire.Message)
}

func TestErrorMappingNilBody(t *testing.T) {
	handler := func(ctx context.Context, req *message.Request) (*message.Response, error) {
		return &message.Response{Session: req.Session}, nil
	}
	resp := ErrorMapping(nil)(handler)(context.Background(), newRequest(""))
	frames := sendAll(t, resp)
	require.Len(t, frames, 1)
	assert.True(t, frames[0].Begin().Kind.IsSuccess())
	assert.Empty(t, frames[0].Payload())
}
