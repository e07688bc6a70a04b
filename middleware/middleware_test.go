package middleware

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"harpc/message"
	"harpc/protocol"
)

func newRequest(body string) *message.Request {
	return &message.Request{
		Service:   protocol.ServiceDescriptor{ID: 1, Version: protocol.ServiceVersion{Major: 1}},
		Procedure: 2,
		Session:   message.NewSessionID(),
		Body:      strings.NewReader(body),
	}
}

// echoHandler answers with the request body.
func echoHandler(ctx context.Context, req *message.Request) (*message.Response, error) {
	data, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	return message.NewResponse(req, data), nil
}

func readBody(t *testing.T, resp *message.Response) (string, error) {
	t.Helper()
	var sb strings.Builder
	for chunk := range resp.Body {
		if chunk.Err != nil {
			return sb.String(), chunk.Err
		}
		sb.Write(chunk.Bytes)
	}
	return sb.String(), nil
}

func TestLogging(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	handler := LoggingMiddleware(zap.New(core))(echoHandler)

	resp, err := handler(context.Background(), newRequest("ok"))
	if err != nil {
		t.Fatalf("expect no error, got %v", err)
	}
	if body, _ := readBody(t, resp); body != "ok" {
		t.Fatalf("expect payload 'ok', got '%s'", body)
	}
	if logs.FilterMessage("request handled").Len() != 1 {
		t.Fatalf("expect one debug entry, got %v", logs.All())
	}

	failing := LoggingMiddleware(zap.New(core))(func(context.Context, *message.Request) (*message.Response, error) {
		return nil, errors.New("boom")
	})
	if _, err := failing(context.Background(), newRequest("")); err == nil {
		t.Fatal("expect error to pass through")
	}
	if logs.FilterMessage("request failed").Len() != 1 {
		t.Fatalf("expect one warning entry")
	}
}

func TestRateLimit(t *testing.T) {
	// rate=1 per second, burst=2: the first two pass, the third is rejected
	handler := RateLimitMiddleware(1, 2)(echoHandler)

	for i := 0; i < 2; i++ {
		if _, err := handler(context.Background(), newRequest("")); err != nil {
			t.Fatalf("request %d should pass, got error: %v", i, err)
		}
	}

	_, err := handler(context.Background(), newRequest(""))
	var coder message.ErrorCoder
	if !errors.As(err, &coder) || coder.ErrorCode() != protocol.ErrorCodeRateLimited {
		t.Fatalf("request 3 should be rate limited, got: %v", err)
	}
}

func TestChain(t *testing.T) {
	var order []string
	trace := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *message.Request) (*message.Response, error) {
				order = append(order, name+".before")
				resp, err := next(ctx, req)
				order = append(order, name+".after")
				return resp, err
			}
		}
	}

	handler := Chain(trace("A"), trace("B"), LoggingMiddleware(nil))(echoHandler)
	resp, err := handler(context.Background(), newRequest("x"))
	if err != nil || resp == nil {
		t.Fatalf("expect response, got %v", err)
	}

	want := "A.before,B.before,B.after,A.after"
	if got := strings.Join(order, ","); got != want {
		t.Fatalf("execution order: got %s, want %s", got, want)
	}
}
