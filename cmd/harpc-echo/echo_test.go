package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"harpc/config"
	"harpc/transport"
)

// pipeClient serves one end of an in-memory pipe and returns a transport on the other.
func pipeClient(t *testing.T) *transport.ClientTransport {
	t.Helper()
	svr := newServer(config.Default(), zap.NewNop(), prometheus.NewRegistry())
	if err := registerEcho(svr); err != nil {
		t.Fatal(err)
	}

	serverConn, clientConn := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- svr.ServeConn(context.Background(), serverConn) }()

	ct := transport.NewClientTransport(clientConn)
	t.Cleanup(func() {
		ct.Close()
		<-done
	})
	return ct
}

func TestEchoStreamsBodyBack(t *testing.T) {
	ct := pipeClient(t)

	want := bytes.Repeat([]byte("harpc "), 40000)
	stream, err := ct.Call(context.Background(), echoService, procEcho, want)
	if err != nil {
		t.Fatal(err)
	}
	got, err := stream.Collect()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %d bytes, want %d", len(got), len(want))
	}
}

func TestDescribe(t *testing.T) {
	ct := pipeClient(t)

	first, err := ct.Call(context.Background(), echoService, procDescribe, nil)
	if err != nil {
		t.Fatal(err)
	}
	payload, err := first.Collect()
	if err != nil {
		t.Fatal(err)
	}
	var d description
	if err := json.Unmarshal(payload, &d); err != nil {
		t.Fatal(err)
	}
	if d.Session == "" {
		t.Fatalf("expected a session id")
	}
	if d.Peer != "pipe" {
		t.Fatalf("unexpected peer %q", d.Peer)
	}

	// Calls on the same connection share a session.
	second, err := ct.Call(context.Background(), echoService, procDescribe, nil)
	if err != nil {
		t.Fatal(err)
	}
	payload, err = second.Collect()
	if err != nil {
		t.Fatal(err)
	}
	var again description
	if err := json.Unmarshal(payload, &again); err != nil {
		t.Fatal(err)
	}
	if again.Session != d.Session {
		t.Fatalf("session changed from %s to %s", d.Session, again.Session)
	}
}
