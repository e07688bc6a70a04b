package main

import (
	"bytes"
	"context"
	"io"

	"go.opentelemetry.io/otel/trace"

	"harpc/codec"
	"harpc/extensions"
	"harpc/message"
	"harpc/protocol"
	"harpc/server"
)

var echoService = protocol.ServiceDescriptor{ID: 0x0001, Version: protocol.ServiceVersion{Major: 1, Minor: 0}}

const (
	procEcho     protocol.ProcedureID = 1
	procDescribe protocol.ProcedureID = 2
)

const echoChunkSize = 32 * 1024

func registerEcho(s *server.Server) error {
	if err := s.Register(echoService, procEcho, echo); err != nil {
		return err
	}
	return s.Register(echoService, procDescribe, describe)
}

// echo streams the request body back as it arrives.
func echo(ctx context.Context, req *message.Request) (*message.Response, error) {
	body := make(chan message.Chunk)
	go func() {
		defer close(body)
		buf := make([]byte, echoChunkSize)
		for {
			n, err := req.Body.Read(buf)
			if n > 0 {
				select {
				case body <- message.Chunk{Bytes: bytes.Clone(buf[:n])}:
				case <-ctx.Done():
					return
				}
			}
			if err == io.EOF {
				return
			}
			if err != nil {
				select {
				case body <- message.Chunk{Err: err}:
				case <-ctx.Done():
				}
				return
			}
		}
	}()
	return &message.Response{Session: req.Session, Body: body, Extensions: extensions.New()}, nil
}

type description struct {
	Session string `json:"session"`
	Peer    string `json:"peer,omitempty"`
	TraceID string `json:"trace_id,omitempty"`
}

// describe reports what the server knows about the call.
func describe(_ context.Context, req *message.Request) (*message.Response, error) {
	d := description{Session: req.Session.String()}
	if p, ok := extensions.Get[server.Peer](req.Extensions); ok && p.Addr != nil {
		d.Peer = p.Addr.String()
	}
	if sc, ok := extensions.Get[trace.SpanContext](req.Extensions); ok && sc.HasTraceID() {
		d.TraceID = sc.TraceID().String()
	}
	payload, err := codec.JSONCodec{}.Encode(d)
	if err != nil {
		return nil, err
	}
	return message.NewResponse(req, payload), nil
}
