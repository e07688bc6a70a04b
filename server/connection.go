package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"harpc/codec"
	"harpc/extensions"
	"harpc/message"
	"harpc/middleware"
	"harpc/protocol"
	"harpc/transaction"
)

// Peer is stored in every request's extensions and names the remote end of
// the connection the request arrived on.
type Peer struct {
	Addr net.Addr
}

// Connection serves the calls multiplexed over one accepted connection.
//
//	readLoop (this goroutine) ──frames──► collection ──► per-call goroutines
//	                                                      │ Receiver → handler → Sender
//	writeLoop (one goroutine) ◄────────── QueueSink ◄─────┘
//
// The writer is the only goroutine that touches the outbound half of conn.
type Connection struct {
	cfg     Config
	conn    net.Conn
	session message.SessionID
	service middleware.ServiceFunc
	encoder codec.ErrorEncoder
	logger  *zap.Logger

	sink     *transaction.QueueSink
	calls    *collection
	wg       sync.WaitGroup
	drain    context.Context // done once the server stops taking new calls
	draining atomic.Bool
}

func newConnection(cfg Config, conn net.Conn, service middleware.ServiceFunc, enc codec.ErrorEncoder, logger *zap.Logger) *Connection {
	session := message.NewSessionID()
	return &Connection{
		cfg:     cfg,
		conn:    conn,
		session: session,
		service: service,
		encoder: enc,
		logger: logger.With(
			zap.Stringer("session", session),
			zap.Stringer("peer", conn.RemoteAddr()),
		),
		sink:  transaction.NewQueueSink(cfg.ResponseBufferSize),
		calls: newCollection(cfg.TransactionLimit, cfg.RequestBufferSize),
		drain: context.Background(),
	}
}

func (c *Connection) Session() message.SessionID { return c.session }

// Serve runs the connection until the peer closes its side, a fatal
// protocol or I/O error occurs, or ctx is cancelled. On a clean end of
// input every call in progress is allowed to finish before the connection
// is closed.
func (c *Connection) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Cancellation must unblock the read loop, which sits in conn.Read.
	stop := context.AfterFunc(ctx, func() { _ = c.conn.SetReadDeadline(time.Now()) })
	defer stop()
	// Draining stops reading but lets calls already in progress finish.
	stopDrain := context.AfterFunc(c.drain, func() {
		c.draining.Store(true)
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stopDrain()

	writerDone := make(chan error, 1)
	go func() { writerDone <- c.writeLoop(ctx, cancel) }()
	go c.gcLoop(ctx)

	c.logger.Debug("connection accepted")
	readErr := c.readLoop(ctx)
	if readErr != nil {
		c.logger.Warn("closing connection", zap.Error(readErr))
		cancel()
	}

	c.calls.shutdownSenders()
	c.wg.Wait()
	c.sink.Close()
	writeErr := <-writerDone

	err := multierr.Combine(readErr, writeErr, c.conn.Close())
	c.logger.Debug("connection closed")
	return err
}

func (c *Connection) readLoop(ctx context.Context) error {
	r := bufio.NewReaderSize(c.conn, protocol.HeaderSize+protocol.MaxPayloadSize)
	for {
		frame, err := protocol.ReadFrame(r)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil || c.draining.Load() {
				return nil
			}
			return err
		}

		req, err := protocol.DecodeRequest(codec.NewReader(frame))
		if err != nil {
			if protocol.IsFatal(err) {
				return err
			}
			c.logger.Warn("dropping malformed request frame", zap.Error(err))
			continue
		}
		c.route(ctx, req)
	}
}

func (c *Connection) route(ctx context.Context, req *protocol.Request) {
	id := req.Header.CallID
	if begin := req.Begin(); begin != nil {
		p, err := c.calls.acquire(ctx, id)
		if err != nil {
			c.logger.Warn("rejecting call", zap.Uint32("call_id", uint32(id)), zap.Error(err))
			c.respondError(ctx, id, message.Errorf(protocol.ErrorCodeConnectionTransactionLimit, "%v", err))
			return
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.runCall(p, begin)
		}()
	}

	if !c.calls.send(ctx, req) {
		c.logger.Debug("dropping frame for unknown call", zap.Uint32("call_id", uint32(id)))
	}
}

// runCall drives one call from its Begin frame to completion.
func (c *Connection) runCall(p *permit, begin *protocol.RequestBegin) {
	defer p.release()
	ctx := p.ctx
	logger := c.logger.With(zap.Uint32("call_id", uint32(p.id)))

	stream := transaction.NewStream(c.cfg.ChunkBufferSize)
	receiver := transaction.NewReceiver(p.id, stream, logger)

	var wg sync.WaitGroup
	wg.Go(func() {
		if err := receiver.Run(ctx, p.inbound); err != nil && ctx.Err() == nil {
			logger.Debug("request stream ended early", zap.Error(err))
		}
	})

	ext := extensions.New()
	extensions.Insert(ext, Peer{Addr: c.conn.RemoteAddr()})
	req := &message.Request{
		Service:    begin.Service,
		Procedure:  begin.Procedure,
		Session:    c.session,
		Body:       stream,
		Extensions: ext,
	}

	resp := c.service(ctx, req)
	sender := transaction.NewSender(p.id, c.sink,
		transaction.WithNoDelay(c.cfg.NoDelay),
		transaction.WithSenderLogger(logger))
	_ = sender.Run(ctx, resp.Body)

	// Request bytes the handler never read are discarded so the receiver
	// can reach the end of the request.
	for range stream.Chunks() {
	}
	wg.Wait()
}

// respondError answers a call that never reached a handler.
func (c *Connection) respondError(ctx context.Context, id protocol.CallID, err error) {
	f := middleware.Normalize(c.encoder, err)
	if sendErr := transaction.NewSender(id, c.sink).Fail(ctx, f.Code, f.Payload); sendErr != nil {
		c.logger.Warn("failed to send error response", zap.Uint32("call_id", uint32(id)), zap.Error(sendErr))
	}
}

func (c *Connection) writeLoop(ctx context.Context, cancel context.CancelFunc) error {
	w := bufio.NewWriterSize(c.conn, protocol.HeaderSize+protocol.MaxPayloadSize)
	frames := c.sink.Frames()

	write := func(resp *protocol.Response) error {
		if err := protocol.WriteResponse(w, resp); err != nil {
			return err
		}
		if len(frames) == 0 {
			return w.Flush()
		}
		return nil
	}

	for {
		select {
		case resp := <-frames:
			if err := write(resp); err != nil {
				cancel()
				return err
			}
		case <-c.sink.Closed():
			for {
				select {
				case resp := <-frames:
					if err := write(resp); err != nil {
						return err
					}
				default:
					return w.Flush()
				}
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Connection) gcLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := c.calls.gc(); n > 0 {
				c.logger.Debug("collected cancelled calls", zap.Int("count", n))
			}
		case <-ctx.Done():
			return
		}
	}
}
