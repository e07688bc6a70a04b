// Package server implements the HARPC server: service registration, the
// middleware pipeline, per-connection call multiplexing and graceful shutdown.
//
// Request processing pipeline:
//
//	Accept conn → Connection.Serve (single goroutine reads frames)
//	  → Begin frame: acquire a call slot, go runCall
//	    → Receiver (frames → Stream) ‖ ErrorMapping(Chain(middlewares...)(Router.Dispatch)) → Sender
//	      → QueueSink → single writer goroutine → conn
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"harpc/codec"
	"harpc/middleware"
	"harpc/protocol"
	"harpc/registry"
)

// Server is the RPC server that registers procedures and serves connections.
type Server struct {
	cfg         Config
	logger      *zap.Logger
	encoder     codec.ErrorEncoder
	router      *Router
	middlewares []middleware.Middleware // applied in order, first outermost
	buildOnce   sync.Once
	service     middleware.ServiceFunc // ErrorMapping(Chain(middlewares...)(router.Dispatch))

	ctx    context.Context // parent of every connection
	cancel context.CancelFunc
	drain  context.Context // done when Shutdown starts
	stop   context.CancelFunc

	mu            sync.Mutex
	listener      net.Listener
	registry      registry.Registry // nil if not using discovery
	advertiseAddr string            // address registered in etcd; differs from the listen address
	wg            sync.WaitGroup    // live connections
	shutdown      atomic.Bool       // suppresses the Accept error caused by Shutdown
}

type Option func(*Server)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithErrorEncoder sets the encoder of failure payloads. Defaults to JSON.
func WithErrorEncoder(enc codec.ErrorEncoder) Option {
	return func(s *Server) {
		if enc != nil {
			s.encoder = enc
		}
	}
}

func NewServer(cfg Config, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	drain, stop := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg,
		logger:  zap.NewNop(),
		encoder: codec.JSONCodec{},
		router:  NewRouter(),
		ctx:     ctx,
		cancel:  cancel,
		drain:   drain,
		stop:    stop,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register binds a handler to one procedure of a service.
func (s *Server) Register(svc protocol.ServiceDescriptor, proc protocol.ProcedureID, h middleware.HandlerFunc) error {
	return s.router.Register(svc, proc, h)
}

// Use registers a middleware. Middlewares must be added before serving starts.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// handler builds the pipeline once, on first use.
func (s *Server) handler() middleware.ServiceFunc {
	s.buildOnce.Do(func() {
		s.service = middleware.ErrorMapping(s.encoder)(middleware.Chain(s.middlewares...)(s.router.Dispatch))
	})
	return s.service
}

// Serve listens on address and serves until Shutdown. advertiseAddr is what
// gets announced to reg; pass a nil reg to skip discovery.
func (s *Server) Serve(network, address, advertiseAddr string, reg registry.Registry) error {
	l, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return s.ServeListener(l, advertiseAddr, reg)
}

// ServeListener is Serve on an existing listener.
func (s *Server) ServeListener(l net.Listener, advertiseAddr string, reg registry.Registry) error {
	if err := s.cfg.Validate(); err != nil {
		_ = l.Close()
		return err
	}
	s.handler()

	s.mu.Lock()
	s.listener = l
	s.advertiseAddr = advertiseAddr
	s.registry = reg
	s.mu.Unlock()

	if reg != nil {
		for _, svc := range s.router.Services() {
			if err := reg.Register(svc, registry.Instance{Addr: advertiseAddr, Weight: 1}, s.cfg.RegistryTTL); err != nil {
				_ = l.Close()
				return fmt.Errorf("register %s: %w", svc, err)
			}
		}
	}

	s.logger.Info("serving", zap.Stringer("addr", l.Addr()))
	for {
		conn, err := l.Accept()
		if err != nil {
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.ServeConn(s.ctx, conn); err != nil {
				s.logger.Debug("connection ended with error", zap.Error(err))
			}
		}()
	}
}

// ServeConn serves a single established connection until it ends. An
// invalid Config closes conn and is returned without serving.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) error {
	if err := s.cfg.Validate(); err != nil {
		_ = conn.Close()
		return err
	}
	c := newConnection(s.cfg, conn, s.handler(), s.encoder, s.logger)
	c.drain = s.drain
	return c.Serve(ctx)
}

// Shutdown performs graceful shutdown:
//  1. Deregister all services (clients stop routing to this server)
//  2. Close the listener (stop accepting new connections)
//  3. Stop reading on every connection and wait for calls in progress to
//     flush their responses, up to timeout
//  4. Cancel whatever is still running
func (s *Server) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	l, reg, addr := s.listener, s.registry, s.advertiseAddr
	s.mu.Unlock()

	var err error
	if reg != nil {
		for _, svc := range s.router.Services() {
			err = multierr.Append(err, reg.Deregister(svc, addr))
		}
	}

	s.shutdown.Store(true)
	s.stop()
	if l != nil {
		if cerr := l.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, cerr)
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return err
	case <-time.After(timeout):
		s.cancel()
		<-done
		return multierr.Append(err, fmt.Errorf("timeout waiting for connections to finish"))
	}
}
