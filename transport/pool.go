package transport

// Pool keeps up to size multiplexed transports to one address. Transports
// are created lazily; once the pool is full, Get hands them out round-robin.
// A transport whose connection was lost is dropped and replaced on the next Get.

import (
	"context"
	"errors"
	"net"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var ErrPoolClosed = errors.New("transport: pool closed")

// DialFunc opens a connection to addr.
type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

func defaultDial(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

// Pool manages the transports to a single address.
type Pool struct {
	mu         sync.Mutex
	addr       string
	size       int
	dial       DialFunc
	logger     *zap.Logger
	transports []*ClientTransport
	next       int
	closed     bool
}

// NewPool creates a pool of at most size transports to addr. A nil dial
// uses TCP.
func NewPool(addr string, size int, dial DialFunc, logger *zap.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	if dial == nil {
		dial = defaultDial
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{addr: addr, size: size, dial: dial, logger: logger}
}

// Get returns a live transport, dialing a new one while the pool is below
// its size.
func (p *Pool) Get(ctx context.Context) (*ClientTransport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}

	// Drop transports whose connection was lost.
	live := p.transports[:0]
	for _, t := range p.transports {
		if err := t.Err(); err != nil {
			p.logger.Debug("dropping broken transport", zap.String("addr", p.addr), zap.Error(err))
			continue
		}
		live = append(live, t)
	}
	clear(p.transports[len(live):])
	p.transports = live

	if len(p.transports) < p.size {
		conn, err := p.dial(ctx, p.addr)
		if err != nil {
			return nil, err
		}
		t := NewClientTransport(conn, WithLogger(p.logger))
		p.transports = append(p.transports, t)
		return t, nil
	}

	t := p.transports[p.next%len(p.transports)]
	p.next++
	return t, nil
}

// Len is the number of transports currently held.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.transports)
}

// Close shuts down the pool and closes all transports.
func (p *Pool) Close() error {
	p.mu.Lock()
	transports := p.transports
	p.transports = nil
	p.closed = true
	p.mu.Unlock()

	var err error
	for _, t := range transports {
		err = multierr.Append(err, t.Close())
	}
	return err
}
