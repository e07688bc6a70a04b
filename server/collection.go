package server

import (
	"context"
	"errors"
	"sync"

	"harpc/protocol"
)

var errTransactionLimit = errors.New("server: connection transaction limit reached")

// entry is the routing state of one live call. Its inbound channel is only
// ever sent to and closed from the connection's read goroutine.
type entry struct {
	generation uint64
	ctx        context.Context
	cancel     context.CancelFunc
	inbound    chan *protocol.Request
	ended      bool // EndOfRequest routed, or inbound closed
}

// collection maps call ids to live calls. Each call holds one permit of the
// connection's concurrency limit until it finishes. Generations keep a call
// that was replaced under the same id from evicting its successor.
type collection struct {
	mu         sync.Mutex
	entries    map[protocol.CallID]*entry
	generation uint64
	permits    chan struct{}
	bufferSize int
}

func newCollection(limit, bufferSize int) *collection {
	return &collection{
		entries:    make(map[protocol.CallID]*entry),
		permits:    make(chan struct{}, limit),
		bufferSize: bufferSize,
	}
}

// permit is held by the goroutine running a call.
type permit struct {
	id         protocol.CallID
	generation uint64
	ctx        context.Context
	cancel     context.CancelFunc
	inbound    <-chan *protocol.Request
	owner      *collection
	once       sync.Once
}

// acquire registers a new call under id. A live call with the same id is
// cancelled and evicted first, whether or not the new call is admitted, so
// one id never has two calls answering it. Fails with errTransactionLimit
// when the connection is at capacity.
func (c *collection) acquire(parent context.Context, id protocol.CallID) (*permit, error) {
	c.mu.Lock()
	old := c.entries[id]
	delete(c.entries, id)
	c.mu.Unlock()
	if old != nil {
		old.cancel()
		if !old.ended {
			old.ended = true
			close(old.inbound)
		}
	}

	select {
	case c.permits <- struct{}{}:
	default:
		return nil, errTransactionLimit
	}

	ctx, cancel := context.WithCancel(parent)
	e := &entry{
		ctx:     ctx,
		cancel:  cancel,
		inbound: make(chan *protocol.Request, c.bufferSize),
	}

	c.mu.Lock()
	c.generation++
	e.generation = c.generation
	c.entries[id] = e
	c.mu.Unlock()

	return &permit{
		id:         id,
		generation: e.generation,
		ctx:        ctx,
		cancel:     cancel,
		inbound:    e.inbound,
		owner:      c,
	}, nil
}

// release removes the call if it has not been replaced, cancels its
// context and returns its permit. Safe to call more than once.
func (p *permit) release() {
	p.once.Do(func() {
		p.cancel()
		c := p.owner
		c.mu.Lock()
		if e, ok := c.entries[p.id]; ok && e.generation == p.generation {
			delete(c.entries, p.id)
		}
		c.mu.Unlock()
		<-c.permits
	})
}

// send routes req to its call. It reports false for frames with no live
// call to go to. It blocks while the call's inbound queue is full.
func (c *collection) send(ctx context.Context, req *protocol.Request) bool {
	c.mu.Lock()
	e, ok := c.entries[req.Header.CallID]
	c.mu.Unlock()
	if !ok || e.ended || e.ctx.Err() != nil {
		return false
	}

	select {
	case e.inbound <- req:
	case <-e.ctx.Done():
		return false
	case <-ctx.Done():
		return false
	}
	if req.Header.Flags.EndOfRequest() {
		e.ended = true
	}
	return true
}

// shutdownSenders closes the inbound side of every call. Calls still
// waiting for request frames observe a premature close.
func (c *collection) shutdownSenders() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if !e.ended {
			e.ended = true
			close(e.inbound)
		}
	}
}

// gc drops calls that were cancelled but have not released yet, so stray
// frames for them are treated as unknown.
func (c *collection) gc() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, e := range c.entries {
		if e.ctx.Err() != nil {
			delete(c.entries, id)
			n++
		}
	}
	return n
}

func (c *collection) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
