// Package client calls HARPC services located through a registry.
//
// Invoke flow: Discover(svc) → drop instances whose breaker is open →
// Balancer.Pick → per-address breaker → transport pool → ClientTransport.Call
// → collect the response.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"harpc/codec"
	"harpc/loadbalance"
	"harpc/message"
	"harpc/protocol"
	"harpc/registry"
	"harpc/transport"
)

var ErrClientClosed = errors.New("client: closed")

// RemoteError is a failure response returned by a server.
type RemoteError struct {
	Code protocol.ErrorCode
	Wire *codec.WireError // nil if the payload could not be decoded
	Raw  []byte
}

func (e *RemoteError) Error() string {
	if e.Wire != nil && e.Wire.Message != "" {
		return fmt.Sprintf("remote %s: %s", e.Code, e.Wire.Message)
	}
	return fmt.Sprintf("remote %s", e.Code)
}

func (e *RemoteError) ErrorCode() protocol.ErrorCode { return e.Code }

// Default breaker settings.
const (
	defaultBreakerMaxFailures uint32        = 5
	defaultBreakerTimeout     time.Duration = 30 * time.Second
)

// BreakerConfig configures the per-instance circuit breaker. Only failures
// to reach an instance count: dial errors and lost connections. Failure
// responses from a server do not.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures before an instance
	// is skipped.
	MaxFailures uint32
	// Timeout is how long an instance is skipped before one probe call is
	// let through.
	Timeout time.Duration
}

type Client struct {
	registry registry.Registry // find service instances
	balancer loadbalance.Balancer
	decoder  codec.ErrorEncoder
	logger   *zap.Logger
	poolSize int
	dial     transport.DialFunc
	breaker  BreakerConfig

	mu        sync.Mutex
	instances map[string]*instance // keyed by address
	closed    bool
}

// instance is the client-side state of one server address.
type instance struct {
	pool    *transport.Pool
	breaker *gobreaker.CircuitBreaker[*transport.ResponseStream]
}

type Option func(*Client)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithPoolSize sets how many connections are kept per instance.
func WithPoolSize(n int) Option {
	return func(c *Client) { c.poolSize = n }
}

// WithErrorDecoder sets the decoder of failure payloads. Defaults to JSON.
func WithErrorDecoder(dec codec.ErrorEncoder) Option {
	return func(c *Client) {
		if dec != nil {
			c.decoder = dec
		}
	}
}

func WithDialer(dial transport.DialFunc) Option {
	return func(c *Client) { c.dial = dial }
}

// WithBreaker overrides the circuit breaker settings. Zero fields keep
// their defaults.
func WithBreaker(cfg BreakerConfig) Option {
	return func(c *Client) {
		if cfg.MaxFailures > 0 {
			c.breaker.MaxFailures = cfg.MaxFailures
		}
		if cfg.Timeout > 0 {
			c.breaker.Timeout = cfg.Timeout
		}
	}
}

func NewClient(reg registry.Registry, bal loadbalance.Balancer, opts ...Option) *Client {
	c := &Client{
		registry: reg,
		balancer: bal,
		decoder:  codec.JSONCodec{},
		logger:   zap.NewNop(),
		poolSize: 1,
		breaker: BreakerConfig{
			MaxFailures: defaultBreakerMaxFailures,
			Timeout:     defaultBreakerTimeout,
		},
		instances: make(map[string]*instance),
	}
	if c.balancer == nil {
		c.balancer = &loadbalance.RoundRobinBalancer{}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type affinityKey struct{}

// WithAffinity marks calls made with ctx as belonging to key. A keyed
// balancer sends all calls for one key to the same instance.
func WithAffinity(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, affinityKey{}, key)
}

func (c *Client) pick(ctx context.Context, instances []registry.Instance) (registry.Instance, error) {
	if key, ok := ctx.Value(affinityKey{}).(string); ok {
		if kb, ok := c.balancer.(loadbalance.KeyedBalancer); ok {
			return kb.PickKey(key, instances)
		}
	}
	return c.balancer.Pick(instances)
}

func (c *Client) instance(addr string) (*instance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClientClosed
	}
	inst, ok := c.instances[addr]
	if !ok {
		inst = &instance{
			pool:    transport.NewPool(addr, c.poolSize, c.dial, c.logger),
			breaker: c.newBreaker(addr),
		}
		c.instances[addr] = inst
	}
	return inst, nil
}

func (c *Client) newBreaker(addr string) *gobreaker.CircuitBreaker[*transport.ResponseStream] {
	maxFailures := c.breaker.MaxFailures
	return gobreaker.NewCircuitBreaker[*transport.ResponseStream](gobreaker.Settings{
		Name:        addr,
		MaxRequests: 1,
		Timeout:     c.breaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state change",
				zap.String("addr", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})
}

// available drops instances whose breaker is open. A closed client keeps
// the list as is and fails later.
func (c *Client) available(instances []registry.Instance) []registry.Instance {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]registry.Instance, 0, len(instances))
	for _, in := range instances {
		if inst, ok := c.instances[in.Addr]; ok && inst.breaker.State() == gobreaker.StateOpen {
			continue
		}
		out = append(out, in)
	}
	return out
}

// Stream starts a call on an instance serving svc and returns its response
// stream.
func (c *Client) Stream(ctx context.Context, svc protocol.ServiceDescriptor, proc protocol.ProcedureID, body []byte) (*transport.ResponseStream, error) {
	instances, err := c.registry.Discover(svc)
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", svc, err)
	}
	healthy := c.available(instances)
	if len(instances) > 0 && len(healthy) == 0 {
		return nil, fmt.Errorf("pick %s: %w", svc, gobreaker.ErrOpenState)
	}
	picked, err := c.pick(ctx, healthy)
	if err != nil {
		return nil, fmt.Errorf("pick %s: %w", svc, err)
	}

	inst, err := c.instance(picked.Addr)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("calling",
		zap.Stringer("service", svc),
		zap.Uint16("procedure", uint16(proc)),
		zap.String("addr", picked.Addr),
		zap.String("balancer", c.balancer.Name()))

	stream, err := inst.breaker.Execute(func() (*transport.ResponseStream, error) {
		t, err := inst.pool.Get(ctx)
		if err != nil {
			return nil, err
		}
		return t.Call(ctx, svc, proc, body)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("instance %s circuit open: %w", picked.Addr, err)
	}
	return stream, err
}

// Invoke calls proc of svc with body and returns the whole response body.
// A failure response is returned as a *RemoteError.
func (c *Client) Invoke(ctx context.Context, svc protocol.ServiceDescriptor, proc protocol.ProcedureID, body []byte) ([]byte, error) {
	stream, err := c.Stream(ctx, svc, proc, body)
	if err != nil {
		return nil, err
	}
	resp, err := stream.Collect()
	if err != nil {
		return nil, c.remoteError(err)
	}
	return resp, nil
}

// remoteError converts a failure into a *RemoteError; other errors pass through.
func (c *Client) remoteError(err error) error {
	var f *message.Failure
	if !errors.As(err, &f) {
		return err
	}
	remote := &RemoteError{Code: f.Code, Raw: f.Payload}
	wire, decErr := c.decoder.DecodeError(f.Payload)
	if decErr != nil {
		c.logger.Warn("undecodable failure payload", zap.Stringer("code", f.Code), zap.Error(decErr))
	} else {
		remote.Wire = wire
	}
	return remote
}

// Close closes every pooled connection.
func (c *Client) Close() error {
	c.mu.Lock()
	instances := c.instances
	c.instances = nil
	c.closed = true
	c.mu.Unlock()

	var err error
	for _, inst := range instances {
		err = multierr.Append(err, inst.pool.Close())
	}
	return err
}
