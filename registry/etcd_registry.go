package registry

// etcd is used as a "distributed phonebook" for services:
//
//	Key:   /harpc/services/{ServiceID}/{Major}/{Addr}
//	Value: JSON-encoded Instance (carries the minor version it serves)
//
// Registration uses TTL-based leases: if the server crashes, the lease expires
// and the entry is automatically removed, so no "ghost" instances remain.

import (
	"context"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"harpc/codec"
	"harpc/protocol"
)

const (
	keyPrefix      = "/harpc/services/"
	requestTimeout = 5 * time.Second
)

// EtcdRegistry implements the Registry interface using etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // thread-safe, shared across goroutines
	codec  codec.Codec
	logger *zap.Logger

	ctx    context.Context // bounds KeepAlive and Watch goroutines
	cancel context.CancelFunc

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // key -> lease, revoked on Deregister
}

type EtcdOption func(*EtcdRegistry)

func WithEtcdLogger(logger *zap.Logger) EtcdOption {
	return func(r *EtcdRegistry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewEtcdRegistry creates a new registry connected to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, opts ...EtcdOption) (*EtcdRegistry, error) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &EtcdRegistry{
		codec:  codec.JSONCodec{},
		logger: zap.NewNop(),
		ctx:    ctx,
		cancel: cancel,
		leases: make(map[string]clientv3.LeaseID),
	}
	for _, opt := range opts {
		opt(r)
	}

	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: requestTimeout,
		Logger:      r.logger.Named("etcd"),
	})
	if err != nil {
		cancel()
		return nil, err
	}
	r.client = c
	return r, nil
}

func servicePrefix(svc protocol.ServiceDescriptor) string {
	return fmt.Sprintf("%s%d/%d/", keyPrefix, svc.ID, svc.Version.Major)
}

// Register adds an instance of svc to etcd with a TTL lease.
//
// Flow:
//  1. Create a lease with the given TTL (e.g., 10 seconds)
//  2. Put the key-value pair with the lease attached
//  3. Start KeepAlive to automatically renew the lease
func (r *EtcdRegistry) Register(svc protocol.ServiceDescriptor, instance Instance, ttl int64) error {
	instance.Version = svc.Version
	val, err := r.codec.Encode(instance)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(r.ctx, requestTimeout)
	defer cancel()

	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("grant lease: %w", err)
	}

	key := servicePrefix(svc) + instance.Addr
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}

	// KeepAlive outlives this call, so it runs on the registry context.
	ch, err := r.client.KeepAlive(r.ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("keepalive: %w", err)
	}
	go func() {
		for range ch {
		}
		r.logger.Debug("lease keepalive stopped", zap.String("key", key))
	}()

	r.mu.Lock()
	r.leases[key] = lease.ID
	r.mu.Unlock()

	r.logger.Info("registered instance", zap.Stringer("service", svc), zap.String("addr", instance.Addr))
	return nil
}

// Deregister removes an instance from etcd and revokes its lease.
// Called during graceful shutdown before closing the listener.
func (r *EtcdRegistry) Deregister(svc protocol.ServiceDescriptor, addr string) error {
	ctx, cancel := context.WithTimeout(r.ctx, requestTimeout)
	defer cancel()

	key := servicePrefix(svc) + addr
	_, err := r.client.Delete(ctx, key)

	r.mu.Lock()
	lease, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()
	if ok {
		_, rerr := r.client.Revoke(ctx, lease)
		err = multierr.Append(err, rerr)
	}
	return err
}

// Discover returns all currently registered instances able to serve svc.
func (r *EtcdRegistry) Discover(svc protocol.ServiceDescriptor) ([]Instance, error) {
	ctx, cancel := context.WithTimeout(r.ctx, requestTimeout)
	defer cancel()

	resp, err := r.client.Get(ctx, servicePrefix(svc), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	instances := make([]Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance Instance
		if err := r.codec.Decode(kv.Value, &instance); err != nil {
			r.logger.Warn("skipping malformed registry entry", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, instance)
	}
	return compatible(svc, instances), nil
}

// Watch monitors the service prefix in etcd and emits the updated instance
// list whenever it changes. The channel is closed by Close.
func (r *EtcdRegistry) Watch(svc protocol.ServiceDescriptor) <-chan []Instance {
	ch := make(chan []Instance, 1)

	go func() {
		defer close(ch)
		for range r.client.Watch(r.ctx, servicePrefix(svc), clientv3.WithPrefix()) {
			// Re-fetch the full list rather than applying individual events.
			instances, err := r.Discover(svc)
			if err != nil {
				r.logger.Warn("discover after watch event", zap.Stringer("service", svc), zap.Error(err))
				continue
			}
			select {
			case ch <- instances:
			case <-r.ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Close stops every lease renewal and watch and closes the etcd client.
func (r *EtcdRegistry) Close() error {
	r.cancel()
	return r.client.Close()
}
