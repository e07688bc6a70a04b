package server

import (
	"fmt"
	"time"
)

// Config tunes the per-connection transaction machinery.
type Config struct {
	// TransactionLimit caps concurrent calls per connection. Calls beyond it
	// are answered with ErrorCodeConnectionTransactionLimit.
	TransactionLimit int
	// RequestBufferSize is the inbound frame queue of one call.
	RequestBufferSize int
	// ResponseBufferSize is the outbound frame queue shared by all calls of a
	// connection and drained by its single writer.
	ResponseBufferSize int
	// ChunkBufferSize is the number of request payloads a handler may lag behind.
	ChunkBufferSize int
	// NoDelay flushes response bytes as soon as a handler yields them.
	NoDelay bool
	// GCInterval is how often cancelled calls are swept from a connection.
	GCInterval time.Duration
	// RegistryTTL is the lease TTL in seconds used when announcing services.
	RegistryTTL int64
}

func DefaultConfig() Config {
	return Config{
		TransactionLimit:   256,
		RequestBufferSize:  16,
		ResponseBufferSize: 64,
		ChunkBufferSize:    16,
		GCInterval:         10 * time.Second,
		RegistryTTL:        10,
	}
}

func (c Config) Validate() error {
	if c.TransactionLimit <= 0 {
		return fmt.Errorf("server config: transaction_limit must be positive, got %d", c.TransactionLimit)
	}
	if c.RequestBufferSize <= 0 || c.ResponseBufferSize <= 0 || c.ChunkBufferSize <= 0 {
		return fmt.Errorf("server config: buffer sizes must be positive")
	}
	if c.GCInterval <= 0 {
		return fmt.Errorf("server config: gc_interval must be positive, got %s", c.GCInterval)
	}
	return nil
}
