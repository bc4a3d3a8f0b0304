package transport

import (
	"context"
	"errors"
	"time"

	"github.com/danmuck/relayctl/internal/wire"
)

var (
	ErrClosed       = errors.New("transport: closed")
	ErrRemoteClosed = errors.New("transport: closed by remote")
)

const (
	DefaultMaxLineBytes = 1 << 20
	DefaultWriteTimeout = 15 * time.Second
)

// Transport is the duplex line stream a session drives. Implementations
// keep SendAll and Receive each safe for one concurrent caller.
type Transport interface {
	// SendAll writes the whole batch before returning.
	SendAll(ctx context.Context, batch []wire.Request) error
	// Receive blocks until the next line decodes or the stream ends.
	Receive(ctx context.Context) (wire.Message, error)
	// Buffered reports bytes already received but not yet consumed, so
	// callers can drain follow-up messages without blocking again.
	Buffered() int
	// IdleTime reports how long ago bytes last moved in either direction.
	IdleTime() time.Duration
	Close() error
}

// Config bounds one pipe. Zero values fall back to defaults.
type Config struct {
	MaxLineBytes int
	WriteTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxLineBytes: DefaultMaxLineBytes,
		WriteTimeout: DefaultWriteTimeout,
	}
}

func (c Config) WithDefaults() Config {
	if c.MaxLineBytes <= 0 {
		c.MaxLineBytes = DefaultMaxLineBytes
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	return c
}
