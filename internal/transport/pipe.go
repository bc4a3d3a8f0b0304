package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/danmuck/relayctl/internal/wire"
)

const readBufferSize = 64 * 1024

// Pipe adapts one net.Conn to the Transport contract. Receive reads
// whole newline-terminated lines; both directions stamp activity for
// idle tracking.
type Pipe struct {
	conn   net.Conn
	reader *bufio.Reader
	cfg    Config

	clock func() time.Time

	mu           sync.Mutex
	lastActivity time.Time

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func NewPipe(conn net.Conn, cfg Config) *Pipe {
	p := &Pipe{
		conn:   conn,
		reader: bufio.NewReaderSize(conn, readBufferSize),
		cfg:    cfg.WithDefaults(),
		clock:  time.Now,
	}
	p.lastActivity = p.clock()
	return p
}

func (p *Pipe) SendAll(ctx context.Context, batch []wire.Request) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if len(batch) == 0 {
		return nil
	}
	payload, err := wire.EncodeBatch(batch)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline := time.Now().Add(p.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := p.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("transport: set write deadline failed: %w", err)
	}
	if _, err := p.conn.Write(payload); err != nil {
		if p.closed.Load() {
			return ErrClosed
		}
		return fmt.Errorf("transport: write failed: %w", err)
	}
	p.touch()
	return nil
}

func (p *Pipe) Receive(ctx context.Context) (wire.Message, error) {
	if p.closed.Load() {
		return wire.Message{}, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return wire.Message{}, err
	}
	// Clear any deadline a cancelled predecessor left behind, then arm
	// the unblock hook for this call's context.
	if err := p.conn.SetReadDeadline(time.Time{}); err != nil && !p.closed.Load() {
		return wire.Message{}, fmt.Errorf("transport: set read deadline failed: %w", err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = p.conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	line, err := p.reader.ReadBytes('\n')
	if err != nil {
		return wire.Message{}, p.mapReadError(ctx, err)
	}
	p.touch()
	if len(line) > p.cfg.MaxLineBytes {
		return wire.Message{}, fmt.Errorf("%w: line exceeds %d bytes", wire.ErrMalformed, p.cfg.MaxLineBytes)
	}
	return wire.DecodeMessage(line)
}

func (p *Pipe) mapReadError(ctx context.Context, err error) error {
	if p.closed.Load() || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return ErrClosed
	}
	if ctx.Err() != nil && errors.Is(err, os.ErrDeadlineExceeded) {
		return ctx.Err()
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, syscall.ECONNRESET) {
		return ErrRemoteClosed
	}
	return fmt.Errorf("transport: read failed: %w", err)
}

func (p *Pipe) Buffered() int {
	return p.reader.Buffered()
}

func (p *Pipe) IdleTime() time.Duration {
	p.mu.Lock()
	last := p.lastActivity
	p.mu.Unlock()
	return p.clock().Sub(last)
}

func (p *Pipe) Close() error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		p.closeErr = p.conn.Close()
	})
	return p.closeErr
}

func (p *Pipe) touch() {
	now := p.clock()
	p.mu.Lock()
	p.lastActivity = now
	p.mu.Unlock()
}
