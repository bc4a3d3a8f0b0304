package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/relayctl/internal/transport"
	"github.com/danmuck/relayctl/internal/wire"
)

// Exchange pairs one received message with the request it answers.
// Notifications carry a nil Request. A pair with both fields nil is the
// stream-stop marker appended when the peer hangs up or breaks
// protocol.
type Exchange struct {
	Request  *wire.Request
	Response *wire.Message
}

// Sentinel reports the both-nil stop marker.
func (e Exchange) Sentinel() bool {
	return e.Request == nil && e.Response == nil
}

// Stats is a point-in-time session snapshot.
type Stats struct {
	Queued         int
	Pending        int
	ClosedRemotely bool
}

// Session drives one server conversation: callers queue requests, one
// writer drains them onto the transport, one reader demultiplexes
// replies against the pending table.
type Session struct {
	host    string
	tr      transport.Transport
	cfg     Config
	queue   *RequestQueue
	pending *PendingTable
	monitor *Monitor
	clock   func() time.Time

	closed         atomic.Bool
	closedRemotely atomic.Bool
	closeOnce      sync.Once
	closeErr       error
}

// New wraps an established transport. The session owns the transport
// from here on and closes it during Close.
func New(host string, tr transport.Transport, cfg Config) *Session {
	cfg = cfg.WithDefaults()
	return &Session{
		host:    host,
		tr:      tr,
		cfg:     cfg,
		queue:   NewRequestQueue(),
		pending: NewPendingTable(),
		monitor: NewMonitor(cfg),
		clock:   time.Now,
	}
}

func (s *Session) Host() string {
	return s.host
}

// QueueRequest stamps and stores one request for the writer.
func (s *Session) QueueRequest(method string, params []any, id int64) error {
	if s.closed.Load() {
		return ErrClosed
	}
	req := wire.NewRequest(id, method, params)
	if err := req.Validate(); err != nil {
		return err
	}
	s.queue.Enqueue(Entry{EnqueuedAt: s.clock(), Request: req})
	log.Debug().Str("server", s.host).Str("method", method).Int64("id", id).Msg("request queued")
	return nil
}

// SendNext sends the oldest queued request, blocking while the queue is
// empty. A transport write failure puts the request back at the queue
// head under its original stamp and reports a recoverable ErrTransport;
// the session stays open.
func (s *Session) SendNext(ctx context.Context) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}
	entry, err := s.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if err := s.tr.SendAll(ctx, []wire.Request{entry.Request}); err != nil {
		if errors.Is(err, transport.ErrClosed) {
			return false, ErrClosed
		}
		s.queue.Enqueue(entry)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}
		log.Warn().Str("server", s.host).Str("method", entry.Request.Method).
			Int64("id", entry.Request.ID).Err(err).Msg("send failed, request requeued")
		return false, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	if err := s.pending.Record(entry.Request); err != nil {
		return false, err
	}
	s.monitor.MarkSend(s.clock())
	log.Debug().Str("server", s.host).Str("method", entry.Request.Method).
		Int64("id", entry.Request.ID).Msg("request sent")
	return true, nil
}

// CollectResponses blocks for the next server message, then drains
// whatever the transport already buffered. Answered requests leave the
// pending table paired with their response; notifications pair with a
// nil request. The both-nil sentinel terminates the batch when the peer
// hangs up (nil error, ClosedRemotely set) or breaks protocol
// (ErrProtocolViolation).
func (s *Session) CollectResponses(ctx context.Context) ([]Exchange, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	var out []Exchange
	for {
		msg, err := s.tr.Receive(ctx)
		if err != nil {
			switch {
			case errors.Is(err, transport.ErrRemoteClosed):
				s.closedRemotely.Store(true)
				log.Warn().Str("server", s.host).Msg("connection closed by server")
				return append(out, Exchange{}), nil
			case errors.Is(err, wire.ErrMalformed):
				log.Warn().Str("server", s.host).Err(err).Msg("undecodable message")
				return append(out, Exchange{}), fmt.Errorf("%w: %w", ErrProtocolViolation, err)
			case errors.Is(err, transport.ErrClosed):
				return out, ErrClosed
			case ctx.Err() != nil:
				return out, ctx.Err()
			default:
				return out, fmt.Errorf("%w: %w", ErrTransport, err)
			}
		}
		if msg.IsNotification() {
			m := msg
			out = append(out, Exchange{Response: &m})
			log.Debug().Str("server", s.host).Str("method", msg.Method).Msg("notification received")
		} else {
			id := *msg.ID
			req, ok := s.pending.Pop(id)
			if !ok {
				log.Warn().Str("server", s.host).Int64("id", id).Msg("response with unknown id")
				return append(out, Exchange{}), fmt.Errorf("%w: unknown wire id %d", ErrProtocolViolation, id)
			}
			m := msg
			r := req
			out = append(out, Exchange{Request: &r, Response: &m})
			log.Debug().Str("server", s.host).Str("method", req.Method).Int64("id", id).Msg("response received")
		}
		if s.tr.Buffered() == 0 {
			return out, nil
		}
	}
}

// NumRequests reports how many queued requests may be sent now without
// pushing the in-flight count past the cap. Never negative.
func (s *Session) NumRequests() int {
	n := s.cfg.MaxInflight - s.pending.Count()
	if qs := s.queue.Size(); qs < n {
		n = qs
	}
	if n < 0 {
		n = 0
	}
	return n
}

// PingDue reports once per keepalive window that a ping should go out.
func (s *Session) PingDue() bool {
	return s.monitor.PingDue(s.clock())
}

// TimedOut reports a stalled session per the liveness rule.
func (s *Session) TimedOut() bool {
	timedOut := s.monitor.TimedOut(s.clock(), s.pending.Count(), s.tr.IdleTime())
	if timedOut {
		log.Warn().Str("server", s.host).Int("pending", s.pending.Count()).Msg("session timed out")
	}
	return timedOut
}

func (s *Session) ClosedRemotely() bool {
	return s.closedRemotely.Load()
}

func (s *Session) Stats() Stats {
	return Stats{
		Queued:         s.queue.Size(),
		Pending:        s.pending.Count(),
		ClosedRemotely: s.closedRemotely.Load(),
	}
}

// Outstanding lists in-flight requests, lowest id first.
func (s *Session) Outstanding() []wire.Request {
	return s.pending.List()
}

// Close tears the session down: the queue unblocks its consumer and
// the transport closes exactly once. Safe to call repeatedly.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.queue.Close()
		s.closeErr = s.tr.Close()
		log.Debug().Str("server", s.host).Msg("session closed")
	})
	return s.closeErr
}
