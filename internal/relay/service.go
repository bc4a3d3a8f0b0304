package relay

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/relayctl/internal/observability"
	"github.com/danmuck/relayctl/internal/session"
	"github.com/danmuck/relayctl/internal/transport"
)

var (
	ErrInvalidPollInterval = errors.New("relay: invalid poll interval")
	ErrPingMethodRequired  = errors.New("relay: ping method required")
	ErrNotConnected        = errors.New("relay: no active session")
	ErrSessionStalled      = errors.New("relay: session stalled")
)

// RequestSpec is one configured request queued when a session comes up.
// Typical entries are the startup subscriptions a server conversation
// re-establishes after every reconnect.
type RequestSpec struct {
	Method string
	Params []any
}

// ServiceConfig configures one supervised server conversation.
type ServiceConfig struct {
	Host               string
	Address            string
	Session            session.Config
	MaxConnectAttempts int

	// PollInterval paces the health loop that checks PingDue and
	// TimedOut between send/collect wake-ups.
	PollInterval time.Duration
	PingMethod   string
	PingParams   []any

	StartupRequests []RequestSpec

	// OpsListenAddr enables the HTTP ops surface when non-empty.
	OpsListenAddr string
	// OpsAuthToken, when set, gates the session routes behind a bearer
	// token. Health and metrics stay open for probes and scrapers.
	OpsAuthToken string
	// OpsCORSOrigins lists browser origins allowed to call the ops
	// surface, for a dashboard fronting the relay.
	OpsCORSOrigins []string

	// OnExchange, when set, receives every demultiplexed exchange after
	// the built-in logging and metrics.
	OnExchange func(host string, ex session.Exchange)
}

// Service runtime defaults for one supervised session.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Session:      session.DefaultConfig(),
		PollInterval: time.Second,
		PingMethod:   "server.version",
		PingParams:   []any{"relayctl 0.1.0", "1.4"},
		StartupRequests: []RequestSpec{
			{Method: "blockchain.headers.subscribe"},
		},
	}
}

// Service supervises one session end to end: dial, pump queued
// requests, collect responses, watch liveness, reconnect with backoff.
type Service struct {
	cfg       ServiceConfig
	dialer    *Dialer
	handlers  *handlerSet
	startedAt time.Time

	mu   sync.RWMutex
	sess *session.Session

	nextID atomic.Int64
}

func NewService(cfg ServiceConfig) (*Service, error) {
	cfg.Session = cfg.Session.WithDefaults()
	dialer, err := NewDialer(DialerConfig{
		Host:               cfg.Host,
		Address:            cfg.Address,
		Session:            cfg.Session,
		MaxConnectAttempts: cfg.MaxConnectAttempts,
	})
	if err != nil {
		return nil, err
	}
	cfg.Host = dialer.Host()
	return &Service{
		cfg:       cfg,
		dialer:    dialer,
		handlers:  newHandlerSet(),
		startedAt: time.Now(),
	}, nil
}

// Run blocks until a process signal or an unrecoverable fault.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.RunContext(ctx)
}

func (s *Service) RunContext(ctx context.Context) error {
	if err := s.bootstrap(); err != nil {
		return err
	}
	return s.serve(ctx)
}

func (s *Service) bootstrap() error {
	if s.cfg.PollInterval <= 0 {
		return ErrInvalidPollInterval
	}
	if strings.TrimSpace(s.cfg.PingMethod) == "" {
		return ErrPingMethodRequired
	}
	observability.RegisterMetrics()
	log.Info().Str("server", s.cfg.Host).Str("addr", s.cfg.Address).
		Int("startup_requests", len(s.cfg.StartupRequests)).Msg("relay service ready")
	return nil
}

func (s *Service) serve(ctx context.Context) error {
	sessionErr := make(chan error, 1)
	opsErr := make(chan error, 1)

	go func() {
		sessionErr <- s.runSessionLoop(ctx)
	}()
	if strings.TrimSpace(s.cfg.OpsListenAddr) != "" {
		go func() {
			opsErr <- s.serveOps(ctx, s.cfg.OpsListenAddr)
		}()
	}

	select {
	case <-ctx.Done():
		log.Info().Str("server", s.cfg.Host).Msg("relay service shutdown")
		return nil
	case err := <-sessionErr:
		return err
	case err := <-opsErr:
		return err
	}
}

// runSessionLoop owns the connect / supervise / reconnect cycle. Each
// pass builds a fresh session, so unsent work from a torn-down session
// is gone; startup requests are re-queued on every connect.
func (s *Service) runSessionLoop(ctx context.Context) error {
	connectedOnce := false
	for {
		if ctx.Err() != nil {
			return nil
		}
		sess, err := s.dialer.Connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if connectedOnce {
			observability.RecordReconnect(s.cfg.Host)
		}
		connectedOnce = true
		s.setSession(sess)
		if err := s.queueStartupRequests(sess); err != nil {
			s.clearSessionIf(sess)
			return err
		}

		err = s.supervise(ctx, sess)
		s.clearSessionIf(sess)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			log.Warn().Str("server", s.cfg.Host).Err(err).Msg("session lost, reconnecting")
		}
	}
}

// supervise runs one session to its end: one sender task, one
// collector task, and the health poll. Whichever stops first tears the
// session down; the returned error says why.
func (s *Service) supervise(ctx context.Context, sess *session.Session) error {
	defer sess.Close()
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	loopErr := make(chan error, 2)
	go func() {
		loopErr <- s.runSendLoop(sctx, sess)
	}()
	go func() {
		loopErr <- s.runCollectLoop(sctx, sess)
	}()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sctx.Done():
			return nil
		case err := <-loopErr:
			return err
		case <-ticker.C:
			if err := s.pollHealth(sess); err != nil {
				return err
			}
		}
	}
}

func (s *Service) queueStartupRequests(sess *session.Session) error {
	for _, spec := range s.cfg.StartupRequests {
		id := s.nextID.Add(1)
		if err := sess.QueueRequest(spec.Method, spec.Params, id); err != nil {
			return fmt.Errorf("relay: queue startup request %s: %w", spec.Method, err)
		}
	}
	return nil
}

// runSendLoop drains the queue under admission control: per cycle it
// sends at most the current allowance, so the in-flight count stays
// under the session cap.
func (s *Service) runSendLoop(ctx context.Context, sess *session.Session) error {
	ticker := time.NewTicker(sendCycle)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		for n := sess.NumRequests(); n > 0; n-- {
			sent, err := sess.SendNext(ctx)
			if err != nil {
				switch {
				case errors.Is(err, session.ErrClosed) || ctx.Err() != nil:
					return nil
				case errors.Is(err, session.ErrTransport):
					// The request went back to the queue head; a failed
					// write means the conduit is suspect, so hand the
					// decision to the reconnect loop.
					return err
				default:
					log.Error().Str("server", s.cfg.Host).Err(err).Msg("send rejected")
				}
				break
			}
			if sent {
				observability.RecordRequestSent(s.cfg.Host)
			}
		}
	}
}

const sendCycle = 50 * time.Millisecond

// runCollectLoop blocks for server traffic and dispatches each batch.
// Protocol violations end the batch but not the session; transport
// faults and remote closure end the session.
func (s *Service) runCollectLoop(ctx context.Context, sess *session.Session) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		batch, err := sess.CollectResponses(ctx)
		if len(batch) > 0 {
			observability.ObserveCollectBatch(s.cfg.Host, len(batch))
		}
		for _, ex := range batch {
			s.dispatch(ex)
		}
		switch {
		case err == nil:
			if sess.ClosedRemotely() {
				return transport.ErrRemoteClosed
			}
		case errors.Is(err, session.ErrProtocolViolation):
			observability.RecordProtocolViolation(s.cfg.Host)
			log.Warn().Str("server", s.cfg.Host).Err(err).Msg("protocol violation")
		case errors.Is(err, session.ErrClosed) || ctx.Err() != nil:
			return nil
		default:
			return err
		}
	}
}

func (s *Service) pollHealth(sess *session.Session) error {
	stats := sess.Stats()
	observability.SetPendingRequests(s.cfg.Host, stats.Pending)

	if sess.PingDue() {
		id := s.nextID.Add(1)
		if err := sess.QueueRequest(s.cfg.PingMethod, s.cfg.PingParams, id); err != nil {
			return err
		}
		observability.RecordKeepalivePing(s.cfg.Host)
		log.Debug().Str("server", s.cfg.Host).Int64("id", id).Msg("keepalive queued")
	}
	if sess.TimedOut() {
		observability.RecordSessionTimeout(s.cfg.Host)
		return fmt.Errorf("%w: %d pending", ErrSessionStalled, stats.Pending)
	}
	return nil
}

func (s *Service) dispatch(ex session.Exchange) {
	switch {
	case ex.Sentinel():
		// Stream-stop marker; the collect loop already acted on it.
	case ex.Request == nil:
		observability.RecordMessageReceived(s.cfg.Host, true)
		log.Info().Str("server", s.cfg.Host).Str("method", ex.Response.Method).
			Msg("notification")
		if fn, ok := s.handlers.get(ex.Response.Method); ok {
			fn(ex)
		}
	default:
		observability.RecordMessageReceived(s.cfg.Host, false)
		if ex.Response.Failed() {
			log.Warn().Str("server", s.cfg.Host).Str("method", ex.Request.Method).
				Int64("id", ex.Request.ID).RawJSON("error", ex.Response.Error).
				Msg("request failed upstream")
		}
	}
	if s.cfg.OnExchange != nil {
		s.cfg.OnExchange(s.cfg.Host, ex)
	}
}

// Submit queues one caller request on the live session and returns the
// wire id assigned to it.
func (s *Service) Submit(method string, params []any) (int64, error) {
	sess := s.session()
	if sess == nil {
		return 0, ErrNotConnected
	}
	id := s.nextID.Add(1)
	if err := sess.QueueRequest(method, params, id); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *Service) setSession(sess *session.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess != nil && s.sess != sess {
		_ = s.sess.Close()
	}
	s.sess = sess
}

func (s *Service) clearSessionIf(target *session.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess != target {
		return
	}
	_ = s.sess.Close()
	s.sess = nil
}

func (s *Service) session() *session.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sess
}

// Connected reports whether a session is currently up.
func (s *Service) Connected() bool {
	return s.session() != nil
}
