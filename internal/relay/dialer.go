package relay

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/relayctl/internal/session"
	"github.com/danmuck/relayctl/internal/transport"
)

var (
	ErrAddressRequired = errors.New("relay: server address required")
	ErrTLSMaterial     = errors.New("relay: tls material unusable")
)

// DialerConfig describes one upstream endpoint. Host is the diagnostic
// label; it falls back to the host part of Address.
type DialerConfig struct {
	Host               string
	Address            string
	Session            session.Config
	MaxConnectAttempts int
}

// Dialer establishes transports to one server and wraps each in a
// fresh session.
type Dialer struct {
	cfg  DialerConfig
	host string
	rng  *rand.Rand
}

func NewDialer(cfg DialerConfig) (*Dialer, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, ErrAddressRequired
	}
	cfg.Session = cfg.Session.WithDefaults()
	if err := cfg.Session.ValidateClientTransport(); err != nil {
		return nil, err
	}
	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		if h, _, err := net.SplitHostPort(cfg.Address); err == nil {
			host = h
		} else {
			host = cfg.Address
		}
	}
	return &Dialer{
		cfg:  cfg,
		host: host,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

func (d *Dialer) Host() string {
	return d.host
}

// Connect dials until a session comes up, pacing attempts with the
// configured backoff. MaxConnectAttempts caps the loop; zero retries
// forever until the context ends.
func (d *Dialer) Connect(ctx context.Context) (*session.Session, error) {
	var attempt int
	for {
		attempt++
		conn, err := d.dial(ctx)
		if err == nil {
			pipe := transport.NewPipe(conn, transport.Config{
				MaxLineBytes: d.cfg.Session.MaxLineBytes,
				WriteTimeout: d.cfg.Session.WriteTimeout,
			})
			log.Info().Str("server", d.host).Str("addr", d.cfg.Address).Int("attempt", attempt).Msg("connected")
			return session.New(d.host, pipe, d.cfg.Session), nil
		}
		log.Warn().Str("server", d.host).Str("addr", d.cfg.Address).Int("attempt", attempt).Err(err).Msg("connect failed")
		if errors.Is(err, ErrTLSMaterial) || !d.shouldRetry(attempt) {
			return nil, err
		}
		if err := d.sleepBackoff(ctx, attempt); err != nil {
			return nil, err
		}
	}
}

func (d *Dialer) dial(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: d.cfg.Session.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", d.cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("relay: dial %s failed: %w", d.cfg.Address, err)
	}
	if !d.cfg.Session.TLS.Enabled {
		return rawConn, nil
	}

	tlsCfg, err := d.clientTLSConfig()
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	conn := tls.Client(rawConn, tlsCfg)
	handshakeCtx, cancel := context.WithTimeout(ctx, d.cfg.Session.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = rawConn.Close()
		return nil, fmt.Errorf("relay: tls handshake with %s failed: %w", d.cfg.Address, err)
	}
	return conn, nil
}

func (d *Dialer) clientTLSConfig() (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: d.cfg.Session.TLS.InsecureSkipVerify,
	}

	serverName := strings.TrimSpace(d.cfg.Session.TLS.ServerName)
	if serverName == "" {
		serverName = d.host
	}
	cfg.ServerName = serverName

	if caPath := strings.TrimSpace(d.cfg.Session.TLS.CAFile); caPath != "" {
		caPEM, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTLSMaterial, err)
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(caPEM); !ok {
			return nil, fmt.Errorf("%w: no certificates in %s", ErrTLSMaterial, caPath)
		}
		cfg.RootCAs = pool
	}

	if d.cfg.Session.TLS.Mutual {
		cert, err := tls.LoadX509KeyPair(d.cfg.Session.TLS.CertFile, d.cfg.Session.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTLSMaterial, err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

func (d *Dialer) shouldRetry(attempt int) bool {
	if d.cfg.MaxConnectAttempts <= 0 {
		return true
	}
	return attempt < d.cfg.MaxConnectAttempts
}

func (d *Dialer) sleepBackoff(ctx context.Context, attempt int) error {
	delay := session.NextBackoffDelay(d.cfg.Session.Backoff, attempt, d.rng)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
