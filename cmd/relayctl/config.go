package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/relayctl/internal/relay"
	"github.com/danmuck/relayctl/internal/session"
)

// relayctl config.toml key mapping to relay runtime settings.
type fileConfig struct {
	Host               string              `toml:"host"`
	Address            string              `toml:"address"`
	OpsListenAddr      string              `toml:"ops_listen_addr"`
	OpsAuthToken       string              `toml:"ops_auth_token"`
	OpsCORSOrigins     []string            `toml:"ops_cors_origins"`
	MaxConnectAttempts int                 `toml:"max_connect_attempts"`
	PollInterval       string              `toml:"poll_interval"`
	PollIntervalMS     int64               `toml:"poll_interval_ms"`
	PingMethod         string              `toml:"ping_method"`
	PingInterval       string              `toml:"ping_interval"`
	PingIntervalMS     int64               `toml:"ping_interval_ms"`
	StallAfter         string              `toml:"stall_after"`
	StallAfterMS       int64               `toml:"stall_after_ms"`
	ConnectTimeout     string              `toml:"connect_timeout"`
	HandshakeTimeout   string              `toml:"handshake_timeout"`
	WriteTimeout       string              `toml:"write_timeout"`
	MaxInflight        int                 `toml:"max_inflight"`
	MaxLineBytes       int                 `toml:"max_line_bytes"`
	SecurityMode       string              `toml:"security_mode"`
	TLSEnabled         bool                `toml:"tls_enabled"`
	TLSMutual          bool                `toml:"tls_mutual"`
	TLSServerName      string              `toml:"tls_server_name"`
	TLSCAFile          string              `toml:"tls_ca_file"`
	TLSCertFile        string              `toml:"tls_cert_file"`
	TLSKeyFile         string              `toml:"tls_key_file"`
	Requests           []fileRequestConfig `toml:"requests"`
}

// fileRequestConfig is one startup request queued per connect.
type fileRequestConfig struct {
	Method string `toml:"method"`
	Params []any  `toml:"params"`
}

// relayctl loader for TOML config with default overlay.
func loadServiceConfig(path string) (relay.ServiceConfig, error) {
	cfg := relay.DefaultServiceConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return relay.ServiceConfig{}, fmt.Errorf("load relay config: %w", err)
	}

	if meta.IsDefined("host") {
		cfg.Host = strings.TrimSpace(raw.Host)
	}
	if meta.IsDefined("address") {
		cfg.Address = strings.TrimSpace(raw.Address)
	}
	if meta.IsDefined("ops_listen_addr") {
		cfg.OpsListenAddr = strings.TrimSpace(raw.OpsListenAddr)
	}
	if meta.IsDefined("ops_auth_token") {
		cfg.OpsAuthToken = strings.TrimSpace(raw.OpsAuthToken)
	}
	if meta.IsDefined("ops_cors_origins") {
		cfg.OpsCORSOrigins = raw.OpsCORSOrigins
	}
	if meta.IsDefined("max_connect_attempts") {
		cfg.MaxConnectAttempts = raw.MaxConnectAttempts
	}

	if meta.IsDefined("poll_interval") {
		d, err := parseDurationField("poll_interval", raw.PollInterval)
		if err != nil {
			return relay.ServiceConfig{}, err
		}
		cfg.PollInterval = d
	}
	if meta.IsDefined("poll_interval_ms") {
		cfg.PollInterval = time.Duration(raw.PollIntervalMS) * time.Millisecond
	}

	if meta.IsDefined("ping_method") {
		cfg.PingMethod = strings.TrimSpace(raw.PingMethod)
	}
	if meta.IsDefined("ping_interval") {
		d, err := parseDurationField("ping_interval", raw.PingInterval)
		if err != nil {
			return relay.ServiceConfig{}, err
		}
		cfg.Session.PingInterval = d
	}
	if meta.IsDefined("ping_interval_ms") {
		cfg.Session.PingInterval = time.Duration(raw.PingIntervalMS) * time.Millisecond
	}
	if meta.IsDefined("stall_after") {
		d, err := parseDurationField("stall_after", raw.StallAfter)
		if err != nil {
			return relay.ServiceConfig{}, err
		}
		cfg.Session.StallAfter = d
	}
	if meta.IsDefined("stall_after_ms") {
		cfg.Session.StallAfter = time.Duration(raw.StallAfterMS) * time.Millisecond
	}
	if meta.IsDefined("connect_timeout") {
		d, err := parseDurationField("connect_timeout", raw.ConnectTimeout)
		if err != nil {
			return relay.ServiceConfig{}, err
		}
		cfg.Session.ConnectTimeout = d
	}
	if meta.IsDefined("handshake_timeout") {
		d, err := parseDurationField("handshake_timeout", raw.HandshakeTimeout)
		if err != nil {
			return relay.ServiceConfig{}, err
		}
		cfg.Session.HandshakeTimeout = d
	}
	if meta.IsDefined("write_timeout") {
		d, err := parseDurationField("write_timeout", raw.WriteTimeout)
		if err != nil {
			return relay.ServiceConfig{}, err
		}
		cfg.Session.WriteTimeout = d
	}

	if meta.IsDefined("max_inflight") {
		cfg.Session.MaxInflight = raw.MaxInflight
	}
	if meta.IsDefined("max_line_bytes") {
		cfg.Session.MaxLineBytes = raw.MaxLineBytes
	}

	if meta.IsDefined("security_mode") {
		cfg.Session.SecurityMode = session.SecurityMode(strings.TrimSpace(raw.SecurityMode))
	}
	if meta.IsDefined("tls_enabled") {
		cfg.Session.TLS.Enabled = raw.TLSEnabled
	}
	if meta.IsDefined("tls_mutual") {
		cfg.Session.TLS.Mutual = raw.TLSMutual
	}
	if meta.IsDefined("tls_server_name") {
		cfg.Session.TLS.ServerName = strings.TrimSpace(raw.TLSServerName)
	}
	if meta.IsDefined("tls_ca_file") {
		cfg.Session.TLS.CAFile = strings.TrimSpace(raw.TLSCAFile)
	}
	if meta.IsDefined("tls_cert_file") {
		cfg.Session.TLS.CertFile = strings.TrimSpace(raw.TLSCertFile)
	}
	if meta.IsDefined("tls_key_file") {
		cfg.Session.TLS.KeyFile = strings.TrimSpace(raw.TLSKeyFile)
	}

	if meta.IsDefined("requests") {
		cfg.StartupRequests = normalizeRequests(raw.Requests)
	}

	cfg.Session = cfg.Session.WithDefaults()
	return cfg, nil
}

func parseDurationField(name, value string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	return d, nil
}

func normalizeRequests(in []fileRequestConfig) []relay.RequestSpec {
	out := make([]relay.RequestSpec, 0, len(in))
	for _, req := range in {
		method := strings.TrimSpace(req.Method)
		if method == "" {
			continue
		}
		params := req.Params
		if params == nil {
			params = []any{}
		}
		out = append(out, relay.RequestSpec{Method: method, Params: params})
	}
	return out
}
