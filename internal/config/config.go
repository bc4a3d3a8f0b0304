package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// RelayConfig is the file schema for one supervised upstream. Duration
// fields stay strings here; the cmd loader owns the runtime mapping.
type RelayConfig struct {
	Host               string          `toml:"host"`
	Address            string          `toml:"address"`
	OpsListenAddr      string          `toml:"ops_listen_addr"`
	OpsAuthToken       string          `toml:"ops_auth_token"`
	OpsCORSOrigins     []string        `toml:"ops_cors_origins"`
	MaxConnectAttempts int             `toml:"max_connect_attempts"`
	PollInterval       string          `toml:"poll_interval"`
	PingMethod         string          `toml:"ping_method"`
	PingInterval       string          `toml:"ping_interval"`
	StallAfter         string          `toml:"stall_after"`
	SecurityMode       string          `toml:"security_mode"`
	TLSEnabled         bool            `toml:"tls_enabled"`
	TLSMutual          bool            `toml:"tls_mutual"`
	TLSServerName      string          `toml:"tls_server_name"`
	TLSCAFile          string          `toml:"tls_ca_file"`
	TLSCertFile        string          `toml:"tls_cert_file"`
	TLSKeyFile         string          `toml:"tls_key_file"`
	Requests           []RequestConfig `toml:"requests"`
}

// RequestConfig is one startup request entry.
type RequestConfig struct {
	Method string `toml:"method"`
	Params []any  `toml:"params"`
}

// InspectorConfig is the file schema for the certificate diagnostics.
// CertsDir may be relative; it resolves against the config file's
// directory (see ResolveCertsDir).
type InspectorConfig struct {
	CertsDir string `toml:"certs_dir"`
}

func LoadRelayConfig(path string) (RelayConfig, error) {
	var cfg RelayConfig
	if err := loadToml(path, &cfg); err != nil {
		return RelayConfig{}, err
	}
	if cfg.PingMethod == "" {
		cfg.PingMethod = "server.version"
	}
	if err := ValidateRelayConfig(cfg); err != nil {
		return RelayConfig{}, err
	}
	return cfg, nil
}

func LoadInspectorConfig(path string) (InspectorConfig, error) {
	var cfg InspectorConfig
	if err := loadToml(path, &cfg); err != nil {
		return InspectorConfig{}, err
	}
	if cfg.CertsDir == "" {
		cfg.CertsDir = "certs"
	}
	if err := ValidateInspectorConfig(cfg); err != nil {
		return InspectorConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateRelayConfig(cfg RelayConfig) error {
	if strings.TrimSpace(cfg.Address) == "" {
		return fmt.Errorf("relay config missing address")
	}
	for _, field := range []struct {
		name  string
		value string
	}{
		{"poll_interval", cfg.PollInterval},
		{"ping_interval", cfg.PingInterval},
		{"stall_after", cfg.StallAfter},
	} {
		if err := validateDuration(field.name, field.value); err != nil {
			return err
		}
	}
	if cfg.TLSMutual && !cfg.TLSEnabled {
		return fmt.Errorf("relay config tls_mutual requires tls_enabled")
	}
	for i, req := range cfg.Requests {
		if strings.TrimSpace(req.Method) == "" {
			return fmt.Errorf("requests[%d] missing method", i)
		}
	}
	return nil
}

func ValidateInspectorConfig(cfg InspectorConfig) error {
	if strings.TrimSpace(cfg.CertsDir) == "" {
		return fmt.Errorf("inspector config missing certs_dir")
	}
	return nil
}

func validateDuration(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	if _, err := time.ParseDuration(strings.TrimSpace(value)); err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	return nil
}
