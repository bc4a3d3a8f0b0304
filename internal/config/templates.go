package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "relay":
		return relayTemplate, nil
	case "inspector":
		return inspectorTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const relayTemplate = `host = "electrum.example.org"
address = "electrum.example.org:50001"
ops_listen_addr = "127.0.0.1:7080"
ops_auth_token = ""
ops_cors_origins = []
max_connect_attempts = 0
poll_interval = "1s"
ping_method = "server.version"
ping_interval = "60s"
stall_after = "10s"
security_mode = "development"
tls_enabled = false
tls_mutual = false
tls_server_name = ""
tls_ca_file = ""
tls_cert_file = ""
tls_key_file = ""

[[requests]]
method = "server.banner"
params = []

[[requests]]
method = "blockchain.headers.subscribe"
params = []
`

const inspectorTemplate = `certs_dir = "certs"
`
