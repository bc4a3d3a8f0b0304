package config

import (
	"path/filepath"
	"strings"
)

// ResolveCertsDir turns the configured certificate-store path into the
// absolute directory the inspector walks. A relative certs_dir anchors
// at the config file's directory, so a config tree stays relocatable.
func ResolveCertsDir(configPath string, cfg InspectorConfig) string {
	dir := strings.TrimSpace(cfg.CertsDir)
	if filepath.IsAbs(dir) {
		return filepath.Clean(dir)
	}
	return filepath.Join(filepath.Dir(configPath), dir)
}

// StartupRequests maps configured request entries into method/params
// pairs, dropping empty methods and normalizing absent params.
func StartupRequests(entries []RequestConfig) []RequestConfig {
	out := make([]RequestConfig, 0, len(entries))
	for _, entry := range entries {
		method := strings.TrimSpace(entry.Method)
		if method == "" {
			continue
		}
		params := entry.Params
		if params == nil {
			params = []any{}
		}
		out = append(out, RequestConfig{Method: method, Params: params})
	}
	return out
}
