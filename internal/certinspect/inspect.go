// Package certinspect reads PEM certificates and reports expiry.
package certinspect

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Report is the inspection outcome for one host certificate. A failed
// parse fills Err and leaves Expired false; diagnostics degrade, they
// do not abort.
type Report struct {
	Host      string
	Expired   bool
	NameMatch bool
	NotBefore time.Time
	NotAfter  time.Time
	Err       string
}

// Inspect parses the first CERTIFICATE block in pemBytes and checks its
// validity window against now. Not-yet-valid counts as expired.
// NameMatch reports whether the certificate names cover host, since
// store files are laid out one host per file.
func Inspect(host string, pemBytes []byte, now time.Time) Report {
	report := Report{Host: host}
	block := findCertificateBlock(pemBytes)
	if block == nil {
		report.Err = "no certificate block"
		return report
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		report.Err = fmt.Sprintf("parse failed: %v", err)
		return report
	}
	report.NotBefore = cert.NotBefore
	report.NotAfter = cert.NotAfter
	report.Expired = now.Before(cert.NotBefore) || now.After(cert.NotAfter)
	report.NameMatch = certCoversHost(cert, host)
	return report
}

func certCoversHost(cert *x509.Certificate, host string) bool {
	names := cert.DNSNames
	if len(names) == 0 && cert.Subject.CommonName != "" {
		names = []string{cert.Subject.CommonName}
	}
	for _, pattern := range names {
		if MatchHostname(host, pattern) {
			return true
		}
	}
	return false
}

func findCertificateBlock(data []byte) *pem.Block {
	for {
		block, rest := pem.Decode(data)
		if block == nil {
			return nil
		}
		if block.Type == "CERTIFICATE" {
			return block
		}
		data = rest
	}
}

// InspectDir inspects every regular file in dir, one report per file,
// named by file base name, sorted by host. Unreadable or unparsable
// files produce degraded reports rather than failing the walk.
func InspectDir(dir string, now time.Time) ([]Report, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("certinspect: read dir failed (%s): %w", dir, err)
	}
	reports := make([]Report, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		host := entry.Name()
		data, err := os.ReadFile(filepath.Join(dir, host))
		if err != nil {
			reports = append(reports, Report{Host: host, Err: fmt.Sprintf("read failed: %v", err)})
			continue
		}
		reports = append(reports, Inspect(host, data, now))
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].Host < reports[j].Host })
	return reports, nil
}

// MatchHostname checks name against a certificate host pattern: exact
// match, or a leading "*." wildcard covering any dotted suffix match.
func MatchHostname(name, pattern string) bool {
	if pattern == name {
		return true
	}
	return strings.HasPrefix(pattern, "*.") && strings.HasSuffix(name, pattern[1:])
}
