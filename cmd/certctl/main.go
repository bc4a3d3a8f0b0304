package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/danmuck/relayctl/internal/certinspect"
	"github.com/danmuck/relayctl/internal/config"
)

type options struct {
	certPath   string
	host       string
	dir        string
	configPath string
}

func main() {
	opts := parseFlags()
	if err := run(os.Stdout, opts); err != nil {
		fatalf("%v", err)
	}
}

func parseFlags() options {
	var opts options
	flag.StringVar(&opts.certPath, "cert", "", "PEM certificate file to inspect")
	flag.StringVar(&opts.host, "host", "", "host label for -cert (defaults to the file name)")
	flag.StringVar(&opts.dir, "dir", "", "certificate store directory to walk")
	flag.StringVar(&opts.configPath, "config", "", "inspector config with the certs_dir to walk")
	flag.Parse()
	return opts
}

func run(w io.Writer, opts options) error {
	now := time.Now()
	switch {
	case strings.TrimSpace(opts.certPath) != "":
		return inspectOne(w, opts, now)
	case strings.TrimSpace(opts.dir) != "":
		return inspectStore(w, strings.TrimSpace(opts.dir), now)
	case strings.TrimSpace(opts.configPath) != "":
		path := strings.TrimSpace(opts.configPath)
		cfg, err := config.LoadInspectorConfig(path)
		if err != nil {
			return err
		}
		return inspectStore(w, config.ResolveCertsDir(path, cfg), now)
	default:
		return fmt.Errorf("one of -cert, -dir, or -config is required")
	}
}

func inspectOne(w io.Writer, opts options, now time.Time) error {
	path := strings.TrimSpace(opts.certPath)
	host := strings.TrimSpace(opts.host)
	if host == "" {
		host = filepath.Base(path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read certificate: %w", err)
	}
	renderReport(w, certinspect.Inspect(host, data, now))
	return nil
}

func inspectStore(w io.Writer, dir string, now time.Time) error {
	reports, err := certinspect.InspectDir(dir, now)
	if err != nil {
		return err
	}
	for _, report := range reports {
		renderReport(w, report)
	}
	return nil
}

func renderReport(w io.Writer, r certinspect.Report) {
	fmt.Fprintf(w, "host: %s\n", r.Host)
	fmt.Fprintf(w, "has_expired: %v\n", r.Expired)
	if !r.NotAfter.IsZero() {
		fmt.Fprintf(w, "expires: %s\n", r.NotAfter.UTC().Format(time.RFC3339))
		fmt.Fprintf(w, "name_match: %v\n", r.NameMatch)
	}
	if r.Err != "" {
		fmt.Fprintf(w, "error: %s\n", r.Err)
	}
	fmt.Fprintln(w)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "certctl: "+format+"\n", args...)
	os.Exit(1)
}
