package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/relayctl/internal/observability"
	"github.com/danmuck/relayctl/internal/relay"
	"github.com/danmuck/relayctl/internal/session"
)

func main() {
	configPath := flag.String("config", "", "path to relayctl config.toml")
	addr := flag.String("addr", "", "server address host:port (overrides config)")
	host := flag.String("host", "", "diagnostic server label (overrides config)")
	flag.Parse()

	observability.InitLogger("relayctl")

	cfg := relay.DefaultServiceConfig()
	if strings.TrimSpace(*configPath) != "" {
		loaded, err := loadServiceConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "relayctl: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if strings.TrimSpace(*addr) != "" {
		cfg.Address = strings.TrimSpace(*addr)
	}
	if strings.TrimSpace(*host) != "" {
		cfg.Host = strings.TrimSpace(*host)
	}

	svc, err := relay.NewService(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayctl: %v\n", err)
		os.Exit(1)
	}
	svc.Handle("blockchain.headers.subscribe", func(ex session.Exchange) {
		params := ex.Response.Params
		if len(params) == 0 {
			params = []byte("[]")
		}
		log.Info().RawJSON("params", params).Msg("new chain tip")
	})

	if err := svc.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "relayctl: %v\n", err)
		os.Exit(1)
	}
}
