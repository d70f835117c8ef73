package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/danmuck/devchannel/internal/codeserver"
	"github.com/danmuck/devchannel/internal/observability"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "", "path to codeserver config.toml (defaults when empty)")
	flag.Parse()

	observability.InitLogger("codeserver")
	cfg := codeserver.DefaultServiceConfig()
	if *configPath != "" {
		loaded, err := loadServiceConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "codeserver: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	reg := demoRegistry()
	log.Info().Msgf("codeserver modules=%v listen=%q admin=%q", reg.Modules(), cfg.ListenAddr, cfg.AdminListenAddr)
	svc := codeserver.NewServiceWithConfig(cfg, reg)
	if err := svc.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "codeserver: %v\n", err)
		os.Exit(1)
	}
}
