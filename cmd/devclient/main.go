package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/devchannel/internal/devclient"
	"github.com/danmuck/devchannel/internal/observability"
	"github.com/danmuck/devchannel/internal/scripthost"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "", "path to devclient config.toml")
	module := flag.String("module", "", "module to load (overrides config)")
	eval := flag.String("eval", "", "script to run once the module is loaded")
	idle := flag.Bool("idle", false, "keep serving the server until it quits or SIGINT")
	flag.Parse()

	observability.InitLogger("devclient")
	cfg := defaultRunConfig()
	if *configPath != "" {
		loaded, err := loadRunConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "devclient: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *module != "" {
		cfg.Client.ModuleName = *module
	}
	if *eval != "" {
		cfg.Script = *eval
	}
	if *idle {
		cfg.Idle = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "devclient: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg runConfig) error {
	host, err := scripthost.New()
	if err != nil {
		return err
	}
	defer host.Close()

	client, err := devclient.NewClient(cfg.Client, host)
	if err != nil {
		return err
	}
	s, err := client.Connect(ctx)
	if err != nil {
		return err
	}
	log.Info().Msgf("devclient connected session=%s module=%q version=%d", s.ID(), s.ModuleName(), s.ProtocolVersion())

	if cfg.Script != "" {
		v, err := host.Run(s, cfg.Script)
		if err != nil {
			s.Quit()
			return err
		}
		fmt.Println(v.String())
	}
	if !cfg.Idle {
		s.Quit()
		return nil
	}
	if err := s.Idle(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
