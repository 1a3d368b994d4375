// Command aioqserver runs the AIOQ HTTP core as a standalone process:
// flag parsing, SIGINT/SIGTERM-triggered graceful shutdown, and the
// exit-code contract of spec.md §6 — 0 on clean shutdown, 1 on
// initialization failure. Grounded on original_source/src/main.cpp's
// signal_handler/try-catch shape, translated into the idiomatic Go
// os/signal.NotifyContext equivalent.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/s00inx/aioqserver/internal/config"
	"github.com/s00inx/aioqserver/internal/logging"
	"github.com/s00inx/aioqserver/server"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath = flag.String("config", "", "path to a TOML config file (optional)")
		listenPort = flag.Int("port", 0, "override the configured listen port (0 = use config/default)")
		staticRoot = flag.String("static-root", "", "override the configured static file root")
		logLevel   = flag.String("log-level", "info", "debug, info, warn, or error")
		logPretty  = flag.Bool("log-pretty", false, "use a human-readable console log instead of JSON lines")
	)
	flag.Parse()

	log := logging.New(os.Stderr, *logLevel, *logPretty)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error().Err(err).Msg("aioqserver: config load failed")
		return 1
	}
	if *listenPort != 0 {
		cfg.ListenPort = *listenPort
	}
	if *staticRoot != "" {
		cfg.StaticRoot = *staticRoot
	}

	srv, err := server.New(cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("aioqserver: initialization failed")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(os.Stderr, "aioqserver listening on %s:%d (press Ctrl+C to stop)\n", cfg.ListenAddr, cfg.ListenPort)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx) }()

	select {
	case <-ctx.Done():
		log.Info().Msg("aioqserver: shutdown signal received")
		srv.Stop()
		<-errCh
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("aioqserver: reactor exited with error")
			srv.Stop()
			return 1
		}
	}

	fmt.Fprintln(os.Stderr, "aioqserver: shut down cleanly")
	return 0
}
