// Package main provides the docprepd relay daemon.
//
// docprepd accepts conversion uploads over the marker wire protocol and
// forwards them to a configured backend, so several machines can share
// one conversion pipeline (and one API key).
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/raphaelgruber/docprep/internal/backend"
	"github.com/raphaelgruber/docprep/internal/config"
	"github.com/raphaelgruber/docprep/internal/convert"
	"github.com/raphaelgruber/docprep/internal/metrics"
	"github.com/raphaelgruber/docprep/internal/server"
	"github.com/raphaelgruber/docprep/internal/transport"
)

func main() {
	addr := flag.String("addr", "", "listen address (defaults to DOCPREP_LISTEN_ADDR)")
	backendFlag := flag.String("backend", "", "backend variant (defaults to DOCPREP_BACKEND)")
	flag.Parse()

	_ = godotenv.Load()
	cfg, err := config.LoadWithFile("")
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger, cleanup := config.SetupLogger(cfg.LogFile, cfg.LogLevel)
	defer func() {
		if err := cleanup(); err != nil {
			slog.Error("failed to close log file", "error", err)
		}
	}()
	slog.SetDefault(logger)

	listen := *addr
	if listen == "" {
		listen = cfg.ListenAddr
	}

	backendName := *backendFlag
	if backendName == "" {
		backendName = cfg.Backend
	}
	kind, err := backend.ParseKind(backendName)
	if err != nil {
		logger.Error("invalid backend", "error", err)
		os.Exit(1)
	}
	url := cfg.MarkerURL
	if kind == backend.KindDatalab {
		url = cfg.DatalabURL
	}

	b, err := backend.New(backend.Config{
		Kind:   kind,
		URL:    url,
		APIKey: cfg.APIKey,
		Timing: backend.Timing{
			InitialDelay: cfg.InitialDelay,
			PollInterval: cfg.PollInterval,
			MaxAttempts:  cfg.MaxAttempts,
		},
	}, transport.New())
	if err != nil {
		logger.Error("failed to configure backend", "error", err)
		os.Exit(1)
	}

	collector := metrics.NewCollector()
	conv := convert.NewConverter(b, convert.WithLogger(logger), convert.WithCollector(collector))
	srv := server.New(conv, collector, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx, listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}
