package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/ccheshirecat/hostagent/internal/hvsim/app"
	"github.com/ccheshirecat/hostagent/internal/hvsim/config"
	"github.com/ccheshirecat/hostagent/internal/server/hostagent/hypervisor/sim"
	"github.com/ccheshirecat/hostagent/internal/shared/logging"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := logging.New("hvsim")

	cfg, err := config.FromEnv()
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	hv := sim.New(cfg.Hostname, cfg.Address)
	for name, status := range cfg.Seed {
		hv.SetStatus(name, status)
	}
	if cfg.Token == "" {
		logger.Warn("running without a bearer token")
	}

	daemon := app.New(cfg, logger, sim.NewHandler(hv, cfg.Token))
	if err := daemon.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("daemon exit", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete", "addr", cfg.HTTPListen)
}
