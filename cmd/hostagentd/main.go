package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/ccheshirecat/hostagent/internal/server/app"
	"github.com/ccheshirecat/hostagent/internal/server/config"
	"github.com/ccheshirecat/hostagent/internal/server/db"
	"github.com/ccheshirecat/hostagent/internal/server/db/sqlite"
	"github.com/ccheshirecat/hostagent/internal/server/eventbus/memory"
	"github.com/ccheshirecat/hostagent/internal/server/hostagent"
	"github.com/ccheshirecat/hostagent/internal/server/hostagent/executor"
	"github.com/ccheshirecat/hostagent/internal/server/hostagent/hypervisor/rpcclient"
	"github.com/ccheshirecat/hostagent/internal/server/hostagent/network"
	"github.com/ccheshirecat/hostagent/internal/server/hostagent/pool"
	"github.com/ccheshirecat/hostagent/internal/server/hostagent/retry"
	"github.com/ccheshirecat/hostagent/internal/server/httpapi"
	"github.com/ccheshirecat/hostagent/internal/shared/logging"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := logging.New("hostagentd")

	cfg, err := config.FromEnv()
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	var store db.Store
	if cfg.DatabasePath != "" {
		if cfg.DatabasePath != sqlite.MemoryPath {
			if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
				logger.Error("ensure database dir", "path", cfg.DatabasePath, "error", err)
				os.Exit(1)
			}
		}
		sqliteStore, err := sqlite.Open(ctx, cfg.DatabasePath)
		if err != nil {
			logger.Error("open database", "error", err)
			os.Exit(1)
		}
		store = sqliteStore
	} else {
		logger.Warn("command journal disabled")
	}

	httpClient := &http.Client{Timeout: 2 * time.Minute}
	hv, err := rpcclient.New(cfg.HypervisorURL, cfg.HypervisorToken, httpClient)
	if err != nil {
		logger.Error("init hypervisor client", "error", err)
		os.Exit(1)
	}
	dialer := &rpcclient.Dialer{Port: cfg.HypervisorPort, Token: cfg.HypervisorToken, HTTPClient: httpClient}

	bridges := network.Bridges{Guest: cfg.GuestBridge, Private: cfg.PrivateBridge, Public: cfg.PublicBridge}
	var resolver network.Resolver
	if cfg.BridgeCheck && runtime.GOOS == "linux" {
		resolver = network.NewBridgeResolver(bridges)
	} else {
		if cfg.BridgeCheck {
			logger.Warn("bridge check unavailable on this platform; using static bridge names")
		}
		resolver = network.NewStatic(bridges)
	}

	var repository *pool.Repository
	if cfg.PoolConfigured() {
		repository = &pool.Repository{
			PoolAlias:        cfg.PoolAlias,
			StorageType:      cfg.StorageType,
			Host:             cfg.StorageHost,
			Path:             cfg.StoragePath,
			PrimaryStorageID: cfg.PrimaryStorageID,
		}
	}

	events := memory.New()

	engine, err := hostagent.New(hostagent.Params{
		Client:           hv,
		Dialer:           dialer,
		Store:            store,
		Bus:              events,
		Logger:           logger,
		HostIP:           cfg.HostIP,
		OwnerID:          cfg.OwnerID,
		VirtualIP:        cfg.PoolVIP,
		Repository:       repository,
		SyncInterval:     cfg.SyncInterval,
		JournalRetention: cfg.JournalRetention,
		JournalSweep:     cfg.JournalSweep,
		Resolver:         resolver,
		Prober:           &executor.TCPProber{Port: cfg.ControlPort},
		SystemISO:        cfg.SystemISO,
		StopPolicy:       retry.Policy{Attempts: cfg.StopAttempts, Interval: cfg.StopInterval},
		ProbePolicy:      retry.Policy{Attempts: cfg.ProbeAttempts, Interval: cfg.ProbeInterval},
	})
	if err != nil {
		logger.Error("init engine", "error", err)
		os.Exit(1)
	}

	handler := httpapi.New(logger, engine, events, httpapi.Options{
		APIKey:     cfg.APIKey,
		AllowCIDRs: cfg.APIAllowCIDRs,
	})

	daemon, err := app.New(cfg, logger, store, engine, handler)
	if err != nil {
		logger.Error("init app", "error", err)
		os.Exit(1)
	}

	if err := daemon.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("daemon exit", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}
