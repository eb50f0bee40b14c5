package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/ccheshirecat/hostagent/internal/server/config"
	"github.com/ccheshirecat/hostagent/internal/server/db"
	"github.com/ccheshirecat/hostagent/internal/server/hostagent"
)

// App wires the config, journal store, engine, and HTTP transport.
type App struct {
	cfg          config.ServerConfig
	logger       *slog.Logger
	store        db.Store
	engine       hostagent.Engine
	httpServer   *http.Server
	shutdownWait time.Duration
}

// New constructs the daemon application. store may be nil when the journal
// is disabled.
func New(cfg config.ServerConfig, logger *slog.Logger, store db.Store, engine hostagent.Engine, mux http.Handler) (*App, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	if engine == nil {
		return nil, fmt.Errorf("engine must not be nil")
	}
	if mux == nil {
		mux = http.NewServeMux()
	}

	// WriteTimeout stays zero: start and stop commands block for minutes
	// and the event streams are long lived.
	httpServer := &http.Server{
		Addr:        cfg.APIListenAddr,
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	return &App{
		cfg:          cfg,
		logger:       logger,
		store:        store,
		engine:       engine,
		httpServer:   httpServer,
		shutdownWait: 15 * time.Second,
	}, nil
}

// Run starts the engine and HTTP server, blocking until context cancellation.
func (a *App) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", a.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.httpServer.Addr, err)
	}
	return a.Serve(ctx, listener)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, listener net.Listener) error {
	if err := a.engine.Start(ctx); err != nil {
		_ = listener.Close()
		a.closeStore(context.Background())
		return fmt.Errorf("start engine: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("api server listening", "addr", listener.Addr().String())
		if err := a.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		runErr = ctx.Err()
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownWait)
	defer cancel()
	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("http shutdown", "error", err)
	}
	if err := a.engine.Stop(shutdownCtx); err != nil {
		a.logger.Error("engine stop", "error", err)
	}
	a.closeStore(shutdownCtx)
	return runErr
}

func (a *App) closeStore(ctx context.Context) {
	if a.store == nil {
		return
	}
	if err := a.store.Close(ctx); err != nil {
		a.logger.Error("store close", "error", err)
	}
}
