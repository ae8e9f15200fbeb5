// Command trakbridge bridges GPS and OSINT location providers to TAK servers.
// It polls configured provider streams, converts positions to Cursor-on-Target
// events, and delivers them over persistent TCP/TLS connections, exposing a
// management API for an external UI.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/trakbridge/trakbridge/internal/api"
	"github.com/trakbridge/trakbridge/internal/config"
	"github.com/trakbridge/trakbridge/internal/cotservice"
	"github.com/trakbridge/trakbridge/internal/manager"
	"github.com/trakbridge/trakbridge/internal/plugin"
	"github.com/trakbridge/trakbridge/internal/secret"
	"github.com/trakbridge/trakbridge/internal/store"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "/etc/trakbridge/config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	var crypt *store.FieldCrypt
	if cfg.EncryptionKey != "" {
		crypt, err = store.NewFieldCrypt(cfg.EncryptionKey)
		if err != nil {
			return err
		}
	} else {
		logger.Warn("no encryption key configured, plugin credentials stored in plaintext")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.DatabaseURL, crypt, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	// SQLite restricts the deployment to one process; the advisory lock
	// turns a second instance into a clean startup failure instead of a
	// corrupted database.
	if st.IsSQLite() {
		lock, err := store.AcquireLock(cfg.DataDir)
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	if token, created, err := st.Bootstrap(ctx); err != nil {
		return err
	} else if created {
		logger.Info("first-run bootstrap complete",
			slog.String("admin_token", secret.Mask(token)),
		)
		// The full token is printed to stdout exactly once.
		fmt.Printf("admin token: %s\n", token)
	}

	registry := plugin.NewRegistry(cfg.ExternalPlugins)

	cotSvc := cotservice.New(cotservice.Config{
		QueueCapacity:    cfg.Core.MaxQueueDepth,
		StaleFrameWindow: cfg.Core.StaleFrameWindow,
		BackoffBase:      cfg.Reconnect.BackoffBase,
		BackoffCap:       cfg.Reconnect.BackoffCap,
		Logger:           logger,
	}, st)

	mgr := manager.New(st, registry, cotSvc, cfg, logger)
	if err := mgr.StartAll(ctx); err != nil {
		mgr.Shutdown(context.Background())
		return err
	}

	apiSrv, err := buildAPI(cfg, st, mgr, cotSvc, registry, logger)
	if err != nil {
		mgr.Shutdown(context.Background())
		return err
	}

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           apiSrv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	httpErr := make(chan error, 1)
	go func() {
		logger.Info("management api listening", slog.String("addr", cfg.HTTPAddr))
		httpErr <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-httpErr:
		mgr.Shutdown(context.Background())
		return fmt.Errorf("http server: %w", err)
	}

	// Shutdown ordering: stop accepting requests, stop the data plane, then
	// close the store.
	shutCtx, cancel := context.WithTimeout(context.Background(), cfg.Core.ManagerGrace)
	defer cancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.Warn("http shutdown", slog.Any("error", err))
	}
	mgr.Shutdown(shutCtx)

	logger.Info("trakbridge stopped")
	return nil
}

// buildAPI wires the management API, loading the JWT verification key when
// one is configured.
func buildAPI(cfg *config.Config, st *store.Store, mgr *manager.Manager,
	cotSvc *cotservice.Service, registry *plugin.Registry, logger *slog.Logger) (*api.Server, error) {

	if cfg.JWTPublicKeyPath == "" {
		logger.Warn("management api authentication disabled")
		return api.New(st, mgr, cotSvc, registry, nil, logger), nil
	}

	key, err := api.LoadPublicKey(cfg.JWTPublicKeyPath)
	if err != nil {
		return nil, err
	}
	return api.New(st, mgr, cotSvc, registry, key, logger), nil
}

// newLogger builds the process-wide structured logger: JSON to stderr.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
