// Package app wires configuration, storage, the IMAP pool and the caches into
// a running mail service and serves it over HTTP.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/ssabro/MailVista-sub002/internal/api"
	"github.com/ssabro/MailVista-sub002/internal/cache"
	"github.com/ssabro/MailVista-sub002/internal/config"
	"github.com/ssabro/MailVista-sub002/internal/db"
	"github.com/ssabro/MailVista-sub002/internal/imap"
	ws "github.com/ssabro/MailVista-sub002/internal/websocket"
)

const (
	maxWebSocketsPerAccount = 10
	shutdownTimeout         = 10 * time.Second
)

// App owns every long-lived component. Close releases them in dependency order.
type App struct {
	Config  *config.Config
	Logger  *logrus.Logger
	Repo    db.Repository
	Service *imap.Service
	Hub     *ws.Hub

	wsHandler *api.WebSocketHandler
	handler   http.Handler
}

// NewLogger builds the process logger: JSON in production, text otherwise.
func NewLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	if cfg.Environment == "production" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.WithField("log_level", cfg.LogLevel).Warn("Unknown log level, using info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	return logger
}

// Open connects the repository, restores the cache snapshot and builds the
// mail service. passwords may be nil when every account has an inline password.
func Open(ctx context.Context, cfg *config.Config, passwords imap.PasswordSource, logger *logrus.Logger) (*App, error) {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}

	repo, err := db.Open(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open repository: %w", err)
	}

	for _, account := range cfg.Accounts {
		if err := repo.EnsureAccount(ctx, account.Email); err != nil {
			_ = repo.Close()
			return nil, fmt.Errorf("failed to register account %s: %w", account.Email, err)
		}
	}

	store := cache.NewStore(cache.Options{
		MaxFoldersPerAccount: cfg.Cache.MaxFoldersPerAccount,
		MaxHeadersPerFolder:  cfg.Cache.MaxHeadersPerFolder,
		FilePath:             cfg.Cache.FilePath,
		PersistDebounce:      cfg.Cache.PersistDebounce,
		Sink:                 repo,
		SinkTimeout:          cfg.Cache.RepositoryWriteTimeout,
	}, logger)
	if err := store.Load(); err != nil {
		logger.WithError(err).WithField("path", cfg.Cache.FilePath).Warn("Failed to load cache snapshot, starting empty")
	}

	pool := imap.NewPool(imap.NewAccountDialer(cfg.Accounts, passwords), imap.PoolOptions{
		MaxPerAccount:  cfg.Pool.MaxConnectionsPerAccount,
		IdleTimeout:    cfg.Pool.IdleTimeout,
		AcquireTimeout: cfg.Pool.AcquireTimeout,
		SweepInterval:  cfg.Pool.SweepInterval,
	}, logger)

	searches := cache.NewSearchCache(cfg.Cache.SearchTTL, cfg.Cache.SearchMaxEntries, nil)

	svc := imap.NewService(pool, store, searches, imap.ServiceOptions{
		DefaultPageSize:     cfg.Cache.DefaultPageSize,
		MaxHeadersPerFolder: cfg.Cache.MaxHeadersPerFolder,
		Recorder:            repo,
	}, logger)

	hub := ws.NewHub(maxWebSocketsPerAccount, logger)
	wsHandler := api.NewWebSocketHandler(svc, hub, cfg, logger)

	a := &App{
		Config:    cfg,
		Logger:    logger,
		Repo:      repo,
		Service:   svc,
		Hub:       hub,
		wsHandler: wsHandler,
	}
	a.handler = NewRouter(cfg, svc, repo, wsHandler, logger)

	logger.WithFields(logrus.Fields{
		"accounts": len(cfg.Accounts),
		"driver":   cfg.DBDriver,
	}).Info("Mail service ready")

	return a, nil
}

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler {
	return a.handler
}

// Serve runs the HTTP API on addr until ctx is cancelled, then drains
// in-flight requests.
func (a *App) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.ListenAndServe()
	}()
	a.Logger.WithField("address", addr).Info("HTTP server listening")

	select {
	case err := <-serverErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	a.Logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Hijacked WebSocket connections are not tracked by Shutdown.
	a.Hub.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return nil
}

// Close stops IDLE listeners, closes every pooled IMAP session, flushes the
// cache snapshot and closes the repository.
func (a *App) Close() error {
	a.wsHandler.Shutdown()
	a.Hub.CloseAll()

	return errors.Join(a.Service.Close(), a.Repo.Close())
}
