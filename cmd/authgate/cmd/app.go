package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.etcd.io/bbolt"

	"github.com/gpagliara/authgate/account"
	"github.com/gpagliara/authgate/api"
	"github.com/gpagliara/authgate/config"
	"github.com/gpagliara/authgate/crypto"
	"github.com/gpagliara/authgate/internal/logging"
	"github.com/gpagliara/authgate/remember"
	"github.com/gpagliara/authgate/storage"
	bboltstorage "github.com/gpagliara/authgate/storage/bbolt"
	"github.com/gpagliara/authgate/storage/memory"
	"github.com/gpagliara/authgate/storage/postgres"
	"github.com/gpagliara/authgate/storage/sqlite"
	"github.com/gpagliara/authgate/web"
)

func newLogger(c config.Config) (*slog.Logger, error) {
	return logging.New(os.Stderr, c.LogLevel, c.LogFormat)
}

// openRepository opens the record store selected by c.StorageBackend.
func openRepository(ctx context.Context, c config.Config) (storage.Repository, error) {
	switch c.StorageBackend {
	case config.BackendMemory:
		return memory.NewRepository(), nil
	case config.BackendBBolt:
		if err := os.MkdirAll(c.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		return bboltstorage.NewRepositoryFromFile(c.BBoltPath(), &bbolt.Options{Timeout: 5 * time.Second})
	case config.BackendSQLite:
		if err := os.MkdirAll(c.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		return sqlite.Open(ctx, c.SQLitePath())
	case config.BackendPostgres:
		return postgres.NewRepositoryFromDSN(ctx, c.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", c.StorageBackend)
	}
}

// newSessionStore returns the session store selected by c.SessionBackend
// and a function releasing it.
func newSessionStore(ctx context.Context, c config.Config, logger *slog.Logger) (api.SessionStore, func(), error) {
	switch c.SessionBackend {
	case config.SessionsBigCache:
		s, err := api.NewBigCacheSessionStore(ctx, 24*time.Hour, logger)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return api.NewMemorySessionStore(), func() {}, nil
	}
}

// newTokenService builds the remember-me service around the configured key.
func newTokenService(c config.Config, repo storage.TokenRepository, logger *slog.Logger) (*remember.Service, error) {
	cipher, err := crypto.NewCipherFromText(c.CipherKey)
	if err != nil {
		return nil, err
	}
	return remember.NewService(repo, cipher,
		remember.WithTTL(c.TokenTTL),
		remember.WithStoreTimeout(c.StoreTimeout),
		remember.WithLogger(logger),
	), nil
}

// newAPI wires the account and token services into the HTTP API.
func newAPI(c config.Config, repo storage.Repository, tokens *remember.Service, sessions api.SessionStore, logger *slog.Logger) (*api.API, error) {
	accounts, err := account.NewService(repo,
		account.WithStoreTimeout(c.StoreTimeout),
		account.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	proxies, err := c.TrustedProxyPrefixes()
	if err != nil {
		return nil, err
	}
	return api.New(accounts, tokens, repo,
		api.WithLogger(logger),
		api.WithSessionStore(sessions),
		api.WithSessionIdleTimeout(c.SessionIdleTimeout),
		api.WithTokenSessionIdleTimeout(c.TokenSessionIdleTimeout),
		api.WithStoreTimeout(c.StoreTimeout),
		api.WithTrustedProxies(proxies),
		api.WithAlertFunc(func(e api.AlertEvent) {
			logger.Warn("security alert", "type", e.Type, "message", e.Message, "count", e.Count, "threshold", e.Threshold)
		}),
	), nil
}

// newRouter assembles the full HTTP handler: health check, API under
// /api/v1 and the embedded pages, with the member pages behind the gate.
func newRouter(a *api.API) (http.Handler, error) {
	r := chi.NewRouter()
	r.Use(api.SecurityHeaders)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})

	r.Mount("/api/v1", a.Router())

	webHandler, err := web.Handler(a.RequireAuth)
	if err != nil {
		return nil, err
	}
	r.Handle("/*", webHandler)
	return r, nil
}
