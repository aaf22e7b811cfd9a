package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gpagliara/authgate/api"
	"github.com/gpagliara/authgate/internal/util"
	"github.com/gpagliara/authgate/remember"
)

const maintenanceInterval = 5 * time.Minute

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the authentication server",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration:\n%w", err)
		}
		logger, err := newLogger(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		repo, err := openRepository(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to open %s storage: %w", cfg.StorageBackend, err)
		}
		defer repo.Close()

		sessions, closeSessions, err := newSessionStore(ctx, cfg, logger)
		if err != nil {
			return fmt.Errorf("failed to create session store: %w", err)
		}
		defer closeSessions()

		tokens, err := newTokenService(cfg, repo, logger)
		if err != nil {
			return err
		}
		a, err := newAPI(cfg, repo, tokens, sessions, logger)
		if err != nil {
			return err
		}
		handler, err := newRouter(a)
		if err != nil {
			return err
		}

		janitor := remember.NewJanitor(tokens, cfg.SweepInterval, logger)
		janitor.Start(ctx)
		defer janitor.Stop()
		go runMaintenance(ctx, a)

		tlsConfig, err := loadTLSConfig(cmd)
		if err != nil {
			return err
		}

		server := &http.Server{
			Addr:              cfg.Addr,
			Handler:           handler,
			TLSConfig:         tlsConfig,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		done := make(chan error, 1)
		go func() {
			if err := server.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner(cmd.OutOrStdout())
		logger.Info("server started", "addr", cfg.Addr, "storage", cfg.StorageBackend, "sessions", cfg.SessionBackend)

		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

// runMaintenance drops stale rate-limit and session state until ctx ends.
func runMaintenance(ctx context.Context, a *api.API) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Sweep()
		}
	}
}

func loadTLSConfig(cmd *cobra.Command) (*tls.Config, error) {
	var cert tls.Certificate
	var err error
	if cfg.TLSCert != "" {
		cert, err = tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
	} else {
		cert, err = util.GenerateSelfSignedCert()
		if err != nil {
			return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
		}
		fmt.Fprintln(cmd.ErrOrStderr(), "Using self-signed runtime generated certificate for TLS")
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func init() {
	rootCmd.AddCommand(serverCmd)
}
