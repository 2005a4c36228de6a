// pplx gateway - search dispatch server over a pool of provisioned identities
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/ashureev/pplx/internal/api"
	"github.com/ashureev/pplx/internal/config"
	"github.com/ashureev/pplx/internal/domain"
	"github.com/ashureev/pplx/internal/identity"
	"github.com/ashureev/pplx/internal/middleware"
	"github.com/ashureev/pplx/internal/pool"
	"github.com/ashureev/pplx/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting gateway", "port", cfg.Port, "transport", cfg.AskTransport, "dev", cfg.IsDevelopment())

	var ledger store.Ledger
	if cfg.LedgerPath != "" {
		ledger, err = store.NewSQLite(cfg.LedgerPath)
		if err != nil {
			slog.Error("Failed to initialize ledger", "error", err)
			os.Exit(1)
		}
		defer func() {
			if closeErr := ledger.Close(); closeErr != nil {
				slog.Error("Failed to close ledger", "error", closeErr)
			}
		}()

		if err := ledger.Ping(context.Background()); err != nil {
			slog.Error("Ledger health check failed", "error", err)
			os.Exit(1)
		}
	}

	mailboxCookies, err := loadCookies(cfg.MailboxCookiesFile)
	if err != nil {
		slog.Error("Failed to load mailbox cookies", "error", err)
		os.Exit(1)
	}

	p := pool.New(cfg, domain.MailboxCredentials{Cookies: mailboxCookies}, ledger, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.SessionCookiesFile != "" {
		sessionCookies, err := loadCookies(cfg.SessionCookiesFile)
		if err != nil {
			slog.Error("Failed to load session cookies", "error", err)
			os.Exit(1)
		}
		owned, err := identity.New(ctx, cfg, domain.Credentials{Cookies: sessionCookies}, logger)
		if err != nil {
			slog.Error("Failed to open owned identity", "error", err)
			os.Exit(1)
		}
		p.Add(owned)
		slog.Info("Owned identity added to pool")
	}

	if len(mailboxCookies) > 0 {
		p.Start(ctx)
		slog.Info("Provisioning started",
			"workers", cfg.ProvisionWorkers,
			"premium_target", cfg.PoolPremiumTarget,
			"upload_target", cfg.PoolUploadTarget)
	} else {
		slog.Info("No mailbox cookies, provisioning disabled")
	}
	defer p.Stop()

	handler := api.NewHandler(p, ledger, logger)

	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS([]string{"*"}))

	handler.RegisterRoutes(r)

	// Note: streamed search responses require long timeouts (no WriteTimeout).
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

// loadCookies reads a flat name-to-value JSON object. An empty path yields
// an empty map.
func loadCookies(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cookies map[string]string
	if err := json.Unmarshal(data, &cookies); err != nil {
		return nil, err
	}
	return cookies, nil
}
