package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"e2ee-session/internal/config"
	"e2ee-session/internal/cryptocore"
	"e2ee-session/internal/directory"
	"e2ee-session/internal/observability/logging"
	"e2ee-session/internal/observability/metrics"
	"e2ee-session/internal/store"
	"e2ee-session/internal/tokens"
	httptransport "e2ee-session/internal/transport/http"

	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env", "error", err)
	}
	cfg := config.Load()

	logger := logging.NewLogger(logging.Config{
		ServiceName: "sessiond",
		Environment: cfg.Environment,
		Level:       cfg.LogLevel,
	})
	slog.SetDefault(logger)
	metrics.MustRegister("sessiond")

	db, err := store.Open(store.Config{DSN: cfg.DatabaseURL, LogSQL: cfg.LogLevel == "debug"})
	if err != nil {
		logger.Error("open database", "error", err)
		os.Exit(1)
	}
	if err := store.MigrateDirectory(db); err != nil {
		logger.Error("migrate database", "error", err)
		os.Exit(1)
	}

	if cfg.TokenSigningKey == "" {
		logger.Warn("TOKEN_SIGNING_KEY not set, using an ephemeral key")
	}
	signer, err := tokens.NewFromBase64(cfg.TokenSigningKey, cfg.TokenKeyID, cfg.TokenIssuer)
	if err != nil {
		logger.Error("load token signing key", "error", err)
		os.Exit(1)
	}

	gw, err := cryptocore.NewGateway(cryptocore.GatewayConfig{KEM: cfg.KEMScheme, DSA: cfg.DSAScheme})
	if err != nil {
		logger.Error("crypto gateway", "error", err)
		os.Exit(1)
	}

	svc := directory.New(store.New(db), gw, signer, cfg.TokenTTL)
	router := httptransport.NewRouter(svc, signer, httptransport.RouterConfig{
		CORSOrigins:             cfg.CORSOrigins,
		BundleRequestsPerMinute: cfg.BundleRateLimit,
	})
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("directory listening", "addr", srv.Addr, "issuer", cfg.TokenIssuer, "dsa", cfg.DSAScheme)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
	logger.Info("directory stopped")
}
