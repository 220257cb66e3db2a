package ledgerbridge

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ledgerbridge/observability/logging"
	telemetry "ledgerbridge/observability/otel"
	"ledgerbridge/services/ledgerbridge/bridge"
	"ledgerbridge/services/ledgerbridge/config"
	"ledgerbridge/services/ledgerbridge/server"
)

// Main initialises and runs the bridge daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/ledgerbridge/config.yaml", "path to ledgerbridge configuration")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.SetupWithOptions("ledgerbridge", cfg.Environment, logging.Options{
		Level:      logging.ParseLevel(os.Getenv("LEDGERBRIDGE_LOG_LEVEL")),
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	logger.Info("configuration loaded", configSummary(cfg)...)
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.FromEnv("ledgerbridge", cfg.Environment))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	rt, err := OpenRuntime(context.Background(), cfg, logger, true)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	accounts, err := LoadAccounts(cfg.Accounts, logger)
	if err != nil {
		return err
	}
	if err := VerifyAccounts(context.Background(), rt.Resolver, accounts, logger); err != nil {
		return err
	}
	db, svc := rt.DB, rt.Bridge

	authenticator, err := server.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer, accounts)
	if err != nil {
		return fmt.Errorf("init auth: %w", err)
	}
	srv, err := server.New(server.Config{
		Bridge:        svc,
		Authenticator: authenticator,
		Limiter:       server.NewSubmitLimiter(cfg.Auth.SubmitRate, cfg.Auth.SubmitBurst),
		Metrics:       promhttp.Handler(),
		Health: func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("init server: %w", err)
	}

	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      srv.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Chain.SubmitTimeout.Duration + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweeper := bridge.NewSweeper(svc, cfg.Reconcile.SweepInterval.Duration, logger)
	go sweeper.Start(stopCtx)

	errs := make(chan error, 1)
	go func() {
		logger.Info("ledgerbridge listening",
			slog.String("address", cfg.ListenAddress),
			slog.Int("accounts", len(accounts.Usernames())),
			slog.String("policy", cfg.Reconcile.TransferPolicy))
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		log.Printf("ledgerbridge stopped")
		return nil
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// configSummary describes the loaded configuration without its secrets.
func configSummary(cfg config.Config) []any {
	return []any{
		slog.String("database_url", logging.RedactDSN(cfg.DatabaseURL)),
		slog.String("rpc_url", logging.RedactDSN(cfg.Chain.RPCURL)),
		slog.String("contract", cfg.Chain.ContractAddress),
		logging.Secret("jwt_secret", cfg.Auth.JWTSecret),
		slog.Int("accounts", len(cfg.Accounts)),
	}
}
