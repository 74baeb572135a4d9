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

	"golang.org/x/sync/errgroup"

	"opsledger/approval"
	"opsledger/auth"
	"opsledger/config"
	"opsledger/db"
	"opsledger/ledger"
	"opsledger/logging"
	"opsledger/signing"
	"opsledger/telemetry"
)

const version = "0.1.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.ServiceName, cfg.LogLevel)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	tp, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()
	if _, err := db.Ready(ctx, pool); err != nil {
		return err
	}

	signer, err := newSigner(cfg.SigningKeySeed, logger)
	if err != nil {
		return err
	}

	store := ledger.NewStore(pool, ledger.NewRepository(), signer, ledger.WithLogger(logger))
	if err := store.RegisterSigningKey(ctx); err != nil {
		return err
	}
	approvals := approval.NewService(pool, approval.NewRepository(), store,
		approval.WithTTL(cfg.ApprovalTTL), approval.WithLogger(logger))
	authService := auth.NewService(auth.NewRepository(pool), cfg.JWTSecret)

	limiter := newVisitorLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	srv := &Server{
		ledger:     store,
		approvals:  approvals,
		auth:       authService,
		dualAuth:   cfg.DualAuthSet(),
		limiter:    limiter,
		trustProxy: cfg.TrustProxy,
		ready: func(ctx context.Context) error {
			_, err := db.Ready(ctx, pool)
			return err
		},
		logger: logger,
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		limiter.run(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info("listening", "addr", httpServer.Addr, "key_id", signer.KeyID(), "telemetry", tp.Enabled())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newSigner(seed string, logger *slog.Logger) (signing.Signer, error) {
	if seed != "" {
		return signing.NewEd25519SignerFromSeed(seed)
	}
	logger.Warn("SIGNING_KEY_SEED not set; using an ephemeral signing key, entries will only verify against this process's key")
	return signing.NewEd25519Signer()
}
