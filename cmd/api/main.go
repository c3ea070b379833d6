package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/botforge/platform/internal/app/migrate"
	"github.com/botforge/platform/internal/chainops"
	"github.com/botforge/platform/internal/docker"
	httpx "github.com/botforge/platform/internal/http"
	"github.com/botforge/platform/internal/instance"
	"github.com/botforge/platform/internal/ports"
	"github.com/botforge/platform/internal/repository/postgres"
	"github.com/botforge/platform/internal/service/deploy"
	tenantsvc "github.com/botforge/platform/internal/service/tenant"
	"github.com/botforge/platform/internal/service/treasury"
	"github.com/botforge/platform/internal/wallet"
	"github.com/botforge/platform/internal/workspace"
	"github.com/botforge/platform/internal/ws"
	"github.com/botforge/platform/pkg/config"
	"github.com/botforge/platform/pkg/logger"
)

func main() {
	cfg := config.Load()
	log := logger.New("api", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)

	dockerClient, err := docker.New(cfg.DockerHost)
	if err != nil {
		log.Error("failed to create docker client", "error", err)
		os.Exit(1)
	}
	defer dockerClient.Close()
	if err := dockerClient.Ping(ctx); err != nil {
		log.Error("docker daemon unreachable", "error", err)
		os.Exit(1)
	}

	allocator, err := ports.New(cfg.PortRangeStart, cfg.PortRangeEnd)
	if err != nil {
		log.Error("invalid port range", "error", err)
		os.Exit(1)
	}

	workspaces, err := workspace.New(cfg.DataRoot, cfg.SeedSealKey)
	if err != nil {
		log.Error("failed to prepare data root", "error", err)
		os.Exit(1)
	}

	walletClient := wallet.New(cfg.WalletServiceURL, cfg.WalletTimeout, cfg.WalletRetryMax, log)
	chainClient := chainops.New(cfg.ContractToolURL, cfg.ContractTimeout)

	launcher := instance.NewLauncher(dockerClient, workspaces, cfg, log)
	verifier := instance.NewVerifier(dockerClient, cfg.HealthMaxAttempts, cfg.HealthInterval, log)

	hub := ws.NewHub()

	var treasuryScheduler deploy.TreasuryScheduler
	if cfg.TreasuryEnabled {
		treasuryScheduler = treasury.NewService(repo, chainClient, walletClient, workspaces, treasury.Options{
			Network:       cfg.ChainNetwork,
			FundingAmount: cfg.FundingAmount,
			ConfirmWait:   cfg.FundingConfirmWait,
			PollEvery:     cfg.FundingPollEvery,
			Timeout:       cfg.TreasuryTimeout,
		}, log)
	} else {
		log.Info("treasury contract deployment disabled")
	}

	deploySvc := deploy.NewService(repo, repo, allocator, workspaces, walletClient,
		launcher, verifier, treasuryScheduler, hub, log)
	tenantSvc := tenantsvc.NewService(repo, repo, deploySvc, walletClient,
		launcher, allocator, workspaces, log)

	if err := tenantSvc.RestorePorts(ctx); err != nil {
		log.Error("failed to restore port bookkeeping", "error", err)
		os.Exit(1)
	}

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, tenantSvc, deploySvc, hub, limiter, pool.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
