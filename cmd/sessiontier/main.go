package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/FairForge/sessiontier/internal/api"
	"github.com/FairForge/sessiontier/internal/config"
	"github.com/FairForge/sessiontier/internal/health"
	"github.com/FairForge/sessiontier/internal/store"
	"github.com/FairForge/sessiontier/internal/tier"
	"go.uber.org/zap"
)

func main() {
	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()

	cfg := config.Default()
	if path := os.Getenv("SESSIONTIER_CONFIG"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			logger.Fatal("load config", zap.String("path", path), zap.Error(err))
		}
		cfg = loaded
	}
	config.LoadFromEnv(cfg)

	// Tier construction is lazy: an unreachable Redis or Postgres at boot
	// still yields a tier that fails its calls, and the fallback chain
	// absorbs that.
	redisTier := tier.NewRedis(tier.RedisOptions{
		Addr:          cfg.Redis.Addr,
		ReplicaAddr:   cfg.Redis.ReplicaAddr,
		Password:      cfg.Redis.Password,
		DB:            cfg.Redis.DB,
		MasterName:    cfg.Redis.MasterName,
		SentinelAddrs: cfg.Redis.SentinelAddrs,
		OpTimeout:     cfg.Session.OpTimeout,
	}, cfg.Session.TTL, cfg.Session.CartTTL, logger)

	pgTier, err := tier.NewPostgres(tier.PostgresConfig{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		Database: cfg.Database.Database,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		SSLMode:  cfg.Database.SSLMode,
	}, cfg.Session.TTL, cfg.Session.CartTTL, logger)
	if err != nil {
		logger.Fatal("configure database tier", zap.Error(err))
	}

	bootCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := pgTier.CreateTables(bootCtx); err != nil {
		logger.Warn("database bootstrap failed, tier will retry on demand", zap.Error(err))
	}
	cancel()

	memTier := tier.NewMemory(cfg.Memory.Capacity, cfg.Session.TTL, cfg.Session.CartTTL, logger)

	tiers := []tier.Backend{redisTier, pgTier, memTier}
	pingers := []health.Pinger{redisTier, pgTier, memTier}
	monitor := health.NewMonitor(pingers, cfg.Health.ProbeTimeout, cfg.Health.ProbeInterval, logger)

	st := store.New(tiers, monitor, store.Options{
		OpTimeout: cfg.Session.OpTimeout,
	}, logger)
	defer func() { _ = st.Close() }()

	runCtx, stop := context.WithCancel(context.Background())
	defer stop()

	go monitor.Run(runCtx)

	// The non-TTL tiers need an explicit expiry sweep.
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				sweepCtx, cancel := context.WithTimeout(runCtx, 30*time.Second)
				if n, err := pgTier.Sweep(sweepCtx); err != nil {
					logger.Warn("database sweep failed", zap.Error(err))
				} else if n > 0 {
					logger.Info("database sweep removed expired rows", zap.Int64("rows", n))
				}
				cancel()
				if n := memTier.Sweep(); n > 0 {
					logger.Info("memory sweep removed expired entries", zap.Int("entries", n))
				}
			}
		}
	}()

	server := api.NewServer(cfg, logger, st)

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server...")
		stop()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	if err := server.Start(); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}
