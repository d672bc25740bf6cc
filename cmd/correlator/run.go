package main

import (
	"context"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/vigilo/correlator/internal/config"
	"github.com/vigilo/correlator/internal/contextstore"
	"github.com/vigilo/correlator/internal/correvent"
	"github.com/vigilo/correlator/internal/database"
	"github.com/vigilo/correlator/internal/dispatcher"
	"github.com/vigilo/correlator/internal/natsclient"
	"github.com/vigilo/correlator/internal/rules"
	"github.com/vigilo/correlator/internal/runner"
	"github.com/vigilo/correlator/internal/telemetry"
)

func run() int {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("configuration failed", zap.Error(err))
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// ── telemetry ─────────────────────────────────────────────────────

	if cfg.OTelEndpoint != "" {
		tp, err := telemetry.InitTracer(ctx, "correlator", cfg.OTelEndpoint)
		if err != nil {
			logger.Error("failed to init OTel tracer", zap.Error(err))
		} else {
			defer tp.Shutdown(context.Background())
		}
		mp, err := telemetry.InitMeterProvider(ctx, "correlator", cfg.OTelEndpoint)
		if err != nil {
			logger.Error("failed to init OTel meter provider", zap.Error(err))
		} else {
			defer mp.Shutdown(context.Background())
		}
	}

	// ── database ──────────────────────────────────────────────────────

	poolCfg, err := pgxpool.ParseConfig(cfg.PGURL)
	if err != nil {
		logger.Error("failed to parse PG_URL", zap.Error(err))
		return 1
	}
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()
	pgPool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		logger.Error("database connection failed", zap.Error(err))
		return 1
	}

	gateway := database.New(pgPool, logger)
	defer gateway.Close()

	probeCtx, probeCancel := context.WithTimeout(ctx, 10*time.Second)
	err = gateway.Probe(probeCtx)
	probeCancel()
	if err != nil {
		// A dead or unprovisioned model database is not retryable.
		logger.Error("startup probe failed", zap.Error(err))
		return 1
	}

	// ── context store ─────────────────────────────────────────────────

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Error("failed to parse REDIS_URL", zap.Error(err))
		return 1
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	ctxStore := contextstore.New(rdb, cfg.ContextTTL, cfg.SharedTTL)

	// ── rule engine ───────────────────────────────────────────────────

	reg := rules.NewRegistry()
	for _, r := range rules.Standard() {
		if err := reg.Register(r); err != nil {
			logger.Error("rule registration failed", zap.Error(err))
			return 1
		}
	}

	exe, err := os.Executable()
	if err != nil {
		logger.Error("cannot locate own binary for rule workers", zap.Error(err))
		return 1
	}
	pool := runner.NewPool(
		runner.Config{
			MinWorkers: cfg.MinRuleRunners,
			MaxWorkers: cfg.MaxRuleRunners,
			Timeout:    cfg.RulesTimeout,
			MaxIdle:    time.Duration(cfg.RuleRunnersMaxIdle) * time.Second,
		},
		runner.SubprocessFactory([]string{exe, "rule-worker"}, logger),
		logger,
	)

	executor, err := rules.NewExecutor(reg, pool, logger)
	if err != nil {
		logger.Error("invalid rule graph", zap.Error(err))
		return 1
	}

	// ── bus ───────────────────────────────────────────────────────────

	// The connection handlers can fire from NATS goroutines before the
	// dispatcher exists; they go through an atomic reference filled in
	// once wiring is complete.
	var dispRef atomic.Pointer[dispatcher.Dispatcher]
	client, err := natsclient.NewClient(cfg.NATSURL, logger, busHandlers(&dispRef))
	if err != nil {
		logger.Error("NATS connection failed", zap.Error(err))
		return 1
	}
	defer client.Close()

	if err := client.ProvisionStreams(); err != nil {
		logger.Error("stream provisioning failed", zap.Error(err))
		return 1
	}

	// ── dispatcher ────────────────────────────────────────────────────

	disp := dispatcher.New(dispatcher.Params{
		Logger:      logger,
		DB:          gateway,
		Context:     ctxStore,
		Engine:      executor,
		Manager:     correvent.New(logger),
		Pool:        pool,
		Publisher:   client,
		Registry:    reg,
		HLSSentinel: cfg.NagiosHLSHost,
	})
	dispRef.Store(disp)
	disp.OnBusConnected()
	defer disp.OnBusDisconnected()

	go disp.DrainLoop(ctx, time.Second)
	go func() {
		if err := disp.Consume(ctx, client); err != nil {
			logger.Error("consumer loop failed", zap.Error(err))
			cancel()
		}
	}()

	// ── ops surface ───────────────────────────────────────────────────

	ops := newOpsServer(disp, gateway)
	go func() {
		if err := ops.Start(cfg.HTTPAddr); err != nil {
			logger.Info("ops server stopped", zap.Error(err))
		}
	}()

	health := cron.New()
	_, err = health.AddFunc("@every 1m", func() {
		logger.Info("correlator health",
			zap.Int("queue_depth", disp.QueueDepth()),
			zap.Float64("pool_utilization", pool.Utilization()),
		)
	})
	if err != nil {
		logger.Error("health schedule failed", zap.Error(err))
		return 1
	}
	health.Start()

	logger.Info("correlator started",
		zap.String("nats", cfg.NATSURL),
		zap.String("http", cfg.HTTPAddr),
		zap.Int("min_rule_runners", cfg.MinRuleRunners),
		zap.Int("max_rule_runners", cfg.MaxRuleRunners),
	)

	<-ctx.Done()
	logger.Info("initiating graceful shutdown")

	health.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := ops.Shutdown(shutdownCtx); err != nil {
		logger.Warn("ops server shutdown failed", zap.Error(err))
	}

	logger.Info("correlator shut down cleanly")
	return 0
}

// busHandlers forwards connection events to the dispatcher once ref has
// been filled in; events arriving before that are dropped.
func busHandlers(ref *atomic.Pointer[dispatcher.Dispatcher]) natsclient.Handlers {
	return natsclient.Handlers{
		OnConnected: func() {
			if d := ref.Load(); d != nil {
				d.OnBusConnected()
			}
		},
		OnDisconnected: func() {
			if d := ref.Load(); d != nil {
				d.OnBusDisconnected()
			}
		},
	}
}
