package main

import (
	"context"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vigilo/correlator/internal/config"
	"github.com/vigilo/correlator/internal/contextstore"
	"github.com/vigilo/correlator/internal/repository"
	"github.com/vigilo/correlator/internal/rules"
	"github.com/vigilo/correlator/internal/runner"
)

// ruleWorker is the subprocess side of the rule runner pool: it reads
// invocation requests on stdin and writes results on stdout. Logs go to
// stderr, which the parent inherits; stdout carries nothing but the
// protocol.
func ruleWorker() int {
	logger, _ := zap.NewProduction()
	defer logger.Sync()
	logger = logger.With(zap.Int("worker_pid", os.Getpid()))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("worker configuration failed", zap.Error(err))
		return 1
	}

	ctx := context.Background()

	pgPool, err := pgxpool.New(ctx, cfg.PGURL)
	if err != nil {
		logger.Error("worker database connection failed", zap.Error(err))
		return 1
	}
	defer pgPool.Close()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Error("worker failed to parse REDIS_URL", zap.Error(err))
		return 1
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	reg := rules.NewRegistry()
	for _, r := range rules.Standard() {
		if err := reg.Register(r); err != nil {
			logger.Error("worker rule registration failed", zap.Error(err))
			return 1
		}
	}

	api := rules.API{
		Context:  contextstore.New(rdb, cfg.ContextTTL, cfg.SharedTTL),
		Topology: repository.New(pgPool),
		Logger:   logger,
	}

	if err := runner.Serve(ctx, reg, api, os.Stdin, os.Stdout); err != nil {
		logger.Error("worker terminated abnormally", zap.Error(err))
		return 1
	}
	return 0
}
