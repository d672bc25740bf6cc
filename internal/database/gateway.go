// Package database provides the single-writer gateway between the
// correlator pipeline and Postgres. All model mutations flow through one
// dedicated goroutine, which serialises transactions and classifies
// failures into transient (re-enqueue the message) and fatal.
package database

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/vigilo/correlator/internal/repository"
)

// ErrDBTransient marks a failure worth retrying: connectivity loss,
// serialization conflict, deadlock. Everything else is fatal for the
// message being processed.
var ErrDBTransient = errors.New("transient database error")

type job struct {
	ctx  context.Context
	fn   func(ctx context.Context, q repository.Querier) error
	tx   bool
	done chan error
}

// Gateway owns the connection pool and the writer goroutine.
type Gateway struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	jobs   chan job
	stop   chan struct{}
}

// New starts the writer goroutine over an established pool.
func New(pool *pgxpool.Pool, logger *zap.Logger) *Gateway {
	g := &Gateway{
		pool:   pool,
		logger: logger,
		jobs:   make(chan job),
		stop:   make(chan struct{}),
	}
	go g.loop()
	return g
}

// Probe runs the lightweight startup query. A failure means the database
// is unreachable or not provisioned; the process must abort rather than
// loop on a dead backend.
func (g *Gateway) Probe(ctx context.Context) error {
	var version string
	err := g.pool.QueryRow(ctx,
		`SELECT version FROM version WHERE name = 'vigilo.models'`).Scan(&version)
	if err != nil {
		return fmt.Errorf("database probe failed: %w", err)
	}
	g.logger.Info("database probe succeeded", zap.String("models_version", version))
	return nil
}

// Run executes fn on the writer goroutine inside one transaction. The
// transaction commits when fn returns nil and rolls back otherwise.
func (g *Gateway) Run(ctx context.Context, fn func(ctx context.Context, q repository.Querier) error) error {
	return g.submit(ctx, fn, true)
}

// RunNoTx executes fn on the writer goroutine without transaction framing,
// for callers doing their own begin/commit sequencing.
func (g *Gateway) RunNoTx(ctx context.Context, fn func(ctx context.Context, q repository.Querier) error) error {
	return g.submit(ctx, fn, false)
}

func (g *Gateway) submit(ctx context.Context, fn func(ctx context.Context, q repository.Querier) error, tx bool) error {
	j := job{ctx: ctx, fn: fn, tx: tx, done: make(chan error, 1)}
	select {
	case g.jobs <- j:
	case <-g.stop:
		return fmt.Errorf("%w: gateway stopped", ErrDBTransient)
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrDBTransient, ctx.Err())
	}
	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrDBTransient, ctx.Err())
	}
}

func (g *Gateway) loop() {
	for {
		select {
		case <-g.stop:
			return
		case j := <-g.jobs:
			j.done <- g.execute(j)
		}
	}
}

func (g *Gateway) execute(j job) error {
	if !j.tx {
		return classify(j.fn(j.ctx, repository.New(g.pool)))
	}

	tx, err := g.pool.BeginTx(j.ctx, pgx.TxOptions{})
	if err != nil {
		return classify(fmt.Errorf("begin: %w", err))
	}
	if err := j.fn(j.ctx, repository.New(tx)); err != nil {
		_ = tx.Rollback(j.ctx)
		return classify(err)
	}
	if err := tx.Commit(j.ctx); err != nil {
		return classify(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// Close stops the writer goroutine and releases the pool.
func (g *Gateway) Close() {
	close(g.stop)
	g.pool.Close()
}

// classify wraps transient failures in ErrDBTransient so callers can
// re-enqueue, and passes everything else through untouched.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if isTransient(err) {
		return fmt.Errorf("%w: %v", ErrDBTransient, err)
	}
	return err
}

func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization failure, deadlock
			return true
		}
		// Class 08 covers every connection exception.
		if len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08" {
			return true
		}
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}
