// Package dispatcher is the top-level orchestrator: it consumes raw bus
// items, drives the ingest/rules/aggregate pipeline for each one, retries
// transiently failed messages from an in-memory FIFO queue, and publishes
// the correlation results back onto the bus.
package dispatcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/vigilo/correlator/internal/contextstore"
	"github.com/vigilo/correlator/internal/correvent"
	"github.com/vigilo/correlator/internal/database"
	"github.com/vigilo/correlator/internal/repository"
	"github.com/vigilo/correlator/internal/rules"
	"github.com/vigilo/correlator/internal/runner"
)

// ErrBusUnavailable marks a failed publication; the message goes back on
// the retry queue.
var ErrBusUnavailable = errors.New("bus unavailable")

// DB submits work to the database gateway. *database.Gateway satisfies
// it; tests run the closure directly over an in-memory repository.
type DB interface {
	Run(ctx context.Context, fn func(ctx context.Context, q repository.Querier) error) error
}

// Context is the slice of the context store the dispatcher needs.
type Context interface {
	Set(ctx context.Context, id, key string, value interface{}) error
	Get(ctx context.Context, id, key string, out interface{}) (bool, error)
	SetShared(ctx context.Context, key string, value interface{}) error
	GetShared(ctx context.Context, key string, out interface{}) (bool, error)
	Expire(ctx context.Context, id string) error
}

// RuleEngine walks the rule DAG for one message.
type RuleEngine interface {
	Process(ctx context.Context, msgID string, payload []byte) error
	Stats() map[string]float64
}

// Pool is the rule runner pool lifecycle plus direct dispatch, used for
// computation orders that bypass the DAG.
type Pool interface {
	Start()
	Stop()
	Dispatch(ctx context.Context, ruleName, msgID string, payload []byte) error
	Utilization() float64
}

// Publisher pushes one frame onto the bus.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Params wires a Dispatcher.
type Params struct {
	Logger      *zap.Logger
	DB          DB
	Context     Context
	Engine      RuleEngine
	Manager     *correvent.Manager
	Pool        Pool
	Publisher   Publisher
	Registry    *rules.Registry
	HLSSentinel string
}

// Dispatcher orchestrates the correlation pipeline.
type Dispatcher struct {
	logger      *zap.Logger
	db          DB
	ctxStore    Context
	engine      RuleEngine
	manager     *correvent.Manager
	pool        Pool
	pub         Publisher
	reg         *rules.Registry
	hlsSentinel string

	queue     *retryQueue
	connected atomic.Bool

	mu        sync.Mutex
	processed int64
	totalSum  time.Duration
	totalN    int64
}

func New(p Params) *Dispatcher {
	return &Dispatcher{
		logger:      p.Logger,
		db:          p.DB,
		ctxStore:    p.Context,
		engine:      p.Engine,
		manager:     p.Manager,
		pool:        p.Pool,
		pub:         p.Publisher,
		reg:         p.Registry,
		hlsSentinel: p.HLSSentinel,
		queue:       &retryQueue{},
	}
}

// Forward feeds one raw bus item into the pipeline. Transient failures
// put the item on the retry queue; permanent ones are logged against the
// message and dropped, so the bus delivery can always be acknowledged.
func (d *Dispatcher) Forward(ctx context.Context, raw []byte) {
	err := d.process(ctx, raw)
	switch {
	case err == nil:
	case isTransient(err):
		d.queue.push(raw)
		d.logger.Info("message queued for retry",
			zap.Int("queue_depth", d.queue.depth()),
			zap.Error(err),
		)
	default:
		d.logger.Error("message dropped", zap.Error(err))
	}
}

// OnBusConnected resumes the pool and the queue drain.
func (d *Dispatcher) OnBusConnected() {
	d.pool.Start()
	d.connected.Store(true)
}

// OnBusDisconnected stops the pool and pauses draining. The queue itself
// survives in memory until the connection comes back.
func (d *Dispatcher) OnBusDisconnected() {
	d.connected.Store(false)
	d.pool.Stop()
}

// DrainLoop periodically replays queued messages while the bus is
// connected, until ctx is cancelled. A transient failure stops the
// current round; the message returns to the tail of the queue.
func (d *Dispatcher) DrainLoop(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !d.connected.Load() {
				continue
			}
			d.drainOnce(ctx)
		}
	}
}

func (d *Dispatcher) drainOnce(ctx context.Context) {
	for {
		raw, ok := d.queue.pop()
		if !ok {
			return
		}
		err := d.process(ctx, raw)
		switch {
		case err == nil:
		case isTransient(err):
			d.queue.push(raw)
			return
		default:
			d.logger.Error("queued message dropped", zap.Error(err))
		}
	}
}

// isTransient reports failures that justify a retry: the backends were
// unavailable, not the message invalid.
func isTransient(err error) bool {
	return errors.Is(err, database.ErrDBTransient) ||
		errors.Is(err, contextstore.ErrContextTimeout) ||
		errors.Is(err, runner.ErrPoolStopped) ||
		errors.Is(err, ErrBusUnavailable)
}

// QueueDepth reports the retry queue size without touching the rolling
// stats windows.
func (d *Dispatcher) QueueDepth() int {
	return d.queue.depth()
}

func (d *Dispatcher) recordTotal(elapsed time.Duration) {
	d.mu.Lock()
	d.processed++
	d.totalSum += elapsed
	d.totalN++
	d.mu.Unlock()
}
