package runner

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Transport carries one request/response exchange with a single worker.
// Call must kill the worker on timeout or protocol breakage; the pool
// replaces the transport after any Call error.
type Transport interface {
	Call(req Request, timeout time.Duration) (Response, error)
	Close()
}

// TransportFactory creates a fresh worker. The production factory forks
// a `correlator rule-worker` subprocess; tests inject in-process fakes.
type TransportFactory func() (Transport, error)

// Config sizes the pool.
type Config struct {
	// MinWorkers are started eagerly and never reaped.
	MinWorkers int
	// MaxWorkers caps on-demand growth under load.
	MaxWorkers int
	// Timeout bounds one rule invocation; 0 disables the bound.
	Timeout time.Duration
	// MaxIdle is how long an on-demand worker may sit without work
	// before it is reaped back down toward MinWorkers.
	MaxIdle time.Duration
}

// Pool distributes rule invocations over a set of workers. It follows
// the bus connection: Start on connect, Stop on disconnect; dispatches
// while stopped fail with ErrPoolStopped so the caller can requeue.
type Pool struct {
	cfg     Config
	factory TransportFactory
	logger  *zap.Logger

	mu      sync.Mutex
	running bool
	jobs    chan job
	stop    chan struct{}
	wg      sync.WaitGroup
	workers int
	busy    int
}

type job struct {
	req  Request
	done chan jobResult
}

type jobResult struct {
	resp Response
	err  error
}

// NewPool builds a stopped pool.
func NewPool(cfg Config, factory TransportFactory, logger *zap.Logger) *Pool {
	if cfg.MinWorkers < 1 {
		cfg.MinWorkers = 1
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		cfg.MaxWorkers = cfg.MinWorkers
	}
	return &Pool{cfg: cfg, factory: factory, logger: logger}
}

// Start brings up the minimum worker set. Idempotent.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.jobs = make(chan job)
	p.stop = make(chan struct{})
	for i := 0; i < p.cfg.MinWorkers; i++ {
		p.spawnLocked(true)
	}
	p.logger.Info("rule runner pool started", zap.Int("workers", p.cfg.MinWorkers))
}

// Stop tears down every worker and waits for them to exit. In-flight
// invocations run to completion. Idempotent.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stop)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("rule runner pool stopped")
}

// Dispatch runs one rule on an available worker and waits for the
// outcome. It implements rules.Runner.
func (p *Pool) Dispatch(ctx context.Context, ruleName, msgID string, payload []byte) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return ErrPoolStopped
	}
	jobs, stopped := p.jobs, p.stop
	p.mu.Unlock()

	j := job{
		req:  Request{Rule: ruleName, MessageID: msgID, Payload: payload},
		done: make(chan jobResult, 1),
	}

	// Prefer an idle worker; grow the pool if everyone is busy.
	select {
	case jobs <- j:
	default:
		p.grow()
		select {
		case jobs <- j:
		case <-stopped:
			return ErrPoolStopped
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	select {
	case res := <-j.done:
		if res.err != nil {
			return res.err
		}
		if !res.resp.OK {
			return &RuleError{Rule: ruleName, Message: res.resp.Error}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RuleError is a rule body reporting failure through the protocol, as
// opposed to the worker itself misbehaving.
type RuleError struct {
	Rule    string
	Message string
}

func (e *RuleError) Error() string {
	return "rule " + e.Rule + " failed: " + e.Message
}

// Utilization reports busy workers over total workers, 0 when stopped.
func (p *Pool) Utilization() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.workers == 0 {
		return 0
	}
	return float64(p.busy) / float64(p.workers)
}

func (p *Pool) grow() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running && p.workers < p.cfg.MaxWorkers {
		p.spawnLocked(false)
	}
}

// spawnLocked starts one worker goroutine. Core workers live for the
// pool's whole run; extras reap themselves after MaxIdle without work.
func (p *Pool) spawnLocked(core bool) {
	p.workers++
	p.wg.Add(1)
	jobs, stopped := p.jobs, p.stop
	go p.work(core, jobs, stopped)
}

func (p *Pool) work(core bool, jobs chan job, stopped chan struct{}) {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		p.workers--
		p.mu.Unlock()
	}()

	t, err := p.factory()
	if err != nil {
		p.logger.Error("rule worker failed to start", zap.Error(err))
		return
	}
	defer func() { t.Close() }()

	idle := time.NewTimer(p.idleBound(core))
	defer idle.Stop()

	for {
		select {
		case <-stopped:
			return
		case <-idle.C:
			if !core {
				return
			}
			idle.Reset(p.idleBound(core))
		case j := <-jobs:
			p.setBusy(+1)
			resp, callErr := t.Call(j.req, p.cfg.Timeout)
			p.setBusy(-1)
			j.done <- jobResult{resp: resp, err: callErr}

			if callErr != nil {
				// The worker was killed; replace it before taking
				// more work.
				t.Close()
				nt, ferr := p.factory()
				if ferr != nil {
					p.logger.Error("rule worker failed to restart", zap.Error(ferr))
					return
				}
				t = nt
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(p.idleBound(core))
		}
	}
}

func (p *Pool) idleBound(core bool) time.Duration {
	if core || p.cfg.MaxIdle <= 0 {
		// Core workers never reap; keep the timer quiet.
		return time.Hour
	}
	return p.cfg.MaxIdle
}

func (p *Pool) setBusy(delta int) {
	p.mu.Lock()
	p.busy += delta
	p.mu.Unlock()
}
