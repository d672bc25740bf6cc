package rules

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Runner executes one rule invocation. The production implementation is
// the subprocess pool; tests substitute an in-process runner.
type Runner interface {
	Dispatch(ctx context.Context, ruleName, msgID string, payload []byte) error
}

// Executor materializes the rule DAG once and drives one walk of it per
// message. A node fires when all of its parents have finished; parents'
// results are not forwarded, rules exchange data through the context.
type Executor struct {
	reg    *Registry
	runner Runner
	logger *zap.Logger

	mu      sync.Mutex
	timings map[string]*timing

	ruleDuration metric.Float64Histogram
}

type timing struct {
	total time.Duration
	count int
}

// NewExecutor validates the rule graph and builds the executor.
func NewExecutor(reg *Registry, runner Runner, logger *zap.Logger) (*Executor, error) {
	if err := reg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rule graph: %w", err)
	}
	hist, err := otel.Meter("correlator").Float64Histogram("correlator.rule.duration",
		metric.WithDescription("wall time of one rule invocation"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("rule duration instrument: %w", err)
	}
	return &Executor{
		reg:          reg,
		runner:       runner,
		logger:       logger,
		timings:      map[string]*timing{},
		ruleDuration: hist,
	}, nil
}

type nodeResult struct {
	err     error
	skipped bool
}

// Process walks the DAG for one message. Rule failures are logged and do
// not stop the walk: descendants run with whatever context the completed
// rules produced. A failed Mandatory rule is the exception — its
// descendants are skipped and Process reports the failure.
//
// Process returns once every rule has completed, failed or been skipped
// (the virtual end node of the graph).
func (e *Executor) Process(ctx context.Context, msgID string, payload []byte) error {
	names := e.reg.Names()
	results := make(map[string]*nodeResult, len(names))
	done := make(map[string]chan struct{}, len(names))
	for _, name := range names {
		results[name] = &nodeResult{}
		done[name] = make(chan struct{})
	}

	// Virtual start node: every root rule fires immediately.
	var wg sync.WaitGroup
	for _, name := range names {
		rule, _ := e.reg.Get(name)
		wg.Add(1)
		go func(name string, rule Rule) {
			defer wg.Done()
			defer close(done[name])

			for _, dep := range rule.DependsOn() {
				<-done[dep]
				parent, _ := e.reg.Get(dep)
				if isMandatory(parent) && (results[dep].err != nil || results[dep].skipped) {
					results[name].skipped = true
					e.logger.Warn("rule skipped: mandatory dependency failed",
						zap.String("rule", name),
						zap.String("dependency", dep),
						zap.String("message_id", msgID),
					)
					return
				}
			}

			start := time.Now()
			err := e.runner.Dispatch(ctx, name, msgID, payload)
			elapsed := time.Since(start)
			e.record(name, elapsed)
			e.ruleDuration.Record(ctx, elapsed.Seconds(),
				metric.WithAttributes(attribute.String("rule", name)))
			if err != nil {
				results[name].err = err
				e.logger.Error("rule failed",
					zap.String("rule", name),
					zap.String("message_id", msgID),
					zap.Error(err),
				)
			}
		}(name, rule)
	}
	wg.Wait()

	// Virtual end node: report mandatory failures only.
	for _, name := range names {
		rule, _ := e.reg.Get(name)
		if isMandatory(rule) && results[name].err != nil {
			return fmt.Errorf("mandatory rule %q: %w", name, results[name].err)
		}
	}
	return nil
}

func (e *Executor) record(rule string, d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.timings[rule]
	if !ok {
		t = &timing{}
		e.timings[rule] = t
	}
	t.total += d
	t.count++
}

// Stats returns the average wall time per rule since the previous call
// and resets the window.
func (e *Executor) Stats() map[string]float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]float64, len(e.timings))
	for rule, t := range e.timings {
		if t.count > 0 {
			out[rule] = t.total.Seconds() / float64(t.count)
		}
	}
	e.timings = map[string]*timing{}
	return out
}
