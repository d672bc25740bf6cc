package rules

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap/zaptest"
)

// recordingRunner runs rules in-process and records completion order.
type recordingRunner struct {
	mu    sync.Mutex
	order []string
	fail  map[string]error
}

func (r *recordingRunner) Dispatch(ctx context.Context, ruleName, msgID string, payload []byte) error {
	r.mu.Lock()
	r.order = append(r.order, ruleName)
	err := r.fail[ruleName]
	r.mu.Unlock()
	return err
}

func (r *recordingRunner) index(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, n := range r.order {
		if n == name {
			return i
		}
	}
	return -1
}

func buildExecutor(t *testing.T, runner Runner, defs ...*stubRule) *Executor {
	t.Helper()
	reg := NewRegistry()
	for _, r := range defs {
		require.NoError(t, reg.Register(r))
	}
	ex, err := NewExecutor(reg, runner, zaptest.NewLogger(t))
	require.NoError(t, err)
	return ex
}

func TestExecutor_RespectsDependencyOrder(t *testing.T) {
	runner := &recordingRunner{}
	ex := buildExecutor(t, runner,
		&stubRule{name: "topo"},
		&stubRule{name: "priority", deps: []string{"topo"}},
		&stubRule{name: "update", deps: []string{"priority"}},
	)

	require.NoError(t, ex.Process(context.Background(), "msg-1", []byte("<event/>")))
	assert.Equal(t, []string{"topo", "priority", "update"}, runner.order)
}

func TestExecutor_DiamondRunsAllOnce(t *testing.T) {
	runner := &recordingRunner{}
	ex := buildExecutor(t, runner,
		&stubRule{name: "a"},
		&stubRule{name: "b", deps: []string{"a"}},
		&stubRule{name: "c", deps: []string{"a"}},
		&stubRule{name: "d", deps: []string{"b", "c"}},
	)

	require.NoError(t, ex.Process(context.Background(), "msg-1", nil))
	assert.Len(t, runner.order, 4)
	assert.Less(t, runner.index("a"), runner.index("b"))
	assert.Less(t, runner.index("a"), runner.index("c"))
	assert.Less(t, runner.index("b"), runner.index("d"))
	assert.Less(t, runner.index("c"), runner.index("d"))
}

func TestExecutor_FailureDoesNotSkipDescendants(t *testing.T) {
	runner := &recordingRunner{fail: map[string]error{"topo": errors.New("boom")}}
	ex := buildExecutor(t, runner,
		&stubRule{name: "topo"},
		&stubRule{name: "priority", deps: []string{"topo"}},
	)

	// Partial-success policy: the walk finishes cleanly, descendants ran.
	require.NoError(t, ex.Process(context.Background(), "msg-1", nil))
	assert.Equal(t, []string{"topo", "priority"}, runner.order)
}

func TestExecutor_MandatoryFailureSkipsDescendants(t *testing.T) {
	runner := &recordingRunner{fail: map[string]error{"topo": errors.New("boom")}}
	ex := buildExecutor(t, runner,
		&stubRule{name: "topo", mandatory: true},
		&stubRule{name: "priority", deps: []string{"topo"}},
		&stubRule{name: "unrelated"},
	)

	err := ex.Process(context.Background(), "msg-1", nil)
	require.Error(t, err)
	assert.ErrorContains(t, err, `mandatory rule "topo"`)

	// The failed rule's descendants were skipped, unrelated rules ran.
	assert.Equal(t, -1, runner.index("priority"))
	assert.NotEqual(t, -1, runner.index("unrelated"))
}

func TestExecutor_SkipPropagatesThroughMandatoryChain(t *testing.T) {
	runner := &recordingRunner{fail: map[string]error{"a": errors.New("boom")}}
	ex := buildExecutor(t, runner,
		&stubRule{name: "a", mandatory: true},
		&stubRule{name: "b", deps: []string{"a"}, mandatory: true},
		&stubRule{name: "c", deps: []string{"b"}},
	)

	err := ex.Process(context.Background(), "msg-1", nil)
	require.Error(t, err)
	assert.Equal(t, -1, runner.index("b"))
	assert.Equal(t, -1, runner.index("c"))
}

func TestExecutor_RejectsInvalidGraph(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubRule{name: "a", deps: []string{"a"}}))
	_, err := NewExecutor(reg, &recordingRunner{}, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestExecutor_StatsWindowResets(t *testing.T) {
	runner := &recordingRunner{}
	ex := buildExecutor(t, runner, &stubRule{name: "a"})

	require.NoError(t, ex.Process(context.Background(), "msg-1", nil))
	stats := ex.Stats()
	_, ok := stats["a"]
	assert.True(t, ok, "first window should contain rule a")

	stats = ex.Stats()
	assert.Empty(t, stats, "window resets after read")
}

func TestExecutor_RecordsRuleDurationMetric(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	t.Cleanup(func() { otel.SetMeterProvider(noop.NewMeterProvider()) })

	runner := &recordingRunner{}
	ex := buildExecutor(t, runner, &stubRule{name: "topo"})
	require.NoError(t, ex.Process(context.Background(), "msg-1", nil))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	found := false
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "correlator.rule.duration" {
				continue
			}
			found = true
			h, ok := m.Data.(metricdata.Histogram[float64])
			require.True(t, ok)
			require.NotEmpty(t, h.DataPoints)
			assert.EqualValues(t, 1, h.DataPoints[0].Count)
		}
	}
	assert.True(t, found, "rule duration histogram was not exported")
}
