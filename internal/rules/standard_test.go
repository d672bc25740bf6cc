package rules

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/vigilo/correlator/internal/contextstore"
	"github.com/vigilo/correlator/internal/repository"
	"github.com/vigilo/correlator/internal/repository/memory"
)

// memCtx is an in-memory ContextAccessor for rule tests.
type memCtx struct {
	msgs   map[string]map[string][]byte
	shared map[string][]byte
}

func newMemCtx() *memCtx {
	return &memCtx{msgs: map[string]map[string][]byte{}, shared: map[string][]byte{}}
}

func (m *memCtx) Set(_ context.Context, id, key string, value interface{}) error {
	buf, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if m.msgs[id] == nil {
		m.msgs[id] = map[string][]byte{}
	}
	m.msgs[id][key] = buf
	return nil
}

func (m *memCtx) Get(_ context.Context, id, key string, out interface{}) (bool, error) {
	buf, ok := m.msgs[id][key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(buf, out)
}

func (m *memCtx) SetShared(_ context.Context, key string, value interface{}) error {
	buf, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.shared[key] = buf
	return nil
}

func (m *memCtx) GetShared(_ context.Context, key string, out interface{}) (bool, error) {
	buf, ok := m.shared[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(buf, out)
}

type topoFixture struct {
	store *memory.Store
	ctx   *memCtx
	api   API
}

func newTopoFixture(t *testing.T) *topoFixture {
	f := &topoFixture{store: memory.NewStore(), ctx: newMemCtx()}
	f.api = API{Context: f.ctx, Topology: f.store, Logger: zaptest.NewLogger(t)}
	return f
}

// problem records a problem state for the item and opens an aggregate
// rooted at it, mirroring what the pipeline would have persisted.
func (f *topoFixture) problem(t *testing.T, supID int64, state string) int64 {
	t.Helper()
	ctx := context.Background()
	up, err := f.store.UpsertRawEvent(ctx, repository.UpsertRawEventParams{
		SupItemID: supID, State: state, Timestamp: time.Unix(1, 0),
	})
	require.NoError(t, err)
	id, err := f.store.CreateCorrevent(ctx, repository.CreateCorreventParams{
		CauseEventID: up.ID, Timestamp: time.Unix(1, 0),
	})
	require.NoError(t, err)
	require.NoError(t, f.ctx.SetShared(ctx, contextstore.OpenAggrKey(supID), id))
	return id
}

func (f *topoFixture) seed(t *testing.T, msgID string, supID int64, state string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.ctx.Set(ctx, msgID, contextstore.KeyStatename, state))
	require.NoError(t, f.ctx.Set(ctx, msgID, contextstore.KeyIDSupItem, supID))
}

func TestTopologyRule_ComputesPredecessors(t *testing.T) {
	f := newTopoFixture(t)
	h1 := f.store.AddSupItem("H1", "")
	h2 := f.store.AddSupItem("H2", "")
	f.store.AddDependency(h2, h1, 1)

	c1 := f.problem(t, h1, "DOWN")
	f.seed(t, "msg-1", h2, "UNREACHABLE")

	require.NoError(t, (TopologyRule{}).Run(context.Background(), f.api, "msg-1", nil))

	var preds, succs []int64
	found, err := f.ctx.Get(context.Background(), "msg-1", contextstore.KeyPredecessors, &preds)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []int64{c1}, preds)

	_, err = f.ctx.Get(context.Background(), "msg-1", contextstore.KeySuccessors, &succs)
	require.NoError(t, err)
	assert.Empty(t, succs)
}

func TestTopologyRule_ComputesSuccessors(t *testing.T) {
	f := newTopoFixture(t)
	h1 := f.store.AddSupItem("H1", "")
	h2 := f.store.AddSupItem("H2", "")
	f.store.AddDependency(h2, h1, 1)

	c1 := f.problem(t, h2, "UNREACHABLE")
	f.seed(t, "msg-1", h1, "DOWN")

	require.NoError(t, (TopologyRule{}).Run(context.Background(), f.api, "msg-1", nil))

	var preds, succs []int64
	_, err := f.ctx.Get(context.Background(), "msg-1", contextstore.KeyPredecessors, &preds)
	require.NoError(t, err)
	assert.Empty(t, preds)

	_, err = f.ctx.Get(context.Background(), "msg-1", contextstore.KeySuccessors, &succs)
	require.NoError(t, err)
	assert.Equal(t, []int64{c1}, succs)
}

func TestTopologyRule_SkipsNominalStates(t *testing.T) {
	f := newTopoFixture(t)
	h1 := f.store.AddSupItem("H1", "")
	f.seed(t, "msg-1", h1, "UP")

	require.NoError(t, (TopologyRule{}).Run(context.Background(), f.api, "msg-1", nil))

	var preds []int64
	found, err := f.ctx.Get(context.Background(), "msg-1", contextstore.KeyPredecessors, &preds)
	require.NoError(t, err)
	assert.False(t, found, "nominal states produce no topology keys")
}

func TestTopologyRule_DeduplicatesSharedAncestorAggregate(t *testing.T) {
	// Two ancestors may share one aggregate after a merge; the dependent
	// must list it once.
	f := newTopoFixture(t)
	h1 := f.store.AddSupItem("H1", "")
	h2 := f.store.AddSupItem("H2", "")
	h3 := f.store.AddSupItem("H3", "")
	f.store.AddDependency(h3, h1, 2)
	f.store.AddDependency(h3, h2, 1)

	c1 := f.problem(t, h1, "DOWN")
	// H2 is a problem covered by H1's aggregate.
	ctx := context.Background()
	up, err := f.store.UpsertRawEvent(ctx, repository.UpsertRawEventParams{
		SupItemID: h2, State: "UNREACHABLE", Timestamp: time.Unix(1, 0),
	})
	require.NoError(t, err)
	require.NoError(t, f.store.AddCorreventMember(ctx, c1, up.ID))
	require.NoError(t, f.ctx.SetShared(ctx, contextstore.OpenAggrKey(h2), c1))

	f.seed(t, "msg-1", h3, "UNREACHABLE")
	require.NoError(t, (TopologyRule{}).Run(ctx, f.api, "msg-1", nil))

	var preds []int64
	_, err = f.ctx.Get(ctx, "msg-1", contextstore.KeyPredecessors, &preds)
	require.NoError(t, err)
	assert.Equal(t, []int64{c1}, preds)
}

func TestPriorityRule_WritesSeverity(t *testing.T) {
	f := newTopoFixture(t)
	h1 := f.store.AddSupItem("H1", "")
	f.seed(t, "msg-1", h1, "DOWN")

	require.NoError(t, (PriorityRule{}).Run(context.Background(), f.api, "msg-1", nil))

	var priority int
	found, err := f.ctx.Get(context.Background(), "msg-1", contextstore.KeyPriority, &priority)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 5, priority)
}

func TestSeverityOrdering(t *testing.T) {
	assert.Greater(t, severity("DOWN"), severity("UNREACHABLE"))
	assert.Greater(t, severity("UNREACHABLE"), severity("WARNING"))
	assert.Greater(t, severity("WARNING"), severity("UNKNOWN"))
	assert.Equal(t, severity("DOWN"), severity("CRITICAL"))
	assert.Zero(t, severity("UP"))
	assert.Zero(t, severity("OK"))
}

func TestHLSDependencyRule_ResolvesImpactedServices(t *testing.T) {
	f := newTopoFixture(t)
	h1 := f.store.AddSupItem("H1", "")
	web := f.store.AddSupItem("", "web")
	f.store.AddDependency(web, h1, 1)
	f.problem(t, h1, "DOWN")

	ctx := context.Background()
	require.NoError(t, f.ctx.Set(ctx, "msg-1", contextstore.KeyImpactedHLS, []string{"web", "ghost"}))

	require.NoError(t, (HLSDependencyRule{}).Run(ctx, f.api, "msg-1", nil))

	var deps []int64
	found, err := f.ctx.Get(ctx, "msg-1", "hls:web:problem_deps", &deps)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []int64{h1}, deps)

	found, err = f.ctx.Get(ctx, "msg-1", "hls:ghost:problem_deps", &deps)
	require.NoError(t, err)
	assert.False(t, found, "unknown HLS names are skipped")
}

func TestStandard_RegistersAsValidGraph(t *testing.T) {
	reg := NewRegistry()
	for _, r := range Standard() {
		require.NoError(t, reg.Register(r))
	}
	assert.NoError(t, reg.Validate())
	assert.True(t, reg.Has(HLSDepsRule))
}
