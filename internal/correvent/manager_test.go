package correvent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/vigilo/correlator/internal/model"
	"github.com/vigilo/correlator/internal/repository"
	"github.com/vigilo/correlator/internal/repository/memory"
)

func ts(sec int) time.Time { return time.Unix(int64(sec), 0) }

// fixture drives the manager the way the dispatcher does: it upserts
// the raw event, computes predecessor/successor aggregates from the
// topology the way the standard rules would, and carries the shared
// open-aggregate keys between calls.
type fixture struct {
	t     *testing.T
	store *memory.Store
	mgr   *Manager
	items map[string]int64
	open  map[int64]int64
}

func newFixture(t *testing.T) *fixture {
	return &fixture{
		t:     t,
		store: memory.NewStore(),
		mgr:   New(zaptest.NewLogger(t)),
		items: map[string]int64{},
		open:  map[int64]int64{},
	}
}

func (f *fixture) host(name string) int64 {
	id := f.store.AddSupItem(name, "")
	f.items[name] = id
	return id
}

func (f *fixture) depends(dependent, ancestor string, distance int) {
	f.store.AddDependency(f.items[dependent], f.items[ancestor], distance)
}

// send runs one state change end to end. Stale states report
// repository.OldStateError, like the ingest step would.
func (f *fixture) send(host, state string, at time.Time) (Outcome, error) {
	f.t.Helper()
	ctx := context.Background()
	supID := f.items[host]

	up, err := f.store.UpsertRawEvent(ctx, repository.UpsertRawEventParams{
		SupItemID: supID,
		State:     state,
		Message:   state,
		Timestamp: at,
	})
	if err != nil {
		return Outcome{}, err
	}

	in := Input{
		MsgID:      "msg-" + host,
		SupItemID:  supID,
		RawEventID: up.ID,
		State:      state,
		Timestamp:  at,
		OpenAggr:   f.open[supID],
	}

	// Topology rule: predecessors are open aggregates rooted at
	// problematic ancestors.
	ancestors, err := f.store.ProblemAncestors(ctx, supID)
	require.NoError(f.t, err)
	for _, anc := range ancestors {
		if id := f.open[anc.SupItemID]; id != 0 {
			in.Predecessors = append(in.Predecessors, id)
		}
	}

	// Successors are live aggregates whose cause depends on this item.
	for _, c := range f.store.Correvents() {
		cause, err := f.store.RawEvent(ctx, c.CauseEventID)
		require.NoError(f.t, err)
		if model.IsNominal(cause.State) || cause.SupItemID == supID {
			continue
		}
		ok, err := f.store.HasDependencyPath(ctx, cause.SupItemID, supID)
		require.NoError(f.t, err)
		if ok {
			in.Successors = append(in.Successors, c.ID)
		}
	}

	out, err := f.mgr.Handle(ctx, f.store, in)
	if err != nil {
		return Outcome{}, err
	}
	for supitem, id := range out.OpenAggr {
		f.open[supitem] = id
	}
	f.checkInvariants()
	return out, nil
}

func (f *fixture) members(correventID int64) map[string]bool {
	f.t.Helper()
	evs, err := f.store.CorreventMembers(context.Background(), correventID)
	require.NoError(f.t, err)
	byID := map[int64]string{}
	for name, id := range f.items {
		byID[id] = name
	}
	out := map[string]bool{}
	for _, ev := range evs {
		out[byID[ev.SupItemID]] = true
	}
	return out
}

// live reports aggregates whose cause is still in a problem state.
func (f *fixture) live() []repository.Correvent {
	f.t.Helper()
	var out []repository.Correvent
	for _, c := range f.store.Correvents() {
		cause, err := f.store.RawEvent(context.Background(), c.CauseEventID)
		require.NoError(f.t, err)
		if !model.IsNominal(cause.State) {
			out = append(out, c)
		}
	}
	return out
}

// checkInvariants asserts the structural properties that must hold at
// every quiescent point: one live aggregate per cause item, cause in
// members, every member topologically under the cause.
func (f *fixture) checkInvariants() {
	f.t.Helper()
	ctx := context.Background()
	causes := map[int64]int{}
	for _, c := range f.live() {
		cause, err := f.store.RawEvent(ctx, c.CauseEventID)
		require.NoError(f.t, err)
		causes[cause.SupItemID]++

		evs, err := f.store.CorreventMembers(ctx, c.ID)
		require.NoError(f.t, err)
		foundCause := false
		for _, ev := range evs {
			if ev.ID == c.CauseEventID {
				foundCause = true
				continue
			}
			ok, err := f.store.HasDependencyPath(ctx, ev.SupItemID, cause.SupItemID)
			require.NoError(f.t, err)
			assert.True(f.t, ok,
				"member %d of aggregate %d has no path to cause item %d",
				ev.ID, c.ID, cause.SupItemID)
		}
		assert.True(f.t, foundCause, "aggregate %d does not contain its own cause", c.ID)
	}
	for supitem, n := range causes {
		assert.LessOrEqual(f.t, n, 1, "item %d roots %d live aggregates", supitem, n)
	}
}

// ── scenarios ─────────────────────────────────────────────────────────────

func TestManager_SingleHostDownThenUp(t *testing.T) {
	f := newFixture(t)
	f.host("H1")

	out, err := f.send("H1", "DOWN", ts(1))
	require.NoError(t, err)
	require.Len(t, out.Updated, 1)
	c1 := out.Updated[0].CorreventID
	assert.Equal(t, map[string]bool{"H1": true}, f.members(c1))

	_, err = f.send("H1", "UP", ts(2))
	require.NoError(t, err)
	assert.Empty(t, f.live(), "recovery leaves no live aggregate")

	// The aggregate survives as a historical record of the recovery.
	assert.Equal(t, map[string]bool{"H1": true}, f.members(c1))
}

func TestManager_TopologyPromotion(t *testing.T) {
	f := newFixture(t)
	f.host("H1")
	f.host("H2")
	f.host("H3")
	f.host("H4")
	f.depends("H2", "H1", 1)
	f.depends("H4", "H1", 1)
	f.depends("H3", "H4", 1)
	f.depends("H3", "H1", 2)

	_, err := f.send("H2", "UNREACHABLE", ts(1))
	require.NoError(t, err)
	require.Len(t, f.live(), 1)
	c1 := f.live()[0].ID
	assert.Equal(t, map[string]bool{"H2": true}, f.members(c1))

	// The root cause shows up: its aggregate absorbs the symptom's.
	_, err = f.send("H1", "DOWN", ts(2))
	require.NoError(t, err)
	require.Len(t, f.live(), 1)
	c2 := f.live()[0].ID
	assert.NotEqual(t, c1, c2)
	assert.Equal(t, map[string]bool{"H1": true, "H2": true}, f.members(c2))

	// Further symptoms join the existing aggregate, nothing new.
	_, err = f.send("H4", "UNREACHABLE", ts(3))
	require.NoError(t, err)
	require.Len(t, f.live(), 1)
	assert.Equal(t, map[string]bool{"H1": true, "H2": true, "H4": true}, f.members(c2))

	_, err = f.send("H3", "UNREACHABLE", ts(4))
	require.NoError(t, err)
	require.Len(t, f.live(), 1)
	assert.Equal(t, map[string]bool{"H1": true, "H2": true, "H3": true, "H4": true}, f.members(c2))
}

func TestManager_DesaggregationWithIntermediateRoot(t *testing.T) {
	f := newFixture(t)
	f.host("H1")
	f.host("H2")
	f.host("H3")
	f.host("H4")
	f.depends("H2", "H1", 1)
	f.depends("H4", "H1", 1)
	f.depends("H3", "H4", 1)
	f.depends("H3", "H1", 2)

	for _, step := range []struct {
		host, state string
		at          time.Time
	}{
		{"H2", "UNREACHABLE", ts(1)},
		{"H1", "DOWN", ts(2)},
		{"H4", "UNREACHABLE", ts(3)},
		{"H3", "UNREACHABLE", ts(4)},
	} {
		_, err := f.send(step.host, step.state, step.at)
		require.NoError(t, err)
	}

	_, err := f.send("H1", "UP", ts(5))
	require.NoError(t, err)

	// H2 has no problematic ancestor left: its own aggregate. H3 still
	// depends on H4, so both end up in one aggregate rooted at H4.
	live := f.live()
	require.Len(t, live, 2)
	got := []map[string]bool{f.members(live[0].ID), f.members(live[1].ID)}
	assert.Contains(t, got, map[string]bool{"H2": true})
	assert.Contains(t, got, map[string]bool{"H3": true, "H4": true})
}

func TestManager_DiamondTopology(t *testing.T) {
	f := newFixture(t)
	f.host("H1")
	f.host("H2")
	f.host("H3")
	f.depends("H3", "H1", 1)
	f.depends("H3", "H2", 1)

	_, err := f.send("H1", "DOWN", ts(1))
	require.NoError(t, err)
	_, err = f.send("H2", "DOWN", ts(2))
	require.NoError(t, err)
	require.Len(t, f.live(), 2)
	c1, c2 := f.live()[0].ID, f.live()[1].ID

	// The dependent joins both independent ancestors, set semantics.
	_, err = f.send("H3", "UNREACHABLE", ts(3))
	require.NoError(t, err)
	require.Len(t, f.live(), 2)
	assert.Equal(t, map[string]bool{"H1": true, "H3": true}, f.members(c1))
	assert.Equal(t, map[string]bool{"H2": true, "H3": true}, f.members(c2))

	// First recovery removes H3 from that aggregate only; it stays
	// covered by the other, no aggregate of its own.
	_, err = f.send("H1", "UP", ts(4))
	require.NoError(t, err)
	require.Len(t, f.live(), 1)
	assert.Equal(t, map[string]bool{"H1": true}, f.members(c1))
	assert.Equal(t, map[string]bool{"H2": true, "H3": true}, f.members(c2))

	// Second recovery leaves H3 uncovered: now it roots its own.
	_, err = f.send("H2", "UP", ts(5))
	require.NoError(t, err)
	live := f.live()
	require.Len(t, live, 1)
	assert.Equal(t, map[string]bool{"H3": true}, f.members(live[0].ID))
	cause, err := f.store.RawEvent(context.Background(), live[0].CauseEventID)
	require.NoError(t, err)
	assert.Equal(t, f.items["H3"], cause.SupItemID)
}

func TestManager_OldStateLeavesAggregateUntouched(t *testing.T) {
	f := newFixture(t)
	f.host("H1")

	_, err := f.send("H1", "DOWN", ts(10))
	require.NoError(t, err)
	require.Len(t, f.live(), 1)
	before := f.store.Correvents()

	_, err = f.send("H1", "UP", ts(5))
	var stale *repository.OldStateError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, before, f.store.Correvents())
	require.Len(t, f.live(), 1)
}

func TestManager_RepeatedProblemBumpsOccurrence(t *testing.T) {
	f := newFixture(t)
	f.host("H1")

	_, err := f.send("H1", "DOWN", ts(1))
	require.NoError(t, err)
	c1 := f.live()[0].ID

	_, err = f.send("H1", "DOWN", ts(2))
	require.NoError(t, err)
	require.Len(t, f.live(), 1)
	c, err := f.store.Correvent(context.Background(), c1)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Occurrence)
	assert.Equal(t, ts(2), c.Timestamp)
}

func TestManager_RecoveredAggregateIsReusedOnRelapse(t *testing.T) {
	f := newFixture(t)
	f.host("H1")

	_, err := f.send("H1", "DOWN", ts(1))
	require.NoError(t, err)
	c1 := f.store.Correvents()[0].ID

	_, err = f.send("H1", "UP", ts(2))
	require.NoError(t, err)
	_, err = f.send("H1", "DOWN", ts(3))
	require.NoError(t, err)

	// The historical aggregate is reactivated, not duplicated.
	require.Len(t, f.store.Correvents(), 1)
	c, err := f.store.Correvent(context.Background(), c1)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Occurrence)
}

func TestManager_StaleOpenAggrInContext(t *testing.T) {
	f := newFixture(t)
	supID := f.host("H1")
	f.open[supID] = 999 // dangling reference

	out, err := f.send("H1", "DOWN", ts(1))
	require.NoError(t, err)
	require.Len(t, out.Updated, 1)
	assert.Equal(t, map[string]bool{"H1": true}, f.members(out.Updated[0].CorreventID))
}

func TestManager_MergeInheritsTicketAndAck(t *testing.T) {
	f := newFixture(t)
	f.host("H1")
	f.host("H2")
	f.depends("H2", "H1", 1)

	_, err := f.send("H2", "DOWN", ts(10))
	require.NoError(t, err)
	child := f.open[f.items["H2"]]
	require.NotZero(t, child)
	require.NoError(t, f.store.SetCorreventTicket(context.Background(), child, "T-7", model.AckActive))

	// H1 turns out to be the real cause; its aggregate absorbs H2's,
	// and the ticket opened on H2 follows the members.
	_, err = f.send("H1", "DOWN", ts(20))
	require.NoError(t, err)

	survivor, err := f.store.Correvent(context.Background(), f.open[f.items["H1"]])
	require.NoError(t, err)
	assert.Equal(t, "T-7", survivor.TicketID)
	assert.Equal(t, model.AckActive, survivor.AckStatus)

	_, err = f.store.Correvent(context.Background(), child)
	assert.ErrorIs(t, err, repository.ErrCorreventNotFound)
}

func TestManager_MergeRecomputesPriority(t *testing.T) {
	f := newFixture(t)
	f.host("H1")
	f.host("H2")
	f.depends("H2", "H1", 1)

	ctx := context.Background()
	_, err := f.send("H2", "UNREACHABLE", ts(1))
	require.NoError(t, err)
	succ := f.live()[0].ID
	require.NoError(t, f.store.SetCorreventPriority(ctx, succ, 7))

	_, err = f.send("H1", "DOWN", ts(2))
	require.NoError(t, err)
	require.Len(t, f.live(), 1)
	c, err := f.store.Correvent(ctx, f.live()[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 7, c.Priority, "survivor takes the highest merged priority")
}

// ── merge soundness property ──────────────────────────────────────────────

func TestManager_MergeSoundnessProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 100

	properties := gopter.NewProperties(params)
	properties.Property("merge moves every member and removes the source",
		prop.ForAll(func(nSrc, nDst int) bool {
			ctx := context.Background()
			store := memory.NewStore()
			mgr := New(zaptest.NewLogger(t))

			build := func(n int) (int64, map[int64]struct{}) {
				cause := store.AddSupItem("cause", "")
				up, err := store.UpsertRawEvent(ctx, repository.UpsertRawEventParams{
					SupItemID: cause, State: "DOWN", Timestamp: ts(1),
				})
				require.NoError(t, err)
				id, err := store.CreateCorrevent(ctx, repository.CreateCorreventParams{
					CauseEventID: up.ID, Timestamp: ts(1),
				})
				require.NoError(t, err)
				want := map[int64]struct{}{up.ID: {}}
				for i := 0; i < n; i++ {
					item := store.AddSupItem("member", "")
					m, err := store.UpsertRawEvent(ctx, repository.UpsertRawEventParams{
						SupItemID: item, State: "DOWN", Timestamp: ts(1),
					})
					require.NoError(t, err)
					require.NoError(t, store.AddCorreventMember(ctx, id, m.ID))
					want[m.ID] = struct{}{}
				}
				return id, want
			}

			src, srcMembers := build(nSrc)
			dst, dstMembers := build(nDst)

			var out Outcome
			out.OpenAggr = map[int64]int64{}
			_, err := mgr.merge(ctx, store, "msg-prop", src, dst, &out)
			require.NoError(t, err)

			if _, err := store.Correvent(ctx, src); !errors.Is(err, repository.ErrCorreventNotFound) {
				return false
			}
			got, err := store.CorreventMembers(ctx, dst)
			require.NoError(t, err)
			union := map[int64]struct{}{}
			for id := range srcMembers {
				union[id] = struct{}{}
			}
			for id := range dstMembers {
				union[id] = struct{}{}
			}
			if len(got) != len(union) {
				return false
			}
			for _, ev := range got {
				if _, ok := union[ev.ID]; !ok {
					return false
				}
			}
			return true
		}, gen.IntRange(0, 6), gen.IntRange(0, 6)))

	properties.TestingRun(t)
}
