// Package correvent implements the aggregate transition engine. After
// the rule DAG has run for an event, the manager reads the decisive
// inputs the rules produced (predecessor aggregates, successor
// aggregates, the item's open aggregate) and performs exactly one
// transition: create, join, merge, bump or desaggregate. Every
// transition runs inside a single gateway transaction.
package correvent

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/vigilo/correlator/internal/model"
	"github.com/vigilo/correlator/internal/repository"
)

// Input is the post-correlation view of one event. Predecessors,
// Successors and OpenAggr come from the context, written by rules; the
// rest comes from the ingest step.
type Input struct {
	MsgID      string
	SupItemID  int64
	RawEventID int64
	State      string
	Timestamp  time.Time
	Priority   int
	TicketID   string
	AckStatus  string

	// Predecessors are aggregates whose cause is upstream of this item.
	Predecessors []int64
	// Successors are aggregates whose cause depends on this item.
	Successors []int64
	// OpenAggr is the aggregate currently rooted at this item, 0 when none.
	OpenAggr int64
}

// Notification is one aggregate whose membership changed, ready for
// publication.
type Notification struct {
	CorreventID int64
	Members     []int64
}

// Outcome reports what the transition touched. OpenAggr maps supitem
// ids to their new open aggregate (0 clears the key); the dispatcher
// applies it to the shared context after the transaction commits.
type Outcome struct {
	Updated  []Notification
	OpenAggr map[int64]int64
}

// Manager drives aggregate transitions.
type Manager struct {
	logger *zap.Logger
}

func New(logger *zap.Logger) *Manager {
	return &Manager{logger: logger}
}

// Handle performs the transition for one event. It must be called from
// inside a gateway transaction: all mutations commit or roll back as
// one unit.
func (m *Manager) Handle(ctx context.Context, q repository.Querier, in Input) (Outcome, error) {
	out := Outcome{OpenAggr: map[int64]int64{}}

	open := in.OpenAggr
	if open != 0 {
		// Context values may be stale; drop the reference if the
		// aggregate is gone.
		if _, err := q.Correvent(ctx, open); err != nil {
			if !errors.Is(err, repository.ErrCorreventNotFound) {
				return Outcome{}, err
			}
			m.logger.Warn("stale open aggregate in context",
				zap.String("message_id", in.MsgID),
				zap.Int64("correvent_id", open),
			)
			open = 0
		}
	}

	if model.IsNominal(in.State) {
		if open == 0 {
			// NoProblem short-circuited earlier; nothing to do.
			return out, nil
		}
		if err := m.desaggregate(ctx, q, in, open, &out); err != nil {
			return Outcome{}, err
		}
		return out, nil
	}

	switch {
	case open != 0:
		if err := m.bump(ctx, q, in, open, &out); err != nil {
			return Outcome{}, err
		}
	case len(in.Successors) > 0:
		if err := m.promote(ctx, q, in, &out); err != nil {
			return Outcome{}, err
		}
	case len(in.Predecessors) > 0:
		if err := m.join(ctx, q, in, &out); err != nil {
			return Outcome{}, err
		}
	default:
		id, err := m.create(ctx, q, in)
		if err != nil {
			return Outcome{}, err
		}
		out.OpenAggr[in.SupItemID] = id
		m.note(ctx, q, &out, id)
	}
	return out, nil
}

// ── transitions ───────────────────────────────────────────────────────────

func (m *Manager) create(ctx context.Context, q repository.Querier, in Input) (int64, error) {
	id, err := q.CreateCorrevent(ctx, repository.CreateCorreventParams{
		CauseEventID: in.RawEventID,
		Priority:     in.Priority,
		TicketID:     in.TicketID,
		AckStatus:    in.AckStatus,
		Timestamp:    in.Timestamp,
	})
	if err != nil {
		return 0, fmt.Errorf("create aggregate: %w", err)
	}
	m.logger.Info("aggregate created",
		zap.String("message_id", in.MsgID),
		zap.Int64("correvent_id", id),
		zap.Int64("idsupitem", in.SupItemID),
	)
	return id, nil
}

// bump refreshes an aggregate the item already roots: one more
// occurrence of the same problem.
func (m *Manager) bump(ctx context.Context, q repository.Querier, in Input, open int64, out *Outcome) error {
	if err := q.BumpCorreventOccurrence(ctx, open, in.Timestamp); err != nil {
		return fmt.Errorf("bump aggregate %d: %w", open, err)
	}
	if in.Priority != 0 {
		if err := q.SetCorreventPriority(ctx, open, in.Priority); err != nil {
			return fmt.Errorf("set priority on aggregate %d: %w", open, err)
		}
	}
	out.OpenAggr[in.SupItemID] = open
	m.note(ctx, q, out, open)
	return nil
}

// join adds the raw event to every predecessor aggregate: the problem
// is a symptom of already-known root causes, no new aggregate.
func (m *Manager) join(ctx context.Context, q repository.Querier, in Input, out *Outcome) error {
	for _, pred := range in.Predecessors {
		if err := q.AddCorreventMember(ctx, pred, in.RawEventID); err != nil {
			if errors.Is(err, repository.ErrCorreventNotFound) {
				m.logger.Warn("stale predecessor aggregate in context",
					zap.String("message_id", in.MsgID),
					zap.Int64("correvent_id", pred),
				)
				continue
			}
			return fmt.Errorf("join aggregate %d: %w", pred, err)
		}
		m.note(ctx, q, out, pred)
	}
	return nil
}

// promote creates a new aggregate rooted at the item and merges every
// successor aggregate into it: a higher-level cause was discovered for
// problems already being tracked. Predecessors, if any, also receive
// the raw event as a member.
func (m *Manager) promote(ctx context.Context, q repository.Querier, in Input, out *Outcome) error {
	id, err := m.create(ctx, q, in)
	if err != nil {
		return err
	}
	priority := in.Priority
	ticket, ack := in.TicketID, in.AckStatus
	for _, succ := range in.Successors {
		sc, err := m.merge(ctx, q, in.MsgID, succ, id, out)
		if err != nil {
			return err
		}
		if sc.Priority > priority {
			priority = sc.Priority
		}
		if ticket == "" && sc.TicketID != "" {
			// The absorbed aggregate was already being worked on; its
			// ticket and acknowledgement follow the members.
			ticket, ack = sc.TicketID, sc.AckStatus
		}
	}
	if priority != in.Priority {
		if err := q.SetCorreventPriority(ctx, id, priority); err != nil {
			return fmt.Errorf("set priority on aggregate %d: %w", id, err)
		}
	}
	if ticket != in.TicketID || ack != in.AckStatus {
		if err := q.SetCorreventTicket(ctx, id, ticket, ack); err != nil {
			return fmt.Errorf("set ticket on aggregate %d: %w", id, err)
		}
	}
	if len(in.Predecessors) > 0 {
		if err := m.join(ctx, q, in, out); err != nil {
			return err
		}
	}
	out.OpenAggr[in.SupItemID] = id
	m.note(ctx, q, out, id)
	return nil
}

// merge moves every member of src into dst, deletes src and clears the
// open-aggregate key of src's cause item. It returns the absorbed
// aggregate so the caller can recompute dst's priority and ticket.
func (m *Manager) merge(ctx context.Context, q repository.Querier, msgID string, src, dst int64, out *Outcome) (repository.Correvent, error) {
	sc, err := q.Correvent(ctx, src)
	if err != nil {
		if errors.Is(err, repository.ErrCorreventNotFound) {
			m.logger.Warn("stale successor aggregate in context",
				zap.String("message_id", msgID),
				zap.Int64("correvent_id", src),
			)
			return repository.Correvent{}, nil
		}
		return repository.Correvent{}, err
	}
	members, err := q.CorreventMembers(ctx, src)
	if err != nil {
		return repository.Correvent{}, err
	}
	for _, ev := range members {
		if err := q.AddCorreventMember(ctx, dst, ev.ID); err != nil {
			return repository.Correvent{}, fmt.Errorf("merge member %d into aggregate %d: %w", ev.ID, dst, err)
		}
	}
	if err := q.DeleteCorrevent(ctx, src); err != nil {
		return repository.Correvent{}, err
	}

	cause, err := q.RawEvent(ctx, sc.CauseEventID)
	if err != nil {
		return repository.Correvent{}, err
	}
	remaining, err := q.OpenCorreventByCause(ctx, cause.SupItemID)
	if err != nil {
		return repository.Correvent{}, err
	}
	out.OpenAggr[cause.SupItemID] = remaining

	m.logger.Info("aggregate merged",
		zap.String("message_id", msgID),
		zap.Int64("from", src),
		zap.Int64("into", dst),
		zap.Int("members", len(members)),
	)
	return sc, nil
}

// desaggregate handles the recovery of an aggregate's cause. Members
// are re-homed nearest-first so that an aggregate re-rooted at an
// intermediate item exists before that item's own dependents are
// examined. The recovered aggregate persists as a historical record,
// membership reduced to its cause.
func (m *Manager) desaggregate(ctx context.Context, q repository.Querier, in Input, open int64, out *Outcome) error {
	c, err := q.Correvent(ctx, open)
	if err != nil {
		return err
	}
	members, err := q.CorreventMembers(ctx, open)
	if err != nil {
		return err
	}
	cause, err := q.RawEvent(ctx, c.CauseEventID)
	if err != nil {
		return err
	}

	orphans := make([]repository.RawEvent, 0, len(members))
	for _, ev := range members {
		if ev.ID != c.CauseEventID {
			orphans = append(orphans, ev)
		}
	}
	sortByDistanceTo(ctx, q, orphans, cause.SupItemID)

	for _, ev := range orphans {
		if err := q.RemoveCorreventMember(ctx, open, ev.ID); err != nil {
			return err
		}
		if model.IsNominal(ev.State) {
			continue
		}
		covered, err := m.coveredElsewhere(ctx, q, ev.ID, open)
		if err != nil {
			return err
		}
		if covered {
			// Another upstream problem still aggregates this member;
			// it stays there and gets nothing new.
			continue
		}
		if err := m.rehome(ctx, q, in, c, ev, out); err != nil {
			return err
		}
	}

	m.logger.Info("aggregate desaggregated",
		zap.String("message_id", in.MsgID),
		zap.Int64("correvent_id", open),
		zap.Int("orphans", len(orphans)),
	)
	m.note(ctx, q, out, open)
	return nil
}

// rehome attaches one orphaned member to the open aggregate of its
// nearest still-problematic ancestors, creating those aggregates when
// missing. Equidistant ancestors all receive the member. With no
// problematic ancestor left, the member roots its own aggregate.
func (m *Manager) rehome(ctx context.Context, q repository.Querier, in Input, old repository.Correvent, ev repository.RawEvent, out *Outcome) error {
	ancestors, err := q.ProblemAncestors(ctx, ev.SupItemID)
	if err != nil {
		return err
	}

	if len(ancestors) == 0 {
		id, err := q.OpenCorreventByCause(ctx, ev.SupItemID)
		if err != nil {
			return err
		}
		if id == 0 {
			id, err = q.CreateCorrevent(ctx, repository.CreateCorreventParams{
				CauseEventID: ev.ID,
				Priority:     old.Priority,
				TicketID:     old.TicketID,
				AckStatus:    old.AckStatus,
				Timestamp:    in.Timestamp,
			})
			if err != nil {
				return fmt.Errorf("re-root aggregate at event %d: %w", ev.ID, err)
			}
		}
		out.OpenAggr[ev.SupItemID] = id
		m.note(ctx, q, out, id)
		return nil
	}

	nearest := ancestors[0].Distance
	for _, anc := range ancestors {
		if anc.Distance != nearest {
			break
		}
		id, err := q.OpenCorreventByCause(ctx, anc.SupItemID)
		if err != nil {
			return err
		}
		if id == 0 {
			id, err = q.CreateCorrevent(ctx, repository.CreateCorreventParams{
				CauseEventID: anc.RawEventID,
				Priority:     old.Priority,
				TicketID:     old.TicketID,
				AckStatus:    old.AckStatus,
				Timestamp:    in.Timestamp,
			})
			if err != nil {
				return fmt.Errorf("re-root aggregate at ancestor %d: %w", anc.SupItemID, err)
			}
			out.OpenAggr[anc.SupItemID] = id
		}
		if err := q.AddCorreventMember(ctx, id, ev.ID); err != nil {
			return err
		}
		m.note(ctx, q, out, id)
	}
	return nil
}

// ── helpers ───────────────────────────────────────────────────────────────

// coveredElsewhere reports whether the raw event is a member of a live
// aggregate other than the one being dismantled.
func (m *Manager) coveredElsewhere(ctx context.Context, q repository.Querier, rawEventID, except int64) (bool, error) {
	holders, err := q.CorreventsWithMember(ctx, rawEventID)
	if err != nil {
		return false, err
	}
	for _, h := range holders {
		if h.ID != except {
			return true, nil
		}
	}
	return false, nil
}

// note records the aggregate's current membership for publication,
// replacing any earlier snapshot of the same aggregate.
func (m *Manager) note(ctx context.Context, q repository.Querier, out *Outcome, id int64) {
	members, err := q.CorreventMembers(ctx, id)
	if err != nil {
		m.logger.Warn("membership snapshot failed", zap.Int64("correvent_id", id), zap.Error(err))
		return
	}
	ids := make([]int64, 0, len(members))
	for _, ev := range members {
		ids = append(ids, ev.ID)
	}
	for i := range out.Updated {
		if out.Updated[i].CorreventID == id {
			out.Updated[i].Members = ids
			return
		}
	}
	out.Updated = append(out.Updated, Notification{CorreventID: id, Members: ids})
}

// sortByDistanceTo orders raw events by their closure distance to the
// given item, nearest first; events without a path sort last.
func sortByDistanceTo(ctx context.Context, q repository.Querier, evs []repository.RawEvent, supItemID int64) {
	dist := make(map[int64]int, len(evs))
	for _, ev := range evs {
		d, ok, err := q.DependencyDistance(ctx, ev.SupItemID, supItemID)
		if err != nil || !ok {
			d = math.MaxInt
		}
		dist[ev.ID] = d
	}
	sort.SliceStable(evs, func(i, j int) bool {
		return dist[evs[i].ID] < dist[evs[j].ID]
	})
}
