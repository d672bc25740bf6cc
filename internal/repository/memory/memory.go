// Package memory provides an in-memory implementation of
// repository.Querier for tests, together with topology fixture helpers.
// Semantics mirror the Postgres implementation, including the stored
// transitive closure of the dependency graph.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vigilo/correlator/internal/model"
	"github.com/vigilo/correlator/internal/repository"
)

type dependency struct {
	ancestor int64
	distance int
}

// Store is an in-memory repository.Querier.
type Store struct {
	mu sync.Mutex

	nextSupItem   int64
	nextEvent     int64
	nextCorrevent int64

	supitems  map[string]int64 // "host\x00service" -> id
	rawEvents map[int64]repository.RawEvent
	bySupItem map[int64]int64 // supitem id -> raw event id

	correvents map[int64]repository.Correvent
	members    map[int64]map[int64]struct{} // correvent id -> raw event ids

	deps map[int64][]dependency // dependent -> closure ancestors

	History    []repository.HistoryParams
	HLSHistory []repository.HLSHistoryParams
}

// NewStore builds an empty in-memory model.
func NewStore() *Store {
	return &Store{
		supitems:   map[string]int64{},
		rawEvents:  map[int64]repository.RawEvent{},
		bySupItem:  map[int64]int64{},
		correvents: map[int64]repository.Correvent{},
		members:    map[int64]map[int64]struct{}{},
		deps:       map[int64][]dependency{},
	}
}

var _ repository.Querier = (*Store)(nil)

func supItemKey(host, service string) string { return host + "\x00" + service }

// ── fixtures ──────────────────────────────────────────────────────────────

// AddSupItem registers a supervised item and returns its id.
func (s *Store) AddSupItem(host, service string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSupItem++
	s.supitems[supItemKey(host, service)] = s.nextSupItem
	return s.nextSupItem
}

// AddDependency records one closure edge: dependent transitively depends
// on ancestor at the given distance.
func (s *Store) AddDependency(dependent, ancestor int64, distance int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deps[dependent] = append(s.deps[dependent], dependency{ancestor: ancestor, distance: distance})
}

// ── repository.Querier ────────────────────────────────────────────────────

func (s *Store) GetSupItem(_ context.Context, host, service string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.supitems[supItemKey(host, service)]
	if !ok {
		return 0, repository.ErrSupItemNotFound
	}
	return id, nil
}

func (s *Store) UpsertRawEvent(_ context.Context, arg repository.UpsertRawEventParams) (repository.RawEventUpsert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.bySupItem[arg.SupItemID]; ok {
		ev := s.rawEvents[id]
		if ev.Timestamp.After(arg.Timestamp) || (ev.Timestamp.Equal(arg.Timestamp) && ev.State == arg.State) {
			return repository.RawEventUpsert{}, &repository.OldStateError{
				Current:  ev.Timestamp,
				Received: arg.Timestamp,
			}
		}
		prev := ev.State
		ev.State = arg.State
		ev.Message = arg.Message
		ev.Timestamp = arg.Timestamp
		s.rawEvents[id] = ev
		return repository.RawEventUpsert{ID: id, Previous: prev}, nil
	}

	s.nextEvent++
	s.rawEvents[s.nextEvent] = repository.RawEvent{
		ID:        s.nextEvent,
		SupItemID: arg.SupItemID,
		State:     arg.State,
		Message:   arg.Message,
		Timestamp: arg.Timestamp,
	}
	s.bySupItem[arg.SupItemID] = s.nextEvent
	return repository.RawEventUpsert{ID: s.nextEvent, IsNew: true}, nil
}

func (s *Store) RawEvent(_ context.Context, id int64) (repository.RawEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.rawEvents[id]
	if !ok {
		return repository.RawEvent{}, repository.ErrRawEventNotFound
	}
	return ev, nil
}

func (s *Store) RawEventBySupItem(_ context.Context, supItemID int64) (repository.RawEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.bySupItem[supItemID]
	if !ok {
		return repository.RawEvent{}, repository.ErrRawEventNotFound
	}
	return s.rawEvents[id], nil
}

func (s *Store) InsertHistory(_ context.Context, arg repository.HistoryParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.History = append(s.History, arg)
	return nil
}

func (s *Store) InsertHLSHistory(_ context.Context, arg repository.HLSHistoryParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.HLSHistory = append(s.HLSHistory, arg)
	return nil
}

func (s *Store) UpdateTicket(_ context.Context, ticketID, ackStatus string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, c := range s.correvents {
		if c.TicketID == ticketID {
			c.AckStatus = ackStatus
			s.correvents[id] = c
			n++
		}
	}
	return n, nil
}

func (s *Store) CreateCorrevent(_ context.Context, arg repository.CreateCorreventParams) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextCorrevent++
	id := s.nextCorrevent
	s.correvents[id] = repository.Correvent{
		ID:           id,
		CauseEventID: arg.CauseEventID,
		Priority:     arg.Priority,
		TicketID:     arg.TicketID,
		AckStatus:    arg.AckStatus,
		Occurrence:   1,
		Timestamp:    arg.Timestamp,
	}
	s.members[id] = map[int64]struct{}{arg.CauseEventID: {}}
	return id, nil
}

func (s *Store) Correvent(_ context.Context, id int64) (repository.Correvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.correvents[id]
	if !ok {
		return repository.Correvent{}, repository.ErrCorreventNotFound
	}
	return c, nil
}

func (s *Store) DeleteCorrevent(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.correvents, id)
	delete(s.members, id)
	return nil
}

func (s *Store) OpenCorreventByCause(_ context.Context, supItemID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	evID, ok := s.bySupItem[supItemID]
	if !ok {
		return 0, nil
	}
	for id, c := range s.correvents {
		if c.CauseEventID == evID {
			return id, nil
		}
	}
	return 0, nil
}

func (s *Store) OpenAggregatesBelow(_ context.Context, supItemID int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int64
	for id, c := range s.correvents {
		cause, ok := s.rawEvents[c.CauseEventID]
		if !ok || model.IsNominal(cause.State) {
			continue
		}
		for _, d := range s.deps[cause.SupItemID] {
			if d.ancestor == supItemID {
				out = append(out, id)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *Store) BumpCorreventOccurrence(_ context.Context, id int64, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.correvents[id]
	if !ok {
		return repository.ErrCorreventNotFound
	}
	c.Occurrence++
	c.Timestamp = ts
	s.correvents[id] = c
	return nil
}

func (s *Store) SetCorreventPriority(_ context.Context, id int64, priority int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.correvents[id]
	if !ok {
		return repository.ErrCorreventNotFound
	}
	c.Priority = priority
	s.correvents[id] = c
	return nil
}

func (s *Store) SetCorreventTicket(_ context.Context, id int64, ticketID, ackStatus string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.correvents[id]
	if !ok {
		return repository.ErrCorreventNotFound
	}
	c.TicketID = ticketID
	c.AckStatus = ackStatus
	s.correvents[id] = c
	return nil
}

func (s *Store) AddCorreventMember(_ context.Context, correventID, rawEventID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.members[correventID]
	if !ok {
		return repository.ErrCorreventNotFound
	}
	set[rawEventID] = struct{}{}
	return nil
}

func (s *Store) RemoveCorreventMember(_ context.Context, correventID, rawEventID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.members[correventID]; ok {
		delete(set, rawEventID)
	}
	return nil
}

func (s *Store) CorreventMembers(_ context.Context, correventID int64) ([]repository.RawEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.members[correventID]
	if !ok {
		return nil, repository.ErrCorreventNotFound
	}
	out := make([]repository.RawEvent, 0, len(set))
	for id := range set {
		out = append(out, s.rawEvents[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) CorreventsWithMember(_ context.Context, rawEventID int64) ([]repository.Correvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []repository.Correvent
	for id, set := range s.members {
		if _, ok := set[rawEventID]; ok {
			out = append(out, s.correvents[id])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) HasDependencyPath(_ context.Context, from, to int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.deps[from] {
		if d.ancestor == to {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) DependencyDistance(_ context.Context, from, to int64) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	best, found := 0, false
	for _, d := range s.deps[from] {
		if d.ancestor == to && (!found || d.distance < best) {
			best, found = d.distance, true
		}
	}
	return best, found, nil
}

func (s *Store) ProblemAncestors(_ context.Context, supItemID int64) ([]repository.Ancestor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []repository.Ancestor
	for _, d := range s.deps[supItemID] {
		evID, ok := s.bySupItem[d.ancestor]
		if !ok {
			continue
		}
		ev := s.rawEvents[evID]
		if model.IsNominal(ev.State) {
			continue
		}
		out = append(out, repository.Ancestor{
			SupItemID:  d.ancestor,
			RawEventID: evID,
			State:      ev.State,
			Distance:   d.distance,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].SupItemID < out[j].SupItemID
	})
	return out, nil
}

// Correvents returns every live aggregate, ordered by id. Test helper.
func (s *Store) Correvents() []repository.Correvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]repository.Correvent, 0, len(s.correvents))
	for _, c := range s.correvents {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
