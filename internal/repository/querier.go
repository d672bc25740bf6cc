package repository

import (
	"context"
	"time"
)

// Querier is the set of model operations the correlator performs. The
// Postgres implementation lives in this package; tests use the in-memory
// implementation from repository/memory.
type Querier interface {
	// GetSupItem resolves a (host, service) pair to its item id. Service
	// is empty for host-only items; host is empty for high-level services.
	GetSupItem(ctx context.Context, host, service string) (int64, error)

	// UpsertRawEvent records one state change in place. It returns an
	// *OldStateError when the stored timestamp is more recent than the
	// incoming one, or when the incoming change duplicates the stored
	// one exactly; in both cases nothing is modified.
	UpsertRawEvent(ctx context.Context, arg UpsertRawEventParams) (RawEventUpsert, error)

	RawEvent(ctx context.Context, id int64) (RawEvent, error)
	RawEventBySupItem(ctx context.Context, supItemID int64) (RawEvent, error)

	InsertHistory(ctx context.Context, arg HistoryParams) error
	InsertHLSHistory(ctx context.Context, arg HLSHistoryParams) error

	// UpdateTicket applies a ticket mutation to every correlated event
	// referencing the ticket and returns how many were touched.
	UpdateTicket(ctx context.Context, ticketID, ackStatus string) (int64, error)

	CreateCorrevent(ctx context.Context, arg CreateCorreventParams) (int64, error)
	Correvent(ctx context.Context, id int64) (Correvent, error)
	DeleteCorrevent(ctx context.Context, id int64) error

	// OpenCorreventByCause returns the id of the aggregate whose cause raw
	// event belongs to the given item, or 0 when there is none.
	OpenCorreventByCause(ctx context.Context, supItemID int64) (int64, error)

	// OpenAggregatesBelow lists live aggregates whose cause item
	// transitively depends on the given item: candidates for merging
	// when the item turns out to be the higher-level cause.
	OpenAggregatesBelow(ctx context.Context, supItemID int64) ([]int64, error)

	BumpCorreventOccurrence(ctx context.Context, id int64, ts time.Time) error
	SetCorreventPriority(ctx context.Context, id int64, priority int) error
	SetCorreventTicket(ctx context.Context, id int64, ticketID, ackStatus string) error

	AddCorreventMember(ctx context.Context, correventID, rawEventID int64) error
	RemoveCorreventMember(ctx context.Context, correventID, rawEventID int64) error
	CorreventMembers(ctx context.Context, correventID int64) ([]RawEvent, error)
	CorreventsWithMember(ctx context.Context, rawEventID int64) ([]Correvent, error)

	// HasDependencyPath reports whether `from` transitively depends on `to`
	// in the topology closure.
	HasDependencyPath(ctx context.Context, from, to int64) (bool, error)
	// DependencyDistance returns the closure distance from `from` up to
	// `to`; ok is false when there is no path.
	DependencyDistance(ctx context.Context, from, to int64) (dist int, ok bool, err error)
	// ProblemAncestors lists the closure ancestors of an item whose raw
	// event is currently in a problem state, nearest first.
	ProblemAncestors(ctx context.Context, supItemID int64) ([]Ancestor, error)
}
