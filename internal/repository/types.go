// Package repository exposes the slice of the supervision model the
// correlator needs: supervised items, raw state events, correlated events
// and the topology closure. The relational schema itself is owned by the
// models module; this package only depends on the operations below.
package repository

import (
	"errors"
	"fmt"
	"time"
)

// ErrSupItemNotFound reports a (host, service) pair unknown to the
// supervision model. Messages about unknown items are dropped.
var ErrSupItemNotFound = errors.New("supervised item not found")

// ErrCorreventNotFound reports a dangling correlated-event id.
var ErrCorreventNotFound = errors.New("correlated event not found")

// ErrRawEventNotFound reports a missing raw event row.
var ErrRawEventNotFound = errors.New("raw event not found")

// OldStateError is returned by UpsertRawEvent when the incoming timestamp
// is older than the stored one, or when the change is an exact duplicate
// of the stored one. The pipeline drops such messages silently.
type OldStateError struct {
	Current  time.Time
	Received time.Time
}

func (e *OldStateError) Error() string {
	return fmt.Sprintf("state is older than the stored one (current %s, received %s)",
		e.Current.Format(time.RFC3339), e.Received.Format(time.RFC3339))
}

// RawEvent is the current state record of one supervised item. There is at
// most one row per item; it is mutated in place on every state change.
type RawEvent struct {
	ID        int64
	SupItemID int64
	State     string
	Message   string
	Timestamp time.Time
}

// Correvent is an aggregate of raw events sharing a causal root. The cause
// raw event's supervised item is the aggregate's subject.
type Correvent struct {
	ID           int64
	CauseEventID int64
	Priority     int
	TicketID     string
	AckStatus    string
	Occurrence   int
	Timestamp    time.Time
}

// Ancestor is one entry of the topology closure above a supervised item.
type Ancestor struct {
	SupItemID  int64
	RawEventID int64
	State      string
	Distance   int
}

// UpsertRawEventParams carries one incoming state change.
type UpsertRawEventParams struct {
	SupItemID int64
	State     string
	Message   string
	Timestamp time.Time
}

// RawEventUpsert is the outcome of UpsertRawEvent.
type RawEventUpsert struct {
	ID       int64
	Previous string // empty when the row was created
	IsNew    bool
}

// HistoryParams is one history entry for a host or low-level service.
type HistoryParams struct {
	SupItemID int64
	State     string
	Message   string
	Timestamp time.Time
}

// HLSHistoryParams is one history entry for a high-level service.
type HLSHistoryParams struct {
	ServiceName string
	State       string
	Message     string
	Timestamp   time.Time
}

// CreateCorreventParams creates a new aggregate rooted at CauseEventID.
// The cause is always inserted as a member as well.
type CreateCorreventParams struct {
	CauseEventID int64
	Priority     int
	TicketID     string
	AckStatus    string
	Timestamp    time.Time
}
