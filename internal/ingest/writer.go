package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/vigilo/correlator/internal/model"
	"github.com/vigilo/correlator/internal/repository"
)

// StateResult is the outcome of persisting one event's state change.
type StateResult struct {
	Upsert repository.RawEventUpsert

	// Stale is set when the incoming timestamp is older than the stored
	// one. Nothing was modified; the pipeline stops silently.
	Stale       bool
	StaleStored time.Time

	// NoProblem is set when the state is nominal and the item has no open
	// aggregate: the pipeline short-circuits without running the rules.
	NoProblem bool

	// OpenAggr is the id of the item's open aggregate at write time, or 0.
	OpenAggr int64
}

// WriteState persists the state row and the history entry for one event,
// implementing the stale-state and no-problem short-circuits. It must run
// inside a single gateway transaction.
func WriteState(ctx context.Context, q repository.Querier, supItemID int64, ev model.Event) (StateResult, error) {
	var res StateResult

	open, err := q.OpenCorreventByCause(ctx, supItemID)
	if err != nil {
		return res, err
	}
	res.OpenAggr = open

	nominal := model.IsNominal(ev.State)
	if nominal && open == 0 {
		// A nominal state with no open aggregate must not create one. If
		// the item has no state row yet there is nothing to record at all.
		if _, err := q.RawEventBySupItem(ctx, supItemID); errors.Is(err, repository.ErrRawEventNotFound) {
			res.NoProblem = true
			return res, nil
		} else if err != nil {
			return res, err
		}
	}

	up, err := q.UpsertRawEvent(ctx, repository.UpsertRawEventParams{
		SupItemID: supItemID,
		State:     ev.State,
		Message:   ev.Message,
		Timestamp: ev.Timestamp,
	})
	var oldState *repository.OldStateError
	if errors.As(err, &oldState) {
		res.Stale = true
		res.StaleStored = oldState.Current
		return res, nil
	}
	if err != nil {
		return res, err
	}
	res.Upsert = up

	if ev.Host == "" {
		err = q.InsertHLSHistory(ctx, repository.HLSHistoryParams{
			ServiceName: ev.Service,
			State:       ev.State,
			Message:     ev.Message,
			Timestamp:   ev.Timestamp,
		})
	} else {
		err = q.InsertHistory(ctx, repository.HistoryParams{
			SupItemID: supItemID,
			State:     ev.State,
			Message:   ev.Message,
			Timestamp: ev.Timestamp,
		})
	}
	if err != nil {
		return res, err
	}

	res.NoProblem = nominal && open == 0
	return res, nil
}

// HandleTicket applies a ticket mutation to every aggregate referencing
// it. Runs in its own transaction; no correlation rules are involved.
func HandleTicket(ctx context.Context, q repository.Querier, t model.Ticket) (int64, error) {
	status := t.AckStatus
	if status == "" {
		status = model.AckClosed
	}
	return q.UpdateTicket(ctx, t.TicketID, status)
}
