package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vigilo/correlator/internal/contextstore"
	"github.com/vigilo/correlator/internal/correvent"
	"github.com/vigilo/correlator/internal/ingest"
	"github.com/vigilo/correlator/internal/model"
	"github.com/vigilo/correlator/internal/repository"
	"github.com/vigilo/correlator/internal/rules"
)

func (d *Dispatcher) process(ctx context.Context, raw []byte) error {
	msg, err := ingest.Parse(raw, d.hlsSentinel)
	if err != nil {
		return fmt.Errorf("invalid message: %w", err)
	}

	switch p := msg.Payload.(type) {
	case model.Event:
		return d.handleEvent(ctx, msg, p)
	case model.Ticket:
		return d.handleTicket(ctx, msg, p)
	case model.ComputationOrder:
		return d.handleComputationOrder(ctx, msg, p)
	case model.Other:
		d.logger.Debug("ignoring frame", zap.String("kind", p.Kind))
		return nil
	default:
		return fmt.Errorf("invalid message: unhandled payload %T", p)
	}
}

// handleEvent is the full pipeline for one state change: persist the
// state, seed the context, walk the rule DAG, apply the aggregate
// transition, publish the results.
func (d *Dispatcher) handleEvent(ctx context.Context, msg model.Message, ev model.Event) error {
	start := time.Now()

	var supID int64
	var res ingest.StateResult
	err := d.db.Run(ctx, func(ctx context.Context, q repository.Querier) error {
		id, err := q.GetSupItem(ctx, ev.Host, ev.Service)
		if err != nil {
			return err
		}
		supID = id
		res, err = ingest.WriteState(ctx, q, supID, ev)
		return err
	})
	if errors.Is(err, repository.ErrSupItemNotFound) {
		d.logger.Warn("event for unknown item dropped",
			zap.String("message_id", msg.ID),
			zap.String("host", ev.Host),
			zap.String("service", ev.Service),
		)
		return nil
	}
	if err != nil {
		return err
	}
	if res.Stale {
		d.logger.Debug("stale state ignored",
			zap.String("message_id", msg.ID),
			zap.Time("stored", res.StaleStored),
			zap.Time("received", ev.Timestamp),
		)
		return nil
	}

	if err := d.seedContext(ctx, msg, ev, supID, res); err != nil {
		return err
	}

	if res.NoProblem {
		// Nominal state, nothing open: republish the state and stop.
		if err := d.publishState(msg.ID, ev); err != nil {
			return err
		}
		d.expireContext(ctx, msg.ID)
		d.recordTotal(time.Since(start))
		return nil
	}

	if err := d.engine.Process(ctx, msg.ID, msg.Raw); err != nil {
		// A mandatory rule failed; correlating on a known-partial
		// context would produce wrong aggregates.
		d.logger.Error("pipeline aborted by rule graph",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		d.expireContext(ctx, msg.ID)
		return nil
	}

	in, err := d.collectInput(ctx, msg, ev, supID, res)
	if err != nil {
		return err
	}

	var out correvent.Outcome
	err = d.db.Run(ctx, func(ctx context.Context, q repository.Querier) error {
		var err error
		out, err = d.manager.Handle(ctx, q, in)
		return err
	})
	if err != nil {
		return err
	}

	// The transaction is committed; context failures past this point
	// must not resurrect the message.
	for supitem, id := range out.OpenAggr {
		if err := d.ctxStore.SetShared(ctx, contextstore.OpenAggrKey(supitem), id); err != nil {
			d.logger.Warn("open aggregate key not updated",
				zap.Int64("idsupitem", supitem),
				zap.Error(err),
			)
		}
	}

	if err := d.publishState(msg.ID, ev); err != nil {
		return err
	}
	if ev.Host != "" {
		for _, n := range out.Updated {
			if err := d.publishCorrevent(ev, n); err != nil {
				return err
			}
		}
	}

	d.expireContext(ctx, msg.ID)
	d.recordTotal(time.Since(start))
	return nil
}

// seedContext writes the standard keys every rule can rely on.
func (d *Dispatcher) seedContext(ctx context.Context, msg model.Message, ev model.Event, supID int64, res ingest.StateResult) error {
	seed := []struct {
		key   string
		value interface{}
	}{
		{contextstore.KeyHostname, ev.Host},
		{contextstore.KeyServicename, ev.Service},
		{contextstore.KeyStatename, ev.State},
		{contextstore.KeyTimestamp, ev.Timestamp.Unix()},
		{contextstore.KeyIDSupItem, supID},
		{contextstore.KeyPayload, string(msg.Raw)},
		{contextstore.KeyPreviousState, res.Upsert.Previous},
		{contextstore.KeyRawEventID, res.Upsert.ID},
		{contextstore.KeyImpactedHLS, ev.ImpactedHLS},
	}
	for _, kv := range seed {
		if err := d.ctxStore.Set(ctx, msg.ID, kv.key, kv.value); err != nil {
			return err
		}
	}
	return nil
}

// collectInput gathers the decisive context the rules produced.
func (d *Dispatcher) collectInput(ctx context.Context, msg model.Message, ev model.Event, supID int64, res ingest.StateResult) (correvent.Input, error) {
	in := correvent.Input{
		MsgID:      msg.ID,
		SupItemID:  supID,
		RawEventID: res.Upsert.ID,
		State:      ev.State,
		Timestamp:  ev.Timestamp,
		TicketID:   ev.TicketID,
		AckStatus:  ev.AckStatus,
	}
	if _, err := d.ctxStore.Get(ctx, msg.ID, contextstore.KeyPredecessors, &in.Predecessors); err != nil {
		return in, err
	}
	if _, err := d.ctxStore.Get(ctx, msg.ID, contextstore.KeySuccessors, &in.Successors); err != nil {
		return in, err
	}
	if _, err := d.ctxStore.Get(ctx, msg.ID, contextstore.KeyPriority, &in.Priority); err != nil {
		return in, err
	}
	found, err := d.ctxStore.GetShared(ctx, contextstore.OpenAggrKey(supID), &in.OpenAggr)
	if err != nil {
		return in, err
	}
	if !found {
		// Shared keys carry a TTL and routinely expire between events.
		// The aggregate observed in the database at write time is the
		// authoritative fallback: without it, a relapse would root a
		// second aggregate on the same cause and a recovery would skip
		// desaggregation entirely.
		in.OpenAggr = res.OpenAggr
	}
	return in, nil
}

// handleTicket applies the ticket mutation in one transaction; no rules.
func (d *Dispatcher) handleTicket(ctx context.Context, msg model.Message, tk model.Ticket) error {
	var touched int64
	err := d.db.Run(ctx, func(ctx context.Context, q repository.Querier) error {
		var err error
		touched, err = ingest.HandleTicket(ctx, q, tk)
		return err
	})
	if err != nil {
		return err
	}
	d.logger.Info("ticket applied",
		zap.String("message_id", msg.ID),
		zap.String("ticket_id", tk.TicketID),
		zap.Int64("correvents", touched),
	)
	return nil
}

// handleComputationOrder routes straight to the HLS dependency rule,
// outside the DAG. Without that rule loaded the order is dropped.
func (d *Dispatcher) handleComputationOrder(ctx context.Context, msg model.Message, co model.ComputationOrder) error {
	if !d.reg.Has(rules.HLSDepsRule) {
		d.logger.Warn("computation order dropped: HLS rule not loaded",
			zap.String("message_id", msg.ID),
			zap.Strings("hls", co.HLSNames),
		)
		return nil
	}

	seed := []struct {
		key   string
		value interface{}
	}{
		{contextstore.KeyHostname, ""},
		{contextstore.KeyServicename, ""},
		{contextstore.KeyImpactedHLS, co.HLSNames},
	}
	for _, kv := range seed {
		if err := d.ctxStore.Set(ctx, msg.ID, kv.key, kv.value); err != nil {
			return err
		}
	}

	if err := d.pool.Dispatch(ctx, rules.HLSDepsRule, msg.ID, msg.Raw); err != nil {
		if isTransient(err) {
			return err
		}
		d.logger.Error("HLS recomputation failed",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
	}
	d.expireContext(ctx, msg.ID)
	return nil
}

// expireContext is best-effort cleanup; the TTL is the backstop.
func (d *Dispatcher) expireContext(ctx context.Context, msgID string) {
	if err := d.ctxStore.Expire(ctx, msgID); err != nil {
		d.logger.Warn("context not expired", zap.String("message_id", msgID), zap.Error(err))
	}
}
