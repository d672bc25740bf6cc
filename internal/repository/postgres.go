package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx, so the same queries run
// pooled or inside a gateway transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// Queries is the Postgres implementation of Querier.
type Queries struct {
	db DBTX
}

// New binds the queries to a pool or transaction.
func New(db DBTX) *Queries {
	return &Queries{db: db}
}

var _ Querier = (*Queries)(nil)

func (q *Queries) GetSupItem(ctx context.Context, host, service string) (int64, error) {
	const query = `
SELECT idsupitem FROM supitem
WHERE hostname IS NOT DISTINCT FROM NULLIF($1, '')
  AND servicename IS NOT DISTINCT FROM NULLIF($2, '')`
	var id int64
	err := q.db.QueryRow(ctx, query, host, service).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%w: host=%q service=%q", ErrSupItemNotFound, host, service)
	}
	if err != nil {
		return 0, fmt.Errorf("GetSupItem: %w", err)
	}
	return id, nil
}

func (q *Queries) UpsertRawEvent(ctx context.Context, arg UpsertRawEventParams) (RawEventUpsert, error) {
	const sel = `
SELECT idevent, current_state, timestamp FROM event
WHERE idsupitem = $1 FOR UPDATE`
	var (
		id       int64
		prev     string
		storedTS time.Time
	)
	err := q.db.QueryRow(ctx, sel, arg.SupItemID).Scan(&id, &prev, &storedTS)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		const ins = `
INSERT INTO event (idsupitem, current_state, message, timestamp)
VALUES ($1, $2, $3, $4) RETURNING idevent`
		if err := q.db.QueryRow(ctx, ins, arg.SupItemID, arg.State, arg.Message, arg.Timestamp).Scan(&id); err != nil {
			return RawEventUpsert{}, fmt.Errorf("UpsertRawEvent insert: %w", err)
		}
		return RawEventUpsert{ID: id, IsNew: true}, nil
	case err != nil:
		return RawEventUpsert{}, fmt.Errorf("UpsertRawEvent select: %w", err)
	}

	if storedTS.After(arg.Timestamp) || (storedTS.Equal(arg.Timestamp) && prev == arg.State) {
		// Older than stored, or an exact duplicate of the recorded
		// change: redelivered messages must not correlate twice.
		return RawEventUpsert{}, &OldStateError{Current: storedTS, Received: arg.Timestamp}
	}

	const upd = `
UPDATE event SET current_state = $2, message = $3, timestamp = $4
WHERE idevent = $1`
	if _, err := q.db.Exec(ctx, upd, id, arg.State, arg.Message, arg.Timestamp); err != nil {
		return RawEventUpsert{}, fmt.Errorf("UpsertRawEvent update: %w", err)
	}
	return RawEventUpsert{ID: id, Previous: prev}, nil
}

func (q *Queries) RawEvent(ctx context.Context, id int64) (RawEvent, error) {
	const query = `
SELECT idevent, idsupitem, current_state, message, timestamp
FROM event WHERE idevent = $1`
	return q.scanRawEvent(q.db.QueryRow(ctx, query, id))
}

func (q *Queries) RawEventBySupItem(ctx context.Context, supItemID int64) (RawEvent, error) {
	const query = `
SELECT idevent, idsupitem, current_state, message, timestamp
FROM event WHERE idsupitem = $1`
	return q.scanRawEvent(q.db.QueryRow(ctx, query, supItemID))
}

func (q *Queries) scanRawEvent(row pgx.Row) (RawEvent, error) {
	var ev RawEvent
	err := row.Scan(&ev.ID, &ev.SupItemID, &ev.State, &ev.Message, &ev.Timestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return RawEvent{}, ErrRawEventNotFound
	}
	if err != nil {
		return RawEvent{}, fmt.Errorf("scan raw event: %w", err)
	}
	return ev, nil
}

func (q *Queries) InsertHistory(ctx context.Context, arg HistoryParams) error {
	const query = `
INSERT INTO event_history (idsupitem, state, message, timestamp)
VALUES ($1, $2, $3, $4)`
	if _, err := q.db.Exec(ctx, query, arg.SupItemID, arg.State, arg.Message, arg.Timestamp); err != nil {
		return fmt.Errorf("InsertHistory: %w", err)
	}
	return nil
}

func (q *Queries) InsertHLSHistory(ctx context.Context, arg HLSHistoryParams) error {
	const query = `
INSERT INTO hls_history (servicename, state, message, timestamp)
VALUES ($1, $2, $3, $4)`
	if _, err := q.db.Exec(ctx, query, arg.ServiceName, arg.State, arg.Message, arg.Timestamp); err != nil {
		return fmt.Errorf("InsertHLSHistory: %w", err)
	}
	return nil
}

func (q *Queries) UpdateTicket(ctx context.Context, ticketID, ackStatus string) (int64, error) {
	const query = `
UPDATE correvent SET ack = $2 WHERE trouble_ticket = $1`
	tag, err := q.db.Exec(ctx, query, ticketID, ackStatus)
	if err != nil {
		return 0, fmt.Errorf("UpdateTicket: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ── correlated events ─────────────────────────────────────────────────────

func (q *Queries) CreateCorrevent(ctx context.Context, arg CreateCorreventParams) (int64, error) {
	const ins = `
INSERT INTO correvent (idcause, priority, trouble_ticket, ack, occurrence, timestamp_active)
VALUES ($1, $2, NULLIF($3, ''), $4, 1, $5) RETURNING idcorrevent`
	var id int64
	if err := q.db.QueryRow(ctx, ins, arg.CauseEventID, arg.Priority, arg.TicketID, arg.AckStatus, arg.Timestamp).Scan(&id); err != nil {
		return 0, fmt.Errorf("CreateCorrevent: %w", err)
	}
	// The cause is always a member of its own aggregate.
	if err := q.AddCorreventMember(ctx, id, arg.CauseEventID); err != nil {
		return 0, err
	}
	return id, nil
}

func (q *Queries) Correvent(ctx context.Context, id int64) (Correvent, error) {
	const query = `
SELECT idcorrevent, idcause, priority, COALESCE(trouble_ticket, ''), ack, occurrence, timestamp_active
FROM correvent WHERE idcorrevent = $1`
	var c Correvent
	err := q.db.QueryRow(ctx, query, id).Scan(
		&c.ID, &c.CauseEventID, &c.Priority, &c.TicketID, &c.AckStatus, &c.Occurrence, &c.Timestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return Correvent{}, ErrCorreventNotFound
	}
	if err != nil {
		return Correvent{}, fmt.Errorf("Correvent: %w", err)
	}
	return c, nil
}

func (q *Queries) DeleteCorrevent(ctx context.Context, id int64) error {
	if _, err := q.db.Exec(ctx, `DELETE FROM correvent_event WHERE idcorrevent = $1`, id); err != nil {
		return fmt.Errorf("DeleteCorrevent members: %w", err)
	}
	if _, err := q.db.Exec(ctx, `DELETE FROM correvent WHERE idcorrevent = $1`, id); err != nil {
		return fmt.Errorf("DeleteCorrevent: %w", err)
	}
	return nil
}

func (q *Queries) OpenCorreventByCause(ctx context.Context, supItemID int64) (int64, error) {
	const query = `
SELECT c.idcorrevent
FROM correvent c JOIN event e ON e.idevent = c.idcause
WHERE e.idsupitem = $1`
	var id int64
	err := q.db.QueryRow(ctx, query, supItemID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("OpenCorreventByCause: %w", err)
	}
	return id, nil
}

func (q *Queries) OpenAggregatesBelow(ctx context.Context, supItemID int64) ([]int64, error) {
	const query = `
SELECT c.idcorrevent
FROM correvent c
JOIN event e ON e.idevent = c.idcause
JOIN dependencygroup g ON g.iddependent = e.idsupitem AND g.role = 'topology'
JOIN dependency d ON d.idgroup = g.idgroup
WHERE d.idsupitem = $1 AND e.current_state NOT IN ('OK', 'UP')
ORDER BY c.idcorrevent`
	rows, err := q.db.Query(ctx, query, supItemID)
	if err != nil {
		return nil, fmt.Errorf("OpenAggregatesBelow: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("OpenAggregatesBelow scan: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (q *Queries) BumpCorreventOccurrence(ctx context.Context, id int64, ts time.Time) error {
	const query = `
UPDATE correvent SET occurrence = occurrence + 1, timestamp_active = $2
WHERE idcorrevent = $1`
	if _, err := q.db.Exec(ctx, query, id, ts); err != nil {
		return fmt.Errorf("BumpCorreventOccurrence: %w", err)
	}
	return nil
}

func (q *Queries) SetCorreventPriority(ctx context.Context, id int64, priority int) error {
	if _, err := q.db.Exec(ctx, `UPDATE correvent SET priority = $2 WHERE idcorrevent = $1`, id, priority); err != nil {
		return fmt.Errorf("SetCorreventPriority: %w", err)
	}
	return nil
}

func (q *Queries) SetCorreventTicket(ctx context.Context, id int64, ticketID, ackStatus string) error {
	const query = `
UPDATE correvent SET trouble_ticket = $2, ack = $3 WHERE idcorrevent = $1`
	if _, err := q.db.Exec(ctx, query, id, ticketID, ackStatus); err != nil {
		return fmt.Errorf("SetCorreventTicket: %w", err)
	}
	return nil
}

func (q *Queries) AddCorreventMember(ctx context.Context, correventID, rawEventID int64) error {
	const query = `
INSERT INTO correvent_event (idcorrevent, idevent)
VALUES ($1, $2) ON CONFLICT DO NOTHING`
	if _, err := q.db.Exec(ctx, query, correventID, rawEventID); err != nil {
		return fmt.Errorf("AddCorreventMember: %w", err)
	}
	return nil
}

func (q *Queries) RemoveCorreventMember(ctx context.Context, correventID, rawEventID int64) error {
	const query = `
DELETE FROM correvent_event WHERE idcorrevent = $1 AND idevent = $2`
	if _, err := q.db.Exec(ctx, query, correventID, rawEventID); err != nil {
		return fmt.Errorf("RemoveCorreventMember: %w", err)
	}
	return nil
}

func (q *Queries) CorreventMembers(ctx context.Context, correventID int64) ([]RawEvent, error) {
	const query = `
SELECT e.idevent, e.idsupitem, e.current_state, e.message, e.timestamp
FROM correvent_event ce JOIN event e ON e.idevent = ce.idevent
WHERE ce.idcorrevent = $1 ORDER BY e.idevent`
	rows, err := q.db.Query(ctx, query, correventID)
	if err != nil {
		return nil, fmt.Errorf("CorreventMembers: %w", err)
	}
	defer rows.Close()

	var out []RawEvent
	for rows.Next() {
		var ev RawEvent
		if err := rows.Scan(&ev.ID, &ev.SupItemID, &ev.State, &ev.Message, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("CorreventMembers scan: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (q *Queries) CorreventsWithMember(ctx context.Context, rawEventID int64) ([]Correvent, error) {
	const query = `
SELECT c.idcorrevent, c.idcause, c.priority, COALESCE(c.trouble_ticket, ''), c.ack, c.occurrence, c.timestamp_active
FROM correvent_event ce JOIN correvent c ON c.idcorrevent = ce.idcorrevent
WHERE ce.idevent = $1 ORDER BY c.idcorrevent`
	rows, err := q.db.Query(ctx, query, rawEventID)
	if err != nil {
		return nil, fmt.Errorf("CorreventsWithMember: %w", err)
	}
	defer rows.Close()

	var out []Correvent
	for rows.Next() {
		var c Correvent
		if err := rows.Scan(&c.ID, &c.CauseEventID, &c.Priority, &c.TicketID, &c.AckStatus, &c.Occurrence, &c.Timestamp); err != nil {
			return nil, fmt.Errorf("CorreventsWithMember scan: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ── topology ──────────────────────────────────────────────────────────────
//
// The dependency table stores the transitive closure of the topology, so
// path queries are single lookups rather than recursive walks.

func (q *Queries) HasDependencyPath(ctx context.Context, from, to int64) (bool, error) {
	const query = `
SELECT EXISTS (
  SELECT 1 FROM dependencygroup g
  JOIN dependency d ON d.idgroup = g.idgroup
  WHERE g.iddependent = $1 AND g.role = 'topology' AND d.idsupitem = $2
)`
	var ok bool
	if err := q.db.QueryRow(ctx, query, from, to).Scan(&ok); err != nil {
		return false, fmt.Errorf("HasDependencyPath: %w", err)
	}
	return ok, nil
}

func (q *Queries) DependencyDistance(ctx context.Context, from, to int64) (int, bool, error) {
	const query = `
SELECT MIN(d.distance) FROM dependencygroup g
JOIN dependency d ON d.idgroup = g.idgroup
WHERE g.iddependent = $1 AND g.role = 'topology' AND d.idsupitem = $2`
	var dist *int
	if err := q.db.QueryRow(ctx, query, from, to).Scan(&dist); err != nil {
		return 0, false, fmt.Errorf("DependencyDistance: %w", err)
	}
	if dist == nil {
		return 0, false, nil
	}
	return *dist, true, nil
}

func (q *Queries) ProblemAncestors(ctx context.Context, supItemID int64) ([]Ancestor, error) {
	const query = `
SELECT d.idsupitem, e.idevent, e.current_state, d.distance
FROM dependencygroup g
JOIN dependency d ON d.idgroup = g.idgroup
JOIN event e ON e.idsupitem = d.idsupitem
WHERE g.iddependent = $1 AND g.role = 'topology'
  AND e.current_state NOT IN ('OK', 'UP')
ORDER BY d.distance, d.idsupitem`
	rows, err := q.db.Query(ctx, query, supItemID)
	if err != nil {
		return nil, fmt.Errorf("ProblemAncestors: %w", err)
	}
	defer rows.Close()

	var out []Ancestor
	for rows.Next() {
		var a Ancestor
		if err := rows.Scan(&a.SupItemID, &a.RawEventID, &a.State, &a.Distance); err != nil {
			return nil, fmt.Errorf("ProblemAncestors scan: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
