package auditlog

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicops/audittrail/internal/platform/db"
)

// PGStore persists events in the append-only audit_event_log table.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, s.pool)
}

const eventCols = `id, category, actor_id, action, resource_type, resource_id,
	before_state, after_state, description, source_ip, user_agent, occurred_at`

func scanEvent(row pgx.Row) (Event, error) {
	var (
		e                   Event
		actorID, resourceID *string
		before, after       []byte
	)
	err := row.Scan(
		&e.ID, &e.Category, &actorID, &e.Action, &e.ResourceType, &resourceID,
		&before, &after, &e.Description, &e.SourceIP, &e.UserAgent, &e.Timestamp,
	)
	if err != nil {
		return Event{}, err
	}
	if actorID != nil {
		e.ActorID = *actorID
	}
	if resourceID != nil {
		e.ResourceID = *resourceID
	}
	if err := e.Before.UnmarshalJSON(before); err != nil {
		return Event{}, err
	}
	if err := e.After.UnmarshalJSON(after); err != nil {
		return Event{}, err
	}
	e.Timestamp = e.Timestamp.UTC()
	return e, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func payloadArg(p Payload) (any, error) {
	if p.IsZero() {
		return nil, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (s *PGStore) Append(ctx context.Context, e Event) (uuid.UUID, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	before, err := payloadArg(e.Before)
	if err != nil {
		return uuid.Nil, fmt.Errorf("encode before_state: %w", err)
	}
	after, err := payloadArg(e.After)
	if err != nil {
		return uuid.Nil, fmt.Errorf("encode after_state: %w", err)
	}

	q := fmt.Sprintf(`INSERT INTO audit_event_log (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`, eventCols)
	_, err = s.conn(ctx).Exec(ctx, q,
		e.ID, e.Category, nullable(e.ActorID), e.Action, e.ResourceType, nullable(e.ResourceID),
		before, after, e.Description, e.SourceIP, e.UserAgent, e.Timestamp.UTC(),
	)
	if err != nil {
		return uuid.Nil, Unavailable("append audit event", err)
	}
	return e.ID, nil
}

// buildWhere renders f as a WHERE clause with positional args starting at $1.
func buildWhere(f Filter) (string, []any) {
	where := []string{}
	args := []any{}
	idx := 1

	add := func(cond string, v any) {
		where = append(where, fmt.Sprintf(cond, idx))
		args = append(args, v)
		idx++
	}

	if !f.Start.IsZero() {
		add("occurred_at >= $%d", f.Start.UTC())
	}
	if !f.End.IsZero() {
		add("occurred_at < $%d", f.End.UTC())
	}
	if f.ActorID != "" {
		add("actor_id = $%d", f.ActorID)
	}
	if f.Action != "" {
		add("action = $%d", string(f.Action))
	}
	if len(f.ResourceTypes) == 1 {
		add("resource_type = $%d", f.ResourceTypes[0])
	} else if len(f.ResourceTypes) > 1 {
		add("resource_type = ANY($%d)", f.ResourceTypes)
	}
	if f.ResourceID != "" {
		add("resource_id = $%d", f.ResourceID)
	}
	if f.SourceIP != "" {
		add("source_ip = $%d", f.SourceIP)
	}
	if f.Category != "" {
		add("category = $%d", string(f.Category))
	}

	if len(where) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(where, " AND "), args
}

// Query streams rows as pgx reads them off the wire; the result set is never
// held in memory as a whole.
func (s *PGStore) Query(ctx context.Context, f Filter) Seq {
	if err := f.Validate(); err != nil {
		return errSeq(err)
	}
	return func(yield func(Event, error) bool) {
		whereClause, args := buildWhere(f)
		q := fmt.Sprintf("SELECT %s FROM audit_event_log %s ORDER BY occurred_at ASC, id ASC", eventCols, whereClause)

		rows, err := s.conn(ctx).Query(ctx, q, args...)
		if err != nil {
			yield(Event{}, Unavailable("query audit events", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			e, err := scanEvent(rows)
			if err != nil {
				yield(Event{}, fmt.Errorf("scan audit event: %w", err))
				return
			}
			if !yield(e, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(Event{}, Unavailable("iterate audit events", err))
		}
	}
}

func (s *PGStore) CountDistinct(ctx context.Context, field Field, f Filter) (map[string]int, error) {
	if !field.valid() {
		return nil, Invalid("field", fmt.Sprintf("unsupported field %q", field))
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}

	whereClause, args := buildWhere(f)
	col := pgx.Identifier{string(field)}.Sanitize()
	q := fmt.Sprintf("SELECT COALESCE(%s, ''), COUNT(*) FROM audit_event_log %s GROUP BY 1", col, whereClause)

	rows, err := s.conn(ctx).Query(ctx, q, args...)
	if err != nil {
		return nil, Unavailable("count distinct "+string(field), err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			v string
			n int
		)
		if err := rows.Scan(&v, &n); err != nil {
			return nil, fmt.Errorf("scan distinct %s: %w", field, err)
		}
		counts[v] += n
	}
	if err := rows.Err(); err != nil {
		return nil, Unavailable("count distinct "+string(field), err)
	}
	return counts, nil
}

func (s *PGStore) List(ctx context.Context, f Filter, p Page) ([]Event, int, error) {
	if err := f.Validate(); err != nil {
		return nil, 0, err
	}
	if err := p.Validate(); err != nil {
		return nil, 0, err
	}

	whereClause, args := buildWhere(f)
	countQ := fmt.Sprintf("SELECT COUNT(*) FROM audit_event_log %s", whereClause)
	var total int
	if err := s.conn(ctx).QueryRow(ctx, countQ, args...).Scan(&total); err != nil {
		return nil, 0, Unavailable("count audit events", err)
	}

	idx := len(args) + 1
	q := fmt.Sprintf("SELECT %s FROM audit_event_log %s ORDER BY occurred_at DESC, id DESC LIMIT $%d OFFSET $%d",
		eventCols, whereClause, idx, idx+1)
	args = append(args, p.Size, p.Offset())

	rows, err := s.conn(ctx).Query(ctx, q, args...)
	if err != nil {
		return nil, 0, Unavailable("list audit events", err)
	}
	defer rows.Close()

	var items []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan audit event: %w", err)
		}
		items = append(items, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, Unavailable("list audit events", err)
	}
	return items, total, nil
}
