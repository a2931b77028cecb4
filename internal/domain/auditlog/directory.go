package auditlog

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicops/audittrail/internal/platform/db"
)

// ActorDirectory resolves actor ids to display identities. Ids it does not
// know are simply absent from the result.
type ActorDirectory interface {
	Lookup(ctx context.Context, ids []string) (map[string]Actor, error)
}

// StaticDirectory is a fixed in-memory directory.
type StaticDirectory map[string]Actor

func (d StaticDirectory) Lookup(_ context.Context, ids []string) (map[string]Actor, error) {
	out := make(map[string]Actor, len(ids))
	for _, id := range ids {
		if a, ok := d[id]; ok {
			out[id] = a
		}
	}
	return out, nil
}

// PGDirectory reads the staff_user table.
type PGDirectory struct {
	pool *pgxpool.Pool
}

func NewPGDirectory(pool *pgxpool.Pool) *PGDirectory {
	return &PGDirectory{pool: pool}
}

func (d *PGDirectory) Lookup(ctx context.Context, ids []string) (map[string]Actor, error) {
	out := make(map[string]Actor, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := db.Conn(ctx, d.pool).Query(ctx,
		`SELECT id, display_name, role FROM staff_user WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, Unavailable("lookup actors", err)
	}
	defer rows.Close()

	for rows.Next() {
		var a Actor
		if err := rows.Scan(&a.ID, &a.Label, &a.Role); err != nil {
			return nil, fmt.Errorf("scan actor: %w", err)
		}
		out[a.ID] = a
	}
	if err := rows.Err(); err != nil {
		return nil, Unavailable("lookup actors", err)
	}
	return out, nil
}

// ResolveActors returns an Actor for every id, using the id itself as the
// label when the directory has no entry. A nil directory resolves nothing.
func ResolveActors(ctx context.Context, dir ActorDirectory, ids []string) (map[string]Actor, error) {
	var known map[string]Actor
	if dir != nil {
		var err error
		known, err = dir.Lookup(ctx, ids)
		if err != nil {
			return nil, err
		}
	}
	out := make(map[string]Actor, len(ids))
	for _, id := range ids {
		a, ok := known[id]
		if !ok || a.Label == "" {
			a = Actor{ID: id, Label: id, Role: a.Role}
		}
		a.ID = id
		out[id] = a
	}
	return out, nil
}
