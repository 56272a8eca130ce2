package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/jcastellanos/migrator/internal/process"
	"github.com/jcastellanos/migrator/internal/routing"
)

// Mirror maintains the administrative copy of process metadata next to the
// business data, so operators of the destination system can see which
// processes feed it without access to the operational store.
type Mirror struct {
	db       routing.Conn
	connName string
}

// NewMirror resolves the mirror connection from the router.
func NewMirror(router *routing.Router) (*Mirror, error) {
	db, err := router.Resolve(routing.EntityProcessMirror, routing.RoleBusinessData)
	if err != nil {
		return nil, err
	}
	return &Mirror{
		db:       db,
		connName: router.ConnectionName(routing.RoleBusinessData),
	}, nil
}

// EnsureSchema creates the mirror table when absent.
func (m *Mirror) EnsureSchema(ctx context.Context) error {
	_, err := m.db.Exec(ctx, `
CREATE TABLE IF NOT EXISTS process_catalog (
    process_id  UUID PRIMARY KEY,
    name        TEXT NOT NULL UNIQUE,
    source_kind TEXT NOT NULL,
    destination TEXT NOT NULL,
    status      TEXT NOT NULL,
    lifecycle   TEXT NOT NULL,
    version     INTEGER NOT NULL,
    last_run    TIMESTAMPTZ,
    notes       TEXT NOT NULL DEFAULT '',
    updated_at  TIMESTAMPTZ NOT NULL
)`)
	if err != nil {
		return fmt.Errorf("ensuring process catalog schema: %w", err)
	}
	return nil
}

// Sync upserts the mirror row for one process. Called after every status or
// configuration change; last write wins.
func (m *Mirror) Sync(ctx context.Context, p *process.Process) error {
	_, err := m.db.Exec(ctx, `
INSERT INTO process_catalog
    (process_id, name, source_kind, destination, status, lifecycle,
     version, last_run, notes, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (process_id) DO UPDATE
SET name = EXCLUDED.name, source_kind = EXCLUDED.source_kind,
    destination = EXCLUDED.destination, status = EXCLUDED.status,
    lifecycle = EXCLUDED.lifecycle, version = EXCLUDED.version,
    last_run = EXCLUDED.last_run, notes = EXCLUDED.notes,
    updated_at = EXCLUDED.updated_at`,
		p.ID, p.Name, string(p.Source.Kind), m.connName, p.Status,
		p.Lifecycle, p.Version, p.LastRun, p.Description, time.Now().UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("process name %q already mirrored under a different id: %w",
				p.Name, process.ErrNameTaken)
		}
		return fmt.Errorf("syncing process catalog for %s: %w", p.ID, err)
	}
	return nil
}
