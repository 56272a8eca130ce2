package process

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/jcastellanos/migrator/internal/columns"
	"github.com/jcastellanos/migrator/internal/routing"
)

const uniqueViolation = "23505"

// Store persists processes in the operational-config destination, resolved
// through the router at construction time.
type Store struct {
	db routing.Conn
}

// NewStore resolves the process connection from the router. Resolution
// failure is a startup error.
func NewStore(router *routing.Router) (*Store, error) {
	db, err := router.Resolve(routing.EntityProcess, routing.RoleOperationalConfig)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// EnsureSchema creates the process table when absent. Name uniqueness is
// enforced by the database, not by the application.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
CREATE TABLE IF NOT EXISTS migration_processes (
    id                UUID PRIMARY KEY,
    name              TEXT NOT NULL UNIQUE,
    description       TEXT NOT NULL DEFAULT '',
    source            JSONB NOT NULL,
    columns           JSONB NOT NULL DEFAULT '[]',
    status            TEXT NOT NULL,
    lifecycle         TEXT NOT NULL,
    strict            BOOLEAN NOT NULL DEFAULT FALSE,
    order_independent BOOLEAN NOT NULL DEFAULT FALSE,
    version           INTEGER NOT NULL DEFAULT 0,
    last_run          TIMESTAMPTZ,
    created_at        TIMESTAMPTZ NOT NULL,
    updated_at        TIMESTAMPTZ NOT NULL
)`)
	if err != nil {
		return fmt.Errorf("ensuring process schema: %w", err)
	}
	return nil
}

// Create inserts a new process. A name collision maps to ErrNameTaken.
func (s *Store) Create(ctx context.Context, p *Process) error {
	srcJSON, colsJSON, err := marshalPayload(p)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(ctx, `
INSERT INTO migration_processes
    (id, name, description, source, columns, status, lifecycle,
     strict, order_independent, version, last_run, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		p.ID, p.Name, p.Description, srcJSON, colsJSON, p.Status, p.Lifecycle,
		p.Strict, p.OrderIndependent, p.Version, p.LastRun, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrNameTaken
		}
		return fmt.Errorf("creating process %q: %w", p.Name, err)
	}
	return nil
}

// Save overwrites the mutable fields of an existing process.
func (s *Store) Save(ctx context.Context, p *Process) error {
	srcJSON, colsJSON, err := marshalPayload(p)
	if err != nil {
		return err
	}

	tag, err := s.db.Exec(ctx, `
UPDATE migration_processes
SET name = $2, description = $3, source = $4, columns = $5, status = $6,
    lifecycle = $7, strict = $8, order_independent = $9, version = $10,
    last_run = $11, updated_at = $12
WHERE id = $1`,
		p.ID, p.Name, p.Description, srcJSON, colsJSON, p.Status,
		p.Lifecycle, p.Strict, p.OrderIndependent, p.Version,
		p.LastRun, p.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrNameTaken
		}
		return fmt.Errorf("saving process %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetStatus persists a status transition, re-checking the machine against
// the stored status so concurrent writers cannot skip states.
func (s *Store) SetStatus(ctx context.Context, id uuid.UUID, from, to Status) error {
	if !CanTransition(from, to) {
		return &InvalidTransitionError{From: from, To: to}
	}

	tag, err := s.db.Exec(ctx, `
UPDATE migration_processes
SET status = $3, updated_at = $4
WHERE id = $1 AND status = $2`,
		id, from, to, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("transitioning process %s to %s: %w", id, to, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("transitioning process %s to %s: %w", id, to, ErrNotRunnable)
	}
	return nil
}

// Get fetches one process by id, including logically deleted ones.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Process, error) {
	row := s.db.QueryRow(ctx, selectProcess+` WHERE id = $1`, id)
	return scanProcess(row)
}

// GetByName fetches one process by its normalized name.
func (s *Store) GetByName(ctx context.Context, name string) (*Process, error) {
	row := s.db.QueryRow(ctx, selectProcess+` WHERE name = $1`, NormalizeName(name))
	return scanProcess(row)
}

// List returns processes ordered by creation time, newest first. Logically
// deleted processes are excluded unless includeDeleted is set.
func (s *Store) List(ctx context.Context, includeDeleted bool) ([]*Process, error) {
	q := selectProcess
	if !includeDeleted {
		q += ` WHERE lifecycle <> 'Eliminado'`
	}
	q += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("listing processes: %w", err)
	}
	defer rows.Close()

	var out []*Process
	for rows.Next() {
		p, err := scanProcess(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const selectProcess = `
SELECT id, name, description, source, columns, status, lifecycle,
       strict, order_independent, version, last_run, created_at, updated_at
FROM migration_processes`

func scanProcess(row pgx.Row) (*Process, error) {
	var (
		p        Process
		srcJSON  []byte
		colsJSON []byte
	)
	err := row.Scan(&p.ID, &p.Name, &p.Description, &srcJSON, &colsJSON,
		&p.Status, &p.Lifecycle, &p.Strict, &p.OrderIndependent,
		&p.Version, &p.LastRun, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning process: %w", err)
	}

	if err := json.Unmarshal(srcJSON, &p.Source); err != nil {
		return nil, fmt.Errorf("decoding process source: %w", err)
	}
	if err := json.Unmarshal(colsJSON, &p.Columns); err != nil {
		return nil, fmt.Errorf("decoding process columns: %w", err)
	}
	return &p, nil
}

func marshalPayload(p *Process) (src, cols []byte, err error) {
	src, err = json.Marshal(p.Source)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding process source: %w", err)
	}
	if p.Columns == nil {
		p.Columns = []columns.Config{}
	}
	cols, err = json.Marshal(p.Columns)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding process columns: %w", err)
	}
	return src, cols, nil
}
