// Package routing maps logical destination roles onto physical connections.
//
// The mapping is built once at startup and never mutated afterwards. Every
// persisted entity type declares the roles it is allowed to use; resolution
// of an undeclared (entity, role) pair is a RoutingError. A role that
// references an unconfigured connection is a fatal startup error, so
// misconfiguration surfaces before any data can be misrouted.
package routing

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Role is a logical destination name.
type Role string

const (
	// RoleOperationalConfig stores process configurations and their
	// administrative mirror.
	RoleOperationalConfig Role = "operational-config"

	// RoleAuditLog stores append-only execution log entries.
	RoleAuditLog Role = "audit-log"

	// RoleBusinessData stores migrated business rows.
	RoleBusinessData Role = "business-data"
)

// EntityType names a class of persisted entity for routing declarations.
type EntityType string

const (
	EntityProcess      EntityType = "migration-process"
	EntityExecutionLog EntityType = "execution-log"
	EntityBusinessRow  EntityType = "business-row"

	// EntityProcessMirror is the administrative copy of process metadata
	// kept alongside the business data for cross-system visibility.
	EntityProcessMirror EntityType = "process-mirror"
)

// Conn is the database capability the router hands out: the subset of
// *pgxpool.Pool the persistence layers use, kept narrow so tests can supply
// fakes. Satisfied by both *pgxpool.Pool and pgx.Tx.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// RoutingError reports an (entity, role) pair that was never declared, or a
// role with no configured connection.
type RoutingError struct {
	Entity EntityType
	Role   Role
	Reason string
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("routing %s to %s: %s", e.Entity, e.Role, e.Reason)
}

// Router holds the static role map. Construct with New; the zero value
// routes nothing.
type Router struct {
	conns        map[Role]Conn
	names        map[Role]string
	declarations map[EntityType]map[Role]bool
}

// Declaration binds an entity type to the roles it may use.
type Declaration struct {
	Entity EntityType
	Roles  []Role
}

// DefaultDeclarations is the routing contract of this service: each entity
// type writes to exactly one logical store.
func DefaultDeclarations() []Declaration {
	return []Declaration{
		{Entity: EntityProcess, Roles: []Role{RoleOperationalConfig}},
		{Entity: EntityExecutionLog, Roles: []Role{RoleAuditLog}},
		{Entity: EntityBusinessRow, Roles: []Role{RoleBusinessData}},
		{Entity: EntityProcessMirror, Roles: []Role{RoleBusinessData}},
	}
}

// New builds the router from the configured role connections and entity
// declarations. It fails when any declared role has no connection; callers
// treat that error as fatal at startup.
func New(conns map[Role]Conn, names map[Role]string, decls []Declaration) (*Router, error) {
	r := &Router{
		conns:        make(map[Role]Conn, len(conns)),
		names:        make(map[Role]string, len(names)),
		declarations: make(map[EntityType]map[Role]bool, len(decls)),
	}

	for role, conn := range conns {
		if conn == nil {
			return nil, fmt.Errorf("role %s configured with nil connection", role)
		}
		r.conns[role] = conn
	}
	for role, name := range names {
		r.names[role] = name
	}

	for _, d := range decls {
		roles := make(map[Role]bool, len(d.Roles))
		for _, role := range d.Roles {
			if _, ok := r.conns[role]; !ok {
				return nil, fmt.Errorf("entity %s declares role %s with no configured connection", d.Entity, role)
			}
			roles[role] = true
		}
		r.declarations[d.Entity] = roles
	}

	return r, nil
}

// Resolve returns the connection behind the (entity, role) pair. Callers
// must always state the role they intend; there is no default connection.
func (r *Router) Resolve(entity EntityType, role Role) (Conn, error) {
	roles, ok := r.declarations[entity]
	if !ok {
		return nil, &RoutingError{Entity: entity, Role: role, Reason: "entity type not declared"}
	}
	if !roles[role] {
		return nil, &RoutingError{Entity: entity, Role: role, Reason: "role not declared for entity type"}
	}

	conn, ok := r.conns[role]
	if !ok {
		return nil, &RoutingError{Entity: entity, Role: role, Reason: "no connection configured for role"}
	}
	return conn, nil
}

// ResolveSingle resolves when exactly one role is declared for the entity
// type. If several roles are possible the caller must disambiguate via
// Resolve; that ambiguity is a RoutingError here.
func (r *Router) ResolveSingle(entity EntityType) (Conn, error) {
	roles, ok := r.declarations[entity]
	if !ok {
		return nil, &RoutingError{Entity: entity, Reason: "entity type not declared"}
	}
	if len(roles) != 1 {
		return nil, &RoutingError{Entity: entity, Reason: "multiple roles declared, caller must disambiguate"}
	}

	for role := range roles {
		return r.Resolve(entity, role)
	}
	return nil, &RoutingError{Entity: entity, Reason: "no roles declared"}
}

// ConnectionName reports the configured physical connection name behind a
// role, for logging and the administrative mirror.
func (r *Router) ConnectionName(role Role) string {
	return r.names[role]
}
