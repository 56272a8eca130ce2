// Package process defines the migration process aggregate: a reusable,
// persisted unit tying one data source to its column configuration, status
// machine and run history.
package process

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jcastellanos/migrator/internal/columns"
	"github.com/jcastellanos/migrator/internal/source"
)

// Status is the configuration/run state of a process. Transitions are
// restricted; see CanTransition.
type Status string

const (
	// StatusBorrador: created, source registered, columns not yet configured.
	StatusBorrador Status = "Borrador"

	// StatusConfigurado: column configuration saved but not yet validated.
	StatusConfigurado Status = "Configurado"

	// StatusListo: configuration validated; the only status a run may start
	// from.
	StatusListo Status = "Listo"

	// StatusEnEjecucion: a run is in progress.
	StatusEnEjecucion Status = "En_Ejecucion"

	// StatusCompletado: the last run finished within tolerance.
	StatusCompletado Status = "Completado"

	// StatusFallido: the last run aborted.
	StatusFallido Status = "Fallido"
)

// Lifecycle is the administrative visibility of a process, orthogonal to
// Status. Deletion is logical only.
type Lifecycle string

const (
	LifecycleActivo    Lifecycle = "Activo"
	LifecycleInactivo  Lifecycle = "Inactivo"
	LifecycleEliminado Lifecycle = "Eliminado"
)

var (
	// ErrNotFound is returned when no process matches the given id or name.
	ErrNotFound = errors.New("process not found")

	// ErrNameTaken is returned when a create or rename collides with an
	// existing process name.
	ErrNameTaken = errors.New("process name already in use")

	// ErrNotRunnable is returned when a run is requested for a process whose
	// status is not Listo.
	ErrNotRunnable = errors.New("process is not in a runnable state")
)

// InvalidTransitionError reports a status change outside the allowed
// machine.
type InvalidTransitionError struct {
	From, To Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}

// transitions is the allowed status machine. Terminal run states re-arm
// back through Listo (unchanged config) or Configurado (edited config).
var transitions = map[Status][]Status{
	StatusBorrador:    {StatusConfigurado},
	StatusConfigurado: {StatusConfigurado, StatusListo},
	StatusListo:       {StatusConfigurado, StatusEnEjecucion},
	StatusEnEjecucion: {StatusCompletado, StatusFallido},
	StatusCompletado:  {StatusConfigurado, StatusListo},
	StatusFallido:     {StatusConfigurado, StatusListo},
}

// CanTransition reports whether the status machine allows from -> to.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Process is the persisted migration process aggregate.
type Process struct {
	ID          uuid.UUID         `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Source      source.DataSource `json:"source"`

	// Columns is the authoritative configuration set. Earlier saves are
	// superseded entirely by the most recent one.
	Columns []columns.Config `json:"columns"`

	Status    Status    `json:"status"`
	Lifecycle Lifecycle `json:"lifecycle"`

	// Strict aborts a run on the first coercion failure instead of rejecting
	// the row and continuing.
	Strict bool `json:"strict"`

	// OrderIndependent allows batches targeting this process to be written
	// concurrently when destination ordering does not matter.
	OrderIndependent bool `json:"order_independent"`

	// Version increments on every completed run.
	Version int `json:"version"`

	LastRun   *time.Time `json:"last_run,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// NormalizeName canonicalizes a process name for uniqueness comparison:
// trimmed, internal whitespace collapsed, case preserved.
func NormalizeName(name string) string {
	return strings.Join(strings.Fields(name), " ")
}

// New creates a fresh process in Borrador/Activo for the given source.
func New(name string, src source.DataSource) (*Process, error) {
	name = NormalizeName(name)
	if name == "" {
		return nil, errors.New("process name must not be empty")
	}

	now := time.Now().UTC()
	return &Process{
		ID:        uuid.New(),
		Name:      name,
		Source:    src,
		Status:    StatusBorrador,
		Lifecycle: LifecycleActivo,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Transition moves the process to the given status, enforcing the machine.
func (p *Process) Transition(to Status) error {
	if !CanTransition(p.Status, to) {
		return &InvalidTransitionError{From: p.Status, To: to}
	}
	p.Status = to
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// Configure replaces the column configuration set and moves the process to
// Configurado. The previous set is discarded entirely.
func (p *Process) Configure(cfgs []columns.Config) error {
	if err := p.Transition(StatusConfigurado); err != nil {
		return err
	}
	p.Columns = cfgs
	return nil
}

// MarkReady validates the current column set and moves to Listo.
func (p *Process) MarkReady() error {
	res := columns.ValidateSet(p.Columns)
	if !res.Valid {
		for _, c := range res.Columns {
			if !c.Valid {
				return fmt.Errorf("column %q: %s", c.Original, c.Error)
			}
		}
		return errors.New("column configuration is invalid")
	}
	if len(selectedColumns(p.Columns)) == 0 {
		return errors.New("no columns selected for migration")
	}
	return p.Transition(StatusListo)
}

// Runnable reports whether a run may start right now.
func (p *Process) Runnable() bool {
	return p.Status == StatusListo && p.Lifecycle == LifecycleActivo
}

// CompleteRun records a successful run: Completado, last_run stamped,
// version bumped.
func (p *Process) CompleteRun(at time.Time) error {
	if err := p.Transition(StatusCompletado); err != nil {
		return err
	}
	at = at.UTC()
	p.LastRun = &at
	p.Version++
	return nil
}

// FailRun records an aborted run.
func (p *Process) FailRun(at time.Time) error {
	if err := p.Transition(StatusFallido); err != nil {
		return err
	}
	at = at.UTC()
	p.LastRun = &at
	return nil
}

// Deactivate hides the process from run selection without losing it.
func (p *Process) Deactivate() {
	p.Lifecycle = LifecycleInactivo
	p.UpdatedAt = time.Now().UTC()
}

// Activate restores a deactivated process.
func (p *Process) Activate() {
	p.Lifecycle = LifecycleActivo
	p.UpdatedAt = time.Now().UTC()
}

// Delete marks the process logically deleted. Rows are never physically
// removed so run history stays auditable.
func (p *Process) Delete() {
	p.Lifecycle = LifecycleEliminado
	p.UpdatedAt = time.Now().UTC()
}

func selectedColumns(cfgs []columns.Config) []columns.Config {
	out := make([]columns.Config, 0, len(cfgs))
	for _, c := range cfgs {
		if c.Selected {
			out = append(out, c)
		}
	}
	return out
}

// SelectedColumns returns only the columns marked for migration, in
// configuration order.
func (p *Process) SelectedColumns() []columns.Config {
	return selectedColumns(p.Columns)
}
