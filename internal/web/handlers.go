package web

// handlers.go implements the migration process API: creation, column
// configuration, lifecycle management and run control.

import (
	"net/http"

	"github.com/jcastellanos/migrator/internal/columns"
	"github.com/jcastellanos/migrator/internal/process"
	"github.com/jcastellanos/migrator/internal/source"
)

type createProcessRequest struct {
	Name             string            `json:"name"`
	Description      string            `json:"description"`
	Source           source.DataSource `json:"source"`
	Strict           bool              `json:"strict"`
	OrderIndependent bool              `json:"order_independent"`
}

type configureColumnsRequest struct {
	Columns []columns.Config `json:"columns"`
}

type validateRenameRequest struct {
	Container string   `json:"container"`
	Rename    string   `json:"rename"`
	Existing  []string `json:"existing"`
}

// handleCreateProcess registers a new process in Borrador.
func (s *Server) handleCreateProcess(w http.ResponseWriter, r *http.Request) {
	var req createProcessRequest
	if err := decodeJSON(r, &req); err != nil {
		respondBadRequest(w, r, err.Error())
		return
	}

	p, err := process.New(req.Name, req.Source)
	if err != nil {
		respondBadRequest(w, r, err.Error())
		return
	}
	p.Description = req.Description
	p.Strict = req.Strict
	p.OrderIndependent = req.OrderIndependent

	if err := s.store.Create(r.Context(), p); err != nil {
		respondError(w, r, err)
		return
	}
	s.syncMirror(r, p)
	respondJSON(w, http.StatusCreated, p)
}

// handleListProcesses lists processes, excluding logically deleted ones
// unless ?include_deleted=1.
func (s *Server) handleListProcesses(w http.ResponseWriter, r *http.Request) {
	includeDeleted := r.URL.Query().Get("include_deleted") == "1"

	list, err := s.store.List(r.Context(), includeDeleted)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if list == nil {
		list = []*process.Process{}
	}
	respondJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetProcess(w http.ResponseWriter, r *http.Request) {
	id, err := processIDParam(r)
	if err != nil {
		respondBadRequest(w, r, err.Error())
		return
	}

	p, err := s.store.Get(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

// handleConfigureColumns replaces the column set and reports the validation
// result alongside the saved process. An invalid set is still saved; the
// process simply cannot be marked ready until it passes.
func (s *Server) handleConfigureColumns(w http.ResponseWriter, r *http.Request) {
	id, err := processIDParam(r)
	if err != nil {
		respondBadRequest(w, r, err.Error())
		return
	}

	var req configureColumnsRequest
	if err := decodeJSON(r, &req); err != nil {
		respondBadRequest(w, r, err.Error())
		return
	}

	p, err := s.store.Get(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}

	if err := p.Configure(req.Columns); err != nil {
		respondError(w, r, err)
		return
	}
	if err := s.store.Save(r.Context(), p); err != nil {
		respondError(w, r, err)
		return
	}
	s.syncMirror(r, p)

	respondJSON(w, http.StatusOK, map[string]any{
		"process":    p,
		"validation": columns.ValidateSet(p.Columns),
	})
}

// handleValidateRename checks a single proposed rename interactively,
// before the full column set is saved.
func (s *Server) handleValidateRename(w http.ResponseWriter, r *http.Request) {
	var req validateRenameRequest
	if err := decodeJSON(r, &req); err != nil {
		respondBadRequest(w, r, err.Error())
		return
	}

	normalized, err := columns.ValidateRename(req.Container, req.Rename, req.Existing)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"normalized": normalized, "valid": true})
}

// handleMarkReady validates the column set and moves the process to Listo.
func (s *Server) handleMarkReady(w http.ResponseWriter, r *http.Request) {
	s.mutateProcess(w, r, func(p *process.Process) error { return p.MarkReady() })
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	s.mutateProcess(w, r, func(p *process.Process) error { p.Activate(); return nil })
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	s.mutateProcess(w, r, func(p *process.Process) error { p.Deactivate(); return nil })
}

// handleDeleteProcess marks the process Eliminado. Nothing is physically
// removed; history remains queryable with ?include_deleted=1.
func (s *Server) handleDeleteProcess(w http.ResponseWriter, r *http.Request) {
	s.mutateProcess(w, r, func(p *process.Process) error { p.Delete(); return nil })
}

// mutateProcess loads, mutates and saves a process, then responds with the
// updated record.
func (s *Server) mutateProcess(w http.ResponseWriter, r *http.Request, fn func(*process.Process) error) {
	id, err := processIDParam(r)
	if err != nil {
		respondBadRequest(w, r, err.Error())
		return
	}

	p, err := s.store.Get(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if err := fn(p); err != nil {
		respondError(w, r, err)
		return
	}
	if err := s.store.Save(r.Context(), p); err != nil {
		respondError(w, r, err)
		return
	}
	s.syncMirror(r, p)
	respondJSON(w, http.StatusOK, p)
}

// handleRun executes a migration run synchronously and responds with the
// run summary. Concurrency conflicts map to 409/429 via the error mapper.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id, err := processIDParam(r)
	if err != nil {
		respondBadRequest(w, r, err.Error())
		return
	}

	result, err := s.runner.Run(r.Context(), id)
	if err != nil && result == nil {
		respondError(w, r, err)
		return
	}
	// A failed run still carries a summary worth returning
	status := http.StatusOK
	if err != nil {
		status = http.StatusUnprocessableEntity
	}
	respondJSON(w, status, result)
}

// handleCancelRun requests cancellation of the in-flight run. The run stops
// at its next batch boundary, so the response only acknowledges the request.
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id, err := processIDParam(r)
	if err != nil {
		respondBadRequest(w, r, err.Error())
		return
	}

	if err := s.runner.Cancel(id); err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

// handleHistory lists the execution log of a process, newest first.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, err := processIDParam(r)
	if err != nil {
		respondBadRequest(w, r, err.Error())
		return
	}

	limit := parseIntParam(r, "limit", 50)
	entries, err := s.history.History(r.Context(), id, limit)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, entries)
}

// handleRunsStatus reports the limiter state for monitoring.
func (s *Server) handleRunsStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"active": s.limiter.ActiveCount(),
	})
}

// syncMirror refreshes the administrative mirror, logging instead of
// failing the request when the destination is unavailable.
func (s *Server) syncMirror(r *http.Request, p *process.Process) {
	if s.mirror == nil {
		return
	}
	if err := s.mirror.Sync(r.Context(), p); err != nil {
		respondErrorLogOnly(r, err)
	}
}
