package web

// handlers_source.go exposes source exploration: container listing, link
// validation and schema inference. These endpoints operate on a source
// description directly so users can explore before a process exists.

import (
	"context"
	"net/http"

	"github.com/jcastellanos/migrator/internal/inference"
	"github.com/jcastellanos/migrator/internal/source"
)

type sourceRequest struct {
	Source source.DataSource `json:"source"`
}

type inferenceRequest struct {
	Source      source.DataSource `json:"source"`
	Container   string            `json:"container"`
	SampleLimit int               `json:"sample_limit"`
}

// columnSuggestion is one inferred column in the inference response.
type columnSuggestion struct {
	Original   string  `json:"original"`
	SQLType    string  `json:"sql_type"`
	Confidence float64 `json:"confidence"`
	Nullable   bool    `json:"nullable"`
	Samples    int     `json:"samples_examined"`
}

type inferenceResponse struct {
	Container string             `json:"container"`
	Columns   []columnSuggestion `json:"columns"`
}

// handleSourceContainers lists the sheets or tables a source exposes.
func (s *Server) handleSourceContainers(w http.ResponseWriter, r *http.Request) {
	var req sourceRequest
	if err := decodeJSON(r, &req); err != nil {
		respondBadRequest(w, r, err.Error())
		return
	}

	conn, err := s.sources.Open(req.Source)
	if err != nil {
		respondBadRequest(w, r, err.Error())
		return
	}
	defer closeConnector(conn)

	containers, err := conn.ListContainers(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"containers": containers})
}

// handleSourceValidate probes a source without reading data: HEAD for cloud
// shares, ping for relational sources, a container listing otherwise.
func (s *Server) handleSourceValidate(w http.ResponseWriter, r *http.Request) {
	var req sourceRequest
	if err := decodeJSON(r, &req); err != nil {
		respondBadRequest(w, r, err.Error())
		return
	}

	conn, err := s.sources.Open(req.Source)
	if err != nil {
		respondBadRequest(w, r, err.Error())
		return
	}
	defer closeConnector(conn)

	switch c := conn.(type) {
	case interface{ Validate(context.Context) error }:
		err = c.Validate(r.Context())
	case interface{ Ping(context.Context) error }:
		err = c.Ping(r.Context())
	default:
		_, err = conn.ListContainers(r.Context())
	}
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"valid": true})
}

// handleInference samples a container and returns a type suggestion per
// column. Suggestions never mutate stored configuration; the client applies
// them explicitly when saving columns.
func (s *Server) handleInference(w http.ResponseWriter, r *http.Request) {
	var req inferenceRequest
	if err := decodeJSON(r, &req); err != nil {
		respondBadRequest(w, r, err.Error())
		return
	}
	if req.Container == "" {
		respondBadRequest(w, r, "container is required")
		return
	}

	limit := req.SampleLimit
	if limit <= 0 || limit > inference.DefaultSampleLimit {
		limit = inference.DefaultSampleLimit
	}

	conn, err := s.sources.Open(req.Source)
	if err != nil {
		respondBadRequest(w, r, err.Error())
		return
	}
	defer closeConnector(conn)

	samples, err := conn.ReadSchema(r.Context(), req.Container, limit)
	if err != nil {
		respondError(w, r, err)
		return
	}

	resp := inferenceResponse{Container: req.Container}
	for _, col := range samples {
		res := inference.Classify(col.Samples)
		resp.Columns = append(resp.Columns, columnSuggestion{
			Original:   col.Name,
			SQLType:    res.SQLType,
			Confidence: res.Confidence,
			Nullable:   res.Nullable,
			Samples:    len(col.Samples),
		})
	}
	respondJSON(w, http.StatusOK, resp)
}

// closeConnector releases connector resources for kinds that hold any.
func closeConnector(conn source.Connector) {
	if closer, ok := conn.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
}
