package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcastellanos/migrator/internal/audit"
	"github.com/jcastellanos/migrator/internal/config"
	"github.com/jcastellanos/migrator/internal/migrate"
	"github.com/jcastellanos/migrator/internal/process"
	"github.com/jcastellanos/migrator/internal/source"
)

type memStore struct {
	mu    sync.Mutex
	items map[uuid.UUID]*process.Process
}

func newMemStore() *memStore {
	return &memStore{items: make(map[uuid.UUID]*process.Process)}
}

func (s *memStore) Create(ctx context.Context, p *process.Process) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.items {
		if existing.Name == p.Name {
			return process.ErrNameTaken
		}
	}
	cp := *p
	s.items[p.ID] = &cp
	return nil
}

func (s *memStore) Save(ctx context.Context, p *process.Process) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[p.ID]; !ok {
		return process.ErrNotFound
	}
	cp := *p
	s.items[p.ID] = &cp
	return nil
}

func (s *memStore) Get(ctx context.Context, id uuid.UUID) (*process.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.items[id]
	if !ok {
		return nil, process.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *memStore) List(ctx context.Context, includeDeleted bool) ([]*process.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*process.Process
	for _, p := range s.items {
		if !includeDeleted && p.Lifecycle == process.LifecycleEliminado {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

type stubRunner struct {
	result    *migrate.RunResult
	err       error
	cancelErr error
	cancelled []uuid.UUID
}

func (r *stubRunner) Run(ctx context.Context, id uuid.UUID) (*migrate.RunResult, error) {
	return r.result, r.err
}

func (r *stubRunner) Cancel(id uuid.UUID) error {
	if r.cancelErr != nil {
		return r.cancelErr
	}
	r.cancelled = append(r.cancelled, id)
	return nil
}

type stubHistory struct{ entries []audit.Entry }

func (h *stubHistory) History(ctx context.Context, id uuid.UUID, limit int) ([]audit.Entry, error) {
	return h.entries, nil
}

type stubSources struct{ conn source.Connector }

func (o stubSources) Open(ds source.DataSource) (source.Connector, error) {
	return o.conn, nil
}

type stubConn struct {
	containers []string
	samples    []source.ColumnSample
}

func (c *stubConn) Kind() source.Kind { return source.KindLocalFile }

func (c *stubConn) ListContainers(ctx context.Context) ([]string, error) {
	return c.containers, nil
}

func (c *stubConn) ReadSchema(ctx context.Context, container string, limit int) ([]source.ColumnSample, error) {
	return c.samples, nil
}

func (c *stubConn) FetchRows(ctx context.Context, container string, cols []string) (source.Rows, error) {
	return nil, nil
}

func newTestServer(store ProcessStore, runner Runner) *Server {
	return NewServer(store, runner, &stubHistory{}, nil,
		stubSources{conn: &stubConn{
			containers: []string{"hoja1"},
			samples: []source.ColumnSample{
				{Name: "Edad", Samples: []string{"34", "29", "", "41"}},
				{Name: "Nombre", Samples: []string{"Ana", "Luis", "Eva", "Juan"}},
			},
		}},
		migrate.NewRunLimiter(2, time.Second),
		config.ServerConfig{RequestTimeout: time.Minute})
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestCreateAndGetProcess(t *testing.T) {
	s := newTestServer(newMemStore(), &stubRunner{})

	rec := doJSON(t, s, http.MethodPost, "/api/processes", map[string]any{
		"name": "Carga Clientes",
		"source": map[string]any{
			"id": "src", "name": "c.csv", "kind": "local-file", "path": "/tmp/c.csv",
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created process.Process
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "Carga Clientes", created.Name)
	assert.Equal(t, process.StatusBorrador, created.Status)

	rec = doJSON(t, s, http.MethodGet, "/api/processes/"+created.ID.String(), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateProcessDuplicateName(t *testing.T) {
	s := newTestServer(newMemStore(), &stubRunner{})
	body := map[string]any{
		"name":   "repetido",
		"source": map[string]any{"kind": "local-file", "path": "/tmp/x.csv"},
	}

	rec := doJSON(t, s, http.MethodPost, "/api/processes", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/processes", body)
	assert.Equal(t, http.StatusConflict, rec.Code)

	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, "name_taken", errResp.Code)
}

func TestGetProcessNotFound(t *testing.T) {
	s := newTestServer(newMemStore(), &stubRunner{})

	rec := doJSON(t, s, http.MethodGet, "/api/processes/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/api/processes/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConfigureColumnsReportsValidation(t *testing.T) {
	store := newMemStore()
	s := newTestServer(store, &stubRunner{})

	rec := doJSON(t, s, http.MethodPost, "/api/processes", map[string]any{
		"name":   "p",
		"source": map[string]any{"kind": "local-file", "path": "/tmp/x.csv"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created process.Process
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = doJSON(t, s, http.MethodPut, "/api/processes/"+created.ID.String()+"/columns", map[string]any{
		"columns": []map[string]any{
			{"container": "hoja1", "original": "Nombre", "rename": "cliente",
				"sql_type": "NVARCHAR(255)", "nullable": true, "selected": true},
			{"container": "hoja1", "original": "Razon Social", "rename": "CLIENTE",
				"sql_type": "NVARCHAR(255)", "nullable": true, "selected": true},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Validation struct {
			Valid bool `json:"valid"`
		} `json:"validation"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Validation.Valid, "duplicate renames must be reported")

	saved, err := store.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, process.StatusConfigurado, saved.Status)
}

func TestDeleteIsLogical(t *testing.T) {
	store := newMemStore()
	s := newTestServer(store, &stubRunner{})

	rec := doJSON(t, s, http.MethodPost, "/api/processes", map[string]any{
		"name":   "p",
		"source": map[string]any{"kind": "local-file", "path": "/tmp/x.csv"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created process.Process
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = doJSON(t, s, http.MethodDelete, "/api/processes/"+created.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Hidden from the default listing, still present with the flag
	rec = doJSON(t, s, http.MethodGet, "/api/processes", nil)
	assert.Equal(t, "[]", string(bytes.TrimSpace(rec.Body.Bytes())))

	rec = doJSON(t, s, http.MethodGet, "/api/processes?include_deleted=1", nil)
	var list []process.Process
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, process.LifecycleEliminado, list[0].Lifecycle)
}

func TestRunConflictMapping(t *testing.T) {
	s := newTestServer(newMemStore(), &stubRunner{err: migrate.ErrAlreadyRunning})

	rec := doJSON(t, s, http.MethodPost, "/api/processes/"+uuid.NewString()+"/run", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, "already_running", errResp.Code)
}

func TestRunReturnsSummary(t *testing.T) {
	runner := &stubRunner{result: &migrate.RunResult{
		RunID:       uuid.New(),
		Outcome:     audit.OutcomeCompleted,
		RowsRead:    100,
		RowsWritten: 100,
	}}
	s := newTestServer(newMemStore(), runner)

	rec := doJSON(t, s, http.MethodPost, "/api/processes/"+uuid.NewString()+"/run", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var result migrate.RunResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, int64(100), result.RowsWritten)
}

func TestCancelRun(t *testing.T) {
	runner := &stubRunner{}
	s := newTestServer(newMemStore(), runner)
	id := uuid.New()

	rec := doJSON(t, s, http.MethodPost, "/api/processes/"+id.String()+"/cancel", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Len(t, runner.cancelled, 1)
	assert.Equal(t, id, runner.cancelled[0])
}

func TestCancelRunNotRunning(t *testing.T) {
	s := newTestServer(newMemStore(), &stubRunner{cancelErr: migrate.ErrNotRunning})

	rec := doJSON(t, s, http.MethodPost, "/api/processes/"+uuid.NewString()+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, "not_running", errResp.Code)
}

func TestInferenceEndpoint(t *testing.T) {
	s := newTestServer(newMemStore(), &stubRunner{})

	rec := doJSON(t, s, http.MethodPost, "/api/sources/inference", map[string]any{
		"source":    map[string]any{"kind": "local-file", "path": "/tmp/x.csv"},
		"container": "hoja1",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp inferenceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Columns, 2)

	edad := resp.Columns[0]
	assert.Equal(t, "Edad", edad.Original)
	assert.Equal(t, "INT", edad.SQLType)
	assert.Equal(t, 1.0, edad.Confidence)
	assert.True(t, edad.Nullable)

	nombre := resp.Columns[1]
	assert.Equal(t, "NVARCHAR(50)", nombre.SQLType)
	assert.False(t, nombre.Nullable)
}

func TestValidateRenameEndpoint(t *testing.T) {
	s := newTestServer(newMemStore(), &stubRunner{})

	rec := doJSON(t, s, http.MethodPost, "/api/columns/validate-rename", map[string]any{
		"container": "hoja1",
		"rename":    "Fecha Nacimiento!!",
		"existing":  []string{"cliente"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Fecha_Nacimiento", resp["normalized"])

	rec = doJSON(t, s, http.MethodPost, "/api/columns/validate-rename", map[string]any{
		"container": "hoja1",
		"rename":    "CLIENTE",
		"existing":  []string{"cliente"},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestSourceContainersEndpoint(t *testing.T) {
	s := newTestServer(newMemStore(), &stubRunner{})

	rec := doJSON(t, s, http.MethodPost, "/api/sources/containers", map[string]any{
		"source": map[string]any{"kind": "local-file", "path": "/tmp/x.csv"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "hoja1")
}

func TestHealthz(t *testing.T) {
	s := newTestServer(newMemStore(), &stubRunner{})
	rec := doJSON(t, s, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
