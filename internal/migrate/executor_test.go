package migrate

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcastellanos/migrator/internal/audit"
	"github.com/jcastellanos/migrator/internal/columns"
	"github.com/jcastellanos/migrator/internal/config"
	"github.com/jcastellanos/migrator/internal/process"
	"github.com/jcastellanos/migrator/internal/source"
)

// --- fakes -----------------------------------------------------------------

type fakeStore struct {
	mu sync.Mutex
	p  *process.Process
}

func (s *fakeStore) Get(ctx context.Context, id uuid.UUID) (*process.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.p == nil || s.p.ID != id {
		return nil, process.ErrNotFound
	}
	cp := *s.p
	return &cp, nil
}

func (s *fakeStore) Save(ctx context.Context, p *process.Process) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.p = &cp
	return nil
}

func (s *fakeStore) SetStatus(ctx context.Context, id uuid.UUID, from, to process.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.p.Status != from {
		return process.ErrNotRunnable
	}
	s.p.Status = to
	return nil
}

type fakeLog struct {
	mu        sync.Mutex
	began     []audit.Entry
	finalized []audit.Entry
}

func (l *fakeLog) Begin(ctx context.Context, e audit.Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.began = append(l.began, e)
	return nil
}

func (l *fakeLog) Finalize(ctx context.Context, e audit.Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.finalized = append(l.finalized, e)
	return nil
}

// fakeWriter records written batches. failCall, when set, decides per
// write-attempt number (1-based, retries included) whether the attempt
// fails; onCall observes every attempt.
type fakeWriter struct {
	mu       sync.Mutex
	batches  [][][]any
	calls    int
	failCall func(call int) error
	onCall   func(call int)
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{}
}

func (w *fakeWriter) EnsureTable(ctx context.Context, table string, cfgs []columns.Config) error {
	return nil
}

func (w *fakeWriter) WriteBatch(ctx context.Context, table string, cfgs []columns.Config, rows [][]any) error {
	w.mu.Lock()
	w.calls++
	call := w.calls
	hook := w.onCall
	fail := w.failCall
	w.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	if fail != nil {
		if err := fail(call); err != nil {
			return err
		}
	}

	w.mu.Lock()
	w.batches = append(w.batches, rows)
	w.mu.Unlock()
	return nil
}

func (w *fakeWriter) totalRows() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, b := range w.batches {
		n += len(b)
	}
	return n
}

type stubConnector struct {
	container string
	rows      [][]string
}

func (s *stubConnector) Kind() source.Kind { return source.KindLocalFile }

func (s *stubConnector) ListContainers(ctx context.Context) ([]string, error) {
	return []string{s.container}, nil
}

func (s *stubConnector) ReadSchema(ctx context.Context, container string, limit int) ([]source.ColumnSample, error) {
	return nil, nil
}

func (s *stubConnector) FetchRows(ctx context.Context, container string, cols []string) (source.Rows, error) {
	return &sliceRows{rows: s.rows, pos: -1}, nil
}

type sliceRows struct {
	rows [][]string
	pos  int
}

func (r *sliceRows) Next() bool {
	if r.pos+1 >= len(r.rows) {
		return false
	}
	r.pos++
	return true
}

func (r *sliceRows) Row() []string { return r.rows[r.pos] }
func (r *sliceRows) Err() error    { return nil }
func (r *sliceRows) Close() error  { return nil }

type stubOpener struct{ conn source.Connector }

func (o stubOpener) Open(ds source.DataSource) (source.Connector, error) {
	return o.conn, nil
}

// --- helpers ---------------------------------------------------------------

func runnableProcess(t *testing.T, strict bool) *process.Process {
	t.Helper()

	p, err := process.New("ventas", source.DataSource{
		ID: "src", Name: "ventas.csv", Kind: source.KindLocalFile, Path: "/tmp/ventas.csv",
	})
	require.NoError(t, err)
	p.Strict = strict

	cfgs := []columns.Config{
		{Container: "hoja1", Original: "Nombre", SQLType: "NVARCHAR(255)", Nullable: true, Selected: true},
		{Container: "hoja1", Original: "Edad", SQLType: "INT", Nullable: false,
			Default: pgtype.Text{String: "0", Valid: true}, Selected: true},
	}
	require.NoError(t, p.Configure(cfgs))
	require.NoError(t, p.MarkReady())
	return p
}

func rowsWithBad(total int, badAt ...int) [][]string {
	bad := make(map[int]bool, len(badAt))
	for _, i := range badAt {
		bad[i] = true
	}
	out := make([][]string, 0, total)
	for i := 1; i <= total; i++ {
		age := fmt.Sprintf("%d", 20+i%60)
		if bad[i] {
			age = "not-a-number"
		}
		out = append(out, []string{fmt.Sprintf("persona %d", i), age})
	}
	return out
}

func newTestExecutor(store ProcessStore, log RunLog, writer BatchWriter,
	conn source.Connector, cfg config.RunConfig) *Executor {
	return NewExecutor(store, log, nil, writer, stubOpener{conn: conn},
		NewRunLimiter(cfg.MaxConcurrent, time.Second), cfg)
}

func baseRunConfig() config.RunConfig {
	return config.RunConfig{
		BatchSize:     500,
		MaxConcurrent: 2,
		MaxRetries:    0,
		RetryInterval: time.Millisecond,
		Timeout:       time.Minute,
	}
}

// --- tests -----------------------------------------------------------------

func TestRunLenientRejectsBadRowsAndCompletes(t *testing.T) {
	p := runnableProcess(t, false)
	store := &fakeStore{p: p}
	log := &fakeLog{}
	writer := newFakeWriter()
	conn := &stubConnector{container: "hoja1", rows: rowsWithBad(10000, 17, 5001, 9999)}

	exec := newTestExecutor(store, log, writer, conn, baseRunConfig())
	result, err := exec.Run(context.Background(), p.ID)
	require.NoError(t, err)

	assert.Equal(t, audit.OutcomeCompleted, result.Outcome)
	assert.Equal(t, int64(10000), result.RowsRead)
	assert.Equal(t, int64(9997), result.RowsWritten)
	assert.Equal(t, int64(3), result.RowsRejected)
	assert.Equal(t, result.BatchesTotal, result.BatchesCompleted)
	assert.Equal(t, 9997, writer.totalRows())

	assert.LessOrEqual(t, result.RowsWritten+result.RowsRejected, result.RowsRead)
	assert.Equal(t, result.RowsRead, result.RowsWritten+result.RowsRejected)

	require.Len(t, result.Rejections, 3)
	assert.Equal(t, int64(17), result.Rejections[0].RowNumber)

	saved, err := store.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, process.StatusCompletado, saved.Status)
	assert.Equal(t, 1, saved.Version)
	require.NotNil(t, saved.LastRun)

	require.Len(t, log.finalized, 1)
	assert.Equal(t, audit.OutcomeCompleted, log.finalized[0].Outcome)
	assert.Equal(t, int64(9997), log.finalized[0].RowsWritten)
}

func TestRunFailsWhenBatchExhaustsRetries(t *testing.T) {
	p := runnableProcess(t, false)
	store := &fakeStore{p: p}
	log := &fakeLog{}
	writer := newFakeWriter()
	writer.failCall = func(call int) error {
		if call >= 4 {
			return fmt.Errorf("destination unavailable (attempt %d)", call)
		}
		return nil
	}
	conn := &stubConnector{container: "hoja1", rows: rowsWithBad(10000)}

	cfg := baseRunConfig()
	cfg.MaxConcurrent = 1
	exec := newTestExecutor(store, log, writer, conn, cfg)

	result, err := exec.Run(context.Background(), p.ID)
	require.Error(t, err)

	assert.Equal(t, audit.OutcomeFailed, result.Outcome)
	assert.Equal(t, int64(1500), result.RowsWritten, "only batches before the failure count")
	assert.Equal(t, 3, result.BatchesCompleted)
	assert.LessOrEqual(t, result.RowsWritten+result.RowsRejected, result.RowsRead)

	saved, getErr := store.Get(context.Background(), p.ID)
	require.NoError(t, getErr)
	assert.Equal(t, process.StatusFallido, saved.Status)
	assert.Zero(t, saved.Version, "failed runs do not bump the version")

	require.Len(t, log.finalized, 1)
	assert.Equal(t, audit.OutcomeFailed, log.finalized[0].Outcome)
	assert.NotEmpty(t, log.finalized[0].Error)
}

func TestRunRetriesTransientBatchFailure(t *testing.T) {
	p := runnableProcess(t, false)
	store := &fakeStore{p: p}
	writer := newFakeWriter()
	// Second batch fails twice (attempts 2 and 3), then succeeds
	writer.failCall = func(call int) error {
		if call == 2 || call == 3 {
			return fmt.Errorf("destination unavailable (attempt %d)", call)
		}
		return nil
	}
	conn := &stubConnector{container: "hoja1", rows: rowsWithBad(1500)}

	cfg := baseRunConfig()
	cfg.MaxRetries = 3
	cfg.MaxConcurrent = 1
	exec := newTestExecutor(store, &fakeLog{}, writer, conn, cfg)

	result, err := exec.Run(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, audit.OutcomeCompleted, result.Outcome)
	assert.Equal(t, int64(1500), result.RowsWritten)
	assert.Equal(t, 3, result.BatchesCompleted)
}

func TestRunStrictAbortsOnFirstBadRow(t *testing.T) {
	p := runnableProcess(t, true)
	store := &fakeStore{p: p}
	log := &fakeLog{}
	writer := newFakeWriter()
	conn := &stubConnector{container: "hoja1", rows: rowsWithBad(1000, 5)}

	exec := newTestExecutor(store, log, writer, conn, baseRunConfig())
	result, err := exec.Run(context.Background(), p.ID)
	require.Error(t, err)

	var cerr *CoercionError
	assert.ErrorAs(t, err, &cerr)
	assert.Equal(t, audit.OutcomeFailed, result.Outcome)
	assert.Zero(t, result.RowsRejected, "strict mode never rejects, it aborts")
	assert.Zero(t, result.RowsWritten)
	assert.Equal(t, int64(5), result.RowsRead)

	saved, getErr := store.Get(context.Background(), p.ID)
	require.NoError(t, getErr)
	assert.Equal(t, process.StatusFallido, saved.Status)
}

func TestRunStrictAbortCountsCommittedBatches(t *testing.T) {
	// A late bad row aborts the run, but the batches already written stay
	// in the destination and must stay in the finalized counts
	p := runnableProcess(t, true)
	store := &fakeStore{p: p}
	log := &fakeLog{}
	writer := newFakeWriter()
	conn := &stubConnector{container: "hoja1", rows: rowsWithBad(10000, 9999)}

	cfg := baseRunConfig()
	cfg.MaxConcurrent = 1
	exec := newTestExecutor(store, log, writer, conn, cfg)

	result, err := exec.Run(context.Background(), p.ID)
	require.Error(t, err)
	var cerr *CoercionError
	assert.ErrorAs(t, err, &cerr)

	assert.Equal(t, audit.OutcomeFailed, result.Outcome)
	assert.Equal(t, int64(9999), result.RowsRead)
	assert.Equal(t, int64(9500), result.RowsWritten)
	assert.Equal(t, 19, result.BatchesCompleted)
	assert.Equal(t, 9500, writer.totalRows())
	assert.LessOrEqual(t, result.RowsWritten+result.RowsRejected, result.RowsRead)

	require.Len(t, log.finalized, 1)
	assert.Equal(t, int64(9500), log.finalized[0].RowsWritten,
		"audit trail reflects what the destination holds")
}

func TestRunStrictEqualityInvariant(t *testing.T) {
	p := runnableProcess(t, true)
	store := &fakeStore{p: p}
	writer := newFakeWriter()
	conn := &stubConnector{container: "hoja1", rows: rowsWithBad(1234)}

	exec := newTestExecutor(store, &fakeLog{}, writer, conn, baseRunConfig())
	result, err := exec.Run(context.Background(), p.ID)
	require.NoError(t, err)

	assert.Equal(t, result.RowsRead, result.RowsWritten, "strict completion writes every row read")
	assert.Zero(t, result.RowsRejected)
}

func TestRunRefusesProcessNotReady(t *testing.T) {
	p, err := process.New("borrador", source.DataSource{Kind: source.KindLocalFile, Path: "/tmp/x.csv"})
	require.NoError(t, err)
	store := &fakeStore{p: p}

	exec := newTestExecutor(store, &fakeLog{}, newFakeWriter(),
		&stubConnector{container: "hoja1"}, baseRunConfig())

	_, err = exec.Run(context.Background(), p.ID)
	assert.ErrorIs(t, err, process.ErrNotRunnable)
}

func TestRunSingleFlightPerProcess(t *testing.T) {
	p := runnableProcess(t, false)
	store := &fakeStore{p: p}

	limiter := NewRunLimiter(4, time.Second)
	exec := NewExecutor(store, &fakeLog{}, nil, newFakeWriter(),
		stubOpener{conn: &stubConnector{container: "hoja1", rows: rowsWithBad(10)}},
		limiter, baseRunConfig())

	// Simulate an in-flight run holding the claim
	require.NoError(t, limiter.Acquire(context.Background(), p.ID))

	_, err := exec.Run(context.Background(), p.ID)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	limiter.Release(p.ID)
	result, err := exec.Run(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, audit.OutcomeCompleted, result.Outcome)
}

func TestRunCancellationAtBatchBoundary(t *testing.T) {
	p := runnableProcess(t, false)
	store := &fakeStore{p: p}
	writer := newFakeWriter()
	conn := &stubConnector{container: "hoja1", rows: rowsWithBad(2000)}

	ctx, cancel := context.WithCancel(context.Background())
	writer.onCall = func(call int) {
		if call == 2 {
			cancel()
		}
	}

	cfg := baseRunConfig()
	cfg.MaxConcurrent = 1
	exec := newTestExecutor(store, &fakeLog{}, writer, conn, cfg)

	result, err := exec.Run(ctx, p.ID)
	require.Error(t, err)
	assert.Equal(t, audit.OutcomeCancelled, result.Outcome)
	assert.Less(t, result.RowsWritten, int64(2000))
	assert.Equal(t, int64(0), result.RowsWritten%500, "cancellation never splits a batch")
}

func TestCancelEndsRunAtBatchBoundary(t *testing.T) {
	p := runnableProcess(t, false)
	store := &fakeStore{p: p}
	writer := newFakeWriter()
	conn := &stubConnector{container: "hoja1", rows: rowsWithBad(3000)}

	cfg := baseRunConfig()
	cfg.MaxConcurrent = 1
	exec := newTestExecutor(store, &fakeLog{}, writer, conn, cfg)

	writer.onCall = func(call int) {
		if call == 2 {
			_ = exec.Cancel(p.ID)
		}
	}

	result, err := exec.Run(context.Background(), p.ID)
	require.Error(t, err)
	assert.Equal(t, audit.OutcomeCancelled, result.Outcome)
	assert.Less(t, result.RowsWritten, int64(3000))
	assert.Equal(t, int64(0), result.RowsWritten%500, "cancellation never splits a batch")

	saved, getErr := store.Get(context.Background(), p.ID)
	require.NoError(t, getErr)
	assert.Equal(t, process.StatusFallido, saved.Status)
}

func TestCancelWithoutRunInFlight(t *testing.T) {
	p := runnableProcess(t, false)
	exec := newTestExecutor(&fakeStore{p: p}, &fakeLog{}, newFakeWriter(),
		&stubConnector{container: "hoja1"}, baseRunConfig())

	assert.ErrorIs(t, exec.Cancel(p.ID), ErrNotRunning)
}

func TestRunOrderIndependentWritesAllRows(t *testing.T) {
	p := runnableProcess(t, false)
	p.OrderIndependent = true
	store := &fakeStore{p: p}
	writer := newFakeWriter()
	conn := &stubConnector{container: "hoja1", rows: rowsWithBad(5000)}

	cfg := baseRunConfig()
	cfg.MaxConcurrent = 4
	exec := newTestExecutor(store, &fakeLog{}, writer, conn, cfg)

	result, err := exec.Run(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), result.RowsWritten)
	assert.Equal(t, 10, result.BatchesCompleted)
	assert.Equal(t, 5000, writer.totalRows())
}

func TestRunUnknownProcess(t *testing.T) {
	store := &fakeStore{}
	exec := newTestExecutor(store, &fakeLog{}, newFakeWriter(),
		&stubConnector{}, baseRunConfig())

	_, err := exec.Run(context.Background(), uuid.New())
	assert.ErrorIs(t, err, process.ErrNotFound)
}
