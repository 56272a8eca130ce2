package migrate

// executor.go orchestrates migration runs.
//
// A run streams rows from the process's source, coerces them to the
// configured destination types, and writes them in fixed-size batches.
// Each batch is atomic; a failed batch write is retried with exponential
// backoff before the run aborts. Cancellation is honored at batch
// boundaries only, so no batch is ever half-applied.
//
// Counting invariant, checked by the run summary: rows_written +
// rows_rejected <= rows_read, with equality whenever the run reaches a
// terminal state through the normal path. In strict mode rows_rejected is
// always zero: the first coercion failure aborts the run instead.

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/sync/errgroup"

	"github.com/jcastellanos/migrator/internal/audit"
	"github.com/jcastellanos/migrator/internal/columns"
	"github.com/jcastellanos/migrator/internal/config"
	"github.com/jcastellanos/migrator/internal/logging"
	"github.com/jcastellanos/migrator/internal/process"
	"github.com/jcastellanos/migrator/internal/source"
)

// DefaultBatchSize is the number of rows written per batch.
const DefaultBatchSize = 500

// maxRetainedRejections caps the per-run rejection detail kept in memory;
// the rejected count is always exact.
const maxRetainedRejections = 100

// ProcessStore is the persistence the executor needs from the process
// repository.
type ProcessStore interface {
	Get(ctx context.Context, id uuid.UUID) (*process.Process, error)
	Save(ctx context.Context, p *process.Process) error
	SetStatus(ctx context.Context, id uuid.UUID, from, to process.Status) error
}

// RunLog is the append-only execution log the executor writes to.
type RunLog interface {
	Begin(ctx context.Context, e audit.Entry) error
	Finalize(ctx context.Context, e audit.Entry) error
}

// CatalogSync refreshes the administrative process mirror after a run.
type CatalogSync interface {
	Sync(ctx context.Context, p *process.Process) error
}

// SourceOpener builds a connector for a stored data source.
// Satisfied by source.Factory.
type SourceOpener interface {
	Open(ds source.DataSource) (source.Connector, error)
}

// RejectedRow describes one row dropped in lenient mode.
type RejectedRow struct {
	RowNumber int64  `json:"row_number"`
	Reason    string `json:"reason"`
}

// RunResult is the summary of one finished run.
type RunResult struct {
	RunID   uuid.UUID        `json:"run_id"`
	Outcome audit.RunOutcome `json:"outcome"`

	RowsRead     int64 `json:"rows_read"`
	RowsWritten  int64 `json:"rows_written"`
	RowsRejected int64 `json:"rows_rejected"`

	BatchesTotal     int `json:"batches_total"`
	BatchesCompleted int `json:"batches_completed"`

	// Rejections holds detail for up to maxRetainedRejections rejected rows.
	Rejections []RejectedRow `json:"rejections,omitempty"`

	Err error `json:"-"`
}

// Executor runs migrations. Construct with NewExecutor.
type Executor struct {
	store   ProcessStore
	log     RunLog
	mirror  CatalogSync
	writer  BatchWriter
	sources SourceOpener
	limiter *RunLimiter

	batchSize     int
	maxRetries    int
	retryInterval time.Duration
	runTimeout    time.Duration
	parallelism   int

	mu      sync.Mutex
	cancels map[uuid.UUID]context.CancelFunc
}

// ErrNotRunning reports a cancel request for a process with no run in flight.
var ErrNotRunning = errors.New("no run in flight for this process")

// NewExecutor wires the executor. mirror may be nil when no administrative
// mirror is configured.
func NewExecutor(store ProcessStore, log RunLog, mirror CatalogSync,
	writer BatchWriter, sources SourceOpener, limiter *RunLimiter,
	cfg config.RunConfig) *Executor {

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	parallelism := cfg.MaxConcurrent
	if parallelism <= 0 {
		parallelism = 1
	}

	return &Executor{
		store:         store,
		log:           log,
		mirror:        mirror,
		writer:        writer,
		sources:       sources,
		limiter:       limiter,
		batchSize:     batchSize,
		maxRetries:    cfg.MaxRetries,
		retryInterval: cfg.RetryInterval,
		runTimeout:    cfg.Timeout,
		parallelism:   parallelism,
		cancels:       make(map[uuid.UUID]context.CancelFunc),
	}
}

// Cancel requests cooperative cancellation of the in-flight run for a
// process. The run observes the cancellation at its next batch boundary;
// no batch is ever split.
func (e *Executor) Cancel(processID uuid.UUID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	stop, ok := e.cancels[processID]
	if !ok {
		return ErrNotRunning
	}
	stop()
	return nil
}

func (e *Executor) registerCancel(id uuid.UUID, stop context.CancelFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancels[id] = stop
}

func (e *Executor) dropCancel(id uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.cancels, id)
}

// Run executes one migration run for the process. It returns
// process.ErrNotRunnable when the process is not Listo and active, and
// ErrAlreadyRunning when a run for it is already in flight.
func (e *Executor) Run(ctx context.Context, processID uuid.UUID) (*RunResult, error) {
	p, err := e.store.Get(ctx, processID)
	if err != nil {
		return nil, err
	}
	if !p.Runnable() {
		return nil, fmt.Errorf("process %q in status %s: %w", p.Name, p.Status, process.ErrNotRunnable)
	}

	if err := e.limiter.Acquire(ctx, p.ID); err != nil {
		return nil, err
	}
	defer e.limiter.Release(p.ID)

	if err := e.store.SetStatus(ctx, p.ID, process.StatusListo, process.StatusEnEjecucion); err != nil {
		return nil, err
	}
	p.Status = process.StatusEnEjecucion

	runID := uuid.New()
	startedAt := time.Now().UTC()
	logger := logging.ForRun(ctx, p.ID.String(), runID.String())
	logger.Info("run started", "process", p.Name, "source_kind", string(p.Source.Kind))

	if err := e.log.Begin(ctx, audit.Entry{
		RunID:       runID,
		ProcessID:   p.ID,
		ProcessName: p.Name,
		StartedAt:   startedAt,
	}); err != nil {
		// Roll the status back; the run never really started
		_ = e.store.SetStatus(ctx, p.ID, process.StatusEnEjecucion, process.StatusFallido)
		return nil, err
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	e.registerCancel(p.ID, stop)
	defer e.dropCancel(p.ID)

	if e.runTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, e.runTimeout)
		defer cancel()
	}

	result := e.execute(runCtx, p)
	result.RunID = runID

	finishedAt := time.Now().UTC()
	e.finalize(context.WithoutCancel(ctx), p, result, startedAt, finishedAt, logger)
	return result, result.Err
}

// execute performs the streaming transfer and returns the raw outcome. It
// never touches process status; finalize does.
func (e *Executor) execute(ctx context.Context, p *process.Process) *RunResult {
	result := &RunResult{}

	conn, err := e.sources.Open(p.Source)
	if err != nil {
		return failResult(result, fmt.Errorf("opening source: %w", err))
	}
	if closer, ok := conn.(io.Closer); ok {
		defer closer.Close()
	}

	for _, grp := range groupByContainer(p.SelectedColumns()) {
		if err := e.transferContainer(ctx, p, conn, grp.container, grp.cfgs, result); err != nil {
			return failResult(result, err)
		}
	}

	result.Outcome = audit.OutcomeCompleted
	return result
}

// transferContainer streams one container into its destination table.
func (e *Executor) transferContainer(ctx context.Context, p *process.Process,
	conn source.Connector, container string, cfgs []columns.Config, result *RunResult) error {

	table := destinationTable(p, container)
	if err := e.writer.EnsureTable(ctx, table, cfgs); err != nil {
		return err
	}

	originals := make([]string, len(cfgs))
	for i, cfg := range cfgs {
		originals[i] = cfg.Original
	}
	rows, err := conn.FetchRows(ctx, container, originals)
	if err != nil {
		return fmt.Errorf("fetching rows of %q: %w", container, err)
	}
	defer rows.Close()

	var written, completed int64
	g, gctx := errgroup.WithContext(ctx)
	if p.OrderIndependent {
		g.SetLimit(e.parallelism)
	} else {
		g.SetLimit(1)
	}

	dispatch := func(batch [][]any) {
		result.BatchesTotal++
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := e.writeWithRetry(gctx, table, cfgs, batch); err != nil {
				return err
			}
			atomic.AddInt64(&written, int64(len(batch)))
			atomic.AddInt64(&completed, 1)
			return nil
		})
	}

	batch := make([][]any, 0, e.batchSize)
	for rows.Next() {
		result.RowsRead++

		values, err := CoerceRow(rows.Row(), cfgs)
		if err != nil {
			if p.Strict {
				// Batches already dispatched may have committed; drain
				// them so the finalized counts match the destination
				werr := g.Wait()
				result.RowsWritten += atomic.LoadInt64(&written)
				result.BatchesCompleted += int(atomic.LoadInt64(&completed))
				if werr != nil && !errors.Is(werr, context.Canceled) {
					return werr
				}
				return fmt.Errorf("row %d: %w", result.RowsRead, err)
			}
			result.RowsRejected++
			if len(result.Rejections) < maxRetainedRejections {
				result.Rejections = append(result.Rejections, RejectedRow{
					RowNumber: result.RowsRead,
					Reason:    err.Error(),
				})
			}
			continue
		}

		batch = append(batch, values)
		if len(batch) >= e.batchSize {
			dispatch(batch)
			batch = make([][]any, 0, e.batchSize)

			// Batch boundary: honor cancellation and fail fast on a
			// writer error before reading further
			if err := gctx.Err(); err != nil {
				break
			}
		}
	}
	if err := rows.Err(); err != nil {
		_ = g.Wait()
		result.RowsWritten += atomic.LoadInt64(&written)
		result.BatchesCompleted += int(atomic.LoadInt64(&completed))
		return fmt.Errorf("reading rows of %q: %w", container, err)
	}
	if len(batch) > 0 && gctx.Err() == nil {
		dispatch(batch)
	}

	err = g.Wait()
	result.RowsWritten += atomic.LoadInt64(&written)
	result.BatchesCompleted += int(atomic.LoadInt64(&completed))
	if err != nil {
		return err
	}
	return ctx.Err()
}

// writeWithRetry writes one batch, retrying transient failures with
// exponential backoff up to maxRetries before giving up.
func (e *Executor) writeWithRetry(ctx context.Context, table string, cfgs []columns.Config, batch [][]any) error {
	bo := backoff.NewExponentialBackOff()
	if e.retryInterval > 0 {
		bo.InitialInterval = e.retryInterval
	}

	attempt := func() error {
		err := e.writer.WriteBatch(ctx, table, cfgs, batch)
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	return backoff.Retry(attempt,
		backoff.WithContext(backoff.WithMaxRetries(bo, uint64(e.maxRetries)), ctx))
}

/// finalize records the terminal state everywhere it lives: process status,
// execution log, administrative mirror. It runs on a context detached from
// the (possibly cancelled) run context so bookkeeping still lands.
func (e *Executor) finalize(ctx context.Context, p *process.Process, result *RunResult,
	startedAt, finishedAt time.Time, logger *slog.Logger) {

	var errText string
	switch result.Outcome {
	case audit.OutcomeCompleted:
		if err := p.CompleteRun(finishedAt); err != nil {
			result.Err = err
		}
	default:
		if result.Err != nil {
			errText = result.Err.Error()
		}
		_ = p.FailRun(finishedAt)
	}

	if err := e.store.Save(ctx, p); err != nil {
		logger.Error("persisting run outcome failed", "error", err)
		if result.Err == nil {
			result.Err = err
		}
	}

	if err := e.log.Finalize(ctx, audit.Entry{
		RunID:            result.RunID,
		ProcessID:        p.ID,
		ProcessName:      p.Name,
		Outcome:          result.Outcome,
		RowsRead:         result.RowsRead,
		RowsWritten:      result.RowsWritten,
		RowsRejected:     result.RowsRejected,
		BatchesTotal:     result.BatchesTotal,
		BatchesCompleted: result.BatchesCompleted,
		Error:            errText,
		StartedAt:        startedAt,
		FinishedAt:       &finishedAt,
	}); err != nil {
		logger.Error("finalizing execution log failed", "error", err)
	}

	if e.mirror != nil {
		if err := e.mirror.Sync(ctx, p); err != nil {
			logger.Error("syncing process catalog failed", "error", err)
		}
	}

	logger.Info("run finished",
		"outcome", string(result.Outcome),
		"rows_read", result.RowsRead,
		"rows_written", result.RowsWritten,
		"rows_rejected", result.RowsRejected,
		"batches_completed", result.BatchesCompleted,
		"batches_total", result.BatchesTotal,
	)
}

// failResult stamps the terminal failure onto the result. Cancellation is
// reported as Cancelado, everything else as Fallido.
func failResult(result *RunResult, err error) *RunResult {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		result.Outcome = audit.OutcomeCancelled
	} else {
		result.Outcome = audit.OutcomeFailed
	}
	result.Err = err
	return result
}

type containerGroup struct {
	container string
	cfgs      []columns.Config
}

// groupByContainer splits the selected columns per container, preserving
// first-appearance order of containers and configuration order within each.
func groupByContainer(cfgs []columns.Config) []containerGroup {
	idx := make(map[string]int)
	var out []containerGroup
	for _, cfg := range cfgs {
		i, ok := idx[cfg.Container]
		if !ok {
			i = len(out)
			idx[cfg.Container] = i
			out = append(out, containerGroup{container: cfg.Container})
		}
		out[i].cfgs = append(out[i].cfgs, cfg)
	}
	return out
}

// destinationTable derives the destination table name for one container of
// a process. Both parts are normalized so the name is always a safe
// identifier.
func destinationTable(p *process.Process, container string) string {
	name := columns.Normalize(p.Name)
	c := columns.Normalize(container)
	if c == "" || c == name {
		return name
	}
	return columns.Normalize(name + "_" + c)
}

// retryable classifies batch write failures. Context errors never retry.
// Postgres errors retry only for transient conditions: deadlocks,
// serialization failures, connection-class errors, resource exhaustion.
// Constraint violations and other data errors fail immediately. Errors
// without a SQLSTATE (network-level failures) are assumed transient.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001", pgErr.Code == "40P01":
			return true
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "53"):
			return true
		default:
			return false
		}
	}
	return true
}
