package source

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	mssql "github.com/microsoft/go-mssqldb"
)

// Relational reads tables from an external SQL Server database.
//
// Connections are pooled by database/sql; every query runs under a
// per-query timeout so one slow source cannot hold a pool slot
// indefinitely. Authentication failures and connect timeouts surface as
// distinct error kinds so callers can present different guidance.
type Relational struct {
	db           *sql.DB
	queryTimeout time.Duration
}

// mssqlLoginFailed is the SQL Server error number for rejected credentials.
const mssqlLoginFailed = 18456

// NewRelational opens a pooled connection to the source described by dsn.
// The connection is not verified here; use Ping.
func NewRelational(dsn string, maxOpenConns int, queryTimeout time.Duration) (*Relational, error) {
	db, err := sql.Open("sqlserver", dsn)
	if err != nil {
		return nil, fmt.Errorf("open source connection: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &Relational{db: db, queryTimeout: queryTimeout}, nil
}

// Kind implements Connector.
func (r *Relational) Kind() Kind { return KindRelational }

// Ping verifies the source is reachable with the configured credentials.
func (r *Relational) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	if err := r.db.PingContext(ctx); err != nil {
		return classifySQLError(err)
	}
	return nil
}

// Close releases the connection pool.
func (r *Relational) Close() error { return r.db.Close() }

// ListContainers implements Connector. Containers are the base tables and
// views visible to the configured login.
func (r *Relational) ListContainers(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	const q = `SELECT TABLE_NAME FROM INFORMATION_SCHEMA.TABLES
		WHERE TABLE_TYPE IN ('BASE TABLE', 'VIEW') ORDER BY TABLE_NAME`

	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, classifySQLError(err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, classifySQLError(err)
	}
	return tables, nil
}

// ReadSchema implements Connector. Samples come from the first limit rows of
// the table in its natural order.
func (r *Relational) ReadSchema(ctx context.Context, container string, limit int) ([]ColumnSample, error) {
	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	q := fmt.Sprintf("SELECT TOP (%d) * FROM %s", limit, quoteMSSQLIdentifier(container))
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, classifySQLError(err)
	}
	defer rows.Close()

	header, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns of %q: %w", container, err)
	}

	var data [][]string
	for rows.Next() {
		record, err := scanStringRow(rows, len(header))
		if err != nil {
			return nil, err
		}
		data = append(data, record)
	}
	if err := rows.Err(); err != nil {
		return nil, classifySQLError(err)
	}

	return sampleColumns(header, data, limit), nil
}

// FetchRows implements Connector. The returned iterator holds a live query;
// callers must Close it. Calling FetchRows again restarts the sequence with
// a fresh query.
func (r *Relational) FetchRows(ctx context.Context, container string, columns []string) (Rows, error) {
	cols := "*"
	if len(columns) > 0 {
		quoted := make([]string, len(columns))
		for i, c := range columns {
			quoted[i] = quoteMSSQLIdentifier(c)
		}
		cols = strings.Join(quoted, ", ")
	}

	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)

	q := fmt.Sprintf("SELECT %s FROM %s", cols, quoteMSSQLIdentifier(container))
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		cancel()
		return nil, classifySQLError(err)
	}

	width := len(columns)
	if width == 0 {
		header, err := rows.Columns()
		if err != nil {
			rows.Close()
			cancel()
			return nil, fmt.Errorf("read columns of %q: %w", container, err)
		}
		width = len(header)
	}

	return &sqlRows{rows: rows, cancel: cancel, width: width}, nil
}

// sqlRows adapts *sql.Rows to the Rows interface, stringifying values.
type sqlRows struct {
	rows   *sql.Rows
	cancel context.CancelFunc
	width  int
	cur    []string
	err    error
}

func (s *sqlRows) Next() bool {
	if !s.rows.Next() {
		return false
	}
	record, err := scanStringRow(s.rows, s.width)
	if err != nil {
		s.err = err
		return false
	}
	s.cur = record
	return true
}

func (s *sqlRows) Row() []string { return s.cur }

func (s *sqlRows) Err() error {
	if s.err != nil {
		return s.err
	}
	if err := s.rows.Err(); err != nil {
		return classifySQLError(err)
	}
	return nil
}

func (s *sqlRows) Close() error {
	defer s.cancel()
	return s.rows.Close()
}

// scanStringRow scans the current row into string form. NULLs become empty
// strings, matching how file sources represent empty cells.
func scanStringRow(rows *sql.Rows, width int) ([]string, error) {
	values := make([]any, width)
	ptrs := make([]any, width)
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("scan row: %w", err)
	}

	record := make([]string, width)
	for i, v := range values {
		record[i] = formatSQLValue(v)
	}
	return record, nil
}

// formatSQLValue renders a driver value as the string form the inference
// and coercion layers expect.
func formatSQLValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(x)
	case string:
		return x
	case time.Time:
		if x.Hour() == 0 && x.Minute() == 0 && x.Second() == 0 && x.Nanosecond() == 0 {
			return x.Format("2006-01-02")
		}
		return x.Format("2006-01-02 15:04:05")
	case bool:
		if x {
			return "1"
		}
		return "0"
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", x)
	}
}

// quoteMSSQLIdentifier wraps an identifier in brackets, escaping embedded
// closing brackets.
func quoteMSSQLIdentifier(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// classifySQLError maps driver errors onto the connector error kinds.
func classifySQLError(err error) error {
	if err == nil {
		return nil
	}

	var sqlErr mssql.Error
	if errors.As(err, &sqlErr) {
		if sqlErr.Number == mssqlLoginFailed {
			return fmt.Errorf("%w: %v", ErrAuthentication, err)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrConnectTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrConnectTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrSourceUnreachable, err)
}
