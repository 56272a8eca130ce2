package migrate

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/jcastellanos/migrator/internal/columns"
	"github.com/jcastellanos/migrator/internal/routing"
)

// BatchWriter persists coerced batches into the destination. The executor
// depends on this interface so run semantics can be tested without a
// database.
type BatchWriter interface {
	// EnsureTable creates or verifies the destination table for the
	// selected columns.
	EnsureTable(ctx context.Context, table string, cfgs []columns.Config) error

	// WriteBatch writes one batch atomically: either every row in the batch
	// is persisted or none is.
	WriteBatch(ctx context.Context, table string, cfgs []columns.Config, rows [][]any) error
}

// PgWriter writes batches to the business-data destination resolved through
// the router. Each batch is a single multi-row INSERT, which gives
// whole-batch atomicity without holding a long transaction.
type PgWriter struct {
	db routing.Conn
}

// NewPgWriter resolves the business-row connection from the router.
func NewPgWriter(router *routing.Router) (*PgWriter, error) {
	db, err := router.Resolve(routing.EntityBusinessRow, routing.RoleBusinessData)
	if err != nil {
		return nil, err
	}
	return &PgWriter{db: db}, nil
}

// EnsureTable creates the destination table when absent, with one column per
// selected configuration in configuration order.
func (w *PgWriter) EnsureTable(ctx context.Context, table string, cfgs []columns.Config) error {
	if len(cfgs) == 0 {
		return fmt.Errorf("destination table %q has no columns", table)
	}

	defs := make([]string, 0, len(cfgs))
	for _, cfg := range cfgs {
		null := " NOT NULL"
		if cfg.Nullable {
			null = ""
		}
		defs = append(defs, fmt.Sprintf("%s %s%s",
			pgx.Identifier{cfg.DestinationName()}.Sanitize(),
			destinationType(cfg.SQLType), null))
	}

	q := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)",
		pgx.Identifier{table}.Sanitize(), strings.Join(defs, ", "))
	if _, err := w.db.Exec(ctx, q); err != nil {
		return fmt.Errorf("ensuring destination table %q: %w", table, err)
	}
	return nil
}

// WriteBatch inserts all rows of the batch in one statement.
func (w *PgWriter) WriteBatch(ctx context.Context, table string, cfgs []columns.Config, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}

	names := make([]string, len(cfgs))
	for i, cfg := range cfgs {
		names[i] = pgx.Identifier{cfg.DestinationName()}.Sanitize()
	}

	var (
		b    strings.Builder
		args = make([]any, 0, len(rows)*len(cfgs))
	)
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ",
		pgx.Identifier{table}.Sanitize(), strings.Join(names, ", "))

	arg := 1
	for ri, row := range rows {
		if len(row) != len(cfgs) {
			return fmt.Errorf("batch row %d has %d values, expected %d", ri, len(row), len(cfgs))
		}
		if ri > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for ci := range row {
			if ci > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", arg)
			arg++
		}
		b.WriteByte(')')
		args = append(args, row...)
	}

	if _, err := w.db.Exec(ctx, b.String(), args...); err != nil {
		return fmt.Errorf("writing batch of %d rows to %q: %w", len(rows), table, err)
	}
	return nil
}

// destinationType maps a configured SQL type onto the destination's native
// type by family. Width hints from the source type are not carried; the
// destination stores the widest member of each family.
func destinationType(sqlType string) string {
	switch columns.FamilyOf(sqlType) {
	case columns.FamilyInteger:
		return "BIGINT"
	case columns.FamilyDecimal:
		return "NUMERIC"
	case columns.FamilyBit:
		return "BOOLEAN"
	case columns.FamilyDate:
		return "TIMESTAMP"
	default:
		return "TEXT"
	}
}
