// Package migrate executes migration runs: it streams source rows, coerces
// them to the configured destination types, and writes them in transactional
// batches routed to the business-data destination.
package migrate

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/jcastellanos/migrator/internal/columns"
)

// coerce.go converts source cell strings to destination values.
//
// Cells arrive as strings regardless of source kind. Each cell is coerced
// according to its column's SQL type family; an empty cell substitutes the
// configured default, or NULL when the column is nullable and carries no
// default. A value that cannot be coerced produces a CoercionError, which
// the executor turns into a rejected row (lenient) or an aborted run
// (strict).

var (
	numericValue = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)([eE][+-]?\d+)?$`)
	integerValue = regexp.MustCompile(`^[+-]?\d+$`)
)

// Date layouts accepted for date/datetime cells, four-digit years only.
// Two-digit years are ambiguous across source locales and are rejected.
var dateLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"2006/01/02",
	"02/01/2006 15:04:05",
	"02/01/2006",
	"2/1/2006",
	"02-01-2006",
	"02.01.2006",
}

// CoercionError reports one cell that could not be converted to its
// configured type.
type CoercionError struct {
	Column string
	Value  string
	Reason string
}

func (e *CoercionError) Error() string {
	return fmt.Sprintf("column %q: cannot coerce %q: %s", e.Column, e.Value, e.Reason)
}

// CoerceRow converts one source row to destination values, positionally
// aligned with cfgs. The row and cfgs must have equal length.
func CoerceRow(row []string, cfgs []columns.Config) ([]any, error) {
	if len(row) != len(cfgs) {
		return nil, fmt.Errorf("row has %d cells, configuration has %d columns", len(row), len(cfgs))
	}

	out := make([]any, len(row))
	for i, cell := range row {
		v, err := coerceCell(cell, cfgs[i])
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func coerceCell(cell string, cfg columns.Config) (any, error) {
	cell = strings.TrimSpace(cell)

	if cell == "" {
		if cfg.Default.Valid {
			return coerceValue(cfg.Default.String, cfg)
		}
		if cfg.Nullable {
			return nullFor(columns.FamilyOf(cfg.SQLType)), nil
		}
		return nil, &CoercionError{
			Column: cfg.DestinationName(),
			Reason: "empty cell in non-nullable column without default",
		}
	}

	return coerceValue(cell, cfg)
}

func coerceValue(s string, cfg columns.Config) (any, error) {
	family := columns.FamilyOf(cfg.SQLType)

	switch family {
	case columns.FamilyInteger:
		v, err := toInt8(s, cfg)
		return v, err
	case columns.FamilyDecimal:
		v, err := toNumeric(s, cfg)
		return v, err
	case columns.FamilyBit:
		v, err := toBool(s, cfg)
		return v, err
	case columns.FamilyDate:
		v, err := toTimestamp(s, cfg)
		return v, err
	default:
		return pgtype.Text{String: s, Valid: true}, nil
	}
}

// nullFor returns the typed NULL for a family, so pgx binds the right
// parameter OID.
func nullFor(family columns.TypeFamily) any {
	switch family {
	case columns.FamilyInteger:
		return pgtype.Int8{}
	case columns.FamilyDecimal:
		return pgtype.Numeric{}
	case columns.FamilyBit:
		return pgtype.Bool{}
	case columns.FamilyDate:
		return pgtype.Timestamp{}
	default:
		return pgtype.Text{}
	}
}

func toInt8(s string, cfg columns.Config) (pgtype.Int8, error) {
	if !integerValue.MatchString(s) {
		return pgtype.Int8{}, &CoercionError{
			Column: cfg.DestinationName(), Value: s, Reason: "not an integer",
		}
	}

	var n pgtype.Int8
	if err := n.Scan(s); err != nil {
		return pgtype.Int8{}, &CoercionError{
			Column: cfg.DestinationName(), Value: s, Reason: "integer out of range",
		}
	}
	return n, nil
}

// toNumeric handles decimals including currency symbols, thousands
// separators and accounting-style negatives, the artifacts spreadsheet
// exports commonly carry.
func toNumeric(s string, cfg columns.Config) (pgtype.Numeric, error) {
	isNegative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		isNegative = true
		s = strings.TrimSpace(s[1 : len(s)-1])
	}

	s = strings.ReplaceAll(s, "$", "")
	s = strings.ReplaceAll(s, "€", "") // Euro
	s = strings.ReplaceAll(s, "£", "") // Pound
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimSpace(s)

	if isNegative {
		s = "-" + s
	}

	if !numericValue.MatchString(s) {
		return pgtype.Numeric{}, &CoercionError{
			Column: cfg.DestinationName(), Value: s, Reason: "not a number",
		}
	}

	// Numeric.Scan does not accept exponent notation; expand it to the
	// plain decimal form first
	if strings.ContainsAny(s, "eE") {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return pgtype.Numeric{}, &CoercionError{
				Column: cfg.DestinationName(), Value: s, Reason: "not a number",
			}
		}
		s = strconv.FormatFloat(f, 'f', -1, 64)
	}

	var n pgtype.Numeric
	if err := n.Scan(s); err != nil {
		return pgtype.Numeric{}, &CoercionError{
			Column: cfg.DestinationName(), Value: s, Reason: "not a number",
		}
	}
	return n, nil
}

func toBool(s string, cfg columns.Config) (pgtype.Bool, error) {
	switch strings.ToLower(s) {
	case "1", "true", "t", "yes", "y":
		return pgtype.Bool{Bool: true, Valid: true}, nil
	case "0", "false", "f", "no", "n":
		return pgtype.Bool{Bool: false, Valid: true}, nil
	default:
		return pgtype.Bool{}, &CoercionError{
			Column: cfg.DestinationName(), Value: s, Reason: "not a boolean",
		}
	}
}

func toTimestamp(s string, cfg columns.Config) (pgtype.Timestamp, error) {
	if isCurrentTimestampToken(s) {
		return pgtype.Timestamp{Time: time.Now().UTC(), Valid: true}, nil
	}

	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return pgtype.Timestamp{Time: t, Valid: true}, nil
		}
	}
	return pgtype.Timestamp{}, &CoercionError{
		Column: cfg.DestinationName(), Value: s, Reason: "not a recognized date",
	}
}

// isCurrentTimestampToken recognizes the dynamic default tokens accepted by
// the default-value grammar for date columns.
func isCurrentTimestampToken(s string) bool {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "GETDATE()", "CURRENT_TIMESTAMP", "NOW()":
		return true
	}
	return false
}
