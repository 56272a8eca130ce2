// Package columns holds the per-column migration configuration and its
// validation rules.
//
// A Config describes how one source column is carried to the destination:
// its rename, SQL type, nullability and default. Defaults distinguish "no
// default" (NULL sentinel) from "default is the empty string", which is why
// the default is carried as pgtype.Text rather than a bare string.
package columns

import (
	"strings"

	"github.com/jackc/pgx/v5/pgtype"
)

// Config is the migration configuration for one selected column of a
// container. It is owned exclusively by its migration process.
type Config struct {
	// Container is the sheet or table the column belongs to.
	Container string `json:"container"`

	// Original is the column name as read from the source.
	Original string `json:"original"`

	// Rename is the user-edited destination name. It is normalized before
	// validation and use; see Normalize.
	Rename string `json:"rename"`

	// SQLType is the validated destination type (e.g. "INT", "NVARCHAR(255)").
	SQLType string `json:"sql_type"`

	// Confidence is the inference confidence carried for display, in [0,1].
	Confidence float64 `json:"confidence"`

	// Nullable controls NULL handling. When false, Default must be present
	// and grammar-valid for SQLType.
	Nullable bool `json:"nullable"`

	// Default is the substitution value for null/missing cells.
	// Valid=false is the explicit NULL sentinel ("no default"), distinct
	// from a present empty string.
	Default pgtype.Text `json:"default"`

	// Selected marks the column for migration. Unselected columns are
	// ignored by validation and execution.
	Selected bool `json:"selected"`
}

// DestinationName returns the normalized name the column will have in the
// destination table, falling back to the normalized original when no rename
// was given.
func (c Config) DestinationName() string {
	if strings.TrimSpace(c.Rename) != "" {
		return Normalize(c.Rename)
	}
	return Normalize(c.Original)
}

// TypeFamily groups SQL types into the families the default-value grammar
// and coercion rules operate on.
type TypeFamily int

const (
	FamilyText TypeFamily = iota
	FamilyInteger
	FamilyDecimal
	FamilyBit
	FamilyDate
)

// FamilyOf maps a SQL type name onto its family. Unknown types are treated
// as text, mirroring how unrecognized types fall back to string handling in
// the destination.
func FamilyOf(sqlType string) TypeFamily {
	t := strings.ToUpper(strings.TrimSpace(sqlType))

	switch {
	case strings.HasPrefix(t, "BIT"):
		return FamilyBit
	case hasAnyPrefix(t, "TINYINT", "SMALLINT", "BIGINT", "INT"):
		return FamilyInteger
	case hasAnyPrefix(t, "DECIMAL", "NUMERIC", "FLOAT", "REAL", "MONEY", "SMALLMONEY"):
		return FamilyDecimal
	case hasAnyPrefix(t, "DATETIME", "DATE", "SMALLDATETIME", "TIME"):
		return FamilyDate
	default:
		return FamilyText
	}
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
