package columns

// validator.go validates user-edited column configurations before a
// migration process may run.
//
// Two independent checks are performed per selected column:
//  1. Naming: normalized renames must be unique, case-insensitively, within
//     the selected columns of the same container.
//  2. Nullable/default consistency: non-nullable columns must carry a
//     default that satisfies the type-specific grammar.
//
// Validation is pure and side-effect-free. It returns a structured result
// per column plus an aggregate validity flag; the executor refuses to start
// a run while the aggregate flag is false.

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	integerDefault = regexp.MustCompile(`^[+-]?\d+$`)
	decimalDefault = regexp.MustCompile(`^[+-]?\d+(\.\d+)?$`)
	isoPrefix      = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}`)
)

// currentTimestampTokens are accepted as date/datetime defaults meaning
// "timestamp of insertion".
var currentTimestampTokens = map[string]bool{
	"GETDATE()":         true,
	"CURRENT_TIMESTAMP": true,
	"NOW()":             true,
}

// DuplicateColumnNameError reports two selected columns normalizing to the
// same destination name within one container.
type DuplicateColumnNameError struct {
	Container  string
	Normalized string
}

func (e *DuplicateColumnNameError) Error() string {
	return fmt.Sprintf("duplicate column name %q in container %q", e.Normalized, e.Container)
}

// InvalidDefaultValueError reports a default that does not satisfy the
// grammar of its SQL type.
type InvalidDefaultValueError struct {
	Column  string
	Value   string
	Grammar string
}

func (e *InvalidDefaultValueError) Error() string {
	return fmt.Sprintf("invalid default %q for column %q: expected %s", e.Value, e.Column, e.Grammar)
}

// Result is the validation outcome for one column.
type Result struct {
	Original   string `json:"original"`
	Normalized string `json:"normalized"`
	Valid      bool   `json:"valid"`
	Error      string `json:"error,omitempty"`
}

// SetResult aggregates per-column results for a configuration set.
type SetResult struct {
	Columns []Result `json:"columns"`

	// Valid is true only when every selected column passed both checks.
	Valid bool `json:"valid"`
}

// ValidateSet validates the selected columns of a configuration set.
// Unselected columns are ignored entirely.
func ValidateSet(configs []Config) SetResult {
	out := SetResult{Valid: true}

	// Track normalized names per container for uniqueness, case-insensitive
	seen := make(map[string]map[string]bool)

	for _, cfg := range configs {
		if !cfg.Selected {
			continue
		}

		res := Result{Original: cfg.Original, Normalized: cfg.DestinationName(), Valid: true}

		if err := validateName(cfg, seen); err != nil {
			res.Valid = false
			res.Error = err.Error()
		} else if err := ValidateDefault(cfg); err != nil {
			res.Valid = false
			res.Error = err.Error()
		}

		if !res.Valid {
			out.Valid = false
		}
		out.Columns = append(out.Columns, res)
	}

	return out
}

// ValidateRename checks a single proposed rename against the existing
// destination names of its container. Used by the interactive rename
// endpoint before the full set is saved.
func ValidateRename(container, newName string, existing []string) (string, error) {
	normalized := Normalize(newName)
	if normalized == "" {
		return "", fmt.Errorf("rename %q normalizes to an empty identifier", newName)
	}

	for _, name := range existing {
		if strings.EqualFold(Normalize(name), normalized) {
			return normalized, &DuplicateColumnNameError{Container: container, Normalized: normalized}
		}
	}
	return normalized, nil
}

// ValidateDefault enforces the nullable/default consistency rule:
// nullable == false requires a present, grammar-valid default. For nullable
// columns an absent default (the NULL sentinel) is always valid.
func ValidateDefault(cfg Config) error {
	if cfg.Nullable {
		// Absent or present defaults are both fine; a present default must
		// still parse if it will be substituted
		if !cfg.Default.Valid || cfg.Default.String == "" {
			return nil
		}
		return checkDefaultGrammar(cfg)
	}

	if !cfg.Default.Valid || cfg.Default.String == "" {
		return &InvalidDefaultValueError{
			Column:  cfg.Original,
			Value:   "",
			Grammar: grammarFor(FamilyOf(cfg.SQLType)) + " (required when not nullable)",
		}
	}
	return checkDefaultGrammar(cfg)
}

func checkDefaultGrammar(cfg Config) error {
	value := strings.TrimSpace(cfg.Default.String)
	family := FamilyOf(cfg.SQLType)

	ok := false
	switch family {
	case FamilyInteger:
		ok = integerDefault.MatchString(value)
	case FamilyDecimal:
		ok = decimalDefault.MatchString(value)
	case FamilyBit:
		switch strings.ToLower(value) {
		case "0", "1", "true", "false":
			ok = true
		}
	case FamilyDate:
		ok = currentTimestampTokens[strings.ToUpper(value)] || isoPrefix.MatchString(value)
	case FamilyText:
		ok = true
	}

	if !ok {
		return &InvalidDefaultValueError{
			Column:  cfg.Original,
			Value:   cfg.Default.String,
			Grammar: grammarFor(family),
		}
	}
	return nil
}

func validateName(cfg Config, seen map[string]map[string]bool) error {
	normalized := cfg.DestinationName()
	if normalized == "" {
		return fmt.Errorf("column %q normalizes to an empty identifier", cfg.Original)
	}

	key := strings.ToLower(normalized)
	container := seen[cfg.Container]
	if container == nil {
		container = make(map[string]bool)
		seen[cfg.Container] = container
	}

	if container[key] {
		return &DuplicateColumnNameError{Container: cfg.Container, Normalized: normalized}
	}
	container[key] = true
	return nil
}

// grammarFor describes the accepted default grammar for a type family, used
// in error messages.
func grammarFor(f TypeFamily) string {
	switch f {
	case FamilyInteger:
		return "an optionally-signed digit string"
	case FamilyDecimal:
		return "an optionally-signed number with optional fractional part"
	case FamilyBit:
		return "one of {0,1,true,false}"
	case FamilyDate:
		return "GETDATE()/CURRENT_TIMESTAMP or an ISO date"
	default:
		return "any string"
	}
}
