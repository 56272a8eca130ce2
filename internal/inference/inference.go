// Package inference derives a suggested SQL type, confidence and
// nullability per column from sampled values.
//
// Classification is priority-ordered and deterministic: given identical
// sample sets it always produces the identical suggestion. The result never
// mutates a column configuration directly; callers apply it explicitly.
package inference

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// DefaultSampleLimit is the number of sampled values inspected per column.
const DefaultSampleLimit = 100

// FallbackType is the type suggested when a column has no non-empty samples.
const FallbackType = "NVARCHAR(255)"

// Result is the suggestion for a single column.
type Result struct {
	SQLType    string  `json:"sql_type"`
	Confidence float64 `json:"confidence"`
	Nullable   bool    `json:"nullable"`
}

var (
	integerRegex = regexp.MustCompile(`^[+-]?\d+$`)
	decimalRegex = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)$`)
	floatRegex   = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)[eE][+-]?\d+$`)
	isoDateRegex = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}`)
	slashDate    = regexp.MustCompile(`^\d{1,2}[/.-]\d{1,2}[/.-]\d{4}$`)
	timePart     = regexp.MustCompile(`\d{2}:\d{2}`)
)

var booleanLiterals = map[string]bool{
	"0": true, "1": true, "true": true, "false": true,
}

// Classify inspects the sampled values of one column and returns the
// best-effort type suggestion.
//
// Empty samples are excluded from the match ratio but drive nullability:
// nullable is true iff any sample is empty. With zero non-empty samples the
// type falls back to FallbackType with confidence 0 rather than failing.
func Classify(samples []string) Result {
	nonEmpty := make([]string, 0, len(samples))
	sawEmpty := false
	for _, s := range samples {
		s = strings.TrimSpace(s)
		if s == "" {
			sawEmpty = true
			continue
		}
		nonEmpty = append(nonEmpty, s)
	}

	if len(nonEmpty) == 0 {
		return Result{SQLType: FallbackType, Confidence: 0, Nullable: sawEmpty}
	}

	sqlType, matches := classifyNonEmpty(nonEmpty)

	return Result{
		SQLType:    sqlType,
		Confidence: float64(matches) / float64(len(nonEmpty)),
		Nullable:   sawEmpty,
	}
}

// classifyNonEmpty picks the highest-priority class that every sample
// satisfies, returning the inferred type and the count of samples matching
// that class.
func classifyNonEmpty(samples []string) (string, int) {
	if all(samples, isBooleanLiteral) {
		return "BIT", len(samples)
	}

	if all(samples, isInteger) {
		return integerTypeFor(samples), len(samples)
	}

	if all(samples, isNumeric) {
		if any(samples, isExponential) {
			return "FLOAT", len(samples)
		}
		return "DECIMAL(18,2)", len(samples)
	}

	if all(samples, isDateLike) {
		if any(samples, hasTimeComponent) {
			return "DATETIME", len(samples)
		}
		return "DATE", len(samples)
	}

	// Text: every sample matches, sized to the smallest bucket that holds
	// the longest observed value
	return textTypeFor(samples), len(samples)
}

// integerTypeFor suggests INT for anything in int32 range. Narrower types
// save little and force churn as soon as real data outgrows the sample, so
// widening only happens past int32 (BIGINT) and int64 (exact DECIMAL).
func integerTypeFor(samples []string) string {
	var lo, hi int64
	for _, s := range samples {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			// Magnitude exceeds machine integers; store exactly as DECIMAL
			return "DECIMAL(38,0)"
		}
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}

	if lo >= math.MinInt32 && hi <= math.MaxInt32 {
		return "INT"
	}
	return "BIGINT"
}

// textTypeFor returns the smallest length bucket that fits the longest
// sample. Buckets: 50, 255, MAX.
func textTypeFor(samples []string) string {
	maxLen := 0
	for _, s := range samples {
		if n := len([]rune(s)); n > maxLen {
			maxLen = n
		}
	}

	switch {
	case maxLen <= 50:
		return "NVARCHAR(50)"
	case maxLen <= 255:
		return "NVARCHAR(255)"
	default:
		return "NVARCHAR(MAX)"
	}
}

func isBooleanLiteral(s string) bool {
	return booleanLiterals[strings.ToLower(s)]
}

func isInteger(s string) bool {
	return integerRegex.MatchString(s)
}

func isNumeric(s string) bool {
	return decimalRegex.MatchString(s) || floatRegex.MatchString(s)
}

func isExponential(s string) bool {
	return floatRegex.MatchString(s)
}

// isDateLike recognizes ISO-prefixed strings (2024-05-01, with or without a
// time part) and common slash/dot separated date tokens.
func isDateLike(s string) bool {
	return isoDateRegex.MatchString(s) || slashDate.MatchString(s)
}

func hasTimeComponent(s string) bool {
	return timePart.MatchString(s)
}

func all(samples []string, pred func(string) bool) bool {
	for _, s := range samples {
		if !pred(s) {
			return false
		}
	}
	return true
}

func any(samples []string, pred func(string) bool) bool {
	for _, s := range samples {
		if pred(s) {
			return true
		}
	}
	return false
}
