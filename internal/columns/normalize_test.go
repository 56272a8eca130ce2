package columns

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Fecha Nacimiento!!", "Fecha_Nacimiento"},
		{"  Nombre  ", "Nombre"},
		{"Total   Ventas", "Total_Ventas"},
		{"edad", "edad"},
		{"Año", "Ao"}, // non-ASCII letters are dropped
		{"a-b.c", "abc"},
		{"___", "___"},
		{"", ""},
		{"!!!", ""},
		{"  col  1  ", "col_1"},
		{"tab\tand\nnewline", "tab_and_newline"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Normalize(tt.in), "input %q", tt.in)
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{
		"Fecha Nacimiento!!", "  a  b  ", "x", "", "col (2)", strings.Repeat("A ", 200),
	}
	for _, in := range inputs {
		once := Normalize(in)
		assert.Equal(t, once, Normalize(once), "input %q", in)
	}
}

func TestNormalizeTruncates(t *testing.T) {
	out := Normalize(strings.Repeat("a", 200))
	assert.Len(t, out, MaxIdentifierLength)

	// Truncation must not leave a trailing separator behind
	out = Normalize(strings.Repeat("a", MaxIdentifierLength-1) + " b")
	assert.False(t, strings.HasSuffix(out, "_"))
}

func TestDestinationName(t *testing.T) {
	cfg := Config{Original: "Fecha Nacimiento!!", Rename: ""}
	assert.Equal(t, "Fecha_Nacimiento", cfg.DestinationName())

	cfg.Rename = "fecha nac"
	assert.Equal(t, "fecha_nac", cfg.DestinationName())

	cfg.Rename = "   "
	assert.Equal(t, "Fecha_Nacimiento", cfg.DestinationName(), "blank rename falls back to original")
}

func TestFamilyOf(t *testing.T) {
	tests := []struct {
		sqlType string
		want    TypeFamily
	}{
		{"INT", FamilyInteger},
		{"int", FamilyInteger},
		{"TINYINT", FamilyInteger},
		{"SMALLINT", FamilyInteger},
		{"BIGINT", FamilyInteger},
		{"BIT", FamilyBit},
		{"DECIMAL(18,2)", FamilyDecimal},
		{"NUMERIC(10,4)", FamilyDecimal},
		{"FLOAT", FamilyDecimal},
		{"DATE", FamilyDate},
		{"DATETIME", FamilyDate},
		{"SMALLDATETIME", FamilyDate},
		{"NVARCHAR(255)", FamilyText},
		{"NVARCHAR(MAX)", FamilyText},
		{"whatever", FamilyText},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FamilyOf(tt.sqlType), "type %s", tt.sqlType)
	}
}
