package introspect

import "strings"

// typeSpellings are long type names with their short form, longest first.
var typeSpellings = [][2]string{
	{"CHARACTER VARYING", "VARCHAR"},
	{"TIMESTAMP WITHOUT TIME ZONE", "TIMESTAMP"},
	{"TIMESTAMP WITH TIME ZONE", "TIMESTAMPTZ"},
	{"TIME WITHOUT TIME ZONE", "TIME"},
	{"TIME WITH TIME ZONE", "TIMETZ"},
	{"BIT VARYING", "VARBIT"},
	{"CHARACTER", "CHAR"},
}

var typeAliases = map[string]string{
	"INT":     "INTEGER",
	"INT4":    "INTEGER",
	"INT8":    "BIGINT",
	"INT2":    "SMALLINT",
	"BOOL":    "BOOLEAN",
	"FLOAT8":  "DOUBLE PRECISION",
	"FLOAT4":  "REAL",
	"DECIMAL": "NUMERIC",
}

// NormalizeType folds the spellings a server reports for a column type into
// one upper-case form, so "character varying(40)" and "varchar(40)" compare
// equal. Types containing quoted identifiers keep their case.
func NormalizeType(t string) string {
	t = strings.Join(strings.Fields(t), " ")
	if strings.Contains(t, `"`) {
		return t
	}
	t = strings.ToUpper(t)
	for _, sp := range typeSpellings {
		rest, ok := strings.CutPrefix(t, sp[0])
		if ok && (rest == "" || strings.ContainsRune(" ([", rune(rest[0]))) {
			t = sp[1] + rest
			break
		}
	}
	base, rest := t, ""
	if i := strings.IndexAny(t, "(["); i > 0 {
		base, rest = strings.TrimSpace(t[:i]), t[i:]
	}
	if alias, ok := typeAliases[base]; ok {
		base = alias
	}
	return base + rest
}

// SameType reports whether two column types are spellings of the same type.
func SameType(a, b string) bool {
	return NormalizeType(a) == NormalizeType(b)
}
