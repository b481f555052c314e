// Package sqlref finds identifier references inside stored SQL definitions
// (views, triggers, procedures) without parsing the full grammar. String
// literals and comments are lexed as their own tokens so names that only
// appear inside them never count as references.
package sqlref

import (
	"fmt"
	"strings"

	"github.com/alecthomas/participle/v2/lexer"
)

// SQLLexer tokenizes SQL text well enough to tell identifiers apart from
// literals, comments and punctuation.
var SQLLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "LineComment", Pattern: `--[^\n]*`},
	{Name: "BlockComment", Pattern: `/\*(?:[^*]|\*+[^*/])*\*+/`},
	{Name: "String", Pattern: `'(?:''|[^'])*'`},
	{Name: "QuotedIdent", Pattern: "\"(?:\"\"|[^\"])*\"|`(?:``|[^`])*`|\\[[^\\]]*\\]"},
	{Name: "Number", Pattern: `\d+(?:\.\d+)?`},
	{Name: "Ident", Pattern: `[\p{L}_][\p{L}\p{N}_$]*`},
	{Name: "Dot", Pattern: `\.`},
	{Name: "Whitespace", Pattern: `\s+`},
	{Name: "Other", Pattern: `.`},
})

var (
	identType       = SQLLexer.Symbols()["Ident"]
	quotedIdentType = SQLLexer.Symbols()["QuotedIdent"]
	dotType         = SQLLexer.Symbols()["Dot"]
	whitespaceType  = SQLLexer.Symbols()["Whitespace"]
)

// Part is one segment of a possibly qualified identifier.
type Part struct {
	Name   string
	Offset int // byte offset of the raw token
	Raw    string
	Quoted bool
}

// Ref is an identifier reference such as orders, o.total or "public"."orders".
type Ref struct {
	Parts []Part
}

// Name returns the last segment of the reference.
func (r Ref) Name() string {
	return r.Parts[len(r.Parts)-1].Name
}

// Qualifier returns the segment before the last one, if any.
func (r Ref) Qualifier() string {
	if len(r.Parts) < 2 {
		return ""
	}
	return r.Parts[len(r.Parts)-2].Name
}

func (r Ref) String() string {
	names := make([]string, len(r.Parts))
	for i, p := range r.Parts {
		names[i] = p.Name
	}
	return strings.Join(names, ".")
}

// Identifiers returns every identifier reference in the SQL text, joining
// dotted segments into one qualified reference.
func Identifiers(sql string) ([]Ref, error) {
	tokens, err := tokenize(sql)
	if err != nil {
		return nil, err
	}

	var refs []Ref
	var current *Ref
	expectPart := false

	flush := func() {
		if current != nil {
			refs = append(refs, *current)
			current = nil
		}
		expectPart = false
	}

	for _, tok := range tokens {
		switch tok.Type {
		case identType, quotedIdentType:
			part := toPart(tok)
			if current != nil && expectPart {
				current.Parts = append(current.Parts, part)
				expectPart = false
				continue
			}
			flush()
			current = &Ref{Parts: []Part{part}}
		case dotType:
			if current != nil && !expectPart {
				expectPart = true
				continue
			}
			flush()
		case whitespaceType:
			// "a . b" is unusual but legal; keep the chain open.
		default:
			flush()
		}
	}
	flush()

	return refs, nil
}

// References reports whether the SQL text references name. A qualified name
// such as public.orders also matches bare references to orders, and a
// qualified reference only matches when its qualifier agrees.
func References(sql, name string) bool {
	refs, err := Identifiers(sql)
	if err != nil {
		return false
	}
	qualifier, bare := splitName(name)
	for _, r := range refs {
		if referencesObject(r, qualifier, bare) {
			return true
		}
	}
	return false
}

// ReferencesColumn reports whether the SQL text plausibly uses column of
// table: the table must be referenced and the column named, bare or
// qualified. Aliases are not resolved, so this errs towards reporting.
func ReferencesColumn(sql, table, column string) bool {
	refs, err := Identifiers(sql)
	if err != nil {
		return false
	}
	qualifier, bareTable := splitName(table)

	tableSeen, columnSeen := false, false
	for _, r := range refs {
		if referencesObject(r, qualifier, bareTable) {
			tableSeen = true
		}
		if strings.EqualFold(r.Name(), column) {
			columnSeen = true
		}
		// table.column names both at once
		if len(r.Parts) >= 2 && strings.EqualFold(r.Name(), column) && strings.EqualFold(r.Qualifier(), bareTable) {
			return true
		}
	}
	return tableSeen && columnSeen
}

// Rewrite replaces every reference whose last segment is old with new,
// keeping quoting and qualifiers intact. It returns the rewritten text and
// the number of replacements.
func Rewrite(sql, old, new string) (string, int) {
	refs, err := Identifiers(sql)
	if err != nil {
		return sql, 0
	}
	_, bareOld := splitName(old)

	type edit struct {
		offset int
		length int
		text   string
	}
	var edits []edit
	for _, r := range refs {
		for i, p := range r.Parts {
			// only table-like positions: the last part, or the part a column hangs off
			if !strings.EqualFold(p.Name, bareOld) {
				continue
			}
			if i != len(r.Parts)-1 && i != len(r.Parts)-2 {
				continue
			}
			text := new
			if p.Quoted {
				text = string(p.Raw[0]) + new + string(p.Raw[len(p.Raw)-1])
			}
			edits = append(edits, edit{offset: p.Offset, length: len(p.Raw), text: text})
		}
	}
	if len(edits) == 0 {
		return sql, 0
	}

	var b strings.Builder
	last := 0
	for _, e := range edits {
		b.WriteString(sql[last:e.offset])
		b.WriteString(e.text)
		last = e.offset + e.length
	}
	b.WriteString(sql[last:])
	return b.String(), len(edits)
}

func referencesObject(r Ref, qualifier, bare string) bool {
	if strings.EqualFold(r.Name(), bare) {
		if q := r.Qualifier(); q != "" && qualifier != "" && !strings.EqualFold(q, qualifier) {
			return false
		}
		return true
	}
	// orders.total references orders as well
	if len(r.Parts) >= 2 && strings.EqualFold(r.Qualifier(), bare) {
		return true
	}
	return false
}

func splitName(name string) (qualifier, bare string) {
	if idx := strings.LastIndex(name, "."); idx >= 0 {
		return name[:idx], name[idx+1:]
	}
	return "", name
}

func tokenize(sql string) ([]lexer.Token, error) {
	lex, err := SQLLexer.LexString("", sql)
	if err != nil {
		return nil, fmt.Errorf("failed to lex definition: %w", err)
	}
	tokens, err := lexer.ConsumeAll(lex)
	if err != nil {
		return nil, fmt.Errorf("failed to lex definition: %w", err)
	}
	return tokens, nil
}

func toPart(tok lexer.Token) Part {
	p := Part{Name: tok.Value, Raw: tok.Value, Offset: tok.Pos.Offset}
	if tok.Type == quotedIdentType {
		p.Quoted = true
		inner := tok.Value[1 : len(tok.Value)-1]
		switch tok.Value[0] {
		case '"':
			inner = strings.ReplaceAll(inner, `""`, `"`)
		case '`':
			inner = strings.ReplaceAll(inner, "``", "`")
		}
		p.Name = inner
	}
	return p
}
