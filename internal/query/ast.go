// Package query implements the piped search language: a hand-rolled
// lexer, a recursive-descent parser producing a formatting-stable AST,
// and an executor that pushes search criteria into the index and runs
// the remaining stages on the streamed results.
package query

import (
	"fmt"
	"strings"
)

// Expr is a search criteria node. String renders the canonical form;
// parsing that form yields an equal AST.
type Expr interface {
	String() string
}

// All matches every entry ("*").
type All struct{}

// Term is a free-text token match against the tokenized message.
// It may carry '*' wildcards.
type Term struct{ Text string }

// Phrase is a quoted substring match against the message.
type Phrase struct{ Text string }

// Regex matches the message against a pattern, case-insensitive.
type Regex struct{ Pattern string }

// FieldMatch is an exact, case-sensitive field comparison; level
// values are normalized to their canonical uppercase form first. The
// value may carry '*' wildcards.
type FieldMatch struct{ Field, Value string }

// And, Or, Not combine criteria.
type And struct{ L, R Expr }
type Or struct{ L, R Expr }
type Not struct{ X Expr }

func (All) String() string      { return "*" }
func (t Term) String() string   { return t.Text }
func (p Phrase) String() string { return quoteString(p.Text) }
func (r Regex) String() string  { return "/" + strings.ReplaceAll(r.Pattern, "/", `\/`) + "/" }
func (f FieldMatch) String() string {
	return f.Field + "=" + maybeQuote(f.Value)
}
func (a And) String() string { return "(" + a.L.String() + " AND " + a.R.String() + ")" }
func (o Or) String() string  { return "(" + o.L.String() + " OR " + o.R.String() + ")" }
func (n Not) String() string { return "NOT " + n.X.String() }

// CondOp is a where-stage comparison operator.
type CondOp string

const (
	OpEq    CondOp = "="
	OpNe    CondOp = "!="
	OpLt    CondOp = "<"
	OpLe    CondOp = "<="
	OpGt    CondOp = ">"
	OpGe    CondOp = ">="
	OpLike  CondOp = "LIKE"
	OpRegex CondOp = "REGEX"
)

// Cond is a where-stage condition. Comparison is numeric when both
// sides parse as numbers, lexicographic otherwise.
type Cond struct {
	Field string
	Op    CondOp
	Value string
}

func (c Cond) String() string {
	switch c.Op {
	case OpLike:
		return c.Field + " LIKE " + quoteString(c.Value)
	case OpRegex:
		return c.Field + " REGEX /" + strings.ReplaceAll(c.Value, "/", `\/`) + "/"
	default:
		return c.Field + " " + string(c.Op) + " " + maybeQuote(c.Value)
	}
}

// Stage is one piped pipeline stage.
type Stage interface {
	String() string
}

// SearchStage filters the stream with additional criteria mid-pipe.
type SearchStage struct{ Expr Expr }

// WhereStage post-filters the stream.
type WhereStage struct{ Cond Cond }

// StatsStage counts, optionally grouped by fields. It must be the
// terminal aggregation.
type StatsStage struct{ By []string }

// SortKey orders by one field; Desc when prefixed with '-'.
type SortKey struct {
	Field string
	Desc  bool
}

// SortStage orders the stream. Missing values sort last.
type SortStage struct{ Keys []SortKey }

// HeadStage keeps the first N results, TailStage the last N.
type HeadStage struct{ N int }
type TailStage struct{ N int }

// EvalStage assigns a literal: a constant or another field's value.
type EvalStage struct {
	Name   string
	Value  string
	Const  bool // value is a constant, not a field reference
	Quoted bool // constant came quoted, render it quoted
}

func (s SearchStage) String() string { return "search " + s.Expr.String() }
func (s WhereStage) String() string  { return "where " + s.Cond.String() }
func (s StatsStage) String() string {
	if len(s.By) == 0 {
		return "stats count"
	}
	return "stats count by " + strings.Join(s.By, ", ")
}
func (s SortStage) String() string {
	parts := make([]string, len(s.Keys))
	for i, k := range s.Keys {
		if k.Desc {
			parts[i] = "-" + k.Field
		} else {
			parts[i] = k.Field
		}
	}
	return "sort " + strings.Join(parts, ", ")
}
func (s HeadStage) String() string { return fmt.Sprintf("head %d", s.N) }
func (s TailStage) String() string { return fmt.Sprintf("tail %d", s.N) }
func (s EvalStage) String() string {
	v := s.Value
	if s.Const && s.Quoted {
		v = quoteString(s.Value)
	}
	return "eval " + s.Name + " = " + v
}

// Pipeline is a parsed query: the leading search criteria plus the
// piped stages in order.
type Pipeline struct {
	Search Expr
	Stages []Stage
}

// String renders the canonical query text. Parse(p.String()) yields a
// pipeline equal to p.
func (p *Pipeline) String() string {
	var b strings.Builder
	b.WriteString("search ")
	b.WriteString(p.Search.String())
	for _, s := range p.Stages {
		b.WriteString(" | ")
		b.WriteString(s.String())
	}
	return b.String()
}

// quoteString renders a quoted literal with backslash escapes.
func quoteString(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		if s[i] == '"' || s[i] == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	b.WriteByte('"')
	return b.String()
}

// maybeQuote quotes values that would not survive re-lexing bare.
func maybeQuote(s string) string {
	if s == "" || strings.ContainsAny(s, " \t|()\"=<>!,/") {
		return quoteString(s)
	}
	return s
}
