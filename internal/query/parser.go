package query

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Parse compiles query text into a pipeline. Unknown pipe commands are
// skipped with a warning; malformed known commands are ErrSyntax.
func Parse(input string) (*Pipeline, []string, error) {
	toks, err := lex(input)
	if err != nil {
		return nil, nil, err
	}
	p := &parser{toks: toks}

	// A leading "search" keyword is optional.
	if p.peek().kind == tokWord && strings.EqualFold(p.peek().text, "search") {
		p.next()
	}
	expr, err := p.parseOr()
	if err != nil {
		return nil, nil, err
	}

	pipe := &Pipeline{Search: expr}
	for p.peek().kind == tokPipe {
		p.next()
		if len(pipe.Stages) > 0 {
			if _, ok := pipe.Stages[len(pipe.Stages)-1].(StatsStage); ok {
				return nil, nil, p.errf("stats must be the last command")
			}
		}
		stage, err := p.parseStage()
		if err != nil {
			return nil, nil, err
		}
		if stage != nil {
			pipe.Stages = append(pipe.Stages, stage)
		}
	}
	if p.peek().kind != tokEOF {
		return nil, nil, p.errf("unexpected %q", p.peek().text)
	}
	return pipe, p.warnings, nil
}

type parser struct {
	toks     []token
	pos      int
	warnings []string
}

func (p *parser) peek() token { return p.toks[p.pos] }
func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) errf(format string, args ...any) error {
	return fmt.Errorf("%w: %s at offset %d", ErrSyntax, fmt.Sprintf(format, args...), p.peek().pos)
}

func (p *parser) keyword(word string) bool {
	t := p.peek()
	return t.kind == tokWord && strings.EqualFold(t.text, word)
}

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.keyword("OR") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = Or{left, right}
	}
	return left, nil
}

// parseAnd handles both the AND keyword and implicit conjunction of
// adjacent criteria.
func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for {
		if p.keyword("AND") {
			p.next()
		} else if !p.startsPrimary() {
			return left, nil
		}
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = And{left, right}
	}
}

func (p *parser) parseNot() (Expr, error) {
	if p.keyword("NOT") {
		p.next()
		x, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return Not{x}, nil
	}
	return p.parsePrimary()
}

// startsPrimary reports whether the next token can begin a criterion,
// which drives implicit AND.
func (p *parser) startsPrimary() bool {
	t := p.peek()
	switch t.kind {
	case tokLParen, tokString, tokRegex:
		return true
	case tokWord:
		return !strings.EqualFold(t.text, "AND") && !strings.EqualFold(t.text, "OR")
	default:
		return false
	}
}

func (p *parser) parsePrimary() (Expr, error) {
	t := p.peek()
	switch t.kind {
	case tokLParen:
		p.next()
		expr, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tokRParen {
			return nil, p.errf("missing ')'")
		}
		p.next()
		return expr, nil
	case tokString:
		p.next()
		return Phrase{t.text}, nil
	case tokRegex:
		p.next()
		if _, err := regexp.Compile("(?i)" + t.text); err != nil {
			return nil, p.errf("bad regex: %v", err)
		}
		return Regex{t.text}, nil
	case tokWord:
		p.next()
		if p.peek().kind == tokOp {
			op := p.next()
			if op.text != "=" {
				return nil, p.errf("operator %q not allowed in search criteria", op.text)
			}
			v := p.next()
			if v.kind != tokWord && v.kind != tokString {
				return nil, p.errf("missing value for field %q", t.text)
			}
			return FieldMatch{Field: t.text, Value: v.text}, nil
		}
		if t.text == "*" {
			return All{}, nil
		}
		return Term{t.text}, nil
	default:
		return nil, p.errf("expected search criteria, got %q", t.text)
	}
}

func (p *parser) parseStage() (Stage, error) {
	t := p.peek()
	if t.kind != tokWord {
		return nil, p.errf("expected command after '|'")
	}
	switch strings.ToLower(t.text) {
	case "search":
		p.next()
		expr, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		return SearchStage{expr}, nil
	case "where":
		p.next()
		return p.parseWhere()
	case "stats":
		p.next()
		return p.parseStats()
	case "sort":
		p.next()
		return p.parseSort()
	case "head":
		p.next()
		n, err := p.parseCount(t.text)
		if err != nil {
			return nil, err
		}
		return HeadStage{n}, nil
	case "tail":
		p.next()
		n, err := p.parseCount(t.text)
		if err != nil {
			return nil, err
		}
		return TailStage{n}, nil
	case "eval":
		p.next()
		return p.parseEval()
	default:
		// Unknown command: skip it with a warning, keep the rest of
		// the pipeline alive.
		p.warnings = append(p.warnings, fmt.Sprintf("unknown command %q skipped", t.text))
		for p.peek().kind != tokPipe && p.peek().kind != tokEOF {
			p.next()
		}
		return nil, nil
	}
}

func (p *parser) parseWhere() (Stage, error) {
	f := p.next()
	if f.kind != tokWord {
		return nil, p.errf("where: expected field name")
	}
	var cond Cond
	cond.Field = f.text
	switch {
	case p.peek().kind == tokOp:
		cond.Op = CondOp(p.next().text)
		v := p.next()
		if v.kind != tokWord && v.kind != tokString {
			return nil, p.errf("where: missing comparison value")
		}
		cond.Value = v.text
	case p.keyword("LIKE"):
		p.next()
		cond.Op = OpLike
		v := p.next()
		if v.kind != tokWord && v.kind != tokString {
			return nil, p.errf("where: missing LIKE pattern")
		}
		cond.Value = v.text
	case p.keyword("REGEX"):
		p.next()
		cond.Op = OpRegex
		v := p.next()
		if v.kind != tokRegex && v.kind != tokString {
			return nil, p.errf("where: missing REGEX pattern")
		}
		if _, err := regexp.Compile("(?i)" + v.text); err != nil {
			return nil, p.errf("where: bad regex: %v", err)
		}
		cond.Value = v.text
	default:
		return nil, p.errf("where: expected comparison operator")
	}
	return WhereStage{cond}, nil
}

func (p *parser) parseStats() (Stage, error) {
	if !p.keyword("count") {
		return nil, p.errf("stats: only 'count' is supported")
	}
	p.next()
	st := StatsStage{}
	if !p.keyword("by") {
		return st, nil
	}
	p.next()
	for {
		f := p.next()
		if f.kind != tokWord {
			return nil, p.errf("stats: expected field name after 'by'")
		}
		st.By = append(st.By, f.text)
		if p.peek().kind != tokComma {
			return st, nil
		}
		p.next()
	}
}

func (p *parser) parseSort() (Stage, error) {
	st := SortStage{}
	for {
		f := p.next()
		if f.kind != tokWord {
			return nil, p.errf("sort: expected field name")
		}
		key := SortKey{Field: f.text}
		if strings.HasPrefix(key.Field, "-") {
			key.Desc = true
			key.Field = key.Field[1:]
		}
		if key.Field == "" {
			return nil, p.errf("sort: empty field name")
		}
		st.Keys = append(st.Keys, key)
		if p.peek().kind == tokComma {
			p.next()
			continue
		}
		if p.peek().kind == tokWord {
			continue
		}
		return st, nil
	}
}

func (p *parser) parseCount(cmd string) (int, error) {
	v := p.next()
	if v.kind != tokWord {
		return 0, p.errf("%s: expected a count", cmd)
	}
	n, err := strconv.Atoi(v.text)
	if err != nil || n < 0 {
		return 0, p.errf("%s: bad count %q", cmd, v.text)
	}
	return n, nil
}

// parseEval accepts only literal assignment: a constant or a bare
// field reference. Anything richer is rejected.
func (p *parser) parseEval() (Stage, error) {
	name := p.next()
	if name.kind != tokWord || !isIdent(name.text) {
		return nil, p.errf("eval: expected assignment target")
	}
	if op := p.peek(); op.kind != tokOp || op.text != "=" {
		return nil, p.errf("eval: expected '='")
	}
	p.next()

	v := p.next()
	st := EvalStage{Name: name.text}
	switch {
	case v.kind == tokString:
		st.Value, st.Const, st.Quoted = v.text, true, true
	case v.kind == tokWord && isNumber(v.text):
		st.Value, st.Const = v.text, true
	case v.kind == tokWord && isIdent(v.text):
		st.Value = v.text
	default:
		return nil, fmt.Errorf("%w: %q", ErrEvalUnsupported, v.text)
	}
	if p.peek().kind != tokPipe && p.peek().kind != tokEOF {
		return nil, fmt.Errorf("%w: trailing %q", ErrEvalUnsupported, p.peek().text)
	}
	return st, nil
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_':
		case c >= '0' && c <= '9', c == '.':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func isNumber(s string) bool {
	_, err := strconv.ParseFloat(s, 64)
	return err == nil
}
