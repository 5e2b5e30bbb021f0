package query

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"grepwise/internal/index"
	"grepwise/internal/logentry"
)

// matchCtx carries one entry through criteria evaluation. Message
// tokens are computed at most once per entry.
type matchCtx struct {
	e      *logentry.LogEntry
	fields map[string]string

	toks   map[string]struct{}
	tokSet bool
}

func (c *matchCtx) tokens() map[string]struct{} {
	if !c.tokSet {
		c.toks = make(map[string]struct{})
		for _, t := range index.Tokenize(c.e.Message) {
			c.toks[t] = struct{}{}
		}
		c.tokSet = true
	}
	return c.toks
}

// CompilePlan lowers search criteria into an index plan: positive
// conjuncts become posting-list lookups, the full expression becomes
// the post-filter.
func CompilePlan(expr Expr, start, end int64) (index.Plan, error) {
	match, err := compileExpr(expr)
	if err != nil {
		return index.Plan{}, err
	}
	plan := index.Plan{Start: start, End: end}
	collectConjuncts(expr, &plan)
	plan.Match = func(e *logentry.LogEntry, fields map[string]string) bool {
		return match(&matchCtx{e: e, fields: fields})
	}
	return plan, nil
}

// collectConjuncts walks the AND spine and records index-evaluable
// positive criteria. OR branches and negations stay in the post-filter
// only.
func collectConjuncts(expr Expr, plan *index.Plan) {
	switch x := expr.(type) {
	case And:
		collectConjuncts(x.L, plan)
		collectConjuncts(x.R, plan)
	case Term:
		if !strings.Contains(x.Text, "*") {
			plan.Terms = append(plan.Terms, index.Tokenize(x.Text)...)
		}
	case FieldMatch:
		if strings.Contains(x.Value, "*") {
			return
		}
		if plan.FieldEq == nil {
			plan.FieldEq = make(map[string]string)
		}
		plan.FieldEq[x.Field] = fieldCompareValue(x.Field, x.Value)
	}
}

// fieldCompareValue canonicalizes values for fields with a normalized
// domain. Levels are stored uppercase.
func fieldCompareValue(field, value string) string {
	if field == "level" {
		return logentry.NormalizeLevel(value)
	}
	return value
}

func compileExpr(expr Expr) (func(*matchCtx) bool, error) {
	switch x := expr.(type) {
	case All:
		return func(*matchCtx) bool { return true }, nil
	case Term:
		return compileTerm(x)
	case Phrase:
		needle := strings.ToLower(x.Text)
		return func(c *matchCtx) bool {
			return strings.Contains(strings.ToLower(c.e.Message), needle)
		}, nil
	case Regex:
		re, err := regexp.Compile("(?i)" + x.Pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: bad regex %q: %v", ErrSyntax, x.Pattern, err)
		}
		return func(c *matchCtx) bool { return re.MatchString(c.e.Message) }, nil
	case FieldMatch:
		return compileFieldMatch(x)
	case And:
		l, err := compileExpr(x.L)
		if err != nil {
			return nil, err
		}
		r, err := compileExpr(x.R)
		if err != nil {
			return nil, err
		}
		return func(c *matchCtx) bool { return l(c) && r(c) }, nil
	case Or:
		l, err := compileExpr(x.L)
		if err != nil {
			return nil, err
		}
		r, err := compileExpr(x.R)
		if err != nil {
			return nil, err
		}
		return func(c *matchCtx) bool { return l(c) || r(c) }, nil
	case Not:
		inner, err := compileExpr(x.X)
		if err != nil {
			return nil, err
		}
		return func(c *matchCtx) bool { return !inner(c) }, nil
	default:
		return nil, fmt.Errorf("%w: unsupported criteria node %T", ErrSyntax, expr)
	}
}

// compileTerm matches free text against the tokenized message. A
// wildcard term matches any single token; a plain term requires all of
// its own tokens to be present. Terms too short to tokenize fall back
// to a substring check.
func compileTerm(t Term) (func(*matchCtx) bool, error) {
	if strings.Contains(t.Text, "*") {
		re, err := globRegexp(t.Text, true)
		if err != nil {
			return nil, err
		}
		return func(c *matchCtx) bool {
			for tok := range c.tokens() {
				if re.MatchString(tok) {
					return true
				}
			}
			return false
		}, nil
	}
	toks := index.Tokenize(t.Text)
	if len(toks) == 0 {
		needle := strings.ToLower(t.Text)
		return func(c *matchCtx) bool {
			return strings.Contains(strings.ToLower(c.e.Message), needle)
		}, nil
	}
	return func(c *matchCtx) bool {
		set := c.tokens()
		for _, tok := range toks {
			if _, ok := set[tok]; !ok {
				return false
			}
		}
		return true
	}, nil
}

// compileFieldMatch compares a field exactly, or by glob when the
// value carries wildcards. Unknown fields never match.
func compileFieldMatch(f FieldMatch) (func(*matchCtx) bool, error) {
	if strings.Contains(f.Value, "*") {
		re, err := globRegexp(f.Value, false)
		if err != nil {
			return nil, err
		}
		return func(c *matchCtx) bool {
			v, ok := index.FieldValue(c.e, c.fields, f.Field)
			return ok && re.MatchString(v)
		}, nil
	}
	want := fieldCompareValue(f.Field, f.Value)
	return func(c *matchCtx) bool {
		v, ok := index.FieldValue(c.e, c.fields, f.Field)
		return ok && v == want
	}, nil
}

// compileCond builds a where-stage predicate. A missing field never
// satisfies the condition, not even for !=.
func compileCond(c Cond) (func(e *logentry.LogEntry, fields map[string]string) bool, error) {
	switch c.Op {
	case OpRegex:
		re, err := regexp.Compile("(?i)" + c.Value)
		if err != nil {
			return nil, fmt.Errorf("%w: bad regex %q: %v", ErrSyntax, c.Value, err)
		}
		return func(e *logentry.LogEntry, fields map[string]string) bool {
			v, ok := index.FieldValue(e, fields, c.Field)
			return ok && re.MatchString(v)
		}, nil
	case OpLike:
		re, err := globRegexp(c.Value, true)
		if err != nil {
			return nil, err
		}
		return func(e *logentry.LogEntry, fields map[string]string) bool {
			v, ok := index.FieldValue(e, fields, c.Field)
			return ok && re.MatchString(v)
		}, nil
	case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe:
		op, value := c.Op, c.Value
		field := c.Field
		return func(e *logentry.LogEntry, fields map[string]string) bool {
			v, ok := index.FieldValue(e, fields, field)
			if !ok {
				return false
			}
			cmp := compareValues(v, value)
			switch op {
			case OpEq:
				return cmp == 0
			case OpNe:
				return cmp != 0
			case OpLt:
				return cmp < 0
			case OpLe:
				return cmp <= 0
			case OpGt:
				return cmp > 0
			default:
				return cmp >= 0
			}
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown operator %q", ErrSyntax, c.Op)
	}
}

// compareValues orders numerically when both sides parse as numbers,
// lexicographically otherwise.
func compareValues(a, b string) int {
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)
	if errA == nil && errB == nil {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(a, b)
}

// globRegexp compiles a pattern where '*' matches any run and '?' a
// single character. Everything else is literal.
func globRegexp(pattern string, caseInsensitive bool) (*regexp.Regexp, error) {
	var b strings.Builder
	if caseInsensitive {
		b.WriteString("(?i)")
	}
	b.WriteString("^")
	for i := 0; i < len(pattern); i++ {
		switch pattern[i] {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(pattern[i])))
		}
	}
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("%w: bad pattern %q: %v", ErrSyntax, pattern, err)
	}
	return re, nil
}
