package query

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"grepwise/internal/index"
	"grepwise/internal/logentry"
	"grepwise/internal/logging"
)

// Engine is the search backend the executor runs plans against. Hits
// carry each entry's extracted fields so the post-stream stages
// resolve field names exactly like the index-side match.
type Engine interface {
	Search(plan index.Plan) ([]index.Hit, []string)
	Aggregate(plan index.Plan, field string) (map[string]int64, []string)
}

// Result is the outcome of one pipeline run. Either Entries or Stats
// is populated, depending on whether the pipeline aggregates.
type Result struct {
	Entries  []logentry.LogEntry
	Stats    map[string]int64
	IsStats  bool
	Warnings []string
}

// Executor parses and runs pipelines against an engine.
type Executor struct {
	engine Engine
	logger *slog.Logger
}

func NewExecutor(engine Engine, logger *slog.Logger) *Executor {
	return &Executor{
		engine: engine,
		logger: logging.Default(logger).With("component", "query"),
	}
}

// Execute parses text and runs it over [start, end]. A zero end means
// unbounded. An expired ctx deadline surfaces as ErrTimeout.
func (x *Executor) Execute(ctx context.Context, text string, start, end int64) (Result, error) {
	pipe, warnings, err := Parse(text)
	if err != nil {
		return Result{}, err
	}
	res, err := x.ExecutePipeline(ctx, pipe, start, end)
	if err != nil {
		return Result{}, err
	}
	res.Warnings = append(warnings, res.Warnings...)
	return res, nil
}

// ExecutePipeline runs an already-parsed pipeline.
func (x *Executor) ExecutePipeline(ctx context.Context, pipe *Pipeline, start, end int64) (Result, error) {
	plan, err := CompilePlan(pipe.Search, start, end)
	if err != nil {
		return Result{}, err
	}
	if err := checkCtx(ctx); err != nil {
		return Result{}, err
	}

	// A pipeline whose only row-changing stages are filters ahead of a
	// terminal single-field stats folds entirely into the index: the
	// filters join the plan's post-filter and the count happens on the
	// posting side, where extracted fields are available.
	if field, filters, ok := statsPushdown(pipe.Stages); ok {
		plan, err = foldFilters(plan, filters)
		if err != nil {
			return Result{}, err
		}
		stats, warnings := x.engine.Aggregate(plan, field)
		if err := checkCtx(ctx); err != nil {
			return Result{}, err
		}
		return Result{Stats: stats, IsStats: true, Warnings: warnings}, nil
	}

	hits, warnings := x.engine.Search(plan)
	if err := checkCtx(ctx); err != nil {
		return Result{}, err
	}

	for _, stage := range pipe.Stages {
		switch s := stage.(type) {
		case SearchStage:
			match, err := compileExpr(s.Expr)
			if err != nil {
				return Result{}, err
			}
			hits = filterHits(hits, func(h *index.Hit) bool {
				return match(&matchCtx{e: &h.Entry, fields: h.Fields})
			})
		case WhereStage:
			pred, err := compileCond(s.Cond)
			if err != nil {
				return Result{}, err
			}
			hits = filterHits(hits, func(h *index.Hit) bool {
				return pred(&h.Entry, h.Fields)
			})
		case SortStage:
			sortByKeys(hits, s.Keys)
		case HeadStage:
			if s.N < len(hits) {
				hits = hits[:s.N]
			}
		case TailStage:
			if s.N < len(hits) {
				hits = hits[len(hits)-s.N:]
			}
		case EvalStage:
			applyEval(hits, s)
		case StatsStage:
			stats := groupCount(hits, s.By)
			return Result{Stats: stats, IsStats: true, Warnings: warnings}, nil
		default:
			return Result{}, fmt.Errorf("%w: unsupported stage %T", ErrSyntax, stage)
		}
		if err := checkCtx(ctx); err != nil {
			return Result{}, err
		}
	}

	entries := make([]logentry.LogEntry, len(hits))
	for i := range hits {
		entries[i] = hits[i].Entry
	}
	return Result{Entries: entries, Warnings: warnings}, nil
}

// statsPushdown reports whether the stages are zero or more filters
// (or sorts, which cannot change counts) ending in a single-field
// stats. It returns the group field and the filter stages to fold.
func statsPushdown(stages []Stage) (string, []Stage, bool) {
	if len(stages) == 0 {
		return "", nil, false
	}
	last, ok := stages[len(stages)-1].(StatsStage)
	if !ok || len(last.By) > 1 {
		return "", nil, false
	}
	var filters []Stage
	for _, s := range stages[:len(stages)-1] {
		switch s.(type) {
		case SearchStage, WhereStage:
			filters = append(filters, s)
		case SortStage:
		default:
			return "", nil, false
		}
	}
	field := ""
	if len(last.By) == 1 {
		field = last.By[0]
	}
	return field, filters, true
}

// foldFilters conjoins filter stages onto the plan's post-filter.
func foldFilters(plan index.Plan, filters []Stage) (index.Plan, error) {
	if len(filters) == 0 {
		return plan, nil
	}
	preds := make([]func(*logentry.LogEntry, map[string]string) bool, 0, len(filters))
	for _, s := range filters {
		switch f := s.(type) {
		case SearchStage:
			match, err := compileExpr(f.Expr)
			if err != nil {
				return index.Plan{}, err
			}
			preds = append(preds, func(e *logentry.LogEntry, fields map[string]string) bool {
				return match(&matchCtx{e: e, fields: fields})
			})
		case WhereStage:
			pred, err := compileCond(f.Cond)
			if err != nil {
				return index.Plan{}, err
			}
			preds = append(preds, pred)
		}
	}
	base := plan.Match
	plan.Match = func(e *logentry.LogEntry, fields map[string]string) bool {
		if base != nil && !base(e, fields) {
			return false
		}
		for _, p := range preds {
			if !p(e, fields) {
				return false
			}
		}
		return true
	}
	return plan, nil
}

func filterHits(hits []index.Hit, keep func(*index.Hit) bool) []index.Hit {
	out := hits[:0]
	for i := range hits {
		if keep(&hits[i]) {
			out = append(out, hits[i])
		}
	}
	return out
}

// sortByKeys orders hits by the sort keys in turn. Hits missing a
// key's field sort after hits that have it, in either direction.
func sortByKeys(hits []index.Hit, keys []SortKey) {
	sort.SliceStable(hits, func(i, j int) bool {
		for _, k := range keys {
			a, okA := index.FieldValue(&hits[i].Entry, hits[i].Fields, k.Field)
			b, okB := index.FieldValue(&hits[j].Entry, hits[j].Fields, k.Field)
			if !okA && !okB {
				continue
			}
			if okA != okB {
				return okA
			}
			cmp := compareValues(a, b)
			if cmp == 0 {
				continue
			}
			if k.Desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}

// applyEval writes the assigned value into each entry's metadata so
// later stages can read it like any other field.
func applyEval(hits []index.Hit, s EvalStage) {
	for i := range hits {
		var v string
		if s.Const {
			v = s.Value
		} else {
			fv, ok := index.FieldValue(&hits[i].Entry, hits[i].Fields, s.Value)
			if !ok {
				continue
			}
			v = fv
		}
		if hits[i].Entry.Metadata == nil {
			hits[i].Entry.Metadata = make(map[string]string)
		}
		hits[i].Entry.Metadata[s.Name] = v
	}
}

// groupCount tallies hits per group key. Hits missing any group field
// are dropped, matching the index-side aggregation.
func groupCount(hits []index.Hit, by []string) map[string]int64 {
	out := make(map[string]int64)
	if len(by) == 0 {
		out["count"] = int64(len(hits))
		return out
	}
	vals := make([]string, len(by))
	for i := range hits {
		ok := true
		for j, f := range by {
			v, found := index.FieldValue(&hits[i].Entry, hits[i].Fields, f)
			if !found {
				ok = false
				break
			}
			vals[j] = v
		}
		if !ok {
			continue
		}
		out[strings.Join(vals, "|")]++
	}
	return out
}

func checkCtx(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return nil
}
