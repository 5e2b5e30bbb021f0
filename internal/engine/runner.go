package engine

import (
	"context"

	"grepwise/internal/logentry"
	"grepwise/internal/query"
	"grepwise/internal/redact"
)

// The engine doubles as the alarm evaluator's query runner. Alarm
// queries bypass the search cache: an alarm must see the window as it
// is right now, not a recently cached view.

// Count runs the query and returns the scalar match count. A query
// that already aggregates contributes the sum of its buckets.
func (s *Service) Count(ctx context.Context, q string, start, end int64) (int64, error) {
	res, err := s.executor.Execute(ctx, q, start, end)
	if err != nil {
		return 0, err
	}
	if res.IsStats {
		var n int64
		for _, v := range res.Stats {
			n += v
		}
		return n, nil
	}
	return int64(len(res.Entries)), nil
}

// GroupCounts runs the query grouped by the given fields. Any
// aggregation already in the query text is replaced by the alarm's
// grouping.
func (s *Service) GroupCounts(ctx context.Context, q string, by []string, start, end int64) (map[string]int64, error) {
	pipe, _, err := query.Parse(q)
	if err != nil {
		return nil, err
	}
	if n := len(pipe.Stages); n > 0 {
		if _, ok := pipe.Stages[n-1].(query.StatsStage); ok {
			pipe.Stages = pipe.Stages[:n-1]
		}
	}
	pipe.Stages = append(pipe.Stages, query.StatsStage{By: by})
	res, err := s.executor.ExecutePipeline(ctx, pipe, start, end)
	if err != nil {
		return nil, err
	}
	return res.Stats, nil
}

// Sample returns up to limit matching entries, redacted with the alarm
// mask for notification payloads.
func (s *Service) Sample(ctx context.Context, q string, start, end int64, limit int) ([]logentry.LogEntry, error) {
	res, err := s.executor.Execute(ctx, q, start, end)
	if err != nil {
		return nil, err
	}
	entries := res.Entries
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return s.redactor.ApplyAll(entries, redact.MaskAlarm), nil
}
