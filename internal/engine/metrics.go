package engine

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the engine's counters. Pass a nil registerer to keep
// them unregistered (tests).
type Metrics struct {
	IngestedTotal    prometheus.Counter
	DroppedTotal     prometheus.Counter
	WrittenTotal     prometheus.Counter
	WriteErrorsTotal prometheus.Counter
	SearchesTotal    prometheus.Counter
	SearchErrors     prometheus.Counter
	CacheHits        prometheus.CounterFunc
	CacheMisses      prometheus.CounterFunc
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		IngestedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "grepwise", Name: "ingested_entries_total",
			Help: "Entries accepted into the ingest buffer.",
		}),
		DroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "grepwise", Name: "dropped_entries_total",
			Help: "Entries rejected because the buffer was full.",
		}),
		WrittenTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "grepwise", Name: "written_entries_total",
			Help: "Entries committed to partitions.",
		}),
		WriteErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "grepwise", Name: "write_errors_total",
			Help: "Batch writes that failed.",
		}),
		SearchesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "grepwise", Name: "searches_total",
			Help: "Search requests executed.",
		}),
		SearchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "grepwise", Name: "search_errors_total",
			Help: "Search requests that failed.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.IngestedTotal, m.DroppedTotal, m.WrittenTotal,
			m.WriteErrorsTotal, m.SearchesTotal, m.SearchErrors)
	}
	return m
}

// RegisterCacheStats exposes the search cache's hit/miss counters.
func (m *Metrics) RegisterCacheStats(reg prometheus.Registerer, stats func() (hits, misses uint64)) {
	m.CacheHits = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "grepwise", Name: "search_cache_hits_total",
		Help: "Search cache hits.",
	}, func() float64 { h, _ := stats(); return float64(h) })
	m.CacheMisses = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "grepwise", Name: "search_cache_misses_total",
		Help: "Search cache misses.",
	}, func() float64 { _, mi := stats(); return float64(mi) })
	if reg != nil {
		reg.MustRegister(m.CacheHits, m.CacheMisses)
	}
}
