// Package engine wires the pipeline together: sources feed the bounded
// buffer, the buffer flushes into the partition manager, and searches
// run executor → cache → partitions → redactor. It also owns the
// background maintenance ticks and implements the alarm query runner.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/go-co-op/gocron/v2"
	"golang.org/x/sync/errgroup"

	"grepwise/internal/buffer"
	"grepwise/internal/cache"
	"grepwise/internal/event"
	"grepwise/internal/logentry"
	"grepwise/internal/logging"
	"grepwise/internal/partition"
	"grepwise/internal/query"
	"grepwise/internal/redact"
)

// Options configures the engine.
type Options struct {
	Manager  *partition.Manager
	Redactor *redact.Redactor
	Bus      *event.Bus
	Buffer   buffer.Options

	CacheCapacity int           // default cache.DefaultCapacity
	CacheTTL      time.Duration // default cache.DefaultTTL

	// MaintenanceInterval spaces the retention and auto-archive
	// sweeps. Default 1h.
	MaintenanceInterval time.Duration

	Metrics *Metrics
	Logger  *slog.Logger
}

// SearchRequest is one search call. Page/PageSize paginate after the
// pipeline has run; PageSize 0 returns everything.
type SearchRequest struct {
	Query      string
	Start, End int64
	Page       int
	PageSize   int
}

// SearchResult is the redacted, paginated outcome.
type SearchResult struct {
	Entries   []logentry.LogEntry
	Stats     map[string]int64
	IsStats   bool
	Total     int
	TimeSlots []TimeSlot
	Warnings  []string
}

// Service is the assembled pipeline.
type Service struct {
	manager  *partition.Manager
	redactor *redact.Redactor
	bus      *event.Bus
	buf      *buffer.Buffer
	executor *query.Executor
	cache    *cache.Cache[SearchResult]
	versions *cache.Versions
	metrics  *Metrics
	sched    gocron.Scheduler
	logger   *slog.Logger
}

func NewService(opts Options) (*Service, error) {
	if opts.Manager == nil {
		return nil, fmt.Errorf("engine: nil partition manager")
	}
	if opts.Redactor == nil {
		return nil, fmt.Errorf("engine: nil redactor")
	}
	if opts.CacheCapacity <= 0 {
		opts.CacheCapacity = cache.DefaultCapacity
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = cache.DefaultTTL
	}
	if opts.MaintenanceInterval <= 0 {
		opts.MaintenanceInterval = time.Hour
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("engine scheduler: %w", err)
	}
	s := &Service{
		manager:  opts.Manager,
		redactor: opts.Redactor,
		bus:      opts.Bus,
		cache:    cache.New[SearchResult](opts.CacheCapacity, opts.CacheTTL),
		versions: cache.NewVersions(),
		metrics:  opts.Metrics,
		sched:    sched,
		logger:   logging.Default(opts.Logger).With("component", "engine"),
	}
	s.executor = query.NewExecutor(opts.Manager, opts.Logger)
	s.buf = buffer.New(opts.Buffer, s.flush)
	s.metrics.RegisterCacheStats(nil, s.cache.Stats)

	for name, tick := range map[string]func(){
		"retention":    opts.Manager.RetentionTick,
		"auto-archive": opts.Manager.ArchiveTick,
	} {
		if _, err := sched.NewJob(
			gocron.DurationJob(opts.MaintenanceInterval),
			gocron.NewTask(tick),
			gocron.WithName(name),
		); err != nil {
			return nil, fmt.Errorf("engine job %s: %w", name, err)
		}
	}
	return s, nil
}

// Run services the buffer, the cache invalidation feed and the
// maintenance schedule until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	s.sched.Start()
	defer s.sched.Shutdown()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.buf.Run(ctx) })
	if s.bus != nil {
		g.Go(func() error {
			s.versions.Run(ctx, s.bus)
			return nil
		})
	}
	return g.Wait()
}

// flush is the buffer sink: one batch, one partition-manager write.
func (s *Service) flush(entries []logentry.LogEntry) {
	n, err := s.manager.Write(entries)
	s.metrics.WrittenTotal.Add(float64(n))
	if err != nil {
		s.metrics.WriteErrorsTotal.Inc()
		s.logger.Error("flushing batch", "entries", len(entries), "written", n, "error", err)
	}
}

// Ingest queues one entry. buffer.ErrFull surfaces to the caller so
// each source can apply its own overload policy.
func (s *Service) Ingest(e logentry.LogEntry) error {
	if err := s.buf.Add(e); err != nil {
		s.metrics.DroppedTotal.Inc()
		return err
	}
	s.metrics.IngestedTotal.Inc()
	return nil
}

// IngestLine derives an entry from a raw line and queues it.
func (s *Service) IngestLine(line, source string) error {
	return s.Ingest(logentry.FromLine(line, source, time.Now()))
}

// Flush forces the buffer to drain. Used by tests and shutdown.
func (s *Service) Flush(ctx context.Context) error {
	return s.buf.Flush(ctx)
}

// Search runs a query with caching and redaction. Identical queries
// over unchanged partitions are served from the cache; concurrent
// identical misses share one execution.
func (s *Service) Search(ctx context.Context, req SearchRequest) (SearchResult, error) {
	s.metrics.SearchesTotal.Inc()
	stamp := s.versions.Stamp(s.intersectingKeys(req.Start, req.End))
	fp := cache.Fingerprint(req.Query, req.Start, req.End, "", 0, stamp)

	res, err := s.cache.Get(ctx, fp, func() (SearchResult, error) {
		out, err := s.executor.Execute(ctx, req.Query, req.Start, req.End)
		if err != nil {
			return SearchResult{}, err
		}
		r := SearchResult{
			Entries:  out.Entries,
			Stats:    out.Stats,
			IsStats:  out.IsStats,
			Total:    len(out.Entries),
			Warnings: out.Warnings,
		}
		if !r.IsStats {
			r.TimeSlots = buildTimeSlots(out.Entries, req.Start, req.End)
		}
		return r, nil
	})
	if err != nil {
		s.metrics.SearchErrors.Inc()
		return SearchResult{}, err
	}

	// Redaction and pagination happen outside the cache: the config
	// can change under a cached result, and cached entries are shared.
	res.Entries = paginate(res.Entries, req.Page, req.PageSize)
	res.Entries = s.redactor.ApplyAll(res.Entries, redact.MaskSearch)
	return res, nil
}

func paginate(entries []logentry.LogEntry, page, size int) []logentry.LogEntry {
	if size <= 0 {
		return entries
	}
	if page < 0 {
		page = 0
	}
	from := page * size
	if from >= len(entries) {
		return nil
	}
	to := from + size
	if to > len(entries) {
		to = len(entries)
	}
	return entries[from:to]
}

// intersectingKeys lists the partitions a range can touch; their
// version counters anchor the cache fingerprint. A zero end means
// unbounded, same as the query plan.
func (s *Service) intersectingKeys(start, end int64) []string {
	if end <= 0 {
		end = math.MaxInt64
	}
	var keys []string
	for _, m := range s.manager.Metas() {
		if partition.Intersects(m.Key, start, end) {
			keys = append(keys, m.Key)
		}
	}
	return keys
}

// GetByID fetches one entry by id. Without reveal the entry comes back
// redacted with the search mask; reveal returns the stored bytes.
func (s *Service) GetByID(id logentry.EntryID, reveal bool) (logentry.LogEntry, bool) {
	e, ok := s.manager.GetByID(id)
	if !ok {
		return logentry.LogEntry{}, false
	}
	if reveal {
		return e, true
	}
	return s.redactor.Apply(e, redact.MaskSearch), true
}

// DeleteBySource removes a source's entries from every partition.
func (s *Service) DeleteBySource(source string) (int, error) {
	return s.manager.DeleteBySource(source)
}

// Metas exposes partition states for the admin surface.
func (s *Service) Metas() []partition.Meta {
	return s.manager.Metas()
}

// Close drains the buffer synchronously and shuts the manager down.
func (s *Service) Close(ctx context.Context) error {
	if err := s.buf.Flush(ctx); err != nil {
		s.logger.Warn("final flush", "error", err)
	}
	return s.manager.Close()
}
