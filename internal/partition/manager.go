package partition

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"grepwise/internal/archive"
	"grepwise/internal/event"
	"grepwise/internal/index"
	"grepwise/internal/logentry"
	"grepwise/internal/logging"
)

// ErrUnavailable is returned when an entry routes to a partition that
// no longer accepts writes.
var ErrUnavailable = errors.New("partition unavailable")

// State is the lifecycle state of a partition. DELETED is terminal.
type State string

const (
	StateOpen        State = "OPEN"
	StateActive      State = "ACTIVE"
	StateClosed      State = "CLOSED"
	StateArchived    State = "ARCHIVED"
	StateQuarantined State = "QUARANTINED"
	StateDeleted     State = "DELETED"
)

// Meta is the manager's view of one partition.
type Meta struct {
	Key           string    `json:"key"`
	State         State     `json:"state"`
	CreatedAt     time.Time `json:"createdAt"`
	LastWrittenAt time.Time `json:"lastWrittenAt"`
	EntryCount    int64     `json:"entryCount"`
	ByteCount     int64     `json:"byteCount"`
}

type part struct {
	meta Meta
	idx  *index.Index // nil when ARCHIVED, DELETED, or not yet opened
}

// Options configures a Manager.
type Options struct {
	Root        string
	Granularity Granularity
	// MaxActive caps OPEN/ACTIVE partitions; 0 means the default of 3.
	MaxActive int
	// MaxAgeDays drives retention; 0 disables it.
	MaxAgeDays int
	// AutoArchiveAfterDays moves CLOSED partitions to the archive; 0
	// disables auto-archival.
	AutoArchiveAfterDays int
	Registry             *logentry.Registry
	Bus                  *event.Bus
	Archive              *archive.Store
	Logger               *slog.Logger
	// Now is the clock, overridable in tests.
	Now func() time.Time
}

// Manager exclusively owns partition lifecycle. All state mutations
// are serialized behind one mutex; the per-partition indexes do their
// own locking, so concurrent reads proceed without the manager lock.
type Manager struct {
	opts   Options
	logger *slog.Logger

	mu    sync.Mutex
	parts map[string]*part
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Root == "" {
		return nil, errors.New("partition root required")
	}
	if opts.Granularity == "" {
		opts.Granularity = Daily
	}
	if opts.MaxActive <= 0 {
		opts.MaxActive = 3
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	m := &Manager{
		opts:   opts,
		logger: logging.Default(opts.Logger).With("component", "partition-manager"),
		parts:  make(map[string]*part),
	}
	if err := m.discover(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) partitionsDir() string {
	return filepath.Join(m.opts.Root, "partitions")
}

func (m *Manager) dirFor(key string) string {
	return filepath.Join(m.partitionsDir(), key)
}

// discover registers on-disk partitions (CLOSED, opened lazily) and
// archived ones from the archive sidecars.
func (m *Manager) discover() error {
	if err := os.MkdirAll(m.partitionsDir(), 0o755); err != nil {
		return fmt.Errorf("create partition root: %w", err)
	}
	dirs, err := os.ReadDir(m.partitionsDir())
	if err != nil {
		return fmt.Errorf("scan partition root: %w", err)
	}
	for _, de := range dirs {
		if !de.IsDir() {
			continue
		}
		key := de.Name()
		if _, _, err := KeyBounds(key); err != nil {
			m.logger.Warn("ignoring unrecognized partition directory", "name", key)
			continue
		}
		info, _ := de.Info()
		meta := Meta{Key: key, State: StateClosed}
		if info != nil {
			meta.LastWrittenAt = info.ModTime()
			meta.CreatedAt = info.ModTime()
		}
		m.parts[key] = &part{meta: meta}
	}
	if m.opts.Archive != nil {
		metas, err := m.opts.Archive.List()
		if err != nil {
			m.logger.Warn("archive listing failed", "error", err)
		}
		for _, am := range metas {
			if _, ok := m.parts[am.Key]; ok {
				continue
			}
			m.parts[am.Key] = &part{meta: Meta{
				Key:        am.Key,
				State:      StateArchived,
				EntryCount: am.EntryCount,
				ByteCount:  am.ByteCount,
			}}
		}
	}
	if len(m.parts) > 0 {
		m.logger.Info("discovered partitions", "count", len(m.parts))
	}
	return nil
}

// Write routes a batch by partition key and applies each group to its
// partition. Entries for unavailable partitions are rejected; the rest
// commit. Returns the accepted count and an ErrUnavailable-wrapping
// error when anything was rejected.
func (m *Manager) Write(entries []logentry.LogEntry) (int, error) {
	groups := make(map[string][]logentry.LogEntry)
	var order []string
	for _, e := range entries {
		key := KeyFor(e.Timestamp, m.opts.Granularity)
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], e)
	}

	accepted := 0
	var errs []error
	for _, key := range order {
		batch := groups[key]
		idx, err := m.writable(key)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			continue
		}
		if _, err := idx.AddBatch(batch); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			continue
		}
		accepted += len(batch)
		m.noteWrite(key, len(batch))
	}
	return accepted, errors.Join(errs...)
}

// writable returns the open index for key, opening or reopening the
// partition as policy allows.
func (m *Manager) writable(key string) (*index.Index, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.opts.Now()
	currentKey := KeyFor(now.UnixMilli(), m.opts.Granularity)

	p, ok := m.parts[key]
	if ok {
		switch p.meta.State {
		case StateOpen, StateActive:
			return p.idx, nil
		case StateClosed:
			// Reopen only the current active window.
			if key != currentKey {
				return nil, ErrUnavailable
			}
		default:
			return nil, fmt.Errorf("%w: state %s", ErrUnavailable, p.meta.State)
		}
	}

	m.enforceCapLocked()

	idx, err := index.Open(m.dirFor(key), key, m.opts.Registry, m.opts.Bus, m.logger)
	if err != nil {
		if errors.Is(err, index.ErrCorrupt) {
			m.quarantineLocked(key)
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil, err
	}
	if p == nil {
		p = &part{meta: Meta{Key: key, CreatedAt: now}}
		m.parts[key] = p
	}
	p.idx = idx
	p.meta.State = StateOpen
	p.meta.EntryCount = int64(idx.EntryCount())
	p.meta.ByteCount = idx.ByteCount()
	m.logger.Info("opened partition", "key", key)
	return idx, nil
}

// enforceCapLocked closes the oldest OPEN/ACTIVE partitions until one
// slot is free for a new writer.
func (m *Manager) enforceCapLocked() {
	for {
		var open []*part
		for _, p := range m.parts {
			if p.meta.State == StateOpen || p.meta.State == StateActive {
				open = append(open, p)
			}
		}
		if len(open) < m.opts.MaxActive {
			return
		}
		sort.Slice(open, func(i, j int) bool {
			return open[i].meta.LastWrittenAt.Before(open[j].meta.LastWrittenAt)
		})
		oldest := open[0]
		if oldest.idx != nil {
			if err := oldest.idx.Close(); err != nil {
				m.logger.Warn("closing partition writer failed", "key", oldest.meta.Key, "error", err)
			}
		}
		oldest.meta.State = StateClosed
		m.logger.Info("closed partition at active cap", "key", oldest.meta.Key)
	}
}

func (m *Manager) noteWrite(key string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.parts[key]
	if !ok {
		return
	}
	p.meta.State = StateActive
	p.meta.LastWrittenAt = m.opts.Now()
	p.meta.EntryCount += int64(n)
	if p.idx != nil {
		p.meta.ByteCount = p.idx.ByteCount()
	}
}

// quarantineLocked marks a partition unusable after corruption.
func (m *Manager) quarantineLocked(key string) {
	p, ok := m.parts[key]
	if !ok {
		p = &part{meta: Meta{Key: key}}
		m.parts[key] = p
	}
	p.meta.State = StateQuarantined
	p.idx = nil
	m.logger.Warn("partition quarantined", "key", key)
}

// readable returns an index usable for reads, restoring archived
// partitions transparently. The caller holds the manager lock.
func (m *Manager) readableLocked(p *part) (*index.Index, error) {
	if p.idx != nil {
		return p.idx, nil
	}
	switch p.meta.State {
	case StateQuarantined:
		return nil, fmt.Errorf("%w: quarantined", ErrUnavailable)
	case StateDeleted:
		return nil, fmt.Errorf("%w: deleted", ErrUnavailable)
	case StateArchived:
		if m.opts.Archive == nil {
			return nil, archive.ErrUnavailable
		}
		if err := m.opts.Archive.Restore(p.meta.Key, m.dirFor(p.meta.Key)); err != nil {
			return nil, err
		}
		p.meta.State = StateClosed
		m.logger.Info("restored archived partition for read", "key", p.meta.Key)
	}
	idx, err := index.Open(m.dirFor(p.meta.Key), p.meta.Key, m.opts.Registry, m.opts.Bus, m.logger)
	if err != nil {
		if errors.Is(err, index.ErrCorrupt) {
			p.meta.State = StateQuarantined
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil, err
	}
	// Release the write handle; the in-memory snapshot keeps serving
	// reads and the partition stays CLOSED.
	if err := idx.Close(); err != nil {
		m.logger.Warn("releasing read-only partition handle", "key", p.meta.Key, "error", err)
	}
	p.idx = idx
	p.meta.EntryCount = int64(idx.EntryCount())
	p.meta.ByteCount = idx.ByteCount()
	return idx, nil
}

// Search evaluates the plan across every partition intersecting its
// time range, newest partitions first. Unavailable partitions
// contribute a warning instead of failing the whole search. Hits
// carry each entry's extracted fields and come back
// timestamp-descending with id-ascending tiebreak.
func (m *Manager) Search(plan index.Plan) ([]index.Hit, []string) {
	indexes, warnings := m.intersecting(plan)
	var merged []index.Hit
	for _, idx := range indexes {
		merged = append(merged, idx.CollectHits(plan)...)
	}
	index.SortHits(merged, false)
	return merged, warnings
}

// Aggregate merges per-partition aggregations for the plan.
func (m *Manager) Aggregate(plan index.Plan, field string) (map[string]int64, []string) {
	indexes, warnings := m.intersecting(plan)
	out := make(map[string]int64)
	for _, idx := range indexes {
		for k, v := range idx.Aggregate(plan, field) {
			out[k] += v
		}
	}
	return out, warnings
}

// intersecting resolves the readable indexes for the plan's range,
// newest first.
func (m *Manager) intersecting(plan index.Plan) ([]*index.Index, []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	type cand struct {
		key string
		p   *part
	}
	var cands []cand
	for key, p := range m.parts {
		if p.meta.State == StateDeleted {
			continue
		}
		if !Intersects(key, plan.Start, plan.EndOrMax()) {
			continue
		}
		cands = append(cands, cand{key, p})
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].key > cands[j].key })

	var indexes []*index.Index
	var warnings []string
	for _, c := range cands {
		idx, err := m.readableLocked(c.p)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("partition %s unavailable: %v", c.key, err))
			continue
		}
		indexes = append(indexes, idx)
	}
	return indexes, warnings
}

// GetByID looks the entry up across all readable partitions.
func (m *Manager) GetByID(id logentry.EntryID) (logentry.LogEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.parts {
		if p.meta.State == StateDeleted || p.meta.State == StateArchived {
			continue
		}
		idx, err := m.readableLocked(p)
		if err != nil {
			continue
		}
		if e, ok := idx.GetByID(id); ok {
			return e, true
		}
	}
	return logentry.LogEntry{}, false
}

// DeleteBySource removes the source's entries from every partition
// that currently has an open or openable index.
func (m *Manager) DeleteBySource(source string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	var errs []error
	for _, p := range m.parts {
		if p.idx == nil || p.meta.State == StateDeleted {
			continue
		}
		if p.meta.State != StateOpen && p.meta.State != StateActive {
			continue
		}
		n, err := p.idx.DeleteBySource(source)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		total += n
		p.meta.EntryCount -= int64(n)
	}
	return total, errors.Join(errs...)
}

// RetentionTick deletes (or archives first, when auto-archival is on)
// partitions whose window ended before the retention horizon.
func (m *Manager) RetentionTick() {
	if m.opts.MaxAgeDays <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	horizon := m.opts.Now().AddDate(0, 0, -m.opts.MaxAgeDays)
	for key, p := range m.parts {
		if p.meta.State == StateDeleted {
			continue
		}
		_, end, err := KeyBounds(key)
		if err != nil || !end.Before(horizon) {
			continue
		}
		if p.meta.State == StateArchived {
			// Archive retention is the archive sweep's business.
			continue
		}
		if m.opts.Archive != nil && m.opts.AutoArchiveAfterDays > 0 && p.meta.State != StateQuarantined {
			if err := m.archiveLocked(p); err != nil {
				m.logger.Warn("retention archive failed, keeping partition", "key", key, "error", err)
				continue
			}
			continue
		}
		m.deleteLocked(p)
	}
}

// ArchiveTick moves CLOSED partitions past the auto-archive threshold
// into the archive store.
func (m *Manager) ArchiveTick() {
	if m.opts.Archive == nil || m.opts.AutoArchiveAfterDays <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	horizon := m.opts.Now().AddDate(0, 0, -m.opts.AutoArchiveAfterDays)
	for key, p := range m.parts {
		if p.meta.State != StateClosed {
			continue
		}
		_, end, err := KeyBounds(key)
		if err != nil || !end.Before(horizon) {
			continue
		}
		if err := m.archiveLocked(p); err != nil {
			m.logger.Warn("auto-archive failed", "key", key, "error", err)
		}
	}
}

// archiveLocked compresses the partition into the archive store and
// removes its hot data.
func (m *Manager) archiveLocked(p *part) error {
	key := p.meta.Key
	if p.idx != nil {
		p.idx.Close()
	}
	err := m.opts.Archive.Archive(m.dirFor(key), key, archive.Meta{
		EntryCount: p.meta.EntryCount,
		ByteCount:  p.meta.ByteCount,
	})
	if err != nil {
		return err
	}
	if err := os.RemoveAll(m.dirFor(key)); err != nil {
		m.logger.Warn("removing archived partition dir", "key", key, "error", err)
	}
	p.idx = nil
	p.meta.State = StateArchived
	return nil
}

// deleteLocked removes the partition's hot data permanently.
func (m *Manager) deleteLocked(p *part) {
	if p.idx != nil {
		p.idx.Close()
		p.idx = nil
	}
	if err := os.RemoveAll(m.dirFor(p.meta.Key)); err != nil {
		m.logger.Warn("partition delete failed", "key", p.meta.Key, "error", err)
		return
	}
	p.meta.State = StateDeleted
	m.logger.Info("deleted expired partition", "key", p.meta.Key)
}

// Metas returns a snapshot of all partition metadata, newest first.
func (m *Manager) Metas() []Meta {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Meta, 0, len(m.parts))
	for _, p := range m.parts {
		out = append(out, p.meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key > out[j].Key })
	return out
}

// ActiveCount returns the number of OPEN/ACTIVE partitions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.parts {
		if p.meta.State == StateOpen || p.meta.State == StateActive {
			n++
		}
	}
	return n
}

// Close flushes and releases every open partition writer.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for _, p := range m.parts {
		if p.idx != nil {
			if err := p.idx.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
