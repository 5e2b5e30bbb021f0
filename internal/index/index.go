// Package index implements the per-partition inverted index. Each
// partition keeps a durable append-only entry log on disk and rebuilds
// its in-memory postings by replaying that log on open. Writers are
// serialized per partition; readers work on snapshots and never block
// writers.
package index

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"

	"grepwise/internal/event"
	"grepwise/internal/logentry"
	"grepwise/internal/logging"
)

var (
	// ErrIO covers filesystem failures during writes. The failed
	// batch is rolled back; the partition stays consistent.
	ErrIO = errors.New("index io")
	// ErrCorrupt is returned when the entry log cannot be replayed
	// even after recovery truncation.
	ErrCorrupt = errors.New("index corrupt")
	// ErrClosed is returned by writes after Close.
	ErrClosed = errors.New("index closed")
)

const logFileName = "entries.log"

// Plan is the compiled, index-evaluable part of a search. Terms and
// FieldEq are conjunctive and drive posting intersection; Match is the
// full predicate applied to every candidate (nil matches everything).
// Start/End bound the entry timestamp in milliseconds, inclusive; a
// zero End means unbounded.
type Plan struct {
	Start, End int64
	Terms      []string
	FieldEq    map[string]string
	Match      func(e *logentry.LogEntry, fields map[string]string) bool
}

// EndOrMax returns the effective upper bound.
func (p Plan) EndOrMax() int64 {
	if p.End == 0 {
		return math.MaxInt64
	}
	return p.End
}

// Index is the engine for a single partition directory.
type Index struct {
	key    string
	dir    string
	reg    *logentry.Registry
	bus    *event.Bus
	logger *slog.Logger

	mu     sync.RWMutex
	file   *os.File
	offset int64
	closed bool

	entries  []logentry.LogEntry
	fields   []map[string]string
	tokens   map[string][]int            // token -> doc positions, ascending
	byField  map[string]map[string][]int // field -> value -> doc positions
	byID     map[logentry.EntryID]int
	minTS    int64
	maxTS    int64
	byteSize int64
}

// Open acquires the write handle for the partition directory and
// replays the entry log. A torn tail (from a crash mid-append) is
// truncated away; an unreadable log returns ErrCorrupt and the caller
// quarantines the partition.
func Open(dir, key string, reg *logentry.Registry, bus *event.Bus, logger *slog.Logger) (*Index, error) {
	if reg == nil {
		reg = logentry.NewRegistry()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	idx := &Index{
		key:     key,
		dir:     dir,
		reg:     reg,
		bus:     bus,
		logger:  logging.Default(logger).With("component", "index", "partition", key),
		tokens:  make(map[string][]int),
		byField: make(map[string]map[string][]int),
		byID:    make(map[logentry.EntryID]int),
		minTS:   math.MaxInt64,
	}
	if err := idx.replay(); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(filepath.Join(dir, logFileName), os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	if _, err := file.Seek(idx.offset, io.SeekStart); err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	idx.file = file
	return idx, nil
}

// replay rebuilds the in-memory index from the entry log.
func (idx *Index) replay() error {
	path := filepath.Join(idx.dir, logFileName)
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		rec, n, err := readFrame(r)
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, errBadFrame) {
			// Torn tail from a crash mid-append. Truncate to the
			// last good frame and carry on.
			idx.logger.Warn("truncating torn entry log tail", "offset", idx.offset)
			if err := os.Truncate(path, idx.offset); err != nil {
				return fmt.Errorf("%w: truncate: %v", ErrCorrupt, err)
			}
			break
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		idx.commit(rec)
		idx.offset += n
	}
	if len(idx.entries) > 0 {
		idx.logger.Info("replayed entry log", "entries", len(idx.entries))
	}
	return nil
}

// commit applies one record to the in-memory structures. Caller holds
// the write lock (or is single-threaded during replay).
func (idx *Index) commit(rec frameRecord) {
	pos := len(idx.entries)
	e := rec.Entry
	idx.entries = append(idx.entries, e)
	idx.fields = append(idx.fields, rec.Fields)
	idx.byID[e.ID] = pos

	for _, tok := range dedup(Tokenize(e.Message)) {
		idx.tokens[tok] = append(idx.tokens[tok], pos)
	}
	idx.addFieldPosting("level", e.Level, pos)
	idx.addFieldPosting("source", e.Source, pos)
	for k, v := range rec.Fields {
		idx.addFieldPosting(k, v, pos)
	}
	for k, v := range e.Metadata {
		idx.addFieldPosting(k, v, pos)
	}

	if e.Timestamp < idx.minTS {
		idx.minTS = e.Timestamp
	}
	if e.Timestamp > idx.maxTS {
		idx.maxTS = e.Timestamp
	}
	idx.byteSize += int64(len(e.Message) + len(e.RawContent))
}

func (idx *Index) addFieldPosting(field, value string, pos int) {
	if value == "" {
		return
	}
	m, ok := idx.byField[field]
	if !ok {
		m = make(map[string][]int)
		idx.byField[field] = m
	}
	m[value] = append(m[value], pos)
}

// AddBatch appends entries to the partition. Atomic from the reader's
// viewpoint: either every entry becomes visible or none does. On a
// write failure the log is truncated back to its pre-batch offset.
func (idx *Index) AddBatch(entries []logentry.LogEntry) ([]logentry.EntryID, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.closed {
		return nil, ErrClosed
	}

	recs := make([]frameRecord, len(entries))
	var buf bytes.Buffer
	for i, e := range entries {
		recs[i] = frameRecord{Entry: e, Fields: idx.reg.Extract(e)}
		frame, err := encodeFrame(recs[i])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIO, err)
		}
		buf.Write(frame)
	}

	start := idx.offset
	n, err := idx.file.Write(buf.Bytes())
	if err == nil {
		err = idx.file.Sync()
	}
	if err != nil {
		// Roll the log back so nothing of the batch survives.
		idx.file.Truncate(start)
		idx.file.Seek(start, io.SeekStart)
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	idx.offset = start + int64(n)

	ids := make([]logentry.EntryID, len(entries))
	maxTS := int64(0)
	for i, rec := range recs {
		idx.commit(rec)
		ids[i] = rec.Entry.ID
		if rec.Entry.Timestamp > maxTS {
			maxTS = rec.Entry.Timestamp
		}
	}

	if idx.bus != nil {
		idx.bus.Publish(event.CommitEvent{
			PartitionKey: idx.key,
			EntryCount:   len(entries),
			MaxTimestamp: maxTS,
		})
	}
	return ids, nil
}

// Search evaluates plan against this partition and returns a lazy
// iterator over matching entries in timestamp-descending order with
// id-ascending tiebreak, plus the match count. The snapshot is taken
// under the read lock; iteration happens without it.
func (idx *Index) Search(plan Plan) (iter.Seq2[logentry.LogEntry, error], int) {
	hits := idx.CollectHits(plan)
	SortHits(hits, false)
	seq := func(yield func(logentry.LogEntry, error) bool) {
		for _, h := range hits {
			if !yield(h.Entry, nil) {
				return
			}
		}
	}
	return seq, len(hits)
}

// candidates narrows the doc set with posting intersections. With no
// index-evaluable conjuncts every doc is a candidate.
func (idx *Index) candidates(plan Plan) []int {
	var lists [][]int
	for _, term := range dedup(plan.Terms) {
		lists = append(lists, idx.tokens[term])
	}
	for field, value := range plan.FieldEq {
		m := idx.byField[field]
		if m == nil {
			return nil
		}
		lists = append(lists, m[value])
	}
	if len(lists) == 0 {
		all := make([]int, len(idx.entries))
		for i := range all {
			all[i] = i
		}
		return all
	}
	result := lists[0]
	for _, l := range lists[1:] {
		result = intersect(result, l)
		if len(result) == 0 {
			return nil
		}
	}
	return result
}

// GetByID returns the stored entry, byte-identical to what was
// ingested. The reveal path depends on that fidelity.
func (idx *Index) GetByID(id logentry.EntryID) (logentry.LogEntry, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	pos, ok := idx.byID[id]
	if !ok {
		return logentry.LogEntry{}, false
	}
	return idx.entries[pos].Clone(), true
}

// Aggregate counts matching docs grouped by the given field's values.
// An empty field name yields a single "count" bucket.
func (idx *Index) Aggregate(plan Plan, field string) map[string]int64 {
	matches := idx.CollectHits(plan)
	out := make(map[string]int64)
	for _, m := range matches {
		if field == "" {
			out["count"]++
			continue
		}
		v, ok := fieldValue(&m.Entry, m.Fields, field)
		if !ok {
			continue
		}
		out[v]++
	}
	return out
}

// Hit pairs a matching entry with its extracted fields, so every
// downstream stage resolves field names against the same map the
// index-side match saw. Fields is shared with the index; readers must
// not mutate it.
type Hit struct {
	Entry  logentry.LogEntry
	Fields map[string]string
}

// CollectHits returns the matching entries with their extracted
// fields, unsorted.
func (idx *Index) CollectHits(plan Plan) []Hit {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	positions := idx.candidates(plan)
	end := plan.EndOrMax()
	var out []Hit
	for _, pos := range positions {
		e := idx.entries[pos]
		if e.Timestamp < plan.Start || e.Timestamp > end {
			continue
		}
		if plan.Match != nil && !plan.Match(&e, idx.fields[pos]) {
			continue
		}
		out = append(out, Hit{Entry: e.Clone(), Fields: idx.fields[pos]})
	}
	return out
}

// fieldValue resolves a field name against the entry's built-in
// columns, extracted fields, and metadata, in that order.
func fieldValue(e *logentry.LogEntry, fields map[string]string, name string) (string, bool) {
	switch name {
	case "level":
		return e.Level, e.Level != ""
	case "source":
		return e.Source, e.Source != ""
	case "id":
		return e.ID.String(), true
	case "message":
		return e.Message, true
	case "timestamp":
		return fmt.Sprintf("%d", e.Timestamp), true
	}
	if v, ok := fields[name]; ok {
		return v, true
	}
	v, ok := e.Metadata[name]
	return v, ok
}

// FieldValue is the exported lookup used by the query executor.
func FieldValue(e *logentry.LogEntry, fields map[string]string, name string) (string, bool) {
	return fieldValue(e, fields, name)
}

// DeleteByRange removes entries whose timestamp falls within
// [start, end] and compacts the log.
func (idx *Index) DeleteByRange(start, end int64) (int, error) {
	return idx.deleteWhere(func(e *logentry.LogEntry) bool {
		return e.Timestamp >= start && e.Timestamp <= end
	})
}

// DeleteBySource removes entries from the given source and compacts
// the log.
func (idx *Index) DeleteBySource(source string) (int, error) {
	return idx.deleteWhere(func(e *logentry.LogEntry) bool {
		return e.Source == source
	})
}

// deleteWhere rewrites the entry log without the matching entries and
// rebuilds the in-memory index. The rewrite goes through a temp file
// and a rename, so a crash leaves either the old or the new log.
func (idx *Index) deleteWhere(drop func(*logentry.LogEntry) bool) (int, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.closed {
		return 0, ErrClosed
	}

	var kept []frameRecord
	removed := 0
	for i := range idx.entries {
		if drop(&idx.entries[i]) {
			removed++
			continue
		}
		kept = append(kept, frameRecord{Entry: idx.entries[i], Fields: idx.fields[i]})
	}
	if removed == 0 {
		return 0, nil
	}

	path := filepath.Join(idx.dir, logFileName)
	tmp := path + ".tmp"
	var buf bytes.Buffer
	for _, rec := range kept {
		frame, err := encodeFrame(rec)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrIO, err)
		}
		buf.Write(frame)
	}
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrIO, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("%w: %v", ErrIO, err)
	}

	idx.file.Close()
	file, err := os.OpenFile(path, os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrIO, err)
	}
	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		file.Close()
		return 0, fmt.Errorf("%w: %v", ErrIO, err)
	}
	idx.file = file
	idx.offset = int64(buf.Len())
	idx.rebuild(kept)
	return removed, nil
}

// rebuild resets the in-memory structures from kept records. Caller
// holds the write lock.
func (idx *Index) rebuild(kept []frameRecord) {
	idx.entries = nil
	idx.fields = nil
	idx.tokens = make(map[string][]int)
	idx.byField = make(map[string]map[string][]int)
	idx.byID = make(map[logentry.EntryID]int)
	idx.minTS = math.MaxInt64
	idx.maxTS = 0
	idx.byteSize = 0
	for _, rec := range kept {
		idx.commit(rec)
	}
}

// EntryCount returns the number of committed entries.
func (idx *Index) EntryCount() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

// ByteCount returns the approximate stored byte volume.
func (idx *Index) ByteCount() int64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.byteSize
}

// Close flushes and releases the write handle. Further writes return
// ErrClosed; the partition directory remains readable via a new Open.
func (idx *Index) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.closed {
		return nil
	}
	idx.closed = true
	if idx.file == nil {
		return nil
	}
	if err := idx.file.Sync(); err != nil {
		idx.file.Close()
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if err := idx.file.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	idx.file = nil
	return nil
}

// SortHits orders by timestamp (desc unless asc), id ascending on
// ties. V7 ids are time-ordered, so the tiebreak follows ingest order.
func SortHits(hits []Hit, asc bool) {
	sort.SliceStable(hits, func(i, j int) bool {
		a, b := hits[i].Entry, hits[j].Entry
		if a.Timestamp != b.Timestamp {
			if asc {
				return a.Timestamp < b.Timestamp
			}
			return a.Timestamp > b.Timestamp
		}
		ua, ub := uuid.UUID(a.ID), uuid.UUID(b.ID)
		return bytes.Compare(ua[:], ub[:]) < 0
	})
}

// intersect merges two ascending posting lists.
func intersect(a, b []int) []int {
	var out []int
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			out = append(out, a[i])
			i++
			j++
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	return out
}

// dedup removes duplicates preserving first occurrence.
func dedup(items []string) []string {
	if len(items) < 2 {
		return items
	}
	seen := make(map[string]bool, len(items))
	out := items[:0:0]
	for _, s := range items {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
