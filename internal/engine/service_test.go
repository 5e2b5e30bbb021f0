package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"grepwise/internal/buffer"
	"grepwise/internal/event"
	"grepwise/internal/logentry"
	"grepwise/internal/logging"
	"grepwise/internal/partition"
	"grepwise/internal/query"
	"grepwise/internal/redact"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	bus := event.NewBus()
	mgr, err := partition.NewManager(partition.Options{
		Root:        t.TempDir(),
		Granularity: partition.Monthly,
		Bus:         bus,
		Logger:      logging.Discard(),
	})
	if err != nil {
		t.Fatal(err)
	}
	red, err := redact.New(redact.Config{})
	if err != nil {
		t.Fatal(err)
	}
	s, err := NewService(Options{
		Manager:  mgr,
		Redactor: red,
		Bus:      bus,
		Buffer:   buffer.Options{FlushInterval: 10 * time.Millisecond},
		CacheTTL: time.Minute,
		Logger:   logging.Discard(),
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		mgr.Close()
	})
	return s
}

func ingest(t *testing.T, s *Service, ts time.Time, level, msg string) {
	t.Helper()
	err := s.Ingest(logentry.LogEntry{
		ID:        logentry.NewEntryID(),
		Timestamp: ts.UnixMilli(),
		Level:     level,
		Message:   msg,
		Source:    "test",
	})
	if err != nil {
		t.Fatal(err)
	}
}

func seed(t *testing.T, s *Service) time.Time {
	t.Helper()
	base := time.Date(2024, 10, 10, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		ingest(t, s, base.Add(time.Duration(i)*time.Second), logentry.LevelError, "upstream timed out")
	}
	for i := 0; i < 2; i++ {
		ingest(t, s, base.Add(time.Minute), logentry.LevelWarn, "slow response")
	}
	for i := 0; i < 5; i++ {
		ingest(t, s, base.Add(2*time.Minute), logentry.LevelInfo, "request ok")
	}
	if err := s.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	return base
}

func TestSearchEndToEnd(t *testing.T) {
	s := newTestService(t)
	seed(t, s)

	res, err := s.Search(context.Background(), SearchRequest{Query: "search level=ERROR"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 3 || len(res.Entries) != 3 {
		t.Fatalf("total = %d, entries = %d", res.Total, len(res.Entries))
	}
	if len(res.TimeSlots) == 0 {
		t.Error("no time slots")
	}
	var slotSum int64
	for _, slot := range res.TimeSlots {
		slotSum += slot.Count
	}
	if slotSum != 3 {
		t.Errorf("slot sum = %d", slotSum)
	}
}

func TestSearchStats(t *testing.T) {
	s := newTestService(t)
	seed(t, s)

	res, err := s.Search(context.Background(), SearchRequest{Query: "search * | stats count by level"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsStats {
		t.Fatal("expected stats")
	}
	want := map[string]int64{"ERROR": 3, "WARN": 2, "INFO": 5}
	for k, v := range want {
		if res.Stats[k] != v {
			t.Errorf("stats[%s] = %d, want %d", k, res.Stats[k], v)
		}
	}
}

func TestSearchCacheInvalidatedByIngest(t *testing.T) {
	s := newTestService(t)
	base := seed(t, s)

	res, err := s.Search(context.Background(), SearchRequest{Query: "search level=ERROR"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 3 {
		t.Fatalf("total = %d", res.Total)
	}

	ingest(t, s, base.Add(3*time.Minute), logentry.LevelError, "another failure")
	if err := s.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	// The commit event bumps the partition version; give the
	// subscription goroutine a moment to consume it.
	deadline := time.Now().Add(2 * time.Second)
	for {
		res, err = s.Search(context.Background(), SearchRequest{Query: "search level=ERROR"})
		if err != nil {
			t.Fatal(err)
		}
		if res.Total == 4 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if res.Total != 4 {
		t.Fatalf("total = %d after new ingest, want 4", res.Total)
	}
}

func TestSearchRedactsPasswords(t *testing.T) {
	s := newTestService(t)
	base := time.Date(2024, 10, 10, 12, 0, 0, 0, time.UTC)
	ingest(t, s, base, logentry.LevelInfo, "login password=hunter2 ok")
	if err := s.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}

	res, err := s.Search(context.Background(), SearchRequest{Query: "search login"})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Entries) != 1 {
		t.Fatalf("entries = %d", len(res.Entries))
	}
	if got := res.Entries[0].Message; got != "login password="+redact.MaskSearch+" ok" {
		t.Errorf("message = %q", got)
	}

	// The reveal path returns the stored bytes.
	raw, ok := s.GetByID(res.Entries[0].ID, true)
	if !ok {
		t.Fatal("entry not found by id")
	}
	if raw.Message != "login password=hunter2 ok" {
		t.Errorf("revealed = %q", raw.Message)
	}
	masked, _ := s.GetByID(res.Entries[0].ID, false)
	if masked.Message == raw.Message {
		t.Error("unrevealed fetch not redacted")
	}
}

func TestSearchPagination(t *testing.T) {
	s := newTestService(t)
	seed(t, s)

	page0, err := s.Search(context.Background(), SearchRequest{Query: "search *", Page: 0, PageSize: 4})
	if err != nil {
		t.Fatal(err)
	}
	if page0.Total != 10 || len(page0.Entries) != 4 {
		t.Fatalf("total = %d, page = %d", page0.Total, len(page0.Entries))
	}
	page2, err := s.Search(context.Background(), SearchRequest{Query: "search *", Page: 2, PageSize: 4})
	if err != nil {
		t.Fatal(err)
	}
	if len(page2.Entries) != 2 {
		t.Errorf("last page = %d, want 2", len(page2.Entries))
	}
	page9, err := s.Search(context.Background(), SearchRequest{Query: "search *", Page: 9, PageSize: 4})
	if err != nil {
		t.Fatal(err)
	}
	if len(page9.Entries) != 0 {
		t.Errorf("out-of-range page = %d entries", len(page9.Entries))
	}
}

func TestSearchSyntaxErrorPassedThrough(t *testing.T) {
	s := newTestService(t)
	_, err := s.Search(context.Background(), SearchRequest{Query: "search * | head"})
	if !errors.Is(err, query.ErrSyntax) {
		t.Errorf("err = %v, want ErrSyntax", err)
	}
}

func TestAlarmRunnerCounts(t *testing.T) {
	s := newTestService(t)
	base := seed(t, s)
	start := base.Add(-time.Hour).UnixMilli()
	end := base.Add(time.Hour).UnixMilli()

	n, err := s.Count(context.Background(), "search level=ERROR", start, end)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("count = %d", n)
	}

	groups, err := s.GroupCounts(context.Background(), "search *", []string{"level"}, start, end)
	if err != nil {
		t.Fatal(err)
	}
	if groups["ERROR"] != 3 || groups["WARN"] != 2 || groups["INFO"] != 5 {
		t.Errorf("groups = %v", groups)
	}

	sample, err := s.Sample(context.Background(), "search level=ERROR", start, end, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(sample) != 2 {
		t.Errorf("sample = %d", len(sample))
	}
}

func TestIngestLineDerivesFields(t *testing.T) {
	s := newTestService(t)
	line := "2024-10-10T12:00:00Z ERROR upstream timed out"
	if err := s.IngestLine(line, "app.log"); err != nil {
		t.Fatal(err)
	}
	if err := s.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	res, err := s.Search(context.Background(), SearchRequest{Query: "search upstream"})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Entries) != 1 {
		t.Fatalf("entries = %d", len(res.Entries))
	}
	e := res.Entries[0]
	if e.Level != logentry.LevelError || e.Source != "app.log" {
		t.Errorf("entry = %+v", e)
	}
	if e.Timestamp != time.Date(2024, 10, 10, 12, 0, 0, 0, time.UTC).UnixMilli() {
		t.Errorf("timestamp = %d", e.Timestamp)
	}
}

func TestBufferOverloadSurfacesErrFull(t *testing.T) {
	bus := event.NewBus()
	mgr, err := partition.NewManager(partition.Options{
		Root:   t.TempDir(),
		Bus:    bus,
		Logger: logging.Discard(),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer mgr.Close()
	red, err := redact.New(redact.Config{})
	if err != nil {
		t.Fatal(err)
	}
	// Tiny buffer with no running flusher: Add must fail fast.
	s, err := NewService(Options{
		Manager:  mgr,
		Redactor: red,
		Bus:      bus,
		Buffer:   buffer.Options{Capacity: 1, ProducerTimeout: 10 * time.Millisecond},
		Logger:   logging.Discard(),
	})
	if err != nil {
		t.Fatal(err)
	}
	var full bool
	for i := 0; i < 5; i++ {
		if err := s.Ingest(logentry.LogEntry{ID: logentry.NewEntryID(), Message: fmt.Sprintf("m%d", i)}); err != nil {
			if !errors.Is(err, buffer.ErrFull) {
				t.Fatalf("err = %v", err)
			}
			full = true
			break
		}
	}
	if !full {
		t.Fatal("buffer never reported ErrFull")
	}
}
