package tailer

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"grepwise/internal/buffer"
	"grepwise/internal/logentry"
)

type sink struct {
	mu      sync.Mutex
	entries []logentry.LogEntry
	fail    int // fail the next n emits with ErrFull
}

func (s *sink) emit(e logentry.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail > 0 {
		s.fail--
		return buffer.ErrFull
	}
	s.entries = append(s.entries, e)
	return nil
}

func (s *sink) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.Message
	}
	return out
}

func newTestTailer(t *testing.T, dir, pattern string, s *sink) *Tailer {
	t.Helper()
	store := NewBookmarkStore(filepath.Join(t.TempDir(), "bookmarks.json"))
	tl, err := New(DirectoryConfig{ID: "t", Directory: dir, Pattern: pattern}, store, s.emit, nil)
	if err != nil {
		t.Fatal(err)
	}
	return tl
}

func appendFile(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatal(err)
	}
	f.Close()
}

func TestScanEmitsNewLinesOnly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	appendFile(t, path, "first line\nsecond line\n")

	s := &sink{}
	tl := newTestTailer(t, dir, "*.log", s)
	ctx := context.Background()

	tl.Scan(ctx)
	if got := s.messages(); len(got) != 2 || got[0] != "first line" || got[1] != "second line" {
		t.Fatalf("messages = %v", got)
	}

	// Nothing new: no duplicates.
	tl.Scan(ctx)
	if got := s.messages(); len(got) != 2 {
		t.Fatalf("re-scan duplicated entries: %v", got)
	}

	appendFile(t, path, "third line\n")
	tl.Scan(ctx)
	if got := s.messages(); len(got) != 3 || got[2] != "third line" {
		t.Fatalf("messages = %v", got)
	}
}

func TestPartialLineWaitsForNewline(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	appendFile(t, path, "complete\npart")

	s := &sink{}
	tl := newTestTailer(t, dir, "*", s)
	tl.Scan(context.Background())
	if got := s.messages(); len(got) != 1 || got[0] != "complete" {
		t.Fatalf("messages = %v", got)
	}

	appendFile(t, path, "ial done\n")
	tl.Scan(context.Background())
	if got := s.messages(); len(got) != 2 || got[1] != "partial done" {
		t.Fatalf("messages = %v", got)
	}
}

func TestTruncationResetsOffset(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	appendFile(t, path, "old content line\n")

	s := &sink{}
	tl := newTestTailer(t, dir, "*", s)
	tl.Scan(context.Background())

	// Truncate and write fresh content, shorter than before.
	if err := os.WriteFile(path, []byte("new\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	tl.Scan(context.Background())
	got := s.messages()
	if len(got) != 2 || got[1] != "new" {
		t.Fatalf("messages = %v", got)
	}
}

func TestPatternFiltering(t *testing.T) {
	dir := t.TempDir()
	appendFile(t, filepath.Join(dir, "keep.log"), "kept\n")
	appendFile(t, filepath.Join(dir, "skip.txt"), "skipped\n")

	s := &sink{}
	tl := newTestTailer(t, dir, "*.log", s)
	tl.Scan(context.Background())
	if got := s.messages(); len(got) != 1 || got[0] != "kept" {
		t.Fatalf("messages = %v", got)
	}
}

func TestBookmarksSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	appendFile(t, path, "before restart\n")

	bookPath := filepath.Join(t.TempDir(), "bookmarks.json")
	s := &sink{}
	store := NewBookmarkStore(bookPath)
	tl, err := New(DirectoryConfig{Directory: dir}, store, s.emit, nil)
	if err != nil {
		t.Fatal(err)
	}
	tl.Scan(context.Background())
	if len(s.messages()) != 1 {
		t.Fatalf("messages = %v", s.messages())
	}

	// New tailer, same bookmark store: the old line is not re-read.
	appendFile(t, path, "after restart\n")
	s2 := &sink{}
	tl2, err := New(DirectoryConfig{Directory: dir}, NewBookmarkStore(bookPath), s2.emit, nil)
	if err != nil {
		t.Fatal(err)
	}
	tl2.Scan(context.Background())
	if got := s2.messages(); len(got) != 1 || got[0] != "after restart" {
		t.Fatalf("messages = %v", got)
	}
}

func TestBackpressureRetries(t *testing.T) {
	dir := t.TempDir()
	appendFile(t, filepath.Join(dir, "a.log"), "retried line\n")

	s := &sink{fail: 2}
	tl := newTestTailer(t, dir, "*", s)
	tl.Scan(context.Background())
	if got := s.messages(); len(got) != 1 || got[0] != "retried line" {
		t.Fatalf("messages = %v", got)
	}
}

func TestBadPatternRejected(t *testing.T) {
	store := NewBookmarkStore(filepath.Join(t.TempDir(), "b.json"))
	if _, err := New(DirectoryConfig{Directory: t.TempDir(), Pattern: "[["}, store, func(logentry.LogEntry) error { return nil }, nil); err == nil {
		t.Error("expected error for invalid pattern")
	}
}
