// Package tailer follows log files in configured directories: periodic
// scans plus fsnotify wakeups, incremental reads from persisted
// offsets, and rotation detection by inode and size.
package tailer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"grepwise/internal/buffer"
	"grepwise/internal/logentry"
	"grepwise/internal/logging"
)

// DirectoryConfig describes one tailed directory.
type DirectoryConfig struct {
	ID           string        `json:"id"`
	Directory    string        `json:"directory"`
	Pattern      string        `json:"pattern"`      // doublestar glob relative to Directory, default "*"
	ScanInterval time.Duration `json:"scanInterval"` // default 10s
}

// Emit hands one parsed entry downstream. buffer.ErrFull triggers the
// tailer's retry policy.
type Emit func(e logentry.LogEntry) error

// Tailer follows a single directory config.
type Tailer struct {
	cfg       DirectoryConfig
	emit      Emit
	bookmarks *BookmarkStore
	logger    *slog.Logger
	now       func() time.Time

	marks map[string]Bookmark
}

func New(cfg DirectoryConfig, bookmarks *BookmarkStore, emit Emit, logger *slog.Logger) (*Tailer, error) {
	if cfg.Directory == "" {
		return nil, errors.New("tailer: directory required")
	}
	if cfg.Pattern == "" {
		cfg.Pattern = "*"
	}
	if !doublestar.ValidatePattern(cfg.Pattern) {
		return nil, fmt.Errorf("tailer: bad pattern %q", cfg.Pattern)
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 10 * time.Second
	}
	marks, err := bookmarks.Load()
	if err != nil {
		return nil, err
	}
	return &Tailer{
		cfg:       cfg,
		emit:      emit,
		bookmarks: bookmarks,
		logger:    logging.Default(logger).With("component", "tailer", "dir", cfg.Directory),
		now:       time.Now,
		marks:     marks,
	}, nil
}

// Run scans on the configured interval and on filesystem events until
// ctx is done. The watcher is best effort; polling alone is enough for
// correctness.
func (t *Tailer) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if werr := watcher.Add(t.cfg.Directory); werr != nil {
			t.logger.Warn("directory watch unavailable, polling only", "error", werr)
		}
		defer watcher.Close()
	} else {
		t.logger.Warn("fsnotify unavailable, polling only", "error", err)
	}

	ticker := time.NewTicker(t.cfg.ScanInterval)
	defer ticker.Stop()

	t.logger.Info("tailer started", "pattern", t.cfg.Pattern, "interval", t.cfg.ScanInterval)
	t.Scan(ctx)

	var events chan fsnotify.Event
	if watcher != nil {
		events = watcher.Events
	}
	for {
		select {
		case <-ctx.Done():
			t.logger.Info("tailer stopped")
			return ctx.Err()
		case <-ticker.C:
			t.Scan(ctx)
		case _, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			t.Scan(ctx)
		}
	}
}

// Scan enumerates matching files, reads new lines, and emits entries.
// Bookmarks are persisted after every scan that made progress.
func (t *Tailer) Scan(ctx context.Context) {
	paths, err := t.matchingFiles()
	if err != nil {
		t.logger.Warn("scan failed", "error", err)
		return
	}
	progressed := false
	for _, path := range paths {
		if ctx.Err() != nil {
			break
		}
		n, err := t.readFile(ctx, path)
		if err != nil {
			t.logger.Warn("tail read failed", "path", path, "error", err)
			continue
		}
		if n > 0 {
			progressed = true
		}
	}
	if progressed {
		if err := t.bookmarks.Save(t.marks); err != nil {
			t.logger.Warn("bookmark save failed", "error", err)
		}
	}
}

func (t *Tailer) matchingFiles() ([]string, error) {
	var out []string
	err := filepath.WalkDir(t.cfg.Directory, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(t.cfg.Directory, path)
		if err != nil {
			return err
		}
		ok, err := doublestar.Match(t.cfg.Pattern, filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		if ok {
			out = append(out, path)
		}
		return nil
	})
	return out, err
}

// readFile reads new complete lines from path and emits them. Returns
// the number of emitted entries.
func (t *Tailer) readFile(ctx context.Context, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	inode := inodeOf(info)
	mark := t.marks[path]

	// Rotation: new inode means a new file under the old name.
	// Truncation: the file shrank under us. Either way start over.
	if mark.Inode != inode || info.Size() < mark.Offset {
		mark = Bookmark{Inode: inode}
	}
	if info.Size() == mark.Offset {
		t.marks[path] = mark
		return 0, nil
	}

	if _, err := f.Seek(mark.Offset, io.SeekStart); err != nil {
		return 0, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return 0, err
	}

	emitted := 0
	consumed := 0
	for {
		nl := bytes.IndexByte(data[consumed:], '\n')
		if nl < 0 {
			// Partial trailing line stays unread until its newline
			// arrives.
			break
		}
		line := string(bytes.TrimRight(data[consumed:consumed+nl], "\r"))
		consumed += nl + 1
		if line == "" {
			continue
		}
		e := logentry.FromLine(line, path, t.now())
		if err := t.emitWithRetry(ctx, e); err != nil {
			// Leave the offset at the last delivered line so the
			// entry is retried on the next scan.
			mark.Offset += int64(consumed - nl - 1)
			t.marks[path] = mark
			return emitted, err
		}
		emitted++
	}
	mark.Offset += int64(consumed)
	t.marks[path] = mark
	return emitted, nil
}

// emitWithRetry retries buffer backpressure with exponential backoff
// before giving up on the scan.
func (t *Tailer) emitWithRetry(ctx context.Context, e logentry.LogEntry) error {
	backoff := 50 * time.Millisecond
	for attempt := 0; ; attempt++ {
		err := t.emit(e)
		if err == nil {
			return nil
		}
		if !errors.Is(err, buffer.ErrFull) || attempt >= 4 {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}
