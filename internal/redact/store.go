package redact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"grepwise/internal/logging"
)

// ErrIO covers failures reading or writing the config file.
var ErrIO = errors.New("redaction config io")

// Store persists the grouped config as JSON. Legacy flat files are
// migrated to grouped form on load and rewritten.
type Store struct {
	path   string
	logger *slog.Logger
}

func NewStore(path string, logger *slog.Logger) *Store {
	return &Store{
		path:   path,
		logger: logging.Default(logger).With("component", "redact-store"),
	}
}

// Load reads the config from disk. A missing file yields an empty
// config (the defaults are merged in by the redactor).
func (s *Store) Load() (Config, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return Config{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	cfg, migrated, err := parseConfig(data)
	if err != nil {
		return nil, err
	}
	if migrated {
		s.logger.Info("migrated legacy redaction config", "path", s.path)
		if err := s.Save(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Save writes the config atomically: a temp file in the same directory
// followed by a rename.
func (s *Store) Save(cfg Config) error {
	if _, err := cfg.Flatten(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

// Watch reloads the config whenever the file changes on disk and hands
// the result to onChange. Blocks until ctx is done. Reload failures
// are logged and the previous config stays active.
func (s *Store) Watch(ctx context.Context, onChange func(Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer watcher.Close()

	// Watch the directory, not the file: editors and atomic saves
	// replace the file node.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}

	s.logger.Info("watching redaction config", "path", s.path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Name != s.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			cfg, err := s.Load()
			if err != nil {
				s.logger.Warn("redaction config reload failed", "error", err)
				continue
			}
			onChange(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("redaction config watcher error", "error", err)
		}
	}
}
