// Package config persists the configured log sources.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	petname "github.com/dustinkirkland/golang-petname"
	"github.com/google/uuid"

	"grepwise/internal/logging"
)

// ErrNotFound reports an unknown source id.
var ErrNotFound = errors.New("source not found")

// SourceType selects how a source feeds the pipeline.
type SourceType string

const (
	SourceFile      SourceType = "FILE"
	SourceSyslogUDP SourceType = "SYSLOG_UDP"
	SourceSyslogTCP SourceType = "SYSLOG_TCP"
	SourceHTTP      SourceType = "HTTP"
)

// Source is one configured log source. Directory/Pattern apply to FILE
// sources, ListenAddr to the syslog types. HTTP sources have no
// transport config of their own; they label entries arriving on the
// intake endpoint.
type Source struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Type           SourceType `json:"type"`
	Directory      string     `json:"directory,omitempty"`
	Pattern        string     `json:"file_pattern,omitempty"`
	ScanIntervalMs int64      `json:"scan_interval_ms,omitempty"`
	ListenAddr     string     `json:"listen_addr,omitempty"`
	Enabled        bool       `json:"enabled"`
}

// Validate rejects sources the runtime could not start.
func (s *Source) Validate() error {
	switch s.Type {
	case SourceFile:
		if s.Directory == "" {
			return fmt.Errorf("source %s: FILE source needs a directory", s.Name)
		}
	case SourceSyslogUDP, SourceSyslogTCP:
		if s.ListenAddr == "" {
			return fmt.Errorf("source %s: syslog source needs a listen address", s.Name)
		}
	case SourceHTTP:
	default:
		return fmt.Errorf("source %s: unknown type %q", s.Name, s.Type)
	}
	return nil
}

// Store persists sources as a JSON list with atomic rewrites.
type Store struct {
	path   string
	logger *slog.Logger

	mu      sync.Mutex
	sources map[string]*Source
}

func NewStore(path string, logger *slog.Logger) *Store {
	return &Store{
		path:    path,
		logger:  logging.Default(logger).With("component", "sources"),
		sources: make(map[string]*Source),
	}
}

// Load reads the source file. A missing file is an empty store.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read sources: %w", err)
	}
	var list []*Source
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("parse sources: %w", err)
	}
	s.sources = make(map[string]*Source, len(list))
	for _, src := range list {
		s.sources[src.ID] = src
	}
	s.logger.Info("loaded sources", "count", len(list))
	return nil
}

// List returns all sources ordered by name.
func (s *Store) List() []Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Source, 0, len(s.sources))
	for _, src := range s.sources {
		out = append(out, *src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns a copy of one source.
func (s *Store) Get(id string) (Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[id]
	if !ok {
		return Source{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return *src, nil
}

// Create validates and stores a new source. A missing id gets a fresh
// UUID; a missing name gets a generated one.
func (s *Store) Create(src Source) (Source, error) {
	if src.ID == "" {
		src.ID = uuid.Must(uuid.NewV7()).String()
	}
	if src.Name == "" {
		src.Name = petname.Generate(2, "-")
	}
	if err := src.Validate(); err != nil {
		return Source{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sources[src.ID]; exists {
		return Source{}, fmt.Errorf("source %s already exists", src.ID)
	}
	s.sources[src.ID] = &src
	if err := s.saveLocked(); err != nil {
		delete(s.sources, src.ID)
		return Source{}, err
	}
	return src, nil
}

// Update replaces an existing source.
func (s *Store) Update(src Source) error {
	if err := src.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.sources[src.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, src.ID)
	}
	s.sources[src.ID] = &src
	if err := s.saveLocked(); err != nil {
		s.sources[src.ID] = prev
		return err
	}
	return nil
}

// Delete removes a source.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.sources[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.sources, id)
	if err := s.saveLocked(); err != nil {
		s.sources[id] = prev
		return err
	}
	return nil
}

func (s *Store) saveLocked() error {
	list := make([]*Source, 0, len(s.sources))
	for _, src := range s.sources {
		list = append(list, src)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("encode sources: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("write sources: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write sources: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("write sources: %w", err)
	}
	return nil
}
