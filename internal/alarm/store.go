package alarm

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"grepwise/internal/logging"
)

// ErrNotFound reports an unknown alarm id.
var ErrNotFound = errors.New("alarm not found")

// Store persists alarms as a JSON list with atomic rewrites. All
// mutations go through the store so the file and memory never diverge.
type Store struct {
	path   string
	logger *slog.Logger

	mu     sync.Mutex
	alarms map[string]*Alarm
}

func NewStore(path string, logger *slog.Logger) *Store {
	return &Store{
		path:   path,
		logger: logging.Default(logger).With("component", "alarmstore"),
		alarms: make(map[string]*Alarm),
	}
}

// Load reads the alarm file. A missing file is an empty store.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read alarms: %w", err)
	}
	var list []*Alarm
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("parse alarms: %w", err)
	}
	s.alarms = make(map[string]*Alarm, len(list))
	for _, a := range list {
		s.alarms[a.ID] = a
	}
	s.logger.Info("loaded alarms", "count", len(list))
	return nil
}

// List returns all alarms ordered by name.
func (s *Store) List() []Alarm {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Alarm, 0, len(s.alarms))
	for _, a := range s.alarms {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns a copy of one alarm.
func (s *Store) Get(id string) (Alarm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alarms[id]
	if !ok {
		return Alarm{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return *a, nil
}

// Create validates and stores a new alarm, assigning an id when the
// caller did not.
func (s *Store) Create(a Alarm) (Alarm, error) {
	if a.ID == "" {
		a.ID = NewID()
	}
	if a.LastState == "" {
		a.LastState = StateOK
	}
	if err := a.Validate(); err != nil {
		return Alarm{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.alarms[a.ID]; exists {
		return Alarm{}, fmt.Errorf("alarm %s already exists", a.ID)
	}
	s.alarms[a.ID] = &a
	if err := s.saveLocked(); err != nil {
		delete(s.alarms, a.ID)
		return Alarm{}, err
	}
	return a, nil
}

// Update replaces an existing alarm.
func (s *Store) Update(a Alarm) error {
	if err := a.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.alarms[a.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, a.ID)
	}
	s.alarms[a.ID] = &a
	if err := s.saveLocked(); err != nil {
		s.alarms[a.ID] = prev
		return err
	}
	return nil
}

// Delete removes an alarm.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.alarms[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.alarms, id)
	if err := s.saveLocked(); err != nil {
		s.alarms[id] = prev
		return err
	}
	return nil
}

// UpdateState persists evaluation bookkeeping without revalidating the
// alarm definition.
func (s *Store) UpdateState(id string, mutate func(*Alarm)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alarms[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	mutate(a)
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	list := make([]*Alarm, 0, len(s.alarms))
	for _, a := range s.alarms {
		list = append(list, a)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("encode alarms: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("write alarms: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write alarms: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("write alarms: %w", err)
	}
	return nil
}
