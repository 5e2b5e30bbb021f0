package config

import (
	"errors"
	"path/filepath"
	"testing"

	"grepwise/internal/logging"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "log-sources.json")
	s := NewStore(path, logging.Discard())
	if err := s.Load(); err != nil {
		t.Fatal(err)
	}
	return s, path
}

func TestCreateAssignsIDAndName(t *testing.T) {
	s, _ := newTestStore(t)
	src, err := s.Create(Source{Type: SourceFile, Directory: "/var/log", Enabled: true})
	if err != nil {
		t.Fatal(err)
	}
	if src.ID == "" {
		t.Error("no id assigned")
	}
	if src.Name == "" {
		t.Error("no name generated")
	}
}

func TestCRUDPersists(t *testing.T) {
	s, path := newTestStore(t)
	src, err := s.Create(Source{
		Name:      "app logs",
		Type:      SourceFile,
		Directory: "/var/log/app",
		Pattern:   "*.log",
		Enabled:   true,
	})
	if err != nil {
		t.Fatal(err)
	}

	src.Pattern = "**/*.log"
	if err := s.Update(src); err != nil {
		t.Fatal(err)
	}

	reloaded := NewStore(path, logging.Discard())
	if err := reloaded.Load(); err != nil {
		t.Fatal(err)
	}
	got, err := reloaded.Get(src.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Pattern != "**/*.log" {
		t.Errorf("pattern = %q", got.Pattern)
	}

	if err := reloaded.Delete(src.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := reloaded.Get(src.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestValidation(t *testing.T) {
	s, _ := newTestStore(t)
	cases := []Source{
		{Name: "f", Type: SourceFile},                 // no directory
		{Name: "u", Type: SourceSyslogUDP},            // no listen addr
		{Name: "t", Type: SourceSyslogTCP},            // no listen addr
		{Name: "x", Type: "CARRIER_PIGEON"},           // unknown type
	}
	for _, src := range cases {
		if _, err := s.Create(src); err == nil {
			t.Errorf("%+v: invalid source accepted", src)
		}
	}
	if _, err := s.Create(Source{Name: "h", Type: SourceHTTP, Enabled: true}); err != nil {
		t.Errorf("HTTP source rejected: %v", err)
	}
}
