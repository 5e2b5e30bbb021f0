package home

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLayout(t *testing.T) {
	d := New("/data/gw")
	cases := []struct {
		got  string
		want string
	}{
		{d.Root(), "/data/gw"},
		{d.RedactionPath(), "/data/gw/config/redaction.json"},
		{d.SourcesPath(), "/data/gw/config/log-sources.json"},
		{d.AlarmsPath(), "/data/gw/config/alarms.json"},
		{d.IndexRoot(), "/data/gw/index"},
		{d.ArchiveDir(), "/data/gw/archive"},
		{d.BookmarkPath("src1"), "/data/gw/state/tail/src1.json"},
	}
	for _, c := range cases {
		if c.got != filepath.FromSlash(c.want) {
			t.Errorf("got %q, want %q", c.got, c.want)
		}
	}
}

func TestEnsureExists(t *testing.T) {
	d := New(filepath.Join(t.TempDir(), "gw"))
	if err := d.EnsureExists(); err != nil {
		t.Fatal(err)
	}
	for _, dir := range []string{d.ConfigDir(), d.IndexRoot(), d.ArchiveDir(), d.TailStateDir()} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("stat %s: %v", dir, err)
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", dir)
		}
	}
}
