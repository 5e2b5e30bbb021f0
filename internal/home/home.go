// Package home manages the GrepWise home directory layout.
//
// The home directory owns all persistent configuration and runtime
// state that is not index data:
//
//	<root>/
//	  config/
//	    redaction.json      (redaction groups)
//	    log-sources.json    (configured sources)
//	    alarms.json         (alarm definitions + state)
//	  index/
//	    partitions/<key>/   (partition record logs)
//	  archive/
//	    <key>.archive{,.meta.json}
//	  state/
//	    tail/<source>.json  (tailer bookmarks)
package home

import (
	"fmt"
	"os"
	"path/filepath"
)

// Dir represents a GrepWise home directory.
type Dir struct {
	root string
}

// New creates a Dir with an explicit root path.
func New(root string) Dir {
	return Dir{root: root}
}

// Default returns ~/.GrepWise.
func Default() (Dir, error) {
	base, err := os.UserHomeDir()
	if err != nil {
		return Dir{}, fmt.Errorf("determine home directory: %w", err)
	}
	return Dir{root: filepath.Join(base, ".GrepWise")}, nil
}

func (d Dir) Root() string      { return d.root }
func (d Dir) ConfigDir() string { return filepath.Join(d.root, "config") }

func (d Dir) RedactionPath() string { return filepath.Join(d.ConfigDir(), "redaction.json") }
func (d Dir) SourcesPath() string   { return filepath.Join(d.ConfigDir(), "log-sources.json") }
func (d Dir) AlarmsPath() string    { return filepath.Join(d.ConfigDir(), "alarms.json") }

// IndexRoot is the partition manager's root directory.
func (d Dir) IndexRoot() string { return filepath.Join(d.root, "index") }

// ArchiveDir holds compressed partition blobs.
func (d Dir) ArchiveDir() string { return filepath.Join(d.root, "archive") }

// TailStateDir holds per-source tailer bookmarks.
func (d Dir) TailStateDir() string { return filepath.Join(d.root, "state", "tail") }

// BookmarkPath returns the bookmark file for one tailed source.
func (d Dir) BookmarkPath(sourceID string) string {
	return filepath.Join(d.TailStateDir(), sourceID+".json")
}

// EnsureExists creates the directory tree.
func (d Dir) EnsureExists() error {
	for _, dir := range []string{d.ConfigDir(), d.IndexRoot(), d.ArchiveDir(), d.TailStateDir()} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create home directory %s: %w", dir, err)
		}
	}
	return nil
}
