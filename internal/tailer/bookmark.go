package tailer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// Bookmark records the read position of one tailed file. The inode
// distinguishes a rotated file that reuses the same path.
type Bookmark struct {
	Inode  uint64 `json:"inode"`
	Offset int64  `json:"offset"`
}

// BookmarkStore persists bookmarks keyed by path as a single JSON
// file, written atomically.
type BookmarkStore struct {
	path string
}

func NewBookmarkStore(path string) *BookmarkStore {
	return &BookmarkStore{path: path}
}

// Load reads the bookmark map. A missing file yields an empty map.
func (s *BookmarkStore) Load() (map[string]Bookmark, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]Bookmark{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read bookmarks: %w", err)
	}
	var out map[string]Bookmark
	if err := json.Unmarshal(data, &out); err != nil {
		// A mangled bookmark file only costs a re-read from zero.
		return map[string]Bookmark{}, nil
	}
	return out, nil
}

// Save writes the bookmark map through a temp file and rename.
func (s *BookmarkStore) Save(marks map[string]Bookmark) error {
	data, err := json.MarshalIndent(marks, "", "  ")
	if err != nil {
		return fmt.Errorf("encode bookmarks: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("write bookmarks: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write bookmarks: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write bookmarks: %w", err)
	}
	return nil
}

// inodeOf returns the file's inode, or 0 when the platform does not
// expose one.
func inodeOf(info os.FileInfo) uint64 {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return st.Ino
	}
	return 0
}
