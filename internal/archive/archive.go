// Package archive stores closed partitions as compressed blobs on
// local disk and restores them on demand. A blob is a zstd-compressed
// tar of the partition directory; a JSON sidecar carries the metadata
// needed for restore lookups without opening the blob.
package archive

import (
	"archive/tar"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"grepwise/internal/logging"
)

var (
	// ErrUnavailable is returned when a blob is missing or corrupt.
	ErrUnavailable = errors.New("archive unavailable")
	// ErrFull is returned when writing a blob would exceed the
	// configured archive size limit.
	ErrFull = errors.New("archive full")
)

const (
	blobSuffix = ".archive"
	metaSuffix = ".archive.meta.json"
)

// Config mirrors the archive settings.
type Config struct {
	Dir                  string `json:"archiveDir"`
	CompressionLevel     int    `json:"compressionLevel"`     // 1..9
	MaxArchiveSizeMB     int64  `json:"maxArchiveSizeMb"`     // 0 = unlimited
	ArchiveRetentionDays int    `json:"archiveRetentionDays"` // 0 = keep forever
	AutoArchiveEnabled   bool   `json:"autoArchiveEnabled"`
}

// Meta is the sidecar written next to each blob.
type Meta struct {
	Key              string    `json:"key"`
	EntryCount       int64     `json:"entryCount"`
	ByteCount        int64     `json:"byteCount"`
	ArchivedAt       time.Time `json:"archivedAt"`
	CompressionLevel int       `json:"compressionLevel"`
}

// Store manages the archive directory.
type Store struct {
	cfg    Config
	logger *slog.Logger
}

func NewStore(cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.CompressionLevel < 1 || cfg.CompressionLevel > 9 {
		return nil, fmt.Errorf("compression level %d out of range 1..9", cfg.CompressionLevel)
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &Store{
		cfg:    cfg,
		logger: logging.Default(logger).With("component", "archive"),
	}, nil
}

// zstdLevel maps the 1..9 config scale onto zstd's named levels.
func zstdLevel(level int) zstd.EncoderLevel {
	switch {
	case level <= 2:
		return zstd.SpeedFastest
	case level <= 5:
		return zstd.SpeedDefault
	case level <= 7:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}

func (s *Store) blobPath(key string) string {
	return filepath.Join(s.cfg.Dir, key+blobSuffix)
}

func (s *Store) metaPath(key string) string {
	return filepath.Join(s.cfg.Dir, key+metaSuffix)
}

// Archive compresses the partition directory into a blob and writes
// the sidecar. The blob goes through a temp file and rename; a crash
// never leaves a half-written blob under the final name.
func (s *Store) Archive(srcDir, key string, meta Meta) error {
	tmp := s.blobPath(key) + ".tmp"
	if err := s.writeBlob(srcDir, tmp); err != nil {
		os.Remove(tmp)
		return err
	}

	if s.cfg.MaxArchiveSizeMB > 0 {
		added, err := fileSize(tmp)
		if err != nil {
			os.Remove(tmp)
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		total, err := s.totalSize()
		if err != nil {
			os.Remove(tmp)
			return err
		}
		if total+added > s.cfg.MaxArchiveSizeMB<<20 {
			os.Remove(tmp)
			return fmt.Errorf("%w: %d bytes over limit", ErrFull, total+added-s.cfg.MaxArchiveSizeMB<<20)
		}
	}

	meta.Key = key
	meta.ArchivedAt = time.Now().UTC()
	meta.CompressionLevel = s.cfg.CompressionLevel
	metaData, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := os.WriteFile(s.metaPath(key), metaData, 0o644); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := os.Rename(tmp, s.blobPath(key)); err != nil {
		os.Remove(tmp)
		os.Remove(s.metaPath(key))
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	s.logger.Info("archived partition", "key", key, "entries", meta.EntryCount)
	return nil
}

func (s *Store) writeBlob(srcDir, dest string) error {
	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer out.Close()

	enc, err := zstd.NewWriter(out, zstd.WithEncoderLevel(zstdLevel(s.cfg.CompressionLevel)))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	tw := tar.NewWriter(enc)

	err = filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr := &tar.Header{
			Name:    filepath.ToSlash(rel),
			Mode:    0o644,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Restore unpacks the blob for key into destDir.
func (s *Store) Restore(key, destDir string) error {
	f, err := os.Open(s.blobPath(key))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer dec.Close()

	tr := tar.NewReader(dec)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		// Reject entries that would escape destDir.
		name := filepath.FromSlash(hdr.Name)
		if strings.Contains(name, "..") {
			return fmt.Errorf("%w: unsafe path %q", ErrUnavailable, hdr.Name)
		}
		path := filepath.Join(destDir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		out, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		out.Close()
	}
	s.logger.Info("restored partition", "key", key)
	return nil
}

// Delete removes the blob and sidecar for key.
func (s *Store) Delete(key string) error {
	if err := os.Remove(s.blobPath(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := os.Remove(s.metaPath(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// List returns the metadata of every archived partition.
func (s *Store) List() ([]Meta, error) {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var out []Meta
	for _, de := range entries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), metaSuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.cfg.Dir, de.Name()))
		if err != nil {
			s.logger.Warn("unreadable archive sidecar", "name", de.Name(), "error", err)
			continue
		}
		var meta Meta
		if err := json.Unmarshal(data, &meta); err != nil {
			s.logger.Warn("bad archive sidecar", "name", de.Name(), "error", err)
			continue
		}
		out = append(out, meta)
	}
	return out, nil
}

// Has reports whether a blob exists for key.
func (s *Store) Has(key string) bool {
	_, err := os.Stat(s.blobPath(key))
	return err == nil
}

// Sweep removes blobs archived before the retention horizon. Returns
// the removed keys.
func (s *Store) Sweep(now time.Time) ([]string, error) {
	if s.cfg.ArchiveRetentionDays <= 0 {
		return nil, nil
	}
	horizon := now.AddDate(0, 0, -s.cfg.ArchiveRetentionDays)
	metas, err := s.List()
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, m := range metas {
		if m.ArchivedAt.After(horizon) {
			continue
		}
		if err := s.Delete(m.Key); err != nil {
			s.logger.Warn("archive sweep delete failed", "key", m.Key, "error", err)
			continue
		}
		removed = append(removed, m.Key)
	}
	if len(removed) > 0 {
		s.logger.Info("archive sweep", "removed", len(removed))
	}
	return removed, nil
}

func (s *Store) totalSize() (int64, error) {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var total int64
	for _, de := range entries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), blobSuffix) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		total += info.Size()
	}
	return total, nil
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
