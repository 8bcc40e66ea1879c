// Package local provides a storage backend over a mounted directory, such as
// the SD card mount point or the firmware staging directory.
package local

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/smartprobe/probed/internal/storage/object"
)

// Config holds local filesystem backend settings.
type Config struct {
	RootPath   string `json:"root_path"`
	CreateDirs bool   `json:"create_dirs"`
}

// LocalBackend implements storage.Backend using the local filesystem.
type LocalBackend struct {
	rootPath   string
	createDirs bool
}

// New creates a new local filesystem backend.
func New(cfg Config) (*LocalBackend, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root_path is required")
	}

	info, err := os.Stat(cfg.RootPath)
	switch {
	case err == nil && !info.IsDir():
		return nil, fmt.Errorf("root path %s is not a directory", cfg.RootPath)
	case err == nil:
	case os.IsNotExist(err) && cfg.CreateDirs:
		if mkErr := os.MkdirAll(cfg.RootPath, 0o755); mkErr != nil {
			return nil, fmt.Errorf("create root path %s: %w", cfg.RootPath, mkErr)
		}
	default:
		return nil, fmt.Errorf("stat root path %s: %w", cfg.RootPath, err)
	}

	root, err := filepath.Abs(cfg.RootPath)
	if err != nil {
		return nil, fmt.Errorf("resolve root path %s: %w", cfg.RootPath, err)
	}
	return &LocalBackend{rootPath: root, createDirs: cfg.CreateDirs}, nil
}

// NewFromJSON creates a LocalBackend from raw JSON config.
func NewFromJSON(raw json.RawMessage) (*LocalBackend, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse local config: %w", err)
	}
	return New(cfg)
}

// Root returns the absolute root directory.
func (b *LocalBackend) Root() string { return b.rootPath }

// fullPath maps a slash-separated key under the root. Keys that would escape
// the root are rejected.
func (b *LocalBackend) fullPath(key string) (string, error) {
	p := filepath.Join(b.rootPath, filepath.FromSlash(key))
	if p != b.rootPath && !strings.HasPrefix(p, b.rootPath+string(filepath.Separator)) {
		return "", fmt.Errorf("key %q escapes root: %w", key, fs.ErrInvalid)
	}
	return p, nil
}

// regularFile returns the Lstat info of key's path. Symlinks, directories
// and devices are reported as missing so nothing outside the listing can be
// reached through them.
func regularFile(path, key string) (fs.FileInfo, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", key, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("stat %s: not a regular file: %w", key, fs.ErrNotExist)
	}
	return info, nil
}

// GetObject reads a regular file with range support. Without a range the
// returned reader is the *os.File itself and can be seeked.
func (b *LocalBackend) GetObject(_ context.Context, key string, offset, length int64) (io.ReadCloser, int64, error) {
	path, err := b.fullPath(key)
	if err != nil {
		return nil, 0, err
	}
	linfo, err := regularFile(path, key)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open %s: %w", key, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat %s: %w", key, err)
	}
	// Swapped for a link between Lstat and Open.
	if !os.SameFile(linfo, info) {
		f.Close()
		return nil, 0, fmt.Errorf("open %s: file changed: %w", key, fs.ErrNotExist)
	}

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, 0, fmt.Errorf("seek %s: %w", key, err)
		}
	}

	if length > 0 {
		return &limitedReadCloser{Reader: io.LimitReader(f, length), Closer: f}, length, nil
	}

	remaining := info.Size() - offset
	if remaining < 0 {
		remaining = 0
	}
	return f, remaining, nil
}

// PutObject writes content atomically via a temp file and rename.
func (b *LocalBackend) PutObject(_ context.Context, key string, body io.Reader, size int64) error {
	path, err := b.fullPath(key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)

	if b.createDirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create dirs for %s: %w", key, err)
		}
	}

	tmp, err := os.CreateTemp(dir, ".probed-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", key, err)
	}
	tmpName := tmp.Name()

	n, err := io.Copy(tmp, body)
	if err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", key, err)
	}
	if size >= 0 && n != size {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: short body (%d of %d bytes)", key, n, size)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp for %s: %w", key, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp to %s: %w", key, err)
	}
	return nil
}

// DeleteObject removes a file. Deleting a missing file is not an error.
func (b *LocalBackend) DeleteObject(_ context.Context, key string) error {
	path, err := b.fullPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// StatObject returns size and modification time of a regular file.
// Symlinks are not followed.
func (b *LocalBackend) StatObject(_ context.Context, key string) (object.Info, error) {
	path, err := b.fullPath(key)
	if err != nil {
		return object.Info{}, err
	}
	info, err := regularFile(path, key)
	if err != nil {
		return object.Info{}, err
	}
	return object.Info{Key: key, Size: info.Size(), ModTime: info.ModTime()}, nil
}

// ListObjects lists regular files directly inside prefix. Hidden files and
// the backend's own temp files are skipped.
func (b *LocalBackend) ListObjects(_ context.Context, prefix string) ([]object.Info, error) {
	dir, err := b.fullPath(prefix)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []object.Info{}, nil
		}
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}

	out := make([]object.Info, 0, len(entries))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") || !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		key := e.Name()
		if p := strings.Trim(prefix, "/"); p != "" {
			key = p + "/" + key
		}
		out = append(out, object.Info{Key: key, Size: info.Size(), ModTime: info.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Usage reports capacity of the filesystem holding the root.
func (b *LocalBackend) Usage(_ context.Context) (object.Usage, error) {
	total, free, err := diskUsage(b.rootPath)
	if err != nil {
		return object.Usage{}, fmt.Errorf("disk usage %s: %w", b.rootPath, err)
	}
	return object.Usage{Total: total, Free: free}, nil
}

// Type returns "local".
func (b *LocalBackend) Type() string { return "local" }

// Close is a no-op for local backends.
func (b *LocalBackend) Close() error { return nil }

// limitedReadCloser wraps a LimitReader with a separate Closer.
type limitedReadCloser struct {
	io.Reader
	io.Closer
}
