// Package storage defines the Backend interface for the SD card and firmware
// staging areas and builds backends from configuration.
package storage

import (
	"context"
	"io"

	"github.com/smartprobe/probed/internal/storage/object"
)

// ObjectInfo describes one stored object.
type ObjectInfo = object.Info

// Usage is the capacity of the medium behind a backend.
type Usage = object.Usage

// Backend is the interface for content storage backends (local card mount,
// SMB share, S3 bucket). Missing objects are reported with errors that match
// fs.ErrNotExist.
type Backend interface {
	// GetObject retrieves an object by key with optional range support.
	// If offset=0 and length=0, the entire object is returned.
	GetObject(ctx context.Context, key string, offset, length int64) (io.ReadCloser, int64, error)

	// PutObject uploads content to the given key.
	PutObject(ctx context.Context, key string, body io.Reader, size int64) error

	// DeleteObject removes an object by key.
	DeleteObject(ctx context.Context, key string) error

	// StatObject returns the object's metadata.
	StatObject(ctx context.Context, key string) (ObjectInfo, error)

	// ListObjects returns the objects directly under prefix (no recursion).
	ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Usage reports total and free bytes of the medium.
	Usage(ctx context.Context) (Usage, error)

	// Type returns the backend type identifier ("local", "smb", "s3").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}
