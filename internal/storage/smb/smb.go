// Package smb provides a storage backend for an SD card exported over an
// SMB/CIFS share. The share must be pre-mounted on the OS (mount.cifs or
// fstab); I/O goes through the local backend at the mount path.
package smb

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/smartprobe/probed/internal/storage/local"
	"github.com/smartprobe/probed/internal/storage/object"
)

// Config holds SMB backend settings. Server is informational; MountPath is
// where the share is mounted.
type Config struct {
	Server    string `json:"server"`
	MountPath string `json:"mount_path"`
}

// SMBBackend wraps a LocalBackend at the SMB mount point.
type SMBBackend struct {
	*local.LocalBackend
	config Config
}

// New creates a new SMB backend. The mount path must already exist: creating
// it would hide an unmounted share behind an empty local directory.
func New(cfg Config) (*SMBBackend, error) {
	if cfg.MountPath == "" {
		return nil, fmt.Errorf("mount_path is required")
	}

	lb, err := local.New(local.Config{RootPath: cfg.MountPath})
	if err != nil {
		return nil, fmt.Errorf("smb backend at %s: %w", cfg.MountPath, err)
	}
	return &SMBBackend{LocalBackend: lb, config: cfg}, nil
}

// NewFromJSON creates an SMBBackend from raw JSON config.
func NewFromJSON(raw json.RawMessage) (*SMBBackend, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse smb config: %w", err)
	}
	return New(cfg)
}

// Usage reports the share's capacity as seen through the mount.
func (b *SMBBackend) Usage(ctx context.Context) (object.Usage, error) {
	u, err := b.LocalBackend.Usage(ctx)
	if err != nil {
		return object.Usage{}, fmt.Errorf("smb %s: %w", b.config.Server, err)
	}
	return u, nil
}

// Type returns "smb".
func (b *SMBBackend) Type() string { return "smb" }
