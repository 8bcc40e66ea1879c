package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/smartprobe/probed/internal/config"
	"github.com/smartprobe/probed/internal/storage/local"
	s3backend "github.com/smartprobe/probed/internal/storage/s3"
	"github.com/smartprobe/probed/internal/storage/smb"
)

// NewBackendFromConfig creates a Backend from a backend type string and JSON config.
func NewBackendFromConfig(ctx context.Context, backendType string, raw json.RawMessage) (Backend, error) {
	var (
		b   Backend
		err error
	)
	switch backendType {
	case "s3":
		var sb *s3backend.S3Backend
		sb, err = s3backend.NewBackendFromJSON(ctx, raw)
		b = sb
	case "local":
		var lb *local.LocalBackend
		lb, err = local.NewFromJSON(raw)
		b = lb
	case "smb":
		var mb *smb.SMBBackend
		mb, err = smb.NewFromJSON(raw)
		b = mb
	default:
		return nil, fmt.Errorf("unknown backend type: %s", backendType)
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// NewCardBackend opens the backend holding the card's images.
func NewCardBackend(ctx context.Context, cfg *config.Config) (Backend, error) {
	var v any
	switch cfg.SDBackend {
	case "local":
		v = local.Config{RootPath: cfg.SDRoot}
	case "smb":
		v = smb.Config{Server: cfg.SMBServer, MountPath: cfg.SDRoot}
	case "s3":
		v = s3Config(cfg, "")
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.SDBackend)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s config: %w", cfg.SDBackend, err)
	}
	return NewBackendFromConfig(ctx, cfg.SDBackend, raw)
}

// NewStagingBackend opens the local directory firmware images are staged in.
func NewStagingBackend(cfg *config.Config) (Backend, error) {
	b, err := local.New(local.Config{RootPath: cfg.StagingDir(), CreateDirs: true})
	if err != nil {
		return nil, err
	}
	return b, nil
}

// NewArchiveBackend opens the bucket prefix applied firmware images are
// copied to. It returns nil when archiving is disabled.
func NewArchiveBackend(ctx context.Context, cfg *config.Config) (Backend, error) {
	if !cfg.FirmwareArchive {
		return nil, nil
	}
	b, err := s3backend.NewBackend(ctx, s3Config(cfg, "firmware-archive"))
	if err != nil {
		return nil, err
	}
	return b, nil
}

func s3Config(cfg *config.Config, prefix string) s3backend.BackendConfig {
	return s3backend.BackendConfig{
		Endpoint:      cfg.S3Endpoint,
		Bucket:        cfg.S3Bucket,
		Prefix:        prefix,
		AccessKey:     cfg.S3AccessKey,
		SecretKey:     cfg.S3SecretKey,
		Region:        cfg.S3Region,
		CapacityBytes: cfg.S3CapacityBytes,
	}
}
