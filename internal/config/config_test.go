package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PROBED_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SDBackend != "local" {
		t.Errorf("expected local backend, got %s", cfg.SDBackend)
	}
	if cfg.DatabaseDriver != "sqlite" {
		t.Errorf("expected sqlite driver, got %s", cfg.DatabaseDriver)
	}
	if cfg.WifiMaxSaved != 5 {
		t.Errorf("expected 5 saved networks, got %d", cfg.WifiMaxSaved)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "probed.yaml")
	yml := "listen_addr: \":8081\"\nsd_root: /srv/card\nwifi_scanner: static\nimage_exts: [\".jpg\"]\n"
	if err := os.WriteFile(path, []byte(yml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PROBED_CONFIG", path)
	t.Setenv("SD_ROOT", "/srv/override")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":8081" {
		t.Errorf("expected listen addr from file, got %s", cfg.ListenAddr)
	}
	if cfg.SDRoot != "/srv/override" {
		t.Errorf("expected env to win, got %s", cfg.SDRoot)
	}
	if cfg.WifiScanner != "static" {
		t.Errorf("expected static scanner, got %s", cfg.WifiScanner)
	}
	if len(cfg.ImageExts) != 1 || cfg.ImageExts[0] != ".jpg" {
		t.Errorf("unexpected image exts %v", cfg.ImageExts)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	t.Setenv("PROBED_CONFIG", filepath.Join(t.TempDir(), "nope.yaml"))
	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestEnvList(t *testing.T) {
	t.Setenv("IMAGE_EXTS", " .jpg, .png ,,")
	got := envList("IMAGE_EXTS", nil)
	if strings.Join(got, "|") != ".jpg|.png" {
		t.Errorf("unexpected list %v", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errSub string
	}{
		{"ok", func(*Config) {}, ""},
		{"postgres without url", func(c *Config) { c.DatabaseDriver = "postgres" }, "DATABASE_URL"},
		{"unknown driver", func(c *Config) { c.DatabaseDriver = "mysql" }, "unknown database driver"},
		{"unknown backend", func(c *Config) { c.SDBackend = "ftp" }, "unknown SD backend"},
		{"s3 without endpoint", func(c *Config) { c.SDBackend = "s3" }, "S3_ENDPOINT"},
		{"empty root", func(c *Config) { c.SDRoot = "" }, "SD_ROOT"},
		{"bad key", func(c *Config) { c.CredentialKey = "abcd" }, "CREDENTIAL_KEY"},
		{"password without secret", func(c *Config) { c.AdminPassword = "pw" }, "JWT_SECRET"},
		{"archive without s3", func(c *Config) { c.FirmwareArchive = true }, "FIRMWARE_ARCHIVE"},
		{"unknown scanner", func(c *Config) { c.WifiScanner = "iw" }, "unknown wifi scanner"},
		{"zero saved", func(c *Config) { c.WifiMaxSaved = 0 }, "WIFI_MAX_SAVED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errSub == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errSub) {
				t.Fatalf("expected error containing %q, got %v", tt.errSub, err)
			}
		})
	}
}

func TestStagingDir(t *testing.T) {
	cfg := Defaults()
	cfg.DataDir = "/var/lib/probed"
	if got := cfg.StagingDir(); got != "/var/lib/probed/firmware" {
		t.Errorf("unexpected staging dir %s", got)
	}
	cfg.FirmwareDir = "/tmp/fw"
	if got := cfg.StagingDir(); got != "/tmp/fw" {
		t.Errorf("unexpected staging dir %s", got)
	}
}
