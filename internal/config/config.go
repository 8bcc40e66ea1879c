// Package config loads configuration from an optional YAML file and
// environment variables. Environment variables win over the file.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

// AppName is used for XDG directory paths.
const AppName = "probed"

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// DataDir holds the SQLite database, the generated credential key and
	// the default firmware staging area.
	DataDir string `yaml:"data_dir"`

	// Database ("sqlite" or "postgres"). DatabaseURL is required for postgres.
	DatabaseDriver string `yaml:"database_driver"`
	DatabaseURL    string `yaml:"database_url"`

	// SD card backend ("local", "smb" or "s3")
	SDBackend    string   `yaml:"sd_backend"`
	SDRoot       string   `yaml:"sd_root"`
	SMBServer    string   `yaml:"smb_server"`
	ImageExts    []string `yaml:"image_exts"`
	ThumbMaxSize int      `yaml:"thumb_max_size"`

	// S3 (used when SDBackend is "s3" and for the firmware archive)
	S3Endpoint      string `yaml:"s3_endpoint"`
	S3Bucket        string `yaml:"s3_bucket"`
	S3AccessKey     string `yaml:"s3_access_key"`
	S3SecretKey     string `yaml:"s3_secret_key"`
	S3Region        string `yaml:"s3_region"`
	S3CapacityBytes int64  `yaml:"s3_capacity_bytes"`

	// Firmware
	FirmwareDir        string `yaml:"firmware_dir"`
	MaxFirmwareSize    int64  `yaml:"max_firmware_size"`
	FirmwareCheckMagic bool   `yaml:"firmware_check_magic"`
	FirmwareApplyCmd   string `yaml:"firmware_apply_cmd"`
	RebootCmd          string `yaml:"reboot_cmd"`
	FirmwareArchive    bool   `yaml:"firmware_archive"`

	// Wi-Fi
	WifiScanner    string `yaml:"wifi_scanner"` // "nmcli" or "static"
	WifiInterface  string `yaml:"wifi_interface"`
	WifiConnectCmd string `yaml:"wifi_connect_cmd"`
	WifiMaxSaved   int    `yaml:"wifi_max_saved"`
	CredentialKey  string `yaml:"credential_key"` // hex, 32 bytes

	// Auth (optional; empty AdminPassword leaves the device open)
	AdminPassword string `yaml:"admin_password"`
	JWTSecret     string `yaml:"jwt_secret"`

	// RequestsPerMin limits mutating requests per client IP (0 = unlimited).
	RequestsPerMin int `yaml:"requests_per_min"`

	// WebappDir serves the pages from disk instead of the embedded copies.
	WebappDir string `yaml:"webapp_dir"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	dataDir := filepath.Join(xdg.DataHome, AppName)
	return &Config{
		ListenAddr:      ":80",
		MetricsAddr:     ":9090",
		LogLevel:        "info",
		LogFormat:       "json",
		DataDir:         dataDir,
		DatabaseDriver:  "sqlite",
		SDBackend:       "local",
		SDRoot:          "/mnt/sd",
		ImageExts:       []string{".jpg", ".jpeg", ".png", ".bmp", ".gif"},
		ThumbMaxSize:    320,
		S3Region:        "us-east-1",
		S3Bucket:        "probed",
		MaxFirmwareSize: 16 * 1024 * 1024,
		WifiScanner:     "nmcli",
		WifiMaxSaved:    5,
		RequestsPerMin:  0,
	}
}

// Load builds the configuration from defaults, the YAML file named by
// PROBED_CONFIG (or the XDG config file if present), then the environment.
func Load() (*Config, error) {
	cfg := Defaults()

	path := os.Getenv("PROBED_CONFIG")
	explicit := path != ""
	if !explicit {
		if found, err := xdg.SearchConfigFile(filepath.Join(AppName, "config.yaml")); err == nil {
			path = found
		}
	}
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			if explicit || !errors.Is(err, os.ErrNotExist) {
				return nil, err
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile overlays values from a YAML file onto cfg.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.ListenAddr = envOr("LISTEN_ADDR", c.ListenAddr)
	c.MetricsAddr = envOr("METRICS_ADDR", c.MetricsAddr)
	c.LogLevel = envOr("LOG_LEVEL", c.LogLevel)
	c.LogFormat = envOr("LOG_FORMAT", c.LogFormat)
	c.DataDir = envOr("DATA_DIR", c.DataDir)
	c.DatabaseDriver = envOr("DATABASE_DRIVER", c.DatabaseDriver)
	c.DatabaseURL = envOr("DATABASE_URL", c.DatabaseURL)
	c.SDBackend = envOr("SD_BACKEND", c.SDBackend)
	c.SDRoot = envOr("SD_ROOT", c.SDRoot)
	c.SMBServer = envOr("SMB_SERVER", c.SMBServer)
	c.ImageExts = envList("IMAGE_EXTS", c.ImageExts)
	c.ThumbMaxSize = envInt("THUMB_MAX_SIZE", c.ThumbMaxSize)
	c.S3Endpoint = envOr("S3_ENDPOINT", c.S3Endpoint)
	c.S3Bucket = envOr("S3_BUCKET", c.S3Bucket)
	c.S3AccessKey = envOr("S3_ACCESS_KEY", c.S3AccessKey)
	c.S3SecretKey = envOr("S3_SECRET_KEY", c.S3SecretKey)
	c.S3Region = envOr("S3_REGION", c.S3Region)
	c.S3CapacityBytes = envInt64("S3_CAPACITY_BYTES", c.S3CapacityBytes)
	c.FirmwareDir = envOr("FIRMWARE_DIR", c.FirmwareDir)
	c.MaxFirmwareSize = envInt64("MAX_FIRMWARE_SIZE", c.MaxFirmwareSize)
	c.FirmwareCheckMagic = envBool("FIRMWARE_CHECK_MAGIC", c.FirmwareCheckMagic)
	c.FirmwareApplyCmd = envOr("FIRMWARE_APPLY_CMD", c.FirmwareApplyCmd)
	c.RebootCmd = envOr("REBOOT_CMD", c.RebootCmd)
	c.FirmwareArchive = envBool("FIRMWARE_ARCHIVE", c.FirmwareArchive)
	c.WifiScanner = envOr("WIFI_SCANNER", c.WifiScanner)
	c.WifiInterface = envOr("WIFI_INTERFACE", c.WifiInterface)
	c.WifiConnectCmd = envOr("WIFI_CONNECT_CMD", c.WifiConnectCmd)
	c.WifiMaxSaved = envInt("WIFI_MAX_SAVED", c.WifiMaxSaved)
	c.CredentialKey = envOr("CREDENTIAL_KEY", c.CredentialKey)
	c.AdminPassword = envOr("ADMIN_PASSWORD", c.AdminPassword)
	c.JWTSecret = envOr("JWT_SECRET", c.JWTSecret)
	c.RequestsPerMin = envInt("REQUESTS_PER_MINUTE", c.RequestsPerMin)
	c.WebappDir = envOr("WEBAPP_DIR", c.WebappDir)
}

// Validate checks for inconsistent settings.
func (c *Config) Validate() error {
	switch c.DatabaseDriver {
	case "sqlite":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown database driver: %s", c.DatabaseDriver)
	}

	switch c.SDBackend {
	case "local", "smb":
		if c.SDRoot == "" {
			return fmt.Errorf("SD_ROOT is required for the %s backend", c.SDBackend)
		}
	case "s3":
		if c.S3Endpoint == "" || c.S3Bucket == "" {
			return fmt.Errorf("S3_ENDPOINT and S3_BUCKET are required for the s3 backend")
		}
	default:
		return fmt.Errorf("unknown SD backend: %s", c.SDBackend)
	}

	if c.FirmwareArchive && (c.S3Endpoint == "" || c.S3Bucket == "") {
		return fmt.Errorf("FIRMWARE_ARCHIVE requires S3_ENDPOINT and S3_BUCKET")
	}

	switch c.WifiScanner {
	case "nmcli", "static":
	default:
		return fmt.Errorf("unknown wifi scanner: %s", c.WifiScanner)
	}

	if c.CredentialKey != "" {
		key, err := hex.DecodeString(c.CredentialKey)
		if err != nil || len(key) != 32 {
			return fmt.Errorf("CREDENTIAL_KEY must be 64 hex characters")
		}
	}
	if c.AdminPassword != "" && c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required when ADMIN_PASSWORD is set")
	}
	if c.MaxFirmwareSize <= 0 {
		return fmt.Errorf("MAX_FIRMWARE_SIZE must be positive")
	}
	if c.WifiMaxSaved <= 0 {
		return fmt.Errorf("WIFI_MAX_SAVED must be positive")
	}
	if c.ThumbMaxSize <= 0 {
		return fmt.Errorf("THUMB_MAX_SIZE must be positive")
	}
	return nil
}

// StagingDir returns the directory firmware images are staged in.
func (c *Config) StagingDir() string {
	if c.FirmwareDir != "" {
		return c.FirmwareDir
	}
	return filepath.Join(c.DataDir, "firmware")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

// envList parses a comma-separated list, e.g. ".jpg,.png".
func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
