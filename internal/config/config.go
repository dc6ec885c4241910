// Package config provides configuration for the ESLite server and tools.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Archive types.
const (
	ArchiveNone  = "none"
	ArchiveLocal = "local"
	ArchiveS3    = "s3"
)

// Config holds the configuration of an ESLite instance.
type Config struct {
	// DataDir is the base directory for all data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// Database configuration
	Database DatabaseConfig `json:"database" yaml:"database"`

	// HTTP configuration
	HTTP HTTPConfig `json:"http" yaml:"http"`

	// gRPC configuration
	GRPC GRPCConfig `json:"grpc" yaml:"grpc"`

	// Sync behavior
	Sync SyncConfig `json:"sync" yaml:"sync"`

	// TTL sweeping
	TTL TTLConfig `json:"ttl" yaml:"ttl"`

	// Snapshot archive
	Archive ArchiveConfig `json:"archive" yaml:"archive"`
}

// DatabaseConfig holds the local store configuration.
type DatabaseConfig struct {
	// Path is the SQLite file; ":memory:" keeps everything in memory
	Path string `json:"path" yaml:"path"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	// Addr is the HTTP listen address
	Addr string `json:"addr" yaml:"addr"`

	// ReadTimeout is the HTTP read timeout
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout is the HTTP write timeout
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`

	// IdleTimeout is the HTTP idle timeout
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`

	// MaxBodyBytes caps snapshot and request bodies
	MaxBodyBytes int64 `json:"max_body_bytes" yaml:"max_body_bytes"`
}

// GRPCConfig holds gRPC server configuration.
type GRPCConfig struct {
	// Addr is the gRPC server address
	Addr string `json:"addr" yaml:"addr"`

	// Enabled controls whether gRPC is enabled
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// SyncConfig controls snapshot handling and read trust.
type SyncConfig struct {
	// CompressSnapshots compresses snapshots produced by this instance
	CompressSnapshots bool `json:"compress_snapshots" yaml:"compress_snapshots"`

	// RequireTrustedReads refuses queries on tables that are not Synced or Paused
	RequireTrustedReads bool `json:"require_trusted_reads" yaml:"require_trusted_reads"`
}

// TTLConfig controls the expired-row sweeper.
type TTLConfig struct {
	// Enabled starts the sweeper with the server
	Enabled bool `json:"enabled" yaml:"enabled"`

	// DefaultInterval is how often the sweeper wakes up to look for due tables
	DefaultInterval time.Duration `json:"default_interval" yaml:"default_interval"`
}

// ArchiveConfig holds snapshot archive configuration.
type ArchiveConfig struct {
	// Type is the archive type: none, local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local archive path (for local type)
	Path string `json:"path" yaml:"path"`

	// KeepSnapshots is how many snapshots per table are retained
	KeepSnapshots int `json:"keep_snapshots" yaml:"keep_snapshots"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// UsePathStyle enables path-style addressing (MinIO)
	UsePathStyle bool `json:"use_path_style" yaml:"use_path_style"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/eslite",
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
			MaxBodyBytes: 64 << 20,
		},
		GRPC: GRPCConfig{
			Addr:    ":9090",
			Enabled: true,
		},
		Sync: SyncConfig{
			CompressSnapshots:   true,
			RequireTrustedReads: true,
		},
		TTL: TTLConfig{
			Enabled:         true,
			DefaultInterval: time.Second,
		},
		Archive: ArchiveConfig{
			Type:          ArchiveNone,
			KeepSnapshots: 3,
		},
	}
}

// Resolve fills paths derived from DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/eslite"
	}
	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(c.DataDir, "eslite.db")
	}
	if c.Archive.Type == "" {
		c.Archive.Type = ArchiveNone
	}
	if c.Archive.Type == ArchiveLocal && c.Archive.Path == "" {
		c.Archive.Path = filepath.Join(c.DataDir, "archive")
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	switch c.Archive.Type {
	case ArchiveNone, ArchiveLocal, ArchiveS3:
	default:
		return fmt.Errorf("invalid archive type: %s (must be none, local, or s3)", c.Archive.Type)
	}
	if c.Archive.Type == ArchiveS3 && c.Archive.S3.Bucket == "" {
		return fmt.Errorf("archive.s3.bucket is required when archive type is s3")
	}
	if c.Archive.Type != ArchiveNone && c.Archive.KeepSnapshots < 1 {
		return fmt.Errorf("archive.keep_snapshots must be at least 1, got %d", c.Archive.KeepSnapshots)
	}

	if c.TTL.Enabled && c.TTL.DefaultInterval <= 0 {
		return fmt.Errorf("ttl.default_interval must be positive when ttl is enabled")
	}
	if c.HTTP.Addr == "" && !c.GRPC.Enabled {
		return fmt.Errorf("at least one of http.addr or grpc.enabled is required")
	}
	if c.GRPC.Enabled && c.GRPC.Addr == "" {
		return fmt.Errorf("grpc.addr is required when grpc is enabled")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the ESLITE_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("ESLITE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("ESLITE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// HTTP configuration
	if v := os.Getenv("ESLITE_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("ESLITE_HTTP_MAX_BODY_BYTES"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.HTTP.MaxBodyBytes)
	}

	// gRPC configuration
	if v := os.Getenv("ESLITE_GRPC_ADDR"); v != "" {
		cfg.GRPC.Addr = v
	}
	if v := os.Getenv("ESLITE_GRPC_ENABLED"); v != "" {
		cfg.GRPC.Enabled = parseBool(v)
	}

	// Sync configuration
	if v := os.Getenv("ESLITE_SYNC_COMPRESS_SNAPSHOTS"); v != "" {
		cfg.Sync.CompressSnapshots = parseBool(v)
	}
	if v := os.Getenv("ESLITE_SYNC_REQUIRE_TRUSTED_READS"); v != "" {
		cfg.Sync.RequireTrustedReads = parseBool(v)
	}

	// TTL configuration
	if v := os.Getenv("ESLITE_TTL_ENABLED"); v != "" {
		cfg.TTL.Enabled = parseBool(v)
	}
	if v := os.Getenv("ESLITE_TTL_DEFAULT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.TTL.DefaultInterval = d
		}
	}

	// Archive configuration
	if v := os.Getenv("ESLITE_ARCHIVE_TYPE"); v != "" {
		cfg.Archive.Type = v
	}
	if v := os.Getenv("ESLITE_ARCHIVE_PATH"); v != "" {
		cfg.Archive.Path = v
	}
	if v := os.Getenv("ESLITE_ARCHIVE_KEEP_SNAPSHOTS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Archive.KeepSnapshots)
	}
	if v := os.Getenv("ESLITE_S3_BUCKET"); v != "" {
		cfg.Archive.S3.Bucket = v
	}
	if v := os.Getenv("ESLITE_S3_REGION"); v != "" {
		cfg.Archive.S3.Region = v
	}
	if v := os.Getenv("ESLITE_S3_ENDPOINT"); v != "" {
		cfg.Archive.S3.Endpoint = v
	}
	if v := os.Getenv("ESLITE_S3_USE_PATH_STYLE"); v != "" {
		cfg.Archive.S3.UsePathStyle = parseBool(v)
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir}
	if c.Database.Path != "" && c.Database.Path != ":memory:" {
		dirs = append(dirs, filepath.Dir(c.Database.Path))
	}
	if c.Archive.Type == ArchiveLocal {
		dirs = append(dirs, c.Archive.Path)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

func parseBool(v string) bool {
	return v == "true" || v == "1"
}
