// Package config loads the server configuration from an optional YAML file
// overridden by environment variables.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/go-units"
	"github.com/mdouchement/chunkvault/internal/storage"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Storage drivers.
const (
	DriverFileSystem = "fs"
	DriverMinio      = "minio"
)

const dbname = "chunkvault.db"

// A Config holds the server settings.
type Config struct {
	DatabasePath  string              `yaml:"database_path"`
	StorageDriver string              `yaml:"storage_driver"`
	StoragePath   string              `yaml:"storage_path"`
	Minio         storage.MinioConfig `yaml:"minio"`
	ClampWindow   string              `yaml:"clamp_window"`
	MaxChunkSize  string              `yaml:"max_chunk_size"`
	AuditSchedule string              `yaml:"audit_schedule"`
	LogLevel      string              `yaml:"log_level"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		DatabasePath:  dbname,
		StorageDriver: DriverFileSystem,
		StoragePath:   "storage",
		ClampWindow:   "10MiB",
		MaxChunkSize:  "64MiB",
		AuditSchedule: "@every 1h",
		LogLevel:      "info",
	}
}

// Load reads the given YAML file, if any, then applies the environment overrides.
func Load(filename string) (*Config, error) {
	c := Default()

	if filename != "" {
		payload, err := os.ReadFile(filename)
		if err != nil {
			return nil, errors.Wrap(err, "could not read configuration")
		}

		if err = yaml.Unmarshal(payload, c); err != nil {
			return nil, errors.Wrap(err, "could not parse configuration")
		}
	}

	c.env()
	return c, c.Validate()
}

func (c *Config) env() {
	// DATABASE_PATH is a directory, as it always was for the init and reindex commands.
	if p := os.Getenv("DATABASE_PATH"); p != "" {
		c.DatabasePath = filepath.Join(p, dbname)
	}

	override(&c.StorageDriver, "STORAGE_DRIVER")
	override(&c.StoragePath, "STORAGE_PATH")
	override(&c.ClampWindow, "CLAMP_WINDOW")
	override(&c.MaxChunkSize, "MAX_CHUNK_SIZE")
	override(&c.AuditSchedule, "AUDIT_SCHEDULE")
	override(&c.LogLevel, "LOG_LEVEL")

	override(&c.Minio.Endpoint, "MINIO_ENDPOINT")
	override(&c.Minio.Region, "MINIO_REGION")
	override(&c.Minio.Bucket, "MINIO_BUCKET")
	override(&c.Minio.Prefix, "MINIO_PREFIX")
	override(&c.Minio.AccessKey, "MINIO_ACCESS_KEY")
	override(&c.Minio.SecretKey, "MINIO_SECRET_KEY")
	boolean(&c.Minio.UseSSL, "MINIO_USE_SSL")
	boolean(&c.Minio.PathStyle, "MINIO_PATH_STYLE")
}

// Validate checks the configuration consistency.
func (c *Config) Validate() error {
	switch c.StorageDriver {
	case DriverFileSystem:
		if c.StoragePath == "" {
			return errors.New("storage_path is required by the fs driver")
		}
	case DriverMinio:
		if c.Minio.Endpoint == "" || c.Minio.Bucket == "" {
			return errors.New("minio.endpoint and minio.bucket are required by the minio driver")
		}
	default:
		return errors.Errorf("unknown storage driver %q", c.StorageDriver)
	}

	if _, err := c.Window(); err != nil {
		return err
	}
	if _, err := c.ChunkSizeLimit(); err != nil {
		return err
	}
	return nil
}

// Window returns the maximum number of bytes served by a ranged response.
func (c *Config) Window() (int64, error) {
	return size("clamp_window", c.ClampWindow)
}

// ChunkSizeLimit returns the maximum accepted chunk payload size.
func (c *Config) ChunkSizeLimit() (int64, error) {
	return size("max_chunk_size", c.MaxChunkSize)
}

// Storage instantiates the configured payload backend.
func (c *Config) Storage() (storage.Backend, error) {
	if c.StorageDriver == DriverMinio {
		return storage.NewMinio(c.Minio)
	}
	return storage.NewFileSystem(c.StoragePath), nil
}

func size(name, value string) (int64, error) {
	n, err := units.RAMInBytes(strings.TrimSpace(value))
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s", name)
	}
	if n <= 0 {
		return 0, errors.Errorf("%s must be positive", name)
	}
	return n, nil
}

func override(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func boolean(dst *bool, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v == "true" || v == "1"
	}
}
