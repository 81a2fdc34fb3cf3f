/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config loads the core's configuration from a YAML file, with
// environment variable overrides applied afterwards (see spec.md §6.4 for
// the canonical environment variable names).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig controls the sync HTTP boundary (C6).
type ServerConfig struct {
	SyncPort     string `yaml:"sync_port"`
	MetricsPort  string `yaml:"metrics_port"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
}

// StorageConfig selects and configures the committed-store backend.
type StorageConfig struct {
	Backend string `yaml:"backend"` // "postgres" or "memory"
	DSN     string `yaml:"dsn"`
}

// StagingConfig controls where ingest (C4) persists in-flight packages.
type StagingConfig struct {
	Dir           string `yaml:"dir"`
	QuarantineDir string `yaml:"quarantine_dir"`
}

// ValidationConfig carries the regional bounding box used by C3's
// coordinate-range warnings.
type ValidationConfig struct {
	RegionMinLat float64 `yaml:"region_min_lat"`
	RegionMinLng float64 `yaml:"region_min_lng"`
	RegionMaxLat float64 `yaml:"region_max_lat"`
	RegionMaxLng float64 `yaml:"region_max_lng"`
}

// IngestConfig controls the schema/vocabulary gating stages of C4.
type IngestConfig struct {
	SupportedSchemaVersions []string       `yaml:"supported_schema_versions"`
	VocabMajorMin           int            `yaml:"vocab_major_min"`
	VocabMajorMax           int            `yaml:"vocab_major_max"`
	AuthSecret              string         `yaml:"auth_secret"`
	TokenTTL                time.Duration  `yaml:"-"`
	TokenTTLRaw             string         `yaml:"token_ttl"`
}

// LoggingConfig mirrors the teacher's logging section: level plus format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the root configuration value returned by Load.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Staging    StagingConfig    `yaml:"staging"`
	Validation ValidationConfig `yaml:"validation"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Logging    LoggingConfig    `yaml:"logging"`
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			SyncPort:     "5890",
			MetricsPort:  "9090",
			MaxBodyBytes: 100 * 1024 * 1024,
		},
		Storage: StorageConfig{
			Backend: "memory",
		},
		Staging: StagingConfig{
			Dir:           "data/staging",
			QuarantineDir: "data/quarantine",
		},
		Validation: ValidationConfig{
			RegionMinLat: 30.0,
			RegionMinLng: 35.0,
			RegionMaxLat: 38.0,
			RegionMaxLng: 43.0,
		},
		Ingest: IngestConfig{
			SupportedSchemaVersions: []string{"1.0.0", "1.0.1", "1.1.0"},
			VocabMajorMin:           1,
			VocabMajorMax:           1,
			TokenTTLRaw:             "24h",
			TokenTTL:                24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the YAML file at path, merges it over the defaults, applies
// environment overrides, validates the result, and returns it.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if cfg.Ingest.TokenTTLRaw != "" {
		d, err := time.ParseDuration(cfg.Ingest.TokenTTLRaw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file: invalid token_ttl: %w", err)
		}
		cfg.Ingest.TokenTTL = d
	}

	if err := loadFromEnv(cfg); err != nil {
		return nil, err
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFromEnv applies the environment variables named in spec.md §6.4 on
// top of whatever Load (or the caller) has already populated.
func loadFromEnv(cfg *Config) error {
	if v := os.Getenv("TRRCMS_SYNC_PORT"); v != "" {
		cfg.Server.SyncPort = v
	}
	if v := os.Getenv("TRRCMS_METRICS_PORT"); v != "" {
		cfg.Server.MetricsPort = v
	}
	if v := os.Getenv("TRRCMS_STAGING_DIR"); v != "" {
		cfg.Staging.Dir = v
	}
	if v := os.Getenv("TRRCMS_QUARANTINE_DIR"); v != "" {
		cfg.Staging.QuarantineDir = v
	}
	if v := os.Getenv("TRRCMS_AUTH_SECRET"); v != "" {
		cfg.Ingest.AuthSecret = v
	}
	if v := os.Getenv("TRRCMS_REGION_BBOX"); v != "" {
		minLat, minLng, maxLat, maxLng, err := parseRegionBBox(v)
		if err != nil {
			return fmt.Errorf("failed to parse TRRCMS_REGION_BBOX: %w", err)
		}
		cfg.Validation.RegionMinLat = minLat
		cfg.Validation.RegionMinLng = minLng
		cfg.Validation.RegionMaxLat = maxLat
		cfg.Validation.RegionMaxLng = maxLng
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	return nil
}

func parseRegionBBox(v string) (minLat, minLng, maxLat, maxLng float64, err error) {
	var parts [4]float64
	n, err := fmt.Sscanf(v, "%f,%f,%f,%f", &parts[0], &parts[1], &parts[2], &parts[3])
	if err != nil || n != 4 {
		return 0, 0, 0, 0, fmt.Errorf("expected \"min_lat,min_lng,max_lat,max_lng\", got %q", v)
	}
	return parts[0], parts[1], parts[2], parts[3], nil
}

// validate checks the required fields and value ranges for a fully
// populated Config.
func validate(cfg *Config) error {
	if cfg.Server.SyncPort == "" {
		return fmt.Errorf("server.sync_port is required")
	}
	if _, err := strconv.Atoi(cfg.Server.SyncPort); err != nil {
		return fmt.Errorf("server.sync_port must be numeric: %w", err)
	}
	switch cfg.Storage.Backend {
	case "memory", "postgres":
	default:
		return fmt.Errorf("unsupported storage backend: %s", cfg.Storage.Backend)
	}
	if cfg.Storage.Backend == "postgres" && cfg.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required for the postgres backend")
	}
	if cfg.Validation.RegionMinLat >= cfg.Validation.RegionMaxLat {
		return fmt.Errorf("validation.region_min_lat must be less than region_max_lat")
	}
	if cfg.Validation.RegionMinLng >= cfg.Validation.RegionMaxLng {
		return fmt.Errorf("validation.region_min_lng must be less than region_max_lng")
	}
	if len(cfg.Ingest.SupportedSchemaVersions) == 0 {
		return fmt.Errorf("ingest.supported_schema_versions must not be empty")
	}
	if cfg.Ingest.VocabMajorMin > cfg.Ingest.VocabMajorMax {
		return fmt.Errorf("ingest.vocab_major_min must be <= vocab_major_max")
	}
	switch cfg.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("unsupported logging format: %s", cfg.Logging.Format)
	}
	return nil
}
