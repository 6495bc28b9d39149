// Package config provides configuration loading and validation for archivist.
// Supports YAML files with environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dray-io/archivist/internal/state"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for an archivist process.
type Config struct {
	Boards        []string            `yaml:"boards"`
	Archive       ArchiveConfig       `yaml:"archive"`
	State         StateConfig         `yaml:"state"`
	Platform      PlatformConfig      `yaml:"platform"`
	Resync        ResyncConfig        `yaml:"resync"`
	Backup        BackupConfig        `yaml:"backup"`
	Audit         AuditConfig         `yaml:"audit"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ArchiveConfig holds the active-window and purge limits.
type ArchiveConfig struct {
	PerPage           int   `yaml:"perPage" env:"ARCHIVIST_PER_PAGE"`
	Pages             int   `yaml:"pages" env:"ARCHIVIST_PAGES"`
	BumpLimit         int   `yaml:"bumpLimit" env:"ARCHIVIST_BUMP_LIMIT"`
	PurgeAfterSeconds int64 `yaml:"purgeAfterSeconds" env:"ARCHIVIST_ARCHIVE_PURGE_SECONDS"`
}

// Capacity is the maximum number of non-pinned threads kept in the active window.
func (a ArchiveConfig) Capacity() int {
	return a.PerPage * a.Pages
}

type StateConfig struct {
	Dir string `yaml:"dir" env:"ARCHIVIST_STATE_DIR"`
	// Path overrides the derived state file location. Only valid with a single board.
	Path string `yaml:"path" env:"ARCHIVIST_STATE_PATH"`
}

type PlatformConfig struct {
	APIURL           string  `yaml:"apiUrl" env:"ARCHIVIST_PLATFORM_API_URL"`
	WSURL            string  `yaml:"wsUrl" env:"ARCHIVIST_PLATFORM_WS_URL"`
	RequestTimeoutMs int64   `yaml:"requestTimeoutMs" env:"ARCHIVIST_PLATFORM_TIMEOUT_MS"`
	ActionsPerSecond float64 `yaml:"actionsPerSecond" env:"ARCHIVIST_ACTIONS_PER_SECOND"`
}

type ResyncConfig struct {
	// Schedule is a robfig/cron spec. Empty disables periodic resync.
	Schedule string `yaml:"schedule" env:"ARCHIVIST_RESYNC_SCHEDULE"`
}

type BackupConfig struct {
	Enabled   bool   `yaml:"enabled" env:"ARCHIVIST_BACKUP_ENABLED"`
	Endpoint  string `yaml:"endpoint" env:"ARCHIVIST_S3_ENDPOINT"`
	Bucket    string `yaml:"bucket" env:"ARCHIVIST_S3_BUCKET"`
	Region    string `yaml:"region" env:"ARCHIVIST_S3_REGION"`
	AccessKey string `yaml:"accessKey" env:"ARCHIVIST_S3_ACCESS_KEY"`
	SecretKey string `yaml:"secretKey" env:"ARCHIVIST_S3_SECRET_KEY"`
	Prefix    string `yaml:"prefix" env:"ARCHIVIST_BACKUP_PREFIX"`
	PathStyle bool   `yaml:"pathStyle" env:"ARCHIVIST_S3_PATH_STYLE"`
}

type AuditConfig struct {
	Brokers []string `yaml:"brokers" env:"ARCHIVIST_AUDIT_BROKERS"`
	Topic   string   `yaml:"topic" env:"ARCHIVIST_AUDIT_TOPIC"`
}

// Enabled reports whether moderation events are published to Kafka.
func (a AuditConfig) Enabled() bool {
	return len(a.Brokers) > 0 && a.Topic != ""
}

type ObservabilityConfig struct {
	MetricsAddr string `yaml:"metricsAddr" env:"ARCHIVIST_METRICS_ADDR"`
	LogLevel    string `yaml:"logLevel" env:"ARCHIVIST_LOG_LEVEL"`
	LogFormat   string `yaml:"logFormat" env:"ARCHIVIST_LOG_FORMAT"`
}

// Default returns a Config with the documented defaults.
func Default() *Config {
	return &Config{
		Archive: ArchiveConfig{
			PerPage:           15,
			Pages:             10,
			BumpLimit:         300,
			PurgeAfterSeconds: 172800, // 48 hours
		},
		State: StateConfig{
			Dir: "archivist-state",
		},
		Platform: PlatformConfig{
			APIURL:           "http://localhost:9138/api/v0",
			WSURL:            "ws://localhost:9138/api/v0",
			RequestTimeoutMs: 60000,
			ActionsPerSecond: 5,
		},
		Resync: ResyncConfig{
			Schedule: "@every 5m",
		},
		Backup: BackupConfig{
			Region: "us-east-1",
			Prefix: "archivist",
		},
		Audit: AuditConfig{
			Topic: "archivist.moderation",
		},
		Observability: ObservabilityConfig{
			MetricsAddr: ":9190",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// Load returns the defaults with environment overrides applied.
func Load() (*Config, error) {
	cfg := Default()
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromPath reads a YAML file over the defaults, then applies
// environment overrides.
func LoadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	var errs []error

	setInt := func(name string, dst *int) {
		if v, ok := os.LookupEnv(name); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", name, err))
				return
			}
			*dst = n
		}
	}
	setInt64 := func(name string, dst *int64) {
		if v, ok := os.LookupEnv(name); ok {
			n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", name, err))
				return
			}
			*dst = n
		}
	}
	setFloat := func(name string, dst *float64) {
		if v, ok := os.LookupEnv(name); ok {
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", name, err))
				return
			}
			*dst = f
		}
	}
	setBool := func(name string, dst *bool) {
		if v, ok := os.LookupEnv(name); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", name, err))
				return
			}
			*dst = b
		}
	}
	setString := func(name string, dst *string) {
		if v, ok := os.LookupEnv(name); ok {
			*dst = v
		}
	}
	setList := func(name string, dst *[]string) {
		if v, ok := os.LookupEnv(name); ok {
			*dst = splitList(v)
		}
	}

	setList("ARCHIVIST_BOARDS", &cfg.Boards)

	setInt("ARCHIVIST_PER_PAGE", &cfg.Archive.PerPage)
	setInt("ARCHIVIST_PAGES", &cfg.Archive.Pages)
	setInt("ARCHIVIST_BUMP_LIMIT", &cfg.Archive.BumpLimit)
	setInt64("ARCHIVIST_ARCHIVE_PURGE_SECONDS", &cfg.Archive.PurgeAfterSeconds)

	setString("ARCHIVIST_STATE_DIR", &cfg.State.Dir)
	setString("ARCHIVIST_STATE_PATH", &cfg.State.Path)

	setString("ARCHIVIST_PLATFORM_API_URL", &cfg.Platform.APIURL)
	setString("ARCHIVIST_PLATFORM_WS_URL", &cfg.Platform.WSURL)
	setInt64("ARCHIVIST_PLATFORM_TIMEOUT_MS", &cfg.Platform.RequestTimeoutMs)
	setFloat("ARCHIVIST_ACTIONS_PER_SECOND", &cfg.Platform.ActionsPerSecond)

	setString("ARCHIVIST_RESYNC_SCHEDULE", &cfg.Resync.Schedule)

	setBool("ARCHIVIST_BACKUP_ENABLED", &cfg.Backup.Enabled)
	setString("ARCHIVIST_S3_ENDPOINT", &cfg.Backup.Endpoint)
	setString("ARCHIVIST_S3_BUCKET", &cfg.Backup.Bucket)
	setString("ARCHIVIST_S3_REGION", &cfg.Backup.Region)
	setString("ARCHIVIST_S3_ACCESS_KEY", &cfg.Backup.AccessKey)
	setString("ARCHIVIST_S3_SECRET_KEY", &cfg.Backup.SecretKey)
	setString("ARCHIVIST_BACKUP_PREFIX", &cfg.Backup.Prefix)
	setBool("ARCHIVIST_S3_PATH_STYLE", &cfg.Backup.PathStyle)

	setList("ARCHIVIST_AUDIT_BROKERS", &cfg.Audit.Brokers)
	setString("ARCHIVIST_AUDIT_TOPIC", &cfg.Audit.Topic)

	setString("ARCHIVIST_METRICS_ADDR", &cfg.Observability.MetricsAddr)
	setString("ARCHIVIST_LOG_LEVEL", &cfg.Observability.LogLevel)
	setString("ARCHIVIST_LOG_FORMAT", &cfg.Observability.LogFormat)

	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks that the configuration can drive an archiver.
func (c *Config) Validate() error {
	if len(c.Boards) == 0 {
		return errors.New("config: at least one board is required")
	}
	seen := make(map[string]struct{}, len(c.Boards))
	for _, b := range c.Boards {
		if strings.TrimSpace(b) == "" {
			return errors.New("config: empty board address")
		}
		if _, dup := seen[b]; dup {
			return fmt.Errorf("config: board %q listed twice", b)
		}
		seen[b] = struct{}{}
	}
	if c.Archive.PerPage <= 0 {
		return fmt.Errorf("config: perPage must be positive, got %d", c.Archive.PerPage)
	}
	if c.Archive.Pages <= 0 {
		return fmt.Errorf("config: pages must be positive, got %d", c.Archive.Pages)
	}
	if c.Archive.BumpLimit <= 0 {
		return fmt.Errorf("config: bumpLimit must be positive, got %d", c.Archive.BumpLimit)
	}
	if c.Archive.PurgeAfterSeconds < 0 {
		return fmt.Errorf("config: purgeAfterSeconds must not be negative, got %d", c.Archive.PurgeAfterSeconds)
	}
	if c.State.Path != "" && len(c.Boards) > 1 {
		return errors.New("config: state path can only be set when archiving a single board")
	}
	if c.State.Path == "" && c.State.Dir == "" {
		return errors.New("config: state dir is required")
	}
	if c.Platform.APIURL == "" {
		return errors.New("config: platform apiUrl is required")
	}
	if c.Backup.Enabled && c.Backup.Bucket == "" {
		return errors.New("config: backup bucket is required when backup is enabled")
	}
	return nil
}

// StatePath returns the state file location for a board.
func (c *Config) StatePath(board string) string {
	if c.State.Path != "" {
		return c.State.Path
	}
	return filepath.Join(c.State.Dir, state.FileName(board))
}
