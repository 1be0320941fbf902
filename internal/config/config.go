package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorhill/cronexpr"
	"github.com/spf13/viper"
)

// Config holds all configuration for the service. It is built once by Load and
// treated as read-only afterwards.
type Config struct {
	General  GeneralConfig  `mapstructure:"general"`
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Sweep    SweepConfig    `mapstructure:"sweep"`
	Compress CompressConfig `mapstructure:"compress"`
	Convert  ConvertConfig  `mapstructure:"convert"`
	Lock     LockConfig     `mapstructure:"lock"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
}

// GeneralConfig contains process-wide settings.
type GeneralConfig struct {
	LogLevel string `mapstructure:"log_level"`
}

// ServerConfig contains HTTP server settings. Debug exposes collaborator error
// detail in API responses and must stay off in production.
type ServerConfig struct {
	Address string `mapstructure:"address"`
	Debug   bool   `mapstructure:"debug"`
}

// StorageConfig describes where sessions and artifacts live and how long they last.
type StorageConfig struct {
	UploadRoot        string        `mapstructure:"upload_root"`
	ProcessedRoot     string        `mapstructure:"processed_root"`
	MaxUploadSize     string        `mapstructure:"max_upload_size"`
	AllowedExtensions []string      `mapstructure:"allowed_extensions"`
	ArtifactTTL       time.Duration `mapstructure:"artifact_ttl"`
	GCSBucket         string        `mapstructure:"gcs_bucket"`
	GCSPrefix         string        `mapstructure:"gcs_prefix"`

	maxUploadBytes int64
}

// MaxUploadBytes is MaxUploadSize parsed during validation.
func (s StorageConfig) MaxUploadBytes() int64 { return s.maxUploadBytes }

func (s *StorageConfig) Validate() error {
	if strings.TrimSpace(s.UploadRoot) == "" || strings.TrimSpace(s.ProcessedRoot) == "" {
		return fmt.Errorf("storage.upload_root and storage.processed_root are required")
	}
	n, err := humanize.ParseBytes(s.MaxUploadSize)
	if err != nil {
		return fmt.Errorf("storage.max_upload_size: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("storage.max_upload_size must be greater than zero")
	}
	s.maxUploadBytes = int64(n)
	if len(s.AllowedExtensions) == 0 {
		return fmt.Errorf("storage.allowed_extensions must not be empty")
	}
	for i, ext := range s.AllowedExtensions {
		s.AllowedExtensions[i] = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
	}
	if s.ArtifactTTL <= 0 {
		return fmt.Errorf("storage.artifact_ttl must be greater than zero")
	}
	return nil
}

// SweepConfig schedules the expiry sweeper. Schedule, when set, is a cron
// expression and takes precedence over Interval.
type SweepConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Schedule string        `mapstructure:"schedule"`
}

func (s SweepConfig) Validate() error {
	if s.Schedule != "" {
		if _, err := cronexpr.Parse(s.Schedule); err != nil {
			return fmt.Errorf("sweep.schedule: %w", err)
		}
		return nil
	}
	if s.Interval <= 0 {
		return fmt.Errorf("sweep.interval must be greater than zero")
	}
	return nil
}

// CompressConfig configures the compression strategy chain. Profiles maps the
// requested level ("1".."3") to a Ghostscript PDFSETTINGS profile; ImageQuality
// maps it to the JPEG quality used when the pdfcpu fallback re-encodes images.
type CompressConfig struct {
	Timeout         time.Duration     `mapstructure:"timeout"`
	GhostscriptPath string            `mapstructure:"ghostscript_path"`
	Profiles        map[string]string `mapstructure:"profiles"`
	ImageQuality    map[string]int    `mapstructure:"image_quality"`
}

func (c CompressConfig) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("compress.timeout must be greater than zero")
	}
	for _, level := range []string{"1", "2", "3"} {
		if c.Profiles[level] == "" {
			return fmt.Errorf("compress.profiles is missing level %s", level)
		}
	}
	for level, q := range c.ImageQuality {
		if q < 1 || q > 100 {
			return fmt.Errorf("compress.image_quality for level %s must be between 1 and 100", level)
		}
	}
	return nil
}

// ConvertConfig configures format conversion collaborators.
type ConvertConfig struct {
	Formats      []string      `mapstructure:"formats"`
	DPI          int           `mapstructure:"dpi"`
	SofficePath  string        `mapstructure:"soffice_path"`
	PdftoppmPath string        `mapstructure:"pdftoppm_path"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

func (c ConvertConfig) Validate() error {
	if len(c.Formats) == 0 {
		return fmt.Errorf("convert.formats must not be empty")
	}
	if c.DPI <= 0 {
		return fmt.Errorf("convert.dpi must be greater than zero")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("convert.timeout must be greater than zero")
	}
	return nil
}

// Supports reports whether format is an enabled conversion target.
func (c ConvertConfig) Supports(format string) bool {
	for _, f := range c.Formats {
		if f == format {
			return true
		}
	}
	return false
}

// LockConfig selects the per-token guard backend: "memory" or "redis".
type LockConfig struct {
	Backend string        `mapstructure:"backend"`
	TTL     time.Duration `mapstructure:"ttl"`
}

func (l LockConfig) Validate() error {
	switch l.Backend {
	case "memory":
	case "redis":
		if l.TTL <= 0 {
			return fmt.Errorf("lock.ttl must be greater than zero for the redis backend")
		}
	default:
		return fmt.Errorf("lock.backend must be memory or redis, got %q", l.Backend)
	}
	return nil
}

// RedisConfig holds connection settings for the redis lock backend.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LedgerConfig enables the Firestore artifact ledger when ProjectID is set.
type LedgerConfig struct {
	ProjectID  string `mapstructure:"project_id"`
	Collection string `mapstructure:"collection"`
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.Storage.Validate(); err != nil {
		return err
	}
	if err := c.Sweep.Validate(); err != nil {
		return err
	}
	if err := c.Compress.Validate(); err != nil {
		return err
	}
	if err := c.Convert.Validate(); err != nil {
		return err
	}
	if err := c.Lock.Validate(); err != nil {
		return err
	}
	if c.Lock.Backend == "redis" && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required for the redis lock backend")
	}
	return nil
}

// LogLevel converts the configured level name to a slog level.
func (c *Config) LogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.General.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.log_level", "info")
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.debug", false)
	v.SetDefault("storage.upload_root", "uploads")
	v.SetDefault("storage.processed_root", "processed")
	v.SetDefault("storage.max_upload_size", "100MiB")
	v.SetDefault("storage.allowed_extensions", []string{"pdf", "doc", "docx", "ppt", "pptx", "xls", "xlsx", "jpg", "jpeg", "png"})
	v.SetDefault("storage.artifact_ttl", time.Hour)
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.gcs_prefix", "processed/")
	v.SetDefault("sweep.interval", 5*time.Minute)
	v.SetDefault("sweep.schedule", "")
	v.SetDefault("compress.timeout", 60*time.Second)
	v.SetDefault("compress.ghostscript_path", "gs")
	v.SetDefault("compress.profiles", map[string]string{"1": "/printer", "2": "/ebook", "3": "/screen"})
	v.SetDefault("compress.image_quality", map[string]int{"1": 85, "2": 65, "3": 40})
	v.SetDefault("convert.formats", []string{"docx", "image"})
	v.SetDefault("convert.dpi", 150)
	v.SetDefault("convert.soffice_path", "soffice")
	v.SetDefault("convert.pdftoppm_path", "pdftoppm")
	v.SetDefault("convert.timeout", 2*time.Minute)
	v.SetDefault("lock.backend", "memory")
	v.SetDefault("lock.ttl", 5*time.Minute)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("ledger.project_id", "")
	v.SetDefault("ledger.collection", "artifacts")
}

// Load reads configuration from an optional file and DOCWORKSHOP_* environment
// variables, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("docworkshop")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}
