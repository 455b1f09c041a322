// Package config provides configuration management for visionarr using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/BeltaKoda/visionarr/pkg/bytesize"
	"github.com/BeltaKoda/visionarr/pkg/duration"
)

// Default configuration values.
const (
	defaultProbeTimeout       = "2m"
	defaultExtractTimeout     = "20m"
	defaultConvertTimeout     = "6h"
	defaultVerifyTimeout      = "10m"
	defaultMinFreeSpaceFloor  = "5GB"
	defaultDeltaScanInterval  = 30 // minutes
	defaultMaxOpenConns       = 25
	defaultMaxIdleConns       = 10
	defaultConnMaxIdleTime    = 30 * time.Minute
	defaultStatusAPIPort      = 8099
	defaultStatusReadTimeout  = 10 * time.Second
	defaultStatusWriteTimeout = 10 * time.Second
)

// Config holds all configuration for the application.
type Config struct {
	Paths     PathsConfig     `mapstructure:"paths"`
	Tools     ToolsConfig     `mapstructure:"tools"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Notifier  NotifierConfig  `mapstructure:"notifier"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Database  DatabaseConfig  `mapstructure:"database"`
	StatusAPI StatusAPIConfig `mapstructure:"status_api"`
}

// PathsConfig holds the library roots and working directories visionarr
// operates against (§2, §5).
type PathsConfig struct {
	MoviesRoot string `mapstructure:"movies_root"`
	TVRoot     string `mapstructure:"tv_root"`
	CatalogDB  string `mapstructure:"catalog_db"`
	ScratchDir string `mapstructure:"scratch_dir"`

	// MinFreeSpaceFloor is a hard floor on required free scratch space,
	// independent of the 1.5x-file-size ratio computed per conversion (§5).
	// Accepts human-readable sizes ("5GB", "500MB").
	MinFreeSpaceFloor string `mapstructure:"min_free_space_floor"`
}

// MinFreeSpaceFloorBytes parses MinFreeSpaceFloor, defaulting to 0 on an
// empty string.
func (p PathsConfig) MinFreeSpaceFloorBytes() (int64, error) {
	if p.MinFreeSpaceFloor == "" {
		return 0, nil
	}
	size, err := bytesize.Parse(p.MinFreeSpaceFloor)
	if err != nil {
		return 0, fmt.Errorf("paths.min_free_space_floor: %w", err)
	}
	return size.Int64(), nil
}

// ToolsConfig holds the external tool binaries orchestrated by the
// ToolRunner (C1) and their per-call timeouts (§4.1, §4.2, §7).
type ToolsConfig struct {
	MkvmergePath  string `mapstructure:"mkvmerge_path"`
	MkvextractPath string `mapstructure:"mkvextract_path"`
	MediainfoPath string `mapstructure:"mediainfo_path"`
	FfmpegPath    string `mapstructure:"ffmpeg_path"`
	FfprobePath   string `mapstructure:"ffprobe_path"`
	DoviToolPath  string `mapstructure:"dovi_tool_path"`

	// Timeouts are human-readable durations (pkg/duration), e.g. "2m", "6h".
	ProbeTimeout   string `mapstructure:"probe_timeout"`
	ExtractTimeout string `mapstructure:"extract_timeout"`
	ConvertTimeout string `mapstructure:"convert_timeout"`
	VerifyTimeout  string `mapstructure:"verify_timeout"`
}

// ProbeTimeoutDuration parses ProbeTimeout.
func (t ToolsConfig) ProbeTimeoutDuration() (time.Duration, error) {
	return duration.Parse(t.ProbeTimeout)
}

// ExtractTimeoutDuration parses ExtractTimeout.
func (t ToolsConfig) ExtractTimeoutDuration() (time.Duration, error) {
	return duration.Parse(t.ExtractTimeout)
}

// ConvertTimeoutDuration parses ConvertTimeout.
func (t ToolsConfig) ConvertTimeoutDuration() (time.Duration, error) {
	return duration.Parse(t.ConvertTimeout)
}

// VerifyTimeoutDuration parses VerifyTimeout.
func (t ToolsConfig) VerifyTimeoutDuration() (time.Duration, error) {
	return duration.Parse(t.VerifyTimeout)
}

// SchedulerConfig seeds the Catalog's settings table on first run (§4.4).
// At runtime the Catalog's settings rows are authoritative; these values are
// never consulted again once initial_setup_complete is true.
type SchedulerConfig struct {
	DeltaScanIntervalMinutes int    `mapstructure:"delta_scan_interval_minutes"`
	FullScanDay              string `mapstructure:"full_scan_day"`
	FullScanTime             string `mapstructure:"full_scan_time"`
	AutoProcessMode          string `mapstructure:"auto_process_mode"`
	AutoProcessFEL           bool   `mapstructure:"auto_process_fel"`
	BackupEnabled            bool   `mapstructure:"backup_enabled"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// NotifierConfig holds the outgoing webhook configuration for the Notifier.
type NotifierConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	WebhookURL string `mapstructure:"webhook_url"`
}

// MonitorInstance identifies a single *arr instance the Monitor can query or
// trigger a rescan on.
type MonitorInstance struct {
	Name    string `mapstructure:"name"`
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
}

// MonitorConfig holds zero or more *arr instances.
type MonitorConfig struct {
	Instances []MonitorInstance `mapstructure:"instances"`
}

// DatabaseConfig holds database connection configuration for the Catalog.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// StatusAPIConfig holds the optional, disabled-by-default status/control
// HTTP surface configuration (§10.7).
type StatusAPIConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Address returns the status API address in host:port format.
func (s StatusAPIConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with VISIONARR_ and use underscores for
// nesting. Example: VISIONARR_DATABASE_DSN=/data/catalog.db.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/visionarr")
		v.AddConfigPath("$HOME/.visionarr")
	}

	v.SetEnvPrefix("VISIONARR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults
// are in place.
func SetDefaults(v *viper.Viper) {
	// Paths defaults
	v.SetDefault("paths.movies_root", "/data/movies")
	v.SetDefault("paths.tv_root", "/data/tv")
	v.SetDefault("paths.catalog_db", "/data/visionarr/catalog.db")
	v.SetDefault("paths.scratch_dir", "/data/visionarr/scratch")
	v.SetDefault("paths.min_free_space_floor", defaultMinFreeSpaceFloor)

	// Tools defaults - empty paths mean auto-detect via internal/util.FindBinary
	v.SetDefault("tools.mkvmerge_path", "")
	v.SetDefault("tools.mkvextract_path", "")
	v.SetDefault("tools.mediainfo_path", "")
	v.SetDefault("tools.ffmpeg_path", "")
	v.SetDefault("tools.ffprobe_path", "")
	v.SetDefault("tools.dovi_tool_path", "")
	v.SetDefault("tools.probe_timeout", defaultProbeTimeout)
	v.SetDefault("tools.extract_timeout", defaultExtractTimeout)
	v.SetDefault("tools.convert_timeout", defaultConvertTimeout)
	v.SetDefault("tools.verify_timeout", defaultVerifyTimeout)

	// Scheduler defaults (seed values only, see SchedulerConfig doc)
	v.SetDefault("scheduler.delta_scan_interval_minutes", defaultDeltaScanInterval)
	v.SetDefault("scheduler.full_scan_day", "sunday")
	v.SetDefault("scheduler.full_scan_time", "03:00")
	v.SetDefault("scheduler.auto_process_mode", "off")
	v.SetDefault("scheduler.auto_process_fel", false)
	v.SetDefault("scheduler.backup_enabled", true)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Notifier defaults
	v.SetDefault("notifier.enabled", false)
	v.SetDefault("notifier.webhook_url", "")

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "/data/visionarr/catalog.db")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("database.log_level", "warn")

	// Status API defaults - disabled by default (§10.7)
	v.SetDefault("status_api.enabled", false)
	v.SetDefault("status_api.host", "127.0.0.1")
	v.SetDefault("status_api.port", defaultStatusAPIPort)
	v.SetDefault("status_api.read_timeout", defaultStatusReadTimeout)
	v.SetDefault("status_api.write_timeout", defaultStatusWriteTimeout)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Paths.MoviesRoot == "" && c.Paths.TVRoot == "" {
		return fmt.Errorf("at least one of paths.movies_root or paths.tv_root is required")
	}
	if c.Paths.CatalogDB == "" {
		return fmt.Errorf("paths.catalog_db is required")
	}
	if c.Paths.ScratchDir == "" {
		return fmt.Errorf("paths.scratch_dir is required")
	}
	if _, err := c.Paths.MinFreeSpaceFloorBytes(); err != nil {
		return err
	}

	if _, err := c.Tools.ProbeTimeoutDuration(); err != nil {
		return fmt.Errorf("tools.probe_timeout: %w", err)
	}
	if _, err := c.Tools.ExtractTimeoutDuration(); err != nil {
		return fmt.Errorf("tools.extract_timeout: %w", err)
	}
	if _, err := c.Tools.ConvertTimeoutDuration(); err != nil {
		return fmt.Errorf("tools.convert_timeout: %w", err)
	}
	if _, err := c.Tools.VerifyTimeoutDuration(); err != nil {
		return fmt.Errorf("tools.verify_timeout: %w", err)
	}

	if c.Scheduler.DeltaScanIntervalMinutes < 1 {
		return fmt.Errorf("scheduler.delta_scan_interval_minutes must be at least 1")
	}
	validModes := map[string]bool{"off": true, "all": true, "movies": true, "shows": true}
	if !validModes[c.Scheduler.AutoProcessMode] {
		return fmt.Errorf("scheduler.auto_process_mode must be one of: off, all, movies, shows")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Notifier.Enabled && c.Notifier.WebhookURL == "" {
		return fmt.Errorf("notifier.webhook_url is required when notifier.enabled is true")
	}

	validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("database.driver must be one of: sqlite, postgres, mysql")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	if c.StatusAPI.Enabled {
		const maxPort = 65535
		if c.StatusAPI.Port < 1 || c.StatusAPI.Port > maxPort {
			return fmt.Errorf("status_api.port must be between 1 and %d", maxPort)
		}
	}

	return nil
}
