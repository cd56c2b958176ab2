// Package config provides configuration management for tabrelay.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for tabrelay.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Driver      DriverConfig      `mapstructure:"driver"`
	Project     ProjectConfig     `mapstructure:"project"`
	Session     SessionConfig     `mapstructure:"session"`
	Keepalive   KeepaliveConfig   `mapstructure:"keepalive"`
	Permission  PermissionConfig  `mapstructure:"permission"`
	Screenshots ScreenshotsConfig `mapstructure:"screenshots"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Debug       bool              `mapstructure:"debug"`
}

// ServerConfig holds the transport endpoint configuration. The relay is
// local-only; BindHost must stay a loopback address.
type ServerConfig struct {
	BindHost       string `mapstructure:"bindHost"`
	Port           int    `mapstructure:"port"`
	MaxConnections int    `mapstructure:"maxConnections"`
}

// Driver kinds.
const (
	DriverProcess = "process"
	DriverInproc  = "inproc"
)

// DriverConfig selects and configures the agent driver backend.
type DriverConfig struct {
	// Kind is "process" (JSONL child process) or "inproc" (library API).
	Kind string `mapstructure:"kind"`

	// Command is the argv used to spawn the process driver's child.
	Command []string `mapstructure:"command"`

	// Model is the model identifier used by the in-process driver.
	Model string `mapstructure:"model"`

	// APIKeyEnv names the environment variable holding the in-process
	// driver's API key (the key itself never lives in config files).
	APIKeyEnv string `mapstructure:"apiKeyEnv"`
}

// ProjectConfig anchors the relay to one project root on disk.
type ProjectConfig struct {
	Path string `mapstructure:"path"`
}

// SessionConfig holds session lifecycle settings.
type SessionConfig struct {
	DefaultPermissionMode string `mapstructure:"defaultPermissionMode"`
	IdleLimitMinutes      int    `mapstructure:"idleLimitMinutes"`
	IdleGraceMinutes      int    `mapstructure:"idleGraceMinutes"`
	ResumeWindowHours     int    `mapstructure:"resumeWindowHours"`
	// ClearPurgesMessages controls whether clear_session also deletes the
	// stored message log. Default is detach-only.
	ClearPurgesMessages bool `mapstructure:"clearPurgesMessages"`
}

// KeepaliveConfig holds the per-connection ping loop settings.
type KeepaliveConfig struct {
	PingIntervalSeconds int `mapstructure:"pingIntervalSeconds"`
	PingMissLimit       int `mapstructure:"pingMissLimit"`
}

// PermissionConfig holds the default prompt timeouts, in seconds.
type PermissionConfig struct {
	ToolTimeoutSeconds     int `mapstructure:"toolTimeoutSeconds"`
	PlanTimeoutSeconds     int `mapstructure:"planTimeoutSeconds"`
	QuestionTimeoutSeconds int `mapstructure:"questionTimeoutSeconds"`
}

// ScreenshotsConfig holds the blob TTL reaper settings.
type ScreenshotsConfig struct {
	TTLHours int `mapstructure:"ttlHours"`
}

// NATSConfig holds the optional NATS event bus configuration.
// An empty URL means the in-memory bus is used.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// PingInterval returns the keepalive interval as a time.Duration.
func (k *KeepaliveConfig) PingInterval() time.Duration {
	return time.Duration(k.PingIntervalSeconds) * time.Second
}

// IdleLimit returns the idle limit as a time.Duration.
func (s *SessionConfig) IdleLimit() time.Duration {
	return time.Duration(s.IdleLimitMinutes) * time.Minute
}

// IdleGrace returns the idle grace as a time.Duration.
func (s *SessionConfig) IdleGrace() time.Duration {
	return time.Duration(s.IdleGraceMinutes) * time.Minute
}

// ResumeWindow returns the resume window as a time.Duration.
func (s *SessionConfig) ResumeWindow() time.Duration {
	return time.Duration(s.ResumeWindowHours) * time.Hour
}

// TTL returns the screenshot TTL as a time.Duration.
func (s *ScreenshotsConfig) TTL() time.Duration {
	return time.Duration(s.TTLHours) * time.Hour
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if env := os.Getenv("TABRELAY_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults: loopback only, one port for WS + REST
	v.SetDefault("server.bindHost", "127.0.0.1")
	v.SetDefault("server.port", 3456)
	v.SetDefault("server.maxConnections", 100)

	// Driver defaults
	v.SetDefault("driver.kind", DriverProcess)
	v.SetDefault("driver.command", []string{})
	v.SetDefault("driver.model", "")
	v.SetDefault("driver.apiKeyEnv", "ANTHROPIC_API_KEY")

	// Project defaults
	v.SetDefault("project.path", "")

	// Session defaults
	v.SetDefault("session.defaultPermissionMode", "plan")
	v.SetDefault("session.idleLimitMinutes", 30)
	v.SetDefault("session.idleGraceMinutes", 30)
	v.SetDefault("session.resumeWindowHours", 24)
	v.SetDefault("session.clearPurgesMessages", false)

	// Keepalive defaults
	v.SetDefault("keepalive.pingIntervalSeconds", 30)
	v.SetDefault("keepalive.pingMissLimit", 2)

	// Permission prompt timeouts
	v.SetDefault("permission.toolTimeoutSeconds", 60)
	v.SetDefault("permission.planTimeoutSeconds", 300)
	v.SetDefault("permission.questionTimeoutSeconds", 60)

	// Screenshot reaper
	v.SetDefault("screenshots.ttlHours", 24)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("debug", false)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix TABRELAY_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or the project state directory.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("TABRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the short env names the extension installer sets.
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion, so we
	// bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("server.bindHost", "BIND_HOST", "TABRELAY_BIND_HOST")
	_ = v.BindEnv("server.port", "PORT", "TABRELAY_PORT")
	_ = v.BindEnv("server.maxConnections", "MAX_CONNECTIONS", "TABRELAY_MAX_CONNECTIONS")
	_ = v.BindEnv("driver.kind", "DRIVER", "TABRELAY_DRIVER")
	_ = v.BindEnv("project.path", "PROJECT_PATH", "TABRELAY_PROJECT_PATH")
	_ = v.BindEnv("session.defaultPermissionMode", "DEFAULT_PERMISSION_MODE", "TABRELAY_DEFAULT_PERMISSION_MODE")
	_ = v.BindEnv("session.idleLimitMinutes", "IDLE_LIMIT_MINUTES", "TABRELAY_IDLE_LIMIT_MINUTES")
	_ = v.BindEnv("session.idleGraceMinutes", "IDLE_GRACE_MINUTES", "TABRELAY_IDLE_GRACE_MINUTES")
	_ = v.BindEnv("session.resumeWindowHours", "RESUME_WINDOW_HOURS", "TABRELAY_RESUME_WINDOW_HOURS")
	_ = v.BindEnv("session.clearPurgesMessages", "TABRELAY_CLEAR_PURGES_MESSAGES")
	_ = v.BindEnv("keepalive.pingIntervalSeconds", "PING_INTERVAL_SECONDS", "TABRELAY_PING_INTERVAL_SECONDS")
	_ = v.BindEnv("keepalive.pingMissLimit", "PING_MISS_LIMIT", "TABRELAY_PING_MISS_LIMIT")
	_ = v.BindEnv("screenshots.ttlHours", "SCREENSHOT_TTL_HOURS", "TABRELAY_SCREENSHOT_TTL_HOURS")
	_ = v.BindEnv("nats.url", "TABRELAY_NATS_URL")
	_ = v.BindEnv("debug", "DEBUG", "TABRELAY_DEBUG")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.Project.Path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("cannot resolve project path: %w", err)
		}
		cfg.Project.Path = wd
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Server.MaxConnections <= 0 {
		errs = append(errs, "server.maxConnections must be positive")
	}

	switch cfg.Driver.Kind {
	case DriverProcess, DriverInproc:
	default:
		errs = append(errs, fmt.Sprintf("driver.kind must be %q or %q", DriverProcess, DriverInproc))
	}

	switch cfg.Session.DefaultPermissionMode {
	case "plan", "acceptEdits", "bypassPermissions":
	default:
		errs = append(errs, "session.defaultPermissionMode must be one of: plan, acceptEdits, bypassPermissions")
	}
	if cfg.Session.IdleLimitMinutes <= 0 {
		errs = append(errs, "session.idleLimitMinutes must be positive")
	}
	if cfg.Session.IdleGraceMinutes <= 0 {
		errs = append(errs, "session.idleGraceMinutes must be positive")
	}
	if cfg.Session.ResumeWindowHours <= 0 {
		errs = append(errs, "session.resumeWindowHours must be positive")
	}

	if cfg.Keepalive.PingIntervalSeconds <= 0 {
		errs = append(errs, "keepalive.pingIntervalSeconds must be positive")
	}
	if cfg.Keepalive.PingMissLimit <= 0 {
		errs = append(errs, "keepalive.pingMissLimit must be positive")
	}

	if cfg.Permission.ToolTimeoutSeconds <= 0 ||
		cfg.Permission.PlanTimeoutSeconds <= 0 ||
		cfg.Permission.QuestionTimeoutSeconds <= 0 {
		errs = append(errs, "permission timeouts must be positive")
	}

	if cfg.Screenshots.TTLHours <= 0 {
		errs = append(errs, "screenshots.ttlHours must be positive")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// StateDir returns the project-scoped directory holding the relay's durable
// state (database file, screenshots, logs).
func (c *Config) StateDir() string {
	return filepath.Join(c.Project.Path, ".tabrelay")
}
