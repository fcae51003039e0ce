// Package config loads configuration from an optional YAML file and
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultAllowedExtensions is the upload allow-list used when none is configured.
var DefaultAllowedExtensions = []string{
	"txt", "pdf", "png", "jpg", "jpeg", "gif", "zip",
	"py", "js", "html", "css", "json", "md",
}

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Workspace
	RootDir           string   `yaml:"root_dir"`
	MaxUploadSize     int64    `yaml:"max_upload_size"`
	MaxExtractSize    int64    `yaml:"max_extract_size"`
	AllowedExtensions []string `yaml:"allowed_extensions"`
	UploadTempDir     string   `yaml:"upload_temp_dir"`

	// Commands
	CommandTimeout   time.Duration `yaml:"command_timeout"`
	CommandMaxOutput int           `yaml:"command_max_output"` // bytes per stream
	AllowedCommands  []string      `yaml:"allowed_commands"`
	RateLimitRPM     int           `yaml:"rate_limit_rpm"`

	// Watcher
	WatchTree     bool          `yaml:"watch_tree"`
	WatchDebounce time.Duration `yaml:"watch_debounce"`

	// Command audit log ("postgres", "sqlite" or empty to disable)
	AuditDriver string `yaml:"audit_driver"`
	AuditDSN    string `yaml:"audit_dsn"`

	// Mirror backend ("s3", "local" or empty to disable)
	MirrorBackend   string `yaml:"mirror_backend"`
	MirrorLocalPath string `yaml:"mirror_local_path"`
	S3Endpoint      string `yaml:"s3_endpoint"`
	S3Bucket        string `yaml:"s3_bucket"`
	S3AccessKey     string `yaml:"s3_access_key"`
	S3SecretKey     string `yaml:"s3_secret_key"`
	S3Region        string `yaml:"s3_region"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		ListenAddr:        ":8080",
		MetricsAddr:       ":9090",
		LogLevel:          "info",
		LogFormat:         "json",
		RootDir:           "uploads",
		MaxUploadSize:     100 * 1024 * 1024,  // 100MB
		MaxExtractSize:    1024 * 1024 * 1024, // 1GB
		AllowedExtensions: append([]string(nil), DefaultAllowedExtensions...),
		CommandTimeout:    60 * time.Second,
		CommandMaxOutput:  8 * 1024 * 1024,
		WatchDebounce:     250 * time.Millisecond,
		S3Endpoint:        "http://localhost:9000",
		S3Bucket:          "workbench",
		S3Region:          "us-east-1",
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// CONFIG_FILE (if any), then environment variables.
func Load() (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.ListenAddr = envOr("LISTEN_ADDR", cfg.ListenAddr)
	cfg.MetricsAddr = envOr("METRICS_ADDR", cfg.MetricsAddr)
	cfg.LogLevel = envOr("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envOr("LOG_FORMAT", cfg.LogFormat)
	cfg.RootDir = envOr("ROOT_DIR", cfg.RootDir)
	cfg.MaxUploadSize = envInt64("MAX_UPLOAD_SIZE", cfg.MaxUploadSize)
	cfg.MaxExtractSize = envInt64("MAX_EXTRACT_SIZE", cfg.MaxExtractSize)
	cfg.AllowedExtensions = envList("ALLOWED_EXTENSIONS", cfg.AllowedExtensions)
	cfg.UploadTempDir = envOr("UPLOAD_TEMP_DIR", cfg.UploadTempDir)
	cfg.CommandTimeout = envDuration("COMMAND_TIMEOUT", cfg.CommandTimeout)
	cfg.CommandMaxOutput = envInt("COMMAND_MAX_OUTPUT", cfg.CommandMaxOutput)
	cfg.AllowedCommands = envList("ALLOWED_COMMANDS", cfg.AllowedCommands)
	cfg.RateLimitRPM = envInt("RATE_LIMIT_RPM", cfg.RateLimitRPM)
	cfg.WatchTree = envBool("WATCH_TREE", cfg.WatchTree)
	cfg.WatchDebounce = envDuration("WATCH_DEBOUNCE", cfg.WatchDebounce)
	cfg.AuditDriver = envOr("AUDIT_DRIVER", cfg.AuditDriver)
	cfg.AuditDSN = envOr("AUDIT_DSN", cfg.AuditDSN)
	cfg.MirrorBackend = envOr("MIRROR_BACKEND", cfg.MirrorBackend)
	cfg.MirrorLocalPath = envOr("MIRROR_LOCAL_PATH", cfg.MirrorLocalPath)
	cfg.S3Endpoint = envOr("S3_ENDPOINT", cfg.S3Endpoint)
	cfg.S3Bucket = envOr("S3_BUCKET", cfg.S3Bucket)
	cfg.S3AccessKey = envOr("S3_ACCESS_KEY", cfg.S3AccessKey)
	cfg.S3SecretKey = envOr("S3_SECRET_KEY", cfg.S3SecretKey)
	cfg.S3Region = envOr("S3_REGION", cfg.S3Region)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate normalises list values and rejects unusable settings.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.RootDir) == "" {
		return errors.New("ROOT_DIR is required")
	}
	if c.MaxUploadSize <= 0 {
		return fmt.Errorf("MAX_UPLOAD_SIZE must be positive, got %d", c.MaxUploadSize)
	}
	if c.MaxExtractSize <= 0 {
		return fmt.Errorf("MAX_EXTRACT_SIZE must be positive, got %d", c.MaxExtractSize)
	}
	if c.CommandTimeout <= 0 {
		return fmt.Errorf("COMMAND_TIMEOUT must be positive, got %s", c.CommandTimeout)
	}
	if c.CommandMaxOutput <= 0 {
		return fmt.Errorf("COMMAND_MAX_OUTPUT must be positive, got %d", c.CommandMaxOutput)
	}
	if c.RateLimitRPM < 0 {
		return fmt.Errorf("RATE_LIMIT_RPM must not be negative, got %d", c.RateLimitRPM)
	}

	exts := make([]string, 0, len(c.AllowedExtensions))
	for _, e := range c.AllowedExtensions {
		e = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(e), "."))
		if e != "" {
			exts = append(exts, e)
		}
	}
	c.AllowedExtensions = exts

	switch c.AuditDriver {
	case "", "postgres", "sqlite":
	default:
		return fmt.Errorf("unknown AUDIT_DRIVER %q", c.AuditDriver)
	}
	if c.AuditDriver != "" && c.AuditDSN == "" {
		return errors.New("AUDIT_DSN is required when AUDIT_DRIVER is set")
	}

	switch c.MirrorBackend {
	case "", "s3":
	case "local":
		if c.MirrorLocalPath == "" {
			return errors.New("MIRROR_LOCAL_PATH is required for the local mirror")
		}
	default:
		return fmt.Errorf("unknown MIRROR_BACKEND %q", c.MirrorBackend)
	}
	return nil
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

// envDuration accepts Go durations ("90s") or a bare number of seconds.
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
