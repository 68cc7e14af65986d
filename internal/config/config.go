// Package config loads the history daemon's configuration from a .env file,
// environment variables and CLI flags.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Bounds on the poll cadence accepted from users.
const (
	MinPollInterval        = 10 * time.Second
	MaxPollInterval        = 300 * time.Second
	MinMaintenanceInterval = 60 * time.Second
)

// Config holds all application configuration.
type Config struct {
	AnthropicToken     string // ANTHROPIC_TOKEN
	AnthropicAutoToken bool   // token came from TokenDetector, not the environment
	Tier               string // ONWATCH_TIER, recorded on reset events
	UsageURL           string // ONWATCH_USAGE_URL, overrides the Anthropic endpoint

	PollInterval        time.Duration // ONWATCH_POLL_INTERVAL (seconds)
	MaintenanceInterval time.Duration // ONWATCH_MAINTENANCE_INTERVAL (seconds)

	DBPath         string // ONWATCH_DB_PATH
	DBPathExplicit bool   // true if set by --db or ONWATCH_DB_PATH
	RetentionDays  int    // ONWATCH_RETENTION_DAYS

	LogLevel    string // ONWATCH_LOG_LEVEL
	LogFile     string // ONWATCH_LOG_FILE
	MetricsAddr string // ONWATCH_METRICS_ADDR, empty disables /metrics
	DebugMode   bool   // --debug: foreground, log to stdout
}

// TokenDetector is consulted when ANTHROPIC_TOKEN is unset. main points it
// at the Claude Code credential lookup.
var TokenDetector = func() string { return "" }

// flagValues holds parsed CLI flags.
type flagValues struct {
	interval  int
	db        string
	retention int
	debug     bool
}

// Load reads configuration from .env file, environment variables, and CLI flags.
// Flags take precedence over environment variables.
func Load() (*Config, error) {
	return loadWithArgs(os.Args[1:])
}

// loadWithArgs loads config with specific arguments (for testing).
func loadWithArgs(args []string) (*Config, error) {
	flags := &flagValues{}

	// Parsed by hand so unknown flags (and flag.ExitOnError) never abort tests.
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--debug":
			flags.debug = true
		case strings.HasPrefix(arg, "--interval="):
			flags.interval = atoiOrZero(strings.TrimPrefix(arg, "--interval="))
		case arg == "--interval":
			if i+1 < len(args) {
				flags.interval = atoiOrZero(args[i+1])
				i++
			}
		case strings.HasPrefix(arg, "--retention="):
			flags.retention = atoiOrZero(strings.TrimPrefix(arg, "--retention="))
		case arg == "--retention":
			if i+1 < len(args) {
				flags.retention = atoiOrZero(args[i+1])
				i++
			}
		case strings.HasPrefix(arg, "--db="):
			flags.db = strings.TrimPrefix(arg, "--db=")
		case arg == "--db":
			if i+1 < len(args) {
				flags.db = args[i+1]
				i++
			}
		}
	}

	return loadFromEnvAndFlags(flags)
}

func atoiOrZero(s string) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return v
}

// envSeconds parses an integer-seconds environment variable. Unset or
// malformed values yield zero so the default applies.
func envSeconds(name string) time.Duration {
	return time.Duration(atoiOrZero(os.Getenv(name))) * time.Second
}

// loadFromEnvAndFlags combines environment variables with CLI flags.
func loadFromEnvAndFlags(flags *flagValues) (*Config, error) {
	// The .env file is optional.
	_ = godotenv.Load(".env")

	cfg := &Config{
		AnthropicToken:      os.Getenv("ANTHROPIC_TOKEN"),
		Tier:                os.Getenv("ONWATCH_TIER"),
		UsageURL:            os.Getenv("ONWATCH_USAGE_URL"),
		MaintenanceInterval: envSeconds("ONWATCH_MAINTENANCE_INTERVAL"),
		LogLevel:            os.Getenv("ONWATCH_LOG_LEVEL"),
		LogFile:             os.Getenv("ONWATCH_LOG_FILE"),
		MetricsAddr:         os.Getenv("ONWATCH_METRICS_ADDR"),
		DebugMode:           flags.debug,
	}

	if cfg.AnthropicToken == "" {
		if token := TokenDetector(); token != "" {
			cfg.AnthropicToken = token
			cfg.AnthropicAutoToken = true
		}
	}

	if flags.interval > 0 {
		cfg.PollInterval = time.Duration(flags.interval) * time.Second
	} else {
		cfg.PollInterval = envSeconds("ONWATCH_POLL_INTERVAL")
	}

	if flags.retention > 0 {
		cfg.RetentionDays = flags.retention
	} else {
		cfg.RetentionDays = atoiOrZero(os.Getenv("ONWATCH_RETENTION_DAYS"))
	}

	if flags.db != "" {
		cfg.DBPath = flags.db
		cfg.DBPathExplicit = true
	} else if env := os.Getenv("ONWATCH_DB_PATH"); env != "" {
		cfg.DBPath = env
		cfg.DBPathExplicit = true
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults sets default values for empty config fields.
func (c *Config) applyDefaults() {
	if c.PollInterval == 0 {
		c.PollInterval = 60 * time.Second
	}
	if c.MaintenanceInterval == 0 {
		c.MaintenanceInterval = time.Hour
	}
	if c.RetentionDays == 0 {
		c.RetentionDays = 90
	}
	if c.DBPath == "" {
		if c.IsDockerEnvironment() {
			c.DBPath = "/data/history.db"
		} else {
			home, err := os.UserHomeDir()
			if err != nil || home == "" {
				c.DBPath = "./history.db"
			} else {
				c.DBPath = filepath.Join(home, ".onwatch", "data", "history.db")
			}
		}
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFile == "" {
		c.LogFile = filepath.Join(filepath.Dir(c.DBPath), ".onwatch-history.log")
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.AnthropicToken == "" {
		return fmt.Errorf("ANTHROPIC_TOKEN must be set")
	}
	if c.PollInterval < MinPollInterval {
		return fmt.Errorf("poll interval must be at least %v", MinPollInterval)
	}
	if c.PollInterval > MaxPollInterval {
		return fmt.Errorf("poll interval must be at most %v", MaxPollInterval)
	}
	if c.MaintenanceInterval < MinMaintenanceInterval {
		return fmt.Errorf("maintenance interval must be at least %v", MinMaintenanceInterval)
	}
	if c.RetentionDays < 1 {
		return fmt.Errorf("retention must be at least 1 day")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	return nil
}

// String returns a redacted string representation of the config.
func (c *Config) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Config{\n")
	fmt.Fprintf(&sb, "  AnthropicToken: %s,\n", redactAPIKey(c.AnthropicToken))
	if c.Tier != "" {
		fmt.Fprintf(&sb, "  Tier: %s,\n", c.Tier)
	}
	if c.UsageURL != "" {
		fmt.Fprintf(&sb, "  UsageURL: %s,\n", c.UsageURL)
	}
	fmt.Fprintf(&sb, "  PollInterval: %v,\n", c.PollInterval)
	fmt.Fprintf(&sb, "  MaintenanceInterval: %v,\n", c.MaintenanceInterval)
	fmt.Fprintf(&sb, "  DBPath: %s,\n", c.DBPath)
	fmt.Fprintf(&sb, "  RetentionDays: %d,\n", c.RetentionDays)
	fmt.Fprintf(&sb, "  LogLevel: %s,\n", c.LogLevel)
	fmt.Fprintf(&sb, "  LogFile: %s,\n", c.LogFile)
	if c.MetricsAddr != "" {
		fmt.Fprintf(&sb, "  MetricsAddr: %s,\n", c.MetricsAddr)
	}
	fmt.Fprintf(&sb, "  DebugMode: %v,\n", c.DebugMode)
	fmt.Fprintf(&sb, "}")
	return sb.String()
}

// redactAPIKey masks the key for display.
func redactAPIKey(key string) string {
	if key == "" {
		return "(not set)"
	}
	if len(key) <= 7 {
		return "***...***"
	}
	return key[:4] + "***...***" + key[len(key)-3:]
}

// LogWriter returns where logs go: stdout in debug mode and inside Docker,
// otherwise a size-rotated file next to the database.
func (c *Config) LogWriter() (io.WriteCloser, error) {
	if c.DebugMode || c.IsDockerEnvironment() {
		return nopCloser{os.Stdout}, nil
	}

	if err := os.MkdirAll(filepath.Dir(c.LogFile), 0700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	return &lumberjack.Logger{
		Filename:   c.LogFile,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}, nil
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

// IsDockerEnvironment detects if running inside a Docker container.
func (c *Config) IsDockerEnvironment() bool {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return os.Getenv("DOCKER_CONTAINER") != ""
}
