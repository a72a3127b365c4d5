package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration values.
type Config struct {
	// Backend selection
	Backend      string
	MarkerURL    string
	DatalabURL   string
	APIKey       string
	GeminiAPIKey string

	// Polling overrides; zero means the backend variant's default
	InitialDelay time.Duration
	PollInterval time.Duration
	MaxAttempts  int

	// Output
	OutDir string

	// Batch
	Concurrency int

	// History
	HistoryEnabled bool
	HistoryFile    string

	// Relay daemon
	ListenAddr string

	// Logging
	LogFile  string
	LogLevel slog.Level
}

func defaults() Config {
	return Config{
		Backend:        "local",
		OutDir:         ".",
		Concurrency:    3,
		HistoryEnabled: true,
		HistoryFile:    defaultHistoryFile(),
		ListenAddr:     "localhost:8001",
		LogFile:        "/tmp/docprep.log",
		LogLevel:       slog.LevelInfo,
	}
}

// Load reads configuration from environment variables over the built-in
// defaults. Empty URLs fall through to the backend variant defaults.
func Load() Config {
	cfg := defaults()
	applyEnv(&cfg)
	return cfg
}

// LoadWithFile layers configuration: built-in defaults, then the YAML
// config file, then environment variables on top. An empty path means the
// default file location, which may be absent; a path given explicitly
// must exist.
func LoadWithFile(path string) (Config, error) {
	cfg := defaults()

	explicit := path != ""
	if path == "" {
		path = DefaultConfigFile()
	}
	if err := applyFile(&cfg, path, explicit); err != nil {
		return Config{}, err
	}

	applyEnv(&cfg)
	return cfg, nil
}

// DefaultConfigFile is the config file location used when --config is not
// given.
func DefaultConfigFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "docprep", "config.yaml")
}

// fileConfig mirrors the YAML config file. Durations are strings ("5s",
// "250ms"); history is a pointer so an explicit false survives the merge.
type fileConfig struct {
	Backend      string `yaml:"backend"`
	MarkerURL    string `yaml:"marker_url"`
	DatalabURL   string `yaml:"datalab_url"`
	APIKey       string `yaml:"api_key"`
	GeminiAPIKey string `yaml:"gemini_api_key"`

	InitialDelay string `yaml:"initial_delay"`
	PollInterval string `yaml:"poll_interval"`
	MaxAttempts  int    `yaml:"max_attempts"`

	OutDir      string `yaml:"out_dir"`
	Concurrency int    `yaml:"concurrency"`

	History     *bool  `yaml:"history"`
	HistoryFile string `yaml:"history_file"`

	ListenAddr string `yaml:"listen_addr"`

	LogFile  string `yaml:"log_file"`
	LogLevel string `yaml:"log_level"`
}

func applyFile(cfg *Config, path string, explicit bool) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) && !explicit {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	if fc.Backend != "" {
		cfg.Backend = fc.Backend
	}
	if fc.MarkerURL != "" {
		cfg.MarkerURL = fc.MarkerURL
	}
	if fc.DatalabURL != "" {
		cfg.DatalabURL = fc.DatalabURL
	}
	if fc.APIKey != "" {
		cfg.APIKey = fc.APIKey
	}
	if fc.GeminiAPIKey != "" {
		cfg.GeminiAPIKey = fc.GeminiAPIKey
	}
	if fc.InitialDelay != "" {
		d, err := time.ParseDuration(fc.InitialDelay)
		if err != nil {
			return fmt.Errorf("parse %s: initial_delay: %w", path, err)
		}
		cfg.InitialDelay = d
	}
	if fc.PollInterval != "" {
		d, err := time.ParseDuration(fc.PollInterval)
		if err != nil {
			return fmt.Errorf("parse %s: poll_interval: %w", path, err)
		}
		cfg.PollInterval = d
	}
	if fc.MaxAttempts > 0 {
		cfg.MaxAttempts = fc.MaxAttempts
	}
	if fc.OutDir != "" {
		cfg.OutDir = fc.OutDir
	}
	if fc.Concurrency > 0 {
		cfg.Concurrency = fc.Concurrency
	}
	if fc.History != nil {
		cfg.HistoryEnabled = *fc.History
	}
	if fc.HistoryFile != "" {
		cfg.HistoryFile = fc.HistoryFile
	}
	if fc.ListenAddr != "" {
		cfg.ListenAddr = fc.ListenAddr
	}
	if fc.LogFile != "" {
		cfg.LogFile = fc.LogFile
	}
	if fc.LogLevel != "" {
		cfg.LogLevel = parseLogLevel(fc.LogLevel)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Backend = getEnv("DOCPREP_BACKEND", cfg.Backend)
	cfg.MarkerURL = getEnv("DOCPREP_MARKER_URL", cfg.MarkerURL)
	cfg.DatalabURL = getEnv("DOCPREP_DATALAB_URL", cfg.DatalabURL)
	cfg.APIKey = getEnv("DOCPREP_API_KEY", cfg.APIKey)
	cfg.GeminiAPIKey = getEnv("DOCPREP_GEMINI_API_KEY", getEnv("GEMINI_API_KEY", cfg.GeminiAPIKey))

	cfg.InitialDelay = getEnvDuration("DOCPREP_INITIAL_DELAY", cfg.InitialDelay)
	cfg.PollInterval = getEnvDuration("DOCPREP_POLL_INTERVAL", cfg.PollInterval)
	cfg.MaxAttempts = getEnvInt("DOCPREP_MAX_ATTEMPTS", cfg.MaxAttempts)

	cfg.OutDir = getEnv("DOCPREP_OUT_DIR", cfg.OutDir)
	cfg.Concurrency = getEnvInt("DOCPREP_CONCURRENCY", cfg.Concurrency)

	cfg.HistoryEnabled = getEnvBool("DOCPREP_HISTORY", cfg.HistoryEnabled)
	cfg.HistoryFile = getEnv("DOCPREP_HISTORY_FILE", cfg.HistoryFile)

	cfg.ListenAddr = getEnv("DOCPREP_LISTEN_ADDR", cfg.ListenAddr)

	cfg.LogFile = getEnv("DOCPREP_LOG_FILE", cfg.LogFile)
	if lvl := os.Getenv("DOCPREP_LOG_LEVEL"); lvl != "" {
		cfg.LogLevel = parseLogLevel(lvl)
	}
}

func defaultHistoryFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "docprep-history.db"
	}
	return filepath.Join(home, ".local", "share", "docprep", "history.db")
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

func getEnvBool(key string, defaultVal bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return defaultVal
	}
	return d
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
