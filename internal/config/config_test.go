package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.Backend != "local" {
		t.Errorf("Backend = %q, want %q", cfg.Backend, "local")
	}
	if cfg.Concurrency != 3 {
		t.Errorf("Concurrency = %d, want 3", cfg.Concurrency)
	}
	if !cfg.HistoryEnabled {
		t.Error("HistoryEnabled = false, want true")
	}
	if cfg.ListenAddr != "localhost:8001" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, "localhost:8001")
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want INFO", cfg.LogLevel)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("DOCPREP_BACKEND", "datalab")
	t.Setenv("DOCPREP_API_KEY", "sekrit")
	t.Setenv("DOCPREP_POLL_INTERVAL", "500ms")
	t.Setenv("DOCPREP_MAX_ATTEMPTS", "42")
	t.Setenv("DOCPREP_CONCURRENCY", "8")
	t.Setenv("DOCPREP_HISTORY", "false")
	t.Setenv("DOCPREP_LOG_LEVEL", "debug")

	cfg := Load()

	if cfg.Backend != "datalab" {
		t.Errorf("Backend = %q, want %q", cfg.Backend, "datalab")
	}
	if cfg.APIKey != "sekrit" {
		t.Errorf("APIKey = %q, want %q", cfg.APIKey, "sekrit")
	}
	if cfg.PollInterval != 500*time.Millisecond {
		t.Errorf("PollInterval = %v, want 500ms", cfg.PollInterval)
	}
	if cfg.MaxAttempts != 42 {
		t.Errorf("MaxAttempts = %d, want 42", cfg.MaxAttempts)
	}
	if cfg.Concurrency != 8 {
		t.Errorf("Concurrency = %d, want 8", cfg.Concurrency)
	}
	if cfg.HistoryEnabled {
		t.Error("HistoryEnabled = true, want false")
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want DEBUG", cfg.LogLevel)
	}
}

func TestGeminiKeyFallsBackToGlobalVar(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "global")
	t.Setenv("DOCPREP_GEMINI_API_KEY", "")

	if got := Load().GeminiAPIKey; got != "global" {
		t.Errorf("GeminiAPIKey = %q, want %q", got, "global")
	}

	t.Setenv("DOCPREP_GEMINI_API_KEY", "scoped")
	if got := Load().GeminiAPIKey; got != "scoped" {
		t.Errorf("GeminiAPIKey = %q, want %q", got, "scoped")
	}
}

func TestMalformedEnvFallsBackToDefault(t *testing.T) {
	t.Setenv("DOCPREP_MAX_ATTEMPTS", "lots")
	t.Setenv("DOCPREP_POLL_INTERVAL", "soon")

	cfg := Load()
	if cfg.MaxAttempts != 0 {
		t.Errorf("MaxAttempts = %d, want 0", cfg.MaxAttempts)
	}
	if cfg.PollInterval != 0 {
		t.Errorf("PollInterval = %v, want 0", cfg.PollInterval)
	}
}

func TestLoadWithFile(t *testing.T) {
	path := writeConfigFile(t, `backend: datalab
api_key: file-key
poll_interval: 250ms
max_attempts: 9
out_dir: /tmp/converted
history: false
log_level: warn
`)

	cfg, err := LoadWithFile(path)
	if err != nil {
		t.Fatalf("LoadWithFile: %v", err)
	}

	if cfg.Backend != "datalab" {
		t.Errorf("Backend = %q, want %q", cfg.Backend, "datalab")
	}
	if cfg.APIKey != "file-key" {
		t.Errorf("APIKey = %q, want %q", cfg.APIKey, "file-key")
	}
	if cfg.PollInterval != 250*time.Millisecond {
		t.Errorf("PollInterval = %v, want 250ms", cfg.PollInterval)
	}
	if cfg.MaxAttempts != 9 {
		t.Errorf("MaxAttempts = %d, want 9", cfg.MaxAttempts)
	}
	if cfg.OutDir != "/tmp/converted" {
		t.Errorf("OutDir = %q, want %q", cfg.OutDir, "/tmp/converted")
	}
	if cfg.HistoryEnabled {
		t.Error("HistoryEnabled = true, want false")
	}
	if cfg.LogLevel != slog.LevelWarn {
		t.Errorf("LogLevel = %v, want WARN", cfg.LogLevel)
	}

	// Fields the file does not mention keep their defaults.
	if cfg.Concurrency != 3 {
		t.Errorf("Concurrency = %d, want 3", cfg.Concurrency)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, "backend: datalab\nconcurrency: 9\n")
	t.Setenv("DOCPREP_BACKEND", "local")

	cfg, err := LoadWithFile(path)
	if err != nil {
		t.Fatalf("LoadWithFile: %v", err)
	}

	if cfg.Backend != "local" {
		t.Errorf("Backend = %q, want env value %q", cfg.Backend, "local")
	}
	if cfg.Concurrency != 9 {
		t.Errorf("Concurrency = %d, want file value 9", cfg.Concurrency)
	}
}

func TestLoadWithFileExplicitMissing(t *testing.T) {
	_, err := LoadWithFile(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("want error for a missing explicit config file")
	}
}

func TestLoadWithFileDefaultMissing(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := LoadWithFile("")
	if err != nil {
		t.Fatalf("LoadWithFile: %v", err)
	}
	if cfg.Backend != "local" {
		t.Errorf("Backend = %q, want %q", cfg.Backend, "local")
	}
}

func TestLoadWithFileBadDuration(t *testing.T) {
	path := writeConfigFile(t, "initial_delay: whenever\n")

	_, err := LoadWithFile(path)
	if err == nil || !strings.Contains(err.Error(), "initial_delay") {
		t.Fatalf("err = %v, want initial_delay parse error", err)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"ERROR", slog.LevelError},
		{"verbose", slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := parseLogLevel(tt.input); got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}
