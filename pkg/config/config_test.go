package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "updater.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv(EnvConfigPath, "")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Logging.Format != "console" || !cfg.Logging.NoColor {
		t.Errorf("logging = %+v", cfg.Logging)
	}
	if cfg.History.Enabled || cfg.Metrics.Enabled || cfg.Tracing.Enabled {
		t.Error("optional sinks enabled by default")
	}
	if cfg.Properties.Path != "/default.prop" {
		t.Errorf("properties path = %q", cfg.Properties.Path)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	path := writeConfig(t, "logging:\n  level: debug\n")
	t.Setenv(EnvConfigPath, path)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %q, want debug", cfg.Logging.Level)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: warn
  format: json
metrics:
  enabled: true
  textfile_path: /data/metrics/updater.prom
history:
  enabled: true
  path: /cache/history.db
  busy_timeout: 2s
selinux:
  file_contexts: ""
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Logging.Level != "warn" || cfg.Logging.Format != "json" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
	if cfg.Logging.Output != "stdout" {
		t.Errorf("output = %q, want default stdout", cfg.Logging.Output)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.TextfilePath != "/data/metrics/updater.prom" {
		t.Errorf("metrics = %+v", cfg.Metrics)
	}
	if !cfg.History.Enabled || cfg.History.Path != "/cache/history.db" || cfg.History.BusyTimeout != 2*time.Second {
		t.Errorf("history = %+v", cfg.History)
	}
	if cfg.SELinux.FileContexts != "" {
		t.Errorf("file_contexts = %q, want empty", cfg.SELinux.FileContexts)
	}

	tel := cfg.Telemetry("updater", "1.0")
	if tel.ServiceVersion != "1.0" || tel.Metrics.TextfilePath != cfg.Metrics.TextfilePath {
		t.Errorf("telemetry = %+v", tel)
	}
}

func TestLoadEmptyFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("level = %q, want info", cfg.Logging.Level)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"unknown key", "logging:\n  colour: true\n", "field colour not found"},
		{"bad yaml", "logging: [\n", "failed to parse"},
		{"bad level", "logging:\n  level: loud\n", "Level"},
		{"bad format", "logging:\n  format: xml\n", "Format"},
		{"metrics without path", "metrics:\n  enabled: true\n", "TextfilePath"},
		{"history without path", "history:\n  enabled: true\n  path: \"\"\n", "Path"},
		{"otlp without endpoint", "tracing:\n  enabled: true\n  exporter: otlp\n", "Endpoint"},
		{"sampling out of range", "tracing:\n  sampling_rate: 2\n", "SamplingRate"},
		{"properties without path", "properties:\n  path: \"\"\n", "Path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("Load() succeeded, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("Load() succeeded for a missing file")
	}
}

func TestParse(t *testing.T) {
	cfg, err := Parse(strings.NewReader("properties:\n  path: /vendor/build.prop\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Properties.Path != "/vendor/build.prop" {
		t.Errorf("properties path = %q", cfg.Properties.Path)
	}
}
