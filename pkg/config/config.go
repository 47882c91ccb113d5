// Package config loads the updater's optional YAML configuration.
//
// The configuration never changes the process contract with the
// supervisor. It selects where logs, metrics, traces and attempt history
// go, and where the security label and property files live. A missing
// configuration path means defaults.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/otaupdater/pkg/telemetry"
)

// EnvConfigPath names the environment variable consulted when no
// configuration path is given on the command line.
const EnvConfigPath = "UPDATER_CONFIG"

// Config is the updater configuration.
type Config struct {
	// Logging configures the recovery log.
	Logging telemetry.LoggingConfig `yaml:"logging"`

	// Tracing configures phase spans.
	Tracing telemetry.TracingConfig `yaml:"tracing"`

	// Metrics configures the textfile metrics written at exit.
	Metrics telemetry.MetricsConfig `yaml:"metrics"`

	// History configures the attempt history database.
	History HistoryConfig `yaml:"history"`

	// SELinux configures security labelling of installed files.
	SELinux SELinuxConfig `yaml:"selinux"`

	// Properties configures the system property file read by getprop.
	Properties PropertiesConfig `yaml:"properties"`
}

// HistoryConfig configures the SQLite attempt history.
type HistoryConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Path        string        `yaml:"path" validate:"required_if=Enabled true"`
	BusyTimeout time.Duration `yaml:"busy_timeout" validate:"gte=0"`
}

// SELinuxConfig locates the file_contexts used to label installed files.
// An empty path disables labelling.
type SELinuxConfig struct {
	FileContexts string `yaml:"file_contexts"`
}

// PropertiesConfig locates the property file.
type PropertiesConfig struct {
	Path string `yaml:"path" validate:"required"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	tel := telemetry.DefaultConfig()
	return &Config{
		Logging: tel.Logging,
		Tracing: tel.Tracing,
		Metrics: tel.Metrics,
		History: HistoryConfig{
			Enabled:     false,
			Path:        "/cache/recovery/updater_history.db",
			BusyTimeout: 5 * time.Second,
		},
		SELinux: SELinuxConfig{
			FileContexts: "/file_contexts",
		},
		Properties: PropertiesConfig{
			Path: "/default.prop",
		},
	}
}

// Load reads the configuration at path, falling back to $UPDATER_CONFIG
// and then to Default. Keys absent from the file keep their defaults;
// unknown keys are an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()

	if err := cfg.decode(f); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes and validates configuration from r.
func Parse(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(r); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks struct tag constraints and the telemetry settings.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	return c.Telemetry("updater", "dev").Validate()
}

// Telemetry returns the telemetry configuration for the given service.
func (c *Config) Telemetry(serviceName, serviceVersion string) *telemetry.Config {
	return &telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
		Logging:        c.Logging,
		Tracing:        c.Tracing,
		Metrics:        c.Metrics,
	}
}
