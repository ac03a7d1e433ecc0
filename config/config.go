// Package config loads the application configuration.
//
// Precedence: built-in defaults, then an optional YAML file, then
// CONVOFLOW_* environment variables.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config is the complete application configuration.
type Config struct {
	// Database is the conversation store configuration.
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`
	// Workflow holds engine defaults applied to new conversations.
	Workflow WorkflowConfig `yaml:"workflow" env:"WORKFLOW"`
	// Log is the logging configuration.
	Log LogConfig `yaml:"log" env:"LOG"`
}

// DatabaseConfig configures the SQLite conversation store.
type DatabaseConfig struct {
	// Path of the database file. ":memory:" keeps everything in memory.
	Path string `yaml:"path" env:"PATH"`
}

// WorkflowConfig holds engine defaults.
type WorkflowConfig struct {
	// Autorun advances past each member without pausing.
	Autorun bool `yaml:"autorun" env:"AUTORUN"`
	// FilterRole restricts streamed output to one role ("All" passes
	// everything).
	FilterRole string `yaml:"filter_role" env:"FILTER_ROLE"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	// Level: debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format: json or console.
	Format string `yaml:"format" env:"FORMAT"`
}

// Build constructs a zap logger from the log settings.
func (c LogConfig) Build() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.Level, err)
	}
	zc := zap.NewProductionConfig()
	if c.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "convoflow.db"},
		Workflow: WorkflowConfig{Autorun: true, FilterRole: "All"},
		Log:      LogConfig{Level: "info", Format: "json"},
	}
}

// Loader loads configuration with the builder pattern.
type Loader struct {
	configPath string
	envPrefix  string
}

// NewLoader creates a loader with the CONVOFLOW env prefix.
func NewLoader() *Loader {
	return &Loader{envPrefix: "CONVOFLOW"}
}

// WithConfigPath sets the YAML file path. A missing file is not an
// error; the defaults apply.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix overrides the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Load resolves the configuration.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		data, err := os.ReadFile(l.configPath)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	if err := setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return nil, fmt.Errorf("load config from env: %w", err)
	}
	return cfg, nil
}

// setFieldsFromEnv walks the struct and overrides fields whose env tag
// resolves to a set variable.
func setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		envTag := t.Field(i).Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}
		name := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := setFieldsFromEnv(field, name); err != nil {
				return err
			}
			continue
		}
		raw, ok := os.LookupEnv(name)
		if !ok {
			continue
		}
		switch field.Kind() {
		case reflect.String:
			field.SetString(raw)
		case reflect.Bool:
			b, err := strconv.ParseBool(raw)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			field.SetBool(b)
		case reflect.Int, reflect.Int64:
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			field.SetInt(n)
		case reflect.Float64:
			f, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			field.SetFloat(f)
		default:
			return fmt.Errorf("%s: unsupported field kind %s", name, field.Kind())
		}
	}
	return nil
}

// LoadFile is a convenience wrapper around NewLoader.
func LoadFile(path string) (*Config, error) {
	return NewLoader().WithConfigPath(path).Load()
}
