// Package config loads livequery configuration from YAML files.
//
// A file is first validated against an embedded CUE schema, which rejects
// unknown keys and out-of-range values with positioned messages, and then
// decoded over the defaults.
package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	cueyaml "cuelang.org/go/encoding/yaml"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaSrc string

// Scheduler names accepted by Delivery.Scheduler.
const (
	SchedulerGo     = "go"
	SchedulerSerial = "serial"
)

// Config is the complete configuration.
type Config struct {
	Database  Database  `yaml:"database"`
	Delivery  Delivery  `yaml:"delivery"`
	ChangeLog ChangeLog `yaml:"change_log"`
	Log       Log       `yaml:"log"`
	Metrics   Metrics   `yaml:"metrics"`
}

// Database configures the SQLite store.
type Database struct {
	Path         string `yaml:"path"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// Delivery configures where and how much live-query work is queued.
type Delivery struct {
	// Scheduler is "go" (a goroutine per drain) or "serial" (one worker).
	Scheduler string `yaml:"scheduler"`
	MaxOwed   int    `yaml:"max_owed"`
}

// ChangeLog configures the polling bridge used by the watch command.
type ChangeLog struct {
	Tables       []string      `yaml:"tables"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// Log configures the slog handler installed by the CLI.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Metrics configures the Prometheus endpoint. An empty Addr disables it.
type Metrics struct {
	Addr string `yaml:"addr"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Database:  Database{MaxOpenConns: 1},
		Delivery:  Delivery{Scheduler: SchedulerGo, MaxOwed: 1024},
		ChangeLog: ChangeLog{PollInterval: 250 * time.Millisecond},
		Log:       Log{Level: "info", Format: "text"},
	}
}

// Load reads path, validates it and decodes it over Default(). An empty
// path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := Validate(path, data); err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks a YAML document against the configuration schema.
// filename is only used in error positions.
func Validate(filename string, data []byte) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaSrc, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	file, err := cueyaml.Extract(filename, data)
	if err != nil {
		return fmt.Errorf("parse config %s: %w", filename, err)
	}
	doc := ctx.BuildFile(file)
	if err := doc.Err(); err != nil {
		return fmt.Errorf("parse config %s: %w", filename, err)
	}

	def := schema.LookupPath(cue.ParsePath("#Config"))
	if err := def.Unify(doc).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid config %s:\n%s", filename, cueerrors.Details(err, nil))
	}
	return nil
}

// SlogLevel maps Log.Level to a slog level. Unknown values mean info.
func (c *Config) SlogLevel() slog.Level {
	switch c.Log.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
