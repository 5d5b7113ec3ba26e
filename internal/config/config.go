// Package config loads the runname configuration: a YAML file validated
// against an embedded CUE schema and layered over Default.
package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	cueyaml "cuelang.org/go/encoding/yaml"
	"gopkg.in/yaml.v3"
)

// EnvRoot overrides Config.Root when set.
const EnvRoot = "RUNNAME_ROOT"

//go:embed schema.cue
var schemaSource string

// Config is the full configuration.
type Config struct {
	// Root holds counters/, index/ and the default tracker database.
	Root string `yaml:"root"`

	Lock    LockConfig    `yaml:"lock"`
	Counter CounterConfig `yaml:"counter"`
	Index   IndexConfig   `yaml:"index"`
	Naming  NamingConfig  `yaml:"naming"`
	Tracker TrackerConfig `yaml:"tracker"`
	Log     LogConfig     `yaml:"log"`
}

// LockConfig tunes lock acquisition.
type LockConfig struct {
	Lease   Duration `yaml:"lease"`
	Timeout Duration `yaml:"timeout"`

	// MaxRetries bounds attempts after the first; 0 means only Timeout applies.
	MaxRetries int      `yaml:"max_retries"`
	BackoffMin Duration `yaml:"backoff_min"`
	BackoffMax Duration `yaml:"backoff_max"`
}

// CounterConfig tunes the version counter.
type CounterConfig struct {
	ReservationTTL   Duration `yaml:"reservation_ttl"`
	SweepConcurrency int      `yaml:"sweep_concurrency"`
}

// IndexConfig tunes the run index.
type IndexConfig struct {
	ShardPrefixLen int  `yaml:"shard_prefix_len"`
	BackfillOnMiss bool `yaml:"backfill_on_miss"`
}

// NamingConfig tunes the naming flow.
type NamingConfig struct {
	MaxAttempts  int      `yaml:"max_attempts"`
	RetryBackoff Duration `yaml:"retry_backoff"`
}

// TrackerConfig locates the SQLite tracking backend.
type TrackerConfig struct {
	// Database defaults to <root>/tracker.db.
	Database string `yaml:"database"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Root: ".runname",
		Lock: LockConfig{
			Lease:      Duration(2 * time.Minute),
			Timeout:    Duration(30 * time.Second),
			BackoffMin: Duration(25 * time.Millisecond),
			BackoffMax: Duration(time.Second),
		},
		Counter: CounterConfig{
			ReservationTTL:   Duration(10 * time.Minute),
			SweepConcurrency: 8,
		},
		Index: IndexConfig{
			ShardPrefixLen: 2,
			BackfillOnMiss: true,
		},
		Naming: NamingConfig{
			MaxAttempts:  5,
			RetryBackoff: Duration(200 * time.Millisecond),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path over Default and applies the environment. An empty path
// skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := Parse(path, data, cfg); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv(os.Getenv)
	return cfg, nil
}

// Parse validates data against the schema and decodes it into cfg.
// Fields absent from data keep their current values.
func Parse(filename string, data []byte, cfg *Config) error {
	if err := Validate(filename, data); err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("decode config %s: %w", filename, err)
	}
	return nil
}

// Validate checks YAML data against the embedded schema.
func Validate(filename string, data []byte) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	file, err := cueyaml.Extract(filename, data)
	if err != nil {
		return fmt.Errorf("parse config %s: %w", filename, err)
	}
	value := ctx.BuildFile(file)
	if err := value.Err(); err != nil {
		return fmt.Errorf("parse config %s: %w", filename, err)
	}

	unified := schema.LookupPath(cue.ParsePath("#Config")).Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid config %s:\n%s", filename, cueerrors.Details(err, nil))
	}
	return nil
}

// ApplyEnv applies environment overrides read through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if root := getenv(EnvRoot); root != "" {
		c.Root = root
	}
}

// CountersDir is where counter records live.
func (c *Config) CountersDir() string {
	return filepath.Join(c.Root, "counters")
}

// IndexDir is where index shards live.
func (c *Config) IndexDir() string {
	return filepath.Join(c.Root, "index")
}

// TrackerPath is the SQLite database of the reference backend.
func (c *Config) TrackerPath() string {
	if c.Tracker.Database != "" {
		return c.Tracker.Database
	}
	return filepath.Join(c.Root, "tracker.db")
}
