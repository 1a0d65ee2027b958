// Package config loads the ingest configuration: a YAML file, overridden by
// INGEST_* environment variables, overridden again by flags in the binary.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: bad duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the plain time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// RetryConfig bounds one retry loop.
type RetryConfig struct {
	MaxAttempts uint     `yaml:"max_attempts"`
	Base        Duration `yaml:"base"`
	Max         Duration `yaml:"max"`
}

// StorageConfig selects the destination backend.
type StorageConfig struct {
	Kind string `yaml:"kind"`
	DSN  string `yaml:"dsn"`
}

// MetricsConfig selects the metrics backend. Backend "" or "none" disables
// metrics entirely.
type MetricsConfig struct {
	Backend       string   `yaml:"backend"`
	Tags          string   `yaml:"tags"` // comma-separated key:value pairs
	FlushInterval Duration `yaml:"flush_interval"`
}

// Config is the full ingest configuration.
type Config struct {
	DiscoveryURL   string   `yaml:"discovery_url"`
	DataDir        string   `yaml:"data_dir"`
	CheckpointPath string   `yaml:"checkpoint_path"`
	Datasets       []string `yaml:"datasets"`
	BatchSize      int      `yaml:"batch_size"`
	ProgressEvery  int64    `yaml:"progress_every"`
	HTTPTimeout    Duration `yaml:"http_timeout"`

	FetchRetry RetryConfig   `yaml:"fetch_retry"`
	StoreRetry RetryConfig   `yaml:"store_retry"`
	Storage    StorageConfig `yaml:"storage"`
	Metrics    MetricsConfig `yaml:"metrics"`
}

// Default returns the baked-in configuration. Every field a run needs has a
// usable value except the storage DSN.
func Default() Config {
	return Config{
		DataDir:        "data",
		CheckpointPath: "data/checkpoint.json",
		BatchSize:      500,
		ProgressEvery:  100000,
		HTTPTimeout:    Duration(10 * time.Minute),
		FetchRetry: RetryConfig{
			MaxAttempts: 5,
			Base:        Duration(2 * time.Second),
			Max:         Duration(2 * time.Minute),
		},
		StoreRetry: RetryConfig{
			MaxAttempts: 4,
			Base:        Duration(500 * time.Millisecond),
			Max:         Duration(30 * time.Second),
		},
		Storage: StorageConfig{Kind: "sqlite", DSN: "data/ingest.db"},
		Metrics: MetricsConfig{FlushInterval: Duration(time.Minute)},
	}
}

// Load reads path (when non-empty) over the defaults, then applies INGEST_*
// environment overrides. Unknown YAML keys are rejected; typos in config
// files should fail loudly, not silently do nothing.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: %w", err)
		}
		defer f.Close()

		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	// DSNs routinely reference credentials by environment variable.
	cfg.Storage.DSN = os.ExpandEnv(cfg.Storage.DSN)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("INGEST_DISCOVERY_URL"); v != "" {
		cfg.DiscoveryURL = v
	}
	if v := os.Getenv("INGEST_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("INGEST_CHECKPOINT"); v != "" {
		cfg.CheckpointPath = v
	}
	if v := os.Getenv("INGEST_DATASETS"); v != "" {
		cfg.Datasets = splitCSV(v)
	}
	if v := os.Getenv("INGEST_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.BatchSize = n
		}
	}
	if v := os.Getenv("INGEST_STORAGE_KIND"); v != "" {
		cfg.Storage.Kind = v
	}
	if v := os.Getenv("INGEST_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("INGEST_METRICS_BACKEND"); v != "" {
		cfg.Metrics.Backend = v
	}
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Issue is one validation finding.
type Issue struct {
	Field string
	Msg   string
}

func (i Issue) String() string { return i.Field + ": " + i.Msg }

// Validate returns every problem that would stop a run, not just the first.
func (c Config) Validate() []Issue {
	var issues []Issue
	if c.DiscoveryURL == "" {
		issues = append(issues, Issue{"discovery_url", "required"})
	}
	if c.DataDir == "" {
		issues = append(issues, Issue{"data_dir", "required"})
	}
	if c.CheckpointPath == "" {
		issues = append(issues, Issue{"checkpoint_path", "required"})
	}
	if c.BatchSize <= 0 {
		issues = append(issues, Issue{"batch_size", "must be positive"})
	}
	if c.Storage.Kind == "" {
		issues = append(issues, Issue{"storage.kind", "required"})
	}
	if c.Storage.DSN == "" {
		issues = append(issues, Issue{"storage.dsn", "required"})
	}
	if c.FetchRetry.MaxAttempts == 0 {
		issues = append(issues, Issue{"fetch_retry.max_attempts", "must be at least 1"})
	}
	if c.StoreRetry.MaxAttempts == 0 {
		issues = append(issues, Issue{"store_retry.max_attempts", "must be at least 1"})
	}
	return issues
}
