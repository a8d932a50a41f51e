package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"quantlab/internal/domain"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for quantlab.
type Config struct {
	Storage      Storage               `yaml:"storage"`
	Server       Server                `yaml:"server"`
	Logging      Logging               `yaml:"logging"`
	Backtest     domain.BacktestConfig `yaml:"backtest"`
	Optimization Optimization          `yaml:"optimization"`
	Checkpoint   Checkpoint            `yaml:"checkpoint"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
	ExportDir  string `yaml:"export_dir"`
}

// Server holds network listener configuration.
type Server struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	GRPCPort int    `yaml:"grpc_port"`
	// StreamBarRate caps bar events per second on each event stream.
	// Zero disables the cap.
	StreamBarRate float64 `yaml:"stream_bar_rate"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Optimization holds worker pool and search tuning.
type Optimization struct {
	Workers                int           `yaml:"workers"`
	TrialTimeout           time.Duration `yaml:"trial_timeout"`
	Seed                   uint64        `yaml:"seed"`
	PopulationSize         int           `yaml:"population_size"`
	MutationRate           float64       `yaml:"mutation_rate"`
	ConvergenceGenerations int           `yaml:"convergence_generations"`
	MaxGridSize            int64         `yaml:"max_grid_size"`
}

// Checkpoint configures periodic snapshots of running backtests, used to
// resume them after an interruption. Snapshots are kept in the SQLite store.
type Checkpoint struct {
	Enabled bool `yaml:"enabled"`
	// Interval is the number of bars between snapshots.
	Interval int `yaml:"interval"`
	// MaxCount is how many snapshots are kept per task.
	MaxCount int `yaml:"max_count"`
	// Warmup is how many bars before a snapshot are replayed through
	// strategies that cannot restore their own state.
	Warmup            int  `yaml:"warmup"`
	CleanupOnComplete bool `yaml:"cleanup_on_complete"`
}

// Default returns the configuration used for keys absent from the file.
func Default() *Config {
	return &Config{
		Storage: Storage{
			DataDir:    "data",
			SQLitePath: "data/quantlab.db",
			ExportDir:  "data/exports",
		},
		Server:   Server{Host: "0.0.0.0", Port: 8080, GRPCPort: 9090},
		Logging:  Logging{Level: "info", Format: "json"},
		Backtest: domain.DefaultBacktestConfig(),
		Optimization: Optimization{
			PopulationSize:         20,
			MutationRate:           0.2,
			ConvergenceGenerations: 3,
			MaxGridSize:            10000,
		},
		Checkpoint: Checkpoint{
			Enabled:           true,
			Interval:          50,
			MaxCount:          5,
			Warmup:            50,
			CleanupOnComplete: true,
		},
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path over Default(),
// applies environment variable overrides and validates the backtest
// defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Backtest.Validate(); err != nil {
		return nil, fmt.Errorf("backtest defaults: %w", err)
	}
	if cfg.Checkpoint.Enabled && cfg.Checkpoint.Interval <= 0 {
		return nil, fmt.Errorf("%w: checkpoint interval must be positive, got %d", domain.ErrInvalidConfig, cfg.Checkpoint.Interval)
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields Default() with
// environment overrides applied.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if os.IsNotExist(err) {
		cfg = Default()
		if err := applyEnvOverrides(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return cfg, err
}

// Path returns the configuration file path from QUANTLAB_CONFIG, defaulting
// to config/quantlab.yaml.
func Path() string {
	if v := os.Getenv("QUANTLAB_CONFIG"); v != "" {
		return v
	}
	return "config/quantlab.yaml"
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("QUANTLAB_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}

	if v := os.Getenv("QUANTLAB_SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("QUANTLAB_EXPORT_DIR"); v != "" {
		cfg.Storage.ExportDir = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	ints := []struct {
		env string
		dst *int
	}{
		{"QUANTLAB_HTTP_PORT", &cfg.Server.Port},
		{"QUANTLAB_GRPC_PORT", &cfg.Server.GRPCPort},
		{"QUANTLAB_WORKERS", &cfg.Optimization.Workers},
	}
	for _, o := range ints {
		v := os.Getenv(o.env)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", o.env, err)
		}
		*o.dst = n
	}
	return nil
}
