package engine

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"quantlab/internal/config"
	"quantlab/internal/store"
	"quantlab/internal/strategy"
	"quantlab/internal/strategy/builtins"
	"quantlab/internal/telemetry"
)

// Open builds an Engine from cfg with the builtin strategies registered,
// Parquet bar storage and export, and a SQLite store for results and
// checkpoints. An empty SQLitePath disables both. Call the returned function to
// release the stores.
func Open(cfg *config.Config, tel *telemetry.Metrics, log *slog.Logger) (*Engine, func() error, error) {
	bars := store.NewParquetStore(cfg.Storage.DataDir)
	if cfg.Storage.ExportDir != "" {
		bars.ExportDir = cfg.Storage.ExportDir
	}

	reg := strategy.NewRegistry()
	builtins.Register(reg)

	opts := OptionsFromConfig(cfg)
	opts.Registry = reg
	opts.Bars = bars
	opts.Exporter = bars
	opts.Telemetry = tel
	opts.Logger = log

	closer := func() error { return nil }
	if cfg.Storage.SQLitePath != "" {
		if dir := filepath.Dir(cfg.Storage.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, fmt.Errorf("creating %s: %w", dir, err)
			}
		}
		results, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("opening %s: %w", cfg.Storage.SQLitePath, err)
		}
		opts.Results = results
		opts.Checkpoints = results
		closer = results.Close
	}
	return NewEngine(opts), closer, nil
}
