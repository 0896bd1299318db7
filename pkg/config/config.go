// Package config decodes the transform engine's process configuration.
// Reading project.yml and .env themselves remains the job of the external
// project-config loader (spec.md §1); this package only defines the typed
// shape the engine accepts and a convenience loader for standalone binaries
// such as cmd/transformd.
package config

import (
	"fmt"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// WarehouseConfig controls the embedded analytical database file.
type WarehouseConfig struct {
	Path          string `env:"WAREHOUSE_PATH"`
	BusyTimeoutMS int    `env:"WAREHOUSE_BUSY_TIMEOUT_MS"`
	MaxOpenConns  int    `env:"WAREHOUSE_MAX_OPEN_CONNS"`
	MaxIdleConns  int    `env:"WAREHOUSE_MAX_IDLE_CONNS"`
}

// TransformConfig locates the project's model/seed/contract directories.
type TransformConfig struct {
	ProjectRoot       string `env:"PROJECT_ROOT"`
	TransformDir      string `env:"TRANSFORM_DIR"`
	SeedsDir          string `env:"SEEDS_DIR"`
	ContractsDir      string `env:"CONTRACTS_DIR"`
	DefaultMaxWorkers int    `env:"TRANSFORM_MAX_WORKERS"`
}

// LoggingConfig controls process logging.
type LoggingConfig struct {
	Level      string `env:"LOG_LEVEL"`
	Format     string `env:"LOG_FORMAT"`
	Output     string `env:"LOG_OUTPUT"`
	FilePrefix string `env:"LOG_FILE_PREFIX"`
}

// SchedulerConfig controls the background stream scheduler.
type SchedulerConfig struct {
	Enabled       bool `env:"SCHEDULER_ENABLED"`
	AlignToMinute bool `env:"SCHEDULER_ALIGN_MINUTE"`
}

// Config is the top-level process configuration.
type Config struct {
	Warehouse WarehouseConfig
	Transform TransformConfig
	Logging   LoggingConfig
	Scheduler SchedulerConfig
}

// New returns a configuration populated with defaults.
func New() *Config {
	return &Config{
		Warehouse: WarehouseConfig{
			Path:          "warehouse.db",
			BusyTimeoutMS: 5000,
			MaxOpenConns:  8,
			MaxIdleConns:  4,
		},
		Transform: TransformConfig{
			ProjectRoot:       ".",
			TransformDir:      "transform",
			SeedsDir:          "seeds",
			ContractsDir:      "contracts",
			DefaultMaxWorkers: 0,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePrefix: "dataplatform",
		},
		Scheduler: SchedulerConfig{
			Enabled:       true,
			AlignToMinute: true,
		},
	}
}

// Load reads .env (if present) and decodes environment variable overrides
// onto a defaulted Config. A missing .env file is not an error.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode returns an error when none of the tagged fields were
		// present in the environment; treat that as "no overrides" so a
		// config with only defaults still loads.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)
	return cfg, nil
}
