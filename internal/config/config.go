package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	defaults "github.com/quantfold/timedim/config"
)

// Config represents the complete timedim configuration.
type Config struct {
	// DataDir is the root directory for panel stores addressed by name.
	DataDir string `yaml:"data_dir"`

	// Engine configures the partitioned execution engine.
	Engine EngineConfig `yaml:"engine"`

	// Store configures panel chunk persistence.
	Store StoreConfig `yaml:"store"`

	// Query configures the SQL query service.
	Query QueryConfig `yaml:"query"`

	// Profile configures feature profiling.
	Profile ProfileConfig `yaml:"profile"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`
}

// EngineConfig configures the partitioned execution engine.
type EngineConfig struct {
	// Workers is the number of partition tasks executed concurrently.
	Workers int `yaml:"workers"`

	// MaxInFlight caps how many realized partition results may be held
	// in memory at once. Zero means twice the worker count.
	MaxInFlight int `yaml:"max_in_flight"`

	// TriggerTimeout bounds a single trigger execution. Zero disables it.
	TriggerTimeout time.Duration `yaml:"trigger_timeout"`
}

// StoreConfig configures panel chunk persistence.
type StoreConfig struct {
	// Compression configures Parquet compression for chunks.
	Compression CompressionConfig `yaml:"compression"`

	// TargetChunkRows is the row count compaction consolidates chunks
	// toward.
	TargetChunkRows int `yaml:"target_chunk_rows"`

	// WriteWorkers is the number of chunks written concurrently.
	// Zero means the engine worker count.
	WriteWorkers int `yaml:"write_workers"`
}

// CompressionConfig configures Parquet compression.
type CompressionConfig struct {
	// Algorithm is the compression algorithm: snappy, zstd, lz4, none.
	Algorithm string `yaml:"algorithm"`

	// Level is the compression level (for zstd: 1-22).
	Level int `yaml:"level"`
}

// QueryConfig configures the SQL query service.
type QueryConfig struct {
	// MemoryLimit is the DuckDB memory limit.
	MemoryLimit string `yaml:"memory_limit"`

	// Timeout is the query timeout.
	Timeout time.Duration `yaml:"timeout"`

	// MaxRows is the maximum number of rows returned.
	MaxRows int `yaml:"max_rows"`
}

// ProfileConfig configures feature profiling.
type ProfileConfig struct {
	// Accuracy is the DDSketch relative accuracy (0.01 = 1% error).
	Accuracy float64 `yaml:"accuracy"`

	// Percentiles are the quantiles reported by describe.
	Percentiles []float64 `yaml:"percentiles"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	// Level is the log level: debug, info, warn, error.
	Level string `yaml:"level"`

	// JSON switches log output to JSON format.
	JSON bool `yaml:"json"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return config, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir: defaults.DefaultDataDir,
		Engine: EngineConfig{
			Workers:     runtime.NumCPU(),
			MaxInFlight: 0,
		},
		Store: StoreConfig{
			Compression: CompressionConfig{
				Algorithm: defaults.DefaultCompression,
				Level:     defaults.DefaultCompressionLevel,
			},
			TargetChunkRows: defaults.DefaultTargetChunkRows,
		},
		Query: QueryConfig{
			MemoryLimit: defaults.DefaultQueryMemoryLimit,
			Timeout:     defaults.DefaultQueryTimeout,
			MaxRows:     defaults.DefaultQueryMaxRows,
		},
		Profile: ProfileConfig{
			Accuracy:    defaults.DefaultSketchAccuracy,
			Percentiles: []float64{0.50, 0.90, 0.99},
		},
		Logging: LoggingConfig{
			Level: defaults.DefaultLogLevel,
			JSON:  false,
		},
	}
}

// EffectiveMaxInFlight resolves the in-flight cap, applying the default
// when unset.
func (c *EngineConfig) EffectiveMaxInFlight() int {
	if c.MaxInFlight > 0 {
		return c.MaxInFlight
	}
	return defaults.DefaultMaxInFlightFactor * c.Workers
}

// EffectiveWriteWorkers resolves the write parallelism, falling back to
// the engine worker count.
func (c *Config) EffectiveWriteWorkers() int {
	if c.Store.WriteWorkers > 0 {
		return c.Store.WriteWorkers
	}
	return c.Engine.Workers
}

// StoreDir returns the directory for a panel store addressed by name.
// An absolute name is used as-is.
func (c *Config) StoreDir(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.DataDir, name)
}

// EnsureDataDir creates the data directory if it does not exist.
func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", c.DataDir, err)
	}
	return nil
}
