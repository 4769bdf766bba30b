package config

import (
	"errors"
	"fmt"
)

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	// DataDir
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}

	// Engine
	if err := c.Engine.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("engine: %w", err))
	}

	// Store
	if err := c.Store.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}

	// Query
	if err := c.Query.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("query: %w", err))
	}

	// Profile
	if err := c.Profile.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("profile: %w", err))
	}

	// Logging
	if err := c.Logging.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("logging: %w", err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the engine configuration.
func (c *EngineConfig) Validate() error {
	var errs []error

	if c.Workers <= 0 {
		errs = append(errs, errors.New("workers must be positive"))
	}

	if c.MaxInFlight < 0 {
		errs = append(errs, errors.New("max_in_flight must be non-negative"))
	}

	if c.MaxInFlight > 0 && c.MaxInFlight < c.Workers {
		errs = append(errs, errors.New("max_in_flight must be >= workers when set"))
	}

	if c.TriggerTimeout < 0 {
		errs = append(errs, errors.New("trigger_timeout must be non-negative"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the store configuration.
func (c *StoreConfig) Validate() error {
	var errs []error

	validAlgorithms := map[string]bool{
		"snappy": true,
		"zstd":   true,
		"lz4":    true,
		"gzip":   true,
		"none":   true,
		"":       true, // Empty defaults to zstd
	}
	if !validAlgorithms[c.Compression.Algorithm] {
		errs = append(errs, fmt.Errorf("compression.algorithm must be one of: snappy, zstd, lz4, gzip, none"))
	}

	if c.Compression.Algorithm == "zstd" && (c.Compression.Level < 0 || c.Compression.Level > 22) {
		errs = append(errs, errors.New("compression.level for zstd must be between 0 and 22"))
	}

	if c.TargetChunkRows <= 0 {
		errs = append(errs, errors.New("target_chunk_rows must be positive"))
	}

	if c.WriteWorkers < 0 {
		errs = append(errs, errors.New("write_workers must be non-negative"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the query configuration.
func (c *QueryConfig) Validate() error {
	var errs []error

	if c.Timeout <= 0 {
		errs = append(errs, errors.New("timeout must be positive"))
	}

	if c.MaxRows <= 0 {
		errs = append(errs, errors.New("max_rows must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the profile configuration.
func (c *ProfileConfig) Validate() error {
	var errs []error

	if c.Accuracy <= 0 || c.Accuracy > 1 {
		errs = append(errs, errors.New("accuracy must be between 0 and 1"))
	}

	if len(c.Percentiles) == 0 {
		errs = append(errs, errors.New("percentiles must not be empty"))
	}
	for _, p := range c.Percentiles {
		if p <= 0 || p >= 1 {
			errs = append(errs, fmt.Errorf("percentile %v must be between 0 and 1 exclusive", p))
			break
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the logging configuration.
func (c *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
		"":      true, // Empty defaults to info
	}
	if !validLevels[c.Level] {
		return errors.New("level must be one of: debug, info, warn, error")
	}
	return nil
}
