// Package config provides configuration defaults and utilities
// for the timedim application.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via timedim.yaml or command-line flags.
package config

import "time"

// =============================================================================
// Engine Defaults
// =============================================================================

const (
	// DefaultMaxInFlightFactor scales the engine worker count into the
	// cap on raw partitions held in memory at once. Workers default to
	// the CPU count, so the cap follows the machine.
	// Override via config: engine.max_in_flight
	DefaultMaxInFlightFactor = 2
)

// =============================================================================
// Store Defaults
// =============================================================================

const (
	// DefaultCompression is the chunk compression algorithm.
	// Zstd roughly halves snappy's output size on lagged panel data,
	// which repeats every value lag-many times.
	// Override via config: store.compression.algorithm
	DefaultCompression = "zstd"

	// DefaultCompressionLevel applies to algorithms with levels (zstd: 1-22).
	// Override via config: store.compression.level
	DefaultCompressionLevel = 3

	// DefaultRowGroupCells is the target number of cells per Parquet row
	// group. One panel row expands to lags*features cells, so row groups
	// are sized in cells rather than panel rows.
	DefaultRowGroupCells = 1 << 20

	// DefaultTargetChunkRows is the cell count compaction consolidates
	// chunk files toward.
	// Override via config: store.target_chunk_rows
	DefaultTargetChunkRows = 1 << 20

	// DefaultReadBufferSize is the chunk reader buffer size in bytes.
	DefaultReadBufferSize = 1 << 20
)

// =============================================================================
// Query Defaults
// =============================================================================

const (
	// DefaultQueryMemoryLimit caps DuckDB memory use.
	// Override via config: query.memory_limit
	DefaultQueryMemoryLimit = "2GB"

	// DefaultQueryTimeout bounds a single query execution.
	// Override via config: query.timeout
	DefaultQueryTimeout = 30 * time.Second

	// DefaultQueryMaxRows caps the rows collected from one query.
	// Override via config: query.max_rows
	DefaultQueryMaxRows = 1000000

	// DefaultPartitionRows is the number of source rows a planned query
	// partition carries.
	// Override via flag: --target-rows
	DefaultPartitionRows = 100000
)

// =============================================================================
// Profile Defaults
// =============================================================================

const (
	// DefaultSketchAccuracy is the DDSketch relative accuracy used for
	// percentile estimation (0.01 = 1% relative error).
	// Override via config: profile.accuracy
	DefaultSketchAccuracy = 0.01
)

// =============================================================================
// Path and Logging Defaults
// =============================================================================

const (
	// DefaultDataDir is the root directory for named panel stores.
	// Override via config: data_dir
	DefaultDataDir = "timedim-data"

	// DefaultLogLevel is the log verbosity: debug, info, warn, error.
	// Override via config: logging.level
	DefaultLogLevel = "info"
)
