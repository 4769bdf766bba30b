package config

import (
	"fmt"
	"runtime"
)

// Estimate represents calculated resource requirements for a panel build.
type Estimate struct {
	// Shape
	PanelRows     int64
	PanelColumns  int64
	PanelCells    int64
	PartitionRows int64

	// Memory requirements
	PartitionBytes int64
	PeakRAMBytes   int64
	QueryCacheBytes int64

	// Storage requirements
	ChunkStorageBytes int64

	// Concurrency
	RecommendedWorkers int
}

// Constants for calculations
const (
	// Bytes per panel cell (in-memory, float64)
	bytesPerCell = 8

	// Bytes per cell in a chunk before compression (value plus
	// row/lag/column addressing)
	bytesPerCellStored = 40

	// Compression ratio for Parquet on numeric panel data
	compressionRatio = 5
)

// CalculateEstimate computes resource requirements for building a lagged
// panel of the given shape under this configuration.
func (c *Config) CalculateEstimate(rows, features, partitions int64, lag int) Estimate {
	e := Estimate{}

	if partitions <= 0 {
		partitions = 1
	}

	e.PanelRows = rows
	e.PanelColumns = features * int64(lag+1)
	e.PanelCells = e.PanelRows * e.PanelColumns
	e.PartitionRows = (rows + partitions - 1) / partitions

	// -------------------------------------------------------------------------
	// Memory Requirements
	// -------------------------------------------------------------------------

	// One realized partition: the panel block plus the carried overlap rows.
	overlapCells := int64(lag) * e.PanelColumns
	e.PartitionBytes = (e.PartitionRows*e.PanelColumns + overlapCells) * bytesPerCell

	// Peak: in-flight partitions held simultaneously, input and output
	// copies both live across a map step.
	inFlight := int64(c.Engine.EffectiveMaxInFlight())
	if inFlight > partitions {
		inFlight = partitions
	}
	e.PeakRAMBytes = 2 * inFlight * e.PartitionBytes

	// Query cache (from config or default)
	e.QueryCacheBytes = parseMemoryLimit(c.Query.MemoryLimit)

	// -------------------------------------------------------------------------
	// Storage Requirements
	// -------------------------------------------------------------------------

	e.ChunkStorageBytes = e.PanelCells * bytesPerCellStored / compressionRatio

	// -------------------------------------------------------------------------
	// Concurrency
	// -------------------------------------------------------------------------

	workers := c.Engine.Workers
	if int64(workers) > partitions {
		workers = int(partitions)
	}
	if workers > runtime.NumCPU() {
		workers = runtime.NumCPU()
	}
	if workers < 1 {
		workers = 1
	}
	e.RecommendedWorkers = workers

	return e
}

// FormatEstimate returns a human-readable summary of the estimate.
func (e *Estimate) FormatEstimate() string {
	return fmt.Sprintf(`Build Estimate
==============

Shape:
  Panel Rows:        %s
  Panel Columns:     %s
  Panel Cells:       %s
  Rows/Partition:    %s

Memory:
  Per Partition:     %s
  Peak RAM:          %s (at configured in-flight cap)
  Query Cache:       %s

Storage:
  Chunk Storage:     %s (estimated, compressed)

Concurrency:
  Recommended Workers: %d
`,
		formatNumber(e.PanelRows),
		formatNumber(e.PanelColumns),
		formatNumber(e.PanelCells),
		formatNumber(e.PartitionRows),
		formatBytes(e.PartitionBytes),
		formatBytes(e.PeakRAMBytes),
		formatBytes(e.QueryCacheBytes),
		formatBytes(e.ChunkStorageBytes),
		e.RecommendedWorkers,
	)
}

// parseMemoryLimit parses a memory limit string like "2GB" into bytes.
func parseMemoryLimit(s string) int64 {
	if s == "" {
		return 2 * 1024 * 1024 * 1024 // Default 2GB
	}

	var value int64
	var unit string
	_, err := fmt.Sscanf(s, "%d%s", &value, &unit)
	if err != nil {
		// Try without space
		for i, c := range s {
			if c < '0' || c > '9' {
				fmt.Sscanf(s[:i], "%d", &value)
				unit = s[i:]
				break
			}
		}
	}

	switch unit {
	case "B", "b", "":
		return value
	case "KB", "kb", "K", "k":
		return value * 1024
	case "MB", "mb", "M", "m":
		return value * 1024 * 1024
	case "GB", "gb", "G", "g":
		return value * 1024 * 1024 * 1024
	case "TB", "tb", "T", "t":
		return value * 1024 * 1024 * 1024 * 1024
	default:
		return value
	}
}

// formatBytes formats bytes as a human-readable string.
func formatBytes(b int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
		TB = 1024 * GB
	)

	switch {
	case b >= TB:
		return fmt.Sprintf("%.2f TB", float64(b)/float64(TB))
	case b >= GB:
		return fmt.Sprintf("%.2f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.2f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.2f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}

// formatNumber formats a number with thousand separators.
func formatNumber(n int64) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		return fmt.Sprintf("%.1fK", float64(n)/1000)
	}
	if n < 1000000000 {
		return fmt.Sprintf("%.1fM", float64(n)/1000000)
	}
	return fmt.Sprintf("%.1fB", float64(n)/1000000000)
}
