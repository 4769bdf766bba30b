package store

import (
	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/quantfold/timedim/config"
)

// Options configures how chunks are written. The compression fields are
// part of the physical layout: reads must present the same values the
// store was written with.
type Options struct {
	// Compression algorithm for chunk files.
	Compression CompressionType

	// CompressionLevel for algorithms that support it (zstd: 1-22).
	CompressionLevel int

	// RowGroupSize is the target number of cells per row group.
	RowGroupSize int
}

// CompressionType represents a chunk compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionLZ4
	CompressionGzip
)

// DefaultOptions returns default chunk options.
func DefaultOptions() Options {
	return Options{
		Compression:      ParseCompressionType(config.DefaultCompression),
		CompressionLevel: config.DefaultCompressionLevel,
		RowGroupSize:     config.DefaultRowGroupCells,
	}
}

// ParseCompressionType parses a compression type string.
func ParseCompressionType(s string) CompressionType {
	switch s {
	case "snappy":
		return CompressionSnappy
	case "zstd":
		return CompressionZstd
	case "lz4":
		return CompressionLZ4
	case "gzip":
		return CompressionGzip
	case "none", "":
		return CompressionNone
	default:
		return CompressionZstd
	}
}

// String returns the canonical name of the compression type.
func (ct CompressionType) String() string {
	switch ct {
	case CompressionSnappy:
		return "snappy"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	case CompressionGzip:
		return "gzip"
	default:
		return "none"
	}
}

// getCompression returns the parquet-go compression codec.
func getCompression(ct CompressionType) compress.Codec {
	switch ct {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionLZ4:
		return &parquet.Lz4Raw
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}
