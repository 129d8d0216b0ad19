// options.go defines the configuration structs accepted by Open and the
// per-call option structs accepted by read/write/flush operations.
//
// Reference: RocksDB v10.7.5 include/rocksdb/options.h
package db

import (
	"github.com/kmihara/rockykv/internal/logging"
	"github.com/kmihara/rockykv/internal/vfs"
)

// Logger is the logging interface used by the database. It is satisfied
// directly by *logging.DefaultLogger, and by any user-supplied adapter
// wrapping a structured logger (slog, zap, ...).
type Logger = logging.Logger

// newDefaultLogger returns the database's default WARN-level logger,
// writing to stderr.
func newDefaultLogger() Logger {
	return logging.NewDefaultLogger(logging.LevelWarn)
}

// Options controls the behavior of Open and the database it returns.
// A nil *Options is equivalent to DefaultOptions().
type Options struct {
	// FS is the filesystem abstraction used for all file I/O. Defaults
	// to the real OS filesystem.
	FS vfs.FS

	// Comparator defines the ordering over keys. Must not change across
	// the lifetime of a database directory. Defaults to a bytewise
	// lexicographic comparator.
	Comparator Comparator

	// Logger receives diagnostic output. Defaults to a stderr logger at
	// WARN level.
	Logger Logger

	// CreateIfMissing creates the database directory and an empty
	// database if one does not already exist at the given path.
	CreateIfMissing bool

	// ErrorIfExists causes Open to fail if a database already exists at
	// the given path.
	ErrorIfExists bool

	// ParanoidChecks enables extra integrity checks (e.g. block
	// checksums) at the cost of some performance.
	ParanoidChecks bool

	// WriteBufferSize is the size, in bytes, at which a memtable is
	// scheduled for flush to an SST file.
	WriteBufferSize int

	// MaxWriteBufferNumber caps the number of memtables (active plus
	// immutable, not-yet-flushed) held in memory before writes stall.
	MaxWriteBufferNumber int

	// MaxOpenFiles caps the number of SST files the table cache keeps
	// open simultaneously. A value <= 0 means unlimited.
	MaxOpenFiles int

	// BlockCacheCapacity sizes the shared block cache, in bytes. Zero
	// disables caching.
	BlockCacheCapacity int64

	// BlockSize is the target uncompressed size, in bytes, of each SST
	// data block.
	BlockSize int

	// FilterBitsPerKey sets the number of bits per key used by the
	// per-SST Bloom filter. Zero disables filter blocks.
	FilterBitsPerKey int

	// Level0FileNumCompactionTrigger is the number of L0 files that
	// triggers a compaction.
	Level0FileNumCompactionTrigger int

	// Level0SlowdownWritesTrigger is the number of L0 files at which
	// writes are throttled.
	Level0SlowdownWritesTrigger int

	// Level0StopWritesTrigger is the number of L0 files at which writes
	// are blocked until compaction catches up.
	Level0StopWritesTrigger int

	// MaxBytesForLevelBase is the target total size, in bytes, of L1.
	// Each subsequent level's target grows by a fixed multiplier.
	MaxBytesForLevelBase int64

	// TargetFileSizeBase is the target SST file size, in bytes, for L1.
	TargetFileSizeBase int64

	// NumLevels is the number of levels in the LSM tree.
	NumLevels int

	// MaxSubcompactions is the maximum number of concurrent
	// subcompactions a single compaction job may run.
	MaxSubcompactions int

	// DisableAutoCompactions turns off background compaction scheduling.
	// Manual compaction via CompactRange is still honored.
	DisableAutoCompactions bool
}

// DefaultOptions returns an Options populated with RockyKV's defaults.
func DefaultOptions() *Options {
	return &Options{
		CreateIfMissing:                 false,
		ParanoidChecks:                  false,
		WriteBufferSize:                 64 * 1024 * 1024, // 64MB
		MaxWriteBufferNumber:            2,
		MaxOpenFiles:                    1000,
		BlockCacheCapacity:              8 * 1024 * 1024, // 8MB
		BlockSize:                       4 * 1024,        // 4KB
		FilterBitsPerKey:                10,
		Level0FileNumCompactionTrigger:  4,
		Level0SlowdownWritesTrigger:     20,
		Level0StopWritesTrigger:         36,
		MaxBytesForLevelBase:            256 * 1024 * 1024, // 256MB
		TargetFileSizeBase:              64 * 1024 * 1024,  // 64MB
		NumLevels:                       7,
		MaxSubcompactions:               1,
		DisableAutoCompactions:          false,
	}
}

// WriteOptions controls a single Put/Delete/DeleteRange/Write call.
type WriteOptions struct {
	// Sync, if true, waits for the WAL write to be durably synced to
	// disk before returning.
	Sync bool

	// DisableWAL skips writing to the write-ahead log entirely. Data
	// written this way is lost on crash (though not on a clean Close,
	// since it is still applied to the memtable and eventually flushed).
	DisableWAL bool
}

// DefaultWriteOptions returns a WriteOptions with WAL enabled and no sync.
func DefaultWriteOptions() *WriteOptions {
	return &WriteOptions{}
}

// ReadOptions controls a single Get or NewIterator call.
type ReadOptions struct {
	// Snapshot pins reads to a prior point-in-time view of the
	// database. If nil, reads observe the latest committed state.
	Snapshot *Snapshot

	// VerifyChecksums causes every block read from an SST file to be
	// checksum-verified before use.
	VerifyChecksums bool

	// IterateLowerBound restricts an iterator to keys >= this bound
	// (inclusive). A nil bound means no lower restriction. Ignored by Get.
	IterateLowerBound []byte

	// IterateUpperBound restricts an iterator to keys < this bound
	// (exclusive). A nil bound means no upper restriction. Ignored by Get.
	IterateUpperBound []byte
}

// DefaultReadOptions returns a ReadOptions with no snapshot and checksum
// verification enabled.
func DefaultReadOptions() *ReadOptions {
	return &ReadOptions{VerifyChecksums: true}
}

// FlushOptions controls a single Flush call.
type FlushOptions struct {
	// Wait, if true, blocks until the flush completes. If false, the
	// flush is scheduled but Flush returns immediately.
	Wait bool
}

// DefaultFlushOptions returns a FlushOptions that waits for completion.
func DefaultFlushOptions() *FlushOptions {
	return &FlushOptions{Wait: true}
}
