// Package db provides a pure-Go embedded key-value store modelled on RocksDB.
//
// RockyKV follows the structure of RocksDB v10.7.5 (memtable, WAL, MANIFEST,
// leveled compaction) and provides an LSM-tree based storage engine suitable
// for high-write workloads. Its on-disk formats are the LevelDB-style ones
// listed under Compatibility below, not RocksDB's current table format.
//
// # Quick Start
//
// Opening and using a database:
//
//	import "github.com/kmihara/rockykv/db"
//
//	// Open or create a database
//	opts := db.DefaultOptions()
//	opts.CreateIfMissing = true
//	database, err := db.Open("/path/to/db", opts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer database.Close()
//
//	// Write data
//	err = database.Put(db.DefaultWriteOptions(), []byte("key"), []byte("value"))
//
//	// Read data
//	value, err := database.Get(nil, []byte("key"))
//
//	// Delete data
//	err = database.Delete(db.DefaultWriteOptions(), []byte("key"))
//
// # Batch Writes
//
// For atomic multi-key operations, use WriteBatch:
//
//	wb := db.NewWriteBatch()
//	wb.Put([]byte("key1"), []byte("value1"))
//	wb.Put([]byte("key2"), []byte("value2"))
//	wb.Delete([]byte("key3"))
//	err := database.Write(db.DefaultWriteOptions(), wb)
//
// # Iteration
//
// Iterate over keys in sorted order:
//
//	iter := database.NewIterator(db.DefaultReadOptions())
//	defer iter.Close()
//
//	for iter.SeekToFirst(); iter.Valid(); iter.Next() {
//	    fmt.Printf("%s: %s\n", iter.Key(), iter.Value())
//	}
//
//	// Seek to a specific key
//	iter.Seek([]byte("prefix"))
//
// # Snapshots
//
// Read a consistent view of the database:
//
//	snap := database.GetSnapshot()
//	defer database.ReleaseSnapshot(snap)
//
//	opts := db.DefaultReadOptions()
//	opts.Snapshot = snap
//	value, err := database.Get(opts, []byte("key"))
//
// # Features
//
// Core features:
//   - LSM-tree architecture with memtable and SST files
//   - Write-ahead log (WAL) for durability
//   - Background compaction (leveled)
//   - Bloom filters for read optimization
//   - Snappy, Zlib, LZ4, and Zstandard compression
//   - Snapshots and iterators
//
// # Thread Safety
//
// A DB instance is safe for concurrent access by multiple goroutines.
// Individual Iterator instances are NOT safe for concurrent access -
// each goroutine should create its own iterator.
//
// # Performance
//
// For best performance:
//   - Use batch writes for multiple keys
//   - Configure appropriate write buffer size
//   - Enable bloom filters for read-heavy workloads
//   - Use compression for large values
//
// # Compatibility
//
// RockyKV writes LevelDB-style on-disk formats:
//   - SST files end in the 48-byte legacy footer (two block handles and the
//     magic number); there is no table format version
//   - WAL files use 32 KiB blocks of checksummed log records
//   - MANIFEST new-file entries are written as the original tag-7 record
//
// Filter blocks are the exception: they use RocksDB's FastLocalBloom layout
// hashed with XXH3, not LevelDB's Bloom filter.
//
// Reference: RocksDB v10.7.5
//   - include/rocksdb/db.h
//   - db/db_impl/db_impl.h
package db
