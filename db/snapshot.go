// snapshot.go implements point-in-time read snapshots.
//
// Reference: RocksDB v10.7.5 include/rocksdb/snapshot.h
package db

import (
	"sync/atomic"
	"time"

	"github.com/kmihara/rockykv/internal/dbformat"
)

// Snapshot is an immutable, read-only view of the database at the
// sequence number it was created with. Reads made with a snapshot never
// observe writes committed after the snapshot was taken.
//
// A Snapshot must be released with DB.ReleaseSnapshot once no longer
// needed; until released it pins the sequence number's data from being
// removed by compaction.
type Snapshot struct {
	db       *DBImpl
	sequence dbformat.SequenceNumber

	createdAt int64 // unix seconds, informational only

	refs int32

	// Intrusive doubly-linked list, guarded by db.snapshotLock.
	prev *Snapshot
	next *Snapshot
}

// newSnapshot creates a snapshot pinned at the given sequence number.
func newSnapshot(db *DBImpl, seq dbformat.SequenceNumber) *Snapshot {
	return &Snapshot{
		db:        db,
		sequence:  seq,
		createdAt: time.Now().Unix(),
		refs:      1,
	}
}

// Sequence returns the sequence number this snapshot is pinned to.
func (s *Snapshot) Sequence() uint64 {
	return uint64(s.sequence)
}

// Release decrements the snapshot's reference count, unlinking it from
// the database's active snapshot list once the count reaches zero.
func (s *Snapshot) Release() {
	if atomic.AddInt32(&s.refs, -1) == 0 {
		s.db.releaseSnapshot(s)
	}
}
