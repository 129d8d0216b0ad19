package db

import "github.com/kmihara/rockykv/internal/batch"

// WriteBatch holds a sequence of Put/Delete/DeleteRange operations to be
// applied atomically via DB.Write.
type WriteBatch = batch.WriteBatch

// NewWriteBatch returns an empty WriteBatch.
func NewWriteBatch() *WriteBatch {
	return batch.New()
}
