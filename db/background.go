// background.go implements background tasks like flush and compaction.
//
// BackgroundWork handles scheduling and execution of background tasks
// including memtable flushes and L0→L1→... compactions.
//
// Reference: RocksDB v10.7.5
//   - db/db_impl/db_impl_compaction_flush.cc
//   - db/db_impl/db_impl_bg.cc
//
// # Whitebox Testing Hooks
//
// This file contains sync points (requires -tags synctest) and kill points
// (requires -tags crashtest) for whitebox testing. In production builds,
// these compile to no-ops with zero overhead. See docs/testing.md for usage.
package db

import (
	"fmt"
	"sync"

	"github.com/kmihara/rockykv/internal/compaction"
	"github.com/kmihara/rockykv/internal/manifest"
	"github.com/kmihara/rockykv/internal/testutil"
)

// BackgroundWork handles background tasks like compaction.
type BackgroundWork struct {
	db *DBImpl

	// Compaction picker (leveled compaction only)
	picker *compaction.LeveledCompactionPicker

	// Max subcompactions per job
	maxSubcompactions int

	// Channels for coordination
	compactionCh   chan struct{}
	flushCh        chan struct{}
	shutdownCh     chan struct{}
	backgroundDone sync.WaitGroup

	// State
	mu                sync.Mutex
	compactionRunning bool
	flushRunning      bool
	backgroundErrors  int
}

// newBackgroundWork creates a new background work handler.
func newBackgroundWork(db *DBImpl, opts *Options) *BackgroundWork {
	picker := compaction.DefaultLeveledCompactionPicker()
	if opts.Level0FileNumCompactionTrigger > 0 {
		picker.L0CompactionTrigger = opts.Level0FileNumCompactionTrigger
	}
	if opts.Level0StopWritesTrigger > 0 {
		picker.L0StopWritesTrigger = opts.Level0StopWritesTrigger
	}
	if opts.MaxBytesForLevelBase > 0 {
		picker.MaxBytesForLevelBase = uint64(opts.MaxBytesForLevelBase)
	}
	if opts.TargetFileSizeBase > 0 {
		picker.TargetFileSizeBase = uint64(opts.TargetFileSizeBase)
	}

	maxSub := opts.MaxSubcompactions
	if maxSub <= 0 {
		maxSub = 1
	}

	return &BackgroundWork{
		db:                db,
		picker:            picker,
		maxSubcompactions: maxSub,
		compactionCh:      make(chan struct{}, 1),
		flushCh:           make(chan struct{}, 1),
		shutdownCh:        make(chan struct{}),
	}
}

// Start starts the background workers.
func (bg *BackgroundWork) Start() {
	bg.backgroundDone.Add(1)
	go bg.backgroundLoop()
}

// Stop stops the background workers and waits for them to finish.
func (bg *BackgroundWork) Stop() {
	close(bg.shutdownCh)
	bg.backgroundDone.Wait()
}

// MaybeScheduleCompaction signals that compaction may be needed.
func (bg *BackgroundWork) MaybeScheduleCompaction() {
	select {
	case bg.compactionCh <- struct{}{}:
	default:
		// Already signaled
	}
}

// MaybeScheduleFlush signals that flush may be needed.
func (bg *BackgroundWork) MaybeScheduleFlush() {
	select {
	case bg.flushCh <- struct{}{}:
	default:
		// Already signaled
	}
}

// backgroundLoop is the main background worker loop.
func (bg *BackgroundWork) backgroundLoop() {
	defer bg.backgroundDone.Done()

	for {
		select {
		case <-bg.shutdownCh:
			return

		case <-bg.flushCh:
			bg.doFlushWork()

		case <-bg.compactionCh:
			bg.doCompactionWork()
		}
	}
}

// doFlushWork performs background flush if needed.
func (bg *BackgroundWork) doFlushWork() {
	// Whitebox [synctest]: barrier at background flush start
	_ = testutil.SP(testutil.SPBGFlushStart)

	bg.mu.Lock()
	if bg.flushRunning {
		bg.mu.Unlock()
		return
	}
	bg.flushRunning = true
	bg.mu.Unlock()

	defer func() {
		bg.mu.Lock()
		bg.flushRunning = false
		bg.mu.Unlock()
	}()

	bg.db.mu.Lock()
	needsFlush := bg.db.imm != nil
	bg.db.mu.Unlock()

	if !needsFlush {
		return
	}

	// Whitebox [synctest]: barrier before flush execution
	_ = testutil.SP(testutil.SPBGFlushExecute)

	err := bg.db.Flush(nil)
	if err != nil {
		bg.db.SetBackgroundError(err)
		bg.IncrementBackgroundErrors()
	}

	// Whitebox [synctest]: barrier at background flush complete
	_ = testutil.SP(testutil.SPBGFlushComplete)

	bg.MaybeScheduleCompaction()
}

// doCompactionWork performs background compaction if needed.
func (bg *BackgroundWork) doCompactionWork() {
	// Whitebox [synctest]: barrier at background compaction start
	_ = testutil.SP(testutil.SPBGCompactionStart)

	bg.mu.Lock()
	if bg.compactionRunning {
		bg.mu.Unlock()
		return
	}
	bg.compactionRunning = true
	bg.mu.Unlock()

	defer func() {
		bg.mu.Lock()
		bg.compactionRunning = false
		bg.mu.Unlock()
	}()

	bg.db.mu.RLock()
	v := bg.db.versions.Current()
	if v != nil {
		v.Ref()
	}
	bg.db.mu.RUnlock()

	if v == nil {
		return
	}
	defer v.Unref()

	if !bg.picker.NeedsCompaction(v) {
		return
	}

	bg.db.mu.Lock()
	c := bg.picker.PickCompaction(v)
	if c == nil {
		bg.db.mu.Unlock()
		return
	}
	// Mark files as being compacted (under lock to prevent concurrent pick of same files)
	c.MarkFilesBeingCompacted(true)
	bg.db.mu.Unlock()

	// Whitebox [synctest]: barrier after compaction picked
	_ = testutil.SP(testutil.SPBGCompactionPickComplete)

	defer func() {
		bg.db.mu.Lock()
		c.MarkFilesBeingCompacted(false)
		bg.db.mu.Unlock()
	}()

	// Whitebox [synctest]: barrier before compaction execution
	_ = testutil.SP(testutil.SPBGCompactionExecute)

	// Whitebox [crashtest]: crash before compaction starts
	testutil.MaybeKill(testutil.KPCompactionStart0)

	err := bg.executeCompaction(c)
	if err != nil {
		bg.db.SetBackgroundError(err)
		bg.IncrementBackgroundErrors()
		return
	}

	// Whitebox [synctest]: barrier at compaction complete
	_ = testutil.SP(testutil.SPBGCompactionComplete)

	bg.MaybeScheduleCompaction()
}

// executeCompaction runs a compaction job and installs its result.
func (bg *BackgroundWork) executeCompaction(c *compaction.Compaction) error {
	bg.db.mu.Lock()
	dbPath := bg.db.name
	fs := bg.db.fs
	tableCache := bg.db.tableCache
	versions := bg.db.versions

	for _, input := range c.Inputs {
		for _, f := range input.Files {
			path := fmt.Sprintf("%s/%06d.sst", dbPath, f.FD.GetNumber())
			if !fs.Exists(path) {
				bg.db.mu.Unlock()
				return fmt.Errorf("input file %d no longer exists", f.FD.GetNumber())
			}
		}
	}
	bg.db.mu.Unlock()

	nextFileNum := func() uint64 {
		return versions.NextFileNumber()
	}

	var outputFiles []*manifest.FileMetaData
	var err error

	if bg.maxSubcompactions > 1 && c.NumInputFiles() >= 4 {
		parallelJob := compaction.NewParallelCompactionJob(
			c, dbPath, fs, tableCache, nextFileNum, bg.maxSubcompactions,
		)
		outputFiles, err = parallelJob.Run()
	} else {
		job := compaction.NewCompactionJob(c, dbPath, fs, tableCache, nextFileNum)
		outputFiles, err = job.Run()
	}
	if err != nil {
		return err
	}

	// Whitebox [crashtest]: crash after SST write — output exists, manifest not updated
	testutil.MaybeKill(testutil.KPCompactionWriteSST0)

	// Whitebox [crashtest]: crash before input deletion — both inputs and outputs exist
	testutil.MaybeKill(testutil.KPCompactionDeleteInput0)

	c.AddInputDeletions()

	bg.db.mu.Lock()
	defer bg.db.mu.Unlock()

	err = versions.LogAndApply(c.Edit)
	if err != nil {
		return err
	}

	bg.db.recalculateWriteStall()

	for _, input := range c.Inputs {
		for _, f := range input.Files {
			tableCache.Evict(f.FD.GetNumber())
		}
	}

	_ = len(outputFiles)
	return nil
}

// IsCompactionPending returns true if compaction has been scheduled but not yet started.
func (bg *BackgroundWork) IsCompactionPending() bool {
	bg.mu.Lock()
	defer bg.mu.Unlock()

	select {
	case <-bg.compactionCh:
		select {
		case bg.compactionCh <- struct{}{}:
		default:
		}
		return true
	default:
		return false
	}
}

// NumRunningFlushes returns the number of currently running flush operations.
func (bg *BackgroundWork) NumRunningFlushes() int {
	bg.mu.Lock()
	defer bg.mu.Unlock()
	if bg.flushRunning {
		return 1
	}
	return 0
}

// NumRunningCompactions returns the number of currently running compaction operations.
func (bg *BackgroundWork) NumRunningCompactions() int {
	bg.mu.Lock()
	defer bg.mu.Unlock()
	if bg.compactionRunning {
		return 1
	}
	return 0
}

// NumBackgroundErrors returns the number of background errors that have occurred.
func (bg *BackgroundWork) NumBackgroundErrors() int {
	bg.mu.Lock()
	defer bg.mu.Unlock()
	return bg.backgroundErrors
}

// IncrementBackgroundErrors increments the background error count.
func (bg *BackgroundWork) IncrementBackgroundErrors() {
	bg.mu.Lock()
	defer bg.mu.Unlock()
	bg.backgroundErrors++
}
