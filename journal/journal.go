package journal

import (
	"context"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
)

// Journal is a recovery journal instance: it orders, persists, and reaps
// entries describing block-map mutations on behalf of a single
// deduplicating volume (spec §1). Every exported method that touches
// mutable journal state funnels through a single command channel
// consumed by one dispatch goroutine, the same single-consumer queue
// idiom modules/backendscheduler uses for its own request loop — cross-
// goroutine interaction with the lock counter's atomics aside, nothing
// about a Journal's internals needs its own locking because only that
// one goroutine ever touches it.
type Journal struct {
	services.Service

	cfg   *Config
	deps  Dependencies
	admin *Admin

	pool     *BlockPool
	locks    *LockCounter
	assigner *Assigner
	writer   *Writer
	reaper   *Reaper
	scanner  *BootScanner
	metrics  *Metrics

	logger log.Logger

	commands   chan func()
	reapSignal chan struct{}

	drainWaiters []chan struct{}
}

// New validates cfg and deps, wires up every journal component, and
// returns a Journal ready to Start. The returned Journal is not usable
// until Start has been called and Load has run (or the caller has chosen
// to skip replay for a brand-new journal and gone straight to
// BeginNormalOperation via Resume).
func New(cfg *Config, deps Dependencies, registerer prometheus.Registerer) (*Journal, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}

	j := &Journal{
		cfg:        cfg,
		deps:       deps,
		admin:      NewAdmin(),
		logger:     cfg.Logger,
		commands:   make(chan func()),
		reapSignal: make(chan struct{}, 1),
	}

	j.pool = NewBlockPool(cfg, cfg.TailBufferSize)
	j.locks = NewLockCounter(cfg.Size, cfg.LogicalZoneCount, cfg.PhysicalZoneCount, j.signalReap)
	j.metrics = NewMetrics(registerer)
	j.writer = NewWriter(cfg, deps, j.pool, j.locks, j.metrics, j.logger, j.enterReadOnly, j.signalReap)
	j.assigner = NewAssigner(cfg, deps, j.pool, j.locks, j.metrics, j.writer.Submit, j.enterReadOnly)
	j.reaper = NewReaper(cfg, deps, j.locks, j.assigner, j.writer, j.metrics)
	j.scanner = NewBootScanner(cfg)

	j.Service = services.NewBasicService(nil, j.run, nil)
	return j, nil
}

// signalReap wakes the dispatch goroutine to run a reap pass. It must
// never block: it is called from whichever goroutine's Acquire/Release
// call tipped a lock count to zero, and from the writer after a
// successful recycle (original source's one-shot wakeup pattern, spec §9
// Design Notes).
func (j *Journal) signalReap() {
	select {
	case j.reapSignal <- struct{}{}:
	default:
	}
}

// enterReadOnly is the failure callback of the writer and the assigner:
// the triggering error forces the journal permanently read-only, and the
// waiters of every block queued for write and of every entry still queued
// for admission are released with an error wrapping ErrReadOnly (spec
// §4.G, §7).
func (j *Journal) enterReadOnly(err error) {
	transitioned, wasDraining := j.admin.EnterReadOnly(err)
	if transitioned {
		level.Error(j.logger).Log("msg", "recovery journal entering read-only mode", "err", err)
		j.metrics.onReadOnly()
	}
	roErr := fmt.Errorf("journal: %w", ErrReadOnly)
	j.writer.ForceReadOnlyRecycle(roErr)
	j.assigner.failQueue(&j.assigner.decrementQueue, roErr)
	j.assigner.failQueue(&j.assigner.incrementQueue, roErr)

	if wasDraining {
		// Going read-only satisfies any in-progress drain trivially, but
		// it bypasses FinishDrain's own state transition, so the drain's
		// waiters must be released here or Drain would block forever
		// (spec §4.G, §7).
		for _, w := range j.drainWaiters {
			close(w)
		}
		j.drainWaiters = nil
	}
}

// run is the dispatch goroutine's body (services.RunningFn).
func (j *Journal) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-j.commands:
			cmd()
			j.pump(ctx)
		case <-j.reapSignal:
			if err := j.reaper.Reap(ctx); err != nil {
				level.Error(j.logger).Log("msg", "reap failed", "err", err)
				j.enterReadOnly(err)
			}
			j.pump(ctx)
		}
	}
}

// do round-trips fn through the dispatch goroutine and blocks until it
// has run. It must only be called from outside the dispatch goroutine.
func (j *Journal) do(fn func()) {
	done := make(chan struct{})
	j.commands <- func() {
		fn()
		close(done)
	}
	<-done
}

// pump advances the write pipeline and, if a drain is in progress and
// the journal has gone idle, completes it. It must only be called from
// the dispatch goroutine.
func (j *Journal) pump(ctx context.Context) {
	j.writer.WriteReady(ctx, j.assigner.ActiveBlock())

	j.metrics.setLogicalBlocksUsed(j.assigner.LogicalBlocksUsed())
	j.metrics.setAvailableSpace(j.assigner.AvailableSpaceEntries())

	if !j.admin.IsDraining() {
		return
	}

	active := j.assigner.ActiveBlock()
	activeQuiet := active == nil || (!active.IsDirty() && !active.IsCommitting())
	idle := j.assigner.PendingIncrements() == 0 &&
		j.assigner.PendingDecrements() == 0 &&
		j.writer.PendingCount() == 0 &&
		!j.writer.IsWriting() &&
		activeQuiet

	if !idle {
		return
	}

	j.admin.FinishDrain()
	for _, w := range j.drainWaiters {
		close(w)
	}
	j.drainWaiters = nil
}

// AddEntry records one block-map mutation. callback fires once the entry
// has either failed admission or had its containing block durably
// committed (or failed to commit), per CommitCallback's contract.
func (j *Journal) AddEntry(ctx context.Context, entry Entry, callback CommitCallback) error {
	switch j.State() {
	case services.Stopping, services.Terminated, services.Failed:
		return ErrClosed
	}
	if j.admin.IsReadOnly() {
		return ErrReadOnly
	}
	if entry.Operation > OpBlockMapDecrement {
		err := fmt.Errorf("journal: operation %d: %w", entry.Operation, ErrNotImplemented)
		j.do(func() { j.enterReadOnly(err) })
		return err
	}

	var admissionErr error
	j.do(func() {
		if j.admin.State() != AdminStateNormalOperation {
			admissionErr = fmt.Errorf("journal: cannot add entry in state %s: %w", j.admin.State(), ErrInvalidAdminState)
			return
		}
		j.assigner.AddEntry(entry, callback)
	})
	return admissionErr
}

// AcquireBlockReference records that zoneID of zoneType now depends on
// block. It may be called from any goroutine; the lock counter is safe
// for concurrent zone access by design (spec §4.A).
func (j *Journal) AcquireBlockReference(block BlockNumber, zoneType ZoneType, zoneID uint32) error {
	return j.locks.Acquire(block, zoneType, zoneID)
}

// ReleaseBlockReference retires one zone's dependency on block. If this
// was the last one, it wakes the dispatch goroutine to reap.
func (j *Journal) ReleaseBlockReference(block BlockNumber, zoneType ZoneType, zoneID uint32) error {
	return j.locks.Release(block, zoneType, zoneID)
}

// ReleaseEntryLock retires one of the journal's own per-entry locks on
// block, as called by a consumer (block map page writeback, slab journal
// commit) once it has durably applied whatever that entry recorded.
func (j *Journal) ReleaseEntryLock(block BlockNumber) {
	j.locks.ReleaseEntryLock(block)
}

// Suspend quiesces the lock counter's notifications ahead of a drain, so
// a concurrent zone release racing the drain cannot slip a reap signal
// through after the dispatch goroutine has already declared the journal
// idle; Resume (the zone-lock kind, distinct from the lifecycle Resume)
// reverses it and forces one more reap pass in case a signal was
// dropped.
func (j *Journal) SuspendLockNotifications() { j.locks.Suspend() }

func (j *Journal) ResumeLockNotifications() {
	if j.locks.Resume() {
		j.signalReap()
	}
}

// Drain quiesces the journal (spec §4.G). It blocks until the drain
// completes or ctx is done. The drain completes once no entry is queued
// for admission, no block is queued for or in write, and every entry of
// the active block has been written. DrainSuspend and DrainSave wait for
// the same condition and differ only in the state they leave behind
// (Suspended or Saved); neither closes the active block, so after Resume
// new entries continue to fill it while it has room. On a read-only
// journal Drain returns at once.
func (j *Journal) Drain(ctx context.Context, op DrainOperation) error {
	switch j.State() {
	case services.Stopping, services.Terminated, services.Failed:
		return ErrClosed
	}

	done := make(chan struct{})
	var alreadyQuiescent bool
	var beginErr error

	j.do(func() {
		alreadyQuiescent, beginErr = j.admin.BeginDrain(op)
		if alreadyQuiescent || beginErr != nil {
			close(done)
			return
		}
		j.SuspendLockNotifications()
		j.drainWaiters = append(j.drainWaiters, done)
	})
	if beginErr != nil {
		return beginErr
	}
	if alreadyQuiescent {
		return nil
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resume reverses a prior Drain, allowing AddEntry to proceed again and
// re-arming reap notifications a concurrent zone release may have
// dropped while they were suspended. Resuming from Saved reinitializes
// nothing: the journal continues from its in-memory tail and active
// block, exactly as after DrainSuspend.
func (j *Journal) Resume() error {
	if err := j.admin.Resume(); err != nil {
		return err
	}
	j.ResumeLockNotifications()
	return nil
}

// Load reads the entire on-disk journal region, determines its head and
// tail, and seeds every component to resume from there before
// transitioning the journal into normal operation (spec §4.H). It is how
// a Journal constructed with New leaves the suspended state when its
// on-disk journal is to be replayed; Resume also leaves that state
// (skipping replay, as New describes) and is what returns the journal
// from an explicit Drain.
func (j *Journal) Load(ctx context.Context) (BootResult, error) {
	region, err := j.deps.Partition.ReadRegion(ctx)
	if err != nil {
		return BootResult{}, fmt.Errorf("journal: reading region: %w", err)
	}

	result, err := j.scanner.Scan(ctx, region, j.assigner.Tail())
	if err != nil {
		return BootResult{}, fmt.Errorf("journal: scanning: %w", err)
	}

	j.do(func() {
		j.assigner.ReinitializeFrom(result.Tail)
		j.writer.SetLastWriteAcknowledged(result.Tail)
		j.reaper.SeedHeads(result.BlockMapHead, result.SlabJournalHead)
		start := result.BlockMapHead
		if result.SlabJournalHead < start {
			start = result.SlabJournalHead
		}
		j.assigner.SetJournalStart(start)
		j.admin.BeginNormalOperation()
	})
	return result, nil
}

// ValidateEntry delegates to the boot scanner; it is exposed here so
// replay code driving a Journal through recovery doesn't need a separate
// handle on the scanner.
func (j *Journal) ValidateEntry(e Entry) error {
	return j.scanner.ValidateEntry(e)
}

// CurrentSequenceNumber returns the sequence number of the most recently
// opened tail block.
func (j *Journal) CurrentSequenceNumber() SequenceNumber {
	return j.assigner.Tail()
}

// AppendPoint reports the position of the most recently submitted AddEntry
// call, advancing with every submission regardless of whether it is
// ultimately admitted (SPEC_FULL.md Supplemented Feature 1). At rest, with
// no request in flight, AppendPoint().SequenceNumber == CurrentSequenceNumber().
func (j *Journal) AppendPoint() JournalPosition {
	return j.assigner.AppendPoint()
}

// AdminState reports the journal's current lifecycle state.
func (j *Journal) AdminState() AdminState {
	return j.admin.State()
}

// EntriesStarted reports the raw count of entries the journal has
// admitted since construction, regardless of operation type.
func (j *Journal) EntriesStarted() uint64 {
	return j.assigner.EntriesStarted()
}

// LogicalBlocksUsed reports how many logical blocks are currently mapped,
// tracked from each admitted entry's operation type (data_increment maps
// one, data_decrement unmaps one), mirroring
// vdo_get_recovery_journal_logical_blocks_used (spec §6 introspection).
func (j *Journal) LogicalBlocksUsed() uint64 {
	return j.assigner.LogicalBlocksUsed()
}

// RecordedState assembles the portion of journal state a caller persists
// in the super block: logical_blocks_used, block_map_data_blocks, and
// journal_start. journal_start follows the tail once the journal has been
// cleanly saved, or the current reap head otherwise, so that a suspended
// or read-only journal's replay still covers every possibly-unapplied
// entry (spec §6).
func (j *Journal) RecordedState() DecodedState {
	start := j.assigner.JournalStart()
	if j.admin.State() == AdminStateSaved {
		start = j.assigner.Tail()
	}
	return DecodedState{
		JournalStart:       start,
		LogicalBlocksUsed:  j.assigner.LogicalBlocksUsed(),
		BlockMapDataBlocks: j.assigner.BlockMapDataBlocks(),
	}
}

// Statistics reports a snapshot of the journal's running counters,
// mirroring vdo_get_recovery_journal_statistics (spec §6 introspection).
func (j *Journal) Statistics() Statistics {
	return Statistics{
		DiskFull:                    j.assigner.DiskFullEvents(),
		SlabJournalCommitsRequested: j.reaper.SlabCommitRequests(),
		EntriesStarted:              j.assigner.EntriesStarted(),
		EntriesWritten:              j.writer.EntriesCommitted(),
		EntriesCommitted:            j.writer.EntriesCommitted(),
		BlocksStarted:               j.assigner.BlocksStarted(),
		BlocksWritten:               j.writer.BlocksCommitted(),
		BlocksCommitted:             j.writer.BlocksCommitted(),
		IncrementWaiters:            j.assigner.PendingIncrements(),
		DecrementWaiters:            j.assigner.PendingDecrements(),
	}
}
