package journal

import (
	"errors"
	"fmt"
)

// CommitCallback reports the final outcome of one AddEntry call. If the
// entry could not even be admitted (journal full, sequence overflow) it
// fires immediately with that error. Otherwise it fires later, once the
// entry's containing block has actually reached disk (or failed to),
// carrying the position the entry was assigned (original source's single
// per-request completion, spanning assign_entry through
// notify_commit_waiters).
type CommitCallback func(pos JournalPosition, err error)

// entryRequest is one AddEntry call waiting for room in the journal.
type entryRequest struct {
	entry    Entry
	callback CommitCallback
}

// Assigner is the entry-admission half of the journal (spec §4.D). It
// decides whether there is room for a new entry, opens new tail blocks on
// demand, and enforces the rule that decrements must never be blocked by a
// backlog of increments: a decrement is what frees space in the first
// place, so refusing one on space-pressure grounds would deadlock the
// journal (original source's decrement-before-increment draining policy).
type Assigner struct {
	cfg     *Config
	deps    Dependencies
	pool    *BlockPool
	locks   *LockCounter
	metrics *Metrics

	tail         SequenceNumber
	journalStart SequenceNumber // oldest block the journal still needs; advanced by the reaper
	appendPoint  JournalPosition

	active *BlockBuffer

	incrementQueue []entryRequest
	decrementQueue []entryRequest
	addingEntries  bool // reentrancy guard, original source's adding_entries

	// onBlockFull is called whenever appending an entry fills the active
	// block, handing it to the writer for commit (spec §4.E).
	onBlockFull func(*BlockBuffer)
	// onFatal is called when a decrement cannot be admitted: decrements
	// must always be representable to preserve accounting, so running
	// out of room for one is fatal rather than queueable (spec §4.D, §7
	// journal_full).
	onFatal func(error)

	entriesStarted uint64
	blocksStarted  uint64
	diskFullEvents uint64

	logicalBlocksUsed  uint64
	blockMapDataBlocks uint64
}

// NewAssigner constructs an Assigner with no active block and a tail of
// zero; call ReinitializeFrom first when resuming an existing journal.
func NewAssigner(cfg *Config, deps Dependencies, pool *BlockPool, locks *LockCounter, metrics *Metrics, onBlockFull func(*BlockBuffer), onFatal func(error)) *Assigner {
	a := &Assigner{
		cfg:         cfg,
		deps:        deps,
		pool:        pool,
		locks:       locks,
		metrics:     metrics,
		onBlockFull: onBlockFull,
		onFatal:     onFatal,
	}
	a.resetAppendPoint(0)
	return a
}

// resetAppendPoint seeds appendPoint as "one past the end of the block
// before tail+1," so that the first advanceAppendPoint call after tail
// always rolls over to (tail+1, 0) — exactly the position prepareToAssignEntry
// assigns the first entry submitted after tail, regardless of whether tail
// is the zero sentinel (no block opened yet) or an existing journal's
// recorded tail.
func (a *Assigner) resetAppendPoint(tail SequenceNumber) {
	a.appendPoint = JournalPosition{SequenceNumber: tail, EntryIndex: a.cfg.EntriesPerBlock}
}

// ReinitializeFrom resets the assigner's tail and journal-start to an
// existing journal's recorded tail (SPEC_FULL.md supplemented feature 7:
// vdo_find_recovery_journal_head_and_tail seeds its search with the
// journal's own current tail rather than zero, resolving Open Question
// (b) in favor of "append_point always matches the most recently
// committed tail"). Any in-progress active block is discarded; the caller
// must not call this while entries are queued.
func (a *Assigner) ReinitializeFrom(tail SequenceNumber) {
	a.tail = tail
	a.journalStart = tail
	a.active = nil
	a.resetAppendPoint(tail)
}

// Tail returns the sequence number of the most recently opened block.
func (a *Assigner) Tail() SequenceNumber { return a.tail }

// AppendPoint reports the position of the most recent AddEntry submission.
// It advances once per call, independent of whether the entry is
// ultimately admitted, matching add_recovery_journal_entry's unconditional
// advance before admission is even attempted (SPEC_FULL.md Supplemented
// Feature 1, resolving spec.md §9 Open Question (b)). At rest, with no
// request in flight, AppendPoint().SequenceNumber == Tail().
func (a *Assigner) AppendPoint() JournalPosition { return a.appendPoint }

// advanceAppendPoint moves appendPoint forward by exactly one entry slot,
// rolling over to the next sequence number once a block's worth of slots
// have been claimed. Because every AddEntry call advances it exactly once
// and assignment is strictly FIFO, the value coincides with the real
// position assigned to a given entry once any backlog ahead of it has
// drained.
func (a *Assigner) advanceAppendPoint() JournalPosition {
	a.appendPoint.EntryIndex++
	if a.appendPoint.EntryIndex >= a.cfg.EntriesPerBlock {
		a.appendPoint.EntryIndex = 0
		a.appendPoint.SequenceNumber++
	}
	return a.appendPoint
}

// JournalStart returns the oldest sequence number the journal still needs
// to retain, as last set by SetJournalStart.
func (a *Assigner) JournalStart() SequenceNumber { return a.journalStart }

// SetJournalStart is called by the reaper once it has advanced the
// journal's logical head, freeing up room for new tail blocks.
func (a *Assigner) SetJournalStart(start SequenceNumber) {
	a.journalStart = start
}

// ActiveBlock returns the block currently accepting new entries, or nil if
// none has been opened yet.
func (a *Assigner) ActiveBlock() *BlockBuffer { return a.active }

// blocksInUse is the number of sequence numbers between the journal's
// retained start and its tail, inclusive of the active block.
func (a *Assigner) blocksInUse() uint64 {
	return uint64(a.tail - a.journalStart)
}

// availableSpaceEntries reports how many entry slots remain in size blocks
// not currently occupied between the journal's retained start and its tail
// (spec §3: available_space = entries_per_block × (size − (tail − head))).
func (a *Assigner) availableSpaceEntries(size uint64) int64 {
	return int64(a.cfg.EntriesPerBlock) * (int64(size) - int64(a.blocksInUse()))
}

// AvailableSpaceEntries reports the journal-wide available_space figure
// against the full ring (spec §3, §6 introspection), independent of the
// tighter reserved-block bound increments are held to.
func (a *Assigner) AvailableSpaceEntries() int64 {
	return a.availableSpaceEntries(a.cfg.Size)
}

// pendingDecrementCount reports how many decrements are still queued
// waiting for room, the count increments must leave a margin for (spec
// §4.D).
func (a *Assigner) pendingDecrementCount() int {
	return len(a.decrementQueue)
}

// hasRoomFor reports whether another entry of the given operation may be
// admitted right now. Decrements may use the reserved blocks normally held
// back for head/tail safety and need only one free slot; increments may
// not, and must additionally leave a slot free for every decrement still
// waiting in the queue, since a decrement is what frees space in the first
// place (spec §3 invariant 2, §4.D accounting rule
// `available_space − pending_decrement_count > 1`, original source's
// vdo_check_for_recovery_journal_space).
func (a *Assigner) hasRoomFor(op Operation) bool {
	if !op.IsIncrement() {
		return a.availableSpaceEntries(a.cfg.Size) > 0
	}
	return a.availableSpaceEntries(a.cfg.UsableLength())-int64(a.pendingDecrementCount()) > 1
}

// LogicalBlocksUsed and BlockMapDataBlocks report the running aggregate
// counters assign_entry maintains from each admitted entry's operation
// type, persisted in the super block alongside journal_start (spec §3,
// §6).
func (a *Assigner) LogicalBlocksUsed() uint64  { return a.logicalBlocksUsed }
func (a *Assigner) BlockMapDataBlocks() uint64 { return a.blockMapDataBlocks }

// PendingIncrements and PendingDecrements report how many AddEntry calls
// are queued waiting for journal space, for Statistics.
func (a *Assigner) PendingIncrements() int { return len(a.incrementQueue) }
func (a *Assigner) PendingDecrements() int { return len(a.decrementQueue) }

// EntriesStarted and BlocksStarted are running totals for Statistics.
func (a *Assigner) EntriesStarted() uint64 { return a.entriesStarted }
func (a *Assigner) BlocksStarted() uint64  { return a.blocksStarted }

// DiskFullEvents counts how many times admission found no room at all
// for an entry, for Statistics.
func (a *Assigner) DiskFullEvents() uint64 { return a.diskFullEvents }

// AddEntry queues entry for assignment and immediately attempts to drain
// the queues. callback fires as CommitCallback describes: once the
// entry's block has been written (or the write failed), or at once,
// possibly before AddEntry returns, if the entry cannot be admitted. It is
// safe to call AddEntry from within callback;
// the reentrant call is queued rather than processed inline, matching the
// original source's adding_entries guard.
func (a *Assigner) AddEntry(entry Entry, callback CommitCallback) {
	a.advanceAppendPoint()

	queue := &a.incrementQueue
	if !entry.Operation.IsIncrement() {
		queue = &a.decrementQueue
	}
	*queue = append(*queue, entryRequest{entry: entry, callback: callback})
	a.assignEntries()
}

// Drain is called by the reaper after it advances the journal start, to
// resume assignment of entries queued for lack of space.
func (a *Assigner) Drain() {
	a.assignEntries()
}

// assignEntries drains the decrement queue ahead of the increment queue,
// guarded against reentrancy from within a callback (original source's
// assign_entries_from_queue, called once for decrements and once for
// increments from assign_entries).
func (a *Assigner) assignEntries() {
	if a.addingEntries {
		return
	}
	a.addingEntries = true
	defer func() { a.addingEntries = false }()

	a.assignFromQueue(&a.decrementQueue)
	a.assignFromQueue(&a.incrementQueue)
}

func (a *Assigner) assignFromQueue(queue *[]entryRequest) {
	for len(*queue) > 0 {
		req := (*queue)[0]
		if !a.hasRoomFor(req.entry.Operation) {
			a.diskFullEvents++
			if a.metrics != nil {
				a.metrics.onDiskFull()
			}
			if !req.entry.Operation.IsIncrement() {
				// A decrement must always be representable; failing to
				// admit one is fatal rather than queueable (spec §4.D,
				// §7 journal_full, §8 Scenario 4).
				a.failAllPending()
			}
			return
		}

		if err := a.prepareToAssignEntry(); err != nil {
			*queue = (*queue)[1:]
			if req.callback != nil {
				req.callback(JournalPosition{}, err)
			}
			if errors.Is(err, ErrJournalOverflow) && a.onFatal != nil {
				// Sequence number overflow is fatal (spec §7).
				a.onFatal(err)
			}
			continue
		}

		if err := a.assignEntry(req.entry, req.callback); err != nil {
			*queue = (*queue)[1:]
			if req.callback != nil {
				req.callback(JournalPosition{}, err)
			}
			continue
		}
		*queue = (*queue)[1:]
	}
}

// failAllPending drains both waiter queues with an error wrapping both
// ErrReadOnly and ErrJournalFull, and forces the journal read-only with
// ErrJournalFull: a decrement that cannot be admitted can never
// become admittable later (the journal is not going to get smaller), so
// every already-queued request (increments included) is failed rather
// than left to wait forever (spec §4.D, §7, §8 Scenario 4: "decrement
// triggers journal_full → read-only; both pending operations complete
// with read_only").
func (a *Assigner) failAllPending() {
	roErr := fmt.Errorf("journal: %w: %w", ErrReadOnly, ErrJournalFull)
	a.failQueue(&a.decrementQueue, roErr)
	a.failQueue(&a.incrementQueue, roErr)
	if a.onFatal != nil {
		a.onFatal(ErrJournalFull)
	}
}

func (a *Assigner) failQueue(queue *[]entryRequest, err error) {
	for _, req := range *queue {
		if req.callback != nil {
			req.callback(JournalPosition{}, err)
		}
	}
	*queue = nil
}

// prepareToAssignEntry ensures there is an active block with room for one
// more entry, opening a new tail block if necessary (original source's
// prepare_to_assign_entry).
func (a *Assigner) prepareToAssignEntry() error {
	if a.active != nil && !a.active.IsFull() {
		return nil
	}
	return a.advanceTail()
}

// advanceTail opens a new tail block: it pops a free block from the pool,
// stamps its journal-zone lock count, and notifies the block map of the
// new era (original source's advance_tail / initialize_lock_count).
func (a *Assigner) advanceTail() error {
	block, ok := a.pool.Acquire()
	if !ok {
		if a.metrics != nil {
			a.metrics.onDiskFull()
		}
		return fmt.Errorf("journal: no free tail blocks available: %w", ErrJournalFull)
	}

	nextTail := a.tail + 1
	if nextTail >= maxSequenceNumber {
		a.pool.Release(block)
		if a.metrics != nil {
			a.metrics.onOverflow()
		}
		return fmt.Errorf("journal: tail %d would overflow: %w", nextTail, ErrJournalOverflow)
	}

	blockNumber := BlockNumber(uint64(nextTail) % a.cfg.Size)
	if err := a.locks.InitializeJournalLock(blockNumber, a.cfg.EntriesPerBlock); err != nil {
		a.pool.Release(block)
		return fmt.Errorf("journal: opening tail block %d: %w", nextTail, err)
	}

	block.Reset(nextTail, blockNumber)
	a.tail = nextTail
	a.active = block
	a.blocksStarted++

	if a.deps.BlockMap != nil {
		a.deps.BlockMap.AdvanceEra(nextTail)
	}
	return nil
}

// assignEntry appends entry to the active block, registering waiter to be
// notified when the block actually commits. The caller must have already
// confirmed room via prepareToAssignEntry.
func (a *Assigner) assignEntry(entry Entry, waiter CommitCallback) error {
	_, err := a.active.Append(entry, waiter)
	if err != nil {
		return fmt.Errorf("journal: assigning entry: %w", err)
	}
	a.entriesStarted++
	a.updateAggregateCounters(entry.Operation)

	if !entry.Operation.IsIncrement() {
		// The matching increment already holds a journal-zone lock on
		// whatever this decrement unmaps, so the decrement's own lock
		// slot is covered transitively and can be released immediately
		// rather than waiting on an external ReleaseEntryLock call
		// (spec §4.D).
		a.locks.ReleaseEntryLock(a.active.BlockNumber())
	}

	if a.onBlockFull != nil && a.active.IsFull() {
		a.onBlockFull(a.active)
	}
	return nil
}

// updateAggregateCounters applies one admitted entry's effect to the
// journal-wide logical_blocks_used / block_map_data_blocks totals (spec
// §3, §4.D, §8 Scenario 2).
func (a *Assigner) updateAggregateCounters(op Operation) {
	switch op {
	case OpDataIncrement:
		a.logicalBlocksUsed++
	case OpDataDecrement:
		if a.logicalBlocksUsed > 0 {
			a.logicalBlocksUsed--
		}
	case OpBlockMapIncrement:
		a.blockMapDataBlocks++
	case OpBlockMapDecrement:
		if a.blockMapDataBlocks > 0 {
			a.blockMapDataBlocks--
		}
	}
}
