package journal

import "fmt"

// blockMembership is which list a BlockBuffer currently belongs to (spec
// §3 Block buffer flags; §9 Design Notes: "intrusive block lists").
type blockMembership uint8

const (
	membershipFree blockMembership = iota
	membershipActive
	membershipPendingWrite
)

// BlockBuffer is the fixed-capacity in-memory staging area for one
// on-disk journal block (spec §4.B). All of its fields are touched only
// from the journal's dispatch goroutine.
type BlockBuffer struct {
	journalConfig *Config

	sequenceNumber SequenceNumber
	blockNumber    BlockNumber

	entries               []Entry
	waiters               []CommitCallback
	entryCount            int
	uncommittedEntryCount int
	entriesInCommit       int

	committing bool
	membership blockMembership

	// poolIndex is this block's slot in its owning BlockPool's arena,
	// letting Release return it in O(1) instead of scanning the arena.
	poolIndex int
}

// newBlockBuffer allocates a BlockBuffer with capacity for
// cfg.EntriesPerBlock entries. The buffer is reused for the lifetime of
// the process; Reset re-initializes it for a new sequence number.
func newBlockBuffer(cfg *Config) *BlockBuffer {
	return &BlockBuffer{
		journalConfig: cfg,
		entries:       make([]Entry, 0, cfg.EntriesPerBlock),
		waiters:       make([]CommitCallback, 0, cfg.EntriesPerBlock),
	}
}

// Reset initializes an empty block for sequenceNumber.
func (b *BlockBuffer) Reset(sequenceNumber SequenceNumber, blockNumber BlockNumber) {
	b.sequenceNumber = sequenceNumber
	b.blockNumber = blockNumber
	b.entries = b.entries[:0]
	b.waiters = b.waiters[:0]
	b.entryCount = 0
	b.uncommittedEntryCount = 0
	b.entriesInCommit = 0
	b.committing = false
	b.membership = membershipActive
}

// Append records entry into the block, registering waiter (which may be
// nil) to be notified once this entry's commit is known durable. It
// returns the entry's index within the block. It is the caller's
// responsibility to check IsFull first.
func (b *BlockBuffer) Append(entry Entry, waiter CommitCallback) (int, error) {
	if b.IsFull() {
		return 0, fmt.Errorf("journal: block %d is full", b.sequenceNumber)
	}
	index := b.entryCount
	b.entries = append(b.entries, entry)
	b.waiters = append(b.waiters, waiter)
	b.entryCount++
	b.uncommittedEntryCount++
	return index, nil
}

// NotifyWaiters reports the outcome of a commit covering the first count
// entries' waiters (the PrepareCommit snapshot), in order, then clears
// them so a later commit of the same block does not notify them twice
// (original source's notify_commit_waiters).
func (b *BlockBuffer) NotifyWaiters(count int, err error) {
	for i := 0; i < count && i < len(b.waiters); i++ {
		if b.waiters[i] == nil {
			continue
		}
		pos := JournalPosition{SequenceNumber: b.sequenceNumber, EntryIndex: uint16(i)}
		b.waiters[i](pos, err)
		b.waiters[i] = nil
	}
}

// PrepareCommit snapshots the current entry count for a commit in flight;
// entries appended after this point accumulate into EntryCount() without
// being part of this commit (spec §4.B).
func (b *BlockBuffer) PrepareCommit() int {
	b.entriesInCommit = b.entryCount
	b.committing = true
	return b.entriesInCommit
}

// FinishCommit leaves as uncommitted only the entries appended after the
// snapshot taken at PrepareCommit and clears the committing flag. The
// outcome is only used by the caller to decide whether to force
// read-only; FinishCommit itself just updates bookkeeping.
func (b *BlockBuffer) FinishCommit() {
	b.uncommittedEntryCount = b.entryCount - b.entriesInCommit
	b.entriesInCommit = 0
	b.committing = false
}

func (b *BlockBuffer) IsFull() bool {
	return b.entryCount == int(b.journalConfig.EntriesPerBlock)
}

func (b *BlockBuffer) IsEmpty() bool {
	return b.entryCount == 0
}

// IsDirty reports whether the block has any uncommitted entries,
// including ones written but not yet acknowledged.
func (b *BlockBuffer) IsDirty() bool {
	return b.uncommittedEntryCount > 0
}

func (b *BlockBuffer) IsCommitting() bool {
	return b.committing
}

func (b *BlockBuffer) SequenceNumber() SequenceNumber { return b.sequenceNumber }
func (b *BlockBuffer) BlockNumber() BlockNumber       { return b.blockNumber }
func (b *BlockBuffer) EntryCount() int                { return b.entryCount }
func (b *BlockBuffer) Entries() []Entry               { return b.entries }

// IsCommittable reports whether the block may be handed to the writer
// right now: it is full, or the caller reports that no other write is
// currently in flight (spec §4.E vdo_can_commit_recovery_block).
func (b *BlockBuffer) IsCommittable(noWritesInFlight bool) bool {
	return b.IsFull() || noWritesInFlight
}

// IsRecyclable reports whether the block may go back to the free pool:
// no commit in progress, and either full with no uncommitted entries or
// the journal has gone read-only (spec §4.B).
func (b *BlockBuffer) IsRecyclable(readOnly bool) bool {
	if b.committing {
		return false
	}
	if readOnly {
		return true
	}
	return !b.IsDirty() && b.IsFull()
}

// UnusedLockReleases is the number of per-entry journal locks that must be
// released when recycling a block that never filled up: one per unused
// slot, matching the original source's recycle_journal_block loop from
// entry_count to entries_per_block (supplemented feature 3 in
// SPEC_FULL.md).
func (b *BlockBuffer) UnusedLockReleases() int {
	return int(b.journalConfig.EntriesPerBlock) - b.entryCount
}

// HasOwnLifetimeLock reports whether the block, having held at least one
// entry, also holds the one extra lock taken for its own lifetime at
// InitializeJournalLock time.
func (b *BlockBuffer) HasOwnLifetimeLock() bool {
	return b.entryCount > 0
}
