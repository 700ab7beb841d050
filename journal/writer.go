package journal

import (
	"context"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Writer is the commit half of the journal (spec §4.E). It batches full
// blocks ahead of the partial active block, submits each to the
// underlying partition, and notifies waiters once a commit's outcome is
// known. Unlike the original source, which can have several blocks in
// flight to the device at once and therefore needs notify_commit_waiters
// to walk the queue and stop at the first block that is neither full nor
// committing, this Writer only ever has one write in flight at a time:
// sequencing a single in-flight write behind a FIFO queue gives the same
// in-order delivery guarantee (spec invariant 5) without that extra
// bookkeeping.
type Writer struct {
	cfg     *Config
	deps    Dependencies
	pool    *BlockPool
	locks   *LockCounter
	metrics *Metrics
	logger  log.Logger

	pending  []*BlockBuffer
	inFlight *BlockBuffer

	blockMapHead    SequenceNumber
	slabJournalHead SequenceNumber

	lastWriteAcknowledged SequenceNumber

	blocksCommitted  uint64
	entriesCommitted uint64

	// onReadOnly is invoked, at most once per failure, when a write fails
	// and the journal must stop accepting new work (spec §4.G).
	onReadOnly func(error)
	// onRecycled is invoked whenever a block buffer is returned to the
	// pool; Journal wires it to a reap signal. An entry that found the
	// pool empty has already been failed with ErrJournalFull and is not
	// retried.
	onRecycled func()
}

// NewWriter constructs a Writer. logger defaults to a no-op logger if nil.
func NewWriter(cfg *Config, deps Dependencies, pool *BlockPool, locks *LockCounter, metrics *Metrics, logger log.Logger, onReadOnly func(error), onRecycled func()) *Writer {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Writer{
		cfg:        cfg,
		deps:       deps,
		pool:       pool,
		locks:      locks,
		metrics:    metrics,
		logger:     logger,
		onReadOnly: onReadOnly,
		onRecycled: onRecycled,
	}
}

// SetHeads records the block-map and slab-journal reap heads the reaper
// last computed; they are stamped into every subsequently written block
// header (spec §6).
func (w *Writer) SetHeads(blockMapHead, slabJournalHead SequenceNumber) {
	w.blockMapHead = blockMapHead
	w.slabJournalHead = slabJournalHead
}

// Submit enqueues block to be written once the batching policy reaches
// it. The caller (the assigner's onBlockFull hook) must not submit the
// same block twice without it first being recycled.
func (w *Writer) Submit(block *BlockBuffer) {
	block.membership = membershipPendingWrite
	w.pending = append(w.pending, block)
}

// PendingCount reports how many full blocks are queued for write, for the
// journal's drain idle check.
func (w *Writer) PendingCount() int { return len(w.pending) }

// IsWriting reports whether a write is currently in flight.
func (w *Writer) IsWriting() bool { return w.inFlight != nil }

// WriteReady advances the write pipeline by one step if the batching
// policy allows it: a queued full block takes priority; the partial
// active block may only be written once the full-block queue is empty
// and nothing is already in flight (original source's write_blocks /
// vdo_can_commit_recovery_block).
func (w *Writer) WriteReady(ctx context.Context, active *BlockBuffer) {
	if w.inFlight != nil {
		return
	}

	if len(w.pending) > 0 {
		block := w.pending[0]
		w.pending = w.pending[1:]
		w.writeBlock(ctx, block)
		return
	}

	if active != nil && active.IsDirty() && !active.IsCommitting() {
		w.writeBlock(ctx, active)
	}
}

func (w *Writer) writeBlock(ctx context.Context, block *BlockBuffer) {
	w.inFlight = block
	fresh := block.uncommittedEntryCount
	committed := block.PrepareCommit()

	header := Header{
		BlockMapHead:    w.blockMapHead,
		SlabJournalHead: w.slabJournalHead,
		SequenceNumber:  block.SequenceNumber(),
		Nonce:           w.cfg.Nonce,
		RecoveryCount:   uint8(w.cfg.RecoveryCount),
		MetadataType:    metadataTypeRecoveryJournal,
		EntryCount:      uint16(committed),
	}
	header.CheckByte = checkByteFor(header.Nonce)
	data := encodeBlock(header, block.Entries()[:committed], w.cfg.EntriesPerBlock)

	pbn := w.deps.Partition.Offset() + PhysicalBlockNumber(block.BlockNumber())
	err := w.deps.Partition.WriteBlock(ctx, pbn, data)
	w.completeWrite(block, committed, fresh, err)
}

// completeWrite finishes one block write. committed is the number of
// entries the write carried; fresh is how many of them no earlier write
// of the same block had carried, which is what EntriesCommitted counts.
func (w *Writer) completeWrite(block *BlockBuffer, committed, fresh int, err error) {
	w.inFlight = nil
	block.FinishCommit()

	if err != nil {
		wrapped := fmt.Errorf("journal: writing block %d: %w", block.SequenceNumber(), err)
		level.Error(w.logger).Log("msg", "recovery journal write failed", "sequence", block.SequenceNumber(), "err", err)
		block.NotifyWaiters(committed, wrapped)
		if w.onReadOnly != nil {
			w.onReadOnly(wrapped)
		}
		return
	}

	w.blocksCommitted++
	w.entriesCommitted += uint64(fresh)
	if w.metrics != nil {
		w.metrics.onBlockCommitted(fresh)
	}
	if block.SequenceNumber() > w.lastWriteAcknowledged {
		// Writes are sequenced one at a time behind a FIFO queue, so they
		// complete in non-decreasing sequence order; the comparison only
		// matters when the partial active block is written again under the
		// same sequence number (spec §4.E).
		w.lastWriteAcknowledged = block.SequenceNumber()
	}
	block.NotifyWaiters(committed, nil)
	w.recycle(block)
}

// BlocksCommitted and EntriesCommitted are running totals for
// Statistics.
func (w *Writer) BlocksCommitted() uint64  { return w.blocksCommitted }
func (w *Writer) EntriesCommitted() uint64 { return w.entriesCommitted }

// LastWriteAcknowledged reports the sequence number of the most recent
// block the device has confirmed durable. The reaper must never advance
// head past this point, since doing so would let it believe unwritten
// entries have already taken effect (spec §3 invariant 1: head ≤
// last_write_acknowledged ≤ tail).
func (w *Writer) LastWriteAcknowledged() SequenceNumber { return w.lastWriteAcknowledged }

// SetLastWriteAcknowledged seeds last_write_acknowledged from a completed
// boot scan, so the reaper does not have to wait for a fresh write before
// it can advance head past blocks already known durable (spec §4.H).
func (w *Writer) SetLastWriteAcknowledged(seq SequenceNumber) {
	w.lastWriteAcknowledged = seq
}

// recycle releases the per-entry locks no real entry will ever release
// (the unfilled slots of a block that never filled up, plus the block's
// own lifetime lock) and returns the memory buffer to the pool once it is
// full, its commit is fully durable and it holds no further uncommitted
// entries (original source's recycle_journal_block, supplemented feature
// 3).
func (w *Writer) recycle(block *BlockBuffer) {
	if !block.IsRecyclable(false) {
		return
	}

	for i := 0; i < block.UnusedLockReleases(); i++ {
		w.locks.ReleaseEntryLock(block.BlockNumber())
	}
	if block.HasOwnLifetimeLock() {
		w.locks.ReleaseEntryLock(block.BlockNumber())
	}

	w.pool.Release(block)
	if w.onRecycled != nil {
		w.onRecycled()
	}
}

// ForceReadOnlyRecycle drains the commit waiters of every block queued for
// write with err and recycles whatever can be recycled, releasing the
// same unused-slot and lifetime locks recycle does, used when the journal
// is driven read-only and the in-flight write (if any) already failed
// separately (spec §4.G).
func (w *Writer) ForceReadOnlyRecycle(err error) {
	for _, block := range w.pending {
		block.NotifyWaiters(block.EntryCount(), err)
		if block.IsRecyclable(true) {
			for i := 0; i < block.UnusedLockReleases(); i++ {
				w.locks.ReleaseEntryLock(block.BlockNumber())
			}
			if block.HasOwnLifetimeLock() {
				w.locks.ReleaseEntryLock(block.BlockNumber())
			}
			w.pool.Release(block)
		}
	}
	w.pending = nil
}
