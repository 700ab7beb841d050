package journal

import (
	"context"
	"fmt"
)

// Reaper advances the recovery journal's logical head independently
// along two axes — how far the block map zones have caught up, and how
// far the physical (slab) zones have caught up — and asks the slab depot
// to force a commit when too much journal space is tied up waiting on it
// (spec §4.F).
type Reaper struct {
	cfg      *Config
	deps     Dependencies
	locks    *LockCounter
	assigner *Assigner
	writer   *Writer
	metrics  *Metrics

	blockMapHead    SequenceNumber
	slabJournalHead SequenceNumber

	slabCommitRequests uint64
}

// NewReaper constructs a Reaper wired to the given assigner and writer;
// both reap heads start at zero until ReinitializeFrom or SeedHeads sets
// them.
func NewReaper(cfg *Config, deps Dependencies, locks *LockCounter, assigner *Assigner, writer *Writer, metrics *Metrics) *Reaper {
	return &Reaper{
		cfg:      cfg,
		deps:     deps,
		locks:    locks,
		assigner: assigner,
		writer:   writer,
		metrics:  metrics,
	}
}

// ReinitializeFrom seeds both reap heads at an existing journal's
// recorded start, mirroring Assigner.ReinitializeFrom (supplemented
// feature 7).
func (r *Reaper) ReinitializeFrom(start SequenceNumber) {
	r.blockMapHead = start
	r.slabJournalHead = start
	r.writer.SetHeads(start, start)
}

// SeedHeads sets the two reap heads independently, used when loading an
// existing journal whose last committed tail block recorded different
// heads for the block map and the slab depot (original source's
// vdo_load_recovery_journal seeding from the tail block's header).
func (r *Reaper) SeedHeads(blockMapHead, slabJournalHead SequenceNumber) {
	r.blockMapHead = blockMapHead
	r.slabJournalHead = slabJournalHead
	r.writer.SetHeads(blockMapHead, slabJournalHead)
}

// BlockMapHead and SlabJournalHead report the two independent reap
// frontiers (spec §6 introspection).
func (r *Reaper) BlockMapHead() SequenceNumber    { return r.blockMapHead }
func (r *Reaper) SlabJournalHead() SequenceNumber { return r.slabJournalHead }

// SlabCommitRequests is a running total for Statistics.
func (r *Reaper) SlabCommitRequests() uint64 { return r.slabCommitRequests }

// Reap is called whenever the lock counter signals that some block's
// locks may have dropped to zero (or on a forced recheck after
// Assigner.SetJournalStart). It advances both reap heads as far as
// outstanding locks allow, flushes the device so the new heads are safe
// to trust after a crash, republishes them to the writer for the next
// block header, lets the assigner retry anything it had queued for lack
// of space, and asks the slab depot to force a commit if the journal is
// filling up waiting on it (original source's reap_recovery_journal /
// finish_reaping / check_slab_journal_commit_threshold).
func (r *Reaper) Reap(ctx context.Context) error {
	r.locks.AcknowledgeNotification()

	newBlockMapHead := r.advanceHead(r.blockMapHead, ZoneTypeLogical)
	newSlabJournalHead := r.advanceHead(r.slabJournalHead, ZoneTypePhysical)

	if newBlockMapHead == r.blockMapHead && newSlabJournalHead == r.slabJournalHead {
		return nil
	}

	if r.deps.Partition != nil {
		if err := r.deps.Partition.Flush(ctx); err != nil {
			return fmt.Errorf("journal: flushing before reap: %w", err)
		}
	}

	r.blockMapHead = newBlockMapHead
	r.slabJournalHead = newSlabJournalHead
	r.writer.SetHeads(r.blockMapHead, r.slabJournalHead)

	newStart := r.blockMapHead
	if r.slabJournalHead < newStart {
		newStart = r.slabJournalHead
	}
	r.assigner.SetJournalStart(newStart)
	r.assigner.Drain()

	r.checkSlabCommitThreshold()
	return nil
}

// advanceHead walks forward from head while every block up to (but not
// including) the writer's last acknowledged write holds no zoneType lock
// and no journal-zone lock, stopping at the first still-locked block.
// Gating on the last acknowledged write rather than the assigner's tail
// keeps the invariant head ≤ last_write_acknowledged ≤ tail intact: the
// active tail block may still be accumulating entries nobody has
// acknowledged as durable yet, and reaping past it would let the journal
// believe an uncommitted entry has already taken effect (spec §3
// invariant 1, §4.F).
func (r *Reaper) advanceHead(head SequenceNumber, zoneType ZoneType) SequenceNumber {
	tail := r.writer.LastWriteAcknowledged()
	for head < tail {
		blockNumber := BlockNumber(uint64(head) % r.cfg.Size)
		if r.locks.IsLocked(blockNumber, zoneType) {
			break
		}
		head++
	}
	return head
}

// checkSlabCommitThreshold asks the slab depot to force out its oldest
// tail block once the distance between the journal's tail and the slab
// reap head exceeds the configured threshold, the only place this check
// is made (after a reap pass, never on a timer; spec §9 Design Notes,
// supplemented feature 5).
func (r *Reaper) checkSlabCommitThreshold() {
	inUse := uint64(r.assigner.Tail() - r.slabJournalHead)
	if inUse <= r.cfg.SlabCommitThreshold() {
		return
	}
	if r.deps.Depot == nil {
		return
	}
	r.deps.Depot.CommitOldestSlabJournalTail(r.slabJournalHead)
	r.slabCommitRequests++
	if r.metrics != nil {
		r.metrics.onSlabCommitRequested()
	}
}
