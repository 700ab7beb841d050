package journal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeDepot struct {
	commits []SequenceNumber
}

func (f *fakeDepot) CommitOldestSlabJournalTail(head SequenceNumber) {
	f.commits = append(f.commits, head)
}

func newReaperHarness(t *testing.T, size, tailBuffer uint64, entriesPerBlock uint16) (*Assigner, *Writer, *Reaper, *LockCounter, *fakeDepot) {
	t.Helper()
	cfg := &Config{
		Size:              size,
		TailBufferSize:    tailBuffer,
		EntriesPerBlock:   entriesPerBlock,
		LogicalZoneCount:  1,
		PhysicalZoneCount: 1,
	}
	require.NoError(t, cfg.Validate())

	pool := NewBlockPool(cfg, tailBuffer)
	locks := NewLockCounter(size, 1, 1, func() {})
	partition := newFakePartition()
	depot := &fakeDepot{}
	deps := Dependencies{Partition: partition, Depot: depot}

	writer := NewWriter(cfg, deps, pool, locks, nil, nil, nil, nil)
	assigner := NewAssigner(cfg, deps, pool, locks, nil, func(b *BlockBuffer) { writer.Submit(b) }, nil)
	reaper := NewReaper(cfg, deps, locks, assigner, writer, nil)
	reaper.ReinitializeFrom(0)

	return assigner, writer, reaper, locks, depot
}

// releaseEntryOwnLock simulates the real block-map/slab-journal zones
// that, in production, call Journal.ReleaseEntryLock once they have
// durably applied whatever an entry recorded. Recycling only forces the
// release of the block's own lifetime lock and any never-used slots; the
// lock an actual entry holds is never released by the journal itself.
func releaseEntryOwnLock(locks *LockCounter, seq SequenceNumber, size uint64) {
	locks.ReleaseEntryLock(BlockNumber(uint64(seq) % size))
}

func TestReaperAdvancesHeadOnlyPastUnlockedBlocks(t *testing.T) {
	a, w, r, locks, _ := newReaperHarness(t, 16, 4, 1)

	for i := 0; i < 4; i++ {
		a.AddEntry(Entry{Operation: OpDataIncrement, Slot: Slot{PageDBN: PhysicalBlockNumber(i)}}, nil)
		w.WriteReady(context.Background(), a.ActiveBlock())
	}
	require.Equal(t, SequenceNumber(4), a.Tail())

	// Blocks 1 and 2's consuming zones have caught up; block 3's entry is
	// still outstanding, and block 4 is the current tail so it is never
	// considered for reaping regardless of lock state.
	releaseEntryOwnLock(locks, 1, 16)
	releaseEntryOwnLock(locks, 2, 16)

	require.NoError(t, r.Reap(context.Background()))
	require.Equal(t, SequenceNumber(3), r.BlockMapHead())
	require.Equal(t, SequenceNumber(3), r.SlabJournalHead())

	releaseEntryOwnLock(locks, 3, 16)
	require.NoError(t, r.Reap(context.Background()))
	require.Equal(t, SequenceNumber(4), r.BlockMapHead())
}

func TestReaperRequestsSlabCommitPastThreshold(t *testing.T) {
	a, w, r, locks, depot := newReaperHarness(t, 16, 16, 1)
	r.cfg.SetSlabCommitThreshold(1)

	for i := 0; i < 3; i++ {
		a.AddEntry(Entry{Operation: OpDataIncrement}, nil)
		w.WriteReady(context.Background(), a.ActiveBlock())
		blockNumber := BlockNumber(uint64(a.Tail()) % 16)
		releaseEntryOwnLock(locks, a.Tail(), 16)
		// The block map has caught up, but the slab journal zone still
		// holds a reference on every block from 1 on, so the slab reap
		// head stops at 1, two blocks behind the tail of 3, past the
		// threshold of 1, and the journal must fall back to asking the
		// depot to force a commit.
		require.NoError(t, locks.Acquire(blockNumber, ZoneTypePhysical, 0))
	}

	require.NoError(t, r.Reap(context.Background()))
	require.NotEmpty(t, depot.commits)
}

func TestReaperLetsAssignerRetryQueuedEntriesAfterReap(t *testing.T) {
	a, w, r, locks, _ := newReaperHarness(t, 16, 16, 1)

	// Size 16 reserves 4 blocks, leaving a usable length of 12; the
	// admission margin requires available_space - pending_decrement_count
	// > 1, so 11 one-entry blocks is as many as fit before the next
	// increment must queue.
	for i := 0; i < 11; i++ {
		a.AddEntry(Entry{Operation: OpDataIncrement}, nil)
		w.WriteReady(context.Background(), a.ActiveBlock())
		releaseEntryOwnLock(locks, a.Tail(), 16)
	}
	require.EqualValues(t, 11, a.EntriesStarted())

	a.AddEntry(Entry{Operation: OpDataIncrement}, nil)
	require.Equal(t, 1, a.PendingIncrements())

	require.NoError(t, r.Reap(context.Background()))
	require.Equal(t, 0, a.PendingIncrements())
	require.EqualValues(t, 12, a.EntriesStarted())
}
