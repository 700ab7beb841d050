package journal

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakePartition struct {
	writes  []PhysicalBlockNumber
	failPBN map[PhysicalBlockNumber]error
	offset  PhysicalBlockNumber
}

func newFakePartition() *fakePartition {
	return &fakePartition{failPBN: make(map[PhysicalBlockNumber]error)}
}

func (f *fakePartition) WriteBlock(ctx context.Context, pbn PhysicalBlockNumber, data []byte) error {
	f.writes = append(f.writes, pbn)
	if err, ok := f.failPBN[pbn]; ok {
		return err
	}
	return nil
}

func (f *fakePartition) Flush(ctx context.Context) error { return nil }

func (f *fakePartition) ReadRegion(ctx context.Context) ([]byte, error) { return nil, nil }

func (f *fakePartition) Offset() PhysicalBlockNumber { return f.offset }

func newWriterHarness(t *testing.T, size, tailBuffer uint64, entriesPerBlock uint16) (*Assigner, *Writer, *fakePartition) {
	t.Helper()
	cfg := &Config{
		Size:              size,
		TailBufferSize:    tailBuffer,
		EntriesPerBlock:   entriesPerBlock,
		LogicalZoneCount:  1,
		PhysicalZoneCount: 1,
		Nonce:             42,
	}
	require.NoError(t, cfg.Validate())

	pool := NewBlockPool(cfg, tailBuffer)
	locks := NewLockCounter(size, 1, 1, func() {})
	partition := newFakePartition()
	deps := Dependencies{Partition: partition}

	var readOnlyErr error
	writer := NewWriter(cfg, deps, pool, locks, nil, nil, func(err error) { readOnlyErr = err }, nil)
	_ = readOnlyErr

	assigner := NewAssigner(cfg, deps, pool, locks, nil, func(b *BlockBuffer) { writer.Submit(b) }, nil)
	return assigner, writer, partition
}

func TestWriterCommitsFullBlockAndRecyclesIt(t *testing.T) {
	a, w, partition := newWriterHarness(t, 16, 4, 2)

	var notified []JournalPosition
	a.AddEntry(Entry{Operation: OpDataIncrement}, func(pos JournalPosition, err error) {
		require.NoError(t, err)
		notified = append(notified, pos)
	})
	a.AddEntry(Entry{Operation: OpDataIncrement}, func(pos JournalPosition, err error) {
		require.NoError(t, err)
		notified = append(notified, pos)
	})
	require.Equal(t, 1, w.PendingCount())

	w.WriteReady(context.Background(), a.ActiveBlock())

	require.Len(t, partition.writes, 1)
	require.Len(t, notified, 2)
	require.Equal(t, SequenceNumber(1), notified[0].SequenceNumber)
	require.EqualValues(t, 0, notified[0].EntryIndex)
	require.EqualValues(t, 1, notified[1].EntryIndex)
	require.Equal(t, 0, w.PendingCount())
	require.False(t, w.IsWriting())
}

func TestWriterWritesPartialActiveBlockOnlyWhenQueueEmpty(t *testing.T) {
	a, w, partition := newWriterHarness(t, 16, 4, 4)

	a.AddEntry(Entry{Operation: OpDataIncrement}, nil)
	require.Equal(t, 0, w.PendingCount())

	w.WriteReady(context.Background(), a.ActiveBlock())
	require.Len(t, partition.writes, 1)
}

func TestWriterAdvancesLastWriteAcknowledgedOnCommit(t *testing.T) {
	a, w, _ := newWriterHarness(t, 16, 4, 1)
	require.EqualValues(t, 0, w.LastWriteAcknowledged())

	a.AddEntry(Entry{Operation: OpDataIncrement}, nil)
	w.WriteReady(context.Background(), a.ActiveBlock())
	require.EqualValues(t, 1, w.LastWriteAcknowledged())

	a.AddEntry(Entry{Operation: OpDataIncrement}, nil)
	w.WriteReady(context.Background(), a.ActiveBlock())
	require.EqualValues(t, 2, w.LastWriteAcknowledged())
}

func TestWriterPropagatesWriteFailureToReadOnly(t *testing.T) {
	cfg := &Config{
		Size:              16,
		TailBufferSize:    4,
		EntriesPerBlock:   1,
		LogicalZoneCount:  1,
		PhysicalZoneCount: 1,
	}
	require.NoError(t, cfg.Validate())
	pool := NewBlockPool(cfg, 4)
	locks := NewLockCounter(16, 1, 1, func() {})
	partition := newFakePartition()
	failure := errors.New("device gone")
	partition.failPBN[partition.Offset()+1] = failure
	deps := Dependencies{Partition: partition}

	var gotErr error
	writer := NewWriter(cfg, deps, pool, locks, nil, nil, func(err error) { gotErr = err }, nil)
	assigner := NewAssigner(cfg, deps, pool, locks, nil, func(b *BlockBuffer) { writer.Submit(b) }, nil)

	var waiterErr error
	assigner.AddEntry(Entry{Operation: OpDataIncrement}, func(pos JournalPosition, err error) {
		waiterErr = err
	})

	writer.WriteReady(context.Background(), assigner.ActiveBlock())

	require.Error(t, gotErr)
	require.ErrorContains(t, gotErr, "device gone")
	require.Error(t, waiterErr)
}
