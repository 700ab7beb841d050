package journal

import (
	"context"
	"fmt"

	"github.com/go-kit/log"
	"go.uber.org/atomic"
)

// reservedBlocksCap bounds how many trailing journal blocks are held back
// so that a new tail write can never overwrite a block that still looks
// like a valid head (spec §3 invariant 2; original source
// RECOVERY_JOURNAL_RESERVED_BLOCKS).
const reservedBlocksCap = 8

// HeaderSize is the packed size, in bytes, of one on-disk journal block
// header (spec §6).
const HeaderSize = 8 + 8 + 8 + 8 + 1 + 1 + 2 + 1 + 5 // padded to 42 bytes

// EntrySize is the packed size, in bytes, of one on-disk journal entry
// (spec §6): operation, slot.pbn, slot.slot, mapping.pbn, mapping.state.
const EntrySize = 1 + 8 + 1 + 8 + 1

// Config carries every construction-time tunable for a Journal (spec §6).
// There are no package-level globals. The original source's two static
// timer tunables (timeout_interval, min_timer_interval) have no
// counterpart here: the journal runs no timers, and Config has no fields
// for them.
type Config struct {
	// Size is the number of on-disk journal blocks.
	Size uint64
	// TailBufferSize is the depth of the in-memory block pool.
	TailBufferSize uint64
	// EntriesPerBlock is fixed by the on-disk format in use.
	EntriesPerBlock uint16
	// LogicalZoneCount and PhysicalZoneCount size the lock counter's
	// per-zone arrays.
	LogicalZoneCount  uint32
	PhysicalZoneCount uint32
	// Nonce is the VDO instance's nonce, stamped into every block header
	// and checked for congruence during boot scanning.
	Nonce uint64
	// RecoveryCount is the number of completed recoveries; only its low
	// byte is stamped into block headers.
	RecoveryCount uint64
	// PhysicalBlocks bounds valid slot.pbn / mapping.pbn values for
	// ValidateEntry.
	PhysicalBlocks uint64

	// Logger receives structured log events. Defaults to a no-op logger.
	Logger log.Logger

	// slabCommitThreshold is mutable at runtime via
	// SetSlabCommitThreshold; it defaults to 2/3 of Size, matching the
	// original source's slab_journal_commit_threshold.
	slabCommitThreshold atomic.Uint64
}

// Validate checks that the configuration is self-consistent, mirroring
// ValidateConfig in modules/backendscheduler: called once, up front, before
// any other construction work.
func (c *Config) Validate() error {
	if c.Size < 16 {
		return fmt.Errorf("journal: size must be at least 16 blocks, got %d", c.Size)
	}
	if c.TailBufferSize == 0 {
		return fmt.Errorf("journal: tail buffer size must be positive")
	}
	if c.EntriesPerBlock == 0 {
		return fmt.Errorf("journal: entries per block must be positive")
	}
	if c.LogicalZoneCount == 0 || c.PhysicalZoneCount == 0 {
		return fmt.Errorf("journal: logical and physical zone counts must be positive")
	}
	if c.Logger == nil {
		c.Logger = log.NewNopLogger()
	}
	if c.slabCommitThreshold.Load() == 0 {
		c.slabCommitThreshold.Store((c.Size * 2) / 3)
	}
	return nil
}

// ReservedBlocks is the number of journal blocks held back from use, per
// vdo_get_recovery_journal_length.
func (c *Config) ReservedBlocks() uint64 {
	reserved := c.Size / 4
	if reserved > reservedBlocksCap {
		reserved = reservedBlocksCap
	}
	return reserved
}

// UsableLength is size - reserved, the number of blocks addressable by
// tail-head (spec §3 invariant 2).
func (c *Config) UsableLength() uint64 {
	return c.Size - c.ReservedBlocks()
}

// SlabCommitThreshold returns the current slab-journal commit threshold.
func (c *Config) SlabCommitThreshold() uint64 {
	return c.slabCommitThreshold.Load()
}

// SetSlabCommitThreshold lets an operator change the threshold at which
// the reaper asks the slab depot to commit its oldest tail block, without
// restarting the journal.
func (c *Config) SetSlabCommitThreshold(blocks uint64) {
	c.slabCommitThreshold.Store(blocks)
}

// PartitionWriter is the narrow metadata-I/O contract the journal needs
// from the underlying device (spec §6: "submit-metadata-I/O callback").
type PartitionWriter interface {
	// WriteBlock durably writes data (exactly one device block) at pbn.
	WriteBlock(ctx context.Context, pbn PhysicalBlockNumber, data []byte) error
	// Flush requests a full device flush/barrier, used by the reaper
	// before advancing the head (spec §4.F).
	Flush(ctx context.Context) error
	// ReadRegion reads the entire journal region into memory for boot
	// scanning (spec §6 load).
	ReadRegion(ctx context.Context) ([]byte, error)
	// Offset is the physical block number of block 0 of the journal
	// region.
	Offset() PhysicalBlockNumber
}

// SlabDepot is the narrow contract to the slab allocator collaborator
// (spec §1 Out of scope, §4.F).
type SlabDepot interface {
	// CommitOldestSlabJournalTail asks the slab depot to force out its
	// oldest slab journal tail block, given the current slab journal
	// reap head.
	CommitOldestSlabJournalTail(head SequenceNumber)
}

// BlockMap is the narrow contract to the block map collaborator (spec §1
// Out of scope, §4.D advance_tail).
type BlockMap interface {
	// AdvanceEra is notified whenever the journal opens a new tail
	// block, so the block map can age out eras no longer reachable by
	// replay.
	AdvanceEra(tail SequenceNumber)
}

// Dependencies bundles the journal's external collaborators (spec §6).
type Dependencies struct {
	Partition PartitionWriter
	Depot     SlabDepot
	BlockMap  BlockMap
}

func (d Dependencies) validate() error {
	if d.Partition == nil {
		return fmt.Errorf("journal: a PartitionWriter is required")
	}
	return nil
}
