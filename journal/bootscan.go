package journal

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// BootScanner reconstructs the journal's head and tail by reading every
// on-disk block and determining which ones are congruent with the
// journal's own nonce and in a plausible sequence-number range (spec
// §4.H, original source's vdo_load_recovery_journal /
// vdo_find_recovery_journal_head_and_tail).
type BootScanner struct {
	cfg *Config
}

// NewBootScanner constructs a BootScanner for cfg.
func NewBootScanner(cfg *Config) *BootScanner {
	return &BootScanner{cfg: cfg}
}

// decodedBlock is one on-disk block's parsed header, with the block
// number it was read from so results from concurrent decoding can be
// evaluated without needing to preserve read order.
type decodedBlock struct {
	blockNumber BlockNumber
	header      Header
	congruent   bool
}

// isCongruent reports whether header plausibly belongs to this journal
// instance: its nonce matches, its check byte matches the nonce, and its
// sequence number is consistent with the block number it was read from
// (original source's is_congruent_recovery_journal_block).
func (s *BootScanner) isCongruent(blockNumber BlockNumber, h Header) bool {
	if h.Nonce != s.cfg.Nonce {
		return false
	}
	if h.CheckByte != checkByteFor(h.Nonce) {
		return false
	}
	return BlockNumber(uint64(h.SequenceNumber)%s.cfg.Size) == blockNumber
}

// Scan reads the entire journal region and computes the boot result: the
// highest congruent tail found at or after existingTail, and the
// block-map/slab-journal heads recorded in that tail block's header.
// Per-block header validation runs concurrently across a worker group
// (spec §9 Design Notes; the original source's single-threaded scan
// generalized to use golang.org/x/sync/errgroup, since parsing each
// block's header is independent work).
func (s *BootScanner) Scan(ctx context.Context, region []byte, existingTail SequenceNumber) (BootResult, error) {
	blockSize := blockByteSize(s.cfg.EntriesPerBlock)
	if uint64(len(region)) < s.cfg.Size*uint64(blockSize) {
		return BootResult{}, fmt.Errorf("journal: region too short for %d blocks: %w", s.cfg.Size, ErrCorruptJournal)
	}

	decoded := make([]decodedBlock, s.cfg.Size)
	group, _ := errgroup.WithContext(ctx)
	for i := uint64(0); i < s.cfg.Size; i++ {
		i := i
		group.Go(func() error {
			offset := i * uint64(blockSize)
			h, _, err := decodeBlock(region[offset:offset+uint64(blockSize)], s.cfg.EntriesPerBlock)
			if err != nil {
				// An unwritten or torn block is simply not congruent;
				// it is not a scan failure.
				decoded[i] = decodedBlock{blockNumber: BlockNumber(i)}
				return nil
			}
			decoded[i] = decodedBlock{
				blockNumber: BlockNumber(i),
				header:      h,
				congruent:   s.isCongruent(BlockNumber(i), h),
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return BootResult{}, err
	}

	// SPEC_FULL.md supplemented feature 6: seed the search with the
	// journal's own current tail rather than zero (resolving Open
	// Question (b)), so a resume or rebuild never regresses the tail
	// backwards from what the journal already believes, even if a stale
	// congruent-looking block from a prior wraparound is still on disk.
	highestTail := existingTail
	var tailHeader Header
	foundNewer := false
	for _, d := range decoded {
		if !d.congruent || d.header.SequenceNumber < highestTail {
			continue
		}
		if !foundNewer || d.header.SequenceNumber > highestTail {
			highestTail = d.header.SequenceNumber
			tailHeader = d.header
			foundNewer = true
		}
	}

	if !foundNewer {
		return BootResult{Tail: existingTail}, nil
	}
	return BootResult{
		Tail:            highestTail,
		BlockMapHead:    tailHeader.BlockMapHead,
		SlabJournalHead: tailHeader.SlabJournalHead,
		FoundEntries:    true,
	}, nil
}

// ValidateEntry checks that an entry decoded from the journal is
// internally consistent before it is replayed (spec §4.H, original
// source's vdo_validate_recovery_journal_entry): slot and mapping
// physical block numbers must be in range, and a block-map increment may
// never target a compressed or unmapped state.
func (s *BootScanner) ValidateEntry(e Entry) error {
	if uint64(e.Slot.PageDBN) >= s.cfg.PhysicalBlocks {
		return fmt.Errorf("journal: slot pbn %d out of range [0,%d): %w", e.Slot.PageDBN, s.cfg.PhysicalBlocks, ErrCorruptJournal)
	}
	if e.Mapping.PBN != 0 && uint64(e.Mapping.PBN) >= s.cfg.PhysicalBlocks {
		return fmt.Errorf("journal: mapping pbn %d out of range [0,%d): %w", e.Mapping.PBN, s.cfg.PhysicalBlocks, ErrCorruptJournal)
	}
	if e.Operation == OpBlockMapIncrement {
		if e.Mapping.State.IsCompressed() || e.Mapping.State == MappingStateUnmapped {
			return fmt.Errorf("journal: block-map increment must target an uncompressed, mapped state: %w", ErrCorruptJournal)
		}
	}
	return nil
}
