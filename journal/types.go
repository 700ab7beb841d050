package journal

import "fmt"

// SequenceNumber identifies a journal block. It is monotone and never
// reused. The journal refuses any value at or above maxSequenceNumber,
// poisoning itself read-only instead (spec §3, §7: journal_overflow).
type SequenceNumber uint64

// maxSequenceNumber is 2^48; the slab journal format cannot represent a
// higher sequence number.
const maxSequenceNumber SequenceNumber = 1 << 48

// BlockNumber is a sequence number's position in the on-disk ring,
// sequenceNumber mod size.
type BlockNumber uint64

// PhysicalBlockNumber addresses a block on the underlying partition.
type PhysicalBlockNumber uint64

// JournalPosition pairs a sequence number with the index of an entry within
// that block's commit. Positions are totally ordered lexicographically by
// (SequenceNumber, EntryIndex) and are used to verify that commit
// notifications are delivered in order (spec invariant 5).
type JournalPosition struct {
	SequenceNumber SequenceNumber
	EntryIndex     uint16
}

// Before reports whether p strictly precedes other in journal order.
func (p JournalPosition) Before(other JournalPosition) bool {
	if p.SequenceNumber != other.SequenceNumber {
		return p.SequenceNumber < other.SequenceNumber
	}
	return p.EntryIndex < other.EntryIndex
}

func (p JournalPosition) String() string {
	return fmt.Sprintf("(%d,%d)", p.SequenceNumber, p.EntryIndex)
}

// ZoneType identifies which class of downstream zone is acquiring or
// releasing a lock on a journal block. The journal zone type is reserved
// for the journal's own per-entry locks; it is never a valid argument to
// Acquire.
type ZoneType uint8

const (
	ZoneTypeJournal ZoneType = iota
	ZoneTypeLogical
	ZoneTypePhysical
)

func (z ZoneType) String() string {
	switch z {
	case ZoneTypeJournal:
		return "journal"
	case ZoneTypeLogical:
		return "logical"
	case ZoneTypePhysical:
		return "physical"
	default:
		return "unknown"
	}
}

// Operation describes the kind of block-map mutation a journal entry
// records.
type Operation uint8

const (
	OpDataIncrement Operation = iota
	OpDataDecrement
	OpBlockMapIncrement
	OpBlockMapDecrement
)

// IsIncrement reports whether the operation is one of the two increment
// forms. Decrements are scheduled ahead of increments by the entry
// assigner (spec §4.D).
func (o Operation) IsIncrement() bool {
	return o == OpDataIncrement || o == OpBlockMapIncrement
}

func (o Operation) String() string {
	switch o {
	case OpDataIncrement:
		return "data-increment"
	case OpDataDecrement:
		return "data-decrement"
	case OpBlockMapIncrement:
		return "block-map-increment"
	case OpBlockMapDecrement:
		return "block-map-decrement"
	default:
		return "unknown"
	}
}

// MappingState describes what, if anything, a logical slot maps to.
// Unmapped and Uncompressed are distinguished states; the remaining values
// name one of up to 14 compression slots.
type MappingState uint8

const (
	MappingStateUnmapped     MappingState = 0
	MappingStateUncompressed MappingState = 1
	// MaxCompressionSlots is the number of distinct compressed mapping
	// states, numbered MappingStateUncompressed+1 .. +14.
	MaxCompressionSlots = 14
)

// IsCompressed reports whether the mapping refers to one of the
// compression slots.
func (s MappingState) IsCompressed() bool {
	return s > MappingStateUncompressed && s <= MappingStateUncompressed+MaxCompressionSlots
}

// Slot identifies one block-map entry slot: a page and a slot index within
// that page.
type Slot struct {
	PageDBN    PhysicalBlockNumber
	SlotIndex  uint8
}

// Mapping is the (physical block, state) pair an entry installs or removes.
type Mapping struct {
	PBN   PhysicalBlockNumber
	State MappingState
}

// Entry is one packed block-map mutation record, the unit the journal
// persists (spec §3).
type Entry struct {
	Operation Operation
	Slot      Slot
	Mapping   Mapping
}

// AdminState is the lifecycle state of the journal (spec §3 Lifecycle,
// §4.G).
type AdminState uint8

const (
	AdminStateSuspended AdminState = iota
	AdminStateNormalOperation
	AdminStateDraining
	AdminStateSaved
	AdminStateReadOnly
)

func (s AdminState) String() string {
	switch s {
	case AdminStateSuspended:
		return "suspended"
	case AdminStateNormalOperation:
		return "normal-operation"
	case AdminStateDraining:
		return "draining"
	case AdminStateSaved:
		return "saved"
	case AdminStateReadOnly:
		return "read-only"
	default:
		return "unknown"
	}
}

// IsQuiescent reports whether the journal may be freed in this state.
func (s AdminState) IsQuiescent() bool {
	return s == AdminStateSuspended || s == AdminStateSaved || s == AdminStateReadOnly
}

// DrainOperation selects what Drain leaves behind.
type DrainOperation uint8

const (
	// DrainSuspend quiesces the journal and leaves it Suspended, with its
	// active tail block ready to resume mid-block.
	DrainSuspend DrainOperation = iota
	// DrainSave quiesces the journal the same way and leaves it Saved.
	// It does not close the active block; while Saved, RecordedState
	// reports the tail as journal_start.
	DrainSave
)

// DecodedState is the portion of journal state persisted in the super
// block (spec §6).
type DecodedState struct {
	JournalStart          SequenceNumber
	LogicalBlocksUsed      uint64
	BlockMapDataBlocks     uint64
}

// Statistics mirrors vdo_get_recovery_journal_statistics (spec §6
// introspection, §9 dump routine).
type Statistics struct {
	DiskFull                   uint64
	SlabJournalCommitsRequested uint64
	EntriesStarted              uint64
	EntriesWritten              uint64
	EntriesCommitted            uint64
	BlocksStarted               uint64
	BlocksWritten               uint64
	BlocksCommitted             uint64
	IncrementWaiters             int
	DecrementWaiters             int
}

// BootResult is returned by BootScanner.Scan (spec §4.H).
type BootResult struct {
	Tail             SequenceNumber
	BlockMapHead     SequenceNumber
	SlabJournalHead  SequenceNumber
	FoundEntries     bool
}
