package journal

import (
	"fmt"
	"sync"

	"go.uber.org/atomic"
)

// lockCounterState is the notification gate for a LockCounter, matching
// the three-state enum in spec §3/§4.A.
type lockCounterState int32

const (
	lockCounterNotNotifying lockCounterState = iota
	lockCounterNotifying
	lockCounterSuspended
)

// LockCounter tracks, per journal block, how many uncommitted downstream
// consequences still reference that block, split across three zone
// dimensions: the journal's own per-entry locks, and one aggregate per
// logical and physical zone (spec §4.A).
//
// The journal-owned counters (journalCounters) are written only from the
// journal's single dispatch goroutine; decrements arrive from arbitrary
// goroutines as atomic increments to a sibling counter instead, matching
// the original source's use of an atomic "decrement count" alongside a
// plain scalar. logicalCounters and physicalCounters are each owned by
// exactly one zone; cross-zone visibility is provided by an atomic
// per-block "how many zones of this class are non-zero" aggregate. Every
// update of a scalar counter, journal or zone, is made under the one
// mutex, mu.
type LockCounter struct {
	size           uint64
	logicalZones   uint32
	physicalZones  uint32

	mu sync.Mutex // guards journalCounters and the zone counters; Acquire and Release take it from whichever goroutine calls them

	journalCounters         []uint16
	journalDecrementCounts  []atomic.Uint32

	logicalCounters  []uint16      // [zone*size + block], zone-owned
	physicalCounters []uint16      // [zone*size + block], zone-owned
	logicalZoneCounts  []atomic.Int32
	physicalZoneCounts []atomic.Int32

	state atomic.Int32

	// notify is invoked (from whatever goroutine performed the release
	// that tipped the last count to zero) when the lock counter
	// transitions into the notifying state. It must not block.
	notify func()
}

// NewLockCounter constructs a LockCounter sized for size journal blocks
// and the given zone counts.
func NewLockCounter(size uint64, logicalZones, physicalZones uint32, notify func()) *LockCounter {
	return &LockCounter{
		size:                   size,
		logicalZones:           logicalZones,
		physicalZones:          physicalZones,
		journalCounters:        make([]uint16, size),
		journalDecrementCounts: make([]atomic.Uint32, size),
		logicalCounters:        make([]uint16, size*uint64(logicalZones)),
		physicalCounters:       make([]uint16, size*uint64(physicalZones)),
		logicalZoneCounts:      make([]atomic.Int32, size),
		physicalZoneCounts:     make([]atomic.Int32, size),
		notify:                 notify,
	}
}

func (lc *LockCounter) zoneCounterIndex(block BlockNumber, zoneID uint32) uint64 {
	return uint64(zoneID)*lc.size + uint64(block)
}

// InitializeJournalLock stamps the journal-owned counter for a freshly
// activated block to entriesPerBlock+1 (one lock per entry slot, plus one
// for the block's own lifetime), asserting the counter was previously
// fully drained back to its decrement count (spec §4.D
// initialize_lock_count).
func (lc *LockCounter) InitializeJournalLock(block BlockNumber, entriesPerBlock uint16) error {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	decrements := lc.journalDecrementCounts[block].Load()
	if uint32(lc.journalCounters[block]) != decrements {
		return fmt.Errorf("journal: lock count for block %d not drained before reuse (have %d, decrements %d)", block, lc.journalCounters[block], decrements)
	}
	lc.journalCounters[block] = entriesPerBlock + 1
	lc.journalDecrementCounts[block].Store(0)
	return nil
}

// IsJournalZoneLocked reports whether the journal's own counter for block
// has not yet been fully matched by decrements.
func (lc *LockCounter) IsJournalZoneLocked(block BlockNumber) bool {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.isJournalZoneLockedLocked(block)
}

func (lc *LockCounter) isJournalZoneLockedLocked(block BlockNumber) bool {
	value := lc.journalCounters[block]
	decrements := lc.journalDecrementCounts[block].Load()
	return uint32(value) != decrements
}

// Acquire increments the calling zone's scalar counter for block. If the
// zone's count transitions from zero to non-zero, the shared aggregate for
// that zone type is bumped too. zoneType must not be ZoneTypeJournal.
func (lc *LockCounter) Acquire(block BlockNumber, zoneType ZoneType, zoneID uint32) error {
	if zoneType == ZoneTypeJournal {
		return fmt.Errorf("journal: invalid lock count increment from journal zone")
	}

	counters, aggregate := lc.zoneTables(zoneType)
	idx := lc.zoneCounterIndex(block, zoneID)

	lc.mu.Lock()
	defer lc.mu.Unlock()

	if counters[idx] == ^uint16(0) {
		return fmt.Errorf("journal: lock counter overflow for block %d zone %s/%d", block, zoneType, zoneID)
	}
	if counters[idx] == 0 {
		aggregate[block].Inc()
	}
	counters[idx]++
	return nil
}

// Release decrements the calling zone's counter for block (or, for
// ZoneTypeJournal, atomically bumps the sibling decrement count). If this
// was the last outstanding reference for the zone type on this block, it
// attempts a not-notifying -> notifying transition and, on success, fires
// the single reap notification (spec §4.A, §9 one-shot wakeup pattern).
func (lc *LockCounter) Release(block BlockNumber, zoneType ZoneType, zoneID uint32) error {
	if zoneType == ZoneTypeJournal {
		lc.ReleaseEntryLock(block)
		return nil
	}

	counters, aggregate := lc.zoneTables(zoneType)
	idx := lc.zoneCounterIndex(block, zoneID)

	lc.mu.Lock()
	if counters[idx] == 0 {
		lc.mu.Unlock()
		return fmt.Errorf("journal: release of lock counter for block %d must not underflow", block)
	}
	counters[idx]--
	remaining := counters[idx]
	lc.mu.Unlock()

	if remaining != 0 {
		return nil
	}
	if aggregate[block].Dec() > 0 {
		// Other zones of this type still hold the block.
		return nil
	}
	lc.maybeNotify()
	return nil
}

// ReleaseEntryLock releases one per-entry journal-zone lock (spec §6
// release_entry_lock): an atomic increment of the decrement counter.
// block is a block number, and block 0 is an ordinary block; no value is
// treated as a "no lock held" sentinel.
func (lc *LockCounter) ReleaseEntryLock(block BlockNumber) {
	decrements := lc.journalDecrementCounts[block].Inc()

	lc.mu.Lock()
	locked := uint32(lc.journalCounters[block]) != decrements
	lc.mu.Unlock()
	if locked {
		return
	}
	lc.maybeNotify()
}

func (lc *LockCounter) maybeNotify() {
	if lc.state.CompareAndSwap(int32(lockCounterNotNotifying), int32(lockCounterNotifying)) {
		if lc.notify != nil {
			lc.notify()
		}
	}
}

// AcknowledgeNotification must be called by the journal's dispatch
// goroutine once it has observed the notification and is about to act on
// it, before it re-reads any counts. Storing not-notifying first (with the
// same ordering guarantees CompareAndSwap provides) forbids the race where
// a concurrent release observes "notifying" and drops its own signal.
func (lc *LockCounter) AcknowledgeNotification() {
	lc.state.Store(int32(lockCounterNotNotifying))
}

// IsLocked reports whether block has any reference at all: a journal-zone
// lock, or a non-zero aggregate for zoneType.
func (lc *LockCounter) IsLocked(block BlockNumber, zoneType ZoneType) bool {
	if lc.IsJournalZoneLocked(block) {
		return true
	}
	_, aggregate := lc.zoneTables(zoneType)
	return aggregate[block].Load() != 0
}

// Suspend transitions the counter to suspended, preventing further
// notifications, and reports whether the suspend was efficacious (the
// counter was not already mid-notification).
func (lc *LockCounter) Suspend() bool {
	prior := lockCounterState(lc.state.Swap(int32(lockCounterSuspended)))
	return prior == lockCounterSuspended || prior == lockCounterNotNotifying
}

// Resume re-allows notifications from a suspended counter, reporting
// whether it had in fact been suspended (in which case the caller must
// force a reap pass: a release may have fired while suspended and been
// dropped).
func (lc *LockCounter) Resume() bool {
	return lc.state.CompareAndSwap(int32(lockCounterSuspended), int32(lockCounterNotNotifying))
}

func (lc *LockCounter) zoneTables(zoneType ZoneType) ([]uint16, []atomic.Int32) {
	if zoneType == ZoneTypeLogical {
		return lc.logicalCounters, lc.logicalZoneCounts
	}
	return lc.physicalCounters, lc.physicalZoneCounts
}
