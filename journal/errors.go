package journal

import "errors"

// Sentinel errors the journal produces or propagates (spec §7).
var (
	// ErrReadOnly is returned by AddEntry once the journal has degraded,
	// and is wrapped in the error delivered to the waiters that entering
	// read-only releases; it never self-recovers.
	ErrReadOnly = errors.New("journal: read-only")

	// ErrJournalOverflow means the next sequence number would reach
	// 2^48; fatal, forces read-only.
	ErrJournalOverflow = errors.New("journal: sequence number overflow")

	// ErrJournalFull means there was no room to make a decrement entry;
	// fatal, forces read-only, since decrements must always be
	// representable to preserve accounting. It is also returned, without
	// forcing read-only, to an entry that finds no free tail block buffer
	// in the pool; that entry is failed, not queued for a retry.
	ErrJournalFull = errors.New("journal: full, cannot accommodate decrement")

	// ErrInvalidAdminState is returned when an operation is attempted
	// while the journal is not in normal operation.
	ErrInvalidAdminState = errors.New("journal: invalid admin state")

	// ErrCorruptJournal is returned by the boot scanner and entry
	// validator when on-disk content fails validation.
	ErrCorruptJournal = errors.New("journal: corrupt")

	// ErrNotImplemented is returned for (and forces read-only on) an
	// entry with an operation type the journal does not recognize.
	ErrNotImplemented = errors.New("journal: operation not implemented")

	// ErrClosed is returned by AddEntry and Drain once the journal's
	// service is stopping or has stopped.
	ErrClosed = errors.New("journal: closed")
)
