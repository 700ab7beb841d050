package journal

import (
	"fmt"
	"sync"
)

// Admin tracks the recovery journal's lifecycle state machine (spec §3
// Lifecycle, §4.G) and decides when a requested drain has finished. It
// holds its own mutex because, unlike the rest of the journal, lifecycle
// queries (IsReadOnly, State) are expected to be called from goroutines
// other than the dispatch goroutine — for instance an HTTP status
// handler — while transitions are still only ever driven by it.
type Admin struct {
	mu    sync.Mutex
	state AdminState

	drainOperation DrainOperation
	draining       bool

	readOnlyErr error
}

// NewAdmin constructs an Admin starting in the suspended state, matching
// a freshly constructed, not-yet-loaded journal.
func NewAdmin() *Admin {
	return &Admin{state: AdminStateSuspended}
}

// State reports the current lifecycle state.
func (a *Admin) State() AdminState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// IsReadOnly reports whether the journal has been forced permanently
// read-only.
func (a *Admin) IsReadOnly() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state == AdminStateReadOnly
}

// IsDraining reports whether a drain is currently in progress.
func (a *Admin) IsDraining() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.draining
}

// BeginNormalOperation transitions directly to normal operation, used
// once boot scanning / loading has finished (original source's
// vdo_record_recovery_journal and the load path it follows).
func (a *Admin) BeginNormalOperation() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = AdminStateNormalOperation
}

// Resume transitions a suspended or saved journal back to normal
// operation. It is a no-op if the journal is already operating, and an
// error if the journal is read-only or mid-drain (original source's
// vdo_resume_recovery_journal).
func (a *Admin) Resume() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.draining {
		return fmt.Errorf("journal: cannot resume while a drain is in progress: %w", ErrInvalidAdminState)
	}
	switch a.state {
	case AdminStateNormalOperation:
		return nil
	case AdminStateSuspended, AdminStateSaved:
		a.state = AdminStateNormalOperation
		return nil
	default:
		return fmt.Errorf("journal: cannot resume from state %s: %w", a.state, ErrInvalidAdminState)
	}
}

// BeginDrain starts a drain (suspend or save) if the journal is currently
// operating. It reports alreadyQuiescent=true without error if the
// journal is already read-only, since a read-only journal accepts no
// further work and any drain on it is trivially satisfied (original
// source's initiate_drain checking vdo_is_read_only first).
func (a *Admin) BeginDrain(op DrainOperation) (alreadyQuiescent bool, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == AdminStateReadOnly {
		return true, nil
	}
	if a.draining {
		return false, fmt.Errorf("journal: drain already in progress: %w", ErrInvalidAdminState)
	}
	if a.state != AdminStateNormalOperation {
		return false, fmt.Errorf("journal: cannot drain from state %s: %w", a.state, ErrInvalidAdminState)
	}

	a.drainOperation = op
	a.draining = true
	return false, nil
}

// DrainOperation reports which kind of drain is currently in progress;
// the result is only meaningful while IsDraining is true.
func (a *Admin) DrainOperation() DrainOperation {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.drainOperation
}

// FinishDrain completes an in-progress drain, moving to Suspended or
// Saved depending on which operation was requested. The caller (the
// dispatch goroutine) is responsible for having confirmed the journal is
// actually idle first (original source's check_for_drain_complete).
func (a *Admin) FinishDrain() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.draining {
		return
	}
	a.draining = false
	if a.drainOperation == DrainSave {
		a.state = AdminStateSaved
	} else {
		a.state = AdminStateSuspended
	}
}

// EnterReadOnly forces the journal permanently read-only, recording why.
// It is idempotent and reports whether this call was the one that made
// the transition (original source: once read-only, always read-only
// until the device is rebooted and reloaded). wasDraining reports whether
// a drain was in progress at the moment of the transition, so the caller
// can still release whoever was waiting on it: going read-only satisfies
// any drain trivially, but it bypasses FinishDrain's own bookkeeping, so
// the caller is responsible for waking its drain waiters itself (spec
// §4.G, §7: "entering read-only... releases all queued waiters").
func (a *Admin) EnterReadOnly(err error) (transitioned, wasDraining bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == AdminStateReadOnly {
		return false, false
	}
	wasDraining = a.draining
	a.state = AdminStateReadOnly
	a.readOnlyErr = err
	a.draining = false
	return true, wasDraining
}

// ReadOnlyError returns the error that forced the journal read-only, or
// nil if it is not read-only.
func (a *Admin) ReadOnlyError() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.readOnlyErr
}
