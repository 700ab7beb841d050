package journal

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAdminResumeFromSuspendedEntersNormalOperation(t *testing.T) {
	a := NewAdmin()
	require.Equal(t, AdminStateSuspended, a.State())
	require.NoError(t, a.Resume())
	require.Equal(t, AdminStateNormalOperation, a.State())
}

func TestAdminResumeIsNoOpWhenAlreadyOperating(t *testing.T) {
	a := NewAdmin()
	a.BeginNormalOperation()
	require.NoError(t, a.Resume())
	require.Equal(t, AdminStateNormalOperation, a.State())
}

func TestAdminResumeFromReadOnlyFails(t *testing.T) {
	a := NewAdmin()
	a.BeginNormalOperation()
	a.EnterReadOnly(errors.New("device failure"))
	require.Error(t, a.Resume())
}

func TestAdminDrainSuspendThenFinish(t *testing.T) {
	a := NewAdmin()
	a.BeginNormalOperation()

	already, err := a.BeginDrain(DrainSuspend)
	require.NoError(t, err)
	require.False(t, already)
	require.True(t, a.IsDraining())

	a.FinishDrain()
	require.False(t, a.IsDraining())
	require.Equal(t, AdminStateSuspended, a.State())
}

func TestAdminDrainSaveThenFinish(t *testing.T) {
	a := NewAdmin()
	a.BeginNormalOperation()

	_, err := a.BeginDrain(DrainSave)
	require.NoError(t, err)

	a.FinishDrain()
	require.Equal(t, AdminStateSaved, a.State())
}

func TestAdminDrainOnReadOnlyJournalIsTriviallyQuiescent(t *testing.T) {
	a := NewAdmin()
	a.BeginNormalOperation()
	a.EnterReadOnly(errors.New("boom"))

	already, err := a.BeginDrain(DrainSave)
	require.NoError(t, err)
	require.True(t, already)
	require.False(t, a.IsDraining())
}

func TestAdminDoubleDrainRejected(t *testing.T) {
	a := NewAdmin()
	a.BeginNormalOperation()
	_, err := a.BeginDrain(DrainSuspend)
	require.NoError(t, err)

	_, err = a.BeginDrain(DrainSuspend)
	require.Error(t, err)
}

func TestAdminEnterReadOnlyIsIdempotent(t *testing.T) {
	a := NewAdmin()
	a.BeginNormalOperation()

	first := errors.New("first failure")
	transitioned, wasDraining := a.EnterReadOnly(first)
	require.True(t, transitioned)
	require.False(t, wasDraining)
	require.True(t, a.IsReadOnly())
	require.ErrorIs(t, a.ReadOnlyError(), first)

	transitioned, _ = a.EnterReadOnly(errors.New("second failure"))
	require.False(t, transitioned)
	require.ErrorIs(t, a.ReadOnlyError(), first, "the first read-only cause must stick")
}

func TestAdminEnterReadOnlyAbortsAnInProgressDrain(t *testing.T) {
	a := NewAdmin()
	a.BeginNormalOperation()
	_, err := a.BeginDrain(DrainSave)
	require.NoError(t, err)

	transitioned, wasDraining := a.EnterReadOnly(errors.New("boom"))
	require.True(t, transitioned)
	require.True(t, wasDraining, "the caller needs this to know it must still release drain waiters itself")
	require.False(t, a.IsDraining())
	require.Equal(t, AdminStateReadOnly, a.State())
}
