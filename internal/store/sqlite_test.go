package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infinibay/hyperctl/internal/vmconfig"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "hyperctl.db")
	s, err := Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestRecord(id string) *vmconfig.Record {
	return &vmconfig.Record{
		VMID:         id,
		Name:         "test-vm",
		InternalName: id + "-internal",
		OS:           "linux",
		CPUCores:     2,
		RAMGB:        4,
		Status:       vmconfig.StatusOff,
	}
}

func TestCreateAndFindMachine(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	rec := newTestRecord("vm-1")
	require.NoError(t, s.CreateMachine(ctx, rec))

	summary, err := s.FindMachine(ctx, "vm-1")
	require.NoError(t, err)
	assert.Equal(t, vmconfig.StatusOff, summary.Status)

	loaded, err := s.FindMachineWithConfig(ctx, "vm-1")
	require.NoError(t, err)
	assert.Equal(t, "test-vm", loaded.Name)
	assert.Equal(t, 2, loaded.CPUCores)
}

func TestFindMachineNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.FindMachine(context.Background(), "does-not-exist")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateMachineStatusIdempotentOnMissingRow(t *testing.T) {
	s := openTestStore(t)
	err := s.UpdateMachineStatus(context.Background(), "ghost-vm", vmconfig.StatusOff)
	assert.NoError(t, err)
}

func TestClearVolatileMachineConfigurationPreservesTap(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	rec := newTestRecord("vm-2")
	rec.TapDeviceName = "tap-x"
	rec.QEMUPid = 4242
	require.NoError(t, s.CreateMachine(ctx, rec))

	require.NoError(t, s.ClearVolatileMachineConfiguration(ctx, "vm-2"))

	loaded, err := s.FindMachineWithConfig(ctx, "vm-2")
	require.NoError(t, err)
	assert.Equal(t, "tap-x", loaded.TapDeviceName)
	assert.Zero(t, loaded.QEMUPid)
}

func TestClearMachineConfigurationClearsTap(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	rec := newTestRecord("vm-3")
	rec.TapDeviceName = "tap-y"
	require.NoError(t, s.CreateMachine(ctx, rec))

	require.NoError(t, s.ClearMachineConfiguration(ctx, "vm-3"))

	loaded, err := s.FindMachineWithConfig(ctx, "vm-3")
	require.NoError(t, err)
	assert.Empty(t, loaded.TapDeviceName)
}

func TestUpdateMachineConfigurationMergesSparseFields(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	rec := newTestRecord("vm-4")
	require.NoError(t, s.CreateMachine(ctx, rec))

	pid := 555
	tap := "tap-z"
	require.NoError(t, s.UpdateMachineConfiguration(ctx, "vm-4", PartialUpdate{
		QEMUPid:       &pid,
		TapDeviceName: &tap,
	}))

	loaded, err := s.FindMachineWithConfig(ctx, "vm-4")
	require.NoError(t, err)
	assert.Equal(t, 555, loaded.QEMUPid)
	assert.Equal(t, "tap-z", loaded.TapDeviceName)
	assert.Equal(t, "test-vm", loaded.Name) // untouched fields survive
}

func TestTransitionVMStatusSucceedsOnMatch(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	rec := newTestRecord("vm-5")
	require.NoError(t, s.CreateMachine(ctx, rec))

	result, err := s.TransitionVMStatus(ctx, "vm-5", vmconfig.StatusOff, vmconfig.StatusStarting, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, result.NewVersion)
	assert.Equal(t, vmconfig.StatusStarting, result.Record.Status)
}

func TestTransitionVMStatusFailsOnVersionConflict(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	rec := newTestRecord("vm-6")
	require.NoError(t, s.CreateMachine(ctx, rec))

	_, err := s.TransitionVMStatus(ctx, "vm-6", vmconfig.StatusOff, vmconfig.StatusStarting, 7)
	assert.ErrorIs(t, err, ErrVersionConflict)
}

func TestTransitionVMStatusFailsOnStatusMismatch(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	rec := newTestRecord("vm-7")
	require.NoError(t, s.CreateMachine(ctx, rec))

	_, err := s.TransitionVMStatus(ctx, "vm-7", vmconfig.StatusRunning, vmconfig.StatusOff, 0)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrVersionConflict)
}

func TestFindRunningVMsOnlyReturnsRunning(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	off := newTestRecord("vm-off")
	running := newTestRecord("vm-running")
	running.Status = vmconfig.StatusRunning
	running.QEMUPid = 999

	require.NoError(t, s.CreateMachine(ctx, off))
	require.NoError(t, s.CreateMachine(ctx, running))

	out, err := s.FindRunningVMs(ctx)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "vm-running", out[0].ID)
	assert.Equal(t, 999, out[0].QEMUPid)
}

func TestDeleteMachineRemovesRow(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	rec := newTestRecord("vm-8")
	require.NoError(t, s.CreateMachine(ctx, rec))
	require.NoError(t, s.DeleteMachine(ctx, "vm-8"))

	_, err := s.FindMachine(ctx, "vm-8")
	assert.ErrorIs(t, err, ErrNotFound)
}
