package coordinator

import (
	"context"
	"testing"

	"github.com/google/nftables"
	"github.com/stretchr/testify/require"

	"github.com/infinibay/hyperctl/internal/cgroup"
	"github.com/infinibay/hyperctl/internal/config"
	"github.com/infinibay/hyperctl/internal/eventbus"
	"github.com/infinibay/hyperctl/internal/firewall"
	"github.com/infinibay/hyperctl/internal/netif"
	"github.com/infinibay/hyperctl/internal/reactor"
	"github.com/infinibay/hyperctl/internal/statesync"
	"github.com/infinibay/hyperctl/internal/store"
	"github.com/infinibay/hyperctl/internal/vmconfig"
)

// fakeStore is the coordinator package's minimal in-memory store.Store,
// mirroring internal/reactor's fakeStore so tests never need a real
// sqlite file.
type fakeStore struct {
	records map[string]*vmconfig.Record
}

func newFakeStore(recs ...*vmconfig.Record) *fakeStore {
	s := &fakeStore{records: make(map[string]*vmconfig.Record)}
	for _, r := range recs {
		s.records[r.VMID] = r
	}
	return s
}

func (s *fakeStore) FindMachine(_ context.Context, id string) (*store.MachineSummary, error) {
	r, ok := s.records[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &store.MachineSummary{ID: r.VMID, Status: r.Status}, nil
}

func (s *fakeStore) UpdateMachineStatus(_ context.Context, id string, status vmconfig.Status) error {
	r, ok := s.records[id]
	if !ok {
		return store.ErrNotFound
	}
	r.Status = status
	return nil
}

func (s *fakeStore) FindRunningVMs(context.Context) ([]store.RunningVM, error) {
	var out []store.RunningVM
	for _, r := range s.records {
		if r.Status == vmconfig.StatusRunning {
			out = append(out, store.RunningVM{
				ID: r.VMID, Status: r.Status, QEMUPid: r.QEMUPid,
				TapDeviceName: r.TapDeviceName, QMPSocketPath: r.QMPSocketPath,
			})
		}
	}
	return out, nil
}

func (s *fakeStore) ClearMachineConfiguration(_ context.Context, id string) error {
	delete(s.records, id)
	return nil
}

func (s *fakeStore) ListKnownTapDevices(context.Context) ([]string, error) {
	var out []string
	for _, r := range s.records {
		if r.TapDeviceName != "" {
			out = append(out, r.TapDeviceName)
		}
	}
	return out, nil
}

func (s *fakeStore) ClearVolatileMachineConfiguration(_ context.Context, id string) error {
	if r, ok := s.records[id]; ok {
		r.ClearVolatilePreserveTap()
	}
	return nil
}

func (s *fakeStore) FindMachineWithConfig(_ context.Context, id string) (*vmconfig.Record, error) {
	r, ok := s.records[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return r, nil
}

func (s *fakeStore) UpdateMachineConfiguration(_ context.Context, id string, upd store.PartialUpdate) error {
	r, ok := s.records[id]
	if !ok {
		return store.ErrNotFound
	}
	if upd.Status != nil {
		r.Status = *upd.Status
	}
	if upd.QEMUPid != nil {
		r.QEMUPid = *upd.QEMUPid
	}
	if upd.TapDeviceName != nil {
		r.TapDeviceName = *upd.TapDeviceName
	}
	return nil
}

func (s *fakeStore) TransitionVMStatus(_ context.Context, id string, expected, want vmconfig.Status, expectedVersion int) (*store.TransitionResult, error) {
	r, ok := s.records[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if r.Status != expected || r.Version != expectedVersion {
		return nil, store.ErrVersionConflict
	}
	r.Status = want
	r.Version++
	return &store.TransitionResult{NewVersion: r.Version, Record: r}, nil
}

func (s *fakeStore) GetFirewallRules(context.Context, string) ([]vmconfig.FirewallRule, error) {
	return nil, nil
}

func (s *fakeStore) CreateMachine(_ context.Context, r *vmconfig.Record) error {
	s.records[r.VMID] = r
	return nil
}

func (s *fakeStore) DeleteMachine(_ context.Context, id string) error {
	delete(s.records, id)
	return nil
}

var _ store.Store = (*fakeStore)(nil)

// fakeNftConn satisfies firewall's nftableser seam entirely in memory, so
// tests never need a real netlink socket or CAP_NET_ADMIN.
type fakeNftConn struct{}

func (fakeNftConn) AddTable(t *nftables.Table) *nftables.Table { return t }
func (fakeNftConn) AddChain(c *nftables.Chain) *nftables.Chain { return c }
func (fakeNftConn) AddRule(r *nftables.Rule) *nftables.Rule    { return r }
func (fakeNftConn) DelChain(*nftables.Chain)                   {}
func (fakeNftConn) Flush() error                               { return nil }
func (fakeNftConn) ListChains() ([]*nftables.Chain, error)     { return nil, nil }

// newTestCoordinator builds a Coordinator over a fakeStore and an
// in-memory firewall facility, for exercising logic that does not require
// a live hypervisor process or monitor socket.
func newTestCoordinator(db *fakeStore) *Coordinator {
	sync := statesync.New(db)
	tap := netif.NewFacility()
	fw := firewall.NewFacility(fakeNftConn{})
	cg := cgroup.NewFacility()
	react := reactor.New(db, sync, tap, fw, cg, eventbus.NoOp())

	return &Coordinator{
		cfg:      config.Default(),
		db:       db,
		sync:     sync,
		tap:      tap,
		fw:       fw,
		cg:       cg,
		react:    react,
		bus:      eventbus.NoOp(),
		monitors: newMonitorRegistry(),
	}
}

func TestSuspendRefusesWhenNotRunning(t *testing.T) {
	db := newFakeStore(&vmconfig.Record{VMID: "vm-1", Status: vmconfig.StatusOff})
	c := newTestCoordinator(db)

	_, err := c.Suspend(context.Background(), "vm-1")
	require.Error(t, err)

	le, ok := err.(*LifecycleError)
	require.True(t, ok)
	require.Equal(t, ErrInvalidState, le.Code)
}

func TestResumeRefusesWhenNotSuspended(t *testing.T) {
	db := newFakeStore(&vmconfig.Record{VMID: "vm-2", Status: vmconfig.StatusRunning})
	c := newTestCoordinator(db)

	_, err := c.Resume(context.Background(), "vm-2")
	require.Error(t, err)

	le, ok := err.(*LifecycleError)
	require.True(t, ok)
	require.Equal(t, ErrInvalidState, le.Code)
}

func TestResetRefusesWhenNotRunning(t *testing.T) {
	db := newFakeStore(&vmconfig.Record{VMID: "vm-3", Status: vmconfig.StatusSuspended})
	c := newTestCoordinator(db)

	err := c.Reset(context.Background(), "vm-3")
	require.Error(t, err)

	le, ok := err.(*LifecycleError)
	require.True(t, ok)
	require.Equal(t, ErrInvalidState, le.Code)
}

func TestGetStatusFlagsRunningWithNoPID(t *testing.T) {
	db := newFakeStore(&vmconfig.Record{VMID: "vm-4", Status: vmconfig.StatusRunning, QEMUPid: 0})
	c := newTestCoordinator(db)

	status, err := c.GetStatus(context.Background(), "vm-4")
	require.NoError(t, err)
	require.False(t, status.Consistent)
	require.Contains(t, status.Warnings[0], "no pid is recorded")
}

func TestGetStatusFlagsRunningWithDeadPID(t *testing.T) {
	db := newFakeStore(&vmconfig.Record{VMID: "vm-5", Status: vmconfig.StatusRunning, QEMUPid: 999999})
	c := newTestCoordinator(db)

	status, err := c.GetStatus(context.Background(), "vm-5")
	require.NoError(t, err)
	require.False(t, status.Consistent)
	require.False(t, status.ProcessAlive)
}

func TestGetStatusConsistentWhenOff(t *testing.T) {
	db := newFakeStore(&vmconfig.Record{VMID: "vm-6", Status: vmconfig.StatusOff})
	c := newTestCoordinator(db)

	status, err := c.GetStatus(context.Background(), "vm-6")
	require.NoError(t, err)
	require.True(t, status.Consistent)
	require.Empty(t, status.Warnings)
}

func TestDestroyOffVMWithoutTapDeletesRecord(t *testing.T) {
	db := newFakeStore(&vmconfig.Record{VMID: "vm-7", Status: vmconfig.StatusOff})
	c := newTestCoordinator(db)

	result, err := c.Destroy(context.Background(), "vm-7")
	require.NoError(t, err)
	require.True(t, result.Success)

	_, err = db.FindMachineWithConfig(context.Background(), "vm-7")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestReconcileResetsDeadOrphan(t *testing.T) {
	db := newFakeStore(&vmconfig.Record{VMID: "vm-8", Status: vmconfig.StatusRunning, QEMUPid: 999999})
	c := newTestCoordinator(db)

	result, err := c.Reconcile(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.Scanned)
	require.Equal(t, []string{"vm-8"}, result.Repaired)

	rec, err := db.FindMachineWithConfig(context.Background(), "vm-8")
	require.NoError(t, err)
	require.Equal(t, vmconfig.StatusOff, rec.Status)
}

func TestStartShortCircuitsWhenAlreadyRunningAndAlive(t *testing.T) {
	db := newFakeStore(&vmconfig.Record{
		VMID: "vm-9", Status: vmconfig.StatusRunning, QEMUPid: 1,
		GraphicPort: 5901, TapDeviceName: "tap-9",
	})
	c := newTestCoordinator(db)

	result, err := c.Start(context.Background(), "vm-9")
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, 5901, result.DisplayPort)
	require.Equal(t, "tap-9", result.TapDevice)
}

func TestStopShortCircuitsWhenAlreadyOffAndDead(t *testing.T) {
	db := newFakeStore(&vmconfig.Record{VMID: "vm-10", Status: vmconfig.StatusOff, QEMUPid: 999999})
	c := newTestCoordinator(db)

	result, err := c.Stop(context.Background(), "vm-10", DefaultStopOptions())
	require.NoError(t, err)
	require.True(t, result.Success)
	require.False(t, result.Forced)
}
