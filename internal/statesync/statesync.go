// Package statesync implements the State Synchronizer: translation
// between the hypervisor's runtime status vocabulary (QEMU runstates) and
// the persisted status vocabulary, and the two operations (SyncState,
// UpdateStatusDirect) every other component uses to apply it.
package statesync

import (
	"context"
	"errors"

	"github.com/infinibay/hyperctl/internal/qmp"
	"github.com/infinibay/hyperctl/internal/store"
	"github.com/infinibay/hyperctl/internal/vmconfig"
	"github.com/infinibay/hyperctl/pkg/hclog"
)

var log = hclog.For("statesync")

// Synchronizer maps hypervisor runtime status to persisted status and
// applies the result to the store.
type Synchronizer struct {
	db store.Store
}

func New(db store.Store) *Synchronizer {
	return &Synchronizer{db: db}
}

// runtimeToPersisted is the mapping table from §4.4. Unlisted runtime
// values map to vmconfig.StatusError with a warning.
var runtimeToPersisted = map[string]vmconfig.Status{
	"running": vmconfig.StatusRunning,
	"colo":    vmconfig.StatusRunning,

	"paused":    vmconfig.StatusSuspended,
	"suspended": vmconfig.StatusSuspended,

	"shutdown": vmconfig.StatusOff,

	"inmigrate":      vmconfig.StatusBuilding,
	"postmigrate":    vmconfig.StatusBuilding,
	"prelaunch":      vmconfig.StatusBuilding,
	"finish-migrate": vmconfig.StatusBuilding,
	"restore-vm":     vmconfig.StatusBuilding,

	"watchdog":       vmconfig.StatusError,
	"guest-panicked": vmconfig.StatusError,
	"io-error":       vmconfig.StatusError,
}

// MapRuntimeStatus applies the table above, defaulting unknown runtime
// values to vmconfig.StatusError.
func MapRuntimeStatus(runtime string) vmconfig.Status {
	if mapped, ok := runtimeToPersisted[runtime]; ok {
		return mapped
	}
	log.Warn("unrecognized hypervisor runtime status %q, mapping to error", runtime)
	return vmconfig.StatusError
}

// SyncState queries the monitor for its current runtime status, maps it,
// and applies it to the store if different from what is currently
// persisted. A no-op if the mapped status is unchanged (idempotent, L1).
// Safe against a delete race: ErrNotFound from the store is swallowed,
// since a VM record disappearing mid-sync is not this operation's error
// to raise (§4.4: "safe against missing records").
func (s *Synchronizer) SyncState(ctx context.Context, vmID string, mon *qmp.Conn) error {
	runtime, err := mon.QueryStatus(ctx)
	if err != nil {
		return err
	}
	mapped := MapRuntimeStatus(runtime)

	current, err := s.db.FindMachine(ctx, vmID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if current.Status == mapped {
		return nil
	}

	if err := s.db.UpdateMachineStatus(ctx, vmID, mapped); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	log.Info("vm %s runtime status %q synced to persisted status %q", vmID, runtime, mapped)
	return nil
}

// UpdateStatusDirect applies a known persisted status without querying the
// monitor, used from event handlers that already know the target status
// from the QMP event-to-status table (§4.5). Idempotent and safe against a
// missing record.
func (s *Synchronizer) UpdateStatusDirect(ctx context.Context, vmID string, newStatus vmconfig.Status) error {
	if err := s.db.UpdateMachineStatus(ctx, vmID, newStatus); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	return nil
}
