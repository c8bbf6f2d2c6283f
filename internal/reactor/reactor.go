// Package reactor implements the Event Reactor (§4.5): per-VM QMP event
// listeners that keep persisted status in sync with hypervisor-reported
// state changes, and that own ACPI-originated shutdown cleanup.
//
// Listeners react to QMP events pushed over the monitor connection and
// handle reconnects transparently, since internal/qmp reconnects
// automatically underneath a live subscription.
package reactor

import (
	"context"
	"sync"
	"time"

	"github.com/infinibay/hyperctl/internal/cgroup"
	"github.com/infinibay/hyperctl/internal/eventbus"
	"github.com/infinibay/hyperctl/internal/firewall"
	"github.com/infinibay/hyperctl/internal/netif"
	"github.com/infinibay/hyperctl/internal/process"
	"github.com/infinibay/hyperctl/internal/qmp"
	"github.com/infinibay/hyperctl/internal/statesync"
	"github.com/infinibay/hyperctl/internal/store"
	"github.com/infinibay/hyperctl/internal/vmconfig"
	"github.com/infinibay/hyperctl/pkg/hclog"
)

var log = hclog.For("reactor")

// eventStatusTable is the QMP-event-to-persisted-status mapping from §4.5.
var eventStatusTable = map[string]vmconfig.Status{
	qmp.EventShutdown:  vmconfig.StatusOff,
	qmp.EventPowerdown: vmconfig.StatusOff,
	qmp.EventStop:      vmconfig.StatusSuspended,
	qmp.EventSuspend:   vmconfig.StatusSuspended,
	qmp.EventResume:    vmconfig.StatusRunning,
	qmp.EventWakeup:    vmconfig.StatusRunning,
}

const pidExitPollTimeout = 30 * time.Second
const pidExitPollInterval = 100 * time.Millisecond

// Reactor attaches listeners to a VM's monitor connection and reacts to
// its lifecycle events.
type Reactor struct {
	db   store.Store
	sync *statesync.Synchronizer
	tap  *netif.Facility
	fw   *firewall.Facility
	cg   *cgroup.Facility
	bus  eventbus.Bus

	mu       sync.Mutex
	detached map[string]bool
}

func New(db store.Store, sync *statesync.Synchronizer, tap *netif.Facility, fw *firewall.Facility, cg *cgroup.Facility, bus eventbus.Bus) *Reactor {
	if bus == nil {
		bus = eventbus.NoOp()
	}
	return &Reactor{db: db, sync: sync, tap: tap, fw: fw, cg: cg, bus: bus, detached: make(map[string]bool)}
}

// Attach registers listeners for the seven recognized event kinds plus
// disconnect, scoped to vmID, on mon.
func (r *Reactor) Attach(vmID string, mon *qmp.Conn) {
	r.mu.Lock()
	delete(r.detached, vmID)
	r.mu.Unlock()

	for _, kind := range []string{
		qmp.EventShutdown, qmp.EventPowerdown, qmp.EventReset,
		qmp.EventStop, qmp.EventSuspend, qmp.EventResume, qmp.EventWakeup,
	} {
		kind := kind
		mon.On(kind, func(ev qmp.Event) {
			r.handleEvent(vmID, mon, kind, ev)
		})
	}

	mon.OnDisconnect(func() {
		log.Warn("vm %s monitor disconnected, attachment stale", vmID)
	})
	mon.OnReconnect(func() {
		log.Info("vm %s monitor reconnected, scheduling state resync", vmID)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := r.sync.SyncState(ctx, vmID, mon); err != nil {
				log.Warn("vm %s post-reconnect syncState failed: %v", vmID, err)
			}
		}()
	})
}

// Detach marks vmID as no longer owned by this reactor. Listeners already
// registered on the connection via On/OnDisconnect/OnReconnect stay bound
// for the connection's lifetime -- qmp.Conn has no listener-removal API --
// but handleEvent checks this flag first and no-ops for a detached VM, so a
// late event already queued when the coordinator calls Stop cannot flip
// status back to running after stop has declared the VM off (§5's ordering
// guarantee: detach reactor -> write status=off -> detach TAP -> ...).
func (r *Reactor) Detach(vmID string) {
	r.mu.Lock()
	r.detached[vmID] = true
	r.mu.Unlock()
}

func (r *Reactor) isDetached(vmID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.detached[vmID]
}

func (r *Reactor) handleEvent(vmID string, mon *qmp.Conn, kind string, ev qmp.Event) {
	if r.isDetached(vmID) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	current, err := r.db.FindMachine(ctx, vmID)
	if err != nil {
		log.Warn("vm %s event %s: lookup failed: %v", vmID, kind, err)
		return
	}

	if kind == qmp.EventReset {
		log.Info("vm %s reset observed, status remains running", vmID)
		r.emit(vmID, "vm:event", kind, ev)
		return
	}

	newStatus, changes := eventStatusTable[kind]

	var cachedPid int
	if kind == qmp.EventShutdown || kind == qmp.EventPowerdown {
		if rec, err := r.db.FindMachineWithConfig(ctx, vmID); err == nil {
			cachedPid = rec.QEMUPid
		}
	}

	if changes {
		if err := r.sync.UpdateStatusDirect(ctx, vmID, newStatus); err != nil {
			log.Warn("vm %s event %s: status update failed: %v", vmID, kind, err)
		}
	}

	r.emitHighLevel(vmID, newStatus, changes)
	r.emit(vmID, "vm:event", kind, ev)

	if kind == qmp.EventShutdown {
		r.handleShutdown(vmID, ev, cachedPid, current.Status)
	}
}

// handleShutdown implements §4.5's host-vs-ACPI branching.
func (r *Reactor) handleShutdown(vmID string, ev qmp.Event, cachedPid int, prevStatus vmconfig.Status) {
	guest, reason := qmp.ShutdownData(ev)
	_ = guest

	if reason == qmp.ReasonHostQuit {
		// Coordinator originated this quit and owns cleanup.
		return
	}

	log.Info("vm %s ACPI-originated shutdown (reason=%q), waiting for pid %d to exit", vmID, reason, cachedPid)

	if cachedPid > 0 {
		waitForPidExit(cachedPid, pidExitPollTimeout, pidExitPollInterval)
	}

	r.cleanupAfterShutdown(vmID)
}

// waitForPidExit polls without escalating -- a stuck guest is a diagnostic
// condition, not grounds for a force-kill, per §4.5.
func waitForPidExit(pid int, timeout, interval time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !process.IsPidAlive(pid) {
			return
		}
		time.Sleep(interval)
	}
	log.Warn("pid %d still alive after %s ACPI shutdown wait, leaving as diagnostic condition", pid, timeout)
}

// cleanupAfterShutdown mirrors the stop path's resource teardown, applied
// from the reactor instead of the coordinator because ACPI shutdown was
// never the coordinator's operation to begin with.
func (r *Reactor) cleanupAfterShutdown(vmID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rec, err := r.db.FindMachineWithConfig(ctx, vmID)
	if err != nil {
		log.Warn("vm %s post-shutdown cleanup: lookup failed: %v", vmID, err)
		return
	}

	if rec.QEMUPid > 0 && r.cg != nil {
		if err := r.cg.Release(rec.QEMUPid); err != nil {
			log.Warn("vm %s post-shutdown cgroup release failed: %v", vmID, err)
		}
	}

	if rec.TapDeviceName != "" {
		if err := r.tap.DetachFromBridge(rec.TapDeviceName); err != nil {
			log.Warn("vm %s post-shutdown tap detach failed: %v", vmID, err)
		}
	}

	if err := r.fw.DetachJumpRules(vmID); err != nil {
		log.Warn("vm %s post-shutdown firewall jump detach failed: %v", vmID, err)
	}

	if err := r.db.ClearVolatileMachineConfiguration(ctx, vmID); err != nil {
		log.Warn("vm %s post-shutdown clear volatile config failed: %v", vmID, err)
	}

	if r.cg != nil {
		if err := r.cg.CleanupEmptyScopes(); err != nil {
			log.Warn("vm %s post-shutdown cgroup scope cleanup failed: %v", vmID, err)
		}
	}
}

func (r *Reactor) emitHighLevel(vmID string, status vmconfig.Status, changed bool) {
	if !changed {
		return
	}
	switch status {
	case vmconfig.StatusOff:
		r.emit(vmID, "vm:off", "", nil)
	case vmconfig.StatusSuspended:
		r.emit(vmID, "vm:suspended", "", nil)
	case vmconfig.StatusRunning:
		r.emit(vmID, "vm:running", "", nil)
	}
}

func (r *Reactor) emit(vmID, topic, qmpName string, ev qmp.Event) {
	r.bus.Publish(eventbus.Event{
		Topic:   topic,
		VMID:    vmID,
		QMPName: qmpName,
		Data:    ev.Data,
	})
}
