package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/infinibay/hyperctl/internal/cgroup"
	"github.com/infinibay/hyperctl/internal/config"
	"github.com/infinibay/hyperctl/internal/diskimg"
	"github.com/infinibay/hyperctl/internal/eventbus"
	"github.com/infinibay/hyperctl/internal/firewall"
	"github.com/infinibay/hyperctl/internal/netif"
	"github.com/infinibay/hyperctl/internal/qemuargs"
	"github.com/infinibay/hyperctl/internal/qmp"
	"github.com/infinibay/hyperctl/internal/reactor"
	"github.com/infinibay/hyperctl/internal/statesync"
	"github.com/infinibay/hyperctl/internal/store"
	"github.com/infinibay/hyperctl/pkg/hclog"
)

var log = hclog.For("coordinator")

// Timing constants named by §5's cancellation & timeouts table.
const (
	CarrierWaitInterval  = 500 * time.Millisecond
	CarrierWaitRetries   = 10
	SocketWaitTimeout    = 5 * time.Second
	DefaultStopTimeout   = 30 * time.Second
	destroyStopTimeout   = 5 * time.Second
	ForceKillConfirmWait = 5 * time.Second
	RestartDelay         = 1 * time.Second

	// tapNamePrefix matches netif.DeriveTapName's "tap-" prefix, used by
	// the reconciliation sweep to find host TAP devices worth checking
	// against known machine records.
	tapNamePrefix = "tap-"

	rollbackPostKillDelay  = 500 * time.Millisecond
	rollbackPostDownDelay  = 200 * time.Millisecond
	rollbackPostChainDelay = 200 * time.Millisecond
)

// Coordinator wires every other component into the nine lifecycle
// operations.
type Coordinator struct {
	cfg *config.Config

	db    store.Store
	sync  *statesync.Synchronizer
	tap   *netif.Facility
	fw    *firewall.Facility
	cg    *cgroup.Facility
	react *reactor.Reactor
	bus   eventbus.Bus

	builder qemuargs.Builder
	disks   *diskimg.Tool

	// monitors tracks live, reactor-attached monitor connections per VM so
	// stop() can prefer the existing connection over opening a fresh one
	// (§5: "the monitor socket permits exactly one connection at a time").
	monitors *monitorRegistry
}

// New builds a Coordinator from its collaborators. A nil bus defaults to
// a no-op bus.
func New(cfg *config.Config, db store.Store, builder qemuargs.Builder, disks *diskimg.Tool, bus eventbus.Bus) *Coordinator {
	if bus == nil {
		bus = eventbus.NoOp()
	}

	sync := statesync.New(db)
	tap := netif.NewFacility()
	fw := firewall.NewFacility(nil)
	cg := cgroup.NewFacility()
	react := reactor.New(db, sync, tap, fw, cg, bus)

	return &Coordinator{
		cfg:      cfg,
		db:       db,
		sync:     sync,
		tap:      tap,
		fw:       fw,
		cg:       cg,
		react:    react,
		bus:      bus,
		builder:  builder,
		disks:    disks,
		monitors: newMonitorRegistry(),
	}
}

func (c *Coordinator) emit(vmID, action string, data map[string]interface{}) {
	c.bus.Publish(eventbus.Event{Topic: "machine:" + action, VMID: vmID, Data: data})
}

// connectMonitor dials and hands back a freshly connected, reconnect-
// enabled Conn. Callers own disconnecting it unless they hand it to the
// reactor via attachAndTrack.
func (c *Coordinator) connectMonitor(ctx context.Context, socketPath string) (*qmp.Conn, error) {
	conn := qmp.NewConn(socketPath)
	conn.SetReconnectOptions(qmp.ReconnectOptions{Enabled: true, MaxAttempts: 3, Delay: time.Second})
	if err := conn.Connect(ctx, SocketWaitTimeout); err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *Coordinator) attachAndTrack(vmID string, conn *qmp.Conn) {
	c.react.Attach(vmID, conn)
	c.monitors.set(vmID, conn)
}

// monitorRegistry is a small concurrency-safe map from vmId to its
// reactor-attached monitor connection, letting stop() prefer the existing
// connection per §5's shared-resource policy.
type monitorRegistry struct {
	mu    sync.Mutex
	conns map[string]*qmp.Conn
}

func newMonitorRegistry() *monitorRegistry {
	return &monitorRegistry{conns: make(map[string]*qmp.Conn)}
}

func (r *monitorRegistry) get(vmID string) (*qmp.Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[vmID]
	return c, ok
}

func (r *monitorRegistry) set(vmID string, conn *qmp.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[vmID] = conn
}

func (r *monitorRegistry) clear(vmID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, vmID)
}
