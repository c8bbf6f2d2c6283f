// Package netif implements the Resource Manager's network (TAP) facility:
// create/configure/attach/detach/destroy/carrier-check for the kernel TAP
// devices that carry VM traffic, against a plain Linux bridge using
// github.com/vishvananda/netlink's typed netlink calls rather than
// shelling out to a CLI.
package netif

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"

	"github.com/vishvananda/netlink"

	"github.com/infinibay/hyperctl/pkg/hclog"
)

var log = hclog.For("netif")

// ErrorKind classifies network-facility failures per §7.
type ErrorKind string

const ErrNetwork ErrorKind = "network-error"

// Error carries the diagnostics dump named by §7 for network-error.
type Error struct {
	Kind       ErrorKind
	TapState   string
	BridgeUp   bool
	PIDAlive   bool
	Retries    int
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("netif: %s: tap=%q bridgeUp=%v pidAlive=%v retries=%d: %v",
		e.Kind, e.TapState, e.BridgeUp, e.PIDAlive, e.Retries, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// DeriveTapName returns the deterministic TAP name for a VM id, stable for
// the VM's lifetime per invariant R3.
func DeriveTapName(vmID string) string {
	sum := sha1.Sum([]byte(vmID))
	return "tap-" + hex.EncodeToString(sum[:])[:11]
}

// Facility owns TAP device lifecycle operations.
type Facility struct{}

func NewFacility() *Facility { return &Facility{} }

// Create ensures a TAP device named DeriveTapName(vmId) exists, attached to
// bridge. Before creation it reclaims any pre-existing TAP that is
// persistent but carrier-less (an orphan left by a prior crashed
// hypervisor), per §9's orphan-aware idempotency note.
func (f *Facility) Create(vmID, bridge string) (string, error) {
	name := DeriveTapName(vmID)

	if f.Exists(name) {
		if !f.HasCarrier(name) {
			log.Warn("reclaiming orphaned carrier-less tap %s", name)
			if err := f.Destroy(name); err != nil {
				return "", &Error{Kind: ErrNetwork, TapState: "orphan-reclaim-failed", Err: err}
			}
		} else {
			// Already exists and carrying traffic -- reuse it (§4.6 start step 5).
			return name, nil
		}
	}

	la := netlink.NewLinkAttrs()
	la.Name = name
	tuntap := &netlink.Tuntap{
		LinkAttrs: la,
		Mode:      netlink.TUNTAP_MODE_TAP,
		Flags:     netlink.TUNTAP_ONE_QUEUE | netlink.TUNTAP_VNET_HDR,
	}

	if err := netlink.LinkAdd(tuntap); err != nil {
		return "", &Error{Kind: ErrNetwork, TapState: "create-failed", Err: err}
	}

	if err := f.Configure(name, bridge); err != nil {
		return "", err
	}

	return name, nil
}

// Configure brings the TAP up and attaches it to bridge.
func (f *Facility) Configure(tap, bridge string) error {
	link, err := netlink.LinkByName(tap)
	if err != nil {
		return &Error{Kind: ErrNetwork, TapState: "missing", Err: err}
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return &Error{Kind: ErrNetwork, TapState: "up-failed", Err: err}
	}
	return f.AttachToBridge(tap, bridge)
}

// AttachToBridge is idempotent: attaching an already-attached tap is a no-op.
func (f *Facility) AttachToBridge(tap, bridge string) error {
	link, err := netlink.LinkByName(tap)
	if err != nil {
		return &Error{Kind: ErrNetwork, TapState: "missing", Err: err}
	}
	br, err := netlink.LinkByName(bridge)
	if err != nil {
		return &Error{Kind: ErrNetwork, TapState: "bridge-missing", Err: err}
	}

	if link.Attrs().MasterIndex == br.Attrs().Index {
		return nil
	}

	brLink, ok := br.(*netlink.Bridge)
	if !ok {
		return &Error{Kind: ErrNetwork, TapState: "not-a-bridge", Err: fmt.Errorf("%s is not a bridge device", bridge)}
	}
	if err := netlink.LinkSetMaster(link, brLink); err != nil {
		return &Error{Kind: ErrNetwork, TapState: "attach-failed", Err: err}
	}
	return nil
}

// DetachFromBridge is idempotent: detaching an already-detached tap is a
// no-op. It preserves the TAP device itself.
func (f *Facility) DetachFromBridge(tap string) error {
	link, err := netlink.LinkByName(tap)
	if err != nil {
		// Already gone -- detach is idempotent.
		return nil
	}
	if link.Attrs().MasterIndex == 0 {
		return nil
	}
	if err := netlink.LinkSetNoMaster(link); err != nil {
		return &Error{Kind: ErrNetwork, TapState: "detach-failed", Err: err}
	}
	return nil
}

// BringDown sets the TAP device administratively down.
func (f *Facility) BringDown(tap string) error {
	link, err := netlink.LinkByName(tap)
	if err != nil {
		return nil // already gone
	}
	return netlink.LinkSetDown(link)
}

// Destroy permanently removes the TAP device.
func (f *Facility) Destroy(tap string) error {
	link, err := netlink.LinkByName(tap)
	if err != nil {
		return nil // already gone, Destroy is idempotent
	}
	if err := netlink.LinkDel(link); err != nil {
		return &Error{Kind: ErrNetwork, TapState: "destroy-failed", Err: err}
	}
	return nil
}

func (f *Facility) Exists(tap string) bool {
	_, err := netlink.LinkByName(tap)
	return err == nil
}

// HasCarrier reports the TAP's link-state carrier bit, raised once the
// hypervisor actually opens the device.
func (f *Facility) HasCarrier(tap string) bool {
	link, err := netlink.LinkByName(tap)
	if err != nil {
		return false
	}
	return link.Attrs().OperState == netlink.OperUp
}

// ListOrphans returns the names of every TAP device whose name starts
// with prefix and is carrier-less, i.e. persisted on the host but not
// currently attached to any running hypervisor process. A periodic
// reconciliation sweep uses this to find TAPs left behind by a crash that
// no VM record references anymore.
func (f *Facility) ListOrphans(prefix string) ([]string, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, &Error{Kind: ErrNetwork, TapState: "list-failed", Err: err}
	}

	var orphans []string
	for _, link := range links {
		name := link.Attrs().Name
		if len(name) < len(prefix) || name[:len(prefix)] != prefix {
			continue
		}
		if link.Attrs().OperState != netlink.OperUp {
			orphans = append(orphans, name)
		}
	}
	return orphans, nil
}

// GetDeviceState returns a diagnostics string for an interface.
func (f *Facility) GetDeviceState(iface string) string {
	link, err := netlink.LinkByName(iface)
	if err != nil {
		return fmt.Sprintf("unknown (%v)", err)
	}
	return fmt.Sprintf("state=%s master=%d mtu=%d", link.Attrs().OperState, link.Attrs().MasterIndex, link.Attrs().MTU)
}
