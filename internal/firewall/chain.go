// Package firewall implements the Resource Manager's packet-filter
// facility: a persistent named chain per VM, jump rules routing traffic
// that arrives on a TAP (matched by input interface name; traffic sent out
// through the TAP is not matched) into that chain, and content-hashed rule
// application, built against github.com/google/nftables -- a typed
// nftables client whose rule/expr API maps directly onto the
// already-typed FirewallRule model rather than needing string-building
// against a CLI.
package firewall

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/nftables"

	"github.com/infinibay/hyperctl/internal/vmconfig"
	"github.com/infinibay/hyperctl/pkg/hclog"
)

var log = hclog.For("firewall")

const tableName = "hyperctl"

// Facility owns per-VM nftables chains and their jump rules.
type Facility struct {
	mu   sync.Mutex
	conn nftableser

	// hashes records the last-applied rule-set hash per VM, supporting
	// ApplyRulesIfChanged (§4.3, L3).
	hashes map[string]string
}

// nftableser is the subset of *nftables.Conn the facility needs; narrowed
// to an interface so tests can substitute a fake without a real netlink
// socket.
type nftableser interface {
	AddTable(*nftables.Table) *nftables.Table
	AddChain(*nftables.Chain) *nftables.Chain
	AddRule(*nftables.Rule) *nftables.Rule
	DelChain(*nftables.Chain)
	Flush() error
	ListChains() ([]*nftables.Chain, error)
}

func NewFacility(conn nftableser) *Facility {
	if conn == nil {
		conn = &nftables.Conn{}
	}
	return &Facility{conn: conn, hashes: make(map[string]string)}
}

// ChainName derives the persistent, per-VM chain name.
func ChainName(vmID string) string {
	return "vm-" + vmID
}

func jumpChainName(vmID string) string {
	return "jump-" + vmID
}

var table = &nftables.Table{Name: tableName, Family: nftables.TableFamilyINet}

// EnsureVMChain creates the VM's persistent chain if it does not already
// exist. Idempotent (L1): calling it twice has the same effect as once.
func (f *Facility) EnsureVMChain(vmID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.conn.AddTable(table)
	f.conn.AddChain(&nftables.Chain{
		Name:  ChainName(vmID),
		Table: table,
		Type:  nftables.ChainTypeFilter,
	})
	if err := f.conn.Flush(); err != nil {
		return fmt.Errorf("firewall: ensure chain for %s: %w", vmID, err)
	}
	return nil
}

// AttachJumpRules connects traffic arriving on tap (matched by input
// interface name) into the VM's chain. Traffic sent out through tap is
// not matched.
func (f *Facility) AttachJumpRules(vmID, tap string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	jumpChain := &nftables.Chain{
		Name:  jumpChainName(vmID),
		Table: table,
		Type:  nftables.ChainTypeFilter,
	}
	f.conn.AddChain(jumpChain)

	f.conn.AddRule(&nftables.Rule{
		Table: table,
		Chain: jumpChain,
		Exprs: ifnameJumpExprs(tap, ChainName(vmID)),
		UserData: []byte(tap),
	})

	if err := f.conn.Flush(); err != nil {
		return fmt.Errorf("firewall: attach jump rules for %s/%s: %w", vmID, tap, err)
	}
	return nil
}

// DetachJumpRules removes the jump chain connecting tap to the VM's chain,
// without removing the persistent VM chain or its rules.
func (f *Facility) DetachJumpRules(vmID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.conn.DelChain(&nftables.Chain{Name: jumpChainName(vmID), Table: table})
	if err := f.conn.Flush(); err != nil {
		return fmt.Errorf("firewall: detach jump rules for %s: %w", vmID, err)
	}
	return nil
}

// RemoveVMChain removes the VM's persistent chain entirely (destroy path
// only, per §4.6).
func (f *Facility) RemoveVMChain(vmID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.conn.DelChain(&nftables.Chain{Name: ChainName(vmID), Table: table})
	if err := f.conn.Flush(); err != nil {
		return fmt.Errorf("firewall: remove chain for %s: %w", vmID, err)
	}
	delete(f.hashes, vmID)
	return nil
}

// ApplyRules compiles the effective rule list (department rules then
// VM-specific, per vmconfig.EffectiveRules) into nftables rules on the VM's
// chain.
func (f *Facility) ApplyRules(vmID, tap string, dept, vm []vmconfig.FirewallRule) error {
	effective := vmconfig.EffectiveRules(dept, vm)

	f.mu.Lock()
	defer f.mu.Unlock()

	chain := &nftables.Chain{Name: ChainName(vmID), Table: table, Type: nftables.ChainTypeFilter}
	f.conn.AddChain(chain)

	for _, r := range effective {
		f.conn.AddRule(&nftables.Rule{
			Table: table,
			Chain: chain,
			Exprs: ruleExprs(r),
		})
	}

	if err := f.conn.Flush(); err != nil {
		return fmt.Errorf("firewall: apply rules for %s: %w", vmID, err)
	}
	return nil
}

// ApplyRulesIfChanged hashes the effective rule set and skips re-applying
// it if unchanged since the last call for this VM (L3).
func (f *Facility) ApplyRulesIfChanged(vmID, tap string, dept, vm []vmconfig.FirewallRule) (changed bool, err error) {
	effective := vmconfig.EffectiveRules(dept, vm)
	hash, err := hashRules(effective)
	if err != nil {
		return false, err
	}

	f.mu.Lock()
	prev, ok := f.hashes[vmID]
	f.mu.Unlock()

	if ok && prev == hash {
		return false, nil
	}

	if err := f.ApplyRules(vmID, tap, dept, vm); err != nil {
		return false, err
	}

	f.mu.Lock()
	f.hashes[vmID] = hash
	f.mu.Unlock()

	log.Info("applied %d effective rules for vm %s (hash changed)", len(effective), vmID)
	return true, nil
}

func hashRules(rules []vmconfig.FirewallRule) (string, error) {
	data, err := json.Marshal(rules)
	if err != nil {
		return "", fmt.Errorf("firewall: hash rules: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
