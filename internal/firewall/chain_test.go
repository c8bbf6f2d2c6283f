package firewall

import (
	"testing"

	"github.com/google/nftables"
	"github.com/stretchr/testify/require"

	"github.com/infinibay/hyperctl/internal/vmconfig"
)

// fakeConn records AddChain/AddRule/DelChain calls without touching a real
// netlink socket, letting the facility's idempotence and change-detection
// behavior be tested in isolation.
type fakeConn struct {
	chains     map[string]bool
	ruleCounts map[string]int
	flushes    int
}

func newFakeConn() *fakeConn {
	return &fakeConn{chains: map[string]bool{}, ruleCounts: map[string]int{}}
}

func (f *fakeConn) AddTable(t *nftables.Table) *nftables.Table { return t }

func (f *fakeConn) AddChain(c *nftables.Chain) *nftables.Chain {
	f.chains[c.Name] = true
	return c
}

func (f *fakeConn) AddRule(r *nftables.Rule) *nftables.Rule {
	f.ruleCounts[r.Chain.Name]++
	return r
}

func (f *fakeConn) DelChain(c *nftables.Chain) {
	delete(f.chains, c.Name)
	delete(f.ruleCounts, c.Name)
}

func (f *fakeConn) Flush() error {
	f.flushes++
	return nil
}

func (f *fakeConn) ListChains() ([]*nftables.Chain, error) {
	var out []*nftables.Chain
	for name := range f.chains {
		out = append(out, &nftables.Chain{Name: name})
	}
	return out, nil
}

func TestEnsureVMChainIdempotent(t *testing.T) {
	conn := newFakeConn()
	f := NewFacility(conn)

	require.NoError(t, f.EnsureVMChain("vm-1"))
	require.NoError(t, f.EnsureVMChain("vm-1"))

	require.True(t, conn.chains[ChainName("vm-1")])
}

func TestRemoveVMChainClearsHash(t *testing.T) {
	conn := newFakeConn()
	f := NewFacility(conn)

	rules := []vmconfig.FirewallRule{{Name: "allow-ssh", Action: vmconfig.ActionAccept, Protocol: "tcp", DstPort: vmconfig.PortRange{From: 22, To: 22}}}

	changed, err := f.ApplyRulesIfChanged("vm-1", "tap-1", nil, rules)
	require.NoError(t, err)
	require.True(t, changed)

	require.NoError(t, f.RemoveVMChain("vm-1"))

	_, ok := f.hashes["vm-1"]
	require.False(t, ok)
}

func TestApplyRulesIfChangedSkipsUnchanged(t *testing.T) {
	conn := newFakeConn()
	f := NewFacility(conn)

	rules := []vmconfig.FirewallRule{{Name: "allow-http", Action: vmconfig.ActionAccept, Protocol: "tcp", DstPort: vmconfig.PortRange{From: 80, To: 80}}}

	changed, err := f.ApplyRulesIfChanged("vm-2", "tap-2", nil, rules)
	require.NoError(t, err)
	require.True(t, changed)

	changed, err = f.ApplyRulesIfChanged("vm-2", "tap-2", nil, rules)
	require.NoError(t, err)
	require.False(t, changed, "unchanged rule set should not reapply")

	modified := append([]vmconfig.FirewallRule{}, rules...)
	modified[0].Action = vmconfig.ActionDrop
	changed, err = f.ApplyRulesIfChanged("vm-2", "tap-2", nil, modified)
	require.NoError(t, err)
	require.True(t, changed, "modified rule set should reapply")
}

func TestAttachDetachJumpRules(t *testing.T) {
	conn := newFakeConn()
	f := NewFacility(conn)

	require.NoError(t, f.EnsureVMChain("vm-3"))
	require.NoError(t, f.AttachJumpRules("vm-3", "tap-3"))
	require.True(t, conn.chains[jumpChainName("vm-3")])

	require.NoError(t, f.DetachJumpRules("vm-3"))
	require.False(t, conn.chains[jumpChainName("vm-3")])

	// VM's persistent chain must survive detach (only the jump chain goes).
	require.True(t, conn.chains[ChainName("vm-3")])
}
