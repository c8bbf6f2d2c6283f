package vmconfig

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEffectiveRulesOrdersByPriorityDeptFirst(t *testing.T) {
	dept := []FirewallRule{
		{Name: "dept-allow-ssh", Priority: 10, Action: ActionAccept},
		{Name: "dept-drop-all", Priority: 100, Action: ActionDrop},
	}
	vm := []FirewallRule{
		{Name: "vm-allow-https", Priority: 20, Action: ActionAccept},
	}

	out := EffectiveRules(dept, vm)
	require.Len(t, out, 3)
	assert.Equal(t, "dept-allow-ssh", out[0].Name)
	assert.Equal(t, "vm-allow-https", out[1].Name)
	assert.Equal(t, "dept-drop-all", out[2].Name)
}

func TestEffectiveRulesVMOverridesDeptByName(t *testing.T) {
	dept := []FirewallRule{
		{Name: "allow-ssh", Priority: 10, Action: ActionAccept},
	}
	vm := []FirewallRule{
		{Name: "allow-ssh", Priority: 5, Action: ActionDrop, OverridesDept: true},
	}

	out := EffectiveRules(dept, vm)
	require.Len(t, out, 1)
	assert.Equal(t, ActionDrop, out[0].Action)
}

func TestEffectiveRulesStableForEqualPriority(t *testing.T) {
	dept := []FirewallRule{
		{Name: "dept-a", Priority: 5},
		{Name: "dept-b", Priority: 5},
	}
	vm := []FirewallRule{
		{Name: "vm-a", Priority: 5},
	}

	out := EffectiveRules(dept, vm)
	require.Len(t, out, 3)
	assert.Equal(t, []string{"dept-a", "dept-b", "vm-a"}, []string{out[0].Name, out[1].Name, out[2].Name})
}

func TestClearVolatilePreserveTapKeepsTapDevice(t *testing.T) {
	r := &Record{
		QMPSocketPath: "/run/vm/qmp.sock",
		QEMUPid:       1234,
		TapDeviceName: "tap-abc",
		GraphicPort:   5901,
	}

	r.ClearVolatilePreserveTap()

	assert.Empty(t, r.QMPSocketPath)
	assert.Zero(t, r.QEMUPid)
	assert.Zero(t, r.GraphicPort)
	assert.Equal(t, "tap-abc", r.TapDeviceName)
}

func TestClearVolatileAllClearsTapDevice(t *testing.T) {
	r := &Record{TapDeviceName: "tap-abc"}
	r.ClearVolatileAll()
	assert.Empty(t, r.TapDeviceName)
}
