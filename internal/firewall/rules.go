package firewall

import (
	"encoding/binary"

	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"
	"golang.org/x/sys/unix"

	"github.com/infinibay/hyperctl/internal/vmconfig"
)

// ifnameJumpExprs builds a rule matching packets on iface and jumping to
// target, the mechanism AttachJumpRules uses to wire a TAP into its VM's
// chain.
func ifnameJumpExprs(iface, target string) []expr.Any {
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyIIFNAME, Register: 1},
		&expr.Cmp{
			Op:       expr.CmpOpEq,
			Register: 1,
			Data:     ifnameBytes(iface),
		},
		&expr.Verdict{
			Kind:  expr.VerdictJump,
			Chain: target,
		},
	}
}

func ifnameBytes(iface string) []byte {
	b := make([]byte, 16)
	copy(b, iface)
	return b
}

// ruleExprs compiles a single FirewallRule into nftables match expressions
// plus a terminal verdict (accept or drop). Protocol and port matching are
// best-effort: rules with PortRange.From==0 && To==0 match all ports for
// the given protocol.
func ruleExprs(r vmconfig.FirewallRule) []expr.Any {
	var exprs []expr.Any

	if r.Protocol != "" && r.Protocol != "any" {
		exprs = append(exprs, protocolMatch(r.Protocol)...)
	}

	if r.DstPort.From != 0 || r.DstPort.To != 0 {
		exprs = append(exprs, portRangeMatch(r.DstPort)...)
	}

	verdict := expr.VerdictDrop
	if r.Action == vmconfig.ActionAccept {
		verdict = expr.VerdictAccept
	}
	exprs = append(exprs, &expr.Verdict{Kind: verdict})

	return exprs
}

func protocolMatch(proto string) []expr.Any {
	num := protocolNumber(proto)
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{num}},
	}
}

func protocolNumber(proto string) byte {
	switch proto {
	case "tcp":
		return unix.IPPROTO_TCP
	case "udp":
		return unix.IPPROTO_UDP
	case "icmp":
		return unix.IPPROTO_ICMP
	default:
		return 0
	}
}

func portRangeMatch(pr vmconfig.PortRange) []expr.Any {
	from := uint16(pr.From)
	to := uint16(pr.To)
	if to == 0 {
		to = from
	}
	if from == to {
		return []expr.Any{
			&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseTransportHeader, Offset: 2, Len: 2},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: binaryutil.BigEndian.PutUint16(from)},
		}
	}
	lo := make([]byte, 2)
	hi := make([]byte, 2)
	binary.BigEndian.PutUint16(lo, from)
	binary.BigEndian.PutUint16(hi, to)
	return []expr.Any{
		&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseTransportHeader, Offset: 2, Len: 2},
		&expr.Range{Op: expr.CmpOpEq, Register: 1, FromData: lo, ToData: hi},
	}
}
