// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package wire translates between binary configuration-bus (netlink)
// messages and the object graph's event shapes, without loss. It has
// no knowledge of the graph itself — only of decoded event structs and
// the tc_rule wire codec.
package wire

import (
	"net"

	"grimm.is/flowroute/internal/tcrule"
)

// Result is the decoder's per-message verdict.
type Result int

const (
	ResultOK Result = iota
	ResultStop
	ResultError
)

// LinkEvent is the decoded shape of an RTM_NEWLINK/RTM_DELLINK message
// surfaced after the egress-parent filter.
type LinkEvent struct {
	Deleted   bool
	Ifindex   int
	ParentIdx int
	VlanID    uint16
	MTU       uint32
	Name      string
	HWAddr    [6]byte
}

// NeighEvent is the decoded shape of an RTM_NEWNEIGH/RTM_DELNEIGH message.
type NeighEvent struct {
	Deleted bool
	Ifindex int
	Family  tcrule.AddrFamily
	Addr    net.IP
	HWAddr  [6]byte
}

// RouteEvent is the decoded shape of an RTM_NEWROUTE/RTM_DELROUTE
// message, after table filtering and multipath flattening to the first
// next-hop entry.
type RouteEvent struct {
	Deleted bool
	Family  tcrule.AddrFamily
	Dst     net.IP
	MaskLen uint8
	Ifindex int
	Gateway net.IP
}

// QdiscEvent reports a qdisc seen on the egress interface and its kind.
type QdiscEvent struct {
	Ifindex int
	Kind    string
}

// ChainEvent reports a chain observed under the clsact ingress parent.
type ChainEvent struct {
	Ifindex int
	ChainNo uint32
}

// FilterEvent is a decoded RTM_NEWTFILTER/RTM_DELTFILTER message: a
// positioned rule descriptor, or a deletion at that position.
type FilterEvent struct {
	Deleted bool
	ChainNo uint32
	Prio    uint16
	Rule    *tcrule.Rule // nil when Deleted
}

// Config is the subset of process configuration the codec needs: which
// interface is egress, which route table to accept, and encoding mode
// flags. It is a narrow view of config.Config so this package doesn't
// depend on the config package.
type Config struct {
	EgressIfindex int
	TableID       uint32
	FlowerFlags   uint32
	LoopbackMode  bool // encode the family's ethertype instead of 802.1Q, keep IN_HW
}
