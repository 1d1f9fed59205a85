// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package daemon

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink/nl"

	"grimm.is/flowroute/internal/graph"
	"grimm.is/flowroute/internal/rules"
	"grimm.is/flowroute/internal/sched"
	"grimm.is/flowroute/internal/tcrule"
	"grimm.is/flowroute/internal/wire"
)

// nativeEndian matches the byte order package wire encodes with, so a
// hand-built test payload parses the same way a real netlink message
// would.
var nativeEndian = nl.NativeEndian()

// newTestDaemon wires a Daemon the way main.go does, minus the real
// transport.Conn and request queue: every test here leaves the engine's
// pin level at its zero default, so Install/Uninstall (which need a
// live socket and queue) are never reached — evaluate()/tryInstall()
// bail out before calling the installer until RaisePin has run. The
// event loop is left disabled too, so HandleMessage runs inline on the
// test goroutine exactly as before.
func newTestDaemon(t *testing.T) (*Daemon, wire.Config) {
	t.Helper()
	cfg := wire.Config{EgressIfindex: 7, TableID: 254}
	reg := sched.NewRegistry()
	d := New(nil, cfg, nil, nil, reg)
	engine := rules.NewEngine(d, nil)
	d.SetEngine(engine)
	scheduler := sched.New(engine, reg, nil, nil)
	d.SetScheduler(scheduler)
	return d, cfg
}

func macBytes(last byte) [6]byte {
	return [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, last}
}

// --- event loop -------------------------------------------------------

func TestPost_RunsInlineWhenEventLoopNotEnabled(t *testing.T) {
	d, _ := newTestDaemon(t)
	ran := false
	d.post(func() { ran = true })
	assert.True(t, ran, "post must run its argument synchronously until EnableEventLoop is called")
}

func TestPost_RunsOnLoopGoroutineOnceEnabled(t *testing.T) {
	d, _ := newTestDaemon(t)
	d.EnableEventLoop()
	go d.Run()

	done := make(chan struct{})
	d.post(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("posted function never ran on the event loop goroutine")
	}
}

func TestHandleMessage_GoesThroughEventLoopOnceEnabled(t *testing.T) {
	d, cfg := newTestDaemon(t)
	d.EnableEventLoop()
	go d.Run()

	linkMac := macBytes(0x01)
	d.HandleMessage(wire.RTM_NEWLINK, buildLinkPayload(cfg.EgressIfindex, cfg.EgressIfindex, "eth0", linkMac, 0))

	// HandleMessage only posts; block on a second post to give the loop
	// goroutine a turn to drain the first one before asserting state.
	done := make(chan struct{})
	d.post(func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("event loop never drained the queued HandleMessage call")
	}

	require.Contains(t, d.links, cfg.EgressIfindex)
}

// --- link/neighbor/route wiring via HandleMessage -------------------

func buildLinkPayload(ifindex, parentIdx int, name string, hwaddr [6]byte, vlanID uint16) []byte {
	hdr := make([]byte, 16)
	nativeEndian.PutUint32(hdr[4:8], uint32(ifindex))

	b := wire.NewBuilder()
	b.PutBytes(wire.IFLA_ADDRESS, hwaddr[:])
	b.PutStrZ(wire.IFLA_IFNAME, name)
	if parentIdx != ifindex {
		b.PutU32(wire.IFLA_LINK, uint32(parentIdx))
		nest := b.NestStart(wire.IFLA_LINKINFO)
		b.PutStrZ(wire.IFLA_LINKINFO_KIND, "vlan")
		dataNest := b.NestStart(wire.IFLA_LINKINFO_DATA)
		b.PutU16(wire.IFLA_VLAN_ID, vlanID)
		b.NestEnd(dataNest)
		b.NestEnd(nest)
	}
	return append(hdr, b.Bytes()...)
}

func buildNeighPayload(family tcrule.AddrFamily, ifindex int, ip net.IP, hwaddr [6]byte, nudState uint16) []byte {
	hdr := make([]byte, 12)
	hdr[0] = byte(family)
	nativeEndian.PutUint32(hdr[4:8], uint32(ifindex))
	nativeEndian.PutUint16(hdr[8:10], nudState)

	b := wire.NewBuilder()
	b.PutBytes(wire.NDA_DST, ip)
	b.PutBytes(wire.NDA_LLADDR, hwaddr[:])
	return append(hdr, b.Bytes()...)
}

func buildRoutePayload(family tcrule.AddrFamily, dstLen uint8, table uint32, dst net.IP, ifindex int, gw net.IP) []byte {
	hdr := make([]byte, 12)
	hdr[0] = byte(family)
	hdr[1] = dstLen
	hdr[4] = byte(table)
	hdr[7] = wire.RTN_UNICAST

	b := wire.NewBuilder()
	b.PutBytes(wire.RTA_DST, dst)
	b.PutU32(wire.RTA_TABLE, table)
	b.PutU32(wire.RTA_OIF, uint32(ifindex))
	b.PutBytes(wire.RTA_GATEWAY, gw)
	return append(hdr, b.Bytes()...)
}

const nudReachable = 0x02

func TestHandleLink_CreatesEgressLink(t *testing.T) {
	d, cfg := newTestDaemon(t)
	mac := macBytes(0x01)
	d.HandleMessage(wire.RTM_NEWLINK, buildLinkPayload(cfg.EgressIfindex, cfg.EgressIfindex, "eth0", mac, 0))

	l := d.links[cfg.EgressIfindex]
	require.NotNil(t, l)
	assert.Equal(t, "eth0", l.Name)
	assert.False(t, l.IsVlan)
	assert.Equal(t, mac, l.MAC)
}

func TestHandleLink_TracksVlanSubInterface(t *testing.T) {
	d, cfg := newTestDaemon(t)
	parentMac := macBytes(0x01)
	d.HandleMessage(wire.RTM_NEWLINK, buildLinkPayload(cfg.EgressIfindex, cfg.EgressIfindex, "eth0", parentMac, 0))

	vlanMac := macBytes(0x02)
	d.HandleMessage(wire.RTM_NEWLINK, buildLinkPayload(8, cfg.EgressIfindex, "eth0.100", vlanMac, 100))

	vl := d.links[8]
	require.NotNil(t, vl)
	assert.True(t, vl.IsVlan)
	assert.Equal(t, uint16(100), vl.VlanID)
	assert.Same(t, d.links[cfg.EgressIfindex], vl.Parent)
}

func TestHandleLink_DeleteZombifiesNeighborsAndClearsRoutes(t *testing.T) {
	d, cfg := newTestDaemon(t)
	linkMac := macBytes(0x01)
	d.HandleMessage(wire.RTM_NEWLINK, buildLinkPayload(cfg.EgressIfindex, cfg.EgressIfindex, "eth0", linkMac, 0))

	neighMac := macBytes(0x02)
	gw := net.IPv4(10, 0, 0, 1).To4()
	d.HandleMessage(wire.RTM_NEWNEIGH, buildNeighPayload(tcrule.AFInet, cfg.EgressIfindex, gw, neighMac, nudReachable))

	dst := net.IPv4(192, 168, 1, 0).To4()
	d.HandleMessage(wire.RTM_NEWROUTE, buildRoutePayload(tcrule.AFInet, 24, cfg.TableID, dst, cfg.EgressIfindex, gw))

	key := routeKey{dst: "192.168.1.0/24", table: cfg.TableID}
	r := d.routes[key]
	require.NotNil(t, r)
	require.NotNil(t, r.Target, "route should have resolved a target through the neighbor")

	d.HandleMessage(wire.RTM_DELLINK, buildLinkPayload(cfg.EgressIfindex, cfg.EgressIfindex, "eth0", linkMac, 0))

	assert.Nil(t, r.Target, "deleting the link should clear the route's resolved target")
	assert.Empty(t, d.links)
}

func TestHandleNeigh_LearnsAndPlacesForwardRule(t *testing.T) {
	d, cfg := newTestDaemon(t)
	linkMac := macBytes(0x01)
	d.HandleMessage(wire.RTM_NEWLINK, buildLinkPayload(cfg.EgressIfindex, cfg.EgressIfindex, "eth0", linkMac, 0))

	neighMac := macBytes(0x02)
	ip := net.IPv4(10, 0, 0, 1).To4()
	d.HandleMessage(wire.RTM_NEWNEIGH, buildNeighPayload(tcrule.AFInet, cfg.EgressIfindex, ip, neighMac, nudReachable))

	key := neighKey{ifindex: cfg.EgressIfindex, ip: net.IP(ip).String()}
	n := d.neighByKey[key]
	require.NotNil(t, n)
	require.NotNil(t, n.Target)
	assert.NotNil(t, n.Target.Rule(), "a resolved target should get a FORWARD rule placed")
	assert.Equal(t, rules.StateWant, n.Target.Rule().State())
}

func TestHandleNeigh_IPv6NeighborGetsIPv6ForwardRule(t *testing.T) {
	d, cfg := newTestDaemon(t)
	linkMac := macBytes(0x01)
	d.HandleMessage(wire.RTM_NEWLINK, buildLinkPayload(cfg.EgressIfindex, cfg.EgressIfindex, "eth0", linkMac, 0))

	neighMac := macBytes(0x02)
	ip := net.ParseIP("fe80::1")
	d.HandleMessage(wire.RTM_NEWNEIGH, buildNeighPayload(tcrule.AFInet6, cfg.EgressIfindex, ip, neighMac, nudReachable))

	key := neighKey{ifindex: cfg.EgressIfindex, ip: ip.String()}
	n := d.neighByKey[key]
	require.NotNil(t, n)
	require.NotNil(t, n.Target)
	require.NotNil(t, n.Target.Rule())
	assert.Equal(t, tcrule.AFInet6, n.Target.Rule().Want.Dst.Family, "an IPv6 neighbor must get a FORWARD rule matching ETH_P_IPV6, not IPv4")
}

func TestHandleNeigh_UpdatingMACRebindsTarget(t *testing.T) {
	d, cfg := newTestDaemon(t)
	linkMac := macBytes(0x01)
	d.HandleMessage(wire.RTM_NEWLINK, buildLinkPayload(cfg.EgressIfindex, cfg.EgressIfindex, "eth0", linkMac, 0))

	ip := net.IPv4(10, 0, 0, 1).To4()
	d.HandleMessage(wire.RTM_NEWNEIGH, buildNeighPayload(tcrule.AFInet, cfg.EgressIfindex, ip, macBytes(0x02), nudReachable))
	key := neighKey{ifindex: cfg.EgressIfindex, ip: net.IP(ip).String()}
	firstTarget := d.neighByKey[key].Target

	d.HandleMessage(wire.RTM_NEWNEIGH, buildNeighPayload(tcrule.AFInet, cfg.EgressIfindex, ip, macBytes(0x03), nudReachable))
	secondTarget := d.neighByKey[key].Target

	assert.NotSame(t, firstTarget, secondTarget)
	assert.Equal(t, macBytes(0x03), secondTarget.MAC)
}

func TestHandleRoute_ResolvesTargetAndPlacesRouteGoto(t *testing.T) {
	d, cfg := newTestDaemon(t)
	linkMac := macBytes(0x01)
	d.HandleMessage(wire.RTM_NEWLINK, buildLinkPayload(cfg.EgressIfindex, cfg.EgressIfindex, "eth0", linkMac, 0))

	gw := net.IPv4(10, 0, 0, 1).To4()
	d.HandleMessage(wire.RTM_NEWNEIGH, buildNeighPayload(tcrule.AFInet, cfg.EgressIfindex, gw, macBytes(0x02), nudReachable))

	dst := net.IPv4(192, 168, 1, 0).To4()
	d.HandleMessage(wire.RTM_NEWROUTE, buildRoutePayload(tcrule.AFInet, 24, cfg.TableID, dst, cfg.EgressIfindex, gw))

	r := d.routes[routeKey{dst: "192.168.1.0/24", table: cfg.TableID}]
	require.NotNil(t, r)
	require.NotNil(t, r.Rule(), "a route resolving through an installed target should get a ROUTE_GOTO rule")
	assert.Equal(t, tcrule.TypeRouteGoto, r.Rule().Want.Type)
}

func TestHandleRoute_IgnoresOtherTable(t *testing.T) {
	d, cfg := newTestDaemon(t)
	dst := net.IPv4(192, 168, 1, 0).To4()
	d.HandleMessage(wire.RTM_NEWROUTE, buildRoutePayload(tcrule.AFInet, 24, cfg.TableID+1, dst, cfg.EgressIfindex, net.IPv4(10, 0, 0, 1)))
	assert.Empty(t, d.routes)
}

func TestHandleRoute_DeleteClearsTrackedRoute(t *testing.T) {
	d, cfg := newTestDaemon(t)
	linkMac := macBytes(0x01)
	d.HandleMessage(wire.RTM_NEWLINK, buildLinkPayload(cfg.EgressIfindex, cfg.EgressIfindex, "eth0", linkMac, 0))
	gw := net.IPv4(10, 0, 0, 1).To4()
	d.HandleMessage(wire.RTM_NEWNEIGH, buildNeighPayload(tcrule.AFInet, cfg.EgressIfindex, gw, macBytes(0x02), nudReachable))
	dst := net.IPv4(192, 168, 1, 0).To4()
	d.HandleMessage(wire.RTM_NEWROUTE, buildRoutePayload(tcrule.AFInet, 24, cfg.TableID, dst, cfg.EgressIfindex, gw))

	d.HandleMessage(wire.RTM_DELROUTE, buildRoutePayload(tcrule.AFInet, 24, cfg.TableID, dst, cfg.EgressIfindex, gw))

	assert.Empty(t, d.routes)
	assert.Empty(t, d.routeNeigh)
}

// --- syncForwardRule / syncRouteGoto guards --------------------------

func TestSyncForwardRule_SkipsZeroDstMAC(t *testing.T) {
	d, _ := newTestDaemon(t)
	link := graph.NewLink(7, "eth0")
	link.MAC = macBytes(0x01)
	target := graph.NewTarget(link, [6]byte{}, tcrule.AFInet)

	d.syncForwardRule(target)
	assert.Nil(t, target.Rule())
}

func TestSyncForwardRule_SkipsZeroLinkMAC(t *testing.T) {
	d, _ := newTestDaemon(t)
	link := graph.NewLink(7, "eth0")
	target := graph.NewTarget(link, macBytes(0x02), tcrule.AFInet)

	d.syncForwardRule(target)
	assert.Nil(t, target.Rule())
}

func TestSyncForwardRule_SkipsUnresolvedVlan(t *testing.T) {
	d, _ := newTestDaemon(t)
	link := graph.NewLink(8, "eth0.100")
	link.MAC = macBytes(0x01)
	link.IsVlan = true
	link.VlanID = 0
	target := graph.NewTarget(link, macBytes(0x02), tcrule.AFInet)

	d.syncForwardRule(target)
	assert.Nil(t, target.Rule())
}

func TestSyncForwardRule_PlacesRuleForValidTarget(t *testing.T) {
	d, _ := newTestDaemon(t)
	link := graph.NewLink(7, "eth0")
	link.MAC = macBytes(0x01)
	target := graph.NewTarget(link, macBytes(0x02), tcrule.AFInet)

	d.syncForwardRule(target)
	require.NotNil(t, target.Rule())
	assert.Equal(t, tcrule.TypeForward, target.Rule().Want.Type)
}

func TestSyncForwardRule_IsIdempotentOnceRuleSet(t *testing.T) {
	d, _ := newTestDaemon(t)
	link := graph.NewLink(7, "eth0")
	link.MAC = macBytes(0x01)
	target := graph.NewTarget(link, macBytes(0x02), tcrule.AFInet)

	d.syncForwardRule(target)
	first := target.Rule()
	d.syncForwardRule(target)
	assert.Same(t, first, target.Rule())
}

func TestSyncRouteGoto_ClearsRuleWhenTargetUnplaced(t *testing.T) {
	d, _ := newTestDaemon(t)
	dst := net.IPNet{IP: net.IPv4(192, 168, 1, 0).To4(), Mask: net.CIDRMask(24, 32)}
	r := graph.NewRoute(dst, 254)

	d.syncRouteGoto(r)
	assert.Nil(t, r.Rule())
}

func TestSyncRouteGoto_PlacesGotoOnceTargetHasRule(t *testing.T) {
	d, _ := newTestDaemon(t)
	link := graph.NewLink(7, "eth0")
	link.MAC = macBytes(0x01)
	target := graph.NewTarget(link, macBytes(0x02), tcrule.AFInet)
	d.syncForwardRule(target)
	require.NotNil(t, target.Rule())

	dst := net.IPNet{IP: net.IPv4(192, 168, 1, 0).To4(), Mask: net.CIDRMask(24, 32)}
	r := graph.NewRoute(dst, 254)
	r.OnTargetChanged(target, d.targets)

	d.syncRouteGoto(r)
	require.NotNil(t, r.Rule())
	assert.Equal(t, target.Rule().ChainNo, r.Rule().Want.GotoChain)
}

func TestSyncRouteGoto_ReusesExistingSlotOnUpdate(t *testing.T) {
	d, _ := newTestDaemon(t)
	link := graph.NewLink(7, "eth0")
	link.MAC = macBytes(0x01)
	target := graph.NewTarget(link, macBytes(0x02), tcrule.AFInet)
	d.syncForwardRule(target)

	dst := net.IPNet{IP: net.IPv4(192, 168, 1, 0).To4(), Mask: net.CIDRMask(24, 32)}
	r := graph.NewRoute(dst, 254)
	r.OnTargetChanged(target, d.targets)
	d.syncRouteGoto(r)
	first := r.Rule()

	d.syncRouteGoto(r)
	assert.Same(t, first, r.Rule(), "a route with an already-placed Rule should be updated in place, not re-placed")
}

// --- filter discovery -------------------------------------------------

func TestHandleFilter_FoundMatchesExistingWant(t *testing.T) {
	d, cfg := newTestDaemon(t)
	link := graph.NewLink(cfg.EgressIfindex, "eth0")
	link.MAC = macBytes(0x01)
	target := graph.NewTarget(link, macBytes(0x02), tcrule.AFInet)
	d.syncForwardRule(target)
	want := target.Rule()
	require.NotNil(t, want)

	msgType, _, payload, err := wire.EncodeFilter(want.ChainNo, want.Prio, want.Want, cfg)
	require.NoError(t, err)

	d.HandleMessage(msgType, payload)
	assert.Equal(t, rules.StateOK, want.State())
}

func TestHandleFilter_DeletedMarksLost(t *testing.T) {
	d, cfg := newTestDaemon(t)
	link := graph.NewLink(cfg.EgressIfindex, "eth0")
	link.MAC = macBytes(0x01)
	target := graph.NewTarget(link, macBytes(0x02), tcrule.AFInet)
	d.syncForwardRule(target)
	want := target.Rule()
	require.NotNil(t, want)

	msgType, _, payload, err := wire.EncodeFilter(want.ChainNo, want.Prio, want.Want, cfg)
	require.NoError(t, err)
	d.HandleMessage(msgType, payload)
	require.Equal(t, rules.StateOK, want.State())

	delMsgType, _, delPayload, err := wire.EncodeFilter(want.ChainNo, want.Prio, nil, cfg)
	require.NoError(t, err)
	assert.Equal(t, uint16(wire.RTM_DELTFILTER), delMsgType)
	d.HandleMessage(delMsgType, delPayload)
	assert.Equal(t, rules.StateWant, want.State(), "losing the installed filter should want it back")
}

// --- qdisc/chain discovery -------------------------------------------

func TestHandleChain_RegistersKnownChain(t *testing.T) {
	d, cfg := newTestDaemon(t)
	_, _, payload := wire.EncodeDumpChains(cfg)
	// EncodeDumpChains already builds a tcm header parented under
	// TC_H_CLSACT for the egress ifindex; a NEWCHAIN notification carries
	// the same fixed header shape plus the discovered chain number.
	b := wire.NewBuilder()
	b.PutU32(wire.TCA_CHAIN, 9)
	payload = append(payload, b.Bytes()...)

	d.HandleMessage(wire.RTM_NEWCHAIN, payload)
	assert.Contains(t, d.reg.Chains(), uint32(9))
}
