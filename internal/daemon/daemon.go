// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package daemon wires the rest of the packages together: it is the
// transport.Handler that turns decoded netlink events into graph
// updates and rule Wants, and the rules.Installer that turns rule Wants
// back into netlink writes. Everything here is glue; the actual
// decisions live in package graph (what a Target/Route is), package
// rules (when to install/uninstall), and package sched (where a rule
// goes).
package daemon

import (
	"fmt"
	"log/slog"
	"net"

	"grimm.is/flowroute/internal/errors"
	"grimm.is/flowroute/internal/graph"
	"grimm.is/flowroute/internal/netutil"
	"grimm.is/flowroute/internal/queue"
	"grimm.is/flowroute/internal/rules"
	"grimm.is/flowroute/internal/sched"
	"grimm.is/flowroute/internal/tcrule"
	"grimm.is/flowroute/internal/transport"
	"grimm.is/flowroute/internal/wire"
)

// Daemon holds every live entity and index the running instance needs.
type Daemon struct {
	log *slog.Logger
	cfg wire.Config

	requestConn *transport.Conn
	// q serializes every request written to requestConn - scan dumps and
	// install/uninstall writes alike - so at most one is ever in flight.
	q         *queue.Queue
	engine    *rules.Engine
	reg       *sched.Registry
	scheduler *sched.Scheduler
	targets   *graph.TargetSet

	// events, once allocated by EnableEventLoop, is the channel Run
	// drains and every post funnels onto, so HandleMessage and queued
	// request completions never execute concurrently with each other.
	// Tests leave it nil: post then runs its argument inline on the
	// calling goroutine, which is fine since nothing in this package
	// spawns a goroutine of its own.
	events chan func()

	links map[int]*graph.Link
	// neighByKey dedupes neighbor entries the way the kernel does: one
	// per (ifindex, IP).
	neighByKey map[neighKey]*graph.Neighbor
	routes     map[routeKey]*graph.Route
	// routeNeigh tracks which Neighbor each Route is currently
	// registered under, so a gateway change can detach it from the old
	// Neighbor before attaching it to the new one.
	routeNeigh map[routeKey]*graph.Neighbor

	requestID int
}

type neighKey struct {
	ifindex int
	ip      string
}

type routeKey struct {
	dst   string
	table uint32
}

// New builds a Daemon with its request connection and chain registry
// wired in. The engine and scheduler are set afterward via SetEngine/
// SetScheduler: both of them need a rules.Installer to exist first, and
// Daemon is that Installer, so construction happens in two steps.
func New(log *slog.Logger, cfg wire.Config, requestConn *transport.Conn, q *queue.Queue, reg *sched.Registry) *Daemon {
	if log == nil {
		log = slog.Default()
	}
	return &Daemon{
		log:         log,
		cfg:         cfg,
		requestConn: requestConn,
		q:           q,
		reg:         reg,
		targets:     graph.NewTargetSet(),
		links:       make(map[int]*graph.Link),
		neighByKey:  make(map[neighKey]*graph.Neighbor),
		routes:      make(map[routeKey]*graph.Route),
		routeNeigh:  make(map[routeKey]*graph.Neighbor),
	}
}

// SetEngine and SetScheduler complete construction once the engine and
// scheduler that depend on this Daemon as their Installer exist.
func (d *Daemon) SetEngine(e *rules.Engine)       { d.engine = e }
func (d *Daemon) SetScheduler(s *sched.Scheduler) { d.scheduler = s }

// EnableEventLoop allocates the channel Run drains. Called once, from
// main, before either requestConn or the monitor Conn starts delivering
// messages: every HandleMessage call and every queued install/uninstall
// completion is posted onto it instead of running on whatever goroutine
// produced it (a request's drain goroutine, or the monitor's Listen
// loop), so graph and rules mutation only ever happens on the single
// goroutine that calls Run.
func (d *Daemon) EnableEventLoop() {
	d.events = make(chan func())
}

// Run drains posted work forever, one item at a time. It's meant to run
// on its own goroutine for the lifetime of the process; nothing ever
// closes events, so Run returns only if the process is exiting anyway.
func (d *Daemon) Run() {
	for fn := range d.events {
		fn()
	}
}

// post runs fn on the event loop goroutine if one has been enabled, or
// inline otherwise. Every entry point that mutates graph/rules/engine
// state - HandleMessage and the install/uninstall completion callback
// in send - goes through post so that enabling the event loop is enough
// to make every mutation single-threaded.
func (d *Daemon) post(fn func()) {
	if d.events == nil {
		fn()
		return
	}
	d.events <- fn
}

// HandleMessage implements transport.Handler: every decoded netlink
// message, whether from a scan dump or a monitor multicast event, comes
// through here.
func (d *Daemon) HandleMessage(msgType uint16, payload []byte) {
	d.post(func() { d.process(msgType, payload) })
}

func (d *Daemon) process(msgType uint16, payload []byte) {
	switch msgType {
	case wire.RTM_NEWLINK, wire.RTM_DELLINK:
		d.handleLink(msgType, payload)
	case wire.RTM_NEWNEIGH, wire.RTM_DELNEIGH:
		d.handleNeigh(msgType, payload)
	case wire.RTM_NEWROUTE, wire.RTM_DELROUTE:
		d.handleRoute(msgType, payload)
	case wire.RTM_NEWQDISC:
		d.handleQdisc(payload)
	case wire.RTM_NEWCHAIN:
		d.handleChain(payload)
	case wire.RTM_NEWTFILTER, wire.RTM_DELTFILTER:
		d.handleFilter(msgType, payload)
	}
}

func (d *Daemon) handleLink(msgType uint16, payload []byte) {
	ev, result, err := wire.DecodeLink(msgType, payload, d.cfg)
	if err != nil || result != wire.ResultOK || ev == nil {
		return
	}
	if ev.Deleted {
		if l, ok := d.links[ev.Ifindex]; ok {
			neighbors := l.Neighbors()
			l.OnDeleted(d.targets)
			for _, n := range neighbors {
				d.resyncRoutes(n)
			}
			delete(d.links, ev.Ifindex)
		}
		return
	}
	l := d.links[ev.Ifindex]
	if l == nil {
		l = graph.NewLink(ev.Ifindex, ev.Name)
		d.links[ev.Ifindex] = l
	}
	l.IsVlan = ev.ParentIdx != ev.Ifindex
	l.VlanID = ev.VlanID
	copy(l.MAC[:], ev.HWAddr[:])
	if l.IsVlan {
		l.Parent = d.links[ev.ParentIdx]
	}
}

func (d *Daemon) handleNeigh(msgType uint16, payload []byte) {
	ev, result, err := wire.DecodeNeigh(msgType, payload)
	if err != nil || result != wire.ResultOK || ev == nil {
		return
	}
	key := neighKey{ifindex: ev.Ifindex, ip: ev.Addr.String()}
	if ev.Deleted {
		if n, ok := d.neighByKey[key]; ok {
			n.OnLinkDeleted(d.targets)
			d.resyncRoutes(n)
			delete(d.neighByKey, key)
		}
		return
	}
	link := d.links[ev.Ifindex]
	if link == nil {
		return
	}
	var mac [6]byte
	copy(mac[:], ev.HWAddr[:])

	n, ok := d.neighByKey[key]
	if !ok {
		n = graph.NewNeighbor(link, ev.Addr, mac, ev.Family)
		d.neighByKey[key] = n
		n.Target = d.targets.Acquire(link, mac, ev.Family)
		n.Target.AddNeighbor(n)
		n.Target.Ref()
		d.log.Debug("neighbor learned", "ip", ev.Addr, "mac", netutil.FormatMAC(mac[:]))
		d.syncForwardRule(n.Target)
		return
	}
	n.UpdateMAC(mac, d.targets)
	d.syncForwardRule(n.Target)
	d.resyncRoutes(n)
}

// resyncRoutes re-places every route currently resolving through n,
// following a MAC change or link deletion that may have re-homed or
// cleared their Target.
func (d *Daemon) resyncRoutes(n *graph.Neighbor) {
	for _, r := range n.Routes() {
		d.syncForwardRule(r.Target)
		d.syncRouteGoto(r)
	}
}

func (d *Daemon) handleRoute(msgType uint16, payload []byte) {
	ev, result, err := wire.DecodeRoute(msgType, payload, d.cfg)
	if err != nil || result != wire.ResultOK || ev == nil {
		return
	}
	key := routeKey{dst: fmt.Sprintf("%s/%d", ev.Dst, ev.MaskLen), table: d.cfg.TableID}
	if ev.Deleted {
		if r, ok := d.routes[key]; ok {
			if ru := r.Rule(); ru != nil {
				d.engine.SetWant(ru.ChainNo, ru.Prio, nil)
				r.SetRule(nil)
			}
			if oldN := d.routeNeigh[key]; oldN != nil {
				oldN.RemoveRoute(r)
			}
			r.OnTargetChanged(nil, d.targets)
			delete(d.routes, key)
			delete(d.routeNeigh, key)
		}
		return
	}

	bits := 32
	if ev.Family == tcrule.AFInet6 {
		bits = 128
	}

	r, ok := d.routes[key]
	if !ok {
		ipNet := net.IPNet{IP: ev.Dst, Mask: net.CIDRMask(int(ev.MaskLen), bits)}
		r = graph.NewRoute(ipNet, d.cfg.TableID)
		d.routes[key] = r
	}

	nk := neighKey{ifindex: ev.Ifindex, ip: ev.Gateway.String()}
	n := d.neighByKey[nk]
	if oldN := d.routeNeigh[key]; oldN != nil && oldN != n {
		oldN.RemoveRoute(r)
	}
	if n != nil {
		n.AddRoute(r)
	}
	d.routeNeigh[key] = n

	var target *graph.Target
	if n != nil {
		target = n.Target
	}
	r.OnTargetChanged(target, d.targets)
	d.syncForwardRule(target)
	d.syncRouteGoto(r)
}

// syncForwardRule ensures a Target has a FORWARD rule Wanted for it,
// whether or not any route resolves through it yet, placed by the scheduler the first time
// it's needed. The chain number is fixed here, at placement time, even
// though the filter itself may not be confirmed installed until later —
// a route-goto Want only needs to know which chain to jump to, not
// whether the jump target already exists on the wire.
func (d *Daemon) syncForwardRule(t *graph.Target) {
	if t == nil || t.Rule() != nil {
		return
	}
	if tcrule.IsZeroMAC(t.MAC) || (t.Link != nil && tcrule.IsZeroMAC(t.Link.MAC)) {
		return
	}
	if t.Link != nil && t.Link.IsVlan && t.Link.VlanID == 0 {
		return
	}
	tcr := &tcrule.Rule{
		Type:   tcrule.TypeForward,
		VlanID: t.VlanID(),
	}
	tcr.Dst.Family = t.Family
	copy(tcr.DstMAC[:], t.MAC[:])
	if t.Link != nil {
		copy(tcr.SrcMAC[:], t.Link.MAC[:])
	}
	tcr.Traits = tcrule.ExpectedTraits(tcrule.TypeForward)

	chainNo, prio, ok := d.engine.FindByHave(tcr)
	if !ok {
		chainNo, prio, ok = d.scheduler.Place(tcr)
		if !ok {
			return
		}
	}
	t.SetRule(d.engine.SetWant(chainNo, prio, tcr))
}

// syncRouteGoto ensures a route with a resolved target has a
// ROUTE_GOTO Wanted for it in the destination's address-family chain,
// jumping into the target's FORWARD chain. Idempotent: once placed, r's
// own Rule is reused rather than requesting a new slot on every update.
// A route whose target is gone or unplaced has its ROUTE_GOTO Want cleared.
func (d *Daemon) syncRouteGoto(r *graph.Route) {
	if r.Target == nil || r.Target.Rule() == nil {
		if existing := r.Rule(); existing != nil {
			d.engine.SetWant(existing.ChainNo, existing.Prio, nil)
		}
		r.SetRule(nil)
		return
	}
	family := tcrule.AFInet
	if len(r.Dst.IP) == net.IPv6len && r.Dst.IP.To4() == nil {
		family = tcrule.AFInet6
	}
	maskLen, _ := r.Dst.Mask.Size()

	tcr := &tcrule.Rule{Type: tcrule.TypeRouteGoto, GotoChain: r.Target.Rule().ChainNo}
	tcr.Dst.SetDst(r.Dst.IP, uint8(maskLen))
	tcr.Dst.Family = family
	tcr.Traits = tcrule.ExpectedTraits(tcrule.TypeRouteGoto)

	if existing := r.Rule(); existing != nil {
		d.engine.SetWant(existing.ChainNo, existing.Prio, tcr)
		return
	}
	chainNo, prio, ok := d.engine.FindByHave(tcr)
	if !ok {
		chainNo, prio, ok = d.scheduler.Place(tcr)
		if !ok {
			return
		}
	}
	r.SetRule(d.engine.SetWant(chainNo, prio, tcr))
}

func (d *Daemon) handleQdisc(payload []byte) {
	ev, result, err := wire.DecodeQdisc(payload, d.cfg)
	if err != nil || result != wire.ResultOK || ev == nil {
		return
	}
	d.log.Debug("qdisc observed", "kind", ev.Kind)
}

func (d *Daemon) handleChain(payload []byte) {
	ev, result, err := wire.DecodeChain(payload, d.cfg)
	if err != nil || result != wire.ResultOK || ev == nil {
		return
	}
	d.reg.Got(ev.ChainNo)
}

func (d *Daemon) handleFilter(msgType uint16, payload []byte) {
	ev, result, err := wire.DecodeFilter(msgType, payload)
	if err != nil || result != wire.ResultOK || ev == nil {
		return
	}
	if ev.Deleted {
		d.engine.NetlinkLost(ev.ChainNo, ev.Prio)
		return
	}
	if ev.Rule != nil && ev.Rule.Type == tcrule.TypeAlien {
		d.engine.MarkAlien(ev.ChainNo, ev.Prio)
		return
	}
	d.engine.NetlinkFound(ev.ChainNo, ev.Prio, ev.Rule)
}

// Install/Uninstall implement rules.Installer.

func (d *Daemon) Install(chainNo uint32, prio uint16, want *tcrule.Rule) any {
	msgType, flags, payload, err := wire.EncodeFilter(chainNo, prio, want, d.cfg)
	if err != nil {
		errors.Assert(false, "daemon: cannot encode rule: %v", err)
	}
	return d.send(msgType, flags, payload, chainNo, prio, want)
}

func (d *Daemon) Uninstall(chainNo uint32, prio uint16) any {
	msgType, flags, payload, err := wire.EncodeFilter(chainNo, prio, nil, d.cfg)
	errors.AssertNil(err, "daemon: cannot encode delete")
	return d.send(msgType, flags, payload, chainNo, prio, nil)
}

// send queues one install/uninstall write behind q, the same queue
// package scan drives its dumps through, so a mutation never races a
// scan's in-flight dump on the wire. The resulting engine.Complete call
// is posted rather than run inline, so it never races a concurrently
// arriving HandleMessage either.
func (d *Daemon) send(msgType, flags uint16, payload []byte, chainNo uint32, prio uint16, want *tcrule.Rule) any {
	d.requestID++
	id := d.requestID
	d.q.Schedule(func(data any) {
		d.requestConn.Send(msgType, flags, payload, func(err error) { d.q.Complete(err) })
		d.q.MarkSent()
	}, func(data any, err error) {
		d.post(func() { d.engine.Complete(id, err == nil, want) })
	}, nil)
	return id
}
