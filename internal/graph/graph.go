// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package graph holds the refcounted entity graph the daemon builds from
// netlink state: Links hold Neighbors, Neighbors resolve to Targets,
// Targets carry Rules, and Routes point at Targets. Every entity embeds
// Core, which gives it strong/weak reference counting and a lifecycle
// (PRESENT, INSTALLED, ZOMBIE) independent of its specific fields.
package graph

import (
	"net"

	"grimm.is/flowroute/internal/errors"
	"grimm.is/flowroute/internal/rules"
	"grimm.is/flowroute/internal/tcrule"
)

// Mode governs whether an object with zero strong references but an
// installed side effect (a live tc filter, say) is reapable. During
// normal operation an INSTALLED object waits for its uninstall to land
// before it can be freed; during teardown everything is reapable once
// unreferenced, so shutdown doesn't wait on hardware.
type Mode int

const (
	ModeNormal Mode = iota
	ModeTeardown
)

// State is the lifecycle of an entity independent of its refcount.
type State int

const (
	StatePresent State = iota
	StateInstalled
	StateZombie
)

func (s State) String() string {
	switch s {
	case StatePresent:
		return "present"
	case StateInstalled:
		return "installed"
	case StateZombie:
		return "zombie"
	default:
		return "unknown"
	}
}

// Core is embedded in every graph entity. It is not safe for concurrent
// use without an external lock — callers serialize graph mutation on the
// daemon's single event-processing goroutine, the same way the original
// ran all object mutation on a single-threaded event loop.
type Core struct {
	Kind     string
	refs     int
	weakRefs int
	state    State
}

// Init sets the kind tag used in assertion messages and marks the entity
// present.
func (c *Core) Init(kind string) {
	c.Kind = kind
	c.state = StatePresent
}

// Ref takes a strong reference. A ZOMBIE object must never be
// re-referenced — once torn down it only exists so weak holders can
// detect that and let go.
func (c *Core) Ref() {
	errors.Assert(c.state != StateZombie, "%s: ref on zombie object", c.Kind)
	c.refs++
}

// Unref drops a strong reference and returns the count remaining.
func (c *Core) Unref() int {
	errors.Assert(c.refs > 0, "%s: unref with no outstanding refs", c.Kind)
	c.refs--
	return c.refs
}

// WeakRef/WeakUnref track observers that want to be notified of updates
// and of the zombie transition, but don't keep the object alive.
func (c *Core) WeakRef() { c.weakRefs++ }

func (c *Core) WeakUnref() {
	errors.Assert(c.weakRefs > 0, "%s: weak unref with no outstanding weak refs", c.Kind)
	c.weakRefs--
}

func (c *Core) Refs() int     { return c.refs }
func (c *Core) WeakRefs() int { return c.weakRefs }
func (c *Core) State() State  { return c.state }

// MarkInstalled records that this entity now has a corresponding side
// effect in the kernel or NIC pipeline, so teardown must undo it before
// reaping is safe under ModeNormal.
func (c *Core) MarkInstalled() {
	errors.Assert(c.state == StatePresent, "%s: mark installed from state %s", c.Kind, c.state)
	c.state = StateInstalled
}

func (c *Core) MarkPresent() {
	errors.Assert(c.state != StateZombie, "%s: mark present from zombie", c.Kind)
	c.state = StatePresent
}

// Zombify marks the object dead. Callers must have already unwound any
// installed side effect; Zombify itself does no I/O.
func (c *Core) Zombify() {
	c.state = StateZombie
}

// IsReapable reports whether the object's storage can be dropped. A
// ZOMBIE is always reapable since it's just waiting for the last weak
// holder to stop touching it. Otherwise a live strong reference blocks
// reaping outright, and in ModeNormal so does an installed side effect
// that hasn't been unwound yet — only ModeTeardown skips that wait.
func (c *Core) IsReapable(mode Mode) bool {
	if c.state == StateZombie {
		return true
	}
	if c.refs > 0 {
		return false
	}
	if mode == ModeNormal && c.state == StateInstalled {
		return false
	}
	return true
}

// Link is an egress-adjacent interface: the monitored egress NIC itself,
// or a VLAN sub-interface layered on it. Neighbors resolve through
// whichever Link their ARP/NDP entry was learned on.
type Link struct {
	Core
	Ifindex int
	Name    string
	MAC     [6]byte
	IsVlan  bool
	VlanID  uint16
	// Parent is nil for the physical egress link itself.
	Parent *Link

	neighbors []*Neighbor
}

func NewLink(ifindex int, name string) *Link {
	l := &Link{Ifindex: ifindex, Name: name}
	l.Init("link")
	return l
}

// Neighbors returns the neighbors currently resolved through l, for a
// caller that needs to re-sync their rules after l is deleted.
func (l *Link) Neighbors() []*Neighbor { return l.neighbors }

func (l *Link) AddNeighbor(n *Neighbor) {
	l.neighbors = append(l.neighbors, n)
}

func (l *Link) RemoveNeighbor(n *Neighbor) {
	for i, x := range l.neighbors {
		if x == n {
			l.neighbors = append(l.neighbors[:i], l.neighbors[i+1:]...)
			return
		}
	}
}

// OnDeleted fans out to every Neighbor resolved through this link: the
// link going away invalidates their next-hop resolution.
func (l *Link) OnDeleted(targets *TargetSet) {
	for _, n := range l.neighbors {
		n.OnLinkDeleted(targets)
	}
	l.Zombify()
}

// Neighbor is a resolved L2 adjacency (an ARP/NDP entry): an IP address
// on a Link resolved to a MAC. Each distinct (Link, MAC, address family)
// observed across neighbors materializes one Target.
type Neighbor struct {
	Core
	Link   *Link
	IP     net.IP
	MAC    [6]byte
	Family tcrule.AddrFamily
	Target *Target

	routes []*Route
}

func NewNeighbor(link *Link, ip net.IP, mac [6]byte, family tcrule.AddrFamily) *Neighbor {
	n := &Neighbor{Link: link, IP: ip, MAC: mac, Family: family}
	n.Init("neighbor")
	link.AddNeighbor(n)
	return n
}

func (n *Neighbor) AddRoute(r *Route) { n.routes = append(n.routes, r) }

// Routes returns the routes currently resolving through n, for a caller
// that needs to re-sync their rules after n's Target changes.
func (n *Neighbor) Routes() []*Route { return n.routes }

func (n *Neighbor) RemoveRoute(r *Route) {
	for i, x := range n.routes {
		if x == r {
			n.routes = append(n.routes[:i], n.routes[i+1:]...)
			return
		}
	}
}

// UpdateMAC changes the resolved MAC address, e.g. after an ARP refresh
// moves a neighbor to a new MAC without the route table changing at all.
// The Target it feeds is reselected since a Target is keyed on its link,
// MAC and address family.
func (n *Neighbor) UpdateMAC(mac [6]byte, targets *TargetSet) {
	if n.MAC == mac {
		return
	}
	n.MAC = mac
	n.rebindTarget(targets)
}

func (n *Neighbor) rebindTarget(targets *TargetSet) {
	old := n.Target
	n.Target = targets.Acquire(n.Link, n.MAC, n.Family)
	if old != nil {
		old.RemoveNeighbor(n)
		if old.Unref() == 0 {
			targets.Release(old)
		}
	}
	n.Target.AddNeighbor(n)
	n.Target.Ref()
	for _, r := range n.routes {
		r.OnTargetChanged(n.Target, targets)
	}
}

// OnLinkDeleted tears the neighbor down along with its link: it can no
// longer resolve to anything, so its routes lose their next hop, and it
// drops its strong ref on whatever Target it resolved to.
func (n *Neighbor) OnLinkDeleted(targets *TargetSet) {
	for _, r := range n.routes {
		r.OnTargetChanged(nil, targets)
	}
	if t := n.Target; t != nil {
		t.RemoveNeighbor(n)
		n.Target = nil
		if t.Unref() == 0 {
			targets.Release(t)
		}
	}
	n.Zombify()
}

// Target is the unit the forwarding rule actually targets: a distinct
// (egress link, destination MAC, address family) triple, carrying the
// VLAN tag to push if its link is a VLAN sub-interface. Family is part
// of the key because the FORWARD rule itself matches on ethertype
// (ETH_P_IP vs ETH_P_IPV6) — a dual-stack neighbor sharing one lladdr
// still needs one forward rule per family. Multiple Neighbors (distinct
// IPs of the same family resolving to the same MAC on the same link)
// share one Target, and multiple Routes feed off each Neighbor, so a
// Target is ref-counted by every Neighbor currently resolving to it.
type Target struct {
	Core
	Link   *Link
	MAC    [6]byte
	Family tcrule.AddrFamily

	neighbors []*Neighbor
	rule      *rules.Rule
}

func NewTarget(link *Link, mac [6]byte, family tcrule.AddrFamily) *Target {
	t := &Target{Link: link, MAC: mac, Family: family}
	t.Init("target")
	return t
}

func (t *Target) AddNeighbor(n *Neighbor) { t.neighbors = append(t.neighbors, n) }

func (t *Target) RemoveNeighbor(n *Neighbor) {
	for i, x := range t.neighbors {
		if x == n {
			t.neighbors = append(t.neighbors[:i], t.neighbors[i+1:]...)
			return
		}
	}
}

// Rule is the forwarding Rule whose lifecycle is owned by the rule
// engine (package rules); Target only holds the weak back-pointer used
// to find it when a route wants to (un)reference the forwarding path.
func (t *Target) Rule() *rules.Rule     { return t.rule }
func (t *Target) SetRule(r *rules.Rule) { t.rule = r }

// VlanID reports the 802.1Q tag to push for this target, or 0 if its
// link isn't a VLAN sub-interface.
func (t *Target) VlanID() uint16 {
	if t.Link != nil && t.Link.IsVlan {
		return t.Link.VlanID
	}
	return 0
}

// TargetSet deduplicates Targets by (Link, MAC, Family) so that distinct
// Neighbors sharing an L2 adjacency and family share one forwarding
// rule.
type TargetSet struct {
	byKey map[targetKey]*Target
}

type targetKey struct {
	ifindex int
	mac     [6]byte
	family  tcrule.AddrFamily
}

func NewTargetSet() *TargetSet {
	return &TargetSet{byKey: make(map[targetKey]*Target)}
}

// Acquire returns the Target for (link, mac, family), creating it if
// this is the first neighbor to reference that triple.
func (s *TargetSet) Acquire(link *Link, mac [6]byte, family tcrule.AddrFamily) *Target {
	key := targetKey{ifindex: link.Ifindex, mac: mac, family: family}
	if t, ok := s.byKey[key]; ok {
		return t
	}
	t := NewTarget(link, mac, family)
	s.byKey[key] = t
	return t
}

// Release drops a Target with no remaining strong references from the
// set once its caller has confirmed its refcount hit zero.
func (s *TargetSet) Release(t *Target) {
	key := targetKey{ifindex: t.Link.Ifindex, mac: t.MAC, family: t.Family}
	delete(s.byKey, key)
	t.Zombify()
}

// Route is a kernel route entry synchronized onto a Target: traffic
// matching its destination prefix gets the Target's forwarding rule
// applied. A Route holds a strong ref on its Target for as long as it's
// resolved, and none while its target is unknown (Target == nil).
type Route struct {
	Core
	Dst     net.IPNet
	TableID uint32
	NeighIP net.IP
	Target  *Target

	rule *rules.Rule
}

func NewRoute(dst net.IPNet, tableID uint32) *Route {
	r := &Route{Dst: dst, TableID: tableID}
	r.Init("route")
	return r
}

// Rule is the route-goto Rule whose lifecycle is owned by the rule
// engine (package rules), set once this route's forwarding path has a
// placed (chain, priority) slot.
func (r *Route) Rule() *rules.Rule      { return r.rule }
func (r *Route) SetRule(ru *rules.Rule) { r.rule = ru }

// OnTargetChanged re-homes the route onto a new (possibly nil) target,
// releasing the strong ref on whatever it held before and, if that was
// the target's last ref, releasing it from targets too - the same
// teardown rebindTarget/OnLinkDeleted do for a Neighbor's own ref.
func (r *Route) OnTargetChanged(t *Target, targets *TargetSet) {
	if r.Target == t {
		return
	}
	old := r.Target
	r.Target = t
	if t != nil {
		t.Ref()
	}
	if old != nil {
		if old.Unref() == 0 {
			targets.Release(old)
		}
	}
}
