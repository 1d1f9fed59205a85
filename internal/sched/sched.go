// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package sched places rules into (chain, priority) slots. Chain 0 holds
// a two-entry address-family dispatch (goto chain 1 for IPv4, chain 2
// for IPv6) and is kept intentionally small since TCA_CLS_FLAGS_SKIP_SW
// forces every packet through it down the software path. Chain 1/2 hold
// the TTL trap, any statically onloaded trap prefixes, and then the
// route-goto rules the live route table produces. Each FORWARD rule (one
// per distinct next hop) gets its own chain, numbered from 5 up, so its
// actions never interleave with another next hop's.
package sched

import (
	"log/slog"
	"sort"

	"grimm.is/flowroute/internal/errors"
	"grimm.is/flowroute/internal/rules"
	"grimm.is/flowroute/internal/tcrule"
)

type ChainState int

const (
	ChainUnknown ChainState = iota
	ChainPresent
	ChainReserved
)

const (
	chainAFDispatch = 0
	chainIPv4       = 1
	chainIPv6       = 2
	minForwardChain = 5
	minGotoPrio     = 100
)

// Registry tracks which tc chains exist on the egress qdisc, discovered
// via RTM_NEWCHAIN dumps/events, so the scheduler never hands out a
// chain number the kernel already has in a state it doesn't expect.
type Registry struct {
	chains map[uint32]ChainState
}

func NewRegistry() *Registry {
	return &Registry{chains: make(map[uint32]ChainState)}
}

// Got records that chainNo exists on the wire, without disturbing a
// RESERVED marking already placed on it by FindAvailableChainNo.
func (r *Registry) Got(chainNo uint32) {
	if _, ok := r.chains[chainNo]; !ok {
		r.chains[chainNo] = ChainPresent
	}
}

func (r *Registry) reserve(chainNo uint32) {
	r.Got(chainNo)
	r.chains[chainNo] = ChainReserved
}

// FindAvailableChainNo returns the lowest chain number >= minChainNo not
// already present or reserved, reserving it before returning.
func (r *Registry) FindAvailableChainNo(minChainNo uint32) uint32 {
	nums := make([]uint32, 0, len(r.chains))
	for n := range r.chains {
		nums = append(nums, n)
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })

	ret := minChainNo
	for _, chainNo := range nums {
		if chainNo < ret {
			continue
		}
		if chainNo != ret {
			break
		}
		ret++
	}
	r.reserve(ret)
	return ret
}

func (r *Registry) Clear() {
	r.chains = make(map[uint32]ChainState)
}

// Chains returns every known chain number in ascending order, for a scan
// driver to walk when it dumps each chain's filter set individually.
func (r *Registry) Chains() []uint32 {
	nums := make([]uint32, 0, len(r.chains))
	for n := range r.chains {
		nums = append(nums, n)
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
	return nums
}

// PrefixListEntry is one destination an operator has chosen to onload
// (trap to the host, bypassing forwarding) even without a matching
// route, e.g. management or anycast space the slow path must still see.
type PrefixListEntry struct {
	Family  tcrule.AddrFamily
	Addr    []byte
	MaskLen uint8
}

// Scheduler assigns tc (chain, priority) slots to wanted rules and seeds
// the static, route-independent rule set every instance needs.
type Scheduler struct {
	log      *slog.Logger
	reg      *Registry
	engine   *rules.Engine
	onload   []PrefixListEntry
	nextPrio map[uint32]uint16
}

func New(engine *rules.Engine, reg *Registry, onload []PrefixListEntry, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{log: log, reg: reg, engine: engine, onload: onload, nextPrio: make(map[uint32]uint16)}
}

func afChain(af tcrule.AddrFamily) uint32 {
	switch af {
	case tcrule.AFInet:
		return chainIPv4
	case tcrule.AFInet6:
		return chainIPv6
	default:
		errors.Assert(false, "sched: unsupported address family %v", af)
		return 0
	}
}

// Place decides the (chain, priority) slot for a rule the route/target
// graph wants installed. FORWARD rules each claim a fresh chain at
// fixed priority 1; ROUTE_GOTO rules land in the address family's chain
// at the next free priority from 100 up.
func (s *Scheduler) Place(tcr *tcrule.Rule) (chainNo uint32, prio uint16, ok bool) {
	switch tcr.Type {
	case tcrule.TypeForward:
		chainNo = s.reg.FindAvailableChainNo(minForwardChain)
		return chainNo, 1, true
	case tcrule.TypeRouteGoto:
		chainNo = afChain(tcr.Dst.Family)
		prio = s.engine.FindAvailablePrio(chainNo, minGotoPrio-1)
		errors.Assert(prio >= minGotoPrio, "sched: route-goto prio %d below floor %d", prio, minGotoPrio)
		return chainNo, prio, true
	default:
		s.log.Info("sched: failed to place rule", "type", tcr.Type)
		return 0, 0, false
	}
}

// InitialRequests seeds the daemon's standing rule set: the address
// family dispatch, the TTL trap on each family chain, and any
// configured onload prefixes. Route-goto rules the live route table
// produces are layered on top starting at priority 100 via Place.
func (s *Scheduler) InitialRequests() {
	s.requestAFGoto(chainAFDispatch, 1, tcrule.AFInet, chainIPv4)
	s.requestAFGoto(chainAFDispatch, 2, tcrule.AFInet6, chainIPv6)

	s.requestTTLCheck(chainIPv4, 1, tcrule.AFInet)
	s.requestTTLCheck(chainIPv6, 1, tcrule.AFInet6)

	s.placeOnloadPrefixes(10)
}

func (s *Scheduler) requestAFGoto(chainNo uint32, prio uint16, af tcrule.AddrFamily, gotoTarget uint32) {
	tcr := &tcrule.Rule{Type: tcrule.TypeRouteGoto, GotoChain: gotoTarget}
	tcr.Dst.Family = af
	if af == tcrule.AFInet6 {
		// mlx5_core can't match on ::/0, so match the IPv6 unicast prefix instead.
		tcr.Dst.SetDst([]byte{0x20, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}, 3)
	}
	tcr.Traits = tcrule.ExpectedTraits(tcrule.TypeRouteGoto)
	s.engine.SetWant(chainNo, prio, tcr)
}

func (s *Scheduler) requestTTLCheck(chainNo uint32, prio uint16, af tcrule.AddrFamily) {
	tcr := &tcrule.Rule{Type: tcrule.TypeTTLCheck}
	tcr.Dst.Family = af
	tcr.Traits = tcrule.ExpectedTraits(tcrule.TypeTTLCheck)
	s.engine.SetWant(chainNo, prio, tcr)
}

func (s *Scheduler) requestOnloadRule(chainNo uint32, prio uint16, entry PrefixListEntry) {
	tcr := &tcrule.Rule{Type: tcrule.TypeRouteTrap}
	tcr.Dst.Family = entry.Family
	tcr.Dst.SetDst(entry.Addr, entry.MaskLen)
	tcr.Traits = tcrule.ExpectedTraits(tcrule.TypeRouteTrap)
	s.engine.SetWant(chainNo, prio, tcr)
}

func (s *Scheduler) placeOnloadPrefixes(basePrio uint16) {
	for _, entry := range s.onload {
		chainNo := afChain(entry.Family)
		prio := s.engine.FindAvailablePrio(chainNo, basePrio-1)
		s.requestOnloadRule(chainNo, prio, entry)
	}
}
