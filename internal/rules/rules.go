// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package rules owns the rule engine: every tc flower filter the daemon
// cares about is tracked as a Rule with a Have value (what the kernel
// last reported) and a Want value (what the current route/target graph
// says it should be). State moves through NEW/ALIEN/WANT/QUEUED/PENDING/
// OK/ZOMBIE as Have and Want are learned, diverge, and are reconciled by
// issuing netlink requests through an Installer.
//
// Two indexes are kept over the live rule set. The positional tree is
// keyed by (chain, priority) — the tc scheduler's own addressing scheme
// — and lets the engine find the next free slot in a chain. The
// lost-and-found tree is keyed by the raw bytes of Have and lets a
// filter discovered on the wire (during a dump or a monitor event) be
// matched back to the Rule that is expecting it, even before its
// (chain, priority) placement is decided.
package rules

import (
	"log/slog"

	"github.com/google/btree"

	"grimm.is/flowroute/internal/errors"
	"grimm.is/flowroute/internal/tcrule"
)

// State is the rule's position in its reconciliation lifecycle.
type State int

const (
	// StateNew: freshly created, neither Have nor Want known yet.
	StateNew State = iota
	// StateAlien: a filter exists on the wire that isn't ours to manage
	// (unrecognized kind/actions) — left alone, never installed over.
	StateAlien
	// StateWant: Want is set and Have is missing or differs — needs
	// install; or Want is cleared while Have is present — needs uninstall.
	StateWant
	// StateQueued: an install/uninstall request is in flight.
	StateQueued
	// StatePending: Want was cleared or changed again while a request
	// for the old Want was in flight; the next completion re-evaluates.
	StatePending
	// StateOK: Have equals Want. Nothing to do.
	StateOK
	// StateZombie: Want is nil and Have is nil; the rule can be reaped.
	StateZombie
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateAlien:
		return "alien"
	case StateWant:
		return "want"
	case StateQueued:
		return "queued"
	case StatePending:
		return "pending"
	case StateOK:
		return "ok"
	case StateZombie:
		return "zombie"
	default:
		return "unknown"
	}
}

// Rule is one tracked tc flower filter slot.
type Rule struct {
	ChainNo uint32
	Prio    uint16

	Have *tcrule.Rule
	Want *tcrule.Rule

	state State
	// pin is a monotonic level reached by successive calls to RaisePin.
	// Installs are only issued once pin >= pinInstall, uninstalls only
	// once pin >= pinUninstall, so a rule learned mid-scan doesn't get
	// mutated until the engine is sure it has seen the kernel's full
	// current state for this chain.
	pin int
}

const (
	pinInstall   = 2
	pinUninstall = 3
)

func newRule(chainNo uint32, prio uint16) *Rule {
	return &Rule{ChainNo: chainNo, Prio: prio, state: StateNew}
}

func (r *Rule) State() State { return r.state }

// Installer issues the netlink requests that move Have toward Want. Both
// calls are expected to be asynchronous: they queue a request and return
// immediately, later notifying the engine via Engine.Complete.
type Installer interface {
	Install(chainNo uint32, prio uint16, want *tcrule.Rule) (requestID any)
	Uninstall(chainNo uint32, prio uint16) (requestID any)
}

// posKey and lafKey are the two index orderings a Rule is stored under.
type posKey struct {
	chainNo uint32
	prio    uint16
}

func posLess(a, b *Rule) bool {
	if a.ChainNo != b.ChainNo {
		return a.ChainNo < b.ChainNo
	}
	return a.Prio < b.Prio
}

func lafLess(a, b *Rule) bool {
	ab, bb := a.Have.Bytes(), b.Have.Bytes()
	for i := 0; i < len(ab) && i < len(bb); i++ {
		if ab[i] != bb[i] {
			return ab[i] < bb[i]
		}
	}
	return len(ab) < len(bb)
}

// Engine holds every tracked Rule, indexed positionally and by the raw
// bytes of its Have value, and drives the state machine that reconciles
// Want against Have through an Installer.
type Engine struct {
	log  *slog.Logger
	inst Installer

	pos      *btree.BTreeG[*Rule]
	laf      *btree.BTreeG[*Rule]
	byPosKey map[posKey]*Rule

	inflight map[any]*Rule

	// pin is the highest level passed to RaisePin; rules created later
	// start at it.
	pin int
}

func NewEngine(inst Installer, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		log:      log,
		inst:     inst,
		pos:      btree.NewG(32, posLess),
		laf:      btree.NewG(32, lafLess),
		byPosKey: make(map[posKey]*Rule),
		inflight: make(map[any]*Rule),
	}
}

// Acquire returns the Rule tracked at (chainNo, prio), creating a new
// NEW-state one if this is the first reference to that slot.
func (e *Engine) Acquire(chainNo uint32, prio uint16) *Rule {
	key := posKey{chainNo, prio}
	if r, ok := e.byPosKey[key]; ok {
		return r
	}
	r := newRule(chainNo, prio)
	r.pin = e.pin
	e.byPosKey[key] = r
	e.pos.ReplaceOrInsert(r)
	return r
}

// FindAvailablePrio returns the lowest priority in chainNo strictly
// greater than after that has no Rule occupying it yet.
func (e *Engine) FindAvailablePrio(chainNo uint32, after uint16) uint16 {
	prio := after + 1
	probe := &Rule{ChainNo: chainNo, Prio: prio}
	e.pos.AscendGreaterOrEqual(probe, func(r *Rule) bool {
		if r.ChainNo != chainNo {
			return false
		}
		if r.Prio != prio {
			return false
		}
		prio++
		probe.Prio = prio
		return true
	})
	return prio
}

// NetlinkFound reconciles a filter observed on the wire (from a dump or
// a monitor event) against the tracked rule set. If have matches a
// pending Want for the (chainNo, prio) slot we already track, that Rule
// absorbs it; otherwise a new Rule is created to track the discovery so
// a subsequent Want can compare against it without reissuing an install
// the kernel already satisfied.
func (e *Engine) NetlinkFound(chainNo uint32, prio uint16, have *tcrule.Rule) *Rule {
	r := e.Acquire(chainNo, prio)
	e.setHave(r, have)
	return r
}

// FindByHave looks up an already-tracked rule whose Have matches want
// byte-for-byte and that has no Want of its own yet — a filter the scan
// discovered on the wire before anything asked to Want it. Callers that
// are about to request a fresh (chain, priority) placement for a new
// Want should check here first: reusing the discovered rule's existing
// slot avoids installing a byte-identical duplicate next to one the
// kernel already has.
func (e *Engine) FindByHave(want *tcrule.Rule) (chainNo uint32, prio uint16, ok bool) {
	if want == nil {
		return 0, 0, false
	}
	probe := &Rule{Have: want}
	var found *Rule
	e.laf.AscendGreaterOrEqual(probe, func(r *Rule) bool {
		if tcrule.Compare(r.Have, want) != 0 {
			return false
		}
		if r.Want == nil {
			found = r
			return false
		}
		return true
	})
	if found == nil {
		return 0, 0, false
	}
	return found.ChainNo, found.Prio, true
}

// NetlinkLost reconciles the absence of a previously-observed filter —
// a delete event, or a dump that no longer lists it — by clearing Have.
func (e *Engine) NetlinkLost(chainNo uint32, prio uint16) {
	key := posKey{chainNo, prio}
	r, ok := e.byPosKey[key]
	if !ok {
		return
	}
	e.setHave(r, nil)
}

func (e *Engine) setHave(r *Rule, have *tcrule.Rule) {
	if r.Have != nil {
		e.laf.Delete(r)
	}
	r.Have = have
	if have != nil {
		e.laf.ReplaceOrInsert(r)
	}
	e.evaluate(r)
}

// SetWant records what this slot should converge to — nil clears it —
// and re-evaluates the state machine.
func (e *Engine) SetWant(chainNo uint32, prio uint16, want *tcrule.Rule) *Rule {
	r := e.Acquire(chainNo, prio)
	r.Want = want
	e.evaluate(r)
	return r
}

// MarkAlien flags a discovered filter as one the engine must never
// overwrite; sticky, matching the original's ALIEN-is-final guard.
func (e *Engine) MarkAlien(chainNo uint32, prio uint16) {
	r := e.Acquire(chainNo, prio)
	if r.state == StateAlien {
		return
	}
	r.state = StateAlien
}

// RaisePin advances the engine's monotonic pin level. Scan drives this
// from 0 up to 3 as it gains confidence it has seen the kernel's full
// state for the chains in play; each rule's pending install/uninstall
// unlocks only once the level has caught up to it.
func (e *Engine) RaisePin(level int) {
	errors.Assert(level >= 0, "rules: negative pin level")
	if level > e.pin {
		e.pin = level
	}
	e.byPosKeyRange(func(r *Rule) {
		if level > r.pin {
			r.pin = level
		}
		e.evaluate(r)
	})
}

func (e *Engine) byPosKeyRange(fn func(r *Rule)) {
	rs := make([]*Rule, 0, len(e.byPosKey))
	for _, r := range e.byPosKey {
		rs = append(rs, r)
	}
	for _, r := range rs {
		fn(r)
	}
}

// evaluate recomputes a Rule's state from its current Have/Want/pin and
// issues an install or uninstall request if the pin level allows it.
func (e *Engine) evaluate(r *Rule) {
	if r.state == StateAlien {
		return
	}
	if r.state == StateQueued {
		// A request is already in flight; Complete will re-evaluate
		// once it lands. A Want change in the meantime just means the
		// in-flight result will be stale, which Complete handles by
		// moving to StatePending instead of StateOK.
		return
	}

	switch {
	case r.Want == nil && r.Have == nil:
		r.state = StateZombie
	case r.Want != nil && tcrule.Equal(r.Want, r.Have):
		r.state = StateOK
	case r.Want != nil:
		r.state = StateWant
		e.tryInstall(r)
	case r.Have != nil:
		// Want cleared but a filter is still installed: uninstall it.
		r.state = StateWant
		e.tryInstall(r)
	}
}

func (e *Engine) tryInstall(r *Rule) {
	if r.Want != nil {
		if r.pin < pinInstall {
			return
		}
		r.state = StateQueued
		id := e.inst.Install(r.ChainNo, r.Prio, r.Want)
		e.inflight[id] = r
		return
	}
	if r.pin < pinUninstall {
		return
	}
	r.state = StateQueued
	id := e.inst.Uninstall(r.ChainNo, r.Prio)
	e.inflight[id] = r
}

// Complete is called by the transport layer once a request issued by
// Install/Uninstall has been acknowledged (or failed). If Want changed
// again while the request was in flight, the rule moves to PENDING and
// is immediately re-evaluated against the newer Want rather than being
// considered settled.
func (e *Engine) Complete(requestID any, success bool, resultingHave *tcrule.Rule) {
	r, ok := e.inflight[requestID]
	if !ok {
		return
	}
	delete(e.inflight, requestID)

	// Leave QUEUED first so evaluate recomputes the state.
	r.state = StatePending
	if success {
		e.setHave(r, resultingHave)
		return
	}
	e.evaluate(r)
}

// Len reports how many rules are tracked, for diagnostics.
func (e *Engine) Len() int { return e.pos.Len() }

// Stats reports how many tracked rules sit in each State, for a
// diagnostics surface to summarize without walking every Rule itself.
func (e *Engine) Stats() map[State]int {
	counts := make(map[State]int)
	e.pos.Ascend(func(r *Rule) bool {
		counts[r.state]++
		return true
	})
	return counts
}

// Snapshot is a diagnostics-only view of one tracked Rule.
type Snapshot struct {
	ChainNo uint32
	Prio    uint16
	State   State
	Have    *tcrule.Rule
	Want    *tcrule.Rule
}

// Snapshot lists every tracked rule, ordered by (chain, priority), for a
// diagnostics surface to render without reaching into the engine's
// internal trees.
func (e *Engine) Snapshot() []Snapshot {
	out := make([]Snapshot, 0, len(e.byPosKey))
	e.pos.Ascend(func(r *Rule) bool {
		out = append(out, Snapshot{
			ChainNo: r.ChainNo,
			Prio:    r.Prio,
			State:   r.state,
			Have:    r.Have,
			Want:    r.Want,
		})
		return true
	})
	return out
}
