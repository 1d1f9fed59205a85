// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package scan drives the periodic full-state re-sync: dump the egress
// qdisc, the chains on it, every existing chain's filters, then the
// links/neighbors/routes that drive what those filters should be. Chain
// topology is deliberately dumped before the route table so that, by
// the time routes start producing Want values, the engine already knows
// what's installed and never races a redundant install against it.
//
// Each step is a single netlink request serialized through a Queue, so
// a scan never has more than one dump in flight; the next step starts
// only once the previous one's responses have all landed (NLMSG_DONE).
package scan

import (
	"log/slog"
	"time"

	"grimm.is/flowroute/internal/queue"
	"grimm.is/flowroute/internal/rules"
	"grimm.is/flowroute/internal/sched"
	"grimm.is/flowroute/internal/wire"
)

// maxPin is the pin level the engine reaches once a single full scan
// cycle completes; pinInstall/pinUninstall in package rules gate rule
// mutation on it. The first cycle's DONE walks the pin from whatever
// it was straight to maxPin in one pass, mirroring obj_rule_remove_pin
// looping 0..3 once at SCAN_DONE: a freshly started daemon only ever
// waits for one confirmed full dump of kernel state before issuing
// netlink writes, never three.
const maxPin = 3

// Sender issues one netlink request and calls done once its responses
// (ending in NLMSG_DONE, or an error) have been fully processed.
type Sender interface {
	Send(msgType, flags uint16, payload []byte, done func(err error))
}

// Scan is one running instance of the re-sync driver.
type Scan struct {
	log    *slog.Logger
	q      *queue.Queue
	sender Sender
	cfg    wire.Config
	reg    *sched.Registry
	engine *rules.Engine

	interval           time.Duration
	exitAfterFirstSync bool
	onExit             func()

	pinLevel int
	cycles   int
	chains   []uint32
	chainIdx int
	timer    *time.Timer
}

// New builds a scan driver against q, the same request queue the
// daemon's install/uninstall writes are scheduled through, so a scan
// dump and a rule mutation never go out on the wire concurrently.
func New(sender Sender, q *queue.Queue, cfg wire.Config, reg *sched.Registry, engine *rules.Engine, interval time.Duration, exitAfterFirstSync bool, onExit func(), log *slog.Logger) *Scan {
	if log == nil {
		log = slog.Default()
	}
	return &Scan{
		log:                log,
		q:                  q,
		sender:             sender,
		cfg:                cfg,
		reg:                reg,
		engine:             engine,
		interval:           interval,
		exitAfterFirstSync: exitAfterFirstSync,
		onExit:             onExit,
	}
}

// Start kicks off the first scan cycle.
func (s *Scan) Start() {
	s.runCycle()
}

func (s *Scan) enqueue(msgType, flags uint16, payload []byte, next func(error)) {
	s.q.Schedule(func(data any) {
		s.sender.Send(msgType, flags, payload, func(err error) { s.q.Complete(err) })
		s.q.MarkSent()
	}, func(data any, err error) { next(err) }, nil)
}

func (s *Scan) runCycle() {
	s.log.Debug("scan: starting cycle")
	mt, fl, pl := wire.EncodeDumpQdisc(s.cfg)
	s.enqueue(mt, fl, pl, s.afterQdisc)
}

func (s *Scan) afterQdisc(err error) {
	mt, fl, pl := wire.EncodeDumpChains(s.cfg)
	s.enqueue(mt, fl, pl, s.afterChains)
}

func (s *Scan) afterChains(err error) {
	s.chains = s.reg.Chains()
	s.chainIdx = 0
	s.dumpNextChain(nil)
}

func (s *Scan) dumpNextChain(err error) {
	if s.chainIdx >= len(s.chains) {
		s.afterChainFilters(nil)
		return
	}
	chainNo := s.chains[s.chainIdx]
	s.chainIdx++
	mt, fl, pl := wire.EncodeDumpFilters(chainNo, s.cfg)
	s.enqueue(mt, fl, pl, s.dumpNextChain)
}

func (s *Scan) afterChainFilters(err error) {
	mt, fl, pl := wire.EncodeDumpLinks()
	s.enqueue(mt, fl, pl, s.afterLinks)
}

func (s *Scan) afterLinks(err error) {
	mt, fl, pl := wire.EncodeDumpNeigh(wire.AF_INET)
	s.enqueue(mt, fl, pl, s.afterNeigh4)
}

func (s *Scan) afterNeigh4(err error) {
	mt, fl, pl := wire.EncodeDumpNeigh(wire.AF_INET6)
	s.enqueue(mt, fl, pl, s.afterNeigh6)
}

func (s *Scan) afterNeigh6(err error) {
	mt, fl, pl := wire.EncodeDumpRoute(wire.AF_INET, s.cfg)
	s.enqueue(mt, fl, pl, s.afterRoute4)
}

func (s *Scan) afterRoute4(err error) {
	mt, fl, pl := wire.EncodeDumpRoute(wire.AF_INET6, s.cfg)
	s.enqueue(mt, fl, pl, s.onScanDone)
}

func (s *Scan) onScanDone(err error) {
	s.cycles++
	s.log.Debug("scan: cycle done", "pin_level", s.pinLevel)
	for s.pinLevel < maxPin {
		s.pinLevel++
		s.engine.RaisePin(s.pinLevel)
	}
	if s.exitAfterFirstSync {
		if s.onExit != nil {
			s.onExit()
		}
		return
	}
	s.timer = time.AfterFunc(s.interval, s.runCycle)
}

// Stop cancels any pending wait between cycles.
func (s *Scan) Stop() {
	if s.timer != nil {
		s.timer.Stop()
	}
}

// PinLevel reports the pin level this scan has raised the engine to so
// far (maxPin once the first cycle completes), for a diagnostics
// surface to report without reaching into scan internals.
func (s *Scan) PinLevel() int {
	return s.pinLevel
}

// CyclesCompleted reports how many full scan cycles have finished.
func (s *Scan) CyclesCompleted() int {
	return s.cycles
}
