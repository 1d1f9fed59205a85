// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package diag

import (
	"github.com/prometheus/client_golang/prometheus"

	"grimm.is/flowroute/internal/rules"
)

// metrics holds the Prometheus series this daemon exports. Unlike a
// packet counter that's incremented inline as traffic flows, every
// series here is a point-in-time read of the rule engine and scan
// driver, so refresh() re-derives them from those instead of the
// handlers updating counters as a side effect.
type metrics struct {
	ruleStates *prometheus.GaugeVec
	ruleTotal  prometheus.Gauge
	pinLevel   prometheus.Gauge
	scanCycles prometheus.Gauge
}

func newMetrics() *metrics {
	return &metrics{
		ruleStates: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flowroute_rules",
			Help: "Number of tracked tc flower rules in each reconciliation state",
		}, []string{"state"}),
		ruleTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowroute_rules_total",
			Help: "Total number of tc flower rules tracked by the engine",
		}),
		pinLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowroute_pin_level",
			Help: "Current scan pin level (0-3); rule installs/uninstalls are gated on this",
		}),
		scanCycles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowroute_scan_cycles_total",
			Help: "Total number of completed full-state scan cycles",
		}),
	}
}

func (m *metrics) register(reg *prometheus.Registry) {
	reg.MustRegister(m.ruleStates, m.ruleTotal, m.pinLevel, m.scanCycles)
}

// refresh re-derives every gauge from the engine's current state. It
// runs once per scrape rather than on a ticker: these are cheap map
// walks over an in-memory tree, not a syscall or a kernel round-trip.
func (m *metrics) refresh(e *rules.Engine, pin, cycles int) {
	stats := e.Stats()
	for _, s := range []rules.State{
		rules.StateNew, rules.StateAlien, rules.StateWant,
		rules.StateQueued, rules.StatePending, rules.StateOK, rules.StateZombie,
	} {
		m.ruleStates.WithLabelValues(s.String()).Set(float64(stats[s]))
	}
	m.ruleTotal.Set(float64(e.Len()))
	m.pinLevel.Set(float64(pin))
	m.scanCycles.Set(float64(cycles))
}
