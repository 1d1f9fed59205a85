// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package diag exposes a read-only HTTP surface over the running
// daemon's state: a /healthz liveness check, a /metrics Prometheus
// endpoint, and a small JSON API for inspecting the tracked rule set
// without needing tc or ip to decode the wire format by hand.
package diag

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/flowroute/internal/rules"
	"grimm.is/flowroute/internal/sched"
)

// Info is the static identity of the running instance, surfaced on
// /status alongside the live rule/pin state.
type Info struct {
	Ifname  string
	Ifindex int
	TableID uint32
}

// Scanner is the subset of *scan.Scan the diagnostics server reads.
// Declared as an interface here, rather than importing package scan
// directly, so a caller can wire in the live *scan.Scan without diag
// needing to know about the scan driver's internals.
type Scanner interface {
	PinLevel() int
	CyclesCompleted() int
}

// Server serves the diagnostics HTTP surface.
type Server struct {
	log     *slog.Logger
	info    Info
	engine  *rules.Engine
	reg     *sched.Registry
	scan    Scanner
	metrics *metrics
	promReg *prometheus.Registry

	router     *mux.Router
	httpServer *http.Server
}

// New builds a diagnostics server. It does not start listening until
// Start is called.
func New(info Info, engine *rules.Engine, reg *sched.Registry, sc Scanner, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	m := newMetrics()
	promReg := prometheus.NewRegistry()
	m.register(promReg)

	s := &Server{
		log:     log,
		info:    info,
		engine:  engine,
		reg:     reg,
		scan:    sc,
		metrics: m,
		promReg: promReg,
		router:  mux.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	s.router.Handle("/metrics", s.metricsHandler()).Methods("GET")

	api := s.router.PathPrefix("/api/v1/flowroute").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/rules", s.handleRules).Methods("GET")
	api.HandleFunc("/rules/{chain}", s.handleRulesByChain).Methods("GET")
	api.HandleFunc("/chains", s.handleChains).Methods("GET")
}

// metricsHandler refreshes the gauges from live engine/scan state just
// before handing the request to promhttp, so a scrape never reads
// stale values from the last refresh instead of this one.
func (s *Server) metricsHandler() http.Handler {
	inner := promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pin, cycles := 0, 0
		if s.scan != nil {
			pin, cycles = s.scan.PinLevel(), s.scan.CyclesCompleted()
		}
		s.metrics.refresh(s.engine, pin, cycles)
		inner.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	pin, cycles := 0, 0
	if s.scan != nil {
		pin, cycles = s.scan.PinLevel(), s.scan.CyclesCompleted()
	}
	stats := s.engine.Stats()
	byState := make(map[string]int, len(stats))
	for state, n := range stats {
		byState[state.String()] = n
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"ifname":            s.info.Ifname,
		"ifindex":           s.info.Ifindex,
		"table_id":          s.info.TableID,
		"pin_level":         pin,
		"scan_cycles":       cycles,
		"rule_count":        s.engine.Len(),
		"rules_by_state":    byState,
		"known_chain_count": len(s.reg.Chains()),
	})
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rulesToView(s.engine.Snapshot()))
}

func (s *Server) handleRulesByChain(w http.ResponseWriter, r *http.Request) {
	var chainNo uint32
	if _, err := fmt.Sscanf(mux.Vars(r)["chain"], "%d", &chainNo); err != nil {
		http.Error(w, "invalid chain number", http.StatusBadRequest)
		return
	}

	var filtered []rules.Snapshot
	for _, rs := range s.engine.Snapshot() {
		if rs.ChainNo == chainNo {
			filtered = append(filtered, rs)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rulesToView(filtered))
}

func (s *Server) handleChains(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.reg.Chains())
}

// ruleView is the JSON-facing shape of a rules.Snapshot: the tc rule
// type/trait fields worth surfacing, not the whole tcrule.Rule.
type ruleView struct {
	ChainNo uint32 `json:"chain"`
	Prio    uint16 `json:"prio"`
	State   string `json:"state"`
	HasHave bool   `json:"has_have"`
	HasWant bool   `json:"has_want"`
}

func rulesToView(snaps []rules.Snapshot) []ruleView {
	out := make([]ruleView, 0, len(snaps))
	for _, rs := range snaps {
		out = append(out, ruleView{
			ChainNo: rs.ChainNo,
			Prio:    rs.Prio,
			State:   rs.State.String(),
			HasHave: rs.Have != nil,
			HasWant: rs.Want != nil,
		})
	}
	return out
}

// Start begins serving the diagnostics surface on addr in a background
// goroutine, mirroring the teacher's pattern of never blocking the
// caller on ListenAndServe.
func (s *Server) Start(addr string) {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}
	go func() {
		s.log.Info("diag: serving", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("diag: server error", "err", err)
		}
	}()
}

// Stop gracefully shuts the server down, giving in-flight requests a
// few seconds to finish.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
