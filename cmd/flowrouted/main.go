// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command flowrouted synchronizes the host kernel's routing table into a
// NIC-resident tc/flower classification pipeline: it loads a config,
// binds a request socket and a monitor socket, seeds the static rule
// set, and runs the periodic full-state scan until a timeout fires or
// it's asked to exit after its first sync.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"grimm.is/flowroute/internal/config"
	"grimm.is/flowroute/internal/daemon"
	"grimm.is/flowroute/internal/diag"
	"grimm.is/flowroute/internal/queue"
	"grimm.is/flowroute/internal/rtnames"
	"grimm.is/flowroute/internal/rules"
	"grimm.is/flowroute/internal/scan"
	"grimm.is/flowroute/internal/sched"
	"grimm.is/flowroute/internal/transport"
)

// prefixArg is one --add-prefix/--load-prefix occurrence: <list>:<cidr>
// or <list>:<path>, collected in order so layering onto the HCL file's
// prefix_list blocks stays deterministic.
type prefixArg struct {
	list  string
	value string
}

// prefixArgList implements flag.Value over a repeatable "list:value"
// flag, the stdlib flag package's idiom for a multi-occurrence option.
type prefixArgList []prefixArg

func (p *prefixArgList) String() string { return "" }

func (p *prefixArgList) Set(s string) error {
	list, value, ok := strings.Cut(s, ":")
	if !ok || list == "" || value == "" {
		return fmt.Errorf("expected <list>:<value>, got %q", s)
	}
	*p = append(*p, prefixArg{list: list, value: value})
	return nil
}

func main() {
	configPath := flag.String("config", "/etc/flowroute/flowroute.hcl", "Path to HCL config file")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	var addPrefixes, loadPrefixes prefixArgList
	flag.Var(&addPrefixes, "add-prefix", "Add one CIDR to a prefix list: <list>:<cidr> (repeatable)")
	flag.Var(&loadPrefixes, "load-prefix", "Load a prefix list from a file: <list>:<path> (repeatable)")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	if err := run(*configPath, addPrefixes, loadPrefixes, log); err != nil {
		log.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(configPath string, addPrefixes, loadPrefixes prefixArgList, log *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	for _, p := range addPrefixes {
		cfg.AddPrefix(p.list, p.value)
	}
	for _, p := range loadPrefixes {
		if err := cfg.LoadPrefixFile(p.list, p.value); err != nil {
			return err
		}
	}

	tables := rtnames.New()
	if err := tables.LoadSystemTables(); err != nil {
		log.Warn("failed to load /etc/iproute2/rt_tables, falling back to built-in defaults", "err", err)
	}

	resolved, err := cfg.Resolve(tables, config.InterfaceIndex)
	if err != nil {
		return err
	}
	wireCfg := resolved.WireConfig()

	log.Info("starting",
		"iface", resolved.Ifname,
		"ifindex", resolved.Ifindex,
		"table", resolved.TableID,
		"scan_interval_s", resolved.ScanInterval,
		"dry_run", resolved.DryRun,
	)

	// Both sockets are opened with no Handler yet: the Daemon that will
	// handle their messages is itself the Installer the rule engine
	// needs, so it's built only after the Conns it will be attached to
	// already exist.
	requestConn, err := transport.Open(0, nil, log.With("conn", "request"))
	if err != nil {
		return err
	}
	defer requestConn.Close()

	monitorConn, err := transport.Open(transport.MonitorGroups(), nil, log.With("conn", "monitor"))
	if err != nil {
		return err
	}
	defer monitorConn.Close()

	// reqQueue serializes every write against requestConn - scan dumps
	// and rule installs/uninstalls alike - so at most one request is
	// ever in flight on that socket.
	reqQueue := queue.New(log.With("component", "queue"))

	reg := sched.NewRegistry()
	dmn := daemon.New(log.With("component", "daemon"), wireCfg, requestConn, reqQueue, reg)

	engine := rules.NewEngine(dmn, log.With("component", "rules"))
	dmn.SetEngine(engine)

	scheduler := sched.New(engine, reg, resolved.OnloadPrefixes, log.With("component", "sched"))
	dmn.SetScheduler(scheduler)

	requestConn.SetHandler(dmn)
	monitorConn.SetHandler(dmn)

	// The request socket's drain goroutines and the monitor socket's
	// Listen loop would otherwise call HandleMessage concurrently with
	// each other; the event loop serializes all of them onto the single
	// goroutine started below.
	dmn.EnableEventLoop()
	go dmn.Run()

	scheduler.InitialRequests()

	var exitCh chan struct{}
	if resolved.ExitAfterFirstSync {
		exitCh = make(chan struct{})
	}
	onExit := func() {
		if exitCh != nil {
			close(exitCh)
		}
	}

	interval := time.Duration(resolved.ScanInterval) * time.Second
	sc := scan.New(requestConn, reqQueue, wireCfg, reg, engine, interval, resolved.ExitAfterFirstSync, onExit, log.With("component", "scan"))
	sc.Start()

	diagInfo := diag.Info{Ifname: resolved.Ifname, Ifindex: resolved.Ifindex, TableID: resolved.TableID}
	diagSrv := diag.New(diagInfo, engine, reg, sc, log.With("component", "diag"))
	diagSrv.Start(resolved.DiagListen)
	defer diagSrv.Stop()

	go func() {
		if err := monitorConn.Listen(); err != nil {
			log.Error("monitor: listen failed", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var timeoutCh <-chan time.Time
	if resolved.Timeout > 0 {
		timer := time.NewTimer(time.Duration(resolved.Timeout) * time.Second)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case sig := <-sigCh:
		log.Info("exiting on signal", "signal", sig)
	case <-timeoutCh:
		log.Info("exiting on configured timeout")
	case <-exitCh:
		log.Info("exiting after first sync")
	}

	sc.Stop()
	return nil
}
