// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config loads the daemon's HCL configuration file and merges
// command-line overrides on top of it, the way the rest of this
// codebase's config packages layer file-based and flag-based settings.
package config

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/hashicorp/hcl/v2/hclsimple"

	flerrors "grimm.is/flowroute/internal/errors"
	"grimm.is/flowroute/internal/rtnames"
	"grimm.is/flowroute/internal/sched"
	"grimm.is/flowroute/internal/tcrule"
	"grimm.is/flowroute/internal/wire"
)

// PrefixBlock is one `prefix_list "name" { ... }` block: a named group
// of trap-to-host prefixes an operator can attach rules for even when
// no matching kernel route exists.
type PrefixBlock struct {
	Name     string   `hcl:"name,label"`
	Prefixes []string `hcl:"prefixes"`
}

// Config is the top-level HCL document.
type Config struct {
	Iface              string        `hcl:"iface"`
	Table              string        `hcl:"table"`
	ScanInterval       int           `hcl:"scan_interval,optional"`
	Timeout            int           `hcl:"timeout,optional"`
	Verbosity          int           `hcl:"verbosity,optional"`
	DryRun             bool          `hcl:"dry_run,optional"`
	SkipHW             bool          `hcl:"skip_hw,optional"`
	ExitAfterFirstSync bool          `hcl:"one_off,optional"`
	DiagListen         string        `hcl:"diag_listen,optional"`
	PrefixLists        []PrefixBlock `hcl:"prefix_list,block"`
}

// Resolved is the runtime form of Config: names resolved to ids, and
// prefix strings parsed into address/mask pairs. ScanInterval and
// Timeout stay whole seconds.
type Resolved struct {
	Ifname             string
	Ifindex            int
	TableID            uint32
	ScanInterval       int
	Timeout            int
	Verbosity          int
	DryRun             bool
	ExitAfterFirstSync bool
	DiagListen         string
	FlowerFlags        uint32
	OnloadPrefixes     []sched.PrefixListEntry
}

// Load reads and decodes an HCL config file.
func Load(path string) (*Config, error) {
	var cfg Config
	if err := hclsimple.DecodeFile(path, nil, &cfg); err != nil {
		return nil, flerrors.Wrap(err, flerrors.KindUserInput, "decode config file")
	}
	return &cfg, nil
}

// AddPrefix appends one CIDR to the named prefix list, creating the
// list if this is its first entry. Backs the --add-prefix flag, which
// layers one-off CLI prefixes on top of whatever the HCL file already
// declared; validation happens later, in Resolve, same as file-declared
// prefixes.
func (c *Config) AddPrefix(list, cidr string) {
	c.appendPrefix(list, cidr)
}

// LoadPrefixFile reads path as a prefix-list file and appends every
// entry to the named list, creating it if this is its first entry: one
// CIDR per line, blank lines and lines starting with '#' ignored,
// leading whitespace and trailing comments tolerated. A malformed line
// aborts loading immediately with an error naming the file and line
// number. Backs the --load-prefix flag; grounded on the line-oriented
// parsing loop in original_source/src/options.c.
func (c *Config) LoadPrefixFile(list, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return flerrors.Wrap(err, flerrors.KindUserInput, "open prefix list file")
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		text := strings.TrimSpace(scanner.Text())
		if i := strings.IndexByte(text, '#'); i >= 0 {
			text = strings.TrimSpace(text[:i])
		}
		if text == "" {
			continue
		}
		if _, _, err := net.ParseCIDR(text); err != nil {
			return flerrors.Wrapf(err, flerrors.KindUserInput, "%s:%d: invalid prefix %q", path, lineNo, text)
		}
		c.appendPrefix(list, text)
	}
	if err := scanner.Err(); err != nil {
		return flerrors.Wrap(err, flerrors.KindUserInput, "read prefix list file")
	}
	return nil
}

func (c *Config) appendPrefix(list, cidr string) {
	for i := range c.PrefixLists {
		if c.PrefixLists[i].Name == list {
			c.PrefixLists[i].Prefixes = append(c.PrefixLists[i].Prefixes, cidr)
			return
		}
	}
	c.PrefixLists = append(c.PrefixLists, PrefixBlock{Name: list, Prefixes: []string{cidr}})
}

// Resolve turns a parsed Config into runtime values, looking up the
// interface and routing table and parsing every onload prefix. ifResolver
// abstracts net.InterfaceByName so tests can supply a fake.
func (c *Config) Resolve(tables *rtnames.Table, ifResolver func(name string) (int, error)) (*Resolved, error) {
	if c.Iface == "" {
		return nil, flerrors.New(flerrors.KindUserInput, "config: iface is required")
	}
	ifindex, err := ifResolver(c.Iface)
	if err != nil {
		return nil, flerrors.Wrapf(err, flerrors.KindUserInput, "resolve interface %q", c.Iface)
	}

	tableID := tables.Lookup(c.Table)
	if tableID == 0 {
		var v uint32
		if _, scanErr := fmt.Sscanf(c.Table, "%d", &v); scanErr == nil && v != 0 {
			tableID = v
		}
	}
	if tableID == 0 {
		return nil, flerrors.Errorf(flerrors.KindUserInput, "config: unknown routing table %q", c.Table)
	}

	scanInterval := c.ScanInterval
	if scanInterval <= 0 {
		scanInterval = 10
	}

	diagListen := c.DiagListen
	if diagListen == "" {
		diagListen = "127.0.0.1:9273"
	}

	flowerFlags := uint32(wire.TCA_CLS_FLAGS_SKIP_SW | wire.TCA_CLS_FLAGS_IN_HW)
	if c.SkipHW {
		flowerFlags = 1 << 0 // TCA_CLS_FLAGS_SKIP_HW
	}

	r := &Resolved{
		Ifname:             c.Iface,
		Ifindex:            ifindex,
		TableID:            tableID,
		ScanInterval:       scanInterval,
		Timeout:            c.Timeout,
		Verbosity:          c.Verbosity,
		DryRun:             c.DryRun,
		ExitAfterFirstSync: c.ExitAfterFirstSync,
		DiagListen:         diagListen,
		FlowerFlags:        flowerFlags,
	}

	for _, block := range c.PrefixLists {
		for _, p := range block.Prefixes {
			entry, err := parsePrefix(p)
			if err != nil {
				return nil, flerrors.Wrapf(err, flerrors.KindUserInput, "prefix_list %q entry %q", block.Name, p)
			}
			r.OnloadPrefixes = append(r.OnloadPrefixes, entry)
		}
	}

	return r, nil
}

func parsePrefix(s string) (sched.PrefixListEntry, error) {
	ip, ipNet, err := net.ParseCIDR(s)
	if err != nil {
		return sched.PrefixListEntry{}, err
	}
	maskLen, _ := ipNet.Mask.Size()

	if v4 := ip.To4(); v4 != nil {
		return sched.PrefixListEntry{Family: tcrule.AFInet, Addr: v4, MaskLen: uint8(maskLen)}, nil
	}
	return sched.PrefixListEntry{Family: tcrule.AFInet6, Addr: ip.To16(), MaskLen: uint8(maskLen)}, nil
}

// WireConfig converts r into the narrow view package wire needs to
// encode and decode netlink/tc messages.
func (r *Resolved) WireConfig() wire.Config {
	return wire.Config{
		EgressIfindex: r.Ifindex,
		TableID:       r.TableID,
		FlowerFlags:   r.FlowerFlags,
		LoopbackMode:  false,
	}
}

// InterfaceIndex looks up an interface by name using the standard
// library — the one place this package reaches past net.InterfaceByName
// is ENOENT translation into a config-layer error.
func InterfaceIndex(name string) (int, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("no such interface: %s", name)
		}
		return 0, err
	}
	return iface.Index, nil
}
