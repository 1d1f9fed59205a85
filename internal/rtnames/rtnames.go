// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package rtnames resolves routing table names (as used by `ip route
// show table <name>`) to their numeric ids, the way iproute2 does: a
// handful of well-known static names, plus whatever /usr/share/iproute2/
// rt_tables, /etc/iproute2/rt_tables and rt_tables.d/*.conf add on top.
package rtnames

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	RTTableDefault = 253
	RTTableMain    = 254
	RTTableLocal   = 255
)

// Table is a routing-policy table registry, seeded with the three
// tables every Linux system carries and extensible via Load.
type Table struct {
	byName map[string]uint32
}

func New() *Table {
	return &Table{byName: map[string]uint32{
		"default": RTTableDefault,
		"main":    RTTableMain,
		"local":   RTTableLocal,
	}}
}

// Lookup resolves name to a table id, or 0 if it's unknown.
func (t *Table) Lookup(name string) uint32 {
	return t.byName[name]
}

// Add registers an additional name, overriding any existing entry —
// entries loaded later (rt_tables.d) take precedence, matching
// iproute2's own load order.
func (t *Table) Add(id uint32, name string) {
	t.byName[name] = id
}

// LoadSystemTables reads /usr/share/iproute2/rt_tables, then
// /etc/iproute2/rt_tables and every /etc/iproute2/rt_tables.d/*.conf
// file, so names under /etc override those under /usr/share. Files that
// don't exist are ignored — most systems only carry the three built-in
// tables.
func (t *Table) LoadSystemTables() error {
	for _, path := range []string{"/usr/share/iproute2/rt_tables", "/etc/iproute2/rt_tables"} {
		if err := t.loadFile(path); err != nil {
			return err
		}
	}
	matches, err := filepath.Glob("/etc/iproute2/rt_tables.d/*.conf")
	if err != nil {
		return err
	}
	for _, m := range matches {
		if err := t.loadFile(m); err != nil {
			return err
		}
	}
	return nil
}

func (t *Table) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		id, err := parseTableID(fields[0])
		if err != nil {
			continue
		}
		t.Add(id, fields[1])
	}
	return sc.Err()
}

func parseTableID(s string) (uint32, error) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err := strconv.ParseUint(s[2:], 16, 32)
		return uint32(v), err
	}
	v, err := strconv.ParseUint(s, 10, 32)
	return uint32(v), err
}
