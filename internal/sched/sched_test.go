// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package sched

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/flowroute/internal/rules"
	"grimm.is/flowroute/internal/tcrule"
)

type noopInstaller struct{}

func (noopInstaller) Install(chainNo uint32, prio uint16, want *tcrule.Rule) any { return nil }
func (noopInstaller) Uninstall(chainNo uint32, prio uint16) any                  { return nil }

func TestRegistry_FindAvailableChainNoSkipsPresentAndReserved(t *testing.T) {
	r := NewRegistry()
	r.Got(5)
	r.Got(6)

	got := r.FindAvailableChainNo(minForwardChain)
	assert.Equal(t, uint32(7), got)

	got2 := r.FindAvailableChainNo(minForwardChain)
	assert.Equal(t, uint32(8), got2)
	assert.NotEqual(t, got, got2)
}

func TestRegistry_FindAvailableChainNoRespectsFloor(t *testing.T) {
	r := NewRegistry()
	r.Got(1)
	r.Got(2)

	got := r.FindAvailableChainNo(minForwardChain)
	assert.Equal(t, uint32(minForwardChain), got)
}

func TestRegistry_ChainsSortedAscending(t *testing.T) {
	r := NewRegistry()
	r.Got(7)
	r.Got(1)
	r.Got(3)
	assert.Equal(t, []uint32{1, 3, 7}, r.Chains())
}

func TestRegistry_ClearForgetsReservations(t *testing.T) {
	r := NewRegistry()
	r.FindAvailableChainNo(minForwardChain)
	r.Clear()
	assert.Empty(t, r.Chains())
}

func TestScheduler_PlaceForwardClaimsFreshChainAtPrioOne(t *testing.T) {
	reg := NewRegistry()
	engine := rules.NewEngine(noopInstaller{}, nil)
	s := New(engine, reg, nil, nil)

	chainNo, prio, ok := s.Place(&tcrule.Rule{Type: tcrule.TypeForward})
	require.True(t, ok)
	assert.Equal(t, uint16(1), prio)
	assert.GreaterOrEqual(t, chainNo, uint32(minForwardChain))

	chainNo2, _, ok2 := s.Place(&tcrule.Rule{Type: tcrule.TypeForward})
	require.True(t, ok2)
	assert.NotEqual(t, chainNo, chainNo2)
}

func TestScheduler_PlaceRouteGotoLandsInFamilyChainAbovePrioFloor(t *testing.T) {
	reg := NewRegistry()
	engine := rules.NewEngine(noopInstaller{}, nil)
	s := New(engine, reg, nil, nil)

	tcr := &tcrule.Rule{Type: tcrule.TypeRouteGoto}
	tcr.Dst.Family = tcrule.AFInet

	chainNo, prio, ok := s.Place(tcr)
	require.True(t, ok)
	assert.Equal(t, uint32(chainIPv4), chainNo)
	assert.GreaterOrEqual(t, prio, uint16(minGotoPrio))
}

func TestScheduler_PlaceRouteGotoAdvancesPrioOnCollision(t *testing.T) {
	reg := NewRegistry()
	engine := rules.NewEngine(noopInstaller{}, nil)
	s := New(engine, reg, nil, nil)

	tcr := &tcrule.Rule{Type: tcrule.TypeRouteGoto}
	tcr.Dst.Family = tcrule.AFInet6

	_, prio1, _ := s.Place(tcr)
	engine.SetWant(chainIPv6, prio1, tcr)

	_, prio2, ok := s.Place(tcr)
	require.True(t, ok)
	assert.Greater(t, prio2, prio1)
}

func TestScheduler_PlaceUnknownTypeFails(t *testing.T) {
	reg := NewRegistry()
	engine := rules.NewEngine(noopInstaller{}, nil)
	s := New(engine, reg, nil, nil)

	_, _, ok := s.Place(&tcrule.Rule{Type: tcrule.TypeAlien})
	assert.False(t, ok)
}

func TestScheduler_InitialRequestsSeedsDispatchAndTTLAndOnload(t *testing.T) {
	reg := NewRegistry()
	engine := rules.NewEngine(noopInstaller{}, nil)
	onload := []PrefixListEntry{
		{Family: tcrule.AFInet, Addr: []byte{10, 0, 0, 0}, MaskLen: 8},
	}
	s := New(engine, reg, onload, nil)

	s.InitialRequests()

	assert.Equal(t, 5, engine.Len(), "AF dispatch x2 + TTL trap x2 + one onload prefix")
}
