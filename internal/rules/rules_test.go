// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/flowroute/internal/tcrule"
)

type fakeInstaller struct {
	nextID      int
	installed   []posKey
	uninstalled []posKey
}

func (f *fakeInstaller) Install(chainNo uint32, prio uint16, want *tcrule.Rule) any {
	f.nextID++
	f.installed = append(f.installed, posKey{chainNo, prio})
	return f.nextID
}

func (f *fakeInstaller) Uninstall(chainNo uint32, prio uint16) any {
	f.nextID++
	f.uninstalled = append(f.uninstalled, posKey{chainNo, prio})
	return f.nextID
}

func ttlRule() *tcrule.Rule {
	return &tcrule.Rule{
		Type:   tcrule.TypeTTLCheck,
		Traits: tcrule.ExpectedTraits(tcrule.TypeTTLCheck),
	}
}

func TestEvaluate_WaitsForPinBeforeInstalling(t *testing.T) {
	inst := &fakeInstaller{}
	e := NewEngine(inst, nil)

	r := e.SetWant(1, 10, ttlRule())
	assert.Equal(t, StateWant, r.State())
	assert.Empty(t, inst.installed, "install must not fire before pin reaches the install threshold")

	e.RaisePin(1)
	assert.Empty(t, inst.installed)

	e.RaisePin(2)
	require.Len(t, inst.installed, 1)
	assert.Equal(t, StateQueued, r.State())
}

func TestComplete_SettlesToOK(t *testing.T) {
	inst := &fakeInstaller{}
	e := NewEngine(inst, nil)

	want := ttlRule()
	e.SetWant(1, 10, want)
	e.RaisePin(pinInstall)
	require.Len(t, inst.installed, 1)

	e.Complete(1, true, want)
	r := e.Acquire(1, 10)
	assert.Equal(t, StateOK, r.State())
}

func TestComplete_FailureMovesToPending(t *testing.T) {
	inst := &fakeInstaller{}
	e := NewEngine(inst, nil)

	e.SetWant(1, 10, ttlRule())
	e.RaisePin(pinInstall)
	require.Len(t, inst.installed, 1)

	e.Complete(1, false, nil)
	r := e.Acquire(1, 10)
	// evaluate() re-runs immediately and, since Want is still set and
	// pin still satisfies the install threshold, re-queues.
	assert.Equal(t, StateQueued, r.State())
	assert.Len(t, inst.installed, 2)
}

func TestNetlinkFound_SatisfiesWantWithoutInstalling(t *testing.T) {
	inst := &fakeInstaller{}
	e := NewEngine(inst, nil)

	have := ttlRule()
	e.NetlinkFound(1, 10, have)
	e.RaisePin(pinInstall)

	r := e.SetWant(1, 10, have)
	assert.Equal(t, StateOK, r.State())
	assert.Empty(t, inst.installed, "a rule already matching Have must not be reinstalled")
}

func TestClearingWantUninstalls(t *testing.T) {
	inst := &fakeInstaller{}
	e := NewEngine(inst, nil)

	have := ttlRule()
	e.NetlinkFound(1, 10, have)
	e.RaisePin(pinUninstall)

	r := e.SetWant(1, 10, nil)
	require.Len(t, inst.uninstalled, 1)
	assert.Equal(t, StateQueued, r.State())

	e.Complete(1, true, nil)
	assert.Equal(t, StateZombie, r.State())
}

func TestMarkAlien_IsStickyAndBlocksInstall(t *testing.T) {
	inst := &fakeInstaller{}
	e := NewEngine(inst, nil)

	e.MarkAlien(1, 10)
	e.SetWant(1, 10, ttlRule())
	e.RaisePin(pinInstall)

	r := e.Acquire(1, 10)
	assert.Equal(t, StateAlien, r.State())
	assert.Empty(t, inst.installed, "an alien-marked slot must never be overwritten")
}

func TestFindAvailablePrio_SkipsOccupiedSlots(t *testing.T) {
	inst := &fakeInstaller{}
	e := NewEngine(inst, nil)

	e.Acquire(1, 100)
	e.Acquire(1, 101)
	e.Acquire(1, 102)

	assert.Equal(t, uint16(103), e.FindAvailablePrio(1, 99))
	assert.Equal(t, uint16(50), e.FindAvailablePrio(2, 49))
}

func TestStats_CountsRulesByState(t *testing.T) {
	inst := &fakeInstaller{}
	e := NewEngine(inst, nil)

	e.Acquire(1, 10) // NEW, never given a Want or Have
	e.SetWant(1, 20, ttlRule())
	e.MarkAlien(1, 30)

	stats := e.Stats()
	assert.Equal(t, 1, stats[StateNew])
	assert.Equal(t, 1, stats[StateWant])
	assert.Equal(t, 1, stats[StateAlien])
}

func TestSnapshot_ReflectsTrackedRules(t *testing.T) {
	inst := &fakeInstaller{}
	e := NewEngine(inst, nil)

	e.SetWant(3, 50, ttlRule())

	snaps := e.Snapshot()
	require.Len(t, snaps, 1)
	assert.Equal(t, uint32(3), snaps[0].ChainNo)
	assert.Equal(t, uint16(50), snaps[0].Prio)
	assert.Equal(t, StateWant, snaps[0].State)
	assert.NotNil(t, snaps[0].Want)
	assert.Nil(t, snaps[0].Have)
}
