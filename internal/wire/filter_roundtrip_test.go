// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/flowroute/internal/tcrule"
)

func roundtripCfg() Config {
	return Config{EgressIfindex: 7, TableID: 254, FlowerFlags: TCA_CLS_FLAGS_SKIP_SW, LoopbackMode: true}
}

func TestFilterRoundtrip_Forward(t *testing.T) {
	cfg := roundtripCfg()
	want := &tcrule.Rule{
		Type:        tcrule.TypeForward,
		VlanID:      42,
		FlowerFlags: cfg.FlowerFlags,
		Traits:      tcrule.ExpectedTraits(tcrule.TypeForward),
		DstMAC:      [6]byte{0x02, 0x11, 0x22, 0x33, 0x44, 0x55},
		SrcMAC:      [6]byte{0x02, 0x66, 0x77, 0x88, 0x99, 0xaa},
	}
	want.Dst.Family = tcrule.AFInet

	msgType, _, payload, err := EncodeFilter(5, 100, want, cfg)
	require.NoError(t, err)
	assert.Equal(t, uint16(RTM_NEWTFILTER), msgType)

	ev, result, err := DecodeFilter(msgType, payload)
	require.NoError(t, err)
	require.Equal(t, ResultOK, result)
	require.NotNil(t, ev.Rule)

	assert.True(t, tcrule.Equal(want, ev.Rule), "want=%+v got=%+v", want, ev.Rule)
	assert.Equal(t, uint32(5), ev.ChainNo)
	assert.Equal(t, uint16(100), ev.Prio)
}

func TestFilterRoundtrip_RouteGoto(t *testing.T) {
	cfg := roundtripCfg()
	want := &tcrule.Rule{
		Type:        tcrule.TypeRouteGoto,
		FlowerFlags: cfg.FlowerFlags,
		GotoChain:   9,
		Traits:      tcrule.ExpectedTraits(tcrule.TypeRouteGoto),
	}
	want.Dst.SetDst([]byte{10, 0, 0, 0}, 24)

	msgType, _, payload, err := EncodeFilter(1, 50, want, cfg)
	require.NoError(t, err)

	ev, result, err := DecodeFilter(msgType, payload)
	require.NoError(t, err)
	require.Equal(t, ResultOK, result)

	assert.True(t, tcrule.Equal(want, ev.Rule), "want=%+v got=%+v", want, ev.Rule)
}

func TestFilterRoundtrip_RouteTrapV6(t *testing.T) {
	cfg := roundtripCfg()
	want := &tcrule.Rule{
		Type:        tcrule.TypeRouteTrap,
		FlowerFlags: cfg.FlowerFlags,
		Traits:      tcrule.ExpectedTraits(tcrule.TypeRouteTrap),
	}
	want.Dst.SetDst([]byte{0x20, 0x01, 0x0d, 0xb8, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1}, 64)

	msgType, _, payload, err := EncodeFilter(2, 10, want, cfg)
	require.NoError(t, err)

	ev, result, err := DecodeFilter(msgType, payload)
	require.NoError(t, err)
	require.Equal(t, ResultOK, result)

	assert.True(t, tcrule.Equal(want, ev.Rule), "want=%+v got=%+v", want, ev.Rule)
}

func TestFilterRoundtrip_TTLCheck(t *testing.T) {
	cfg := roundtripCfg()
	want := &tcrule.Rule{
		Type:        tcrule.TypeTTLCheck,
		FlowerFlags: cfg.FlowerFlags,
		Traits:      tcrule.ExpectedTraits(tcrule.TypeTTLCheck),
	}
	want.Dst.Family = tcrule.AFInet

	msgType, _, payload, err := EncodeFilter(1, 5, want, cfg)
	require.NoError(t, err)

	ev, result, err := DecodeFilter(msgType, payload)
	require.NoError(t, err)
	require.Equal(t, ResultOK, result)

	assert.True(t, tcrule.Equal(want, ev.Rule), "want=%+v got=%+v", want, ev.Rule)
}

func TestFilterRoundtrip_Delete(t *testing.T) {
	cfg := roundtripCfg()
	msgType, _, payload := func() (uint16, uint16, []byte) {
		mt, fl, p, err := EncodeFilter(3, 20, nil, cfg)
		require.NoError(t, err)
		return mt, fl, p
	}()

	ev, result, err := DecodeFilter(msgType, payload)
	require.NoError(t, err)
	require.Equal(t, ResultOK, result)
	assert.True(t, ev.Deleted)
	assert.Nil(t, ev.Rule)
}
