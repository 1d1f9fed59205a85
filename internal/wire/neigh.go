// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package wire

import "grimm.is/flowroute/internal/tcrule"

// ndmsg is the fixed header of RTM_NEWNEIGH/RTM_DELNEIGH: family(1)
// pad(3) ifindex(4) state(2) flags(1) type(1).
const ndmsgLen = 12

const (
	ndmNUDPermanent = 0x80
	ndmNUDReachable = 0x02
	ndmNUDStale     = 0x04
)

var neighSchema = Schema{
	NDA_DST:    KindBinary,
	NDA_LLADDR: KindBinary,
}

// DecodeNeigh decodes an RTM_NEWNEIGH/RTM_DELNEIGH payload. Entries
// without a resolved link-layer address are filtered: incomplete or
// failed neighbor states surface nothing to the graph.
func DecodeNeigh(msgType uint16, payload []byte) (*NeighEvent, Result, error) {
	if len(payload) < ndmsgLen {
		return nil, ResultError, nil
	}
	family := tcrule.AddrFamily(payload[0])
	ifindex := int(nativeEndian.Uint32(payload[4:8]))
	state := nativeEndian.Uint16(payload[8:10])

	attrs, err := ParseAttrs(payload[ndmsgLen:])
	if err != nil {
		return nil, ResultError, err
	}
	if err := Validate(attrs, neighSchema); err != nil {
		return nil, ResultError, err
	}

	ev := &NeighEvent{Deleted: msgType == RTM_DELNEIGH, Ifindex: ifindex, Family: family}

	if a, ok := attrs[NDA_DST]; ok {
		ev.Addr = append([]byte(nil), a.Value...)
	}
	if a, ok := attrs[NDA_LLADDR]; ok && len(a.Value) == 6 {
		copy(ev.HWAddr[:], a.Value)
	}

	if !ev.Deleted && state&(ndmNUDPermanent|ndmNUDReachable|ndmNUDStale) == 0 {
		return nil, ResultOK, nil
	}
	if !ev.Deleted && tcrule.IsZeroMAC(ev.HWAddr) {
		return nil, ResultOK, nil
	}

	return ev, ResultOK, nil
}
