// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package wire

import "grimm.is/flowroute/internal/tcrule"

// rtmsg is the fixed header of RTM_NEWROUTE/RTM_DELROUTE: family(1)
// dst_len(1) src_len(1) tos(1) table(1) protocol(1) scope(1) type(1)
// flags(4).
const rtmsgLen = 12

var routeSchema = Schema{
	RTA_DST:       KindBinary,
	RTA_OIF:       KindU32,
	RTA_GATEWAY:   KindBinary,
	RTA_TABLE:     KindU32,
	RTA_MULTIPATH: KindBinary,
}

// nexthop is one entry of an RTA_MULTIPATH attribute: struct rtnexthop
// (len(2) flags(1) hops(1) ifindex(4)) followed by its own nested
// attributes.
const rtnexthopLen = 8

// DecodeRoute decodes an RTM_NEWROUTE/RTM_DELROUTE payload. Only
// unicast routes in the configured table are surfaced; a multipath
// route is flattened to its first next-hop entry, since the
// flower pipeline can only forward through one egress choice per
// destination.
func DecodeRoute(msgType uint16, payload []byte, cfg Config) (*RouteEvent, Result, error) {
	if len(payload) < rtmsgLen {
		return nil, ResultError, nil
	}
	family := tcrule.AddrFamily(payload[0])
	dstLen := payload[1]
	table := uint32(payload[4])
	rtype := payload[7]

	attrs, err := ParseAttrs(payload[rtmsgLen:])
	if err != nil {
		return nil, ResultError, err
	}
	if err := Validate(attrs, routeSchema); err != nil {
		return nil, ResultError, err
	}

	if a, ok := attrs[RTA_TABLE]; ok {
		table = attrU32(a)
	}
	if table != cfg.TableID {
		return nil, ResultOK, nil
	}
	if rtype != RTN_UNICAST {
		return nil, ResultOK, nil
	}

	ev := &RouteEvent{Deleted: msgType == RTM_DELROUTE, Family: family, MaskLen: dstLen}

	if a, ok := attrs[RTA_DST]; ok {
		ev.Dst = append([]byte(nil), a.Value...)
	}

	if a, ok := attrs[RTA_MULTIPATH]; ok {
		ifindex, gateway, ok := firstNexthop(a.Value)
		if !ok {
			return nil, ResultOK, nil
		}
		ev.Ifindex = ifindex
		ev.Gateway = gateway
	} else {
		if a, ok := attrs[RTA_OIF]; ok {
			ev.Ifindex = int(attrU32(a))
		}
		if a, ok := attrs[RTA_GATEWAY]; ok {
			ev.Gateway = append([]byte(nil), a.Value...)
		}
	}

	if ev.Ifindex == 0 {
		return nil, ResultOK, nil
	}

	return ev, ResultOK, nil
}

// firstNexthop decodes the first rtnexthop entry of an RTA_MULTIPATH
// blob and returns its ifindex and gateway, if any.
func firstNexthop(data []byte) (int, []byte, bool) {
	if len(data) < rtnexthopLen {
		return 0, nil, false
	}
	rtnhLen := nativeEndian.Uint16(data[0:2])
	ifindex := int(nativeEndian.Uint32(data[4:8]))
	if int(rtnhLen) < rtnexthopLen || int(rtnhLen) > len(data) {
		return 0, nil, false
	}
	sub, err := ParseAttrs(data[rtnexthopLen:rtnhLen])
	if err != nil {
		return 0, nil, false
	}
	var gw []byte
	if a, ok := sub[RTA_GATEWAY]; ok {
		gw = append([]byte(nil), a.Value...)
	}
	return ifindex, gw, true
}
