// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package wire

// ifinfomsg is the fixed header of RTM_NEWLINK/RTM_DELLINK, laid out as
// struct ifinfomsg in linux/rtnetlink.h: family(1) pad(1) type(2)
// index(4) flags(4) change(4).
const ifinfomsgLen = 16

var linkSchema = Schema{
	IFLA_ADDRESS:  KindBinary,
	IFLA_IFNAME:   KindString,
	IFLA_MTU:      KindU32,
	IFLA_LINK:     KindU32,
	IFLA_LINKINFO: KindNested,
}

var linkinfoSchema = Schema{
	IFLA_LINKINFO_KIND: KindString,
	IFLA_LINKINFO_DATA: KindNested,
}

var vlanInfoSchema = Schema{
	IFLA_VLAN_ID: KindU16,
}

// DecodeLink decodes an RTM_NEWLINK/RTM_DELLINK payload. Only the
// configured egress interface and links whose parent it is are surfaced;
// everything else returns (nil, ResultOK) — filtered, not an error. The
// link type is not checked, so non-Ethernet links pass the filter too.
func DecodeLink(msgType uint16, payload []byte, cfg Config) (*LinkEvent, Result, error) {
	if len(payload) < ifinfomsgLen {
		return nil, ResultError, nil
	}
	ifindex := int(nativeEndian.Uint32(payload[4:8]))

	attrs, err := ParseAttrs(payload[ifinfomsgLen:])
	if err != nil {
		return nil, ResultError, err
	}
	if err := Validate(attrs, linkSchema); err != nil {
		return nil, ResultError, err
	}

	ev := &LinkEvent{Deleted: msgType == RTM_DELLINK, Ifindex: ifindex}

	if a, ok := attrs[IFLA_IFNAME]; ok {
		ev.Name = attrStr(a)
	}
	if a, ok := attrs[IFLA_MTU]; ok {
		ev.MTU = attrU32(a)
	}
	if a, ok := attrs[IFLA_ADDRESS]; ok && len(a.Value) == 6 {
		copy(ev.HWAddr[:], a.Value)
	}

	parentIdx := ifindex
	if a, ok := attrs[IFLA_LINK]; ok {
		parentIdx = int(attrU32(a))
	}
	ev.ParentIdx = parentIdx

	if a, ok := attrs[IFLA_LINKINFO]; ok {
		sub, err := ParseAttrs(a.Value)
		if err != nil {
			return nil, ResultError, err
		}
		if err := Validate(sub, linkinfoSchema); err != nil {
			return nil, ResultError, err
		}
		kind := ""
		if k, ok := sub[IFLA_LINKINFO_KIND]; ok {
			kind = attrStr(k)
		}
		if kind == "vlan" {
			if d, ok := sub[IFLA_LINKINFO_DATA]; ok {
				vlanAttrs, err := ParseAttrs(d.Value)
				if err != nil {
					return nil, ResultError, err
				}
				if err := Validate(vlanAttrs, vlanInfoSchema); err != nil {
					return nil, ResultError, err
				}
				if v, ok := vlanAttrs[IFLA_VLAN_ID]; ok {
					ev.VlanID = attrU16(v)
				}
			}
		}
	}

	// Only the egress link itself, or a link whose parent it is (such as
	// a VLAN sub-interface riding on it), is surfaced.
	if ifindex != cfg.EgressIfindex && parentIdx != cfg.EgressIfindex {
		return nil, ResultOK, nil
	}

	return ev, ResultOK, nil
}
