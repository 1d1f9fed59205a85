// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package wire

import (
	flerrors "grimm.is/flowroute/internal/errors"
	"grimm.is/flowroute/internal/tcrule"
)

// EncodeFilter renders a tc_rule as an RTM_NEWTFILTER payload (tcmsg +
// attributes, no nlmsghdr — the transport layer stamps seq/pid/len), or
// an RTM_DELTFILTER payload when rule is nil. It is the encode half of
// the round-trip this package is built to keep lossless: for any rule
// value r written with EncodeFilter and read back with DecodeFilter,
// the decoded rule must compare byte-equal to r.
func EncodeFilter(chainNo uint32, prio uint16, rule *tcrule.Rule, cfg Config) (msgType uint16, flags uint16, payload []byte, err error) {
	if rule == nil {
		return RTM_DELTFILTER, NLM_F_REQUEST | NLM_F_ACK, encodeTcm(prio, false, chainNo, cfg), nil
	}

	b := NewBuilder()
	b.buf = encodeTcm(prio, true, chainNo, cfg)

	flowerFlags := rule.FlowerFlags
	if !cfg.LoopbackMode {
		flowerFlags &^= TCA_CLS_FLAGS_IN_HW
	}

	b.PutStrZ(TCA_KIND, "flower")
	flowerNest := b.NestStart(TCA_OPTIONS)
	b.PutU32(TCA_FLOWER_FLAGS, flowerFlags)
	encodeEthType(b, rule.Dst.Family, cfg.LoopbackMode)

	switch rule.Type {
	case tcrule.TypeForward:
		encodeForwardActions(b, rule, cfg)
	case tcrule.TypeRouteTrap:
		encodeMatchPrefix(b, rule, cfg)
		encodeSimpleGact(b, TC_ACT_TRAP)
	case tcrule.TypeRouteGoto:
		encodeMatchPrefix(b, rule, cfg)
		encodeSimpleGact(b, TC_ACT_GOTO_CHAIN|int32(rule.GotoChain))
	case tcrule.TypeTTLCheck:
		b.PutU8(TCA_FLOWER_KEY_IP_TTL, 1)
		b.PutU8(TCA_FLOWER_KEY_IP_TTL_MASK, 0xff)
		encodeSimpleGact(b, TC_ACT_TRAP)
	default:
		return 0, 0, nil, flerrors.Errorf(flerrors.KindInvariant, "cannot encode rule of type %s", rule.Type)
	}

	b.NestEnd(flowerNest)
	return RTM_NEWTFILTER, NLM_F_REQUEST | NLM_F_ACK | NLM_F_EXCL | NLM_F_CREATE, b.Bytes(), nil
}

// EncodeDropChain renders the RTM_DELTFILTER payload that drops every
// filter in chainNo at once.
func EncodeDropChain(chainNo uint32, cfg Config) (msgType uint16, flags uint16, payload []byte) {
	b := NewBuilder()
	b.buf = encodeTcmInfo(0, cfg)
	b.PutU32(TCA_CHAIN, chainNo)
	return RTM_DELTFILTER, NLM_F_REQUEST | NLM_F_ACK, b.Bytes()
}

func encodeTcm(prio uint16, withProto bool, chainNo uint32, cfg Config) []byte {
	var info uint32
	if withProto {
		info = (uint32(prio) << 16) | uint32(htons(ETH_P_8021Q))
	} else {
		info = uint32(prio) << 16
	}
	b := NewBuilder()
	b.buf = encodeTcmInfo(info, cfg)
	nativeEndian.PutUint32(b.buf[8:12], 1) // handle
	b.PutU32(TCA_CHAIN, chainNo)
	return b.buf
}

func encodeTcmInfo(info uint32, cfg Config) []byte {
	var tcm [tcmsgLen]byte
	tcm[0] = AF_UNSPEC
	nativeEndian.PutUint32(tcm[4:8], uint32(cfg.EgressIfindex))
	if cfg.LoopbackMode {
		nativeEndian.PutUint32(tcm[8:12], 1)
	}
	nativeEndian.PutUint32(tcm[12:16], TC_H_CLSACT_INGRESS_PARENT)
	nativeEndian.PutUint32(tcm[16:20], info)
	return tcm[:]
}

func encodeEthType(b *Builder, af tcrule.AddrFamily, loopback bool) {
	var vlanEth uint16
	switch af {
	case tcrule.AFInet:
		vlanEth = ETH_P_IP
	case tcrule.AFInet6:
		vlanEth = ETH_P_IPV6
	default:
		panic("encodeEthType: unsupported address family")
	}
	b.PutU16BE(TCA_FLOWER_KEY_VLAN_ETH_TYPE, vlanEth)

	ethType := uint16(ETH_P_8021Q)
	if loopback {
		ethType = vlanEth
	}
	b.PutU16BE(TCA_FLOWER_KEY_ETH_TYPE, ethType)
}

func encodeSimpleGact(b *Builder, action int32) {
	actsNest := b.NestStart(TCA_FLOWER_ACT)
	encodeAction(b, 1, "gact", func(b *Builder) {
		var parms [tcGenLen]byte
		nativeEndian.PutUint32(parms[8:12], uint32(action))
		b.PutBytes(TCA_GACT_PARMS, parms[:])
	})
	b.NestEnd(actsNest)
}

func encodeMatchPrefix(b *Builder, rule *tcrule.Rule, cfg Config) {
	switch rule.Dst.Family {
	case tcrule.AFInet:
		if cfg.LoopbackMode && rule.Dst.MaskLen == 0 {
			return
		}
		b.PutBytes(TCA_FLOWER_KEY_IPV4_DST, rule.Dst.Addr[:4])
		var mask [4]byte
		if rule.Dst.MaskLen > 0 {
			v := htonl(^uint32(0) << (32 - rule.Dst.MaskLen))
			nativeEndian.PutUint32(mask[:], v)
		}
		b.PutBytes(TCA_FLOWER_KEY_IPV4_DST_MASK, mask[:])
	case tcrule.AFInet6:
		b.PutBytes(TCA_FLOWER_KEY_IPV6_DST, rule.Dst.Addr[:])
		b.PutBytes(TCA_FLOWER_KEY_IPV6_DST_MASK, ipv6Mask(rule.Dst.MaskLen))
	}
}

func ipv6Mask(maskLen uint8) []byte {
	var mask [16]byte
	rem := int(128 - maskLen)
	for i := 15; i >= 0; i-- {
		if rem >= 8 {
			mask[i] = 0x00
			rem -= 8
		} else {
			mask[i] = 0xff << uint(rem)
			rem = 0
		}
	}
	return mask[:]
}

// encodeAction writes one nested TCA_FLOWER_ACT entry: its index, kind,
// and the kind-specific options nest built by fill.
func encodeAction(b *Builder, actNo uint16, kind string, fill func(*Builder)) {
	act := b.NestStart(actNo)
	b.PutStrZ(TCA_ACT_KIND, kind)
	opts := b.NestStart(TCA_ACT_OPTIONS)
	fill(b)
	b.NestEnd(opts)
	b.NestEnd(act)
}

func encodeForwardActions(b *Builder, rule *tcrule.Rule, cfg Config) {
	actsNest := b.NestStart(TCA_FLOWER_ACT)

	var actNo uint16
	actNo++
	encodeAction(b, actNo, "vlan", func(b *Builder) {
		var parms [tcGenLen + 4]byte
		nativeEndian.PutUint32(parms[8:12], TC_ACT_PIPE)
		nativeEndian.PutUint32(parms[tcGenLen:tcGenLen+4], TCA_VLAN_ACT_MODIFY)
		b.PutBytes(TCA_VLAN_PARMS, parms[:])
		b.PutU16(TCA_VLAN_PUSH_VLAN_ID, rule.VlanID)
	})

	actNo++
	encodeAction(b, actNo, "pedit", func(b *Builder) {
		encodePeditOptions(b, rule)
	})

	if rule.Dst.Family == tcrule.AFInet {
		actNo++
		encodeAction(b, actNo, "csum", func(b *Builder) {
			var parms [tcGenLen + 4]byte
			nativeEndian.PutUint32(parms[8:12], TC_ACT_PIPE)
			nativeEndian.PutUint32(parms[tcGenLen:tcGenLen+4], TCA_CSUM_UPDATE_FLAG_IPV4HDR)
			b.PutBytes(TCA_CSUM_PARMS, parms[:])
		})
	}

	actNo++
	encodeAction(b, actNo, "mirred", func(b *Builder) {
		var parms [tcGenLen + 8]byte
		nativeEndian.PutUint32(parms[8:12], TC_ACT_STOLEN)
		nativeEndian.PutUint32(parms[tcGenLen:tcGenLen+4], TCA_EGRESS_REDIR)
		nativeEndian.PutUint32(parms[tcGenLen+4:tcGenLen+8], uint32(cfg.EgressIfindex))
		b.PutBytes(TCA_MIRRED_PARMS, parms[:])
	})

	b.NestEnd(actsNest)
}

func encodePeditOptions(b *Builder, rule *tcrule.Rule) {
	const nkeys = 4
	lladdr := make([]byte, 0, 12)
	lladdr = append(lladdr, rule.DstMAC[:]...)
	lladdr = append(lladdr, rule.SrcMAC[:]...)

	keysNest := b.NestStart(TCA_PEDIT_KEYS_EX)
	for i := 0; i < 3; i++ {
		exKey := b.NestStart(TCA_PEDIT_KEY_EX)
		b.PutU16(TCA_PEDIT_KEY_EX_CMD, PeditCmdSet)
		b.PutU16(TCA_PEDIT_KEY_EX_HTYPE, PeditHdrTypeEth)
		b.NestEnd(exKey)
	}
	exKey := b.NestStart(TCA_PEDIT_KEY_EX)
	b.PutU16(TCA_PEDIT_KEY_EX_CMD, PeditCmdAdd)
	var ttlHtype uint16
	switch rule.Dst.Family {
	case tcrule.AFInet:
		ttlHtype = PeditHdrTypeIP4
	case tcrule.AFInet6:
		ttlHtype = PeditHdrTypeIP6
	}
	b.PutU16(TCA_PEDIT_KEY_EX_HTYPE, ttlHtype)
	b.NestEnd(exKey)
	b.NestEnd(keysNest)

	sel := make([]byte, tcGenLen+4+nkeys*peditKeyLen)
	nativeEndian.PutUint32(sel[8:12], TC_ACT_PIPE)
	sel[tcGenLen] = nkeys

	keyBase := tcGenLen + 4
	for i := 0; i < 3; i++ {
		off := keyBase + i*peditKeyLen
		word := nativeEndian.Uint32(lladdr[i*4 : i*4+4])
		nativeEndian.PutUint32(sel[off:off+4], 0)       // mask
		nativeEndian.PutUint32(sel[off+4:off+8], word)  // val
		nativeEndian.PutUint32(sel[off+8:off+12], uint32(i<<2)) // off
	}

	off := keyBase + 3*peditKeyLen
	switch rule.Dst.Family {
	case tcrule.AFInet:
		nativeEndian.PutUint32(sel[off:off+4], htonl(0x00ffffff))   // mask
		nativeEndian.PutUint32(sel[off+4:off+8], htonl(0xff000000)) // val
		nativeEndian.PutUint32(sel[off+8:off+12], 8)                // off
	case tcrule.AFInet6:
		nativeEndian.PutUint32(sel[off:off+4], htonl(0xffffff00))   // mask
		nativeEndian.PutUint32(sel[off+4:off+8], htonl(0x000000ff)) // val
		nativeEndian.PutUint32(sel[off+8:off+12], 4)                // off
	}

	b.PutBytes(TCA_PEDIT_PARMS_EX, sel)
}
