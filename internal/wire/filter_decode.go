// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package wire

import (
	"sort"

	flerrors "grimm.is/flowroute/internal/errors"
	"grimm.is/flowroute/internal/tcrule"
)

// tcmsgLen is the fixed header of RTM_NEWTFILTER/RTM_DELTFILTER/
// RTM_NEWCHAIN/RTM_NEWQDISC: struct tcmsg (family pad ifindex handle
// parent info), all 4-byte fields after a 1-byte family and 3 bytes
// padding.
const tcmsgLen = 20

var tcSchema = Schema{
	TCA_KIND:    KindString,
	TCA_OPTIONS: KindNested,
	TCA_CHAIN:   KindU32,
}

var flowerSchema = Schema{
	TCA_FLOWER_ACT:               KindNested,
	TCA_FLOWER_KEY_ETH_TYPE:      KindU16,
	TCA_FLOWER_KEY_IPV4_SRC:      KindU32,
	TCA_FLOWER_KEY_IPV4_SRC_MASK: KindU32,
	TCA_FLOWER_KEY_IPV4_DST:      KindU32,
	TCA_FLOWER_KEY_IPV4_DST_MASK: KindU32,
	TCA_FLOWER_KEY_IPV6_DST:      KindBinary,
	TCA_FLOWER_KEY_IPV6_DST_MASK: KindBinary,
	TCA_FLOWER_FLAGS:             KindU32,
	TCA_FLOWER_KEY_VLAN_ETH_TYPE: KindU16,
	TCA_FLOWER_KEY_IP_TTL:        KindU8,
	TCA_FLOWER_KEY_IP_TTL_MASK:   KindU8,
}

var actAttrSchema = Schema{
	TCA_ACT_KIND:    KindString,
	TCA_ACT_OPTIONS: KindNested,
}

var gactOptSchema = Schema{TCA_GACT_PARMS: KindBinary}
var vlanOptSchema = Schema{
	TCA_VLAN_PARMS:        KindBinary,
	TCA_VLAN_PUSH_VLAN_ID: KindU16,
}
var peditOptSchema = Schema{
	TCA_PEDIT_PARMS_EX: KindBinary,
	TCA_PEDIT_KEYS_EX:  KindNested,
}
var peditKeyExSchema = Schema{
	TCA_PEDIT_KEY_EX_HTYPE: KindU16,
	TCA_PEDIT_KEY_EX_CMD:   KindU16,
}
var mirredOptSchema = Schema{TCA_MIRRED_PARMS: KindBinary}

// tcGenLen is sizeof(struct tc_gen): index, capab, action, refcnt,
// bindcnt, each a 4-byte field. The generic action field lives at
// offset 8 in every tc_action parameter blob built on top of it.
const tcGenLen = 20

// peditKeyLen is sizeof(struct tc_pedit_key): mask, val, off, at,
// offmask, shift.
const peditKeyLen = 24

// ruleDecoder accumulates trait bits for one filter while walking its
// action list; a single ALIEN marking anywhere overrides whatever was
// detected from the final trait bitset, mirroring how the original
// decoder's mark_alien short-circuits further type assignment.
type ruleDecoder struct {
	rule  tcrule.Rule
	alien bool
}

func (d *ruleDecoder) markAlien() { d.alien = true }

// DecodeFilter decodes an RTM_NEWTFILTER/RTM_DELTFILTER payload into a
// FilterEvent. A non-flower RTM_NEWTFILTER decodes as an ALIEN rule. A
// message whose handle is unset (a filter group summary row rather than
// a real filter) is skipped with (nil, ResultOK).
func DecodeFilter(msgType uint16, payload []byte) (*FilterEvent, Result, error) {
	if len(payload) < tcmsgLen {
		return nil, ResultError, nil
	}
	handle := nativeEndian.Uint32(payload[8:12])
	info := nativeEndian.Uint32(payload[16:20])
	if handle == 0 {
		return nil, ResultOK, nil
	}

	attrs, err := ParseAttrs(payload[tcmsgLen:])
	if err != nil {
		return nil, ResultError, err
	}
	if err := Validate(attrs, tcSchema); err != nil {
		return nil, ResultError, err
	}

	dec := &ruleDecoder{}

	kind := ""
	if a, ok := attrs[TCA_KIND]; ok {
		kind = attrStr(a)
	}
	if opts, ok := attrs[TCA_OPTIONS]; ok && kind == "flower" {
		if err := decodeFlower(opts.Value, dec); err != nil {
			return nil, ResultError, err
		}
	} else if msgType == RTM_NEWTFILTER {
		dec.markAlien()
	}

	chainNo := uint32(0)
	if a, ok := attrs[TCA_CHAIN]; ok {
		chainNo = attrU32(a)
	}
	prio := uint16(info >> 16)

	if msgType == RTM_NEWTFILTER {
		if dec.alien {
			dec.rule.Type = tcrule.TypeAlien
		} else {
			dec.rule.Type = tcrule.Detect(dec.rule.Traits)
		}
	}

	ev := &FilterEvent{Deleted: msgType == RTM_DELTFILTER, ChainNo: chainNo, Prio: prio}
	if !ev.Deleted {
		r := dec.rule
		ev.Rule = &r
	}
	return ev, ResultOK, nil
}

func decodeFlower(data []byte, dec *ruleDecoder) error {
	attrs, err := ParseAttrs(data)
	if err != nil {
		return err
	}
	if err := Validate(attrs, flowerSchema); err != nil {
		return err
	}

	if a, ok := attrs[TCA_FLOWER_ACT]; ok {
		if err := decodeActions(a.Value, dec); err != nil {
			return err
		}
	} else {
		dec.markAlien()
	}

	if a, ok := attrs[TCA_FLOWER_FLAGS]; ok {
		dec.rule.FlowerFlags = attrU32(a)
	}

	if a, ok := attrs[TCA_FLOWER_KEY_IP_TTL]; ok {
		if attrU8(a) == 1 {
			dec.rule.Traits |= tcrule.HaveTTLCheck
		} else {
			dec.markAlien()
		}
	}

	var vlanEthertype, ethertype uint16
	if a, ok := attrs[TCA_FLOWER_KEY_VLAN_ETH_TYPE]; ok {
		vlanEthertype = attrU16BE(a)
	}
	if a, ok := attrs[TCA_FLOWER_KEY_ETH_TYPE]; ok {
		ethertype = attrU16BE(a)
	}

	// The outer ethertype is 802.1Q, or the family's own ethertype in
	// loopback mode.
	if vlanEthertype == 0 || (ethertype != ETH_P_8021Q && ethertype != vlanEthertype) {
		dec.markAlien()
		return nil
	}

	switch vlanEthertype {
	case ETH_P_IP:
		dec.rule.Traits |= tcrule.HaveAF
		dec.rule.Dst.Family = tcrule.AFInet
		if a, ok := attrs[TCA_FLOWER_KEY_IPV4_DST]; ok {
			maskLen, ok := maskLenFromAttr(attrs, TCA_FLOWER_KEY_IPV4_DST_MASK, dec)
			if !ok {
				return nil
			}
			copy(dec.rule.Dst.Addr[:4], a.Value)
			dec.rule.Dst.MaskLen = maskLen
			dec.rule.Traits |= tcrule.HaveIP
		}
	case ETH_P_IPV6:
		dec.rule.Traits |= tcrule.HaveAF
		dec.rule.Dst.Family = tcrule.AFInet6
		if a, ok := attrs[TCA_FLOWER_KEY_IPV6_DST]; ok {
			maskLen, ok := maskLenFromAttr(attrs, TCA_FLOWER_KEY_IPV6_DST_MASK, dec)
			if !ok {
				return nil
			}
			copy(dec.rule.Dst.Addr[:], a.Value)
			dec.rule.Dst.MaskLen = maskLen
			dec.rule.Traits |= tcrule.HaveIP
		}
	default:
		dec.markAlien()
	}
	return nil
}

func maskLenFromAttr(attrs map[uint16]Attr, id uint16, dec *ruleDecoder) (uint8, bool) {
	a, ok := attrs[id]
	if !ok {
		dec.markAlien()
		return 0, false
	}
	n, ok := countMaskOnes(a.Value)
	if !ok {
		dec.markAlien()
		return 0, false
	}
	return n, true
}

func decodeActions(data []byte, dec *ruleDecoder) error {
	acts, err := ParseAttrs(data)
	if err != nil {
		return err
	}
	ids := make([]int, 0, len(acts))
	for id := range acts {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)

	for _, id := range ids {
		sub, err := ParseAttrs(acts[uint16(id)].Value)
		if err != nil {
			return err
		}
		if err := Validate(sub, actAttrSchema); err != nil {
			return err
		}
		kindAttr, ok := sub[TCA_ACT_KIND]
		if !ok {
			dec.markAlien()
			continue
		}
		kind := attrStr(kindAttr)
		opts := sub[TCA_ACT_OPTIONS].Value

		var err2 error
		switch kind {
		case "gact":
			err2 = decodeGact(opts, dec)
		case "vlan":
			err2 = decodeVlan(opts, dec)
		case "pedit":
			err2 = decodePedit(opts, dec)
		case "mirred":
			err2 = decodeMirred(opts, dec)
		case "csum":
			// no-op: checksum fixup carries no rule trait.
		default:
			dec.markAlien()
		}
		if err2 != nil {
			return err2
		}
	}
	return nil
}

func decodeGact(data []byte, dec *ruleDecoder) error {
	attrs, err := ParseAttrs(data)
	if err != nil {
		return err
	}
	if err := Validate(attrs, gactOptSchema); err != nil {
		return err
	}
	parms, ok := attrs[TCA_GACT_PARMS]
	if !ok || len(parms.Value) < tcGenLen {
		return flerrors.New(flerrors.KindParse, "gact parms missing or truncated")
	}
	action := nativeEndian.Uint32(parms.Value[8:12])
	if action&TC_ACT_GOTO_CHAIN == TC_ACT_GOTO_CHAIN {
		dec.rule.Traits |= tcrule.HaveGoto
		dec.rule.GotoChain = action & TC_ACT_EXT_VAL_MASK
	} else if action == TC_ACT_TRAP {
		dec.rule.Traits |= tcrule.HaveTrap
	}
	return nil
}

func decodeVlan(data []byte, dec *ruleDecoder) error {
	attrs, err := ParseAttrs(data)
	if err != nil {
		return err
	}
	if err := Validate(attrs, vlanOptSchema); err != nil {
		return err
	}
	parms, ok := attrs[TCA_VLAN_PARMS]
	if !ok || len(parms.Value) < tcGenLen+4 {
		return flerrors.New(flerrors.KindParse, "vlan parms missing or truncated")
	}
	vAction := int32(nativeEndian.Uint32(parms.Value[tcGenLen : tcGenLen+4]))
	if vAction != TCA_VLAN_ACT_MODIFY {
		dec.markAlien()
	}
	var vlanID uint16
	if a, ok := attrs[TCA_VLAN_PUSH_VLAN_ID]; ok {
		vlanID = attrU16(a)
	}
	dec.rule.Traits |= tcrule.HaveVLANMod
	dec.rule.VlanID = vlanID
	return nil
}

func decodeMirred(data []byte, dec *ruleDecoder) error {
	attrs, err := ParseAttrs(data)
	if err != nil {
		return err
	}
	if err := Validate(attrs, mirredOptSchema); err != nil {
		return err
	}
	parms, ok := attrs[TCA_MIRRED_PARMS]
	if !ok || len(parms.Value) < tcGenLen+8 {
		return flerrors.New(flerrors.KindParse, "mirred parms missing or truncated")
	}
	eaction := int32(nativeEndian.Uint32(parms.Value[tcGenLen : tcGenLen+4]))
	if eaction != TCA_EGRESS_REDIR {
		dec.markAlien()
	}
	return nil
}

type peditKeyEx struct {
	htype uint16
	cmd   uint16
}

func decodePedit(data []byte, dec *ruleDecoder) error {
	attrs, err := ParseAttrs(data)
	if err != nil {
		return err
	}
	if err := Validate(attrs, peditOptSchema); err != nil {
		return err
	}
	parms, ok := attrs[TCA_PEDIT_PARMS_EX]
	keysAttr, ok2 := attrs[TCA_PEDIT_KEYS_EX]
	if !ok || !ok2 || len(parms.Value) < tcGenLen+2 {
		return flerrors.New(flerrors.KindParse, "pedit parms missing or truncated")
	}
	nkeys := parms.Value[tcGenLen]

	keysEx, err := decodePeditKeysEx(keysAttr.Value)
	if err != nil {
		return err
	}

	if nkeys == 0 {
		dec.markAlien()
		return nil
	}

	keyBase := tcGenLen + 4 // tc_gen + nkeys/flags/pad
	var lladdr [12]byte
	haveLLAddr := false

	for i := 0; i < int(nkeys) && i < len(keysEx); i++ {
		off := keyBase + i*peditKeyLen
		if off+peditKeyLen > len(parms.Value) {
			dec.markAlien()
			return nil
		}
		key := parms.Value[off : off+peditKeyLen]
		mask := nativeEndian.Uint32(key[0:4])
		val := nativeEndian.Uint32(key[4:8])
		koff := nativeEndian.Uint32(key[8:12])

		switch keysEx[i].htype {
		case PeditHdrTypeEth:
			if keysEx[i].cmd != PeditCmdSet || koff%4 != 0 || koff > 8 {
				dec.markAlien()
				return nil
			}
			word := nativeEndian.Uint32(lladdr[koff : koff+4])
			word = (word & mask) ^ val
			nativeEndian.PutUint32(lladdr[koff:koff+4], word)
			haveLLAddr = true
		case PeditHdrTypeIP4, PeditHdrTypeIP6:
			if keysEx[i].cmd != PeditCmdAdd {
				dec.markAlien()
				return nil
			}
			dec.rule.Traits |= tcrule.HaveTTLDec
		default:
			dec.markAlien()
			return nil
		}
	}

	if haveLLAddr {
		dec.rule.Traits |= tcrule.HaveLLAddr
		copy(dec.rule.DstMAC[:], lladdr[0:6])
		copy(dec.rule.SrcMAC[:], lladdr[6:12])
	}
	return nil
}

func decodePeditKeysEx(data []byte) ([]peditKeyEx, error) {
	entries, err := ParseAttrList(data)
	if err != nil {
		return nil, err
	}

	out := make([]peditKeyEx, 0, len(entries))
	for _, entry := range entries {
		sub, err := ParseAttrs(entry.Value)
		if err != nil {
			return nil, err
		}
		if err := Validate(sub, peditKeyExSchema); err != nil {
			return nil, err
		}
		var k peditKeyEx
		if a, ok := sub[TCA_PEDIT_KEY_EX_HTYPE]; ok {
			k.htype = attrU16(a)
		}
		if a, ok := sub[TCA_PEDIT_KEY_EX_CMD]; ok {
			k.cmd = attrU16(a)
		}
		out = append(out, k)
	}
	return out, nil
}
