// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package wire

// DecodeQdisc decodes an RTM_NEWQDISC payload, surfacing it only when it
// targets the configured egress interface.
func DecodeQdisc(payload []byte, cfg Config) (*QdiscEvent, Result, error) {
	if len(payload) < tcmsgLen {
		return nil, ResultError, nil
	}
	ifindex := int(nativeEndian.Uint32(payload[4:8]))
	if ifindex != cfg.EgressIfindex {
		return nil, ResultOK, nil
	}

	attrs, err := ParseAttrs(payload[tcmsgLen:])
	if err != nil {
		return nil, ResultError, err
	}
	if err := Validate(attrs, tcSchema); err != nil {
		return nil, ResultError, err
	}

	a, ok := attrs[TCA_KIND]
	if !ok {
		return nil, ResultOK, nil
	}

	return &QdiscEvent{Ifindex: ifindex, Kind: attrStr(a)}, ResultOK, nil
}

// DecodeChain decodes an RTM_NEWCHAIN payload, surfacing chains rooted
// under the ingress clsact parent on the configured egress interface.
func DecodeChain(payload []byte, cfg Config) (*ChainEvent, Result, error) {
	if len(payload) < tcmsgLen {
		return nil, ResultError, nil
	}
	ifindex := int(nativeEndian.Uint32(payload[4:8]))
	parent := nativeEndian.Uint32(payload[12:16])

	attrs, err := ParseAttrs(payload[tcmsgLen:])
	if err != nil {
		return nil, ResultError, err
	}
	if err := Validate(attrs, tcSchema); err != nil {
		return nil, ResultError, err
	}

	chainNo := uint32(0)
	if a, ok := attrs[TCA_CHAIN]; ok {
		chainNo = attrU32(a)
	}

	if ifindex != cfg.EgressIfindex {
		return nil, ResultOK, nil
	}
	if parent != TC_H_CLSACT {
		return nil, ResultOK, nil
	}

	return &ChainEvent{Ifindex: ifindex, ChainNo: chainNo}, ResultOK, nil
}

// EncodeDumpChains builds the RTM_GETCHAIN dump-request payload.
func EncodeDumpChains(cfg Config) (msgType uint16, flags uint16, payload []byte) {
	var tcm [tcmsgLen]byte
	tcm[0] = AF_UNSPEC
	nativeEndian.PutUint32(tcm[4:8], uint32(cfg.EgressIfindex))
	nativeEndian.PutUint32(tcm[12:16], TC_H_CLSACT)
	return RTM_GETCHAIN, NLM_F_REQUEST | NLM_F_DUMP, tcm[:]
}

// EncodeDumpFilters builds the RTM_GETTFILTER dump-request payload for
// one chain under the ingress clsact parent.
func EncodeDumpFilters(chainNo uint32, cfg Config) (msgType uint16, flags uint16, payload []byte) {
	b := NewBuilder()
	var tcm [tcmsgLen]byte
	tcm[0] = AF_UNSPEC
	nativeEndian.PutUint32(tcm[4:8], uint32(cfg.EgressIfindex))
	nativeEndian.PutUint32(tcm[12:16], TC_H_CLSACT_INGRESS_PARENT)
	b.buf = tcm[:]
	b.PutU32(TCA_CHAIN, chainNo)
	return RTM_GETTFILTER, NLM_F_REQUEST | NLM_F_DUMP, b.Bytes()
}

// EncodeDumpQdisc builds the RTM_GETQDISC dump-request payload for the
// configured egress interface.
func EncodeDumpQdisc(cfg Config) (msgType uint16, flags uint16, payload []byte) {
	var tcm [tcmsgLen]byte
	tcm[0] = AF_UNSPEC
	nativeEndian.PutUint32(tcm[4:8], uint32(cfg.EgressIfindex))
	return RTM_GETQDISC, NLM_F_REQUEST | NLM_F_DUMP, tcm[:]
}
