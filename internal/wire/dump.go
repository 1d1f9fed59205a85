// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package wire

// EncodeDumpLinks builds the RTM_GETLINK dump-request payload.
func EncodeDumpLinks() (msgType uint16, flags uint16, payload []byte) {
	var ifm [ifinfomsgLen]byte
	ifm[0] = AF_UNSPEC
	return RTM_GETLINK, NLM_F_REQUEST | NLM_F_DUMP, ifm[:]
}

// EncodeDumpNeigh builds the RTM_GETNEIGH dump-request payload for one
// address family.
func EncodeDumpNeigh(af uint8) (msgType uint16, flags uint16, payload []byte) {
	var ndm [ndmsgLen]byte
	ndm[0] = af
	return RTM_GETNEIGH, NLM_F_REQUEST | NLM_F_DUMP, ndm[:]
}

// EncodeDumpRoute builds the RTM_GETROUTE dump-request payload for one
// address family, scoped to the routing table the daemon is syncing.
func EncodeDumpRoute(af uint8, cfg Config) (msgType uint16, flags uint16, payload []byte) {
	b := NewBuilder()
	var rtm [rtmsgLen]byte
	rtm[0] = af
	rtm[4] = RT_TABLE_UNSPEC
	b.buf = rtm[:]
	b.PutU32(RTA_TABLE, cfg.TableID)
	return RTM_GETROUTE, NLM_F_REQUEST | NLM_F_DUMP, b.Bytes()
}
