// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package tcrule defines the fixed-size, byte-comparable rule descriptor
// the rule engine compares by raw byte equality, and the
// trait-bitset-to-type classification table that backs encode/decode.
package tcrule

import (
	"bytes"
	"encoding/binary"
	"net"
)

// Type is the semantic classification of a rule, derived entirely from
// its trait bitset.
type Type uint8

const (
	TypeUnspec Type = iota
	TypeAlien
	TypeForward
	TypeRouteTrap
	TypeRouteGoto
	TypeRouteDftGoto
	TypeTTLCheck
	typeMax
)

func (t Type) String() string {
	switch t {
	case TypeAlien:
		return "alien"
	case TypeForward:
		return "forward"
	case TypeRouteTrap:
		return "route_trap"
	case TypeRouteGoto, TypeRouteDftGoto:
		return "route_goto"
	case TypeTTLCheck:
		return "ttl_check"
	default:
		return "unspec"
	}
}

// Traits is a bitset of the actions/matches a decoded or to-be-encoded
// rule carries. The bitset fully determines Type: decoding classifies by
// exact match against expectedTraits below.
type Traits uint32

const (
	HaveAF Traits = 1 << iota
	HaveIP
	HaveGoto
	HaveTrap
	HaveTTLCheck
	HaveTTLDec
	HaveLLAddr
	HaveVLANMod
)

// HaveAFIP is the combined AF+destination-prefix trait pair ROUTE_GOTO and
// ROUTE_TRAP both require.
const HaveAFIP = HaveAF | HaveIP

var expectedTraits = map[Type]Traits{
	TypeForward:      HaveAF | HaveLLAddr | HaveTTLDec | HaveVLANMod,
	TypeTTLCheck:     HaveAF | HaveTTLCheck | HaveTrap,
	TypeRouteGoto:    HaveAFIP | HaveGoto,
	TypeRouteDftGoto: HaveAF | HaveGoto,
	TypeRouteTrap:    HaveAFIP | HaveTrap,
}

// Detect classifies traits into a Type by exact match against the trait
// table. ROUTE_DFT_GOTO is normalized to ROUTE_GOTO: the distinction is
// not load-bearing downstream, only useful while decoding a goto rule
// that happened to carry no destination constraint.
func Detect(traits Traits) Type {
	for _, t := range []Type{TypeForward, TypeTTLCheck, TypeRouteGoto, TypeRouteDftGoto, TypeRouteTrap} {
		if expectedTraits[t] == traits {
			if t == TypeRouteDftGoto {
				return TypeRouteGoto
			}
			return t
		}
	}
	return TypeAlien
}

// ExpectedTraits returns the trait bitset a rule of the given type must
// carry; used by the scheduler/encoder to stamp Traits when building a
// want descriptor from scratch.
func ExpectedTraits(t Type) Traits {
	return expectedTraits[t]
}

// AddrFamily mirrors the handful of address families this system cares
// about; kept distinct from syscall/netlink constants so tcrule has no
// platform dependency.
type AddrFamily uint8

const (
	AFUnspec AddrFamily = 0
	AFInet   AddrFamily = 2
	AFInet6  AddrFamily = 10
)

// Prefix is a fixed-size destination address/prefix-length pair. Rules
// with no destination constraint (ROUTE_DFT_GOTO's IPv4 branch,
// TTL_CHECK, FORWARD) set only Family and leave Addr and MaskLen zero.
type Prefix struct {
	Family  AddrFamily
	Addr    [16]byte
	MaskLen uint8
}

// SetDst fills Prefix from a net.IP and mask length, storing v4 addresses
// left-aligned in the first 4 bytes (mirroring af_addr.in.v4 in the
// original C union) so Bytes() stays stable regardless of family.
func (p *Prefix) SetDst(ip net.IP, maskLen uint8) {
	*p = Prefix{}
	if v4 := ip.To4(); v4 != nil {
		p.Family = AFInet
		copy(p.Addr[:4], v4)
	} else {
		p.Family = AFInet6
		copy(p.Addr[:], ip.To16())
	}
	p.MaskLen = maskLen
}

// IP reconstructs the net.IP matching the stored family.
func (p Prefix) IP() net.IP {
	switch p.Family {
	case AFInet:
		return net.IP(p.Addr[:4])
	case AFInet6:
		return net.IP(p.Addr[:])
	default:
		return nil
	}
}

// Rule is the fixed-size byte-comparable descriptor compared by raw byte
// equality throughout the rule engine. All fields must stay fixed-size
// and zero-initialized identically across encode and decode — do not
// add pointers or slices here.
type Rule struct {
	Type        Type
	VlanID      uint16
	FlowerFlags uint32
	GotoChain   uint32
	Traits      Traits
	Dst         Prefix
	TTL         uint8
	DstMAC      [6]byte
	SrcMAC      [6]byte
}

// Bytes renders the rule as a fixed-width byte image, used as the
// lost-and-found tree key and for the round-trip equality test. Field
// order and width are stable; do not reorder without updating both
// encode and decode.
func (r Rule) Bytes() []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(byte(r.Type))
	binary.Write(buf, binary.BigEndian, r.VlanID)
	binary.Write(buf, binary.BigEndian, r.FlowerFlags)
	binary.Write(buf, binary.BigEndian, r.GotoChain)
	binary.Write(buf, binary.BigEndian, uint32(r.Traits))
	buf.WriteByte(byte(r.Dst.Family))
	buf.Write(r.Dst.Addr[:])
	buf.WriteByte(r.Dst.MaskLen)
	buf.WriteByte(r.TTL)
	buf.Write(r.DstMAC[:])
	buf.Write(r.SrcMAC[:])
	return buf.Bytes()
}

// Equal reports byte-exact equality, the only comparison the rule engine
// is allowed to use to decide OK vs ALIEN.
func Equal(a, b *Rule) bool {
	if a == nil || b == nil {
		return a == b
	}
	return bytes.Equal(a.Bytes(), b.Bytes())
}

// Compare orders two rules by their byte image, for the lost-and-found
// tree's ordering.
func Compare(a, b *Rule) int {
	return bytes.Compare(a.Bytes(), b.Bytes())
}

var zeroMAC [6]byte

// IsZeroMAC reports whether mac is the all-zero address.
func IsZeroMAC(mac [6]byte) bool {
	return mac == zeroMAC
}
