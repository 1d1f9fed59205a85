// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package wire

import (
	"encoding/binary"

	"github.com/vishvananda/netlink/nl"
	flerrors "grimm.is/flowroute/internal/errors"
)

// Kind is the expected value shape of a netlink attribute, matching the
// declarative {attr_id -> expected_kind} schema the decoder is driven by.
type Kind int

const (
	KindUnspec Kind = iota
	KindU8
	KindU16
	KindU32
	KindString
	KindBinary
	KindNested
)

// Attr is one decoded attribute: its type and raw value.
type Attr struct {
	Type  uint16
	Value []byte
}

var nativeEndian = nl.NativeEndian()

// ParseAttrs walks a flat (non-nested) netlink attribute stream and
// returns them indexed by type. It never recurses — nested attribute
// lists are walked again with ParseAttrs by the caller that owns the
// sub-schema, mirroring mnl_attr_parse_nested in the original decoder.
func ParseAttrs(data []byte) (map[uint16]Attr, error) {
	out := make(map[uint16]Attr)
	for len(data) > 0 {
		if len(data) < 4 {
			return nil, flerrors.New(flerrors.KindParse, "attribute header truncated")
		}
		alen := binary.LittleEndian.Uint16(data[0:2])
		atype := binary.LittleEndian.Uint16(data[2:4])
		if int(alen) < 4 || int(alen) > len(data) {
			return nil, flerrors.New(flerrors.KindParse, "attribute length out of range")
		}
		payload := data[4:alen]
		out[atype&0x7fff] = Attr{Type: atype & 0x7fff, Value: payload}
		// netlink attributes are 4-byte aligned.
		pad := (int(alen) + 3) &^ 3
		if pad > len(data) {
			pad = len(data)
		}
		data = data[pad:]
	}
	return out, nil
}

// ParseAttrList walks a nested attribute stream preserving duplicates and
// order, for lists whose entries all share one attribute type (e.g. a
// TCA_PEDIT_KEY_EX array) where ParseAttrs' type-keyed map would collapse
// repeats.
func ParseAttrList(data []byte) ([]Attr, error) {
	var out []Attr
	for len(data) > 0 {
		if len(data) < 4 {
			return nil, flerrors.New(flerrors.KindParse, "attribute header truncated")
		}
		alen := binary.LittleEndian.Uint16(data[0:2])
		atype := binary.LittleEndian.Uint16(data[2:4])
		if int(alen) < 4 || int(alen) > len(data) {
			return nil, flerrors.New(flerrors.KindParse, "attribute length out of range")
		}
		out = append(out, Attr{Type: atype & 0x7fff, Value: data[4:alen]})
		pad := (int(alen) + 3) &^ 3
		if pad > len(data) {
			pad = len(data)
		}
		data = data[pad:]
	}
	return out, nil
}

// Schema maps attribute ids to the kind a well-formed message carries. An
// attribute id absent from the schema is silently skipped; one present
// with the wrong observed length is a parse error.
type Schema map[uint16]Kind

// Validate checks every attribute present in attrs against schema,
// returning ERROR (a non-nil error) the moment one's observed length
// doesn't match its declared kind. Attribute ids with no schema entry are
// ignored, not validated — "unknown attributes are silently skipped."
func Validate(attrs map[uint16]Attr, schema Schema) error {
	for id, a := range attrs {
		kind, known := schema[id]
		if !known {
			continue
		}
		if err := validateKind(a.Value, kind); err != nil {
			return flerrors.Wrapf(err, flerrors.KindParse, "attribute %d", id)
		}
	}
	return nil
}

func validateKind(v []byte, kind Kind) error {
	switch kind {
	case KindU8:
		if len(v) != 1 {
			return flerrors.New(flerrors.KindParse, "expected 1 byte")
		}
	case KindU16:
		if len(v) != 2 {
			return flerrors.New(flerrors.KindParse, "expected 2 bytes")
		}
	case KindU32:
		if len(v) != 4 {
			return flerrors.New(flerrors.KindParse, "expected 4 bytes")
		}
	case KindString:
		if len(v) == 0 {
			return flerrors.New(flerrors.KindParse, "expected nul-terminated string")
		}
	case KindBinary, KindNested, KindUnspec:
		// any length accepted
	}
	return nil
}

func attrU8(a Attr) uint8   { return a.Value[0] }
func attrU16(a Attr) uint16 { return nativeEndian.Uint16(a.Value) }
func attrU32(a Attr) uint32 { return nativeEndian.Uint32(a.Value) }
func attrU16BE(a Attr) uint16 {
	return binary.BigEndian.Uint16(a.Value)
}
func attrU32BE(a Attr) uint32 {
	return binary.BigEndian.Uint32(a.Value)
}
func attrStr(a Attr) string {
	v := a.Value
	if n := len(v); n > 0 && v[n-1] == 0 {
		v = v[:n-1]
	}
	return string(v)
}

// countMaskOnes validates a prefix mask is contiguous high-bit-ones and
// returns its length, or (0, false) if non-contiguous — the non-contiguous
// case marks the owning rule ALIEN.
func countMaskOnes(mask []byte) (uint8, bool) {
	var ones uint8
	for i, octet := range mask {
		switch octet {
		case 0xff:
			ones += 8
		case 0x00:
			return ones, true
		default:
			bits := 0
			for b := octet; b&0x80 != 0; b <<= 1 {
				bits++
			}
			// remaining bits of this byte and everything after must be zero
			// for the mask to be contiguous high-bit-ones.
			lowMask := byte(0xff >> uint(bits))
			if octet&lowMask != 0 {
				return 0, false
			}
			for _, rest := range mask[i+1:] {
				if rest != 0 {
					return 0, false
				}
			}
			return ones + uint8(bits), true
		}
	}
	return ones, true
}
