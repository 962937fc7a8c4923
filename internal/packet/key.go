// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package packet

import (
	"encoding/binary"
	"net/netip"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Key identifies a flow: VLAN stack plus directional five-tuple. The type is
// comparable so it can index a sync.Map directly; the two directions of a
// connection are distinct flows, matching the capture-file layout.
type Key struct {
	SrcIP     netip.Addr
	DstIP     netip.Addr
	SrcPort   uint16
	DstPort   uint16
	Proto     uint8
	VLANDepth uint8
	VLANs     [MaxVLANDepth]uint16
}

// Key derives the flow key from a parsed header.
func (h *Header) Key() Key {
	k := Key{
		SrcIP:     h.SrcIP,
		DstIP:     h.DstIP,
		SrcPort:   h.SrcPort,
		DstPort:   h.DstPort,
		Proto:     h.Proto,
		VLANDepth: uint8(h.VLANCount),
	}
	for i := 0; i < h.VLANCount; i++ {
		k.VLANs[i] = h.VLANs[i].ID
	}
	return k
}

// Hash returns a stable 64-bit hash of the key, used for shard selection.
func (k *Key) Hash() uint64 {
	var buf [54]byte
	src := k.SrcIP.As16()
	dst := k.DstIP.As16()
	copy(buf[0:16], src[:])
	copy(buf[16:32], dst[:])
	binary.LittleEndian.PutUint16(buf[32:34], k.SrcPort)
	binary.LittleEndian.PutUint16(buf[34:36], k.DstPort)
	buf[36] = k.Proto
	buf[37] = k.VLANDepth
	for i := 0; i < int(k.VLANDepth); i++ {
		binary.LittleEndian.PutUint16(buf[38+2*i:40+2*i], k.VLANs[i])
	}
	return xxhash.Sum64(buf[:38+2*int(k.VLANDepth)])
}

// String renders the key in the filename-safe form the capture store uses:
// [vlanA.B_]proto_src_sport_dst_dport, with IPv6 colons swapped for dashes.
func (k *Key) String() string {
	var sb strings.Builder
	sb.Grow(64)

	if k.VLANDepth > 0 {
		sb.WriteString("vlan")
		for i := 0; i < int(k.VLANDepth); i++ {
			if i > 0 {
				sb.WriteByte('.')
			}
			sb.WriteString(strconv.Itoa(int(k.VLANs[i])))
		}
		sb.WriteByte('_')
	}

	switch k.Proto {
	case ProtoTCP:
		sb.WriteString("tcp")
	case ProtoUDP:
		sb.WriteString("udp")
	default:
		sb.WriteString("proto")
		sb.WriteString(strconv.Itoa(int(k.Proto)))
	}

	sb.WriteByte('_')
	sb.WriteString(addrToken(k.SrcIP))
	sb.WriteByte('_')
	sb.WriteString(strconv.Itoa(int(k.SrcPort)))
	sb.WriteByte('_')
	sb.WriteString(addrToken(k.DstIP))
	sb.WriteByte('_')
	sb.WriteString(strconv.Itoa(int(k.DstPort)))

	return sb.String()
}

func addrToken(a netip.Addr) string {
	s := a.String()
	if strings.IndexByte(s, ':') >= 0 {
		s = strings.ReplaceAll(s, ":", "-")
	}
	return s
}
