// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package packet classifies raw Ethernet frames into flow headers.
//
// Parse walks the frame once, by offset, and returns everything the engine
// needs by value: no sub-slices of the input are retained and nothing is
// heap-allocated on the happy path. The input buffer belongs to the capture
// ring and is only valid until the next read, so callers must copy any bytes
// they keep (Payload returns a view for scanning, not for storage).
package packet

import (
	"encoding/binary"
	"net/netip"

	"grimm.is/dragnet/internal/errors"
)

// MaxVLANDepth bounds the 802.1Q/802.1ad stack the parser will walk. Frames
// with deeper stacks are classified unparseable rather than looping; nothing
// legitimate nests past a few tags.
const MaxVLANDepth = 8

// EtherTypes the parser understands.
const (
	etherTypeIPv4   = 0x0800
	etherTypeIPv6   = 0x86dd
	etherTypeVLAN   = 0x8100
	etherTypeQinQ   = 0x88a8
	etherTypeQinQ9K = 0x9100 // legacy double-tag TPID still seen on older gear
)

// Transport protocol numbers.
const (
	ProtoTCP = 6
	ProtoUDP = 17
)

// Classified parse failures. These are package-level sentinels so the hot
// path never allocates on a malformed frame; workers count drops by
// comparing against them.
var (
	ErrTruncated      = errors.New(errors.KindParse, "truncated frame")
	ErrVLANTooDeep    = errors.Errorf(errors.KindParse, "vlan stack deeper than %d", MaxVLANDepth)
	ErrNonIP          = errors.New(errors.KindParse, "not ipv4 or ipv6")
	ErrBadIPHeader    = errors.New(errors.KindParse, "malformed ip header")
	ErrNonTCPUDP      = errors.New(errors.KindParse, "transport not tcp or udp")
	ErrBadL4Header    = errors.New(errors.KindParse, "malformed transport header")
	ErrLengthMismatch = errors.New(errors.KindParse, "declared lengths disagree")
)

// NumDropReasons is how many distinct values DropIndex can return. Workers
// size their drop counter arrays with it.
const NumDropReasons = 8

// DropIndex maps a parse failure to its position in DropReasons. Workers
// count drops in a fixed array indexed by it.
func DropIndex(err error) int {
	switch err {
	case ErrTruncated:
		return 0
	case ErrVLANTooDeep:
		return 1
	case ErrNonIP:
		return 2
	case ErrBadIPHeader:
		return 3
	case ErrNonTCPUDP:
		return 4
	case ErrBadL4Header:
		return 5
	case ErrLengthMismatch:
		return 6
	default:
		return 7
	}
}

// DropReasons lists the metric label for each DropIndex value.
var DropReasons = []string{
	"truncated", "vlan_too_deep", "non_ip", "bad_ip_header",
	"non_tcp_udp", "bad_l4_header", "length_mismatch", "other",
}

// DropReason returns the short metric label for a parse failure.
func DropReason(err error) string {
	return DropReasons[DropIndex(err)]
}

// VLANTag is one 802.1Q tag in encapsulation order.
type VLANTag struct {
	TPID uint16
	ID   uint16 // 12-bit VLAN identifier
	PCP  uint8  // 3-bit priority code point
}

// Header is the classification of one frame. It is returned by value and
// references nothing in the source buffer.
type Header struct {
	SrcMAC [6]byte
	DstMAC [6]byte

	// EtherType of the network layer, after any VLAN tags.
	EtherType uint16

	VLANs     [MaxVLANDepth]VLANTag
	VLANCount int

	IPVersion uint8
	SrcIP     netip.Addr
	DstIP     netip.Addr

	Proto   uint8
	SrcPort uint16
	DstPort uint16

	// Payload position within the frame, derived from declared header
	// lengths rather than the capture length.
	PayloadOffset int
	PayloadLen    int
}

// Parse classifies a raw Ethernet frame. It never panics on arbitrary input;
// anything it cannot classify comes back as one of the package sentinels.
func Parse(frame []byte) (Header, error) {
	var h Header

	if len(frame) < 14 {
		return h, ErrTruncated
	}

	copy(h.DstMAC[:], frame[0:6])
	copy(h.SrcMAC[:], frame[6:12])

	etherType := binary.BigEndian.Uint16(frame[12:14])
	offset := 14

	// Walk the tag stack. Each tag is TCI + next EtherType.
	for etherType == etherTypeVLAN || etherType == etherTypeQinQ || etherType == etherTypeQinQ9K {
		if h.VLANCount == MaxVLANDepth {
			return h, ErrVLANTooDeep
		}
		if len(frame) < offset+4 {
			return h, ErrTruncated
		}
		tci := binary.BigEndian.Uint16(frame[offset : offset+2])
		h.VLANs[h.VLANCount] = VLANTag{
			TPID: etherType,
			ID:   tci & 0x0fff,
			PCP:  uint8(tci >> 13),
		}
		h.VLANCount++
		etherType = binary.BigEndian.Uint16(frame[offset+2 : offset+4])
		offset += 4
	}

	h.EtherType = etherType

	var ipEnd int
	switch etherType {
	case etherTypeIPv4:
		var err error
		ipEnd, err = parseIPv4(frame, offset, &h)
		if err != nil {
			return h, err
		}
	case etherTypeIPv6:
		var err error
		ipEnd, err = parseIPv6(frame, offset, &h)
		if err != nil {
			return h, err
		}
	default:
		return h, ErrNonIP
	}

	return h, parseTransport(frame, &h, ipEnd)
}

// parseIPv4 fills the network fields and returns the end of the IP packet
// within the frame. The frame may extend past ipEnd (Ethernet minimum-size
// padding); payload lengths always come from the declared total length.
func parseIPv4(frame []byte, offset int, h *Header) (int, error) {
	if len(frame) < offset+20 {
		return 0, ErrTruncated
	}
	vihl := frame[offset]
	if vihl>>4 != 4 {
		return 0, ErrBadIPHeader
	}
	ihl := int(vihl&0x0f) * 4
	if ihl < 20 {
		return 0, ErrBadIPHeader
	}
	if len(frame) < offset+ihl {
		return 0, ErrTruncated
	}
	totalLen := int(binary.BigEndian.Uint16(frame[offset+2 : offset+4]))
	if totalLen < ihl {
		return 0, ErrLengthMismatch
	}
	if offset+totalLen > len(frame) {
		return 0, ErrTruncated
	}

	h.IPVersion = 4
	h.Proto = frame[offset+9]
	h.SrcIP = netip.AddrFrom4([4]byte(frame[offset+12 : offset+16]))
	h.DstIP = netip.AddrFrom4([4]byte(frame[offset+16 : offset+20]))
	h.PayloadOffset = offset + ihl
	return offset + totalLen, nil
}

func parseIPv6(frame []byte, offset int, h *Header) (int, error) {
	if len(frame) < offset+40 {
		return 0, ErrTruncated
	}
	if frame[offset]>>4 != 6 {
		return 0, ErrBadIPHeader
	}
	payloadLen := int(binary.BigEndian.Uint16(frame[offset+4 : offset+6]))
	if offset+40+payloadLen > len(frame) {
		return 0, ErrTruncated
	}

	h.IPVersion = 6
	// Extension header chains land in the NonTCPUDP bucket below; the
	// engine only follows fixed-header traffic.
	h.Proto = frame[offset+6]
	h.SrcIP = netip.AddrFrom16([16]byte(frame[offset+8 : offset+24]))
	h.DstIP = netip.AddrFrom16([16]byte(frame[offset+24 : offset+40]))
	h.PayloadOffset = offset + 40
	return offset + 40 + payloadLen, nil
}

func parseTransport(frame []byte, h *Header, ipEnd int) error {
	l4Start := h.PayloadOffset
	l4Len := ipEnd - l4Start

	switch h.Proto {
	case ProtoTCP:
		if l4Len < 20 {
			return ErrLengthMismatch
		}
		h.SrcPort = binary.BigEndian.Uint16(frame[l4Start : l4Start+2])
		h.DstPort = binary.BigEndian.Uint16(frame[l4Start+2 : l4Start+4])
		dataOff := int(frame[l4Start+12]>>4) * 4
		if dataOff < 20 {
			return ErrBadL4Header
		}
		if dataOff > l4Len {
			return ErrLengthMismatch
		}
		h.PayloadOffset = l4Start + dataOff
		h.PayloadLen = l4Len - dataOff
	case ProtoUDP:
		if l4Len < 8 {
			return ErrLengthMismatch
		}
		h.SrcPort = binary.BigEndian.Uint16(frame[l4Start : l4Start+2])
		h.DstPort = binary.BigEndian.Uint16(frame[l4Start+2 : l4Start+4])
		udpLen := int(binary.BigEndian.Uint16(frame[l4Start+4 : l4Start+6]))
		if udpLen < 8 {
			return ErrBadL4Header
		}
		if udpLen > l4Len {
			return ErrLengthMismatch
		}
		h.PayloadOffset = l4Start + 8
		h.PayloadLen = udpLen - 8
	default:
		return ErrNonTCPUDP
	}
	return nil
}

// Payload returns the transport payload view into frame, bounded by both the
// declared length and the bytes actually captured.
func (h *Header) Payload(frame []byte) []byte {
	if h.PayloadOffset >= len(frame) || h.PayloadLen == 0 {
		return nil
	}
	end := h.PayloadOffset + h.PayloadLen
	if end > len(frame) {
		end = len(frame)
	}
	return frame[h.PayloadOffset:end]
}
