// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package netutil

import "fmt"

func FormatMAC(mac []byte) string {
	if len(mac) != 6 {
		return ""
	}
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x",
		mac[0], mac[1], mac[2], mac[3], mac[4], mac[5])
}

// EtherTypeName returns a human-readable name for common EtherTypes, or the
// hex value for everything else. Used in drop logs and the flows API.
func EtherTypeName(et uint16) string {
	switch et {
	case 0x0800:
		return "ipv4"
	case 0x86dd:
		return "ipv6"
	case 0x0806:
		return "arp"
	case 0x8100:
		return "vlan"
	case 0x88a8:
		return "qinq"
	case 0x88cc:
		return "lldp"
	default:
		return fmt.Sprintf("0x%04x", et)
	}
}

// ProtoName names the transport protocols dragnet classifies.
func ProtoName(proto uint8) string {
	switch proto {
	case 6:
		return "tcp"
	case 17:
		return "udp"
	default:
		return fmt.Sprintf("proto-%d", proto)
	}
}
