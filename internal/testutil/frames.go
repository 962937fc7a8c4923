// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package testutil builds synthetic Ethernet frames and pcap blobs for tests.
package testutil

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"
)

// FrameConfig describes one synthetic frame. Zero values get sensible
// defaults so tests only state what they care about.
type FrameConfig struct {
	SrcMAC  string
	DstMAC  string
	VLANs   []uint16 // outermost first; outer TPID is 802.1ad when stacked
	SrcIP   string
	DstIP   string
	Proto   string // "tcp" or "udp"
	SrcPort uint16
	DstPort uint16
	Payload []byte
}

func (c *FrameConfig) defaults() {
	if c.SrcMAC == "" {
		c.SrcMAC = "02:00:00:00:00:01"
	}
	if c.DstMAC == "" {
		c.DstMAC = "02:00:00:00:00:02"
	}
	if c.SrcIP == "" {
		c.SrcIP = "10.0.0.1"
	}
	if c.DstIP == "" {
		c.DstIP = "10.0.0.2"
	}
	if c.Proto == "" {
		c.Proto = "tcp"
	}
	if c.SrcPort == 0 {
		c.SrcPort = 40000
	}
	if c.DstPort == 0 {
		c.DstPort = 80
	}
}

// Frame serializes the configured layers into raw frame bytes.
func Frame(t testing.TB, cfg FrameConfig) []byte {
	t.Helper()
	cfg.defaults()

	srcMAC, err := net.ParseMAC(cfg.SrcMAC)
	if err != nil {
		t.Fatalf("bad src mac: %v", err)
	}
	dstMAC, err := net.ParseMAC(cfg.DstMAC)
	if err != nil {
		t.Fatalf("bad dst mac: %v", err)
	}

	srcIP := net.ParseIP(cfg.SrcIP)
	dstIP := net.ParseIP(cfg.DstIP)
	if srcIP == nil || dstIP == nil {
		t.Fatalf("bad IPs: %q %q", cfg.SrcIP, cfg.DstIP)
	}
	isV6 := srcIP.To4() == nil

	ipEtherType := layers.EthernetTypeIPv4
	if isV6 {
		ipEtherType = layers.EthernetTypeIPv6
	}

	eth := &layers.Ethernet{
		SrcMAC:       srcMAC,
		DstMAC:       dstMAC,
		EthernetType: ipEtherType,
	}

	stack := []gopacket.SerializableLayer{eth}

	// Each tag's Type points at what follows it; the preceding layer's
	// EtherType carries the tag's TPID.
	if n := len(cfg.VLANs); n > 0 {
		if n > 1 {
			eth.EthernetType = layers.EthernetTypeQinQ
		} else {
			eth.EthernetType = layers.EthernetTypeDot1Q
		}
		for i, id := range cfg.VLANs {
			next := ipEtherType
			if i < n-1 {
				next = layers.EthernetTypeDot1Q
			}
			stack = append(stack, &layers.Dot1Q{
				VLANIdentifier: id,
				Type:           next,
			})
		}
	}

	var netLayer gopacket.NetworkLayer
	if isV6 {
		ip := &layers.IPv6{
			Version:  6,
			HopLimit: 64,
			SrcIP:    srcIP,
			DstIP:    dstIP,
		}
		if cfg.Proto == "udp" {
			ip.NextHeader = layers.IPProtocolUDP
		} else {
			ip.NextHeader = layers.IPProtocolTCP
		}
		stack = append(stack, ip)
		netLayer = ip
	} else {
		ip := &layers.IPv4{
			Version: 4,
			IHL:     5,
			TTL:     64,
			SrcIP:   srcIP.To4(),
			DstIP:   dstIP.To4(),
		}
		if cfg.Proto == "udp" {
			ip.Protocol = layers.IPProtocolUDP
		} else {
			ip.Protocol = layers.IPProtocolTCP
		}
		stack = append(stack, ip)
		netLayer = ip
	}

	switch cfg.Proto {
	case "udp":
		udp := &layers.UDP{
			SrcPort: layers.UDPPort(cfg.SrcPort),
			DstPort: layers.UDPPort(cfg.DstPort),
		}
		if err := udp.SetNetworkLayerForChecksum(netLayer); err != nil {
			t.Fatalf("udp checksum layer: %v", err)
		}
		stack = append(stack, udp)
	case "tcp":
		tcp := &layers.TCP{
			SrcPort: layers.TCPPort(cfg.SrcPort),
			DstPort: layers.TCPPort(cfg.DstPort),
			Seq:     1,
			PSH:     true,
			ACK:     true,
			Window:  65535,
		}
		if err := tcp.SetNetworkLayerForChecksum(netLayer); err != nil {
			t.Fatalf("tcp checksum layer: %v", err)
		}
		stack = append(stack, tcp)
	default:
		t.Fatalf("unsupported proto %q", cfg.Proto)
	}

	if len(cfg.Payload) > 0 {
		stack = append(stack, gopacket.Payload(cfg.Payload))
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, stack...); err != nil {
		t.Fatalf("serialize frame: %v", err)
	}
	return buf.Bytes()
}

// TCPFrame builds a TCP frame with the given VLAN stack and payload.
func TCPFrame(t testing.TB, vlans []uint16, payload []byte) []byte {
	t.Helper()
	return Frame(t, FrameConfig{VLANs: vlans, Proto: "tcp", Payload: payload})
}

// UDPFrame builds a UDP frame with the given VLAN stack and payload.
func UDPFrame(t testing.TB, vlans []uint16, payload []byte) []byte {
	t.Helper()
	return Frame(t, FrameConfig{VLANs: vlans, Proto: "udp", Payload: payload})
}

// PcapBytes writes frames into an in-memory pcap, 1ms apart.
func PcapBytes(t testing.TB, frames ...[]byte) []byte {
	t.Helper()

	var buf bytes.Buffer
	w := pcapgo.NewWriter(&buf)
	if err := w.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		t.Fatalf("pcap header: %v", err)
	}

	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, frame := range frames {
		ci := gopacket.CaptureInfo{
			Timestamp:     ts,
			CaptureLength: len(frame),
			Length:        len(frame),
		}
		if err := w.WritePacket(ci, frame); err != nil {
			t.Fatalf("pcap packet: %v", err)
		}
		ts = ts.Add(time.Millisecond)
	}
	return buf.Bytes()
}
