// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package capture brings raw frames into the engine. Live traffic comes from
// AF_PACKET rings joined into a flow-hash fanout group so one flow always
// lands on the same worker; recorded traffic replays from pcap files through
// the same interface.
package capture

import (
	"time"

	"github.com/gopacket/gopacket"

	"grimm.is/dragnet/internal/errors"
)

// ErrTimeout reports that no frame arrived within the poll window. Workers
// treat it as a chance to check for shutdown, not as a failure.
var ErrTimeout = errors.New(errors.KindTimeout, "no packet within poll window")

const (
	// DefaultSnapLen is how many bytes of each frame the ring keeps.
	DefaultSnapLen = 65536

	// DefaultBufferMB is the per-worker ring size target.
	DefaultBufferMB = 64

	// DefaultPollTimeout bounds how long a read blocks, and with it the
	// worker's shutdown latency.
	DefaultPollTimeout = 100 * time.Millisecond
)

// PrefilterMode selects the kernel-side EtherType filter.
type PrefilterMode string

const (
	// PrefilterOff delivers every frame, so drop accounting sees non-IP
	// traffic too.
	PrefilterOff PrefilterMode = "off"
	// PrefilterClassic drops non-IP, non-VLAN frames with a classic BPF
	// program.
	PrefilterClassic PrefilterMode = "classic"
	// PrefilterEBPF does the same with an eBPF socket filter.
	PrefilterEBPF PrefilterMode = "ebpf"
)

// ParsePrefilterMode validates a mode string from configuration.
func ParsePrefilterMode(s string) (PrefilterMode, error) {
	switch PrefilterMode(s) {
	case PrefilterOff, PrefilterClassic, PrefilterEBPF:
		return PrefilterMode(s), nil
	case "":
		return PrefilterOff, nil
	}
	return "", errors.Errorf(errors.KindValidation, "unknown prefilter mode %q", s)
}

// Config sizes one ring.
type Config struct {
	// Interface is the NIC to capture on.
	Interface string

	// SnapLen caps how many bytes of each frame are kept.
	SnapLen int

	// BufferMB is the ring buffer size target in megabytes.
	BufferMB int

	// PollTimeout bounds a blocking read.
	PollTimeout time.Duration

	// FanoutID joins the socket into a PACKET_FANOUT_HASH group when
	// non-zero. All workers of one engine share the id.
	FanoutID uint16

	// Prefilter selects the kernel-side EtherType filter.
	Prefilter PrefilterMode
}

func (c Config) withDefaults() Config {
	if c.SnapLen <= 0 {
		c.SnapLen = DefaultSnapLen
	}
	if c.BufferMB <= 0 {
		c.BufferMB = DefaultBufferMB
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = DefaultPollTimeout
	}
	if c.Prefilter == "" {
		c.Prefilter = PrefilterOff
	}
	return c
}

// SetupOptions control what SetupInterface changes on the NIC.
type SetupOptions struct {
	// Promiscuous puts the NIC into promiscuous mode for the capture's
	// lifetime.
	Promiscuous bool

	// DisableOffloads turns off frame-rewriting NIC features (hardware
	// VLAN stripping, GRO, LRO) so the ring sees wire format frames.
	DisableOffloads bool
}

// DefaultSetupOptions enables everything; both are needed for faithful
// capture on a shared segment.
func DefaultSetupOptions() SetupOptions {
	return SetupOptions{Promiscuous: true, DisableOffloads: true}
}

// SourceStats are cumulative counters since the source was opened.
type SourceStats struct {
	// Received counts frames the source delivered or has ready.
	Received uint64 `json:"received"`

	// Dropped counts frames lost before delivery, usually to a full ring.
	Dropped uint64 `json:"dropped"`
}

// Source delivers raw Ethernet frames to one worker.
type Source interface {
	// ZeroCopyReadPacketData returns the next frame. The returned slice is
	// only valid until the next call; callers copy whatever they keep.
	ZeroCopyReadPacketData() ([]byte, gopacket.CaptureInfo, error)

	// Stats reports the source's cumulative counters.
	Stats() (SourceStats, error)

	// Close releases the source and unblocks pending reads.
	Close()
}
