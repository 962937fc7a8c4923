//go:build !linux
// +build !linux

package capture

import (
	"github.com/gopacket/gopacket"

	"grimm.is/dragnet/internal/errors"
	"grimm.is/dragnet/internal/logging"
)

// AFPacketSource reads from an AF_PACKET ring (Linux only; stub elsewhere).
type AFPacketSource struct{}

// NewAFPacketSource is unavailable off Linux. Use a FileSource for replay.
func NewAFPacketSource(cfg Config, logger *logging.Logger) (*AFPacketSource, error) {
	return nil, errors.New(errors.KindUnavailable, "live capture requires linux")
}

func (s *AFPacketSource) ZeroCopyReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	return nil, gopacket.CaptureInfo{}, errors.New(errors.KindUnavailable, "live capture requires linux")
}

func (s *AFPacketSource) Stats() (SourceStats, error) {
	return SourceStats{}, errors.New(errors.KindUnavailable, "live capture requires linux")
}

func (s *AFPacketSource) Close() {}
