//go:build !linux
// +build !linux

package store

import (
	"grimm.is/dragnet/internal/errors"
	"grimm.is/dragnet/internal/logging"
)

// MirrorSink re-transmits captured frames (Linux only; stub elsewhere).
type MirrorSink struct{}

// NewMirrorSink is unavailable off Linux.
func NewMirrorSink(iface string, logger *logging.Logger) (*MirrorSink, error) {
	return nil, errors.New(errors.KindUnavailable, "packet mirroring requires linux")
}

func (s *MirrorSink) Append(p Packet) error {
	return errors.New(errors.KindUnavailable, "packet mirroring requires linux")
}

func (s *MirrorSink) Flush() error { return nil }

func (s *MirrorSink) Close() error { return nil }
