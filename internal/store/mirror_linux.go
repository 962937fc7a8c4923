// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package store

import (
	"net"
	"sync"

	"github.com/mdlayher/packet"

	"grimm.is/dragnet/internal/errors"
	"grimm.is/dragnet/internal/logging"
)

// MirrorSink re-transmits captured frames onto another interface, feeding an
// external analyzer a live copy of matched traffic. Frames go out exactly as
// captured; the destination MAC in the frame is used as the link address.
type MirrorSink struct {
	mu     sync.Mutex
	conn   *packet.Conn
	iface  string
	logger *logging.Logger
}

// NewMirrorSink opens a raw socket bound to iface for transmit.
func NewMirrorSink(iface string, logger *logging.Logger) (*MirrorSink, error) {
	if logger == nil {
		logger = logging.Default()
	}
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindNotFound, "mirror interface %s", iface)
	}
	conn, err := packet.Listen(ifi, packet.Raw, 0, nil)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindUnavailable, "open mirror socket on %s", iface)
	}
	return &MirrorSink{
		conn:   conn,
		iface:  iface,
		logger: logger.WithComponent("store"),
	}, nil
}

// Append transmits one frame.
func (s *MirrorSink) Append(p Packet) error {
	if len(p.Data) < 6 {
		return errors.New(errors.KindValidation, "frame too short to mirror")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.WriteTo(p.Data, &packet.Addr{HardwareAddr: net.HardwareAddr(p.Data[:6])})
	return errors.Wrap(err, errors.KindUnavailable, "mirror transmit")
}

// Flush is a no-op; frames leave on Append.
func (s *MirrorSink) Flush() error { return nil }

// Close shuts the socket.
func (s *MirrorSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close()
}
