// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package capture

import (
	"os"
	"sync/atomic"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"

	"grimm.is/dragnet/internal/errors"
)

// FileSource replays a pcap file as if it were a live ring. Reads return
// io.EOF when the file is exhausted, which ends the worker's loop.
type FileSource struct {
	f        *os.File
	r        *pcapgo.Reader
	received atomic.Uint64
}

// NewFileSource opens an Ethernet pcap file for replay.
func NewFileSource(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindNotFound, "open replay file")
	}
	r, err := pcapgo.NewReader(f)
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, errors.KindValidation, "read pcap header")
	}
	if r.LinkType() != layers.LinkTypeEthernet {
		f.Close()
		return nil, errors.Errorf(errors.KindValidation,
			"replay file has link type %v, only ethernet is supported", r.LinkType())
	}
	return &FileSource{f: f, r: r}, nil
}

// ZeroCopyReadPacketData returns the next recorded frame.
func (s *FileSource) ZeroCopyReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	data, ci, err := s.r.ReadPacketData()
	if err != nil {
		return nil, ci, err
	}
	s.received.Add(1)
	return data, ci, nil
}

// Stats reports how many frames the replay has delivered.
func (s *FileSource) Stats() (SourceStats, error) {
	return SourceStats{Received: s.received.Load()}, nil
}

// Close closes the underlying file.
func (s *FileSource) Close() {
	s.f.Close()
}
