// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package store

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"

	"grimm.is/dragnet/internal/errors"
	"grimm.is/dragnet/internal/logging"
)

const (
	// DefaultRotateBytes is the pcap rotation threshold.
	DefaultRotateBytes = 64 << 20

	pcapSnapLen     = 65536
	pcapFileHeader  = 24
	pcapPacketExtra = 16
)

// PcapSink writes captured frames to standard pcap files, rotating to a new
// numbered file once the current one passes the size threshold. Files are
// named <prefix>-<n>.pcap.
type PcapSink struct {
	mu       sync.Mutex
	dir      string
	prefix   string
	maxBytes int64
	logger   *logging.Logger

	seq  int
	size int64
	f    *os.File
	bw   *bufio.Writer
	w    *pcapgo.Writer
}

// NewPcapSink creates the sink and opens the first file.
func NewPcapSink(dir, prefix string, maxBytes int64, logger *logging.Logger) (*PcapSink, error) {
	if prefix == "" {
		prefix = "capture"
	}
	if maxBytes <= 0 {
		maxBytes = DefaultRotateBytes
	}
	if logger == nil {
		logger = logging.Default()
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "create capture directory")
	}

	s := &PcapSink{
		dir:      dir,
		prefix:   prefix,
		maxBytes: maxBytes,
		logger:   logger.WithComponent("store"),
	}
	if err := s.openNext(); err != nil {
		return nil, err
	}
	return s, nil
}

// Append writes one frame. Rotation happens after the write so a file always
// holds at least one packet.
func (s *PcapSink) Append(p Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	length := p.WireLength
	if length < len(p.Data) {
		length = len(p.Data)
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     p.Timestamp,
		CaptureLength: len(p.Data),
		Length:        length,
	}
	if err := s.w.WritePacket(ci, p.Data); err != nil {
		return errors.Wrap(err, errors.KindInternal, "write pcap record")
	}
	s.size += pcapPacketExtra + int64(len(p.Data))

	if s.size >= s.maxBytes {
		return s.rotate()
	}
	return nil
}

// Flush pushes buffered frames to disk.
func (s *PcapSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Wrap(s.bw.Flush(), errors.KindInternal, "flush pcap")
}

// Close flushes and closes the current file.
func (s *PcapSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCurrent()
}

// Path returns the file currently being written.
func (s *PcapSink) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentPath()
}

func (s *PcapSink) currentPath() string {
	return filepath.Join(s.dir, fmt.Sprintf("%s-%d.pcap", s.prefix, s.seq-1))
}

func (s *PcapSink) openNext() error {
	path := filepath.Join(s.dir, fmt.Sprintf("%s-%d.pcap", s.prefix, s.seq))
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, errors.KindInternal, "create pcap file %s", path)
	}

	bw := bufio.NewWriterSize(f, 64<<10)
	w := pcapgo.NewWriter(bw)
	if err := w.WriteFileHeader(pcapSnapLen, layers.LinkTypeEthernet); err != nil {
		f.Close()
		return errors.Wrap(err, errors.KindInternal, "write pcap header")
	}

	s.f = f
	s.bw = bw
	s.w = w
	s.size = pcapFileHeader
	s.seq++
	return nil
}

func (s *PcapSink) rotate() error {
	old := s.currentPath()
	if err := s.closeCurrent(); err != nil {
		return err
	}
	if err := s.openNext(); err != nil {
		return err
	}
	s.logger.Info("Rotated capture file", "closed", old, "open", s.currentPath())
	return nil
}

func (s *PcapSink) closeCurrent() error {
	if s.f == nil {
		return nil
	}
	ferr := s.bw.Flush()
	cerr := s.f.Close()
	s.f = nil
	if ferr != nil {
		return errors.Wrap(ferr, errors.KindInternal, "flush pcap")
	}
	return errors.Wrap(cerr, errors.KindInternal, "close pcap")
}
