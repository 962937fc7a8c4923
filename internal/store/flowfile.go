// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package store

import (
	"bufio"
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"

	"github.com/golang/groupcache/lru"

	"grimm.is/dragnet/internal/errors"
	"grimm.is/dragnet/internal/logging"
)

// DefaultMaxOpenFiles bounds how many per-flow files a FlowFileSink keeps
// open at once.
const DefaultMaxOpenFiles = 1000

// FlowFileSink appends records to one file per flow. Each record is a
// little-endian uint64 length prefix followed by the captured bytes, so a
// reader can walk a file without any framing heuristics. Open handles are
// kept in an LRU so a long tail of matched flows cannot exhaust file
// descriptors; evicted handles are flushed and closed, and append mode makes
// reopening transparent.
type FlowFileSink struct {
	mu     sync.Mutex
	dir    string
	cache  *lru.Cache
	open   map[string]*flowFile
	logger *logging.Logger
}

type flowFile struct {
	f *os.File
	w *bufio.Writer
}

func (ff *flowFile) close() error {
	ferr := ff.w.Flush()
	cerr := ff.f.Close()
	if ferr != nil {
		return ferr
	}
	return cerr
}

// NewFlowFileSink creates a sink writing per-flow files under dir, keeping
// at most maxOpen files open (DefaultMaxOpenFiles when <= 0).
func NewFlowFileSink(dir string, maxOpen int, logger *logging.Logger) (*FlowFileSink, error) {
	if maxOpen <= 0 {
		maxOpen = DefaultMaxOpenFiles
	}
	if logger == nil {
		logger = logging.Default()
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "create capture directory")
	}

	s := &FlowFileSink{
		dir:    dir,
		cache:  lru.New(maxOpen),
		open:   make(map[string]*flowFile),
		logger: logger.WithComponent("store"),
	}
	s.cache.OnEvicted = func(key lru.Key, value interface{}) {
		flow := key.(string)
		ff := value.(*flowFile)
		delete(s.open, flow)
		if err := ff.close(); err != nil {
			s.logger.WithError(err).Warn("Closing evicted capture file failed", "flow", flow)
		}
	}
	return s, nil
}

// Append writes one length-prefixed record to the packet's flow file.
func (s *FlowFileSink) Append(p Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ff, err := s.handle(p.Flow)
	if err != nil {
		return err
	}

	var hdr [8]byte
	binary.LittleEndian.PutUint64(hdr[:], uint64(len(p.Data)))
	if _, err := ff.w.Write(hdr[:]); err != nil {
		return errors.Wrap(err, errors.KindInternal, "write record header")
	}
	if _, err := ff.w.Write(p.Data); err != nil {
		return errors.Wrap(err, errors.KindInternal, "write record data")
	}
	return nil
}

// handle returns the open file for a flow, opening and caching it on miss.
// Callers hold s.mu.
func (s *FlowFileSink) handle(flow string) (*flowFile, error) {
	if v, ok := s.cache.Get(flow); ok {
		return v.(*flowFile), nil
	}

	path := filepath.Join(s.dir, flow+".bin")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindInternal, "open capture file for flow %s", flow)
	}

	ff := &flowFile{f: f, w: bufio.NewWriterSize(f, 32<<10)}
	s.cache.Add(flow, ff)
	s.open[flow] = ff
	return ff, nil
}

// Flush pushes buffered records of every open file to disk.
func (s *FlowFileSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var first error
	for flow, ff := range s.open {
		if err := ff.w.Flush(); err != nil && first == nil {
			first = errors.Wrapf(err, errors.KindInternal, "flush capture file for flow %s", flow)
		}
	}
	return first
}

// Close flushes and closes every open file.
func (s *FlowFileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var first error
	for flow, ff := range s.open {
		if err := ff.close(); err != nil && first == nil {
			first = errors.Wrapf(err, errors.KindInternal, "close capture file for flow %s", flow)
		}
		delete(s.open, flow)
	}
	// Handles are already closed, so drop the eviction hook before clearing.
	s.cache.OnEvicted = nil
	s.cache.Clear()
	return first
}

// OpenFiles returns how many per-flow files are currently open.
func (s *FlowFileSink) OpenFiles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.open)
}
