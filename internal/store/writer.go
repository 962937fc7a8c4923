// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package store

import (
	"sync"
	"sync/atomic"
	"time"

	"grimm.is/dragnet/internal/logging"
)

// WriterConfig tunes one writer queue.
type WriterConfig struct {
	// QueueSize bounds the submit queue. When full, Submit drops.
	QueueSize int

	// BatchSize is how many appends accumulate before an early flush.
	BatchSize int

	// FlushInterval bounds how long an append can sit unflushed.
	FlushInterval time.Duration
}

// DefaultWriterConfig returns the writer defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		QueueSize:     4096,
		BatchSize:     64,
		FlushInterval: time.Second,
	}
}

// WriterStats is a point-in-time copy of a writer's counters.
type WriterStats struct {
	Accepted   uint64 `json:"accepted"`
	Dropped    uint64 `json:"dropped"`
	Written    uint64 `json:"written"`
	Failures   uint64 `json:"append_failures"`
	QueueDepth int    `json:"queue_depth"`
}

// Writer decouples packet capture from sink latency. Submit never blocks:
// when the queue is full the packet is dropped and counted. A single drain
// goroutine appends to the sink and flushes on a batch threshold or timer.
type Writer struct {
	sink   Sink
	cfg    WriterConfig
	logger *logging.Logger

	queue  chan Packet
	stopCh chan struct{}
	doneCh chan struct{}
	stopMu sync.Mutex

	accepted atomic.Uint64
	dropped  atomic.Uint64
	written  atomic.Uint64
	failures atomic.Uint64
}

// NewWriter creates a writer feeding sink. Start launches the drain loop.
func NewWriter(sink Sink, cfg WriterConfig, logger *logging.Logger) *Writer {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultWriterConfig().QueueSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultWriterConfig().BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultWriterConfig().FlushInterval
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Writer{
		sink:   sink,
		cfg:    cfg,
		logger: logger.WithComponent("store"),
		queue:  make(chan Packet, cfg.QueueSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start launches the drain goroutine.
func (w *Writer) Start() {
	go w.run()
}

// Submit queues a packet for persistence. It never blocks: if the queue is
// full the packet is dropped, the drop is counted, and ErrBackpressure is
// returned.
func (w *Writer) Submit(p Packet) error {
	select {
	case w.queue <- p:
		w.accepted.Add(1)
		return nil
	default:
		w.dropped.Add(1)
		return ErrBackpressure
	}
}

// Stats returns a copy of the writer counters.
func (w *Writer) Stats() WriterStats {
	return WriterStats{
		Accepted:   w.accepted.Load(),
		Dropped:    w.dropped.Load(),
		Written:    w.written.Load(),
		Failures:   w.failures.Load(),
		QueueDepth: len(w.queue),
	}
}

// QueueDepth returns how many packets are waiting in the queue.
func (w *Writer) QueueDepth() int {
	return len(w.queue)
}

// Close stops the drain loop and drains whatever is still queued. It does
// not close the sink: several writers may share one, so the sink's lifecycle
// belongs to whoever built it. Safe to call more than once.
func (w *Writer) Close() {
	w.stopMu.Lock()
	select {
	case <-w.stopCh:
		w.stopMu.Unlock()
		<-w.doneCh
		return
	default:
		close(w.stopCh)
	}
	w.stopMu.Unlock()

	select {
	case <-w.doneCh:
	case <-time.After(5 * time.Second):
		w.logger.Warn("Capture writer close timed out")
	}
}

func (w *Writer) run() {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	pending := 0
	for {
		select {
		case p := <-w.queue:
			w.append(p)
			pending++
			if pending >= w.cfg.BatchSize {
				w.flush()
				pending = 0
			}
		case <-ticker.C:
			if pending > 0 {
				w.flush()
				pending = 0
			}
		case <-w.stopCh:
			w.drain()
			return
		}
	}
}

// drain empties the queue after stop so accepted packets are not lost.
func (w *Writer) drain() {
	for {
		select {
		case p := <-w.queue:
			w.append(p)
		default:
			w.flush()
			return
		}
	}
}

func (w *Writer) append(p Packet) {
	if err := w.sink.Append(p); err != nil {
		w.failures.Add(1)
		w.logger.WithError(err).Warn("Capture append failed", "flow", p.Flow)
		return
	}
	w.written.Add(1)
}

func (w *Writer) flush() {
	if err := w.sink.Flush(); err != nil {
		w.logger.WithError(err).Warn("Capture flush failed")
	}
}
