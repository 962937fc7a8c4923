// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package engine runs the packet path: one worker per capture source, each
// walking frames through parse, flow lookup, scan, and capture with no locks
// shared between workers on the hot path.
package engine

import (
	"runtime"
	"sync"
	"time"

	"grimm.is/dragnet/internal/capture"
	"grimm.is/dragnet/internal/errors"
	"grimm.is/dragnet/internal/flowtable"
	"grimm.is/dragnet/internal/logging"
	"grimm.is/dragnet/internal/metrics"
	"grimm.is/dragnet/internal/rules"
	"grimm.is/dragnet/internal/store"
)

// Config tunes the engine.
type Config struct {
	// PinCPUs binds each worker's OS thread to one CPU.
	PinCPUs bool `json:"pin_cpus"`

	// PayloadOnly stores transport payloads instead of whole frames.
	PayloadOnly bool `json:"payload_only"`

	// Writer is applied to each worker's capture queue.
	Writer store.WriterConfig `json:"writer"`
}

// Stats aggregates every subsystem's counters for the control surfaces.
type Stats struct {
	UptimeSeconds float64         `json:"uptime_seconds"`
	Workers       []WorkerStats   `json:"workers"`
	FlowTable     flowtable.Stats `json:"flow_table"`
	Rules         rules.Stats     `json:"rules"`
	Events        HubStats        `json:"events"`
}

// WorkerStats is one worker's counters, including its ring and queue.
type WorkerStats struct {
	Worker       int                 `json:"worker"`
	Received     uint64              `json:"received"`
	Bytes        uint64              `json:"bytes"`
	ReadErrors   uint64              `json:"read_errors,omitempty"`
	ParseDrops   map[string]uint64   `json:"parse_drops,omitempty"`
	Untracked    uint64              `json:"untracked"`
	Scans        uint64              `json:"scans"`
	Matches      uint64              `json:"matches"`
	Captured     uint64              `json:"captured"`
	CaptureDrops uint64              `json:"capture_drops"`
	Source       capture.SourceStats `json:"source"`
	Writer       store.WriterStats   `json:"writer"`
}

// The metrics collector samples the engine directly.
var _ metrics.Source = (*Engine)(nil)

// Engine owns the workers, their writers, and the shared capture sink. The
// flow table and rule registry are injected so the control plane can reach
// them directly.
type Engine struct {
	cfg      Config
	logger   *logging.Logger
	table    *flowtable.Table
	registry *rules.Registry
	sink     store.Sink
	hub      *Hub

	sources []capture.Source
	workers []*Worker

	stopCh  chan struct{}
	doneCh  chan struct{}
	stopMu  sync.Mutex
	wg      sync.WaitGroup
	started time.Time
}

// New wires one worker per source. Workers share the sink through private
// bounded queues; everything else they own.
func New(cfg Config, sources []capture.Source, table *flowtable.Table, registry *rules.Registry, sink store.Sink, logger *logging.Logger) (*Engine, error) {
	if len(sources) == 0 {
		return nil, errors.New(errors.KindValidation, "engine needs at least one capture source")
	}
	if table == nil || registry == nil || sink == nil {
		return nil, errors.New(errors.KindValidation, "engine needs a flow table, rule registry, and capture sink")
	}
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.WithComponent("engine")

	e := &Engine{
		cfg:      cfg,
		logger:   logger,
		table:    table,
		registry: registry,
		sink:     sink,
		hub:      NewHub(),
		sources:  sources,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	ncpu := runtime.NumCPU()
	for i, src := range sources {
		pin := -1
		if cfg.PinCPUs {
			pin = i % ncpu
		}
		e.workers = append(e.workers, &Worker{
			id:          i,
			source:      src,
			writer:      store.NewWriter(sink, cfg.Writer, logger),
			handle:      registry.NewHandle(),
			table:       table,
			hub:         e.hub,
			logger:      logger,
			payloadOnly: cfg.PayloadOnly,
			pinCPU:      pin,
		})
	}
	return e, nil
}

// Start launches the sweeper, the writers, and the workers.
func (e *Engine) Start() error {
	if err := e.table.Start(); err != nil {
		return errors.Wrap(err, errors.KindInternal, "starting flow table")
	}
	for _, w := range e.workers {
		w.writer.Start()
	}
	for _, w := range e.workers {
		e.wg.Add(1)
		go func(w *Worker) {
			defer e.wg.Done()
			w.run(e.stopCh)
		}(w)
	}
	go func() {
		e.wg.Wait()
		close(e.doneCh)
	}()
	e.started = time.Now()
	e.logger.Info("Engine started",
		"workers", len(e.workers),
		"pin_cpus", e.cfg.PinCPUs,
		"payload_only", e.cfg.PayloadOnly,
		"rule_version", e.registry.Version())
	return nil
}

// Stop halts the workers, drains the capture queues, closes the sink, and
// logs each worker's final totals. Safe to call more than once.
func (e *Engine) Stop() error {
	e.stopMu.Lock()
	select {
	case <-e.stopCh:
		e.stopMu.Unlock()
		return nil
	default:
		close(e.stopCh)
	}
	e.stopMu.Unlock()

	// Workers notice the stop within one poll timeout. Close the sources
	// only after they exit so no read races a teardown.
	if !e.started.IsZero() {
		select {
		case <-e.doneCh:
		case <-time.After(5 * time.Second):
			e.logger.Warn("Workers did not stop in time")
		}
	}

	for _, src := range e.sources {
		src.Close()
	}
	for _, w := range e.workers {
		w.writer.Close()
	}
	if err := e.sink.Close(); err != nil {
		e.logger.WithError(err).Warn("Capture sink close failed")
	}
	if err := e.table.Stop(); err != nil {
		e.logger.WithError(err).Warn("Flow table stop failed")
	}

	for _, w := range e.workers {
		w.logTotals()
	}
	e.logger.Info("Engine stopped", "uptime", time.Since(e.started).Round(time.Millisecond))
	return nil
}

// Done returns a channel closed once every worker has exited. With file
// sources that happens when the replay is exhausted. Stop must still be
// called to flush the writers and close the sink.
func (e *Engine) Done() <-chan struct{} {
	return e.doneCh
}

// Hub returns the match event hub for subscribers.
func (e *Engine) Hub() *Hub {
	return e.hub
}

// Table returns the flow table for the control surfaces.
func (e *Engine) Table() *flowtable.Table {
	return e.table
}

// Registry returns the rule registry for the control surfaces.
func (e *Engine) Registry() *rules.Registry {
	return e.registry
}

// Uptime reports how long the engine has been running.
func (e *Engine) Uptime() time.Duration {
	if e.started.IsZero() {
		return 0
	}
	return time.Since(e.started)
}

// Stats returns a point-in-time copy of every counter the engine owns.
func (e *Engine) Stats() Stats {
	s := Stats{
		UptimeSeconds: e.Uptime().Seconds(),
		Workers:       make([]WorkerStats, 0, len(e.workers)),
		FlowTable:     e.table.Stats(),
		Rules:         e.registry.Stats(),
		Events:        e.hub.Stats(),
	}
	for _, w := range e.workers {
		ring, _ := w.source.Stats()
		s.Workers = append(s.Workers, WorkerStats{
			Worker:       w.id,
			Received:     w.received.Load(),
			Bytes:        w.bytesIn.Load(),
			ReadErrors:   w.readErrors.Load(),
			ParseDrops:   w.parseDropCounts(),
			Untracked:    w.untracked.Load(),
			Scans:        w.scans.Load(),
			Matches:      w.matches.Load(),
			Captured:     w.captured.Load(),
			CaptureDrops: w.captureDrops.Load(),
			Source:       ring,
			Writer:       w.writer.Stats(),
		})
	}
	return s
}

// WorkerSnapshots implements metrics.Source.
func (e *Engine) WorkerSnapshots() []metrics.WorkerSnapshot {
	out := make([]metrics.WorkerSnapshot, 0, len(e.workers))
	for _, w := range e.workers {
		out = append(out, metrics.WorkerSnapshot{
			Worker:       w.id,
			Received:     w.received.Load(),
			Bytes:        w.bytesIn.Load(),
			Untracked:    w.untracked.Load(),
			Scans:        w.scans.Load(),
			Matches:      w.matches.Load(),
			Captured:     w.captured.Load(),
			CaptureDrops: w.captureDrops.Load(),
			QueueDepth:   w.writer.QueueDepth(),
			ParseDrops:   w.parseDropCounts(),
		})
	}
	return out
}

// FlowTableSnapshot implements metrics.Source.
func (e *Engine) FlowTableSnapshot() metrics.FlowTableSnapshot {
	st := e.table.Stats()
	return metrics.FlowTableSnapshot{
		Occupancy: st.Occupancy,
		Capacity:  st.MaxFlows,
		Inserts:   st.Inserts,
		Rejects:   st.CapacityRejects,
		Evictions: st.Evictions,
	}
}

// RuleSnapshot implements metrics.Source.
func (e *Engine) RuleSnapshot() metrics.RuleSnapshot {
	st := e.registry.Stats()
	return metrics.RuleSnapshot{
		Version:         st.ActiveVersion,
		Patterns:        st.ActivePatterns,
		Publishes:       st.Publishes,
		CompileFailures: st.CompileFailures,
	}
}
