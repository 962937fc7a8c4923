// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package metrics

import (
	"strconv"
	"sync"
	"time"

	"grimm.is/dragnet/internal/clock"
	"grimm.is/dragnet/internal/logging"
)

// Ethernet wire overhead per frame, on top of the bytes the ring delivers:
// preamble+SFD, minimum inter-packet gap, and the FCS the NIC strips.
const (
	preambleBytes = 8
	ipgBytes      = 12
	fcsBytes      = 4
	frameOverhead = preambleBytes + ipgBytes + fcsBytes
)

// WorkerSnapshot is one worker's counters at a point in time.
type WorkerSnapshot struct {
	Worker       int
	Received     uint64
	Bytes        uint64
	Untracked    uint64
	Scans        uint64
	Matches      uint64
	Captured     uint64
	CaptureDrops uint64
	QueueDepth   int
	ParseDrops   map[string]uint64
}

// FlowTableSnapshot mirrors the flow table counters.
type FlowTableSnapshot struct {
	Occupancy int64
	Capacity  int
	Inserts   uint64
	Rejects   uint64
	Evictions uint64
}

// RuleSnapshot mirrors the rule registry counters.
type RuleSnapshot struct {
	Version         uint64
	Patterns        int
	Publishes       uint64
	CompileFailures uint64
}

// Source is what the collector samples. The engine implements it.
type Source interface {
	WorkerSnapshots() []WorkerSnapshot
	FlowTableSnapshot() FlowTableSnapshot
	RuleSnapshot() RuleSnapshot
}

// Collector samples a Source on an interval and mirrors it into the
// Prometheus registry, maintaining deltas for the monotonic counters and a
// wire-rate estimate per worker.
type Collector struct {
	registry *Registry
	source   Source
	logger   *logging.Logger
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}

	mu         sync.RWMutex
	lastUpdate time.Time
	wireRates  map[int]float64

	prev      map[int]WorkerSnapshot
	prevFlows FlowTableSnapshot
	prevRules RuleSnapshot
	prevTime  time.Time
}

// NewCollector creates a collector. It does not start sampling until Start.
func NewCollector(registry *Registry, source Source, logger *logging.Logger, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Collector{
		registry:  registry,
		source:    source,
		logger:    logger.WithComponent("metrics"),
		interval:  interval,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		wireRates: make(map[int]float64),
		prev:      make(map[int]WorkerSnapshot),
	}
}

// Start launches the sampling loop.
func (c *Collector) Start() {
	go c.run()
	c.logger.Info("Metrics collector started", "interval", c.interval)
}

// Stop halts the sampling loop.
func (c *Collector) Stop() {
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
	select {
	case <-c.doneCh:
	case <-time.After(5 * time.Second):
		c.logger.Warn("Metrics collector stop timed out")
	}
}

func (c *Collector) run() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.sample()
	for {
		select {
		case <-ticker.C:
			c.sample()
		case <-c.stopCh:
			return
		}
	}
}

// sample pulls one snapshot from the source and applies it.
func (c *Collector) sample() {
	now := clock.Now()

	workers := c.source.WorkerSnapshots()
	flows := c.source.FlowTableSnapshot()
	rls := c.source.RuleSnapshot()

	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := now.Sub(c.prevTime).Seconds()
	first := c.prevTime.IsZero()

	for _, ws := range workers {
		label := strconv.Itoa(ws.Worker)
		prev := c.prev[ws.Worker]

		c.registry.PacketsTotal.WithLabelValues(label).Add(counterDelta(ws.Received, prev.Received))
		c.registry.BytesTotal.WithLabelValues(label).Add(counterDelta(ws.Bytes, prev.Bytes))
		c.registry.UntrackedTotal.WithLabelValues(label).Add(counterDelta(ws.Untracked, prev.Untracked))
		c.registry.ScansTotal.WithLabelValues(label).Add(counterDelta(ws.Scans, prev.Scans))
		c.registry.MatchesTotal.WithLabelValues(label).Add(counterDelta(ws.Matches, prev.Matches))
		c.registry.CapturedTotal.WithLabelValues(label).Add(counterDelta(ws.Captured, prev.Captured))
		c.registry.CaptureDropsTotal.WithLabelValues(label).Add(counterDelta(ws.CaptureDrops, prev.CaptureDrops))
		c.registry.CaptureQueueDepth.WithLabelValues(label).Set(float64(ws.QueueDepth))

		for reason, n := range ws.ParseDrops {
			c.registry.ParseDropsTotal.WithLabelValues(label, reason).Add(counterDelta(n, prev.ParseDrops[reason]))
		}

		// Wire rate counts every frame's preamble, gap and FCS, the bytes
		// the ring never shows us.
		if !first && elapsed > 0 {
			payloadBytes := counterDelta(ws.Bytes, prev.Bytes)
			frames := counterDelta(ws.Received, prev.Received)
			bits := (payloadBytes + frames*frameOverhead) * 8
			rate := bits / elapsed
			c.wireRates[ws.Worker] = rate
			c.registry.WireBitsPerSec.WithLabelValues(label).Set(rate)
		}

		c.prev[ws.Worker] = ws
	}

	c.registry.FlowOccupancy.Set(float64(flows.Occupancy))
	c.registry.FlowCapacity.Set(float64(flows.Capacity))
	c.registry.FlowInsertsTotal.Add(counterDelta(flows.Inserts, c.prevFlows.Inserts))
	c.registry.FlowRejectsTotal.Add(counterDelta(flows.Rejects, c.prevFlows.Rejects))
	c.registry.FlowEvictionsTotal.Add(counterDelta(flows.Evictions, c.prevFlows.Evictions))
	c.prevFlows = flows

	c.registry.RuleVersion.Set(float64(rls.Version))
	c.registry.RulePatterns.Set(float64(rls.Patterns))
	c.registry.RulePublishesTotal.Add(counterDelta(rls.Publishes, c.prevRules.Publishes))
	c.registry.RuleCompileFailsTotal.Add(counterDelta(rls.CompileFailures, c.prevRules.CompileFailures))
	c.prevRules = rls

	c.prevTime = now
	c.lastUpdate = now
}

// counterDelta computes the increase between two counter samples, treating a
// reset (current < previous) as counting from zero.
func counterDelta(current, previous uint64) float64 {
	if current < previous {
		return float64(current)
	}
	return float64(current - previous)
}

// GetWireRates returns a copy of the last per-worker wire-rate estimates in
// bits per second.
func (c *Collector) GetWireRates() map[int]float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[int]float64, len(c.wireRates))
	for k, v := range c.wireRates {
		out[k] = v
	}
	return out
}

// GetLastUpdate returns when the collector last sampled.
func (c *Collector) GetLastUpdate() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUpdate
}
