// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"grimm.is/dragnet/internal/clock"
	"grimm.is/dragnet/internal/logging"
)

type fakeSource struct {
	workers []WorkerSnapshot
	flows   FlowTableSnapshot
	rules   RuleSnapshot
}

func (f *fakeSource) WorkerSnapshots() []WorkerSnapshot    { return f.workers }
func (f *fakeSource) FlowTableSnapshot() FlowTableSnapshot { return f.flows }
func (f *fakeSource) RuleSnapshot() RuleSnapshot           { return f.rules }

func testCollector(src Source) (*Collector, *Registry) {
	reg := New()
	logger := logging.New(logging.Config{Level: logging.LevelError})
	return NewCollector(reg, src, logger, time.Second), reg
}

func TestCounterDelta_Normal(t *testing.T) {
	if d := counterDelta(1000, 500); d != 500.0 {
		t.Errorf("Expected delta 500.0, got %f", d)
	}
}

func TestCounterDelta_Reset(t *testing.T) {
	// Counter went backwards: a worker restarted. Count from zero.
	if d := counterDelta(100, 1000); d != 100.0 {
		t.Errorf("On reset, expected delta 100.0 (current value), got %f", d)
	}
}

func TestCounterDelta_Equal(t *testing.T) {
	if d := counterDelta(700, 700); d != 0.0 {
		t.Errorf("Expected delta 0.0, got %f", d)
	}
}

func TestSample_MirrorsWorkerCounters(t *testing.T) {
	src := &fakeSource{
		workers: []WorkerSnapshot{{
			Worker:     0,
			Received:   100,
			Bytes:      5000,
			Scans:      80,
			Matches:    3,
			QueueDepth: 7,
			ParseDrops: map[string]uint64{"truncated": 2},
		}},
	}
	c, reg := testCollector(src)

	c.sample()

	if got := testutil.ToFloat64(reg.PacketsTotal.WithLabelValues("0")); got != 100 {
		t.Errorf("packets: expected 100, got %f", got)
	}
	if got := testutil.ToFloat64(reg.CaptureQueueDepth.WithLabelValues("0")); got != 7 {
		t.Errorf("queue depth: expected 7, got %f", got)
	}
	if got := testutil.ToFloat64(reg.ParseDropsTotal.WithLabelValues("0", "truncated")); got != 2 {
		t.Errorf("parse drops: expected 2, got %f", got)
	}

	// Second sample carries only the increase.
	src.workers[0].Received = 250
	src.workers[0].ParseDrops = map[string]uint64{"truncated": 2, "vlan_too_deep": 1}
	c.sample()

	if got := testutil.ToFloat64(reg.PacketsTotal.WithLabelValues("0")); got != 250 {
		t.Errorf("packets after second sample: expected 250, got %f", got)
	}
	if got := testutil.ToFloat64(reg.ParseDropsTotal.WithLabelValues("0", "vlan_too_deep")); got != 1 {
		t.Errorf("new drop reason: expected 1, got %f", got)
	}
}

func TestSample_WorkerReset(t *testing.T) {
	src := &fakeSource{workers: []WorkerSnapshot{{Worker: 1, Received: 100}}}
	c, reg := testCollector(src)

	c.sample()
	src.workers[0].Received = 40
	c.sample()

	// 100 before the reset plus 40 since.
	if got := testutil.ToFloat64(reg.PacketsTotal.WithLabelValues("1")); got != 140 {
		t.Errorf("expected 140 across reset, got %f", got)
	}
}

func TestSample_WireRate(t *testing.T) {
	mock := clock.NewMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	clock.SetClock(mock)
	defer clock.Reset()

	src := &fakeSource{workers: []WorkerSnapshot{{Worker: 0, Received: 1000, Bytes: 100000}}}
	c, reg := testCollector(src)

	// First sample establishes a baseline and publishes no rate.
	c.sample()
	if rates := c.GetWireRates(); len(rates) != 0 {
		t.Fatalf("expected no wire rates after first sample, got %v", rates)
	}

	// 10 frames and 2000 payload bytes over 2 seconds. On the wire each
	// frame also costs 24 bytes of preamble, gap and FCS:
	// (2000 + 10*24) * 8 / 2 = 8960 bits per second.
	mock.Advance(2 * time.Second)
	src.workers[0].Received = 1010
	src.workers[0].Bytes = 102000
	c.sample()

	rates := c.GetWireRates()
	if rates[0] != 8960.0 {
		t.Errorf("expected 8960 bit/s, got %f", rates[0])
	}
	if got := testutil.ToFloat64(reg.WireBitsPerSec.WithLabelValues("0")); got != 8960.0 {
		t.Errorf("gauge: expected 8960 bit/s, got %f", got)
	}
	if !c.GetLastUpdate().Equal(mock.Now()) {
		t.Errorf("last update: expected %v, got %v", mock.Now(), c.GetLastUpdate())
	}
}

func TestSample_FlowAndRuleGauges(t *testing.T) {
	src := &fakeSource{
		flows: FlowTableSnapshot{Occupancy: 42, Capacity: 1 << 20, Inserts: 50, Rejects: 1, Evictions: 8},
		rules: RuleSnapshot{Version: 3, Patterns: 7, Publishes: 2, CompileFailures: 1},
	}
	c, reg := testCollector(src)

	c.sample()

	if got := testutil.ToFloat64(reg.FlowOccupancy); got != 42 {
		t.Errorf("occupancy: expected 42, got %f", got)
	}
	if got := testutil.ToFloat64(reg.FlowCapacity); got != 1<<20 {
		t.Errorf("capacity: expected %d, got %f", 1<<20, got)
	}
	if got := testutil.ToFloat64(reg.FlowEvictionsTotal); got != 8 {
		t.Errorf("evictions: expected 8, got %f", got)
	}
	if got := testutil.ToFloat64(reg.RuleVersion); got != 3 {
		t.Errorf("rule version: expected 3, got %f", got)
	}
	if got := testutil.ToFloat64(reg.RuleCompileFailsTotal); got != 1 {
		t.Errorf("compile failures: expected 1, got %f", got)
	}
}

func TestCollectorLifecycle(t *testing.T) {
	src := &fakeSource{workers: []WorkerSnapshot{{Worker: 0, Received: 5}}}
	reg := New()
	logger := logging.New(logging.Config{Level: logging.LevelError})
	c := NewCollector(reg, src, logger, 5*time.Millisecond)

	c.Start()
	time.Sleep(25 * time.Millisecond)
	c.Stop()
	c.Stop() // idempotent

	if c.GetLastUpdate().IsZero() {
		t.Error("expected at least one sample before stop")
	}
}
