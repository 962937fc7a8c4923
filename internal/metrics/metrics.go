// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds all dragnet Prometheus instruments. Workers never touch
// these on the packet path; the Collector samples the engine's atomic
// counters and mirrors them here.
type Registry struct {
	// Per-worker packet path
	PacketsTotal      *prometheus.CounterVec
	BytesTotal        *prometheus.CounterVec
	ParseDropsTotal   *prometheus.CounterVec
	UntrackedTotal    *prometheus.CounterVec
	ScansTotal        *prometheus.CounterVec
	MatchesTotal      *prometheus.CounterVec
	CapturedTotal     *prometheus.CounterVec
	CaptureDropsTotal *prometheus.CounterVec
	CaptureQueueDepth *prometheus.GaugeVec
	WireBitsPerSec    *prometheus.GaugeVec

	// Flow table
	FlowOccupancy      prometheus.Gauge
	FlowCapacity       prometheus.Gauge
	FlowInsertsTotal   prometheus.Counter
	FlowRejectsTotal   prometheus.Counter
	FlowEvictionsTotal prometheus.Counter

	// Rules
	RuleVersion           prometheus.Gauge
	RulePatterns          prometheus.Gauge
	RulePublishesTotal    prometheus.Counter
	RuleCompileFailsTotal prometheus.Counter
}

// New creates an unregistered instrument set.
func New() *Registry {
	worker := []string{"worker"}
	return &Registry{
		PacketsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dragnet_packets_total",
			Help: "Total number of frames read from the capture ring",
		}, worker),
		BytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dragnet_bytes_total",
			Help: "Total number of frame bytes read from the capture ring",
		}, worker),
		ParseDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dragnet_parse_drops_total",
			Help: "Total number of frames dropped as unparseable",
		}, []string{"worker", "reason"}),
		UntrackedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dragnet_untracked_packets_total",
			Help: "Total number of packets scanned statelessly because the flow table was full",
		}, worker),
		ScansTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dragnet_scans_total",
			Help: "Total number of payload scans performed",
		}, worker),
		MatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dragnet_matches_total",
			Help: "Total number of scans that matched a rule",
		}, worker),
		CapturedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dragnet_captured_packets_total",
			Help: "Total number of packets handed to the capture store",
		}, worker),
		CaptureDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dragnet_capture_drops_total",
			Help: "Total number of packets shed because a capture queue was full",
		}, worker),
		CaptureQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dragnet_capture_queue_depth",
			Help: "Packets waiting in each worker's capture queue",
		}, worker),
		WireBitsPerSec: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dragnet_wire_bits_per_second",
			Help: "Estimated wire rate including preamble, IPG and FCS overhead",
		}, worker),

		FlowOccupancy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dragnet_flows",
			Help: "Flows currently tracked",
		}),
		FlowCapacity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dragnet_flow_capacity",
			Help: "Configured flow table capacity",
		}),
		FlowInsertsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dragnet_flow_inserts_total",
			Help: "Total number of flows inserted",
		}),
		FlowRejectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dragnet_flow_capacity_rejects_total",
			Help: "Total number of inserts rejected at shard capacity",
		}),
		FlowEvictionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dragnet_flow_evictions_total",
			Help: "Total number of flows evicted by the inactivity sweeper",
		}),

		RuleVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dragnet_rule_version",
			Help: "Version of the active rule set",
		}),
		RulePatterns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dragnet_rule_patterns",
			Help: "Patterns in the active rule set",
		}),
		RulePublishesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dragnet_rule_publishes_total",
			Help: "Total number of rule sets published",
		}),
		RuleCompileFailsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dragnet_rule_compile_failures_total",
			Help: "Total number of rule publishes rejected at compile time",
		}),
	}
}

// Describe implements prometheus.Collector
func (r *Registry) Describe(ch chan<- *prometheus.Desc) {
	r.PacketsTotal.Describe(ch)
	r.BytesTotal.Describe(ch)
	r.ParseDropsTotal.Describe(ch)
	r.UntrackedTotal.Describe(ch)
	r.ScansTotal.Describe(ch)
	r.MatchesTotal.Describe(ch)
	r.CapturedTotal.Describe(ch)
	r.CaptureDropsTotal.Describe(ch)
	r.CaptureQueueDepth.Describe(ch)
	r.WireBitsPerSec.Describe(ch)

	r.FlowOccupancy.Describe(ch)
	r.FlowCapacity.Describe(ch)
	r.FlowInsertsTotal.Describe(ch)
	r.FlowRejectsTotal.Describe(ch)
	r.FlowEvictionsTotal.Describe(ch)

	r.RuleVersion.Describe(ch)
	r.RulePatterns.Describe(ch)
	r.RulePublishesTotal.Describe(ch)
	r.RuleCompileFailsTotal.Describe(ch)
}

// Collect implements prometheus.Collector
func (r *Registry) Collect(ch chan<- prometheus.Metric) {
	r.PacketsTotal.Collect(ch)
	r.BytesTotal.Collect(ch)
	r.ParseDropsTotal.Collect(ch)
	r.UntrackedTotal.Collect(ch)
	r.ScansTotal.Collect(ch)
	r.MatchesTotal.Collect(ch)
	r.CapturedTotal.Collect(ch)
	r.CaptureDropsTotal.Collect(ch)
	r.CaptureQueueDepth.Collect(ch)
	r.WireBitsPerSec.Collect(ch)

	r.FlowOccupancy.Collect(ch)
	r.FlowCapacity.Collect(ch)
	r.FlowInsertsTotal.Collect(ch)
	r.FlowRejectsTotal.Collect(ch)
	r.FlowEvictionsTotal.Collect(ch)

	r.RuleVersion.Collect(ch)
	r.RulePatterns.Collect(ch)
	r.RulePublishesTotal.Collect(ch)
	r.RuleCompileFailsTotal.Collect(ch)
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the process-wide instrument set, registered with the
// default Prometheus registry on first use.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = New()
		prometheus.MustRegister(defaultRegistry)
	})
	return defaultRegistry
}
