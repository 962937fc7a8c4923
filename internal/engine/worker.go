// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package engine

import (
	"io"
	"sync/atomic"

	"github.com/gopacket/gopacket"

	"grimm.is/dragnet/internal/capture"
	"grimm.is/dragnet/internal/errors"
	"grimm.is/dragnet/internal/flowtable"
	"grimm.is/dragnet/internal/logging"
	"grimm.is/dragnet/internal/netutil"
	"grimm.is/dragnet/internal/packet"
	"grimm.is/dragnet/internal/rules"
	"grimm.is/dragnet/internal/store"
)

// Worker owns one capture source end to end: read, parse, flow lookup, scan,
// capture. Nothing a worker touches per packet is shared except the flow
// table and the rule registry, both of which are wait-free on the read side.
type Worker struct {
	id          int
	source      capture.Source
	writer      *store.Writer
	handle      *rules.Handle
	table       *flowtable.Table
	hub         *Hub
	logger      *logging.Logger
	payloadOnly bool
	pinCPU      int // -1 leaves scheduling to the runtime

	received     atomic.Uint64
	bytesIn      atomic.Uint64
	readErrors   atomic.Uint64
	untracked    atomic.Uint64
	scans        atomic.Uint64
	matches      atomic.Uint64
	captured     atomic.Uint64
	captureDrops atomic.Uint64
	parseDrops   [packet.NumDropReasons]atomic.Uint64
}

// maxConsecutiveReadFailures is how many unexpected read errors in a row a
// worker tolerates before giving up on its source. Transient faults (a NIC
// reset, a blip in the ring) should not cost a worker for the rest of the
// run.
const maxConsecutiveReadFailures = 8

// run reads from the source until it is exhausted, fails, or stop is closed.
// Poll timeouts bound how long a quiet source can delay the stop check.
func (w *Worker) run(stopCh <-chan struct{}) {
	if w.pinCPU >= 0 {
		if err := pinToCPU(w.pinCPU); err != nil {
			w.logger.WithError(err).Warn("CPU pinning unavailable", "worker", w.id, "cpu", w.pinCPU)
		} else {
			w.logger.Debug("Worker pinned", "worker", w.id, "cpu", w.pinCPU)
		}
	}

	failures := 0
	for {
		select {
		case <-stopCh:
			return
		default:
		}

		frame, ci, err := w.source.ZeroCopyReadPacketData()
		if err != nil {
			if errors.Is(err, capture.ErrTimeout) {
				continue
			}
			if errors.Is(err, io.EOF) {
				w.logger.Info("Packet source exhausted", "worker", w.id)
				return
			}
			select {
			case <-stopCh:
				// Source was torn down under us; not a failure.
				return
			default:
			}
			w.readErrors.Add(1)
			failures++
			if failures >= maxConsecutiveReadFailures {
				w.logger.WithError(err).Error("Packet source failed, worker stopping",
					"worker", w.id, "consecutive_failures", failures)
				return
			}
			w.logger.WithError(err).Warn("Packet read failed, retrying",
				"worker", w.id, "consecutive_failures", failures)
			continue
		}
		failures = 0
		w.handlePacket(frame, ci)
	}
}

// handlePacket walks one frame through the state machine. The frame buffer
// belongs to the ring and is only valid until the next read, so anything
// persisted is copied inside capture.
func (w *Worker) handlePacket(frame []byte, ci gopacket.CaptureInfo) {
	w.received.Add(1)
	w.bytesIn.Add(uint64(len(frame)))

	// Between packets is the one safe point to adopt a newer rule set:
	// every packet is scanned against exactly one version.
	w.handle.Refresh()

	hdr, err := packet.Parse(frame)
	if err != nil {
		w.parseDrops[packet.DropIndex(err)].Add(1)
		return
	}

	key := hdr.Key()
	now := ci.Timestamp.UnixNano()

	entry, err := w.table.LookupOrInsert(key, now)
	if err != nil {
		// Table full. The flow stays untracked: scan every packet
		// statelessly rather than go blind.
		w.untracked.Add(1)
		w.scanUntracked(&hdr, &key, frame, ci)
		return
	}

	entry.Touch(now, len(frame))

	if entry.Matched() {
		w.capture(&key, &hdr, frame, ci, entry.RuleVersion())
		return
	}

	entry.BeginScan()
	w.scans.Add(1)
	set := w.handle.Set()
	payload := hdr.Payload(frame)
	if !set.Match(payload) {
		entry.EndScan()
		return
	}

	// Exactly one worker wins the transition to Matched; only the winner
	// emits the event. Everyone who saw the match captures the packet.
	if entry.MarkMatched(set.Version) {
		w.matches.Add(1)
		w.hub.Publish(w.matchEvent(&hdr, &key, ci, set, payload))
	}
	w.capture(&key, &hdr, frame, ci, set.Version)
}

// scanUntracked handles traffic the table rejected. Every matching packet
// emits an event and is captured; there is no entry to record the match on.
func (w *Worker) scanUntracked(hdr *packet.Header, key *packet.Key, frame []byte, ci gopacket.CaptureInfo) {
	w.scans.Add(1)
	set := w.handle.Set()
	payload := hdr.Payload(frame)
	if !set.Match(payload) {
		return
	}
	w.matches.Add(1)
	w.hub.Publish(w.matchEvent(hdr, key, ci, set, payload))
	w.capture(key, hdr, frame, ci, set.Version)
}

// matchEvent fills the event consumers see. Pattern attribution re-runs the
// per-pattern regexps, which is fine here: this runs once per flow, not per
// packet.
func (w *Worker) matchEvent(hdr *packet.Header, key *packet.Key, ci gopacket.CaptureInfo, set *rules.Set, payload []byte) MatchEvent {
	return MatchEvent{
		Time:        ci.Timestamp,
		Worker:      w.id,
		Flow:        key.String(),
		EtherType:   netutil.EtherTypeName(hdr.EtherType),
		Proto:       netutil.ProtoName(hdr.Proto),
		SrcMAC:      netutil.FormatMAC(hdr.SrcMAC[:]),
		DstMAC:      netutil.FormatMAC(hdr.DstMAC[:]),
		RuleVersion: set.Version,
		Patterns:    set.MatchPatterns(payload),
	}
}

// capture copies the bytes out of the ring buffer and hands them to the
// writer. A full queue drops the packet and counts it; the read loop never
// waits on disk.
func (w *Worker) capture(key *packet.Key, hdr *packet.Header, frame []byte, ci gopacket.CaptureInfo, version uint64) {
	data := frame
	if w.payloadOnly {
		data = hdr.Payload(frame)
		if len(data) == 0 {
			// Pure ACKs and keepalives carry nothing worth storing.
			return
		}
	}

	buf := make([]byte, len(data))
	copy(buf, data)

	err := w.writer.Submit(store.Packet{
		Flow:        key.String(),
		Timestamp:   ci.Timestamp,
		Worker:      w.id,
		RuleVersion: version,
		WireLength:  ci.Length,
		Data:        buf,
	})
	if err != nil {
		w.captureDrops.Add(1)
		return
	}
	w.captured.Add(1)
}

// parseDropCounts returns the nonzero drop counters keyed by reason label.
func (w *Worker) parseDropCounts() map[string]uint64 {
	var m map[string]uint64
	for i := range w.parseDrops {
		if n := w.parseDrops[i].Load(); n > 0 {
			if m == nil {
				m = make(map[string]uint64, len(w.parseDrops))
			}
			m[packet.DropReasons[i]] = n
		}
	}
	return m
}

// logTotals writes the worker's final counters at shutdown.
func (w *Worker) logTotals() {
	ring, _ := w.source.Stats()
	w.logger.Info("Worker totals",
		"worker", w.id,
		"received", w.received.Load(),
		"bytes", w.bytesIn.Load(),
		"read_errors", w.readErrors.Load(),
		"ring_drops", ring.Dropped,
		"untracked", w.untracked.Load(),
		"scans", w.scans.Load(),
		"matches", w.matches.Load(),
		"captured", w.captured.Load(),
		"capture_drops", w.captureDrops.Load())
}
