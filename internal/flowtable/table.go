// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package flowtable tracks per-flow scan state without locks on the packet
// path. The table is split into power-of-two shards selected by key hash;
// each shard is a sync.Map, so lookups are lock-free and LoadOrStore gives
// concurrent inserts of the same flow exactly one surviving entry. Reclaiming
// evicted entries is the garbage collector's job: a worker still holding an
// *Entry after eviction keeps valid memory, so use-after-reclaim cannot
// happen by construction.
package flowtable

import (
	"math/bits"
	"sync"
	"sync/atomic"
	"time"

	"grimm.is/dragnet/internal/clock"
	"grimm.is/dragnet/internal/errors"
	"grimm.is/dragnet/internal/logging"
	"grimm.is/dragnet/internal/packet"
)

// ErrTableFull is returned when a shard is at capacity. The caller degrades
// to untracked scanning for that packet; nothing already tracked is
// displaced.
var ErrTableFull = errors.New(errors.KindCapacity, "flow table shard full")

// Config sizes the table and its background sweep.
type Config struct {
	MaxFlows      int           `json:"max_flows"`
	Shards        int           `json:"shards"`
	IdleTimeout   time.Duration `json:"idle_timeout"`
	SweepInterval time.Duration `json:"sweep_interval"`
}

// DefaultConfig returns the default table configuration.
func DefaultConfig() Config {
	return Config{
		MaxFlows:      1 << 20,
		Shards:        256,
		IdleTimeout:   5 * time.Minute,
		SweepInterval: 1 * time.Minute,
	}
}

type shard struct {
	entries sync.Map // packet.Key -> *Entry
	count   atomic.Int64
}

// Stats is a copy of the table counters.
type Stats struct {
	Occupancy       int64  `json:"occupancy"`
	MaxFlows        int    `json:"max_flows"`
	Inserts         uint64 `json:"inserts"`
	CapacityRejects uint64 `json:"capacity_rejects"`
	Evictions       uint64 `json:"evictions"`
	Sweeps          uint64 `json:"sweeps"`
}

// FlowInfo is one row of a table snapshot.
type FlowInfo struct {
	Flow        string    `json:"flow"`
	State       string    `json:"state"`
	Packets     uint64    `json:"packets"`
	Bytes       uint64    `json:"bytes"`
	RuleVersion uint64    `json:"rule_version,omitempty"`
	LastSeen    time.Time `json:"last_seen"`
	Created     time.Time `json:"created"`
}

// Table is the concurrent flow table.
type Table struct {
	shards   []shard
	mask     uint64
	shardCap int64
	cfg      Config
	logger   *logging.Logger

	inserts   atomic.Uint64
	rejects   atomic.Uint64
	evictions atomic.Uint64
	sweeps    atomic.Uint64

	stopCh chan struct{}
	doneCh chan struct{}
	kickCh chan struct{}
	stopMu sync.Mutex
}

// New builds a table. Shard count is rounded up to a power of two and
// capacity is enforced per shard.
func New(cfg Config, logger *logging.Logger) *Table {
	if cfg.MaxFlows <= 0 {
		cfg.MaxFlows = DefaultConfig().MaxFlows
	}
	if cfg.Shards <= 0 {
		cfg.Shards = DefaultConfig().Shards
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultConfig().IdleTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	if cfg.Shards&(cfg.Shards-1) != 0 {
		cfg.Shards = 1 << bits.Len(uint(cfg.Shards))
	}
	if logger == nil {
		logger = logging.Default()
	}

	shardCap := int64(cfg.MaxFlows / cfg.Shards)
	if shardCap < 1 {
		shardCap = 1
	}

	return &Table{
		shards:   make([]shard, cfg.Shards),
		mask:     uint64(cfg.Shards - 1),
		shardCap: shardCap,
		cfg:      cfg,
		logger:   logger.WithComponent("flowtable"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		kickCh:   make(chan struct{}, 1),
	}
}

// LookupOrInsert returns the entry for key, inserting a fresh Unseen entry
// if none exists. Concurrent inserts of the same key all receive the single
// surviving entry. At shard capacity it returns ErrTableFull and nudges the
// sweeper; the capacity check is approximate under concurrency, bounded by
// the number of workers.
func (t *Table) LookupOrInsert(key packet.Key, now int64) (*Entry, error) {
	s := &t.shards[key.Hash()&t.mask]

	if v, ok := s.entries.Load(key); ok {
		return v.(*Entry), nil
	}

	if s.count.Load() >= t.shardCap {
		t.rejects.Add(1)
		select {
		case t.kickCh <- struct{}{}:
		default:
		}
		return nil, ErrTableFull
	}

	e := newEntry(now)
	if actual, loaded := s.entries.LoadOrStore(key, e); loaded {
		return actual.(*Entry), nil
	}
	s.count.Add(1)
	t.inserts.Add(1)
	return e, nil
}

// Lookup returns the entry for key without inserting.
func (t *Table) Lookup(key packet.Key) (*Entry, bool) {
	s := &t.shards[key.Hash()&t.mask]
	if v, ok := s.entries.Load(key); ok {
		return v.(*Entry), true
	}
	return nil, false
}

// Len returns the current occupancy across all shards.
func (t *Table) Len() int64 {
	var n int64
	for i := range t.shards {
		n += t.shards[i].count.Load()
	}
	return n
}

// Stats returns a copy of the table counters.
func (t *Table) Stats() Stats {
	return Stats{
		Occupancy:       t.Len(),
		MaxFlows:        t.cfg.MaxFlows,
		Inserts:         t.inserts.Load(),
		CapacityRejects: t.rejects.Load(),
		Evictions:       t.evictions.Load(),
		Sweeps:          t.sweeps.Load(),
	}
}

// Sweep removes entries idle past the configured timeout and returns how
// many it evicted. An entry touched between the idle check and the delete
// survives because CompareAndDelete only removes the exact value we
// examined; the one remaining window (touch landing just after the
// re-check) costs a re-scan of a live flow, never corruption.
func (t *Table) Sweep(now int64) int {
	timeout := t.cfg.IdleTimeout.Nanoseconds()
	evicted := 0

	for i := range t.shards {
		s := &t.shards[i]
		s.entries.Range(func(k, v any) bool {
			e := v.(*Entry)
			if now-e.LastSeen() <= timeout {
				return true
			}
			// Re-check immediately before the delete.
			if now-e.LastSeen() > timeout && s.entries.CompareAndDelete(k, v) {
				s.count.Add(-1)
				evicted++
			}
			return true
		})
	}

	t.sweeps.Add(1)
	if evicted > 0 {
		t.evictions.Add(uint64(evicted))
		t.logger.Debug("Swept expired flows", "evicted", evicted, "occupancy", t.Len())
	}
	return evicted
}

// Start launches the background sweeper.
func (t *Table) Start() error {
	go t.sweepRoutine()
	t.logger.Info("Flow table started",
		"max_flows", t.cfg.MaxFlows,
		"shards", t.cfg.Shards,
		"idle_timeout", t.cfg.IdleTimeout,
		"sweep_interval", t.cfg.SweepInterval)
	return nil
}

// Stop halts the sweeper and waits for it to exit.
func (t *Table) Stop() error {
	t.stopMu.Lock()
	select {
	case <-t.stopCh:
	default:
		close(t.stopCh)
	}
	t.stopMu.Unlock()

	timer := time.NewTimer(5 * time.Second)
	defer timer.Stop()
	select {
	case <-t.doneCh:
		t.logger.Info("Flow table stopped")
	case <-timer.C:
		t.logger.Warn("Flow table stop timed out")
	}
	return nil
}

func (t *Table) sweepRoutine() {
	defer close(t.doneCh)

	interval := t.cfg.SweepInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.Sweep(clock.Now().UnixNano())
			if next := t.tuneSweep(interval); next != interval {
				interval = next
				ticker.Reset(interval)
			}
		case <-t.kickCh:
			// A shard hit capacity; sweep early to free slots.
			t.Sweep(clock.Now().UnixNano())
		case <-t.stopCh:
			return
		}
	}
}

// tuneSweep adjusts the sweep interval to load: more often above half
// occupancy, less often below a tenth.
func (t *Table) tuneSweep(current time.Duration) time.Duration {
	count := t.Len()
	max := int64(t.cfg.MaxFlows)

	lo := 10 * time.Second
	if t.cfg.SweepInterval < lo {
		lo = t.cfg.SweepInterval
	}
	hi := 5 * time.Minute
	if t.cfg.SweepInterval > hi {
		hi = t.cfg.SweepInterval
	}

	target := current
	switch {
	case count > max/2:
		target = current / 2
		if target < lo {
			target = lo
		}
	case count < max/10:
		target = current * 2
		if target > hi {
			target = hi
		}
	default:
		return current
	}

	if target != current {
		t.logger.Info("Adaptive sweep tuning",
			"active_flows", count,
			"old_interval", current,
			"new_interval", target)
	}
	return target
}

// Snapshot copies up to limit flows, optionally filtered to the given
// states. limit <= 0 means no limit.
func (t *Table) Snapshot(limit int, states ...State) []FlowInfo {
	var want map[State]bool
	if len(states) > 0 {
		want = make(map[State]bool, len(states))
		for _, s := range states {
			want[s] = true
		}
	}

	var out []FlowInfo
	for i := range t.shards {
		s := &t.shards[i]
		done := false
		s.entries.Range(func(k, v any) bool {
			e := v.(*Entry)
			if want != nil && !want[e.State()] {
				return true
			}
			key := k.(packet.Key)
			out = append(out, FlowInfo{
				Flow:        key.String(),
				State:       e.State().String(),
				Packets:     e.Packets(),
				Bytes:       e.Bytes(),
				RuleVersion: e.RuleVersion(),
				LastSeen:    time.Unix(0, e.LastSeen()),
				Created:     time.Unix(0, e.Created()),
			})
			if limit > 0 && len(out) >= limit {
				done = true
				return false
			}
			return true
		})
		if done {
			break
		}
	}
	return out
}
