// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flowtable

import (
	"fmt"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/dragnet/internal/errors"
	"grimm.is/dragnet/internal/logging"
	"grimm.is/dragnet/internal/packet"
)

func testKey(a, b string, sport, dport uint16) packet.Key {
	return packet.Key{
		SrcIP:   netip.MustParseAddr(a),
		DstIP:   netip.MustParseAddr(b),
		SrcPort: sport,
		DstPort: dport,
		Proto:   packet.ProtoTCP,
	}
}

func quietLogger() *logging.Logger {
	return logging.New(logging.Config{Level: logging.LevelError})
}

func TestLookupOrInsert(t *testing.T) {
	tbl := New(Config{MaxFlows: 1024, Shards: 16}, quietLogger())
	now := time.Now().UnixNano()

	k := testKey("10.0.0.1", "10.0.0.2", 1234, 80)

	e1, err := tbl.LookupOrInsert(k, now)
	require.NoError(t, err)
	e2, err := tbl.LookupOrInsert(k, now)
	require.NoError(t, err)

	assert.Same(t, e1, e2, "same key must resolve to one entry")
	assert.Equal(t, int64(1), tbl.Len())

	other, err := tbl.LookupOrInsert(testKey("10.0.0.3", "10.0.0.4", 1, 2), now)
	require.NoError(t, err)
	assert.NotSame(t, e1, other)
	assert.Equal(t, int64(2), tbl.Len())
}

func TestLookupOrInsertConcurrentOneSurvivor(t *testing.T) {
	tbl := New(Config{MaxFlows: 1024, Shards: 16}, quietLogger())
	k := testKey("192.0.2.1", "192.0.2.2", 5000, 443)
	now := time.Now().UnixNano()

	const n = 32
	entries := make([]*Entry, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			e, err := tbl.LookupOrInsert(k, now)
			if err != nil {
				t.Errorf("LookupOrInsert: %v", err)
				return
			}
			entries[i] = e
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		require.Same(t, entries[0], entries[i], "goroutine %d adopted a different entry", i)
	}
	assert.Equal(t, int64(1), tbl.Len(), "exactly one survivor")
	assert.Equal(t, uint64(1), tbl.Stats().Inserts)
}

func TestCapacityRejectsNewKeepsExisting(t *testing.T) {
	tbl := New(Config{MaxFlows: 4, Shards: 1}, quietLogger())
	now := time.Now().UnixNano()

	var keys []packet.Key
	for i := 0; i < 4; i++ {
		k := testKey("10.0.0.1", "10.0.0.2", uint16(1000+i), 80)
		keys = append(keys, k)
		_, err := tbl.LookupOrInsert(k, now)
		require.NoError(t, err)
	}

	// A fifth flow is rejected.
	_, err := tbl.LookupOrInsert(testKey("10.9.9.9", "10.0.0.2", 1, 2), now)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindCapacity))
	assert.Equal(t, uint64(1), tbl.Stats().CapacityRejects)

	// Existing flows still resolve at capacity.
	for _, k := range keys {
		e, lerr := tbl.LookupOrInsert(k, now)
		require.NoError(t, lerr, "existing flow must resolve at capacity")
		require.NotNil(t, e)
	}
	assert.Equal(t, int64(4), tbl.Len())
}

func TestMatchedEntrySurvivesCapacityPressure(t *testing.T) {
	tbl := New(Config{MaxFlows: 2, Shards: 1}, quietLogger())
	now := time.Now().UnixNano()

	k := testKey("10.0.0.1", "10.0.0.2", 1000, 80)
	e, err := tbl.LookupOrInsert(k, now)
	require.NoError(t, err)
	require.True(t, e.MarkMatched(1))

	_, err = tbl.LookupOrInsert(testKey("10.0.0.1", "10.0.0.2", 1001, 80), now)
	require.NoError(t, err)

	// Pressure from rejected inserts must not displace the matched flow.
	for i := 0; i < 10; i++ {
		_, err = tbl.LookupOrInsert(testKey("10.0.0.1", "10.0.0.2", uint16(2000+i), 80), now)
		require.Error(t, err)
	}

	got, ok := tbl.Lookup(k)
	require.True(t, ok)
	assert.Same(t, e, got)
	assert.True(t, got.Matched())
}

func TestSweepEvictsIdleOnly(t *testing.T) {
	tbl := New(Config{MaxFlows: 64, Shards: 4, IdleTimeout: time.Minute}, quietLogger())

	base := time.Now()
	now := base.UnixNano()

	idle1, err := tbl.LookupOrInsert(testKey("10.0.0.1", "10.0.0.2", 1, 80), now)
	require.NoError(t, err)
	_ = idle1
	idleMatched, err := tbl.LookupOrInsert(testKey("10.0.0.1", "10.0.0.2", 2, 80), now)
	require.NoError(t, err)
	idleMatched.MarkMatched(1)
	activeKey := testKey("10.0.0.1", "10.0.0.2", 3, 80)
	active, err := tbl.LookupOrInsert(activeKey, now)
	require.NoError(t, err)

	// Ninety seconds later only the touched flow is live.
	later := base.Add(90 * time.Second).UnixNano()
	active.Touch(later, 100)

	evicted := tbl.Sweep(later)
	assert.Equal(t, 2, evicted, "idle unseen and idle matched flows expire alike")
	assert.Equal(t, int64(1), tbl.Len())

	_, ok := tbl.Lookup(activeKey)
	assert.True(t, ok, "touched flow survives the sweep")
	assert.Equal(t, uint64(2), tbl.Stats().Evictions)
}

func TestSweepThenReinsertStartsUnseen(t *testing.T) {
	tbl := New(Config{MaxFlows: 16, Shards: 1, IdleTimeout: time.Minute}, quietLogger())
	k := testKey("10.0.0.1", "10.0.0.2", 9, 80)

	base := time.Now()
	e1, err := tbl.LookupOrInsert(k, base.UnixNano())
	require.NoError(t, err)
	e1.MarkMatched(5)

	tbl.Sweep(base.Add(2 * time.Minute).UnixNano())
	require.Equal(t, int64(0), tbl.Len())

	// The old reference stays usable; the table just forgot the flow.
	assert.True(t, e1.Matched())

	e2, err := tbl.LookupOrInsert(k, base.Add(3*time.Minute).UnixNano())
	require.NoError(t, err)
	assert.NotSame(t, e1, e2)
	assert.Equal(t, StateUnseen, e2.State(), "a forgotten flow is scanned again")
}

func TestSweeperLifecycle(t *testing.T) {
	tbl := New(Config{
		MaxFlows:      16,
		Shards:        2,
		IdleTimeout:   10 * time.Millisecond,
		SweepInterval: 5 * time.Millisecond,
	}, quietLogger())

	now := time.Now().UnixNano()
	for i := 0; i < 8; i++ {
		_, err := tbl.LookupOrInsert(testKey("10.0.0.1", "10.0.0.2", uint16(i), 80), now)
		require.NoError(t, err)
	}

	require.NoError(t, tbl.Start())

	deadline := time.After(2 * time.Second)
	for tbl.Len() > 0 {
		select {
		case <-deadline:
			t.Fatalf("sweeper never drained the table, occupancy %d", tbl.Len())
		case <-time.After(10 * time.Millisecond):
		}
	}

	require.NoError(t, tbl.Stop())
	// Stop twice must not panic or hang.
	require.NoError(t, tbl.Stop())
}

func TestSnapshot(t *testing.T) {
	tbl := New(Config{MaxFlows: 64, Shards: 4}, quietLogger())
	now := time.Now().UnixNano()

	for i := 0; i < 5; i++ {
		e, err := tbl.LookupOrInsert(testKey("10.0.0.1", "10.0.0.2", uint16(i), 80), now)
		require.NoError(t, err)
		e.Touch(now, 100)
		if i < 2 {
			e.MarkMatched(3)
		}
	}

	all := tbl.Snapshot(0)
	assert.Len(t, all, 5)

	matched := tbl.Snapshot(0, StateMatched)
	assert.Len(t, matched, 2)
	for _, fi := range matched {
		assert.Equal(t, "matched", fi.State)
		assert.Equal(t, uint64(3), fi.RuleVersion)
		assert.NotEmpty(t, fi.Flow)
	}

	limited := tbl.Snapshot(3)
	assert.Len(t, limited, 3)
}

func TestShardRounding(t *testing.T) {
	tbl := New(Config{MaxFlows: 100, Shards: 5}, quietLogger())
	assert.Equal(t, 8, len(tbl.shards), "shard count rounds up to a power of two")
}

func BenchmarkLookupOrInsertHit(b *testing.B) {
	tbl := New(Config{MaxFlows: 1 << 16, Shards: 64}, quietLogger())
	now := time.Now().UnixNano()

	keys := make([]packet.Key, 1024)
	for i := range keys {
		keys[i] = testKey("10.0.0.1", "10.0.0.2", uint16(i), 80)
		if _, err := tbl.LookupOrInsert(keys[i], now); err != nil {
			b.Fatal(err)
		}
	}

	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			if _, err := tbl.LookupOrInsert(keys[i&1023], now); err != nil {
				b.Fatal(err)
			}
			i++
		}
	})
}

func TestStatsSnapshotIsCopy(t *testing.T) {
	tbl := New(Config{MaxFlows: 16, Shards: 1}, quietLogger())
	now := time.Now().UnixNano()

	s0 := tbl.Stats()
	_, err := tbl.LookupOrInsert(testKey("10.0.0.1", "10.0.0.2", 1, 80), now)
	require.NoError(t, err)

	if s0.Inserts != 0 {
		t.Errorf("stale stats copy changed: %+v", s0)
	}
	if got := tbl.Stats().Inserts; got != 1 {
		t.Errorf("inserts = %d, want 1", got)
	}
}

// Guard against accidental key aliasing across VLAN stacks in the table.
func TestVLANStacksAreDistinctFlows(t *testing.T) {
	tbl := New(Config{MaxFlows: 64, Shards: 4}, quietLogger())
	now := time.Now().UnixNano()

	base := testKey("10.0.0.1", "10.0.0.2", 1000, 80)
	tagged := base
	tagged.VLANDepth = 2
	tagged.VLANs[0], tagged.VLANs[1] = 100, 200

	e1, err := tbl.LookupOrInsert(base, now)
	require.NoError(t, err)
	e2, err := tbl.LookupOrInsert(tagged, now)
	require.NoError(t, err)

	assert.NotSame(t, e1, e2)
	assert.Equal(t, int64(2), tbl.Len())
}

func ExampleTable_Snapshot() {
	tbl := New(Config{MaxFlows: 16, Shards: 1}, quietLogger())
	k := testKey("10.0.0.1", "10.0.0.2", 1000, 80)
	e, _ := tbl.LookupOrInsert(k, 0)
	e.MarkMatched(1)

	for _, fi := range tbl.Snapshot(0, StateMatched) {
		fmt.Println(fi.Flow, fi.State)
	}
	// Output: tcp_10.0.0.1_1000_10.0.0.2_80 matched
}
