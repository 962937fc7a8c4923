// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ctlplane

import (
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/dragnet/internal/audit"
	"grimm.is/dragnet/internal/capture"
	"grimm.is/dragnet/internal/engine"
	"grimm.is/dragnet/internal/flowtable"
	"grimm.is/dragnet/internal/logging"
	"grimm.is/dragnet/internal/packet"
	"grimm.is/dragnet/internal/rules"
	"grimm.is/dragnet/internal/store"
	"grimm.is/dragnet/internal/testutil"
)

type nopSink struct{}

func (nopSink) Append(store.Packet) error { return nil }
func (nopSink) Flush() error              { return nil }
func (nopSink) Close() error              { return nil }

func quietLogger() *logging.Logger {
	return logging.New(logging.Config{Level: logging.LevelError})
}

// testEngine builds an idle engine: the control surfaces only read from it,
// so it is never started.
func testEngine(t *testing.T) *engine.Engine {
	t.Helper()

	path := filepath.Join(t.TempDir(), "replay.pcap")
	frame := testutil.TCPFrame(t, nil, []byte("control test"))
	require.NoError(t, os.WriteFile(path, testutil.PcapBytes(t, frame), 0o600))
	src, err := capture.NewFileSource(path)
	require.NoError(t, err)
	t.Cleanup(func() { src.Close() })

	table := flowtable.New(flowtable.Config{
		MaxFlows:      64,
		Shards:        2,
		IdleTimeout:   time.Hour,
		SweepInterval: time.Hour,
	}, quietLogger())
	registry := rules.NewRegistry(rules.DefaultConfig(), quietLogger())

	eng, err := engine.New(engine.Config{}, []capture.Source{src}, table, registry, nopSink{}, quietLogger())
	require.NoError(t, err)
	return eng
}

func startServer(t *testing.T, eng *engine.Engine, auditStore *audit.Store) string {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "ctl.sock")
	srv := NewServer(sock, eng, auditStore, quietLogger())
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	return sock
}

func dialClient(t *testing.T, sock string) *Client {
	t.Helper()
	c, err := Dial(sock)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestServerPublishAndQuery(t *testing.T) {
	eng := testEngine(t)
	auditStore, err := audit.Open(":memory:", quietLogger())
	require.NoError(t, err)
	defer auditStore.Close()

	sock := startServer(t, eng, auditStore)
	c := dialClient(t, sock)

	version, err := c.Publish([]string{"GET /admin", `sqlmap`})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), version)

	got, err := c.Version()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got)

	got, err = c.Ping()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got)

	events, err := auditStore.Recent(10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, audit.KindRulePublish, events[0].Kind)
}

func TestServerRejectsBadPattern(t *testing.T) {
	eng := testEngine(t)
	auditStore, err := audit.Open(":memory:", quietLogger())
	require.NoError(t, err)
	defer auditStore.Close()

	sock := startServer(t, eng, auditStore)
	c := dialClient(t, sock)

	_, err = c.Publish([]string{"("})
	require.Error(t, err)

	// The active set is untouched and the connection still works.
	version, err := c.Version()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), version)

	events, err := auditStore.Recent(10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, audit.KindRuleReject, events[0].Kind)
}

func TestServerPublishEmptySet(t *testing.T) {
	eng := testEngine(t)
	sock := startServer(t, eng, nil)
	c := dialClient(t, sock)

	// First publish something, then clear it.
	_, err := c.Publish([]string{"GET /admin"})
	require.NoError(t, err)

	version, err := c.Publish(nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), version)
}

func TestServerFlows(t *testing.T) {
	eng := testEngine(t)

	now := time.Now().UnixNano()
	hdrA, err := packet.Parse(testutil.TCPFrame(t, nil, nil))
	require.NoError(t, err)
	keyA := hdrA.Key()
	entry, err := eng.Table().LookupOrInsert(keyA, now)
	require.NoError(t, err)
	require.True(t, entry.MarkMatched(2))

	hdrB, err := packet.Parse(testutil.Frame(t, testutil.FrameConfig{SrcIP: "10.0.0.7"}))
	require.NoError(t, err)
	keyB := hdrB.Key()
	_, err = eng.Table().LookupOrInsert(keyB, now)
	require.NoError(t, err)

	sock := startServer(t, eng, nil)
	c := dialClient(t, sock)

	all, err := c.Flows("", 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	matched, err := c.Flows("matched", 0)
	require.NoError(t, err)
	require.Len(t, matched, 1)
	assert.Equal(t, keyA.String(), matched[0].Flow)
	assert.Equal(t, "matched", matched[0].State)

	_, err = c.Flows("bogus", 0)
	require.Error(t, err)
}

func TestServerStats(t *testing.T) {
	eng := testEngine(t)

	now := time.Now().UnixNano()
	hdr, err := packet.Parse(testutil.TCPFrame(t, nil, nil))
	require.NoError(t, err)
	key := hdr.Key()
	_, err = eng.Table().LookupOrInsert(key, now)
	require.NoError(t, err)

	sock := startServer(t, eng, nil)
	c := dialClient(t, sock)

	stats, err := c.Stats()
	require.NoError(t, err)
	require.NotNil(t, stats)
	assert.Equal(t, int64(1), stats.FlowTable.Occupancy)
	assert.Equal(t, uint64(1), stats.Rules.ActiveVersion)
	require.Len(t, stats.Workers, 1)
}

func TestServerRawWireProtocol(t *testing.T) {
	eng := testEngine(t)
	sock := startServer(t, eng, nil)

	conn, err := net.Dial("unix", sock)
	require.NoError(t, err)
	defer conn.Close()

	enc := json.NewEncoder(conn)
	dec := json.NewDecoder(conn)

	// The original publish form: just a rules array.
	require.NoError(t, enc.Encode(map[string]any{"rules": []string{"GET /admin"}}))
	var resp Response
	require.NoError(t, dec.Decode(&resp))
	assert.Equal(t, StatusOK, resp.Status)
	assert.Equal(t, uint64(2), resp.Version)

	// Unknown command is an error but keeps the stream alive.
	require.NoError(t, enc.Encode(map[string]any{"command": "explode"}))
	require.NoError(t, dec.Decode(&resp))
	assert.Equal(t, StatusError, resp.Status)
	assert.Contains(t, resp.Error, "unknown command")

	// Empty object is neither a publish nor a query.
	require.NoError(t, enc.Encode(map[string]any{}))
	require.NoError(t, dec.Decode(&resp))
	assert.Equal(t, StatusError, resp.Status)
	assert.Contains(t, resp.Error, "empty request")
}

func TestServerMalformedJSONDropsConnection(t *testing.T) {
	eng := testEngine(t)
	sock := startServer(t, eng, nil)

	conn, err := net.Dial("unix", sock)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("this is not json\n"))
	require.NoError(t, err)

	dec := json.NewDecoder(conn)
	var resp Response
	require.NoError(t, dec.Decode(&resp))
	assert.Equal(t, StatusError, resp.Status)
	assert.Contains(t, resp.Error, "malformed request")

	// Server hangs up after an unrecoverable decode error.
	require.Error(t, dec.Decode(&resp))
}

func TestServerStopRemovesSocket(t *testing.T) {
	eng := testEngine(t)
	sock := filepath.Join(t.TempDir(), "ctl.sock")
	srv := NewServer(sock, eng, nil, quietLogger())
	require.NoError(t, srv.Start())

	_, err := os.Stat(sock)
	require.NoError(t, err)

	srv.Stop()
	srv.Stop() // idempotent

	_, err = os.Stat(sock)
	assert.True(t, os.IsNotExist(err))

	_, err = Dial(sock)
	require.Error(t, err)
}
