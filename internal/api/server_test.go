// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/dragnet/internal/audit"
	"grimm.is/dragnet/internal/capture"
	"grimm.is/dragnet/internal/engine"
	"grimm.is/dragnet/internal/flowtable"
	"grimm.is/dragnet/internal/logging"
	"grimm.is/dragnet/internal/metrics"
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

// testEngine builds an idle engine: the API only reads from it, so it is
// never started.
func testEngine(t *testing.T) *engine.Engine {
	t.Helper()

	path := filepath.Join(t.TempDir(), "replay.pcap")
	frame := testutil.TCPFrame(t, nil, []byte("api test"))
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

func startServer(t *testing.T, eng *engine.Engine, auditStore *audit.Store) (*Server, string) {
	t.Helper()
	srv := NewServer(ServerConfig{Listen: "127.0.0.1:0"}, eng, auditStore, "test", quietLogger())
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	return srv, "http://" + srv.Addr()
}

func httpGet(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func httpPost(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, dest any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(dest))
}

func TestServerStatus(t *testing.T) {
	eng := testEngine(t)
	_, base := startServer(t, eng, nil)

	resp := httpGet(t, base+"/api/v1/status")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var st statusResponse
	decodeBody(t, resp, &st)
	assert.Equal(t, "test", st.Version)
	assert.Equal(t, 1, st.Workers)
	assert.Equal(t, uint64(1), st.RuleVersion)
	assert.Equal(t, 0, st.RulePatterns)
}

func TestServerStatsEndpoint(t *testing.T) {
	eng := testEngine(t)
	_, base := startServer(t, eng, nil)

	resp := httpGet(t, base+"/api/v1/stats")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var st engine.Stats
	decodeBody(t, resp, &st)
	assert.Len(t, st.Workers, 1)
	assert.Equal(t, uint64(1), st.Rules.ActiveVersion)
	assert.Equal(t, 64, st.FlowTable.MaxFlows)
}

func TestServerFlowsEndpoint(t *testing.T) {
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
	_, err = eng.Table().LookupOrInsert(hdrB.Key(), now)
	require.NoError(t, err)

	_, base := startServer(t, eng, nil)

	var body struct {
		Count int                  `json:"count"`
		Flows []flowtable.FlowInfo `json:"flows"`
	}

	resp := httpGet(t, base+"/api/v1/flows")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &body)
	assert.Equal(t, 2, body.Count)
	assert.Len(t, body.Flows, 2)

	resp = httpGet(t, base+"/api/v1/flows?state=matched")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &body)
	require.Equal(t, 1, body.Count)
	assert.Equal(t, keyA.String(), body.Flows[0].Flow)
	assert.Equal(t, "matched", body.Flows[0].State)

	resp = httpGet(t, base+"/api/v1/flows?limit=1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &body)
	assert.Equal(t, 1, body.Count)

	assert.Equal(t, http.StatusBadRequest, httpGet(t, base+"/api/v1/flows?state=bogus").StatusCode)
	assert.Equal(t, http.StatusBadRequest, httpGet(t, base+"/api/v1/flows?limit=abc").StatusCode)
	assert.Equal(t, http.StatusBadRequest, httpGet(t, base+"/api/v1/flows?limit=0").StatusCode)
}

func TestServerRulesRoundTrip(t *testing.T) {
	eng := testEngine(t)
	auditStore, err := audit.Open(":memory:", quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { auditStore.Close() })

	_, base := startServer(t, eng, auditStore)

	var current struct {
		Version  uint64   `json:"version"`
		Patterns []string `json:"patterns"`
	}
	resp := httpGet(t, base+"/api/v1/rules")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &current)
	assert.Equal(t, uint64(1), current.Version)
	assert.Empty(t, current.Patterns)

	resp = httpPost(t, base+"/api/v1/rules", `{"rules":["GET /admin","sqlmap"]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var published struct {
		Version  uint64 `json:"version"`
		Patterns int    `json:"patterns"`
	}
	decodeBody(t, resp, &published)
	assert.Equal(t, uint64(2), published.Version)
	assert.Equal(t, 2, published.Patterns)

	resp = httpGet(t, base+"/api/v1/rules")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &current)
	assert.Equal(t, uint64(2), current.Version)
	assert.Equal(t, []string{"GET /admin", "sqlmap"}, current.Patterns)

	events, err := auditStore.Recent(0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, audit.KindRulePublish, events[0].Kind)
	var detail struct {
		Source string `json:"source"`
	}
	require.NoError(t, json.Unmarshal(events[0].Detail, &detail))
	assert.Equal(t, audit.SourceAPI, detail.Source)
}

func TestServerRulesRejectsBadPattern(t *testing.T) {
	eng := testEngine(t)
	auditStore, err := audit.Open(":memory:", quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { auditStore.Close() })

	_, base := startServer(t, eng, auditStore)

	resp := httpPost(t, base+"/api/v1/rules", `{"rules":["("]}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var body struct {
		Error string `json:"error"`
	}
	decodeBody(t, resp, &body)
	assert.NotEmpty(t, body.Error)

	// The active set must be untouched.
	assert.Equal(t, uint64(1), eng.Registry().Version())

	events, err := auditStore.Recent(0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, audit.KindRuleReject, events[0].Kind)
}

func TestServerRulesValidation(t *testing.T) {
	eng := testEngine(t)
	_, base := startServer(t, eng, nil)

	assert.Equal(t, http.StatusBadRequest, httpPost(t, base+"/api/v1/rules", `{}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, httpPost(t, base+"/api/v1/rules", `not json`).StatusCode)

	// An explicit empty list is a publish, not an error.
	resp := httpPost(t, base+"/api/v1/rules", `{"rules":[]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var published struct {
		Version uint64 `json:"version"`
	}
	decodeBody(t, resp, &published)
	assert.Equal(t, uint64(2), published.Version)
}

func TestServerEventsStream(t *testing.T) {
	eng := testEngine(t)
	srv, _ := startServer(t, eng, nil)

	conn, resp, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr()+"/api/v1/events", nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	require.Eventually(t, func() bool {
		return eng.Hub().Stats().Subscribers == 1
	}, 2*time.Second, 10*time.Millisecond)

	sent := engine.MatchEvent{
		Time:        time.Now().UTC(),
		Worker:      3,
		Flow:        "tcp_10.0.0.1_40000_10.0.0.2_80",
		RuleVersion: 2,
		Patterns:    []string{"GET /admin"},
	}
	eng.Hub().Publish(sent)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got engine.MatchEvent
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, sent.Flow, got.Flow)
	assert.Equal(t, sent.Worker, got.Worker)
	assert.Equal(t, sent.RuleVersion, got.RuleVersion)
	assert.Equal(t, sent.Patterns, got.Patterns)
}

func TestServerStopDisconnectsEventClients(t *testing.T) {
	eng := testEngine(t)
	srv, _ := startServer(t, eng, nil)

	conn, resp, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr()+"/api/v1/events", nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	require.Eventually(t, func() bool {
		return eng.Hub().Stats().Subscribers == 1
	}, 2*time.Second, 10*time.Millisecond)

	srv.Stop()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "expected going-away close, got %v", err)

	// The hub subscription is gone with the client.
	assert.Equal(t, 0, eng.Hub().Stats().Subscribers)
}

func TestServerMetricsEndpoint(t *testing.T) {
	metrics.Default()

	eng := testEngine(t)
	_, base := startServer(t, eng, nil)

	resp := httpGet(t, base+"/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "dragnet_flows")
}

func TestServerAuditEndpoint(t *testing.T) {
	eng := testEngine(t)
	auditStore, err := audit.Open(":memory:", quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { auditStore.Close() })

	_, base := startServer(t, eng, auditStore)

	httpPost(t, base+"/api/v1/rules", `{"rules":["GET /admin"]}`)

	resp := httpGet(t, base+"/api/v1/audit")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Count  int           `json:"count"`
		Events []audit.Event `json:"events"`
	}
	decodeBody(t, resp, &body)
	require.Equal(t, 1, body.Count)
	assert.Equal(t, audit.KindRulePublish, body.Events[0].Kind)
}

func TestServerAuditDisabled(t *testing.T) {
	eng := testEngine(t)
	_, base := startServer(t, eng, nil)

	resp := httpGet(t, base+"/api/v1/audit")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServerRejectsOversizedBody(t *testing.T) {
	eng := testEngine(t)
	srv := NewServer(ServerConfig{Listen: "127.0.0.1:0", MaxBodyBytes: 64}, eng, nil, "test", quietLogger())
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)

	body := `{"rules":["` + strings.Repeat("a", 200) + `"]}`
	resp := httpPost(t, "http://"+srv.Addr()+"/api/v1/rules", body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestServerNilLoggerUsesDefault(t *testing.T) {
	eng := testEngine(t)
	srv := NewServer(ServerConfig{Listen: "127.0.0.1:0"}, eng, nil, "test", nil)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)

	resp := httpGet(t, "http://"+srv.Addr()+"/api/v1/status")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServerStopIdempotent(t *testing.T) {
	eng := testEngine(t)
	srv, base := startServer(t, eng, nil)

	srv.Stop()
	srv.Stop()

	_, err := http.Get(base + "/api/v1/status")
	require.Error(t, err)
}
