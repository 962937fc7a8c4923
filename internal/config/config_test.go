// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/dragnet/internal/capture"
	"grimm.is/dragnet/internal/errors"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dragnet.hcl")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
log_level = "debug"
log_json  = true
state_dir = "/tmp/dragnet-test"

capture {
  interface        = "eth1"
  workers          = 4
  fanout_id        = 77
  snap_len         = 2048
  buffer_mb        = 64
  poll_timeout_ms  = 50
  prefilter        = "ebpf"
  promiscuous      = false
  disable_offloads = false
  pin_cpus         = true
}

flow_table {
  max_flows      = 4096
  shards         = 8
  idle_timeout   = "2m"
  sweep_interval = "10s"
}

rules {
  file         = "/etc/dragnet/rules.yaml"
  max_patterns = 128
}

store {
  dir            = "/data/captures"
  format         = "pcap"
  payload_only   = true
  queue_depth    = 1024
  batch_size     = 32
  flush_interval = "500ms"
  pcap_rotate_mb = 128
}

control {
  socket = "/tmp/dragnet.sock"
}

api {
  enabled = true
  listen  = "127.0.0.1:9999"
}

syslog {
  enabled  = true
  host     = "logs.example.com"
  port     = 514
  protocol = "udp"
}
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.LogJSON)
	assert.Equal(t, "/tmp/dragnet-test", cfg.StateDir)

	assert.Equal(t, "eth1", cfg.Capture.Interface)
	assert.Equal(t, 4, cfg.Capture.Workers)
	assert.Equal(t, 77, cfg.Capture.FanoutID)
	assert.True(t, cfg.Capture.PinCPUs)
	require.NotNil(t, cfg.Capture.Promiscuous)
	assert.False(t, *cfg.Capture.Promiscuous)

	src := cfg.Capture.SourceConfig()
	assert.Equal(t, uint16(77), src.FanoutID)
	assert.Equal(t, 50*time.Millisecond, src.PollTimeout)
	assert.Equal(t, capture.PrefilterEBPF, src.Prefilter)

	opts := cfg.Capture.SetupOptions()
	assert.False(t, opts.Promiscuous)
	assert.False(t, opts.DisableOffloads)

	tc := cfg.FlowTable.TableConfig()
	assert.Equal(t, 4096, tc.MaxFlows)
	assert.Equal(t, 8, tc.Shards)
	assert.Equal(t, 2*time.Minute, tc.IdleTimeout)
	assert.Equal(t, 10*time.Second, tc.SweepInterval)

	wc := cfg.Store.WriterConfig()
	assert.Equal(t, 1024, wc.QueueSize)
	assert.Equal(t, 32, wc.BatchSize)
	assert.Equal(t, 500*time.Millisecond, wc.FlushInterval)

	assert.Equal(t, FormatPcap, cfg.Store.Format)
	assert.Equal(t, "/data/captures", cfg.CaptureDir())
	assert.Equal(t, "/tmp/dragnet.sock", cfg.Control.Socket)
	assert.Equal(t, "127.0.0.1:9999", cfg.API.Listen)

	require.NotNil(t, cfg.Syslog)
	assert.True(t, cfg.Syslog.Enabled)
	assert.Equal(t, "logs.example.com", cfg.Syslog.Host)
}

func TestLoadMinimalConfigKeepsDefaults(t *testing.T) {
	path := writeConfig(t, `
capture {
  interface = "eth0"
}
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	// Top level keeps the programmatic defaults.
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "/var/lib/dragnet", cfg.StateDir)

	// Absent blocks are filled in whole.
	require.NotNil(t, cfg.FlowTable)
	assert.Equal(t, 1<<20, cfg.FlowTable.MaxFlows)
	require.NotNil(t, cfg.Store)
	assert.Equal(t, FormatFlowFile, cfg.Store.Format)
	require.NotNil(t, cfg.API)
	assert.True(t, cfg.API.Enabled)

	// A present but sparse block relies on the component defaults.
	assert.Equal(t, 0, cfg.Capture.SnapLen)
	assert.Equal(t, filepath.Join("/var/lib/dragnet", "captures"), cfg.CaptureDir())
	assert.Equal(t, filepath.Join("/var/lib/dragnet", "audit.db"), cfg.AuditPath())

	opts := cfg.Capture.SetupOptions()
	assert.True(t, opts.Promiscuous)
	assert.True(t, opts.DisableOffloads)
}

func TestLoadRejectsUnknownAttribute(t *testing.T) {
	path := writeConfig(t, `
capture {
  interface = "eth0"
  bogus     = true
}
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.GetKind(err))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.hcl"))
	require.Error(t, err)
	assert.Equal(t, errors.KindNotFound, errors.GetKind(err))
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name string
		hcl  string
	}{
		{"no input", `
capture {}
`},
		{"negative workers", `
capture {
  interface = "eth0"
  workers   = -1
}
`},
		{"fanout out of range", `
capture {
  interface = "eth0"
  fanout_id = 70000
}
`},
		{"bad prefilter", `
capture {
  interface = "eth0"
  prefilter = "magic"
}
`},
		{"bad idle timeout", `
capture {
  interface = "eth0"
}
flow_table {
  idle_timeout = "soon"
}
`},
		{"negative duration", `
capture {
  interface = "eth0"
}
flow_table {
  idle_timeout = "-5s"
}
`},
		{"bad store format", `
capture {
  interface = "eth0"
}
store {
  format = "tar"
}
`},
		{"bad flush interval", `
capture {
  interface = "eth0"
}
store {
  flush_interval = "always"
}
`},
		{"syslog without host", `
capture {
  interface = "eth0"
}
syslog {
  enabled = true
}
`},
		{"syslog bad protocol", `
capture {
  interface = "eth0"
}
syslog {
  enabled  = true
  host     = "h"
  protocol = "sctp"
}
`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.hcl))
			require.Error(t, err)
			assert.Equal(t, errors.KindValidation, errors.GetKind(err))
		})
	}
}

func TestReplayNeedsNoInterface(t *testing.T) {
	path := writeConfig(t, `
capture {
  pcap_replay = "/tmp/traffic.pcap"
}
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/traffic.pcap", cfg.Capture.PcapReplay)
}

func TestWriteDefaultRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etc", "dragnet.hcl")
	require.NoError(t, WriteDefault(path))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "eth0", cfg.Capture.Interface)
	assert.Equal(t, string(capture.PrefilterClassic), cfg.Capture.Prefilter)
	assert.Equal(t, 1<<20, cfg.FlowTable.MaxFlows)
	assert.Equal(t, FormatFlowFile, cfg.Store.Format)
	assert.Equal(t, "/run/dragnet/control.sock", cfg.Control.Socket)
	assert.True(t, cfg.API.Enabled)

	// Never clobber an existing file.
	err = WriteDefault(path)
	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.GetKind(err))
}
