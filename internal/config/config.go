// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config loads and validates dragnet's HCL configuration.
package config

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"

	"grimm.is/dragnet/internal/capture"
	"grimm.is/dragnet/internal/errors"
	"grimm.is/dragnet/internal/flowtable"
	"grimm.is/dragnet/internal/logging"
	"grimm.is/dragnet/internal/store"
)

// Store formats.
const (
	FormatFlowFile = "flowfile"
	FormatPcap     = "pcap"
)

// Config is the daemon configuration. Durations are HCL strings in Go
// syntax ("30s", "5m"); Validate rejects anything unparseable so the
// conversion methods can run unchecked.
type Config struct {
	LogLevel string `hcl:"log_level,optional" json:"log_level,omitempty"`
	LogJSON  bool   `hcl:"log_json,optional" json:"log_json,omitempty"`
	StateDir string `hcl:"state_dir,optional" json:"state_dir,omitempty"`

	Capture   *CaptureConfig        `hcl:"capture,block" json:"capture,omitempty"`
	FlowTable *FlowTableConfig      `hcl:"flow_table,block" json:"flow_table,omitempty"`
	Rules     *RulesConfig          `hcl:"rules,block" json:"rules,omitempty"`
	Store     *StoreConfig          `hcl:"store,block" json:"store,omitempty"`
	Control   *ControlConfig        `hcl:"control,block" json:"control,omitempty"`
	API       *APIConfig            `hcl:"api,block" json:"api,omitempty"`
	Syslog    *logging.SyslogConfig `hcl:"syslog,block" json:"syslog,omitempty"`
}

// CaptureConfig sizes the receive side: one ring and one worker per entry
// in the fanout group.
type CaptureConfig struct {
	// Interface is the NIC to capture on. Ignored when PcapReplay is set.
	Interface string `hcl:"interface,optional" json:"interface,omitempty"`

	// Workers is the fanout group size. Zero means one per NIC RX queue.
	Workers int `hcl:"workers,optional" json:"workers,omitempty"`

	// FanoutID identifies the fanout group. Zero derives one from the pid
	// so two daemons on one NIC do not steal each other's flows.
	FanoutID int `hcl:"fanout_id,optional" json:"fanout_id,omitempty"`

	SnapLen       int    `hcl:"snap_len,optional" json:"snap_len,omitempty"`
	BufferMB      int    `hcl:"buffer_mb,optional" json:"buffer_mb,omitempty"`
	PollTimeoutMS int    `hcl:"poll_timeout_ms,optional" json:"poll_timeout_ms,omitempty"`
	Prefilter     string `hcl:"prefilter,optional" json:"prefilter,omitempty"` // off, classic or ebpf

	// Promiscuous and DisableOffloads default to true; both are needed
	// for faithful capture and are only knobs for unusual NICs.
	Promiscuous     *bool `hcl:"promiscuous,optional" json:"promiscuous,omitempty"`
	DisableOffloads *bool `hcl:"disable_offloads,optional" json:"disable_offloads,omitempty"`

	// PinCPUs pins worker i to CPU i modulo the machine size.
	PinCPUs bool `hcl:"pin_cpus,optional" json:"pin_cpus,omitempty"`

	// PcapReplay switches the engine to a single worker reading this file
	// instead of the NIC. Used for testing rules against recorded traffic.
	PcapReplay string `hcl:"pcap_replay,optional" json:"pcap_replay,omitempty"`
}

// FlowTableConfig sizes flow tracking.
type FlowTableConfig struct {
	MaxFlows      int    `hcl:"max_flows,optional" json:"max_flows,omitempty"`
	Shards        int    `hcl:"shards,optional" json:"shards,omitempty"`
	IdleTimeout   string `hcl:"idle_timeout,optional" json:"idle_timeout,omitempty"`
	SweepInterval string `hcl:"sweep_interval,optional" json:"sweep_interval,omitempty"`
}

// RulesConfig controls the bootstrap rule set.
type RulesConfig struct {
	// File is a YAML pattern list loaded at startup and on SIGHUP.
	File        string `hcl:"file,optional" json:"file,omitempty"`
	MaxPatterns int    `hcl:"max_patterns,optional" json:"max_patterns,omitempty"`
}

// StoreConfig controls where matched packets land.
type StoreConfig struct {
	// Dir defaults to <state_dir>/captures.
	Dir string `hcl:"dir,optional" json:"dir,omitempty"`

	// Format is flowfile (one file per flow) or pcap (rotating pcaps).
	Format string `hcl:"format,optional" json:"format,omitempty"`

	// PayloadOnly stores L4 payloads instead of whole frames and skips
	// empty segments entirely.
	PayloadOnly bool `hcl:"payload_only,optional" json:"payload_only,omitempty"`

	QueueDepth    int    `hcl:"queue_depth,optional" json:"queue_depth,omitempty"`
	BatchSize     int    `hcl:"batch_size,optional" json:"batch_size,omitempty"`
	FlushInterval string `hcl:"flush_interval,optional" json:"flush_interval,omitempty"`
	PcapRotateMB  int    `hcl:"pcap_rotate_mb,optional" json:"pcap_rotate_mb,omitempty"`

	// MirrorInterface additionally re-transmits captured frames out this
	// NIC for an external analyzer.
	MirrorInterface string `hcl:"mirror_interface,optional" json:"mirror_interface,omitempty"`
}

// ControlConfig locates the admin socket.
type ControlConfig struct {
	Socket string `hcl:"socket,optional" json:"socket,omitempty"`
}

// APIConfig controls the HTTP surface.
type APIConfig struct {
	Enabled bool   `hcl:"enabled,optional" json:"enabled,omitempty"`
	Listen  string `hcl:"listen,optional" json:"listen,omitempty"`
}

// DefaultConfig returns the configuration dragnetd runs with when no file
// is given. It is also what WriteDefault serializes.
func DefaultConfig() *Config {
	promisc := true
	offloads := true
	return &Config{
		LogLevel: "info",
		StateDir: "/var/lib/dragnet",
		Capture: &CaptureConfig{
			Interface:       "eth0",
			Workers:         0,
			SnapLen:         capture.DefaultSnapLen,
			BufferMB:        capture.DefaultBufferMB,
			PollTimeoutMS:   100,
			Prefilter:       string(capture.PrefilterClassic),
			Promiscuous:     &promisc,
			DisableOffloads: &offloads,
			PinCPUs:         true,
		},
		FlowTable: &FlowTableConfig{
			MaxFlows:      1 << 20,
			Shards:        0, // one per worker, rounded to a power of two
			IdleTimeout:   "5m",
			SweepInterval: "30s",
		},
		Rules: &RulesConfig{
			File:        "/etc/dragnet/rules.yaml",
			MaxPatterns: 1024,
		},
		Store: &StoreConfig{
			Format:        FormatFlowFile,
			QueueDepth:    4096,
			BatchSize:     64,
			FlushInterval: "1s",
			PcapRotateMB:  256,
		},
		Control: &ControlConfig{},
		API: &APIConfig{
			Enabled: true,
			Listen:  "127.0.0.1:9380",
		},
	}
}

// Load reads an HCL file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(err, errors.KindNotFound, "config file %s", path)
		}
		return nil, errors.Wrapf(err, errors.KindInternal, "reading config file %s", path)
	}

	// hclsimple picks its parser from the filename suffix.
	name := filepath.Base(path)
	if !strings.HasSuffix(name, ".hcl") && !strings.HasSuffix(name, ".json") {
		name += ".hcl"
	}
	cfg := DefaultConfig()
	if err := hclsimple.Decode(name, data, nil, cfg); err != nil {
		return nil, errors.Wrapf(err, errors.KindValidation, "parsing %s", path)
	}

	cfg.fillBlocks()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// fillBlocks replaces absent blocks with their defaults so every consumer
// can dereference without nil checks.
func (c *Config) fillBlocks() {
	def := DefaultConfig()
	if c.Capture == nil {
		c.Capture = def.Capture
	}
	if c.FlowTable == nil {
		c.FlowTable = def.FlowTable
	}
	if c.Rules == nil {
		c.Rules = def.Rules
	}
	if c.Store == nil {
		c.Store = def.Store
	}
	if c.Control == nil {
		c.Control = def.Control
	}
	if c.API == nil {
		c.API = def.API
	}
	if c.StateDir == "" {
		c.StateDir = def.StateDir
	}
}

// Validate checks everything Load accepted syntactically.
func (c *Config) Validate() error {
	cc := c.Capture
	if cc.Interface == "" && cc.PcapReplay == "" {
		return errors.New(errors.KindValidation, "capture: either interface or pcap_replay is required")
	}
	if cc.Workers < 0 {
		return errors.New(errors.KindValidation, "capture: workers cannot be negative")
	}
	if cc.FanoutID < 0 || cc.FanoutID > math.MaxUint16 {
		return errors.Errorf(errors.KindValidation, "capture: fanout_id %d out of range", cc.FanoutID)
	}
	if cc.SnapLen < 0 {
		return errors.New(errors.KindValidation, "capture: snap_len cannot be negative")
	}
	if cc.PollTimeoutMS < 0 {
		return errors.New(errors.KindValidation, "capture: poll_timeout_ms cannot be negative")
	}
	if _, err := capture.ParsePrefilterMode(cc.Prefilter); err != nil {
		return err
	}

	ft := c.FlowTable
	if ft.MaxFlows < 0 {
		return errors.New(errors.KindValidation, "flow_table: max_flows cannot be negative")
	}
	if ft.Shards < 0 {
		return errors.New(errors.KindValidation, "flow_table: shards cannot be negative")
	}
	if _, err := parseDuration("flow_table.idle_timeout", ft.IdleTimeout); err != nil {
		return err
	}
	if _, err := parseDuration("flow_table.sweep_interval", ft.SweepInterval); err != nil {
		return err
	}

	st := c.Store
	switch st.Format {
	case "", FormatFlowFile, FormatPcap:
	default:
		return errors.Errorf(errors.KindValidation, "store: unknown format %q", st.Format)
	}
	if st.QueueDepth < 0 || st.BatchSize < 0 || st.PcapRotateMB < 0 {
		return errors.New(errors.KindValidation, "store: sizes cannot be negative")
	}
	if _, err := parseDuration("store.flush_interval", st.FlushInterval); err != nil {
		return err
	}

	if c.Rules.MaxPatterns < 0 {
		return errors.New(errors.KindValidation, "rules: max_patterns cannot be negative")
	}

	if c.Syslog != nil && c.Syslog.Enabled {
		switch c.Syslog.Protocol {
		case "", "udp", "tcp":
		default:
			return errors.Errorf(errors.KindValidation, "syslog: unknown protocol %q", c.Syslog.Protocol)
		}
		if c.Syslog.Host == "" {
			return errors.New(errors.KindValidation, "syslog: host is required when enabled")
		}
	}

	return nil
}

func parseDuration(field, v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, errors.Errorf(errors.KindValidation, "%s: invalid duration %q", field, v)
	}
	if d < 0 {
		return 0, errors.Errorf(errors.KindValidation, "%s: duration cannot be negative", field)
	}
	return d, nil
}

func mustDuration(v string) time.Duration {
	d, _ := time.ParseDuration(v)
	return d
}

// CaptureDir is where sinks write, defaulting under the state dir.
func (c *Config) CaptureDir() string {
	if c.Store.Dir != "" {
		return c.Store.Dir
	}
	return filepath.Join(c.StateDir, "captures")
}

// AuditPath is the sqlite audit trail location.
func (c *Config) AuditPath() string {
	return filepath.Join(c.StateDir, "audit.db")
}

// LoggingConfig converts the top-level logging knobs.
func (c *Config) LoggingConfig() logging.Config {
	lc := logging.DefaultConfig()
	if c.LogLevel != "" {
		lc.Level = logging.ParseLevel(c.LogLevel)
	}
	lc.JSON = c.LogJSON
	return lc
}

// SourceConfig converts the capture block for one ring. Validate must have
// accepted the config first.
func (c *CaptureConfig) SourceConfig() capture.Config {
	mode, _ := capture.ParsePrefilterMode(c.Prefilter)
	return capture.Config{
		Interface:   c.Interface,
		SnapLen:     c.SnapLen,
		BufferMB:    c.BufferMB,
		PollTimeout: time.Duration(c.PollTimeoutMS) * time.Millisecond,
		FanoutID:    uint16(c.FanoutID),
		Prefilter:   mode,
	}
}

// SetupOptions converts the NIC preparation knobs.
func (c *CaptureConfig) SetupOptions() capture.SetupOptions {
	opts := capture.DefaultSetupOptions()
	if c.Promiscuous != nil {
		opts.Promiscuous = *c.Promiscuous
	}
	if c.DisableOffloads != nil {
		opts.DisableOffloads = *c.DisableOffloads
	}
	return opts
}

// TableConfig converts the flow_table block.
func (c *FlowTableConfig) TableConfig() flowtable.Config {
	return flowtable.Config{
		MaxFlows:      c.MaxFlows,
		Shards:        c.Shards,
		IdleTimeout:   mustDuration(c.IdleTimeout),
		SweepInterval: mustDuration(c.SweepInterval),
	}
}

// WriterConfig converts the store block's queueing knobs.
func (c *StoreConfig) WriterConfig() store.WriterConfig {
	return store.WriterConfig{
		QueueSize:     c.QueueDepth,
		BatchSize:     c.BatchSize,
		FlushInterval: mustDuration(c.FlushInterval),
	}
}
