// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command dragnetd captures traffic from one NIC across per-CPU AF_PACKET
// rings, tracks flows, scans unmatched flows against the published rule set,
// and stores matched conversations. Control arrives over a unix socket
// (dragnetctl) and, when enabled, a loopback HTTP API.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"grimm.is/dragnet/internal/api"
	"grimm.is/dragnet/internal/audit"
	"grimm.is/dragnet/internal/capture"
	"grimm.is/dragnet/internal/config"
	"grimm.is/dragnet/internal/ctlplane"
	"grimm.is/dragnet/internal/engine"
	"grimm.is/dragnet/internal/errors"
	"grimm.is/dragnet/internal/flowtable"
	"grimm.is/dragnet/internal/logging"
	"grimm.is/dragnet/internal/metrics"
	"grimm.is/dragnet/internal/rules"
	"grimm.is/dragnet/internal/store"
)

// version is stamped by the build.
var version = "dev"

const defaultConfigPath = "/etc/dragnet/dragnet.hcl"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to HCL config file")
	replayPath := flag.String("replay", "", "Replay a pcap file instead of capturing live")
	initConfig := flag.Bool("init", false, "Write a default config file and exit")
	showVersion := flag.Bool("version", false, "Print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("dragnetd", version)
		return
	}
	if *initConfig {
		if err := config.WriteDefault(*configPath); err != nil {
			fmt.Fprintln(os.Stderr, "dragnetd:", err)
			os.Exit(1)
		}
		fmt.Println("Wrote", *configPath)
		return
	}

	cfg, err := loadConfig(*configPath, *replayPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "dragnetd:", err)
		os.Exit(1)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintln(os.Stderr, "dragnetd:", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies the replay override. Replay
// works without a config file so `dragnetd -replay traffic.pcap` is enough
// to test a rule set on a laptop; output then lands under ./dragnet-out.
func loadConfig(path, replay string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if replay == "" || !errors.IsKind(err, errors.KindNotFound) {
			return nil, err
		}
		cfg = config.DefaultConfig()
		cfg.StateDir = "dragnet-out"
		cfg.Control.Socket = filepath.Join(cfg.StateDir, "control.sock")
	}
	if replay != "" {
		cfg.Capture.PcapReplay = replay
	}
	return cfg, nil
}

func run(cfg *config.Config) error {
	logger, syslogWriter := buildLogger(cfg)
	logging.SetDefault(logger)
	if syslogWriter != nil {
		defer syslogWriter.Close()
	}

	logger.Info("dragnetd starting", "version", version, "pid", os.Getpid())

	if err := os.MkdirAll(cfg.StateDir, 0o750); err != nil {
		return errors.Wrapf(err, errors.KindInternal, "creating state dir %s", cfg.StateDir)
	}

	// The audit trail is best effort: a broken database should not stop
	// packet capture.
	auditStore, err := audit.Open(cfg.AuditPath(), logger)
	if err != nil {
		logger.WithError(err).Warn("Audit store unavailable, continuing without")
		auditStore = nil
	}

	table := flowtable.New(cfg.FlowTable.TableConfig(), logger)
	registry := rules.NewRegistry(rules.Config{MaxPatterns: cfg.Rules.MaxPatterns}, logger)
	if err := loadBootstrapRules(cfg, registry, auditStore, logger); err != nil {
		return err
	}

	sink, err := buildSink(cfg, logger)
	if err != nil {
		return err
	}

	sources, setup, err := openSources(cfg, logger)
	if err != nil {
		sink.Close()
		return err
	}
	if setup != nil {
		defer setup.Restore()
	}

	eng, err := engine.New(engine.Config{
		PinCPUs:     cfg.Capture.PinCPUs,
		PayloadOnly: cfg.Store.PayloadOnly,
		Writer:      cfg.Store.WriterConfig(),
	}, sources, table, registry, sink, logger)
	if err != nil {
		closeSources(sources)
		sink.Close()
		return err
	}
	if err := eng.Start(); err != nil {
		closeSources(sources)
		sink.Close()
		return err
	}

	collector := metrics.NewCollector(metrics.Default(), eng, logger, 10*time.Second)
	collector.Start()

	ctl := ctlplane.NewServer(cfg.Control.Socket, eng, auditStore, logger)
	if err := ctl.Start(); err != nil {
		collector.Stop()
		eng.Stop()
		return err
	}

	var apiSrv *api.Server
	if cfg.API.Enabled {
		apiSrv = api.NewServer(api.ServerConfig{Listen: cfg.API.Listen}, eng, auditStore, version, logger)
		if err := apiSrv.Start(); err != nil {
			ctl.Stop()
			collector.Stop()
			eng.Stop()
			return err
		}
	}

	session := uuid.NewString()
	if auditStore != nil {
		auditStore.EngineStart(session, len(sources), registry.Version())
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	if cfg.Capture.PcapReplay != "" {
		// File sources run dry; treat that like a shutdown request.
		go func() {
			<-eng.Done()
			logger.Info("Replay finished")
			sigCh <- syscall.SIGTERM
		}()
	}

	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			reloadRules(cfg, registry, auditStore, logger)
			continue
		}
		logger.Info("Shutting down", "signal", sig.String())
		break
	}

	// Control surfaces first so nothing publishes into a stopping engine,
	// then the engine itself, which drains the writers and closes the sink.
	if apiSrv != nil {
		apiSrv.Stop()
	}
	ctl.Stop()
	collector.Stop()

	stats := eng.Stats()
	uptime := eng.Uptime()
	if err := eng.Stop(); err != nil {
		logger.WithError(err).Warn("Engine stop reported an error")
	}

	if auditStore != nil {
		var received, matches uint64
		for _, w := range stats.Workers {
			received += w.Received
			matches += w.Matches
		}
		auditStore.EngineStop(session, uptime, received, matches)
		auditStore.Close()
	}

	logger.Info("dragnetd stopped")
	return nil
}

// buildLogger constructs the process logger, teeing to syslog when
// configured. An unreachable collector downgrades to stderr only; the
// daemon's job is capture, not log delivery.
func buildLogger(cfg *config.Config) (*logging.Logger, *logging.SyslogWriter) {
	lc := cfg.LoggingConfig()
	logger := logging.New(lc)
	if cfg.Syslog == nil || !cfg.Syslog.Enabled {
		return logger, nil
	}
	w, err := logging.NewSyslogWriter(*cfg.Syslog)
	if err != nil {
		logger.WithError(err).Warn("Syslog collector unreachable, logging to stderr only")
		return logger, nil
	}
	lc.Output = io.MultiWriter(os.Stderr, w)
	return logging.New(lc), w
}

// loadBootstrapRules publishes the configured rule file. A missing file is
// normal on first boot; a file that fails to compile is a configuration
// error worth stopping for.
func loadBootstrapRules(cfg *config.Config, registry *rules.Registry, auditStore *audit.Store, logger *logging.Logger) error {
	patterns, err := rules.LoadFile(cfg.Rules.File)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Info("No rule file, starting with an empty set", "path", cfg.Rules.File)
			return nil
		}
		return err
	}
	set, err := registry.Publish(patterns)
	if err != nil {
		if auditStore != nil {
			auditStore.RuleReject(audit.SourceFile, err.Error())
		}
		return errors.Wrapf(err, errors.KindValidation, "rule file %s", cfg.Rules.File)
	}
	if auditStore != nil {
		auditStore.RulePublish(audit.SourceFile, set.Version, set.Len())
	}
	logger.Info("Rules loaded", "path", cfg.Rules.File, "version", set.Version, "patterns", set.Len())
	return nil
}

// reloadRules re-reads the rule file on SIGHUP. Failures leave the active
// set untouched.
func reloadRules(cfg *config.Config, registry *rules.Registry, auditStore *audit.Store, logger *logging.Logger) {
	patterns, err := rules.LoadFile(cfg.Rules.File)
	if err != nil {
		logger.WithError(err).Warn("Rule reload failed", "path", cfg.Rules.File)
		return
	}
	set, err := registry.Publish(patterns)
	if err != nil {
		if auditStore != nil {
			auditStore.RuleReject(audit.SourceFile, err.Error())
		}
		logger.WithError(err).Warn("Rule reload rejected", "path", cfg.Rules.File)
		return
	}
	if auditStore != nil {
		auditStore.RulePublish(audit.SourceFile, set.Version, set.Len())
	}
	logger.Info("Rules reloaded", "path", cfg.Rules.File, "version", set.Version, "patterns", set.Len())
}

// buildSink creates the capture sink for the configured format, teed to a
// mirror NIC when one is set.
func buildSink(cfg *config.Config, logger *logging.Logger) (store.Sink, error) {
	dir := cfg.CaptureDir()
	var primary store.Sink
	var err error
	switch cfg.Store.Format {
	case config.FormatPcap:
		primary, err = store.NewPcapSink(dir, "dragnet", int64(cfg.Store.PcapRotateMB)<<20, logger)
	default:
		primary, err = store.NewFlowFileSink(dir, 0, logger)
	}
	if err != nil {
		return nil, err
	}
	if cfg.Store.MirrorInterface == "" {
		return primary, nil
	}
	mirror, err := store.NewMirrorSink(cfg.Store.MirrorInterface, logger)
	if err != nil {
		primary.Close()
		return nil, err
	}
	return store.NewTeeSink(primary, mirror), nil
}

// openSources opens the capture side: one pcap reader in replay mode, one
// ring per worker otherwise. setup is nil in replay mode.
func openSources(cfg *config.Config, logger *logging.Logger) ([]capture.Source, *capture.InterfaceSetup, error) {
	if cfg.Capture.PcapReplay != "" {
		src, err := capture.NewFileSource(cfg.Capture.PcapReplay)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Replaying", "file", cfg.Capture.PcapReplay)
		return []capture.Source{src}, nil, nil
	}

	setup, err := capture.SetupInterface(cfg.Capture.Interface, cfg.Capture.SetupOptions(), logger)
	if err != nil {
		return nil, nil, err
	}

	workers := cfg.Capture.Workers
	if workers <= 0 {
		workers = setup.SuggestedWorkers()
	}

	srcCfg := cfg.Capture.SourceConfig()
	if workers > 1 && srcCfg.FanoutID == 0 {
		// Derive a group id from the pid so two daemons on one NIC do not
		// steal each other's flows.
		srcCfg.FanoutID = uint16(os.Getpid() & 0xffff)
		if srcCfg.FanoutID == 0 {
			srcCfg.FanoutID = 1
		}
	}

	sources := make([]capture.Source, 0, workers)
	for i := 0; i < workers; i++ {
		src, err := capture.NewAFPacketSource(srcCfg, logger)
		if err != nil {
			closeSources(sources)
			setup.Restore()
			return nil, nil, errors.Wrapf(err, errors.GetKind(err), "opening ring %d on %s", i, cfg.Capture.Interface)
		}
		sources = append(sources, src)
	}
	logger.Info("Capture open",
		"interface", cfg.Capture.Interface,
		"workers", workers,
		"fanout_id", srcCfg.FanoutID,
		"prefilter", string(srcCfg.Prefilter))
	return sources, setup, nil
}

func closeSources(sources []capture.Source) {
	for _, src := range sources {
		src.Close()
	}
}
