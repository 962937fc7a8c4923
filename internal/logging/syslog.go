// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package logging

import (
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"grimm.is/dragnet/internal/errors"
)

// SyslogConfig controls forwarding of log lines to a remote syslog collector.
type SyslogConfig struct {
	Enabled  bool   `hcl:"enabled,optional"`
	Host     string `hcl:"host,optional"`
	Port     int    `hcl:"port,optional"`
	Protocol string `hcl:"protocol,optional"` // udp or tcp
	Tag      string `hcl:"tag,optional"`
	Facility int    `hcl:"facility,optional"` // RFC3164 facility, default 1 (user)
}

// DefaultSyslogConfig returns the disabled default syslog configuration.
func DefaultSyslogConfig() SyslogConfig {
	return SyslogConfig{
		Enabled:  false,
		Port:     514,
		Protocol: "udp",
		Tag:      "dragnet",
		Facility: 1,
	}
}

// SyslogWriter is an io.Writer that frames each write as an RFC3164 message.
// It reconnects lazily on write failure so a collector restart does not kill
// the daemon's logging.
type SyslogWriter struct {
	mu       sync.Mutex
	conn     net.Conn
	network  string
	addr     string
	tag      string
	facility int
	hostname string
}

// NewSyslogWriter connects to the configured collector and returns a writer
// suitable for use as a logging Config Output.
func NewSyslogWriter(cfg SyslogConfig) (*SyslogWriter, error) {
	if cfg.Host == "" {
		return nil, errors.New(errors.KindValidation, "syslog host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 514
	}
	if cfg.Protocol == "" {
		cfg.Protocol = "udp"
	}
	if cfg.Tag == "" {
		cfg.Tag = "dragnet"
	}
	if cfg.Facility == 0 {
		cfg.Facility = 1
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	w := &SyslogWriter{
		network:  cfg.Protocol,
		addr:     net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port)),
		tag:      cfg.Tag,
		facility: cfg.Facility,
		hostname: hostname,
	}

	if err := w.connect(); err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "failed to connect to syslog")
	}

	return w, nil
}

func (w *SyslogWriter) connect() error {
	conn, err := net.DialTimeout(w.network, w.addr, 5*time.Second)
	if err != nil {
		return err
	}
	if w.conn != nil {
		w.conn.Close()
	}
	w.conn = conn
	return nil
}

// Write frames p as a single syslog message at severity notice.
func (w *SyslogWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	// PRI = facility*8 + severity(5 = notice)
	pri := w.facility*8 + 5
	msg := fmt.Sprintf("<%d>%s %s %s: %s",
		pri,
		time.Now().Format(time.Stamp),
		w.hostname,
		w.tag,
		string(p),
	)

	if w.conn == nil {
		if err := w.connect(); err != nil {
			return 0, err
		}
	}

	if _, err := w.conn.Write([]byte(msg)); err != nil {
		// One reconnect attempt per write.
		if rerr := w.connect(); rerr != nil {
			return 0, err
		}
		if _, err := w.conn.Write([]byte(msg)); err != nil {
			return 0, err
		}
	}

	return len(p), nil
}

// Close releases the collector connection.
func (w *SyslogWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return nil
	}
	err := w.conn.Close()
	w.conn = nil
	return err
}
