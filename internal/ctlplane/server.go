// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package ctlplane serves the local control socket: rule publishes and
// operational queries as a JSON stream over a unix socket.
package ctlplane

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"grimm.is/dragnet/internal/audit"
	"grimm.is/dragnet/internal/engine"
	"grimm.is/dragnet/internal/errors"
	"grimm.is/dragnet/internal/flowtable"
	"grimm.is/dragnet/internal/logging"
)

// DefaultSocketPath is where the daemon listens unless configured otherwise.
const DefaultSocketPath = "/run/dragnet/control.sock"

// Response statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Request is one message from a client: a rule publish when Rules is
// present, a query when Command is set. State and Limit refine the flows
// command.
type Request struct {
	Rules   []string `json:"rules"`
	Command string   `json:"command,omitempty"`
	State   string   `json:"state,omitempty"`
	Limit   int      `json:"limit,omitempty"`
}

// Response answers one request. Version is always the active rule version
// after the request was handled; a rejected publish reports the version
// that stayed active.
type Response struct {
	Status  string               `json:"status"`
	Version uint64               `json:"version"`
	Error   string               `json:"error,omitempty"`
	Stats   *engine.Stats        `json:"stats,omitempty"`
	Flows   []flowtable.FlowInfo `json:"flows,omitempty"`
}

// Server owns the control socket. One goroutine accepts, one per connection
// decodes and answers; requests on a connection are handled in order.
type Server struct {
	socket string
	eng    *engine.Engine
	audit  *audit.Store // nil disables the trail
	logger *logging.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

// NewServer creates a server for the given socket path. An empty path uses
// DefaultSocketPath. auditStore may be nil.
func NewServer(socket string, eng *engine.Engine, auditStore *audit.Store, logger *logging.Logger) *Server {
	if socket == "" {
		socket = DefaultSocketPath
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Server{
		socket: socket,
		eng:    eng,
		audit:  auditStore,
		logger: logger.WithComponent("ctlplane"),
		conns:  make(map[net.Conn]struct{}),
	}
}

// Start binds the socket and begins accepting. A stale socket file from a
// previous run is removed first.
func (s *Server) Start() error {
	if err := os.MkdirAll(filepath.Dir(s.socket), 0o755); err != nil {
		return errors.Wrapf(err, errors.KindUnavailable, "creating socket directory for %s", s.socket)
	}
	os.Remove(s.socket)

	ln, err := net.Listen("unix", s.socket)
	if err != nil {
		return errors.Wrapf(err, errors.KindUnavailable, "listening on %s", s.socket)
	}
	if err := os.Chmod(s.socket, 0o600); err != nil {
		ln.Close()
		return errors.Wrapf(err, errors.KindUnavailable, "setting permissions on %s", s.socket)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ln)

	s.logger.Info("Control socket listening", "path", s.socket)
	return nil
}

// Stop closes the listener and every open connection, then waits for the
// handlers to finish. Safe to call more than once.
func (s *Server) Stop() {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if ln == nil {
		return
	}
	ln.Close()
	for _, c := range conns {
		c.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.logger.Warn("Control socket stop timed out")
	}

	os.Remove(s.socket)
	s.logger.Info("Control socket stopped")
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.WithError(err).Error("Control accept failed")
			}
			return
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(conn)
		}()
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)

	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return
			}
			// The stream is unrecoverable after a decode error; answer
			// once and drop the connection.
			enc.Encode(Response{
				Status:  StatusError,
				Version: s.eng.Registry().Version(),
				Error:   "malformed request: " + err.Error(),
			})
			return
		}

		if err := enc.Encode(s.handle(req)); err != nil {
			return
		}
	}
}

func (s *Server) handle(req Request) Response {
	switch {
	case req.Command != "":
		return s.query(req)
	case req.Rules != nil:
		return s.publish(req.Rules)
	default:
		return Response{
			Status:  StatusError,
			Version: s.eng.Registry().Version(),
			Error:   "empty request: need rules or command",
		}
	}
}

func (s *Server) publish(patterns []string) Response {
	set, err := s.eng.Registry().Publish(patterns)
	if err != nil {
		if s.audit != nil {
			s.audit.RuleReject(audit.SourceControl, err.Error())
		}
		return Response{
			Status:  StatusError,
			Version: s.eng.Registry().Version(),
			Error:   err.Error(),
		}
	}
	if s.audit != nil {
		s.audit.RulePublish(audit.SourceControl, set.Version, set.Len())
	}
	return Response{Status: StatusOK, Version: set.Version}
}

func (s *Server) query(req Request) Response {
	version := s.eng.Registry().Version()

	switch req.Command {
	case "ping", "version":
		return Response{Status: StatusOK, Version: version}

	case "stats":
		st := s.eng.Stats()
		return Response{Status: StatusOK, Version: version, Stats: &st}

	case "flows":
		limit := req.Limit
		if limit <= 0 {
			limit = 1000
		}
		var states []flowtable.State
		if req.State != "" {
			st, err := flowtable.ParseState(req.State)
			if err != nil {
				return Response{Status: StatusError, Version: version, Error: err.Error()}
			}
			states = append(states, st)
		}
		flows := s.eng.Table().Snapshot(limit, states...)
		return Response{Status: StatusOK, Version: version, Flows: flows}

	default:
		return Response{
			Status:  StatusError,
			Version: version,
			Error:   fmt.Sprintf("unknown command %q", req.Command),
		}
	}
}
