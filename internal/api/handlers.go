// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"grimm.is/dragnet/internal/audit"
	"grimm.is/dragnet/internal/flowtable"
)

// writeJSON answers with v at the given status. Encoding failures are
// logged, not surfaced: the status line is already on the wire.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Warn("Response encoding failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

type statusResponse struct {
	Version       string  `json:"version"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	Workers       int     `json:"workers"`
	RuleVersion   uint64  `json:"rule_version"`
	RulePatterns  int     `json:"rule_patterns"`
	Flows         int64   `json:"flows"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.eng.Stats()
	s.writeJSON(w, http.StatusOK, statusResponse{
		Version:       s.version,
		UptimeSeconds: st.UptimeSeconds,
		Workers:       len(st.Workers),
		RuleVersion:   st.Rules.ActiveVersion,
		RulePatterns:  st.Rules.ActivePatterns,
		Flows:         st.FlowTable.Occupancy,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.eng.Stats())
}

// handleFlows snapshots the flow table, optionally filtered by state. The
// limit defaults to 1000 and cannot be disabled over HTTP.
func (s *Server) handleFlows(w http.ResponseWriter, r *http.Request) {
	limit := 1000
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	var states []flowtable.State
	if v := r.URL.Query().Get("state"); v != "" {
		state, err := flowtable.ParseState(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		states = append(states, state)
	}

	flows := s.eng.Table().Snapshot(limit, states...)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"count": len(flows),
		"flows": flows,
	})
}

func (s *Server) handleRulesGet(w http.ResponseWriter, r *http.Request) {
	set := s.eng.Registry().Current()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"version":  set.Version,
		"patterns": set.Patterns,
	})
}

// handleRulesPost publishes a replacement rule set with the same semantics
// as the control socket: the posted list replaces the active set wholesale,
// and an empty list is a legitimate way to pause scanning.
func (s *Server) handleRulesPost(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Rules []string `json:"rules"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Rules == nil {
		s.writeError(w, http.StatusBadRequest, "missing rules field")
		return
	}

	set, err := s.eng.Registry().Publish(req.Rules)
	if err != nil {
		if s.audit != nil {
			s.audit.RuleReject(audit.SourceAPI, err.Error())
		}
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.audit != nil {
		s.audit.RulePublish(audit.SourceAPI, set.Version, set.Len())
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"version":  set.Version,
		"patterns": set.Len(),
	})
}

// handleAudit returns recent control-plane history, newest first.
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		s.writeError(w, http.StatusServiceUnavailable, "audit store not configured")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	events, err := s.audit.Recent(limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"count":  len(events),
		"events": events,
	})
}
