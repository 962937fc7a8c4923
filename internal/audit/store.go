// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package audit persists control-plane history: rule publishes and
// rejections, engine lifecycle. The packet path never touches it.
package audit

import (
	"database/sql"
	"encoding/json"
	"time"

	_ "modernc.org/sqlite"

	"grimm.is/dragnet/internal/clock"
	"grimm.is/dragnet/internal/errors"
	"grimm.is/dragnet/internal/logging"
)

// Event kinds recorded in the trail.
const (
	KindRulePublish = "rule_publish"
	KindRuleReject  = "rule_reject"
	KindEngineStart = "engine_start"
	KindEngineStop  = "engine_stop"
)

// Sources a rule publish can arrive from.
const (
	SourceControl = "control"
	SourceAPI     = "api"
	SourceFile    = "file"
)

// Event is one audit row.
type Event struct {
	ID     int64           `json:"id"`
	Time   time.Time       `json:"time"`
	Kind   string          `json:"kind"`
	Detail json.RawMessage `json:"detail,omitempty"`
}

// Store is the sqlite-backed audit trail. Recording helpers never fail the
// caller: a broken audit database is logged and otherwise ignored, because
// nothing on the control path should stop working when the disk does.
type Store struct {
	db     *sql.DB
	logger *logging.Logger
}

// Open opens or creates the audit database. Pass ":memory:" for an
// in-process database (tests).
func Open(path string, logger *logging.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.Default()
	}

	dsn := path
	if path != ":memory:" {
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "opening audit db")
	}
	if path == ":memory:" {
		// Each pool connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db, logger: logger.WithComponent("audit")}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.KindInternal, "initializing audit schema")
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts INTEGER NOT NULL, -- unix nanoseconds
		kind TEXT NOT NULL,
		detail TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);
	CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);
	`
	_, err := s.db.Exec(schema)
	return err
}

// record inserts one event. detail must marshal to JSON.
func (s *Store) record(kind string, detail any) {
	blob, err := json.Marshal(detail)
	if err != nil {
		s.logger.WithError(err).Warn("Audit detail not serializable", "kind", kind)
		return
	}
	_, err = s.db.Exec(
		"INSERT INTO events (ts, kind, detail) VALUES (?, ?, ?)",
		clock.Now().UnixNano(), kind, string(blob),
	)
	if err != nil {
		s.logger.WithError(err).Warn("Audit write failed", "kind", kind)
		return
	}
	s.logger.Debug("Audit event", "kind", kind)
}

// RulePublish records a successful publish and where it came from.
func (s *Store) RulePublish(source string, version uint64, patterns int) {
	s.record(KindRulePublish, map[string]any{
		"source":   source,
		"version":  version,
		"patterns": patterns,
	})
}

// RuleReject records a publish the registry refused.
func (s *Store) RuleReject(source string, reason string) {
	s.record(KindRuleReject, map[string]any{
		"source": source,
		"reason": reason,
	})
}

// EngineStart records a session coming up.
func (s *Store) EngineStart(session string, workers int, ruleVersion uint64) {
	s.record(KindEngineStart, map[string]any{
		"session":      session,
		"workers":      workers,
		"rule_version": ruleVersion,
	})
}

// EngineStop records a session going down with its final totals.
func (s *Store) EngineStop(session string, uptime time.Duration, received, matches uint64) {
	s.record(KindEngineStop, map[string]any{
		"session":        session,
		"uptime_seconds": uptime.Seconds(),
		"received":       received,
		"matches":        matches,
	})
}

// Recent returns the newest events, most recent first.
func (s *Store) Recent(limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		"SELECT id, ts, kind, detail FROM events ORDER BY id DESC LIMIT ?", limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "querying audit events")
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev     Event
			ts     int64
			detail sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ts, &ev.Kind, &detail); err != nil {
			return nil, errors.Wrap(err, errors.KindInternal, "scanning audit event")
		}
		ev.Time = time.Unix(0, ts)
		if detail.Valid {
			ev.Detail = json.RawMessage(detail.String)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
