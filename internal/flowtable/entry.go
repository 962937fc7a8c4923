// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flowtable

import (
	"sync/atomic"

	"grimm.is/dragnet/internal/errors"
)

// State is the scan position of a flow.
type State uint32

const (
	// StateUnseen marks a flow whose traffic has not matched yet.
	StateUnseen State = iota
	// StateScanning marks a flow with a scan in flight. The claim is
	// advisory; MarkMatched is the only transition that decides anything.
	StateScanning
	// StateMatched is terminal. Matched flows are captured without further
	// scanning until they expire from inactivity.
	StateMatched
)

func (s State) String() string {
	switch s {
	case StateScanning:
		return "scanning"
	case StateMatched:
		return "matched"
	default:
		return "unseen"
	}
}

// ParseState maps the wire names used by the control surfaces back to a
// State.
func ParseState(s string) (State, error) {
	switch s {
	case "unseen":
		return StateUnseen, nil
	case "scanning":
		return StateScanning, nil
	case "matched":
		return StateMatched, nil
	default:
		return 0, errors.Errorf(errors.KindValidation, "unknown flow state %q", s)
	}
}

// Entry is the per-flow record. Workers hold *Entry across packets, so every
// field is accessed atomically and entries are never copied or pooled; an
// entry evicted while still referenced stays valid until the reference is
// gone.
type Entry struct {
	state       atomic.Uint32
	lastSeen    atomic.Int64 // unix nanos
	packets     atomic.Uint64
	bytes       atomic.Uint64
	ruleVersion atomic.Uint64 // rule set that matched, zero until then
	created     int64         // unix nanos, immutable
}

func newEntry(now int64) *Entry {
	e := &Entry{created: now}
	e.lastSeen.Store(now)
	return e
}

// State returns the current scan state.
func (e *Entry) State() State {
	return State(e.state.Load())
}

// Matched reports whether the flow has reached the terminal state.
func (e *Entry) Matched() bool {
	return e.State() == StateMatched
}

// BeginScan claims the flow for an in-flight scan. The claim is best effort:
// losing the race just means another packet of the same flow is being
// scanned, which is fine.
func (e *Entry) BeginScan() {
	e.state.CompareAndSwap(uint32(StateUnseen), uint32(StateScanning))
}

// EndScan releases a scan claim after a non-matching scan.
func (e *Entry) EndScan() {
	e.state.CompareAndSwap(uint32(StateScanning), uint32(StateUnseen))
}

// MarkMatched moves the flow to the terminal state and records which rule
// set version matched. Exactly one caller observes true no matter how many
// race; the state never leaves Matched afterwards.
func (e *Entry) MarkMatched(version uint64) bool {
	for {
		cur := e.state.Load()
		if cur == uint32(StateMatched) {
			return false
		}
		if e.state.CompareAndSwap(cur, uint32(StateMatched)) {
			e.ruleVersion.Store(version)
			return true
		}
	}
}

// Touch records packet arrival. Advisory counters: concurrent updates may
// interleave but never corrupt.
func (e *Entry) Touch(now int64, frameBytes int) {
	e.lastSeen.Store(now)
	e.packets.Add(1)
	e.bytes.Add(uint64(frameBytes))
}

// LastSeen returns the unix-nano arrival time of the newest packet.
func (e *Entry) LastSeen() int64 { return e.lastSeen.Load() }

// Created returns the unix-nano insert time.
func (e *Entry) Created() int64 { return e.created }

// Packets returns the packet count observed for the flow.
func (e *Entry) Packets() uint64 { return e.packets.Load() }

// Bytes returns the byte count observed for the flow.
func (e *Entry) Bytes() uint64 { return e.bytes.Load() }

// RuleVersion returns the version of the rule set that matched the flow, or
// zero if it never matched.
func (e *Entry) RuleVersion() uint64 { return e.ruleVersion.Load() }
