// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package rules manages the versioned regex sets packets are scanned
// against. A Set is immutable once compiled; swapping in new rules is a
// single pointer store, and workers pick the new set up at their next safe
// point. Old sets stay valid for whoever still holds them and are reclaimed
// by the garbage collector once the last worker moves on.
package rules

import (
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"grimm.is/dragnet/internal/clock"
	"grimm.is/dragnet/internal/errors"
)

// Set is one immutable, fully compiled generation of rules.
//
// The hot path scans with a single combined alternation so payload cost does
// not grow with rule count; the per-pattern programs exist for attribution
// after a match. Patterns are RE2, so scan time stays linear in the payload
// no matter what the control plane publishes.
type Set struct {
	ID         uuid.UUID
	Version    uint64
	Patterns   []string
	CompiledAt time.Time

	combined *regexp.Regexp
	programs []*regexp.Regexp
}

// Compile builds a Set from patterns, all-or-nothing: any invalid pattern
// rejects the whole batch. An empty batch compiles to a set that matches
// nothing.
func Compile(version uint64, patterns []string) (*Set, error) {
	s := &Set{
		ID:         uuid.New(),
		Version:    version,
		Patterns:   make([]string, len(patterns)),
		CompiledAt: clock.Now(),
	}
	copy(s.Patterns, patterns)

	if len(patterns) == 0 {
		return s, nil
	}

	s.programs = make([]*regexp.Regexp, len(patterns))
	alts := make([]string, len(patterns))
	for i, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, errors.Attr(
				errors.Wrapf(err, errors.KindCompile, "pattern %d failed to compile", i),
				"pattern", p)
		}
		s.programs[i] = re
		alts[i] = "(?:" + p + ")"
	}

	combined, err := regexp.Compile(strings.Join(alts, "|"))
	if err != nil {
		// Individually valid patterns can still overflow RE2's program
		// size limit when joined.
		return nil, errors.Wrap(err, errors.KindCompile, "combined program failed to compile")
	}
	s.combined = combined

	return s, nil
}

// Match reports whether any pattern matches the payload. This is the only
// scan the packet path performs.
func (s *Set) Match(payload []byte) bool {
	if s.combined == nil || len(payload) == 0 {
		return false
	}
	return s.combined.Match(payload)
}

// MatchPatterns returns every pattern that matches the payload, for event
// attribution. Called after Match, off the packet path.
func (s *Set) MatchPatterns(payload []byte) []string {
	if len(s.programs) == 0 || len(payload) == 0 {
		return nil
	}
	var hits []string
	for i, re := range s.programs {
		if re.Match(payload) {
			hits = append(hits, s.Patterns[i])
		}
	}
	return hits
}

// Len returns the number of patterns in the set.
func (s *Set) Len() int {
	return len(s.Patterns)
}
