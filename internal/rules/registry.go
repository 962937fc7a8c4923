// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package rules

import (
	"sync"
	"sync/atomic"

	"grimm.is/dragnet/internal/errors"
	"grimm.is/dragnet/internal/logging"
)

// Config bounds what the registry accepts.
type Config struct {
	// MaxPatterns rejects oversized publishes before compiling. Zero means
	// unlimited.
	MaxPatterns int `json:"max_patterns"`
}

// DefaultConfig returns the default registry configuration.
func DefaultConfig() Config {
	return Config{MaxPatterns: 1024}
}

// Registry holds the active rule set. Readers never block: Current is one
// atomic pointer load. Publishes are serialized among themselves but never
// contend with the packet path.
type Registry struct {
	current atomic.Pointer[Set]

	publishMu sync.Mutex
	cfg       Config
	logger    *logging.Logger

	publishes       atomic.Uint64
	compileFailures atomic.Uint64
}

// Stats is a copy of the registry counters.
type Stats struct {
	ActiveVersion   uint64 `json:"active_version"`
	ActivePatterns  int    `json:"active_patterns"`
	Publishes       uint64 `json:"publishes"`
	CompileFailures uint64 `json:"compile_failures"`
}

// NewRegistry returns a registry seeded with version 1: a valid, empty set
// that matches nothing.
func NewRegistry(cfg Config, logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.Default()
	}
	r := &Registry{
		cfg:    cfg,
		logger: logger.WithComponent("rules"),
	}
	seed, _ := Compile(1, nil)
	r.current.Store(seed)
	return r
}

// Current returns the active set. Never nil.
func (r *Registry) Current() *Set {
	return r.current.Load()
}

// Version returns the active set's version.
func (r *Registry) Version() uint64 {
	return r.current.Load().Version
}

// Publish compiles patterns into the next generation and atomically makes it
// active. On any compile failure the active set is untouched and the version
// is not consumed.
func (r *Registry) Publish(patterns []string) (*Set, error) {
	r.publishMu.Lock()
	defer r.publishMu.Unlock()

	if r.cfg.MaxPatterns > 0 && len(patterns) > r.cfg.MaxPatterns {
		r.compileFailures.Add(1)
		return nil, errors.Errorf(errors.KindValidation,
			"rule set has %d patterns, limit is %d", len(patterns), r.cfg.MaxPatterns)
	}

	next := r.current.Load().Version + 1
	set, err := Compile(next, patterns)
	if err != nil {
		r.compileFailures.Add(1)
		r.logger.WithError(err).Warn("Rule publish rejected", "patterns", len(patterns))
		return nil, err
	}

	r.current.Store(set)
	r.publishes.Add(1)
	r.logger.Info("Published rule set",
		"version", set.Version,
		"patterns", set.Len(),
		"id", set.ID.String())
	return set, nil
}

// Stats returns a copy of the registry counters.
func (r *Registry) Stats() Stats {
	cur := r.current.Load()
	return Stats{
		ActiveVersion:   cur.Version,
		ActivePatterns:  cur.Len(),
		Publishes:       r.publishes.Load(),
		CompileFailures: r.compileFailures.Load(),
	}
}

// Handle is a worker's private view of the registry. Refresh runs at safe
// points only (between packets), so one packet is always scanned against
// exactly one set; a worker lags a publish by at most the packet in flight.
type Handle struct {
	reg *Registry
	set *Set
}

// NewHandle returns a handle pinned to the currently active set.
func (r *Registry) NewHandle() *Handle {
	return &Handle{reg: r, set: r.Current()}
}

// Refresh adopts the latest set and reports whether it changed.
func (h *Handle) Refresh() bool {
	cur := h.reg.Current()
	if cur != h.set {
		h.set = cur
		return true
	}
	return false
}

// Set returns the pinned set.
func (h *Handle) Set() *Set {
	return h.set
}
