// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package clock provides a swappable time source so expiry logic can be
// tested without sleeping.
package clock

import (
	"sync"
	"time"
)

// Clock is an injectable time source.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// System returns the wall clock.
func System() Clock { return systemClock{} }

var (
	mu      sync.RWMutex
	current Clock = systemClock{}
)

// Now returns the current time from the active clock.
func Now() time.Time {
	mu.RLock()
	c := current
	mu.RUnlock()
	return c.Now()
}

// SetClock replaces the package clock. Tests restore it with Reset.
func SetClock(c Clock) {
	if c == nil {
		return
	}
	mu.Lock()
	current = c
	mu.Unlock()
}

// Reset restores the wall clock.
func Reset() {
	mu.Lock()
	current = systemClock{}
	mu.Unlock()
}

// MockClock is a manually driven Clock for tests and replay.
type MockClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockClock returns a MockClock frozen at start.
func NewMockClock(start time.Time) *MockClock {
	return &MockClock{now: start}
}

// Now returns the mock's current time.
func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Set moves the mock to an absolute time.
func (m *MockClock) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}

// Advance moves the mock forward by d and returns the new time.
func (m *MockClock) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	return m.now
}
