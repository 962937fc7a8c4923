// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package store persists matched packets. Workers hand frames to a Writer,
// which queues them and feeds a Sink from its own goroutine so disk or
// network latency never stalls the receive loop.
package store

import (
	"time"

	"grimm.is/dragnet/internal/errors"
)

// ErrBackpressure is returned by Submit when the writer queue is full. It is
// a shared sentinel so the hot path allocates nothing on a drop.
var ErrBackpressure = errors.New(errors.KindBackpressure, "capture queue full")

// Packet is one captured record. Data must be owned by the Packet: callers
// copy out of ring buffers before submitting.
type Packet struct {
	// Flow is the file-name-safe flow identity the record belongs to.
	Flow string

	// Timestamp is when the frame was received.
	Timestamp time.Time

	// Worker is the receive worker that captured the frame.
	Worker int

	// RuleVersion is the rule set version that matched the flow.
	RuleVersion uint64

	// WireLength is the original frame length on the wire. It may exceed
	// len(Data) when only the payload was kept.
	WireLength int

	// Data is the captured bytes, either the whole frame or its payload.
	Data []byte
}

// Sink is a capture destination. Implementations are safe for use by
// multiple writers.
type Sink interface {
	Append(p Packet) error
	Flush() error
	Close() error
}

// TeeSink fans every record out to all of its sinks, so a capture can land
// on disk and be mirrored to a monitor port at the same time.
type TeeSink struct {
	sinks []Sink
}

// NewTeeSink combines sinks. With a single sink it is returned unwrapped.
func NewTeeSink(sinks ...Sink) Sink {
	if len(sinks) == 1 {
		return sinks[0]
	}
	return &TeeSink{sinks: sinks}
}

// Append delivers p to every sink and reports the first failure. The
// remaining sinks still receive the record.
func (t *TeeSink) Append(p Packet) error {
	var first error
	for _, s := range t.sinks {
		if err := s.Append(p); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (t *TeeSink) Flush() error {
	var first error
	for _, s := range t.sinks {
		if err := s.Flush(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (t *TeeSink) Close() error {
	var first error
	for _, s := range t.sinks {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
