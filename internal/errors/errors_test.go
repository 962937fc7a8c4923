// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package errors

import (
	"errors"
	"testing"
)

func TestError(t *testing.T) {
	err := New(KindValidation, "invalid input")
	if err.Error() != "invalid input" {
		t.Errorf("expected 'invalid input', got '%s'", err.Error())
	}

	wrapped := Wrap(err, KindInternal, "failed to validate")
	if wrapped.Error() != "failed to validate: invalid input" {
		t.Errorf("expected 'failed to validate: invalid input', got '%s'", wrapped.Error())
	}
}

func TestGetKind(t *testing.T) {
	err := New(KindCompile, "bad pattern")
	if GetKind(err) != KindCompile {
		t.Errorf("expected KindCompile, got %v", GetKind(err))
	}

	wrapped := Wrap(err, KindInternal, "failed")
	if GetKind(wrapped) != KindInternal {
		t.Errorf("expected KindInternal, got %v", GetKind(wrapped))
	}

	if GetKind(errors.New("std error")) != KindUnknown {
		t.Errorf("expected KindUnknown, got %v", GetKind(errors.New("std error")))
	}
}

func TestIsKind(t *testing.T) {
	err := Errorf(KindCapacity, "shard %d full", 3)
	if !IsKind(err, KindCapacity) {
		t.Error("expected KindCapacity")
	}
	if IsKind(err, KindParse) {
		t.Error("did not expect KindParse")
	}
	if IsKind(nil, KindCapacity) {
		t.Error("nil error has no kind")
	}
}

func TestKindStrings(t *testing.T) {
	cases := map[Kind]string{
		KindParse:        "parse",
		KindCapacity:     "capacity",
		KindCompile:      "compile",
		KindBackpressure: "backpressure",
		KindUnknown:      "unknown",
	}
	for kind, want := range cases {
		if kind.String() != want {
			t.Errorf("Kind(%d).String() = %q, want %q", kind, kind.String(), want)
		}
	}
}

func TestAttributes(t *testing.T) {
	err := New(KindParse, "truncated frame")
	err = Attr(err, "reason", "truncated")
	err = Attr(err, "offset", 14)

	attrs := GetAttributes(err)
	if attrs["reason"] != "truncated" {
		t.Errorf("expected truncated, got %v", attrs["reason"])
	}
	if attrs["offset"] != 14 {
		t.Errorf("expected 14, got %v", attrs["offset"])
	}

	wrapped := Wrap(err, KindInternal, "failed")
	wrapped = Attr(wrapped, "worker", 2)

	allAttrs := GetAttributes(wrapped)
	if allAttrs["reason"] != "truncated" || allAttrs["worker"] != 2 {
		t.Errorf("missing attributes: %v", allAttrs)
	}
}
