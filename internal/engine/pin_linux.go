// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package engine

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// pinToCPU binds the calling goroutine's OS thread to a single CPU. The
// thread stays locked for the worker's lifetime so the affinity holds.
func pinToCPU(cpu int) error {
	runtime.LockOSThread()
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	return unix.SchedSetaffinity(0, &set)
}
