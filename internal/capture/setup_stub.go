//go:build !linux
// +build !linux

package capture

import (
	"runtime"

	"grimm.is/dragnet/internal/errors"
	"grimm.is/dragnet/internal/logging"
)

// InterfaceSetup prepares a NIC for capture (Linux only; stub elsewhere).
type InterfaceSetup struct{}

// SetupInterface is unavailable off Linux.
func SetupInterface(name string, opts SetupOptions, logger *logging.Logger) (*InterfaceSetup, error) {
	return nil, errors.New(errors.KindUnavailable, "interface setup requires linux")
}

func (s *InterfaceSetup) SuggestedWorkers() int { return runtime.NumCPU() }

func (s *InterfaceSetup) Restore() {}
