// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package capture

import (
	"net"
	"runtime"

	"github.com/safchain/ethtool"
	"github.com/vishvananda/netlink"

	"grimm.is/dragnet/internal/errors"
	"grimm.is/dragnet/internal/logging"
)

// offloadFeatures are NIC features that rewrite frames before the ring sees
// them: hardware VLAN stripping hides tags, GRO/LRO merge segments past the
// MTU. All of them have to be off for parsing to see the wire format.
var offloadFeatures = []string{
	"rx-vlan-hw-parse",
	"rx-gro",
	"rx-lro",
}

// InterfaceSetup prepares a NIC for capture and remembers what it changed so
// Restore can put it back. Everything beyond finding the link is best
// effort: plenty of drivers reject ethtool requests and capture still works.
type InterfaceSetup struct {
	name       string
	setPromisc bool
	workerHint int
	logger     *logging.Logger
}

// SetupInterface prepares the NIC per opts and reads its channel count.
func SetupInterface(name string, opts SetupOptions, logger *logging.Logger) (*InterfaceSetup, error) {
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.WithComponent("capture")

	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindNotFound, "interface %s", name)
	}

	s := &InterfaceSetup{name: name, workerHint: runtime.NumCPU(), logger: logger}

	if link.Attrs().Flags&net.FlagUp == 0 {
		logger.Warn("Interface is down, capture will see no traffic", "interface", name)
	}

	if opts.Promiscuous && link.Attrs().Promisc == 0 {
		if err := netlink.SetPromiscOn(link); err != nil {
			logger.WithError(err).Warn("Enabling promiscuous mode failed", "interface", name)
		} else {
			s.setPromisc = true
			logger.Info("Enabled promiscuous mode", "interface", name)
		}
	}

	s.tuneNIC(opts.DisableOffloads)
	return s, nil
}

func (s *InterfaceSetup) tuneNIC(disableOffloads bool) {
	et, err := ethtool.NewEthtool()
	if err != nil {
		s.logger.WithError(err).Warn("ethtool unavailable, skipping NIC tuning")
		return
	}
	defer et.Close()

	if disableOffloads {
		if features, err := et.Features(s.name); err == nil {
			toggle := make(map[string]bool)
			for _, f := range offloadFeatures {
				if on, ok := features[f]; ok && on {
					toggle[f] = false
				}
			}
			if len(toggle) > 0 {
				if err := et.Change(s.name, toggle); err != nil {
					s.logger.WithError(err).Warn("Disabling NIC offloads failed", "interface", s.name)
				} else {
					disabled := make([]string, 0, len(toggle))
					for f := range toggle {
						disabled = append(disabled, f)
					}
					s.logger.Info("Disabled NIC offloads", "interface", s.name, "features", disabled)
				}
			}
		} else {
			s.logger.WithError(err).Debug("Reading NIC features failed", "interface", s.name)
		}
	}

	if ch, err := et.GetChannels(s.name); err == nil {
		if n := int(ch.CombinedCount); n > 0 {
			s.workerHint = n
		} else if n := int(ch.RxCount); n > 0 {
			s.workerHint = n
		}
	}
}

// SuggestedWorkers returns the NIC's RX queue count, or the CPU count when
// the driver does not expose channels. One worker per RX queue keeps the
// fanout hash aligned with the hardware.
func (s *InterfaceSetup) SuggestedWorkers() int {
	return s.workerHint
}

// Restore undoes promiscuous mode if SetupInterface enabled it. Offload
// settings are left as tuned; re-enabling them mid-traffic is riskier than
// leaving the NIC in a capture-friendly state.
func (s *InterfaceSetup) Restore() {
	if !s.setPromisc {
		return
	}
	link, err := netlink.LinkByName(s.name)
	if err == nil {
		err = netlink.SetPromiscOff(link)
	}
	if err != nil {
		s.logger.WithError(err).Warn("Restoring promiscuous mode failed", "interface", s.name)
		return
	}
	s.logger.Info("Disabled promiscuous mode", "interface", s.name)
}
