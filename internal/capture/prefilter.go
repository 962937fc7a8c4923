// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package capture

import (
	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"golang.org/x/net/bpf"

	"grimm.is/dragnet/internal/errors"
)

// EtherTypes the engine can parse. Anything else is dead weight the kernel
// can drop before it costs a ring slot. Both filters read the outer
// EtherType only, so they assume VLAN stripping is disabled on the NIC;
// SetupInterface takes care of that.
const (
	etherIPv4   = 0x0800
	etherIPv6   = 0x86dd
	etherVLAN   = 0x8100
	etherQinQ   = 0x88a8
	etherQinQ9K = 0x9100
)

func classicPrefilterProgram(snapLen int) []bpf.Instruction {
	if snapLen <= 0 {
		snapLen = DefaultSnapLen
	}
	return []bpf.Instruction{
		bpf.LoadAbsolute{Off: 12, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: etherVLAN, SkipTrue: 4},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: etherQinQ, SkipTrue: 3},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: etherQinQ9K, SkipTrue: 2},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: etherIPv4, SkipTrue: 1},
		bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: etherIPv6, SkipTrue: 1},
		bpf.RetConstant{Val: uint32(snapLen)},
		bpf.RetConstant{Val: 0},
	}
}

// ClassicPrefilter assembles the classic BPF form of the EtherType filter,
// ready for a PACKET_FANOUT socket.
func ClassicPrefilter(snapLen int) ([]bpf.RawInstruction, error) {
	raw, err := bpf.Assemble(classicPrefilterProgram(snapLen))
	return raw, errors.Wrap(err, errors.KindInternal, "assemble prefilter")
}

// EBPFPrefilterSpec builds the same filter as an eBPF socket filter.
func EBPFPrefilterSpec() *ebpf.ProgramSpec {
	return &ebpf.ProgramSpec{
		Name:    "dragnet_prefilter",
		Type:    ebpf.SocketFilter,
		License: "MIT",
		Instructions: asm.Instructions{
			// LD_ABS reads the skb via R6.
			asm.Mov.Reg(asm.R6, asm.R1),
			asm.LoadAbs(12, asm.Half),
			asm.JEq.Imm(asm.R0, etherIPv4, "keep"),
			asm.JEq.Imm(asm.R0, etherIPv6, "keep"),
			asm.JEq.Imm(asm.R0, etherVLAN, "keep"),
			asm.JEq.Imm(asm.R0, etherQinQ, "keep"),
			asm.JEq.Imm(asm.R0, etherQinQ9K, "keep"),
			asm.Mov.Imm(asm.R0, 0),
			asm.Return(),
			asm.Mov.Imm(asm.R0, DefaultSnapLen).WithSymbol("keep"),
			asm.Return(),
		},
	}
}
