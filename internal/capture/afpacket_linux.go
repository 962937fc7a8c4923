// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package capture

import (
	"math/bits"
	"os"
	"syscall"

	"github.com/cilium/ebpf"
	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/afpacket"
	"golang.org/x/sys/unix"

	"grimm.is/dragnet/internal/errors"
	"grimm.is/dragnet/internal/logging"
)

// AFPacketSource reads frames from a TPACKET_V3 memory-mapped ring. Each
// worker owns one source; sources sharing a FanoutID split traffic by flow
// hash, so every packet of a flow reaches the same worker.
type AFPacketSource struct {
	tp       *afpacket.TPacket
	ebpfProg *ebpf.Program
	logger   *logging.Logger
}

// NewAFPacketSource opens a ring on cfg.Interface, joins the fanout group
// when cfg.FanoutID is set, and attaches the configured prefilter.
func NewAFPacketSource(cfg Config, logger *logging.Logger) (*AFPacketSource, error) {
	cfg = cfg.withDefaults()
	if cfg.Interface == "" {
		return nil, errors.New(errors.KindValidation, "capture interface is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.WithComponent("capture")

	frameSize, blockSize, numBlocks, err := ringGeometry(cfg.BufferMB, cfg.SnapLen, os.Getpagesize())
	if err != nil {
		return nil, err
	}
	logger.Debug("Sizing packet ring",
		"interface", cfg.Interface,
		"frame_size", frameSize,
		"block_size", blockSize,
		"num_blocks", numBlocks)

	tp, err := afpacket.NewTPacket(
		afpacket.OptInterface(cfg.Interface),
		afpacket.OptFrameSize(frameSize),
		afpacket.OptBlockSize(blockSize),
		afpacket.OptNumBlocks(numBlocks),
		afpacket.OptPollTimeout(cfg.PollTimeout),
		afpacket.OptTPacketVersion(afpacket.TPacketVersion3),
	)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindUnavailable, "open packet ring on %s", cfg.Interface)
	}

	s := &AFPacketSource{tp: tp, logger: logger}

	if cfg.FanoutID != 0 {
		if err := tp.SetFanout(afpacket.FanoutHashWithDefrag, cfg.FanoutID); err != nil {
			tp.Close()
			return nil, errors.Wrapf(err, errors.KindUnavailable, "join fanout group %d", cfg.FanoutID)
		}
	}

	if err := s.applyPrefilter(cfg.Prefilter, cfg.SnapLen); err != nil {
		tp.Close()
		return nil, err
	}
	return s, nil
}

func (s *AFPacketSource) applyPrefilter(mode PrefilterMode, snapLen int) error {
	switch mode {
	case PrefilterOff:
		return nil
	case PrefilterClassic:
		prog, err := ClassicPrefilter(snapLen)
		if err != nil {
			return err
		}
		return errors.Wrap(s.tp.SetBPF(prog), errors.KindUnavailable, "attach classic prefilter")
	case PrefilterEBPF:
		prog, err := ebpf.NewProgram(EBPFPrefilterSpec())
		if err != nil {
			return errors.Wrap(err, errors.KindUnavailable, "load ebpf prefilter")
		}
		if err := s.tp.SetEBPF(int32(prog.FD())); err != nil {
			prog.Close()
			return errors.Wrap(err, errors.KindUnavailable, "attach ebpf prefilter")
		}
		s.ebpfProg = prog
		return nil
	}
	return errors.Errorf(errors.KindValidation, "unknown prefilter mode %q", mode)
}

// ZeroCopyReadPacketData returns the next frame straight out of the ring.
func (s *AFPacketSource) ZeroCopyReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	data, ci, err := s.tp.ZeroCopyReadPacketData()
	if err == nil {
		return data, ci, nil
	}
	if err == afpacket.ErrTimeout || err == syscall.EAGAIN || err == syscall.EINTR {
		return nil, ci, ErrTimeout
	}
	return nil, ci, err
}

// Stats reports cumulative kernel counters for this socket.
func (s *AFPacketSource) Stats() (SourceStats, error) {
	_, v3, err := s.tp.SocketStats()
	if err != nil {
		return SourceStats{}, errors.Wrap(err, errors.KindInternal, "read socket stats")
	}
	return SourceStats{
		Received: uint64(v3.Packets()),
		Dropped:  uint64(v3.Drops()),
	}, nil
}

// Close tears down the ring and releases the prefilter program.
func (s *AFPacketSource) Close() {
	s.tp.Close()
	if s.ebpfProg != nil {
		s.ebpfProg.Close()
	}
}

// ringGeometry derives TPACKET_V3 buffer parameters from a size target in
// megabytes. Kernel constraints: the block size must be a multiple of both
// the page size and the frame size, and frames are TPACKET_ALIGNMENT
// aligned. See Documentation/networking/packet_mmap.txt.
func ringGeometry(targetMB, snapLen, pageSize int) (frameSize, blockSize, numBlocks int, err error) {
	frameSize = tpacketAlign(unix.TPACKET_HDRLEN) + tpacketAlign(snapLen)
	if frameSize <= pageSize {
		frameSize = nextPowerOf2(frameSize)
		blockSize = pageSize
	} else {
		frameSize = (frameSize + pageSize - 1) &^ (pageSize - 1)
		blockSize = frameSize
	}

	targetSize := targetMB << 20
	numBlocks = targetSize / blockSize
	if numBlocks == 0 {
		return 0, 0, 0, errors.Errorf(errors.KindValidation,
			"ring buffer of %d MB is too small for %d byte blocks", targetMB, blockSize)
	}

	// Cap the block count by growing blocks instead.
	step := blockSize
	for numBlocks > afpacket.DefaultNumBlocks {
		blockSize += step
		numBlocks = targetSize / blockSize
	}
	return frameSize, blockSize, numBlocks, nil
}

func tpacketAlign(n int) int {
	return (n + unix.TPACKET_ALIGNMENT - 1) &^ (unix.TPACKET_ALIGNMENT - 1)
}

func nextPowerOf2(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}
