//go:build !linux
// +build !linux

package engine

import "grimm.is/dragnet/internal/errors"

func pinToCPU(cpu int) error {
	return errors.New(errors.KindUnavailable, "cpu pinning requires linux")
}
