//go:build !linux

package genericlinux

import (
	"github.com/pkg/errors"

	"github.com/envsense/hal/utils"
)

var errGPIOUnsupported = errors.New("gpio lines are only supported on linux")

func openInput(chipPath string, offset int) (closableInput, error) {
	return nil, errGPIOUnsupported
}

func openInterrupt(chipPath string, offset int, workers utils.StoppableWorkers) (closableInterrupt, error) {
	return nil, errGPIOUnsupported
}
