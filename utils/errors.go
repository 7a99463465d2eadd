// Package utils holds helpers shared by the board, sensor and config packages.
package utils

import (
	"github.com/pkg/errors"
)

// NewBusNotFoundError is returned when a board does not expose the named I2C bus.
func NewBusNotFoundError(name string) error {
	return errors.Errorf("i2c bus %q not found", name)
}
