package genericlinux

import (
	"fmt"

	"github.com/pkg/errors"
	"go.viam.com/utils"
)

// DefaultGPIOChip is the character device used when no chip is configured.
const DefaultGPIOChip = "/dev/gpiochip0"

// A Config describes the buses and GPIO chip of a Linux board.
type Config struct {
	I2Cs     []BusConfig `json:"i2cs,omitempty"`
	GPIOChip string      `json:"gpio_chip,omitempty"`
}

// A BusConfig maps a name the registry asks for to a host I2C bus, given as a number or a
// /dev/i2c-* path. Name defaults to Bus.
type BusConfig struct {
	Name string `json:"name,omitempty"`
	Bus  string `json:"bus"`
}

// BusName returns the name the bus is registered under.
func (bc BusConfig) BusName() string {
	if bc.Name == "" {
		return bc.Bus
	}
	return bc.Name
}

// Validate ensures all parts of the config are valid.
func (conf *Config) Validate(path string) error {
	names := map[string]bool{}
	for idx, bc := range conf.I2Cs {
		busPath := fmt.Sprintf("%s.i2cs.%d", path, idx)
		if bc.Bus == "" {
			return utils.NewConfigValidationFieldRequiredError(busPath, "bus")
		}
		if names[bc.BusName()] {
			return utils.NewConfigValidationError(busPath, errors.Errorf("i2c bus name %q used twice", bc.BusName()))
		}
		names[bc.BusName()] = true
	}
	return nil
}
