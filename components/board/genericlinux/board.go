// Package genericlinux implements a board for Linux systems: I2C buses through periph.io and GPIO
// lines through the GPIO character device.
package genericlinux

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"github.com/envsense/hal/components/board"
	"github.com/envsense/hal/logging"
	"github.com/envsense/hal/utils"
)

var _ = board.Board(&Board{})

type closableInput interface {
	board.DigitalInput
	Close() error
}

type closableInterrupt interface {
	board.DigitalInterrupt
	Close() error
}

// Board is a Linux board. GPIO lines are requested from the kernel on first use and held until
// Close.
type Board struct {
	mu         sync.Mutex
	logger     logging.Logger
	gpioChip   string
	i2cs       map[string]*i2cBus
	inputs     map[int]closableInput
	interrupts map[int]closableInterrupt
	workers    utils.StoppableWorkers
}

// NewBoard initializes the host drivers and opens every configured I2C bus.
func NewBoard(ctx context.Context, conf Config, logger logging.Logger) (*Board, error) {
	if err := conf.Validate("board"); err != nil {
		return nil, err
	}
	if _, err := host.Init(); err != nil {
		return nil, errors.Wrap(err, "initializing periph host drivers")
	}

	b := &Board{
		logger:     logger,
		gpioChip:   conf.GPIOChip,
		i2cs:       map[string]*i2cBus{},
		inputs:     map[int]closableInput{},
		interrupts: map[int]closableInterrupt{},
		workers:    utils.NewStoppableWorkers(),
	}
	if b.gpioChip == "" {
		b.gpioChip = DefaultGPIOChip
	}

	for _, i2cConf := range conf.I2Cs {
		bus, err := i2creg.Open(i2cConf.Bus)
		if err != nil {
			return nil, multierr.Combine(
				errors.Wrapf(err, "opening i2c bus %s", i2cConf.Bus),
				b.Close(ctx))
		}
		b.i2cs[i2cConf.BusName()] = newI2cBus(i2cConf.BusName(), bus)
		logger.Debugw("opened i2c bus", "name", i2cConf.BusName(), "bus", i2cConf.Bus)
	}
	return b, nil
}

// I2CByName returns the bus by the given name if it exists.
func (b *Board) I2CByName(name string) (board.I2C, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bus, ok := b.i2cs[name]
	if !ok {
		return nil, false
	}
	return bus, true
}

// I2CNames returns the names of all configured buses.
func (b *Board) I2CNames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := lo.Keys(b.i2cs)
	sort.Strings(names)
	return names
}

// DigitalInputByPin returns the input at the given line offset. A line already requested as an
// interrupt is returned as is.
func (b *Board) DigitalInputByPin(pin int) (board.DigitalInput, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if in, ok := b.inputs[pin]; ok {
		return in, nil
	}
	if di, ok := b.interrupts[pin]; ok {
		return di, nil
	}
	in, err := openInput(b.gpioChip, pin)
	if err != nil {
		return nil, errors.Wrapf(err, "requesting gpio line %d on %s", pin, b.gpioChip)
	}
	b.inputs[pin] = in
	return in, nil
}

// DigitalInterruptByPin returns an edge-reporting input at the given line offset.
func (b *Board) DigitalInterruptByPin(pin int) (board.DigitalInterrupt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if di, ok := b.interrupts[pin]; ok {
		return di, nil
	}
	if _, ok := b.inputs[pin]; ok {
		return nil, errors.Errorf("gpio line %d is already in use as a plain input", pin)
	}
	di, err := openInterrupt(b.gpioChip, pin, b.workers)
	if err != nil {
		return nil, errors.Wrapf(err, "requesting gpio events on line %d of %s", pin, b.gpioChip)
	}
	b.interrupts[pin] = di
	return di, nil
}

// Close stops interrupt monitoring and releases every line and bus.
func (b *Board) Close(ctx context.Context) error {
	b.workers.Stop()

	b.mu.Lock()
	defer b.mu.Unlock()
	var err error
	for pin, in := range b.inputs {
		err = multierr.Combine(err, in.Close())
		delete(b.inputs, pin)
	}
	for pin, di := range b.interrupts {
		err = multierr.Combine(err, di.Close())
		delete(b.interrupts, pin)
	}
	for name, bus := range b.i2cs {
		err = multierr.Combine(err, bus.close())
		delete(b.i2cs, name)
	}
	return err
}
