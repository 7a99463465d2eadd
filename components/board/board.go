// Package board defines the buses and lines a sensor driver talks through: shareable I2C buses,
// plain GPIO inputs, and GPIO lines that report edges.
package board

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// I2C represents a shareable I2C bus on the board.
type I2C interface {
	// OpenHandle locks the bus and returns a handle that MUST be closed when done.
	OpenHandle(addr byte) (I2CHandle, error)
}

// I2CHandle is similar to an io handle. It MUST be closed to release the bus.
type I2CHandle interface {
	Write(ctx context.Context, tx []byte) error
	Read(ctx context.Context, count int) ([]byte, error)

	ReadByteData(ctx context.Context, register byte) (byte, error)
	WriteByteData(ctx context.Context, register, data byte) error

	ReadBlockData(ctx context.Context, register byte, numBytes uint8) ([]byte, error)
	WriteBlockData(ctx context.Context, register byte, data []byte) error

	// Close closes the handle and releases the lock on the bus.
	Close() error
}

// WithI2CHandle opens a handle to addr, runs f with it and closes it again. The bus stays locked
// for the whole of f, so f is one uninterrupted transaction sequence.
func WithI2CHandle(bus I2C, addr byte, f func(handle I2CHandle) error) (err error) {
	handle, err := bus.OpenHandle(addr)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, handle.Close())
	}()
	return f(handle)
}

// An I2CRegister is a lightweight wrapper around a handle for a particular register.
type I2CRegister struct {
	Handle   I2CHandle
	Register byte
}

// ReadByteData reads a byte from the I2C channel register.
func (reg *I2CRegister) ReadByteData(ctx context.Context) (byte, error) {
	return reg.Handle.ReadByteData(ctx, reg.Register)
}

// WriteByteData writes a byte to the I2C channel register.
func (reg *I2CRegister) WriteByteData(ctx context.Context, data byte) error {
	return reg.Handle.WriteByteData(ctx, reg.Register, data)
}

// Update does a read-modify-write of the bits selected by mask.
func (reg *I2CRegister) Update(ctx context.Context, mask, value byte) error {
	current, err := reg.ReadByteData(ctx)
	if err != nil {
		return err
	}
	return reg.WriteByteData(ctx, (current&^mask)|(value&mask))
}

// DigitalInput is a GPIO line configured as an input.
type DigitalInput interface {
	// Value returns true when the line is high.
	Value(ctx context.Context) (bool, error)
}

// Edge is one level transition observed on a DigitalInterrupt.
type Edge struct {
	Rising bool
	Time   time.Time
}

// DigitalInterrupt is an input line that also reports edges.
type DigitalInterrupt interface {
	DigitalInput
	// Edges delivers observed transitions. Slow readers miss edges rather than block the line.
	Edges() <-chan Edge
}

// Board is the set of buses and lines sensor drivers are constructed against.
type Board interface {
	I2CByName(name string) (I2C, bool)
	I2CNames() []string
	DigitalInputByPin(pin int) (DigitalInput, error)
	DigitalInterruptByPin(pin int) (DigitalInterrupt, error)
	Close(ctx context.Context) error
}

// ErrEdgeTimeout is returned by WaitForEdge when no matching edge arrived in time.
var ErrEdgeTimeout = errors.New("timed out waiting for interrupt edge")

// WaitForEdge blocks until the interrupt reports an edge in the requested direction, the timeout
// passes, or ctx is done.
func WaitForEdge(ctx context.Context, interrupt DigitalInterrupt, rising bool, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return ErrEdgeTimeout
		case edge, ok := <-interrupt.Edges():
			if !ok {
				return errors.New("interrupt line closed")
			}
			if edge.Rising == rising {
				return nil
			}
		}
	}
}

// DrainEdges discards edges that were already queued, so a following WaitForEdge only sees new
// transitions.
func DrainEdges(interrupt DigitalInterrupt) {
	for {
		select {
		case <-interrupt.Edges():
		default:
			return
		}
	}
}
