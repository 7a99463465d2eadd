package genericlinux

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"periph.io/x/conn/v3/i2c"

	"github.com/envsense/hal/components/board"
)

// i2cBus wraps a periph.io bus. Only one handle may be open at a time; OpenHandle blocks until the
// previous handle is closed.
type i2cBus struct {
	mu   sync.Mutex
	name string
	bus  i2c.Bus
}

func newI2cBus(name string, bus i2c.Bus) *i2cBus {
	return &i2cBus{name: name, bus: bus}
}

// This lets the i2cBus type implement the board.I2C interface.
func (bus *i2cBus) OpenHandle(addr byte) (board.I2CHandle, error) {
	bus.mu.Lock()
	return &i2cHandle{bus: bus, device: &i2c.Dev{Bus: bus.bus, Addr: uint16(addr)}}, nil
}

func (bus *i2cBus) close() error {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	if closer, ok := bus.bus.(i2c.BusCloser); ok {
		return closer.Close()
	}
	return nil
}

// i2cHandle issues every operation as a single periph transaction so a register pointer write and
// the following read are never split by a STOP condition.
type i2cHandle struct {
	bus    *i2cBus
	device *i2c.Dev
	closed bool
}

func (h *i2cHandle) tx(w, r []byte) error {
	if h.closed {
		return errors.New("i2c handle already closed")
	}
	if err := h.device.Tx(w, r); err != nil {
		return errors.Wrapf(err, "i2c bus %s address 0x%02x", h.bus.name, h.device.Addr)
	}
	return nil
}

// This helps the i2cHandle struct implement the board.I2CHandle interface.
func (h *i2cHandle) Write(ctx context.Context, tx []byte) error {
	return h.tx(tx, nil)
}

// This helps the i2cHandle struct implement the board.I2CHandle interface.
func (h *i2cHandle) Read(ctx context.Context, count int) ([]byte, error) {
	buffer := make([]byte, count)
	if err := h.tx(nil, buffer); err != nil {
		return nil, err
	}
	return buffer, nil
}

// This helps the i2cHandle struct implement the board.I2CHandle interface.
func (h *i2cHandle) ReadByteData(ctx context.Context, register byte) (byte, error) {
	buffer := make([]byte, 1)
	if err := h.tx([]byte{register}, buffer); err != nil {
		return 0, err
	}
	return buffer[0], nil
}

// This helps the i2cHandle struct implement the board.I2CHandle interface.
func (h *i2cHandle) WriteByteData(ctx context.Context, register, data byte) error {
	return h.tx([]byte{register, data}, nil)
}

// This helps the i2cHandle struct implement the board.I2CHandle interface.
func (h *i2cHandle) ReadBlockData(ctx context.Context, register byte, numBytes uint8) ([]byte, error) {
	buffer := make([]byte, numBytes)
	if err := h.tx([]byte{register}, buffer); err != nil {
		return nil, err
	}
	return buffer, nil
}

// This helps the i2cHandle struct implement the board.I2CHandle interface. On devices that use
// registers this is the register address followed by the data.
func (h *i2cHandle) WriteBlockData(ctx context.Context, register byte, data []byte) error {
	rawData := make([]byte, len(data)+1)
	rawData[0] = register
	copy(rawData[1:], data)
	return h.tx(rawData, nil)
}

func (h *i2cHandle) Close() error {
	if h.closed {
		return errors.New("i2c handle already closed")
	}
	h.closed = true
	h.bus.mu.Unlock()
	return nil
}
