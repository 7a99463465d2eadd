// Package fake implements an in-memory board with register-file I2C devices and settable GPIO
// lines.
package fake

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/envsense/hal/components/board"
)

// A Board provides fake buses and lines.
type Board struct {
	mu         sync.Mutex
	I2Cs       map[string]*I2C
	Inputs     map[int]*DigitalInput
	Interrupts map[int]*DigitalInterrupt
	CloseCount int
}

var _ = board.Board(&Board{})

// NewBoard returns a board with the named, empty I2C buses.
func NewBoard(busNames ...string) *Board {
	b := &Board{
		I2Cs:       map[string]*I2C{},
		Inputs:     map[int]*DigitalInput{},
		Interrupts: map[int]*DigitalInterrupt{},
	}
	for _, name := range busNames {
		b.I2Cs[name] = NewI2C()
	}
	return b
}

// AddI2CDevice attaches a register-file device at addr on the named bus, creating the bus if
// needed.
func (b *Board) AddI2CDevice(busName string, addr byte) *I2CDevice {
	b.mu.Lock()
	defer b.mu.Unlock()
	bus, ok := b.I2Cs[busName]
	if !ok {
		bus = NewI2C()
		b.I2Cs[busName] = bus
	}
	return bus.AddDevice(addr)
}

// I2CByName returns the bus by the given name if it exists.
func (b *Board) I2CByName(name string) (board.I2C, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bus, ok := b.I2Cs[name]
	if !ok {
		return nil, false
	}
	return bus, true
}

// I2CNames returns the names of all known buses.
func (b *Board) I2CNames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := lo.Keys(b.I2Cs)
	sort.Strings(names)
	return names
}

// DigitalInputByPin returns the input line at pin, creating a low line if needed.
func (b *Board) DigitalInputByPin(pin int) (board.DigitalInput, error) {
	return b.Input(pin), nil
}

// DigitalInterruptByPin returns the interrupt line at pin, creating a high line if needed.
func (b *Board) DigitalInterruptByPin(pin int) (board.DigitalInterrupt, error) {
	return b.Interrupt(pin), nil
}

// Input returns the concrete fake input at pin.
func (b *Board) Input(pin int) *DigitalInput {
	b.mu.Lock()
	defer b.mu.Unlock()
	in, ok := b.Inputs[pin]
	if !ok {
		in = &DigitalInput{}
		b.Inputs[pin] = in
	}
	return in
}

// Interrupt returns the concrete fake interrupt at pin. Interrupt lines idle high.
func (b *Board) Interrupt(pin int) *DigitalInterrupt {
	b.mu.Lock()
	defer b.mu.Unlock()
	di, ok := b.Interrupts[pin]
	if !ok {
		di = &DigitalInterrupt{high: true, edges: make(chan board.Edge, 16)}
		b.Interrupts[pin] = di
	}
	return di
}

// SetDigitalInput sets the level of the input line at pin.
func (b *Board) SetDigitalInput(pin int, high bool) {
	b.Input(pin).Set(high)
}

// Close counts closes; the board keeps working afterwards so tests can inspect it.
func (b *Board) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.CloseCount++
	return nil
}

// DigitalInput is a settable input line.
type DigitalInput struct {
	mu   sync.Mutex
	high bool
	err  error
}

// Set changes the level.
func (in *DigitalInput) Set(high bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.high = high
}

// SetErr makes reads fail with err, or succeed again when err is nil.
func (in *DigitalInput) SetErr(err error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.err = err
}

// Value returns the level, or the injected error.
func (in *DigitalInput) Value(ctx context.Context) (bool, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.err != nil {
		return false, in.err
	}
	return in.high, nil
}

// DigitalInterrupt is a settable line that queues an edge on every level change.
type DigitalInterrupt struct {
	mu    sync.Mutex
	high  bool
	edges chan board.Edge
}

// Value returns the level.
func (di *DigitalInterrupt) Value(ctx context.Context) (bool, error) {
	di.mu.Lock()
	defer di.mu.Unlock()
	return di.high, nil
}

// Edges delivers queued edges.
func (di *DigitalInterrupt) Edges() <-chan board.Edge {
	return di.edges
}

// Set changes the level, queueing an edge if it differs from the current one. Edges are dropped
// when the queue is full.
func (di *DigitalInterrupt) Set(high bool) {
	di.mu.Lock()
	defer di.mu.Unlock()
	if di.high == high {
		return
	}
	di.high = high
	select {
	case di.edges <- board.Edge{Rising: high, Time: time.Now()}:
	default:
	}
}

// Pulse drives the line low then high again, as an open-drain interrupt output does.
func (di *DigitalInterrupt) Pulse() {
	di.Set(false)
	di.Set(true)
}

// I2C is a fake bus holding devices by address.
type I2C struct {
	busMu   sync.Mutex
	mu      sync.Mutex
	devices map[byte]*I2CDevice
}

// NewI2C returns an empty bus.
func NewI2C() *I2C {
	return &I2C{devices: map[byte]*I2CDevice{}}
}

// AddDevice attaches a register-file device at addr, replacing any existing one.
func (bus *I2C) AddDevice(addr byte) *I2CDevice {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	dev := &I2CDevice{}
	bus.devices[addr] = dev
	return dev
}

// OpenHandle locks the bus for the device at addr.
func (bus *I2C) OpenHandle(addr byte) (board.I2CHandle, error) {
	bus.mu.Lock()
	dev, ok := bus.devices[addr]
	bus.mu.Unlock()
	if !ok {
		return nil, errors.Errorf("no device at i2c address 0x%02x", addr)
	}
	bus.busMu.Lock()
	return &i2cHandle{bus: bus, dev: dev}, nil
}

type i2cHandle struct {
	bus    *I2C
	dev    *I2CDevice
	closed bool
}

func (h *i2cHandle) Write(ctx context.Context, tx []byte) error {
	if len(tx) == 0 {
		return nil
	}
	return h.dev.write(tx[0], tx[1:])
}

func (h *i2cHandle) Read(ctx context.Context, count int) ([]byte, error) {
	return h.dev.read(count)
}

func (h *i2cHandle) ReadByteData(ctx context.Context, register byte) (byte, error) {
	if err := h.dev.write(register, nil); err != nil {
		return 0, err
	}
	data, err := h.dev.read(1)
	if err != nil {
		return 0, err
	}
	return data[0], nil
}

func (h *i2cHandle) WriteByteData(ctx context.Context, register, data byte) error {
	return h.dev.write(register, []byte{data})
}

func (h *i2cHandle) ReadBlockData(ctx context.Context, register byte, numBytes uint8) ([]byte, error) {
	if err := h.dev.write(register, nil); err != nil {
		return nil, err
	}
	return h.dev.read(int(numBytes))
}

func (h *i2cHandle) WriteBlockData(ctx context.Context, register byte, data []byte) error {
	return h.dev.write(register, data)
}

func (h *i2cHandle) Close() error {
	if h.closed {
		return errors.New("i2c handle already closed")
	}
	h.closed = true
	h.bus.busMu.Unlock()
	return nil
}

// Write records one bus write: the register pointer followed by the data written from it.
type Write struct {
	Register byte
	Data     []byte
}

// I2CDevice is a 256 byte register file with an auto-incrementing register pointer.
type I2CDevice struct {
	mu        sync.Mutex
	registers [256]byte
	pointer   byte
	writes    []Write

	err error

	// OnWrite runs after data is stored, with the device lock held. It may call the
	// methods ending in Locked.
	OnWrite func(dev *I2CDevice, register byte, data []byte)
	// OnRead runs before data is read from register, with the device lock held.
	OnRead func(dev *I2CDevice, register byte)
}

// SetErr makes every following transaction fail with err, or succeed again when err is nil.
func (dev *I2CDevice) SetErr(err error) {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	dev.err = err
}

// SetRegisters stores data starting at register.
func (dev *I2CDevice) SetRegisters(register byte, data ...byte) {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	dev.SetRegistersLocked(register, data...)
}

// SetRegistersLocked is SetRegisters for use from hooks.
func (dev *I2CDevice) SetRegistersLocked(register byte, data ...byte) {
	for i, b := range data {
		dev.registers[int(register+byte(i))] = b
	}
}

// Register returns the current value of a register.
func (dev *I2CDevice) Register(register byte) byte {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return dev.registers[register]
}

// RegisterLocked is Register for use from hooks.
func (dev *I2CDevice) RegisterLocked(register byte) byte {
	return dev.registers[register]
}

// Writes returns every write with a data payload seen so far.
func (dev *I2CDevice) Writes() []Write {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return append([]Write(nil), dev.writes...)
}

// WritesTo returns the data of every write that started at register.
func (dev *I2CDevice) WritesTo(register byte) [][]byte {
	var out [][]byte
	for _, w := range dev.Writes() {
		if w.Register == register {
			out = append(out, w.Data)
		}
	}
	return out
}

func (dev *I2CDevice) write(register byte, data []byte) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	if dev.err != nil {
		return dev.err
	}
	dev.pointer = register
	if len(data) == 0 {
		return nil
	}
	dev.writes = append(dev.writes, Write{Register: register, Data: append([]byte(nil), data...)})
	dev.SetRegistersLocked(register, data...)
	dev.pointer = register + byte(len(data))
	if dev.OnWrite != nil {
		dev.OnWrite(dev, register, data)
	}
	return nil
}

func (dev *I2CDevice) read(count int) ([]byte, error) {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	if dev.err != nil {
		return nil, dev.err
	}
	if dev.OnRead != nil {
		dev.OnRead(dev, dev.pointer)
	}
	out := make([]byte, count)
	for i := range out {
		out[i] = dev.registers[dev.pointer]
		dev.pointer++
	}
	return out, nil
}
