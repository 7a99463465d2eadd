package board_test

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/envsense/hal/components/board"
	"github.com/envsense/hal/components/board/fake"
)

func TestI2CRegisterUpdate(t *testing.T) {
	ctx := context.Background()
	b := fake.NewBoard()
	dev := b.AddI2CDevice("1", 0x76)
	dev.SetRegisters(0xF4, 0b1010_0111)

	bus, _ := b.I2CByName("1")
	handle, err := bus.OpenHandle(0x76)
	test.That(t, err, test.ShouldBeNil)
	defer handle.Close()

	reg := board.I2CRegister{Handle: handle, Register: 0xF4}
	test.That(t, reg.Update(ctx, 0b0000_0011, 0b0000_0001), test.ShouldBeNil)
	v, err := reg.ReadByteData(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, v, test.ShouldEqual, byte(0b1010_0101))
}

func TestWaitForEdge(t *testing.T) {
	b := fake.NewBoard()
	di := b.Interrupt(7)

	t.Run("falling edge", func(t *testing.T) {
		go di.Pulse()
		err := board.WaitForEdge(context.Background(), di, false, time.Second)
		test.That(t, err, test.ShouldBeNil)
		board.DrainEdges(di)
	})

	t.Run("timeout", func(t *testing.T) {
		err := board.WaitForEdge(context.Background(), di, false, 5*time.Millisecond)
		test.That(t, errors.Is(err, board.ErrEdgeTimeout), test.ShouldBeTrue)
	})

	t.Run("canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := board.WaitForEdge(ctx, di, false, time.Second)
		test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
	})
}

func TestWithI2CHandle(t *testing.T) {
	ctx := context.Background()
	b := fake.NewBoard("1")
	dev := b.AddI2CDevice("1", 0x48)
	bus, _ := b.I2CByName("1")

	err := board.WithI2CHandle(bus, 0x48, func(handle board.I2CHandle) error {
		return handle.WriteBlockData(ctx, 0x01, []byte{0x85, 0x83})
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, dev.WritesTo(0x01), test.ShouldResemble, [][]byte{{0x85, 0x83}})

	// The bus is released even when f fails.
	err = board.WithI2CHandle(bus, 0x48, func(handle board.I2CHandle) error {
		return errors.New("conversion failed")
	})
	test.That(t, err, test.ShouldBeError, errors.New("conversion failed"))
	err = board.WithI2CHandle(bus, 0x48, func(handle board.I2CHandle) error { return nil })
	test.That(t, err, test.ShouldBeNil)

	err = board.WithI2CHandle(bus, 0x49, func(handle board.I2CHandle) error { return nil })
	test.That(t, err, test.ShouldNotBeNil)
}
