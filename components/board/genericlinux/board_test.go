package genericlinux

import (
	"context"
	"testing"

	"go.viam.com/test"
	"periph.io/x/conn/v3/i2c/i2ctest"
)

func TestI2CHandleTransactions(t *testing.T) {
	ctx := context.Background()
	playback := &i2ctest.Playback{
		Ops: []i2ctest.IO{
			{Addr: 0x76, W: []byte{0xD0}, R: []byte{0x60}},
			{Addr: 0x76, W: []byte{0xE0, 0xB6}},
			{Addr: 0x76, W: []byte{0x88}, R: []byte{0x70, 0x6B, 0x43, 0x67}},
			{Addr: 0x76, W: []byte{0xF4, 0x27, 0x00}},
			{Addr: 0x76, W: []byte{0xF7}},
			{Addr: 0x76, R: []byte{0x65, 0x5A}},
		},
		DontPanic: true,
	}
	bus := newI2cBus("1", playback)

	handle, err := bus.OpenHandle(0x76)
	test.That(t, err, test.ShouldBeNil)

	id, err := handle.ReadByteData(ctx, 0xD0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, id, test.ShouldEqual, byte(0x60))

	test.That(t, handle.WriteByteData(ctx, 0xE0, 0xB6), test.ShouldBeNil)

	calib, err := handle.ReadBlockData(ctx, 0x88, 4)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, calib, test.ShouldResemble, []byte{0x70, 0x6B, 0x43, 0x67})

	test.That(t, handle.WriteBlockData(ctx, 0xF4, []byte{0x27, 0x00}), test.ShouldBeNil)

	test.That(t, handle.Write(ctx, []byte{0xF7}), test.ShouldBeNil)
	raw, err := handle.Read(ctx, 2)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, raw, test.ShouldResemble, []byte{0x65, 0x5A})

	test.That(t, handle.Close(), test.ShouldBeNil)
	test.That(t, handle.Close(), test.ShouldNotBeNil)

	test.That(t, bus.close(), test.ShouldBeNil)
}

func TestI2CHandleErrors(t *testing.T) {
	ctx := context.Background()
	bus := newI2cBus("1", &i2ctest.Playback{DontPanic: true})

	handle, err := bus.OpenHandle(0x5A)
	test.That(t, err, test.ShouldBeNil)
	_, err = handle.ReadByteData(ctx, 0x20)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "i2c bus 1 address 0x5a")
	test.That(t, handle.Close(), test.ShouldBeNil)

	// A closed handle never reaches the bus.
	_, err = handle.ReadByteData(ctx, 0x00)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "already closed")

	// The bus lock was released by Close.
	handle, err = bus.OpenHandle(0x5A)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, handle.Close(), test.ShouldBeNil)
}

func TestConfigValidate(t *testing.T) {
	conf := Config{I2Cs: []BusConfig{{Name: "main"}}}
	err := conf.Validate("board")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "board.i2cs.0")

	conf.I2Cs[0].Bus = "1"
	test.That(t, conf.Validate("board"), test.ShouldBeNil)

	conf.I2Cs = append(conf.I2Cs, BusConfig{Bus: "main"})
	err = conf.Validate("board")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "used twice")

	conf.I2Cs[1].Name = "aux"
	test.That(t, conf.Validate("board"), test.ShouldBeNil)
	test.That(t, BusConfig{Bus: "/dev/i2c-2"}.BusName(), test.ShouldEqual, "/dev/i2c-2")
}
