package ads1115

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.viam.com/test"

	"github.com/envsense/hal/components/board"
	"github.com/envsense/hal/components/board/fake"
	"github.com/envsense/hal/components/sensor"
	"github.com/envsense/hal/logging"
	"github.com/envsense/hal/resource"
	"github.com/envsense/hal/testutils/inject"
)

const testAddr = 0x48

// newTestSensor wires a fake ADC whose conversion result depends on the selected input. The
// chip's registers are 16 bits wide, so reads are answered from words keyed by register pointer.
func newTestSensor(t *testing.T, inputs [channels]uint16) (*Sensor, *fake.I2CDevice) {
	t.Helper()
	b := fake.NewBoard("1")
	dev := b.AddI2CDevice("1", testAddr)
	words := map[byte]uint16{configReg: 0x8583}
	dev.OnWrite = func(dev *fake.I2CDevice, register byte, data []byte) {
		if register != configReg || len(data) != 2 {
			return
		}
		word := binary.BigEndian.Uint16(data)
		// Conversions complete at once; OS reads back as idle.
		words[configReg] = word | configOS
		words[conversionReg] = inputs[(word>>12)&0b11]
	}
	dev.OnRead = func(dev *fake.I2CDevice, register byte) {
		if word, ok := words[register]; ok {
			dev.SetRegistersLocked(register, binary.BigEndian.AppendUint16(nil, word)...)
		}
	}
	bus, _ := b.I2CByName("1")
	s, err := New(context.Background(), bus, testAddr, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	return s, dev
}

func readOnce(t *testing.T, s *Sensor, kind resource.Kind) string {
	t.Helper()
	var got string
	reg := s.NewRegistration(kind, func(v string) { got = v })
	s.AddValueCallback(kind, reg)
	defer s.RemoveValueCallback(kind, reg)
	test.That(t, s.TriggerMeasurement(context.Background(), kind), test.ShouldBeNil)
	return got
}

func TestConversions(t *testing.T) {
	s, dev := newTestSensor(t, [channels]uint16{0x4000, 0x7FFF, 0x2000, 0xC000})

	test.That(t, readOnce(t, s, resource.KindVoltage), test.ShouldEqual, "2.05")
	test.That(t, dev.WritesTo(configReg), test.ShouldResemble, [][]byte{{0xC3, 0x83}})
	test.That(t, readOnce(t, s, resource.KindLight), test.ShouldEqual, "100.00")
	test.That(t, dev.WritesTo(configReg)[1], test.ShouldResemble, []byte{0xD3, 0x83})

	ctx := context.Background()
	test.That(t, s.Configure(ctx, resource.SettingChannel, "2"), test.ShouldBeNil)
	test.That(t, s.Configure(ctx, resource.SettingGain, "2.048"), test.ShouldBeNil)
	test.That(t, readOnce(t, s, resource.KindVoltage), test.ShouldEqual, "0.51")
	test.That(t, dev.WritesTo(configReg)[2], test.ShouldResemble, []byte{0xE5, 0x83})

	// Negative light readings clamp to zero.
	test.That(t, s.Configure(ctx, resource.SettingLightChannel, "3"), test.ShouldBeNil)
	test.That(t, readOnce(t, s, resource.KindLight), test.ShouldEqual, "0.00")

	err := s.TriggerMeasurement(ctx, resource.KindTemperature)
	test.That(t, err, test.ShouldWrap, sensor.ErrUnsupportedKind)
	test.That(t, dev.WritesTo(configReg), test.ShouldHaveLength, 4)
}

func TestConversionWait(t *testing.T) {
	ctx := context.Background()
	polls := atomic.NewInt32(0)
	var written []byte
	handle := &inject.I2CHandle{
		WriteBlockDataFunc: func(ctx context.Context, register byte, data []byte) error {
			written = data
			return nil
		},
		ReadBlockDataFunc: func(ctx context.Context, register byte, numBytes uint8) ([]byte, error) {
			if register == conversionReg {
				return []byte{0x80, 0x00}, nil
			}
			// The first status read happens in New.
			if polls.Inc() <= 3 {
				return []byte{0x05, 0x83}, nil
			}
			return []byte{0x85, 0x83}, nil
		},
		CloseFunc: func() error { return nil },
	}
	bus := &inject.I2C{OpenHandleFunc: func(addr byte) (board.I2CHandle, error) { return handle, nil }}

	s, err := New(ctx, bus, testAddr, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, s.Configure(ctx, resource.SettingDataRate, "860"), test.ShouldBeNil)
	test.That(t, readOnce(t, s, resource.KindVoltage), test.ShouldEqual, "-4.10")
	test.That(t, polls.Load(), test.ShouldEqual, 4)
	test.That(t, written, test.ShouldResemble, []byte{0xC3, 0xE3})
}

func TestConversionNeverCompletes(t *testing.T) {
	ctx := context.Background()
	closes := atomic.NewInt32(0)
	handle := &inject.I2CHandle{
		WriteBlockDataFunc: func(ctx context.Context, register byte, data []byte) error { return nil },
		ReadBlockDataFunc: func(ctx context.Context, register byte, numBytes uint8) ([]byte, error) {
			return []byte{0x05, 0x83}, nil
		},
		CloseFunc: func() error {
			closes.Inc()
			return nil
		},
	}
	bus := &inject.I2C{OpenHandleFunc: func(addr byte) (board.I2CHandle, error) { return handle, nil }}

	s, err := New(ctx, bus, testAddr, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, s.Configure(ctx, resource.SettingDataRate, "860"), test.ShouldBeNil)
	err = s.TriggerMeasurement(ctx, resource.KindVoltage)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "conversion did not complete")
	test.That(t, closes.Load(), test.ShouldEqual, 2)
}

func TestHandleCloseError(t *testing.T) {
	handle := &inject.I2CHandle{
		ReadBlockDataFunc: func(ctx context.Context, register byte, numBytes uint8) ([]byte, error) {
			return []byte{0x85, 0x83}, nil
		},
		CloseFunc: func() error { return errors.New("bus stuck") },
	}
	bus := &inject.I2C{OpenHandleFunc: func(addr byte) (board.I2CHandle, error) { return handle, nil }}
	_, err := New(context.Background(), bus, testAddr, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "bus stuck")
}

func TestConfigure(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSensor(t, [channels]uint16{})

	test.That(t, s.AvailableConfigurations(), test.ShouldResemble, []resource.Setting{
		resource.SettingGain, resource.SettingChannel, resource.SettingLightChannel, resource.SettingDataRate,
	})

	for _, tc := range []struct {
		setting resource.Setting
		initial string
		value   string
	}{
		{resource.SettingGain, "4.096", "0.256"},
		{resource.SettingChannel, "0", "3"},
		{resource.SettingLightChannel, "1", "0"},
		{resource.SettingDataRate, "128", "475"},
	} {
		v, err := s.Configuration(ctx, tc.setting)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, v, test.ShouldEqual, tc.initial)
		test.That(t, s.Configure(ctx, tc.setting, tc.value), test.ShouldBeNil)
		v, err = s.Configuration(ctx, tc.setting)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, v, test.ShouldEqual, tc.value)
	}

	test.That(t, s.Configure(ctx, resource.SettingGain, "3.3"), test.ShouldNotBeNil)
	test.That(t, s.Configure(ctx, resource.SettingChannel, "4"), test.ShouldNotBeNil)
	test.That(t, s.Configure(ctx, resource.SettingDataRate, "100"), test.ShouldNotBeNil)
	test.That(t, s.Configure(ctx, resource.SettingDataRate, "fast"), test.ShouldNotBeNil)
	err := s.Configure(ctx, resource.SettingOffset, "1")
	test.That(t, err, test.ShouldWrap, sensor.ErrUnsupportedSetting)
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSensor(t, [channels]uint16{})
	test.That(t, s.Close(ctx), test.ShouldBeNil)
	test.That(t, s.Close(ctx), test.ShouldEqual, sensor.ErrDriverClosed)
	test.That(t, s.TriggerMeasurement(ctx, resource.KindVoltage), test.ShouldEqual, sensor.ErrDriverClosed)
}
