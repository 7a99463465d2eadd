// Package ads1115 implements a driver for the Texas Instruments ADS1115 16 bit ADC. It reads a
// voltage on one input and a light level, as percent of full scale, off a photoresistor divider
// on another.
package ads1115

import (
	"context"
	"encoding/binary"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/spf13/cast"
	goutils "go.viam.com/utils"

	"github.com/envsense/hal/components/board"
	"github.com/envsense/hal/components/sensor"
	"github.com/envsense/hal/logging"
	"github.com/envsense/hal/resource"
)

const (
	conversionReg = 0x00
	configReg     = 0x01

	configOS         = 1 << 15
	configMuxSingle  = 0b100 << 12
	configPGAShift   = 9
	configModeSingle = 1 << 8
	configDRShift    = 5
	configCompQueOff = 0b11

	maxConversionPolls = 10
	channels           = 4
)

// fullScaleRanges holds the programmable gain settings in PGA code order.
var fullScaleRanges = []float64{6.144, 4.096, 2.048, 1.024, 0.512, 0.256}

// dataRates holds the samples per second settings in DR code order.
var dataRates = []int{8, 16, 32, 64, 128, 250, 475, 860}

// Sensor is an ads1115 on an I2C bus.
type Sensor struct {
	sensor.Callbacks

	mu           sync.Mutex
	bus          board.I2C
	addr         byte
	logger       logging.Logger
	gain         int
	channel      int
	lightChannel int
	dataRate     int
	closed       bool
}

var _ = sensor.Driver(&Sensor{})

// New checks that the ADC answers at addr. Defaults are a ±4.096 V range at 128 samples per
// second, voltage on AIN0 and light on AIN1.
func New(ctx context.Context, bus board.I2C, addr byte, logger logging.Logger) (*Sensor, error) {
	s := &Sensor{
		bus:          bus,
		addr:         addr,
		logger:       logger,
		gain:         1,
		channel:      0,
		lightChannel: 1,
		dataRate:     4,
	}
	err := s.withHandle(func(handle board.I2CHandle) error {
		_, err := handle.ReadBlockData(ctx, configReg, 2)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "ads1115 init")
	}
	s.logger.Debugw("ads1115 ready", "address", addr)
	return s, nil
}

func (s *Sensor) withHandle(f func(handle board.I2CHandle) error) error {
	return errors.Wrapf(board.WithI2CHandle(s.bus, s.addr, f), "ads1115 at 0x%02x", s.addr)
}

// TriggerMeasurement runs one single-shot conversion and dispatches volts or light percent.
func (s *Sensor) TriggerMeasurement(ctx context.Context, kind resource.Kind) error {
	value, err := s.measure(ctx, kind)
	if err != nil {
		return err
	}
	s.Dispatch(kind, sensor.FormatFloat(value))
	return nil
}

func (s *Sensor) measure(ctx context.Context, kind resource.Kind) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, sensor.ErrDriverClosed
	}

	switch kind {
	case resource.KindVoltage:
		raw, err := s.convert(ctx, s.channel)
		if err != nil {
			return 0, err
		}
		return float64(raw) * fullScaleRanges[s.gain] / 32768, nil
	case resource.KindLight:
		raw, err := s.convert(ctx, s.lightChannel)
		if err != nil {
			return 0, err
		}
		return math.Max(0, float64(raw)*100/math.MaxInt16), nil
	default:
		return 0, sensor.NewUnsupportedKindError(resource.DeviceADS1115, kind)
	}
}

func (s *Sensor) configWord(channel int) uint16 {
	return configOS |
		configMuxSingle | uint16(channel)<<12 |
		uint16(s.gain)<<configPGAShift |
		configModeSingle |
		uint16(s.dataRate)<<configDRShift |
		configCompQueOff
}

// convert writes the multiplexer, gain and data rate, waits out the conversion and reads the
// result. The bus stays locked throughout so no other conversion can change the configuration.
func (s *Sensor) convert(ctx context.Context, channel int) (int16, error) {
	conversionTime := time.Second/time.Duration(dataRates[s.dataRate]) + 100*time.Microsecond
	var raw int16
	err := s.withHandle(func(handle board.I2CHandle) error {
		config := binary.BigEndian.AppendUint16(nil, s.configWord(channel))
		if err := handle.WriteBlockData(ctx, configReg, config); err != nil {
			return err
		}
		done := false
		for i := 0; i < maxConversionPolls; i++ {
			if !goutils.SelectContextOrWait(ctx, conversionTime) {
				return ctx.Err()
			}
			status, err := handle.ReadBlockData(ctx, configReg, 2)
			if err != nil {
				return err
			}
			if binary.BigEndian.Uint16(status)&configOS != 0 {
				done = true
				break
			}
		}
		if !done {
			return errors.New("conversion did not complete")
		}
		result, err := handle.ReadBlockData(ctx, conversionReg, 2)
		if err != nil {
			return err
		}
		raw = int16(binary.BigEndian.Uint16(result))
		return nil
	})
	return raw, err
}

// Configure sets gain (full scale range in volts), channel or light_channel (0 to 3), or
// data_rate (samples per second).
func (s *Sensor) Configure(ctx context.Context, setting resource.Setting, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return sensor.ErrDriverClosed
	}

	switch setting {
	case resource.SettingGain:
		fsr, err := cast.ToFloat64E(value)
		if err != nil {
			return sensor.NewInvalidSettingValueError(setting, value, err)
		}
		code := lo.IndexOf(fullScaleRanges, fsr)
		if code < 0 {
			return sensor.NewInvalidSettingValueError(setting, value,
				errors.Errorf("must be one of %v", fullScaleRanges))
		}
		s.gain = code
	case resource.SettingChannel, resource.SettingLightChannel:
		channel, err := cast.ToIntE(value)
		if err != nil {
			return sensor.NewInvalidSettingValueError(setting, value, err)
		}
		if channel < 0 || channel >= channels {
			return sensor.NewInvalidSettingValueError(setting, value, errors.New("must be between 0 and 3"))
		}
		if setting == resource.SettingChannel {
			s.channel = channel
		} else {
			s.lightChannel = channel
		}
	case resource.SettingDataRate:
		rate, err := cast.ToIntE(value)
		if err != nil {
			return sensor.NewInvalidSettingValueError(setting, value, err)
		}
		code := lo.IndexOf(dataRates, rate)
		if code < 0 {
			return sensor.NewInvalidSettingValueError(setting, value,
				errors.Errorf("must be one of %v", dataRates))
		}
		s.dataRate = code
	default:
		return sensor.NewUnsupportedSettingError(resource.DeviceADS1115, setting)
	}
	return nil
}

// Configuration returns the current value of a setting.
func (s *Sensor) Configuration(ctx context.Context, setting resource.Setting) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", sensor.ErrDriverClosed
	}

	switch setting {
	case resource.SettingGain:
		return strconv.FormatFloat(fullScaleRanges[s.gain], 'f', 3, 64), nil
	case resource.SettingChannel:
		return strconv.Itoa(s.channel), nil
	case resource.SettingLightChannel:
		return strconv.Itoa(s.lightChannel), nil
	case resource.SettingDataRate:
		return strconv.Itoa(dataRates[s.dataRate]), nil
	default:
		return "", sensor.NewUnsupportedSettingError(resource.DeviceADS1115, setting)
	}
}

// AvailableConfigurations lists gain, channel, light_channel and data_rate.
func (s *Sensor) AvailableConfigurations() []resource.Setting {
	return resource.DeviceADS1115.Settings()
}

// Close marks the driver closed. The chip powers down on its own after each single-shot
// conversion.
func (s *Sensor) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return sensor.ErrDriverClosed
	}
	s.closed = true
	return nil
}
