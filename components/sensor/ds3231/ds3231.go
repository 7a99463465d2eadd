// Package ds3231 implements a driver for the Maxim DS3231 real-time clock, which also reports the
// temperature of its crystal compensation sensor.
package ds3231

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cast"

	"github.com/envsense/hal/components/board"
	"github.com/envsense/hal/components/sensor"
	"github.com/envsense/hal/logging"
	"github.com/envsense/hal/resource"
)

const (
	timeReg    = 0x00 // seconds..year, 7 bytes
	statusReg  = 0x0F
	tempMSBReg = 0x11

	hour12     = 1 << 6
	hourPM     = 1 << 5
	century    = 1 << 7
	statusOSF  = 1 << 7
	timeLength = 7
)

// ErrOscillatorStopped is returned for time readings after the clock lost power, until the time is
// set again.
var ErrOscillatorStopped = errors.New("ds3231 oscillator stopped, time must be set")

// Sensor is a ds3231 on an I2C bus.
type Sensor struct {
	sensor.Callbacks

	mu     sync.Mutex
	bus    board.I2C
	addr   byte
	logger logging.Logger
	closed bool
}

var _ = sensor.Driver(&Sensor{})

// New checks that the clock answers at addr.
func New(ctx context.Context, bus board.I2C, addr byte, logger logging.Logger) (*Sensor, error) {
	s := &Sensor{bus: bus, addr: addr, logger: logger}
	var status byte
	err := s.withHandle(func(handle board.I2CHandle) error {
		var err error
		status, err = handle.ReadByteData(ctx, statusReg)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "ds3231 init")
	}
	if status&statusOSF != 0 {
		s.logger.Warnw("ds3231 oscillator was stopped, time is invalid until set", "address", addr)
	}
	return s, nil
}

func (s *Sensor) withHandle(f func(handle board.I2CHandle) error) error {
	return errors.Wrapf(board.WithI2CHandle(s.bus, s.addr, f), "ds3231 at 0x%02x", s.addr)
}

// TriggerMeasurement dispatches the current time as RFC 3339 UTC text, or the temperature in °C.
func (s *Sensor) TriggerMeasurement(ctx context.Context, kind resource.Kind) error {
	value, err := s.measure(ctx, kind)
	if err != nil {
		return err
	}
	s.Dispatch(kind, value)
	return nil
}

func (s *Sensor) measure(ctx context.Context, kind resource.Kind) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", sensor.ErrDriverClosed
	}

	switch kind {
	case resource.KindTime:
		t, err := s.readTime(ctx)
		if err != nil {
			return "", err
		}
		return t.Format(time.RFC3339), nil
	case resource.KindTemperature:
		var buf []byte
		err := s.withHandle(func(handle board.I2CHandle) error {
			var err error
			buf, err = handle.ReadBlockData(ctx, tempMSBReg, 2)
			return err
		})
		if err != nil {
			return "", err
		}
		return sensor.FormatFloat(decodeTemperature(buf[0], buf[1])), nil
	default:
		return "", sensor.NewUnsupportedKindError(resource.DeviceDS3231, kind)
	}
}

func (s *Sensor) readTime(ctx context.Context) (time.Time, error) {
	var buf []byte
	var status byte
	err := s.withHandle(func(handle board.I2CHandle) error {
		var err error
		if status, err = handle.ReadByteData(ctx, statusReg); err != nil {
			return err
		}
		buf, err = handle.ReadBlockData(ctx, timeReg, timeLength)
		return err
	})
	if err != nil {
		return time.Time{}, err
	}
	if status&statusOSF != 0 {
		return time.Time{}, ErrOscillatorStopped
	}
	return decodeTime(buf)
}

// decodeTemperature converts the signed integer part and the quarter degrees in bits 7:6.
func decodeTemperature(msb, lsb byte) float64 {
	return float64(int8(msb)) + float64(lsb>>6)*0.25
}

func fromBCD(b byte) int {
	return int(b>>4)*10 + int(b&0x0F)
}

func toBCD(n int) byte {
	return byte(n/10)<<4 | byte(n%10)
}

func decodeTime(buf []byte) (time.Time, error) {
	if len(buf) != timeLength {
		return time.Time{}, errors.Errorf("expected %d time bytes, got %d", timeLength, len(buf))
	}
	var hour int
	if buf[2]&hour12 != 0 {
		hour = fromBCD(buf[2]&0x1F) % 12
		if buf[2]&hourPM != 0 {
			hour += 12
		}
	} else {
		hour = fromBCD(buf[2] & 0x3F)
	}
	year := 2000 + fromBCD(buf[6])
	if buf[5]&century != 0 {
		year += 100
	}
	month := fromBCD(buf[5] & 0x1F)
	day := fromBCD(buf[4] & 0x3F)
	t := time.Date(year, time.Month(month), day, hour, fromBCD(buf[1]&0x7F), fromBCD(buf[0]&0x7F), 0, time.UTC)
	if t.Month() != time.Month(month) || t.Day() != day || hour > 23 {
		return time.Time{}, errors.Errorf("clock registers hold an invalid date % x", buf)
	}
	return t, nil
}

// encodeTime stores t in 24 hour mode. Day of week runs from 1 on Sunday.
func encodeTime(t time.Time) ([]byte, error) {
	t = t.UTC()
	if t.Year() < 2000 || t.Year() > 2199 {
		return nil, errors.Errorf("year %d out of range 2000-2199", t.Year())
	}
	month := toBCD(int(t.Month()))
	if t.Year() >= 2100 {
		month |= century
	}
	return []byte{
		toBCD(t.Second()),
		toBCD(t.Minute()),
		toBCD(t.Hour()),
		byte(t.Weekday()) + 1,
		toBCD(t.Day()),
		month,
		toBCD(t.Year() % 100),
	}, nil
}

// Configure sets the clock. The value may be RFC 3339 or any other layout cast understands; it is
// stored in UTC with second precision. Setting the clock clears the oscillator stop flag.
func (s *Sensor) Configure(ctx context.Context, setting resource.Setting, value string) error {
	if setting != resource.SettingTime {
		return sensor.NewUnsupportedSettingError(resource.DeviceDS3231, setting)
	}
	t, err := cast.ToTimeE(value)
	if err != nil {
		return sensor.NewInvalidSettingValueError(setting, value, err)
	}
	data, err := encodeTime(t)
	if err != nil {
		return sensor.NewInvalidSettingValueError(setting, value, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return sensor.ErrDriverClosed
	}
	return s.withHandle(func(handle board.I2CHandle) error {
		if err := handle.WriteBlockData(ctx, timeReg, data); err != nil {
			return err
		}
		status := board.I2CRegister{Handle: handle, Register: statusReg}
		return status.Update(ctx, statusOSF, 0)
	})
}

// Configuration reads the clock as RFC 3339 UTC text.
func (s *Sensor) Configuration(ctx context.Context, setting resource.Setting) (string, error) {
	if setting != resource.SettingTime {
		return "", sensor.NewUnsupportedSettingError(resource.DeviceDS3231, setting)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", sensor.ErrDriverClosed
	}
	t, err := s.readTime(ctx)
	if err != nil {
		return "", err
	}
	return t.Format(time.RFC3339), nil
}

// AvailableConfigurations lists time.
func (s *Sensor) AvailableConfigurations() []resource.Setting {
	return resource.DeviceDS3231.Settings()
}

// Close marks the driver closed; the clock keeps running on its backup supply.
func (s *Sensor) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return sensor.ErrDriverClosed
	}
	s.closed = true
	return nil
}
