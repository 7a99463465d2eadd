// Package pir implements a driver for a passive infrared motion sensor wired to a GPIO input.
package pir

import (
	"context"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"github.com/spf13/cast"

	"github.com/envsense/hal/components/board"
	"github.com/envsense/hal/components/sensor"
	"github.com/envsense/hal/logging"
	"github.com/envsense/hal/resource"
)

// Sensor reads motion off one input line. Most modules drive the line high while motion is
// detected; invert handles the ones that pull it low.
type Sensor struct {
	sensor.Callbacks

	mu     sync.Mutex
	input  board.DigitalInput
	logger logging.Logger
	invert bool
	closed bool
}

var _ = sensor.Driver(&Sensor{})

// New returns a driver reading input.
func New(input board.DigitalInput, logger logging.Logger) (*Sensor, error) {
	if input == nil {
		return nil, errors.New("pir needs an input line")
	}
	return &Sensor{input: input, logger: logger}, nil
}

// TriggerMeasurement samples the line and dispatches "true" or "false".
func (s *Sensor) TriggerMeasurement(ctx context.Context, kind resource.Kind) error {
	motion, err := s.sample(ctx, kind)
	if err != nil {
		return err
	}
	s.Dispatch(kind, strconv.FormatBool(motion))
	return nil
}

func (s *Sensor) sample(ctx context.Context, kind resource.Kind) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, sensor.ErrDriverClosed
	}
	if kind != resource.KindMotion {
		return false, sensor.NewUnsupportedKindError(resource.DevicePIR, kind)
	}
	high, err := s.input.Value(ctx)
	if err != nil {
		return false, errors.Wrap(err, "pir")
	}
	return high != s.invert, nil
}

// Configure sets invert.
func (s *Sensor) Configure(ctx context.Context, setting resource.Setting, value string) error {
	if setting != resource.SettingInvert {
		return sensor.NewUnsupportedSettingError(resource.DevicePIR, setting)
	}
	invert, err := cast.ToBoolE(value)
	if err != nil {
		return sensor.NewInvalidSettingValueError(setting, value, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return sensor.ErrDriverClosed
	}
	s.invert = invert
	return nil
}

// Configuration returns invert.
func (s *Sensor) Configuration(ctx context.Context, setting resource.Setting) (string, error) {
	if setting != resource.SettingInvert {
		return "", sensor.NewUnsupportedSettingError(resource.DevicePIR, setting)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", sensor.ErrDriverClosed
	}
	return strconv.FormatBool(s.invert), nil
}

// AvailableConfigurations lists invert.
func (s *Sensor) AvailableConfigurations() []resource.Setting {
	return resource.DevicePIR.Settings()
}

// Close marks the driver closed. The line belongs to the board.
func (s *Sensor) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return sensor.ErrDriverClosed
	}
	s.closed = true
	return nil
}
