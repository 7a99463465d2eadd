// Package fake implements a fake sensor driver that produces every measurement kind.
package fake

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/spf13/cast"

	"github.com/envsense/hal/components/sensor"
	"github.com/envsense/hal/resource"
)

// Baseline values, before the offset setting is added.
var baselines = map[resource.Kind]float64{
	resource.KindTemperature: 21.5,
	resource.KindHumidity:    45,
	resource.KindPressure:    1013.25,
	resource.KindCO2:         600,
	resource.KindTVOC:        120,
	resource.KindVoltage:     3.3,
	resource.KindLight:       50,
}

// Driver returns fixed values. Motion alternates between false and true on every trigger and time
// comes from the clock.
type Driver struct {
	sensor.Callbacks

	mu     sync.Mutex
	clk    clock.Clock
	offset float64
	motion bool
	err    error
	closed bool
}

var _ = sensor.Driver(&Driver{})

// NewDriver returns a fake driver. A nil clock means the wall clock.
func NewDriver(clk clock.Clock) *Driver {
	if clk == nil {
		clk = clock.New()
	}
	return &Driver{clk: clk}
}

// SetErr makes every following trigger fail with err, or succeed again when err is nil.
func (d *Driver) SetErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

// TriggerMeasurement dispatches the value of kind.
func (d *Driver) TriggerMeasurement(ctx context.Context, kind resource.Kind) error {
	value, err := d.value(kind)
	if err != nil {
		return err
	}
	d.Dispatch(kind, value)
	return nil
}

func (d *Driver) value(kind resource.Kind) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return "", sensor.ErrDriverClosed
	}
	if d.err != nil {
		return "", d.err
	}
	switch kind {
	case resource.KindMotion:
		d.motion = !d.motion
		return strconv.FormatBool(!d.motion), nil
	case resource.KindTime:
		return d.clk.Now().UTC().Format(time.RFC3339), nil
	default:
		base, ok := baselines[kind]
		if !ok {
			return "", sensor.NewUnsupportedKindError(resource.DeviceFake, kind)
		}
		return sensor.FormatFloat(base + d.offset), nil
	}
}

// Configure sets offset, which is added to every numeric value.
func (d *Driver) Configure(ctx context.Context, setting resource.Setting, value string) error {
	if setting != resource.SettingOffset {
		return sensor.NewUnsupportedSettingError(resource.DeviceFake, setting)
	}
	offset, err := cast.ToFloat64E(value)
	if err != nil {
		return sensor.NewInvalidSettingValueError(setting, value, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return sensor.ErrDriverClosed
	}
	d.offset = offset
	return nil
}

// Configuration returns offset.
func (d *Driver) Configuration(ctx context.Context, setting resource.Setting) (string, error) {
	if setting != resource.SettingOffset {
		return "", sensor.NewUnsupportedSettingError(resource.DeviceFake, setting)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return "", sensor.ErrDriverClosed
	}
	return sensor.FormatFloat(d.offset), nil
}

// AvailableConfigurations lists offset.
func (d *Driver) AvailableConfigurations() []resource.Setting {
	return resource.DeviceFake.Settings()
}

// Close marks the driver closed.
func (d *Driver) Close(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return sensor.ErrDriverClosed
	}
	d.closed = true
	return nil
}

// Closed reports whether Close was called.
func (d *Driver) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}
