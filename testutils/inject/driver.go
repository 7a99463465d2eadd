package inject

import (
	"context"

	"go.uber.org/atomic"

	"github.com/envsense/hal/components/sensor"
	"github.com/envsense/hal/resource"
)

// Driver is an injected sensor driver. Its callback bookkeeping is the real one.
type Driver struct {
	sensor.Callbacks
	TriggerMeasurementFunc      func(ctx context.Context, kind resource.Kind) error
	ConfigureFunc               func(ctx context.Context, setting resource.Setting, value string) error
	ConfigurationFunc           func(ctx context.Context, setting resource.Setting) (string, error)
	AvailableConfigurationsFunc func() []resource.Setting
	CloseFunc                   func(ctx context.Context) error

	Triggers atomic.Int32
	Closes   atomic.Int32
}

var _ = sensor.Driver(&Driver{})

// TriggerMeasurement calls the injected TriggerMeasurement, or dispatches "0" to kind's bucket.
func (d *Driver) TriggerMeasurement(ctx context.Context, kind resource.Kind) error {
	d.Triggers.Inc()
	if d.TriggerMeasurementFunc == nil {
		d.Dispatch(kind, "0")
		return nil
	}
	return d.TriggerMeasurementFunc(ctx, kind)
}

// Configure calls the injected Configure or accepts any value.
func (d *Driver) Configure(ctx context.Context, setting resource.Setting, value string) error {
	if d.ConfigureFunc == nil {
		return nil
	}
	return d.ConfigureFunc(ctx, setting, value)
}

// Configuration calls the injected Configuration or returns "".
func (d *Driver) Configuration(ctx context.Context, setting resource.Setting) (string, error) {
	if d.ConfigurationFunc == nil {
		return "", nil
	}
	return d.ConfigurationFunc(ctx, setting)
}

// AvailableConfigurations calls the injected AvailableConfigurations or returns nil.
func (d *Driver) AvailableConfigurations() []resource.Setting {
	if d.AvailableConfigurationsFunc == nil {
		return nil
	}
	return d.AvailableConfigurationsFunc()
}

// Close calls the injected Close or succeeds.
func (d *Driver) Close(ctx context.Context) error {
	d.Closes.Inc()
	if d.CloseFunc == nil {
		return nil
	}
	return d.CloseFunc(ctx)
}
