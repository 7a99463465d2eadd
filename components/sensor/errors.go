package sensor

import (
	"github.com/pkg/errors"

	"github.com/envsense/hal/resource"
)

var (
	// ErrUnsupportedKind is returned when a driver is asked for a measurement kind it does not
	// produce.
	ErrUnsupportedKind = errors.New("measurement kind not supported")
	// ErrUnsupportedSetting is returned when a driver is asked for a setting it does not have.
	ErrUnsupportedSetting = errors.New("setting not supported")
	// ErrDriverClosed is returned by a driver used after Close.
	ErrDriverClosed = errors.New("driver is closed")
	// ErrHandleStopped is returned by a handle used after Shutdown.
	ErrHandleStopped = errors.New("sensor handle is stopped")
)

// NewUnsupportedKindError reports that device does not produce kind.
func NewUnsupportedKindError(device resource.DeviceKind, kind resource.Kind) error {
	return errors.Wrapf(ErrUnsupportedKind, "%s does not produce %s", device, kind)
}

// NewUnsupportedSettingError reports that device has no setting named setting.
func NewUnsupportedSettingError(device resource.DeviceKind, setting resource.Setting) error {
	return errors.Wrapf(ErrUnsupportedSetting, "%s has no %s setting", device, setting)
}

// NewInvalidSettingValueError reports a value a driver could not parse or accept.
func NewInvalidSettingValueError(setting resource.Setting, value string, reason error) error {
	return errors.Wrapf(reason, "invalid value %q for %s", value, setting)
}
