// Package sensor defines the contract every chip driver implements and the polling Handle that
// application code reads measurements through.
package sensor

import (
	"context"
	"strconv"

	"github.com/envsense/hal/resource"
)

// A Driver talks to one physical device. A single Driver is shared by every Handle reading a
// kind off that device, so implementations serialize their own bus traffic.
type Driver interface {
	CallbackBook

	// TriggerMeasurement reads kind from the device and dispatches the value to kind's bucket.
	TriggerMeasurement(ctx context.Context, kind resource.Kind) error
	// Configure applies a setting given as text.
	Configure(ctx context.Context, setting resource.Setting, value string) error
	// Configuration returns the current value of a setting as text.
	Configuration(ctx context.Context, setting resource.Setting) (string, error)
	// AvailableConfigurations lists the settings the driver accepts.
	AvailableConfigurations() []resource.Setting
	// Close releases the device. A second Close returns ErrDriverClosed.
	Close(ctx context.Context) error
}

// FormatFloat is the text encoding drivers use for numeric values.
func FormatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
