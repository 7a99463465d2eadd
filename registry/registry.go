// Package registry owns the sensor drivers of one process. It constructs a driver the first time
// a handle asks for its device, shares it between every handle reading that device, and closes it
// when the last handle lets go.
package registry

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"github.com/envsense/hal/components/board"
	"github.com/envsense/hal/components/sensor"
	"github.com/envsense/hal/components/sensor/ads1115"
	"github.com/envsense/hal/components/sensor/bme280"
	"github.com/envsense/hal/components/sensor/ccs811"
	"github.com/envsense/hal/components/sensor/ds3231"
	"github.com/envsense/hal/components/sensor/fake"
	"github.com/envsense/hal/components/sensor/pir"
	"github.com/envsense/hal/logging"
	"github.com/envsense/hal/resource"
	"github.com/envsense/hal/utils"
)

// DefaultI2CBus is the bus I2C devices are looked up on unless WithI2CBus says otherwise.
const DefaultI2CBus = "1"

// ErrClosed is returned by GetSensor after Close.
var ErrClosed = errors.New("registry is closed")

// DeviceAttributes are the per-device extras applied when a driver is constructed.
type DeviceAttributes struct {
	// InterruptPin is the GPIO line wired to the device's interrupt output, if any.
	InterruptPin *int
	// Settings are applied in name order right after construction.
	Settings map[resource.Setting]string
}

// An Option configures a Registry.
type Option func(*Registry)

// WithBoard sets the board drivers are constructed against. The registry closes it on Close.
func WithBoard(b board.Board) Option {
	return func(r *Registry) {
		r.board = b
	}
}

// WithI2CBus sets the name of the bus I2C devices sit on.
func WithI2CBus(name string) Option {
	return func(r *Registry) {
		r.busName = name
	}
}

// WithClock sets the clock handles poll with and the fake driver reports.
func WithClock(clk clock.Clock) Option {
	return func(r *Registry) {
		r.clk = clk
	}
}

// WithDevice attaches attributes to one device.
func WithDevice(id resource.Identity, attrs DeviceAttributes) Option {
	return func(r *Registry) {
		r.attrs[id] = attrs
	}
}

type entry struct {
	driver sensor.Driver
	logger logging.Logger
	refs   int
	// closed is set once the driver has been closed, by Shutdown or by the last release.
	closed bool
}

// DeviceStatus describes one device the registry holds a driver for.
type DeviceStatus struct {
	Identity resource.Identity
	Refs     int
	Running  bool
}

// Registry maps device identities to shared drivers.
type Registry struct {
	logger  logging.Logger
	board   board.Board
	busName string
	clk     clock.Clock
	attrs   map[resource.Identity]DeviceAttributes

	mu      sync.Mutex
	entries map[resource.Identity]*entry
	handles map[*sensor.Handle]struct{}
	closed  bool
}

// New returns an empty registry.
func New(logger logging.Logger, opts ...Option) *Registry {
	r := &Registry{
		logger:  logger,
		busName: DefaultI2CBus,
		attrs:   map[resource.Identity]DeviceAttributes{},
		entries: map[resource.Identity]*entry{},
		handles: map[*sensor.Handle]struct{}{},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.clk == nil {
		r.clk = clock.New()
	}
	return r
}

// GetSensor returns a new handle polling kind off the device at pin every interval. The device's
// driver is constructed on first use and shared afterwards. Nothing is registered when an error is
// returned.
func (r *Registry) GetSensor(
	ctx context.Context,
	kind resource.Kind,
	device resource.DeviceKind,
	pin int,
	interval time.Duration,
) (*sensor.Handle, error) {
	if device.Vendor() == "" {
		return nil, errors.Wrapf(resource.ErrUnknownDevice, "%q", string(device))
	}
	if !device.Produces(kind) {
		return nil, sensor.NewUnsupportedKindError(device, kind)
	}
	if interval <= 0 {
		return nil, errors.Errorf("polling interval must be positive, got %v", interval)
	}
	id := resource.NewIdentity(device, pin)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}

	e, ok := r.entries[id]
	if ok && e.closed {
		return nil, errors.Wrapf(sensor.ErrDriverClosed, "%s was shut down", id)
	}
	created := false
	if !ok {
		logger := r.logger.Sublogger(id.String())
		drv, err := r.newDriver(ctx, id, logger)
		if err != nil {
			return nil, err
		}
		e = &entry{driver: drv, logger: logger}
		r.entries[id] = e
		created = true
		logger.Infow("driver started", "vendor", device.Vendor())
	}

	var handle *sensor.Handle
	handle, err := sensor.NewHandle(sensor.HandleParams{
		Kind:     kind,
		Identity: id,
		Driver:   e.driver,
		Interval: interval,
		Logger:   e.logger,
		Clock:    r.clk,
		OnReclaim: func(ctx context.Context) error {
			return r.release(ctx, id, handle)
		},
	})
	if err != nil {
		if created {
			delete(r.entries, id)
			goutils.UncheckedError(e.driver.Close(ctx))
		}
		return nil, err
	}
	e.refs++
	r.handles[handle] = struct{}{}
	return handle, nil
}

// newDriver constructs the driver for id and applies its configured settings. A driver that fails
// part way is closed again.
func (r *Registry) newDriver(ctx context.Context, id resource.Identity, logger logging.Logger) (sensor.Driver, error) {
	attrs := r.attrs[id]
	var drv sensor.Driver
	var err error
	switch id.Device {
	case resource.DeviceBME280, resource.DeviceCCS811, resource.DeviceADS1115, resource.DeviceDS3231:
		bus, busErr := r.i2cBus()
		if busErr != nil {
			return nil, busErr
		}
		if id.Pin < 0x03 || id.Pin > 0x77 {
			return nil, errors.Errorf("%s: i2c address 0x%02x out of range", id, id.Pin)
		}
		addr := byte(id.Pin)
		switch id.Device {
		case resource.DeviceBME280:
			drv, err = bme280.New(ctx, bus, addr, logger)
		case resource.DeviceCCS811:
			var interrupt board.DigitalInterrupt
			if attrs.InterruptPin != nil {
				interrupt, err = r.board.DigitalInterruptByPin(*attrs.InterruptPin)
				if err != nil {
					return nil, errors.Wrapf(err, "%s interrupt", id)
				}
			}
			drv, err = ccs811.New(ctx, bus, addr, interrupt, r.clk, logger)
		case resource.DeviceADS1115:
			drv, err = ads1115.New(ctx, bus, addr, logger)
		default:
			drv, err = ds3231.New(ctx, bus, addr, logger)
		}
	case resource.DevicePIR:
		if r.board == nil {
			return nil, errors.Errorf("%s needs a board", id)
		}
		input, inputErr := r.board.DigitalInputByPin(id.Pin)
		if inputErr != nil {
			return nil, errors.Wrapf(inputErr, "%s", id)
		}
		drv, err = pir.New(input, logger)
	case resource.DeviceFake:
		drv = fake.NewDriver(r.clk)
	default:
		return nil, errors.Wrapf(resource.ErrUnknownDevice, "%q", string(id.Device))
	}
	if err != nil {
		return nil, err
	}

	settings := lo.Keys(attrs.Settings)
	slices.Sort(settings)
	for _, setting := range settings {
		if err := drv.Configure(ctx, setting, attrs.Settings[setting]); err != nil {
			return nil, multierr.Combine(errors.Wrapf(err, "%s startup configuration", id), drv.Close(ctx))
		}
	}
	return drv, nil
}

func (r *Registry) i2cBus() (board.I2C, error) {
	if r.board == nil {
		return nil, errors.New("i2c devices need a board")
	}
	bus, ok := r.board.I2CByName(r.busName)
	if !ok {
		return nil, utils.NewBusNotFoundError(r.busName)
	}
	return bus, nil
}

// release drops the reference held by handle. The last release deletes the entry and closes the
// driver unless Shutdown already did.
func (r *Registry) release(ctx context.Context, id resource.Identity, handle *sensor.Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, handle)
	e, ok := r.entries[id]
	if !ok {
		return nil
	}
	e.refs--
	if e.refs > 0 {
		return nil
	}
	delete(r.entries, id)
	if e.closed {
		return nil
	}
	e.closed = true
	e.logger.Info("driver released")
	return e.driver.Close(ctx)
}

// IsHardwareRunning reports whether the device at pin has a driver that has not been shut down.
// It has no side effects. After Shutdown it reports false even while handles still hold the
// closed driver, since that driver can no longer measure.
func (r *Registry) IsHardwareRunning(device resource.DeviceKind, pin int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[resource.NewIdentity(device, pin)]
	return ok && !e.closed
}

// Shutdown closes the driver of the device at pin. Handles still holding it stay registered; their
// measurements fail with sensor.ErrDriverClosed until they are shut down, and GetSensor refuses
// the device until then. Shutting down an absent or already closed device is a no-op.
func (r *Registry) Shutdown(ctx context.Context, device resource.DeviceKind, pin int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[resource.NewIdentity(device, pin)]
	if !ok || e.closed {
		return nil
	}
	e.closed = true
	e.logger.Info("driver shut down")
	return e.driver.Close(ctx)
}

// Driver returns the shared driver of the device at pin, if one exists.
func (r *Registry) Driver(device resource.DeviceKind, pin int) (sensor.Driver, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[resource.NewIdentity(device, pin)]
	if !ok {
		return nil, false
	}
	return e.driver, true
}

// Devices lists the devices with a driver, ordered by identity.
func (r *Registry) Devices() []DeviceStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	statuses := make([]DeviceStatus, 0, len(r.entries))
	for id, e := range r.entries {
		statuses = append(statuses, DeviceStatus{Identity: id, Refs: e.refs, Running: !e.closed})
	}
	slices.SortFunc(statuses, func(a, b DeviceStatus) int {
		return strings.Compare(a.Identity.String(), b.Identity.String())
	})
	return statuses
}

// Close shuts down every handle still running, which releases every driver, then closes the
// board.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	handles := lo.Keys(r.handles)
	r.mu.Unlock()

	var err error
	for _, h := range handles {
		err = multierr.Combine(err, h.Shutdown(ctx))
	}
	if r.board != nil {
		err = multierr.Combine(err, r.board.Close(ctx))
	}
	return err
}
