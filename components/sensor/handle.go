package sensor

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	goutils "go.viam.com/utils"

	"github.com/envsense/hal/logging"
	"github.com/envsense/hal/resource"
	"github.com/envsense/hal/utils"
)

// HandleParams contains all info needed to construct a Handle.
type HandleParams struct {
	Kind     resource.Kind
	Identity resource.Identity
	Driver   Driver
	Interval time.Duration
	Logger   logging.Logger
	// Clock drives the polling ticker. Defaults to the wall clock.
	Clock clock.Clock
	// OnReclaim is called exactly once, after the handle has detached from Driver.
	OnReclaim func(ctx context.Context) error
	// OnError receives every failed measurement. It runs on the polling goroutine.
	OnError func(error)
}

// Validate returns an error if the params are missing a required field or are inconsistent.
func (p HandleParams) Validate() error {
	if p.Driver == nil {
		return errors.New("missing driver")
	}
	if p.Logger == nil {
		return errors.New("missing logger")
	}
	if p.Interval <= 0 {
		return errors.Errorf("polling interval must be positive, got %v", p.Interval)
	}
	if !p.Identity.Device.Produces(p.Kind) {
		return NewUnsupportedKindError(p.Identity.Device, p.Kind)
	}
	return nil
}

type mutation struct {
	reg    Registration
	remove bool
}

// Handle polls one measurement kind off one device at a fixed interval and delivers each value
// to the callbacks added through it.
//
// Callback additions and removals are queued and only reach the driver at the next tick, adds
// before removes. A callback may add or remove callbacks on the handle that invoked it, but must
// not call Configure, Configuration or Shutdown on it.
type Handle struct {
	name     string
	kind     resource.Kind
	identity resource.Identity
	interval time.Duration
	logger   logging.Logger
	onError  func(error)

	running  atomic.Bool
	sleeping atomic.Bool
	lastErr  *atomic.Error

	pendingMu sync.Mutex
	pending   []mutation
	book      CallbackBook

	// mu guards the driver reference and is held for every trigger and configuration call.
	mu        sync.Mutex
	driver    Driver
	applied   []Registration
	onReclaim func(ctx context.Context) error

	shutdownMu sync.Mutex
	ticker     *clock.Ticker
	workers    utils.StoppableWorkers
}

// NewHandle starts polling. The first tick happens one interval after this returns.
func NewHandle(params HandleParams) (*Handle, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	clk := params.Clock
	if clk == nil {
		clk = clock.New()
	}

	name := string(params.Kind) + "-" + uuid.NewString()[:8]
	h := &Handle{
		name:      name,
		kind:      params.Kind,
		identity:  params.Identity,
		interval:  params.Interval,
		logger:    params.Logger.Sublogger(name),
		onError:   params.OnError,
		lastErr:   atomic.NewError(nil),
		book:      params.Driver,
		driver:    params.Driver,
		onReclaim: params.OnReclaim,
		ticker:    clk.Ticker(params.Interval),
	}
	h.running.Store(true)
	h.workers = utils.NewStoppableWorkers(h.poll)
	h.logger.Debugw("polling started", "device", h.identity, "interval", h.interval)
	return h, nil
}

func (h *Handle) poll(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.ticker.C:
		}
		// A wake caused by Shutdown skips the tick.
		if ctx.Err() != nil {
			return
		}
		h.tick(ctx)
	}
}

func (h *Handle) takePending() []mutation {
	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()
	pending := h.pending
	h.pending = nil
	return pending
}

func (h *Handle) tick(ctx context.Context) {
	pending := h.takePending()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.driver == nil {
		return
	}

	for _, m := range pending {
		if !m.remove {
			h.driver.AddValueCallback(h.kind, m.reg)
			h.applied = append(h.applied, m.reg)
		}
	}
	for _, m := range pending {
		if m.remove {
			h.driver.RemoveValueCallback(h.kind, m.reg)
			h.forgetLocked(m.reg)
		}
	}

	if h.sleeping.Load() {
		return
	}

	if err := h.driver.TriggerMeasurement(ctx, h.kind); err != nil {
		if ctx.Err() != nil {
			return
		}
		h.reportError(err)
		return
	}
	h.lastErr.Store(nil)
}

func (h *Handle) forgetLocked(reg Registration) {
	for i, existing := range h.applied {
		if existing.id == reg.id {
			h.applied = append(h.applied[:i:i], h.applied[i+1:]...)
			return
		}
	}
}

// A failed measurement does not stop polling. Repeats of the same failure are logged at debug.
func (h *Handle) reportError(err error) {
	prev := h.lastErr.Swap(err)
	if prev == nil || prev.Error() != err.Error() {
		h.logger.Warnw("measurement failed", "kind", h.kind, "device", h.identity, "error", err)
	} else {
		h.logger.Debugw("measurement failed again", "kind", h.kind, "error", err)
	}
	if h.onError != nil {
		h.onError(err)
	}
}

// AddValueCallback registers cb. It is invoked for measurements triggered after the next tick.
func (h *Handle) AddValueCallback(cb ValueCallback) (Registration, error) {
	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()
	if h.book == nil {
		return Registration{}, ErrHandleStopped
	}
	reg := h.book.NewRegistration(h.kind, cb)
	h.pending = append(h.pending, mutation{reg: reg})
	return reg, nil
}

// RemoveValueCallback unregisters reg at the next tick. Unknown registrations are ignored.
func (h *Handle) RemoveValueCallback(reg Registration) error {
	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()
	if h.book == nil {
		return ErrHandleStopped
	}
	h.pending = append(h.pending, mutation{reg: reg, remove: true})
	return nil
}

// PutToSleep suspends measurements. Queued callback changes are still applied each tick. It has
// no effect on a stopped handle.
func (h *Handle) PutToSleep() {
	if h.running.Load() {
		h.sleeping.Store(true)
	}
}

// AwakeFromSleep resumes measurements. It has no effect on a stopped handle.
func (h *Handle) AwakeFromSleep() {
	if h.running.Load() {
		h.sleeping.Store(false)
	}
}

// Configure passes a setting through to the shared driver.
func (h *Handle) Configure(ctx context.Context, setting resource.Setting, value string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.driver == nil {
		return ErrHandleStopped
	}
	return h.driver.Configure(ctx, setting, value)
}

// Configuration reads a setting from the shared driver.
func (h *Handle) Configuration(ctx context.Context, setting resource.Setting) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.driver == nil {
		return "", ErrHandleStopped
	}
	return h.driver.Configuration(ctx, setting)
}

// AvailableConfigurations lists the settings of the shared driver.
func (h *Handle) AvailableConfigurations() ([]resource.Setting, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.driver == nil {
		return nil, ErrHandleStopped
	}
	return h.driver.AvailableConfigurations(), nil
}

// Shutdown stops polling and waits for the polling goroutine to exit, detaches this handle's
// callbacks from the driver, then releases the driver through OnReclaim. Calling it again is a
// no-op. The returned error is OnReclaim's.
func (h *Handle) Shutdown(ctx context.Context) error {
	h.shutdownMu.Lock()
	defer h.shutdownMu.Unlock()
	if !h.running.CompareAndSwap(true, false) {
		return nil
	}
	h.sleeping.Store(false)

	h.workers.Stop()
	h.ticker.Stop()

	h.pendingMu.Lock()
	pending := h.pending
	h.pending = nil
	h.book = nil
	h.pendingMu.Unlock()

	h.mu.Lock()
	driver := h.driver
	for _, reg := range h.applied {
		driver.RemoveValueCallback(h.kind, reg)
	}
	// Queued adds hold issued tokens.
	for _, m := range pending {
		if !m.remove {
			driver.RemoveValueCallback(h.kind, m.reg)
		}
	}
	h.applied = nil
	h.driver = nil
	reclaim := h.onReclaim
	h.onReclaim = nil
	h.mu.Unlock()

	h.logger.Debug("polling stopped")
	if reclaim == nil {
		return nil
	}
	return reclaim(ctx)
}

// Name identifies the handle in logs.
func (h *Handle) Name() string {
	return h.name
}

// Kind is the measurement kind this handle polls.
func (h *Handle) Kind() resource.Kind {
	return h.kind
}

// Identity is the physical device this handle reads from.
func (h *Handle) Identity() resource.Identity {
	return h.identity
}

// Device is the device kind this handle reads from.
func (h *Handle) Device() resource.DeviceKind {
	return h.identity.Device
}

// Pin is the pin or bus address of the device.
func (h *Handle) Pin() int {
	return h.identity.Pin
}

// Vendor is the device manufacturer.
func (h *Handle) Vendor() string {
	return h.identity.Device.Vendor()
}

// Interval is the polling period.
func (h *Handle) Interval() time.Duration {
	return h.interval
}

// Running is false once Shutdown has started.
func (h *Handle) Running() bool {
	return h.running.Load()
}

// Sleeping reports whether measurements are suspended.
func (h *Handle) Sleeping() bool {
	return h.sleeping.Load()
}

// LastError is the error of the most recent measurement, or nil if it succeeded.
func (h *Handle) LastError() error {
	return h.lastErr.Load()
}

// UncheckedShutdown is Shutdown for deferred cleanup where the error is only logged.
func (h *Handle) UncheckedShutdown() {
	goutils.UncheckedErrorFunc(func() error { return h.Shutdown(context.Background()) })
}
