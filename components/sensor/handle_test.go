package sensor_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"github.com/envsense/hal/components/sensor"
	"github.com/envsense/hal/logging"
	"github.com/envsense/hal/resource"
	"github.com/envsense/hal/testutils/inject"
)

const testInterval = 50 * time.Millisecond

var testIdentity = resource.NewIdentity(resource.DeviceFake, 8)

func newMockHandle(t *testing.T, drv *inject.Driver, kind resource.Kind) (*sensor.Handle, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	h, err := sensor.NewHandle(sensor.HandleParams{
		Kind:     kind,
		Identity: testIdentity,
		Driver:   drv,
		Interval: testInterval,
		Logger:   logging.NewTestLogger(t),
		Clock:    mock,
	})
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(h.UncheckedShutdown)
	return h, mock
}

// waitForTick blocks until the tick in progress, if any, has released the handle.
func waitForTick(t *testing.T, h *sensor.Handle) {
	t.Helper()
	_, err := h.AvailableConfigurations()
	test.That(t, err, test.ShouldBeNil)
}

func TestHandleParamsValidate(t *testing.T) {
	logger := logging.NewTestLogger(t)
	valid := sensor.HandleParams{
		Kind:     resource.KindTemperature,
		Identity: resource.NewIdentity(resource.DeviceBME280, 0x76),
		Driver:   &inject.Driver{},
		Interval: time.Second,
		Logger:   logger,
	}
	test.That(t, valid.Validate(), test.ShouldBeNil)

	params := valid
	params.Interval = 0
	test.That(t, params.Validate(), test.ShouldNotBeNil)

	params = valid
	params.Driver = nil
	test.That(t, params.Validate(), test.ShouldBeError, errors.New("missing driver"))

	params = valid
	params.Kind = resource.KindCO2
	_, err := sensor.NewHandle(params)
	test.That(t, err, test.ShouldWrap, sensor.ErrUnsupportedKind)
}

func TestHandleAccessors(t *testing.T) {
	drv := &inject.Driver{}
	h, _ := newMockHandle(t, drv, resource.KindHumidity)

	test.That(t, h.Kind(), test.ShouldEqual, resource.KindHumidity)
	test.That(t, h.Device(), test.ShouldEqual, resource.DeviceFake)
	test.That(t, h.Pin(), test.ShouldEqual, 8)
	test.That(t, h.Identity(), test.ShouldResemble, testIdentity)
	test.That(t, h.Vendor(), test.ShouldEqual, "fake")
	test.That(t, h.Interval(), test.ShouldEqual, testInterval)
	test.That(t, h.Running(), test.ShouldBeTrue)
	test.That(t, h.Sleeping(), test.ShouldBeFalse)
	test.That(t, h.Name(), test.ShouldStartWith, "humidity-")
	test.That(t, h.LastError(), test.ShouldBeNil)
}

func TestHandleDeferredVisibility(t *testing.T) {
	ctx := context.Background()
	drv := &inject.Driver{}
	h, mock := newMockHandle(t, drv, resource.KindTemperature)

	calls := atomic.NewInt32(0)
	reg, err := h.AddValueCallback(func(string) { calls.Inc() })
	test.That(t, err, test.ShouldBeNil)

	// Before the tick boundary the driver does not know the callback.
	test.That(t, drv.TriggerMeasurement(ctx, resource.KindTemperature), test.ShouldBeNil)
	test.That(t, calls.Load(), test.ShouldEqual, 0)
	_, ok := drv.HasValueCallback(resource.KindTemperature, reg.ID())
	test.That(t, ok, test.ShouldBeFalse)

	mock.Add(testInterval)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, calls.Load(), test.ShouldEqual, 1)
	})
	_, ok = drv.HasValueCallback(resource.KindTemperature, reg.ID())
	test.That(t, ok, test.ShouldBeTrue)

	// After the boundary a direct trigger reaches it too.
	test.That(t, drv.TriggerMeasurement(ctx, resource.KindTemperature), test.ShouldBeNil)
	test.That(t, calls.Load(), test.ShouldEqual, 2)
}

func TestHandleRegistrationOrder(t *testing.T) {
	drv := &inject.Driver{}
	h, mock := newMockHandle(t, drv, resource.KindPressure)

	var mu sync.Mutex
	var order []string
	record := func(name string) sensor.ValueCallback {
		return func(string) {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
		}
	}
	_, err := h.AddValueCallback(record("a"))
	test.That(t, err, test.ShouldBeNil)
	_, err = h.AddValueCallback(record("b"))
	test.That(t, err, test.ShouldBeNil)

	mock.Add(testInterval)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		mu.Lock()
		defer mu.Unlock()
		test.That(tb, order, test.ShouldResemble, []string{"a", "b"})
	})
}

func TestHandleRemoveCallback(t *testing.T) {
	drv := &inject.Driver{}
	h, mock := newMockHandle(t, drv, resource.KindCO2)

	calls := atomic.NewInt32(0)
	reg, err := h.AddValueCallback(func(string) { calls.Inc() })
	test.That(t, err, test.ShouldBeNil)
	mock.Add(testInterval)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, calls.Load(), test.ShouldEqual, 1)
	})

	test.That(t, h.RemoveValueCallback(reg), test.ShouldBeNil)
	// Still registered until the next tick.
	_, ok := drv.HasValueCallback(resource.KindCO2, reg.ID())
	test.That(t, ok, test.ShouldBeTrue)

	mock.Add(testInterval)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, drv.Triggers.Load(), test.ShouldEqual, 2)
	})
	waitForTick(t, h)
	_, ok = drv.HasValueCallback(resource.KindCO2, reg.ID())
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, calls.Load(), test.ShouldEqual, 1)
}

func TestHandleAddThenRemoveInOneTick(t *testing.T) {
	drv := &inject.Driver{}
	h, mock := newMockHandle(t, drv, resource.KindTVOC)

	calls := atomic.NewInt32(0)
	reg, err := h.AddValueCallback(func(string) { calls.Inc() })
	test.That(t, err, test.ShouldBeNil)
	test.That(t, h.RemoveValueCallback(reg), test.ShouldBeNil)

	mock.Add(testInterval)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, drv.Triggers.Load(), test.ShouldEqual, 1)
	})
	waitForTick(t, h)
	test.That(t, calls.Load(), test.ShouldEqual, 0)
	test.That(t, drv.CallbackCount(resource.KindTVOC), test.ShouldEqual, 0)
}

func TestHandleSleep(t *testing.T) {
	drv := &inject.Driver{}
	h, mock := newMockHandle(t, drv, resource.KindLight)

	h.PutToSleep()
	test.That(t, h.Sleeping(), test.ShouldBeTrue)

	calls := atomic.NewInt32(0)
	reg, err := h.AddValueCallback(func(string) { calls.Inc() })
	test.That(t, err, test.ShouldBeNil)

	mock.Add(testInterval)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		_, ok := drv.HasValueCallback(resource.KindLight, reg.ID())
		test.That(tb, ok, test.ShouldBeTrue)
	})
	waitForTick(t, h)
	test.That(t, drv.Triggers.Load(), test.ShouldEqual, 0)
	test.That(t, calls.Load(), test.ShouldEqual, 0)

	h.AwakeFromSleep()
	test.That(t, h.Sleeping(), test.ShouldBeFalse)
	mock.Add(testInterval)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, calls.Load(), test.ShouldEqual, 1)
	})
}

func TestHandleMeasurementErrors(t *testing.T) {
	logger, logs := logging.NewObservedTestLogger(t)
	mock := clock.NewMock()
	failing := atomic.NewBool(true)
	drv := &inject.Driver{
		TriggerMeasurementFunc: func(ctx context.Context, kind resource.Kind) error {
			if failing.Load() {
				return errors.New("nack from 0x76")
			}
			return nil
		},
	}
	reported := make(chan error, 10)
	h, err := sensor.NewHandle(sensor.HandleParams{
		Kind:     resource.KindVoltage,
		Identity: testIdentity,
		Driver:   drv,
		Interval: testInterval,
		Logger:   logger,
		Clock:    mock,
		OnError:  func(err error) { reported <- err },
	})
	test.That(t, err, test.ShouldBeNil)
	defer h.UncheckedShutdown()

	mock.Add(testInterval)
	test.That(t, (<-reported).Error(), test.ShouldEqual, "nack from 0x76")
	mock.Add(testInterval)
	test.That(t, (<-reported).Error(), test.ShouldEqual, "nack from 0x76")

	test.That(t, h.Running(), test.ShouldBeTrue)
	test.That(t, h.LastError(), test.ShouldBeError, errors.New("nack from 0x76"))
	test.That(t, logs.FilterMessage("measurement failed").Len(), test.ShouldEqual, 1)
	test.That(t, logs.FilterMessage("measurement failed again").Len(), test.ShouldEqual, 1)

	failing.Store(false)
	mock.Add(testInterval)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, drv.Triggers.Load(), test.ShouldEqual, 3)
	})
	waitForTick(t, h)
	test.That(t, h.LastError(), test.ShouldBeNil)
}

func TestHandleCallbackPanicKeepsPolling(t *testing.T) {
	drv := &inject.Driver{}
	h, err := sensor.NewHandle(sensor.HandleParams{
		Kind:     resource.KindMotion,
		Identity: testIdentity,
		Driver:   drv,
		Interval: 5 * time.Millisecond,
		Logger:   logging.NewTestLogger(t),
	})
	test.That(t, err, test.ShouldBeNil)
	defer h.UncheckedShutdown()

	calls := atomic.NewInt32(0)
	_, err = h.AddValueCallback(func(string) {
		if calls.Inc() == 1 {
			panic("bad callback")
		}
	})
	test.That(t, err, test.ShouldBeNil)

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, calls.Load(), test.ShouldBeGreaterThanOrEqualTo, 3)
	})
	test.That(t, h.Running(), test.ShouldBeTrue)
}

func TestHandleCallbackMayMutateOwnHandle(t *testing.T) {
	drv := &inject.Driver{}
	h, mock := newMockHandle(t, drv, resource.KindTemperature)

	added := make(chan sensor.Registration, 1)
	_, err := h.AddValueCallback(func(string) {
		select {
		case <-added:
			return
		default:
		}
		reg, err := h.AddValueCallback(func(string) {})
		if err == nil {
			added <- reg
		}
	})
	test.That(t, err, test.ShouldBeNil)

	mock.Add(testInterval)
	var reg sensor.Registration
	select {
	case reg = <-added:
	case <-time.After(time.Second):
		t.Fatal("callback did not run")
	}
	mock.Add(testInterval)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		_, ok := drv.HasValueCallback(resource.KindTemperature, reg.ID())
		test.That(tb, ok, test.ShouldBeTrue)
	})
}

func TestHandleConfigurationPassThrough(t *testing.T) {
	ctx := context.Background()
	settings := map[resource.Setting]string{}
	drv := &inject.Driver{
		ConfigureFunc: func(ctx context.Context, setting resource.Setting, value string) error {
			if setting != resource.SettingOffset {
				return sensor.NewUnsupportedSettingError(resource.DeviceFake, setting)
			}
			settings[setting] = value
			return nil
		},
		ConfigurationFunc: func(ctx context.Context, setting resource.Setting) (string, error) {
			return settings[setting], nil
		},
		AvailableConfigurationsFunc: func() []resource.Setting {
			return []resource.Setting{resource.SettingOffset}
		},
	}
	h, _ := newMockHandle(t, drv, resource.KindTemperature)

	test.That(t, h.Configure(ctx, resource.SettingOffset, "1.5"), test.ShouldBeNil)
	v, err := h.Configuration(ctx, resource.SettingOffset)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, v, test.ShouldEqual, "1.5")
	available, err := h.AvailableConfigurations()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, available, test.ShouldResemble, []resource.Setting{resource.SettingOffset})

	err = h.Configure(ctx, resource.SettingGain, "2")
	test.That(t, err, test.ShouldWrap, sensor.ErrUnsupportedSetting)
}

func TestHandleShutdown(t *testing.T) {
	ctx := context.Background()
	drv := &inject.Driver{}
	reclaims := atomic.NewInt32(0)
	mock := clock.NewMock()
	h, err := sensor.NewHandle(sensor.HandleParams{
		Kind:     resource.KindTemperature,
		Identity: testIdentity,
		Driver:   drv,
		Interval: testInterval,
		Logger:   logging.NewTestLogger(t),
		Clock:    mock,
		OnReclaim: func(ctx context.Context) error {
			reclaims.Inc()
			return nil
		},
	})
	test.That(t, err, test.ShouldBeNil)

	applied, err := h.AddValueCallback(func(string) {})
	test.That(t, err, test.ShouldBeNil)
	mock.Add(testInterval)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		_, ok := drv.HasValueCallback(resource.KindTemperature, applied.ID())
		test.That(tb, ok, test.ShouldBeTrue)
	})
	_, err = h.AddValueCallback(func(string) {})
	test.That(t, err, test.ShouldBeNil)

	h.PutToSleep()
	test.That(t, h.Shutdown(ctx), test.ShouldBeNil)
	test.That(t, h.Running(), test.ShouldBeFalse)
	test.That(t, h.Sleeping(), test.ShouldBeFalse)
	test.That(t, reclaims.Load(), test.ShouldEqual, 1)
	test.That(t, drv.CallbackCount(resource.KindTemperature), test.ShouldEqual, 0)

	// Idempotent.
	test.That(t, h.Shutdown(ctx), test.ShouldBeNil)
	test.That(t, reclaims.Load(), test.ShouldEqual, 1)

	// Terminal.
	h.AwakeFromSleep()
	h.PutToSleep()
	test.That(t, h.Sleeping(), test.ShouldBeFalse)
	_, err = h.AddValueCallback(func(string) {})
	test.That(t, err, test.ShouldEqual, sensor.ErrHandleStopped)
	test.That(t, h.RemoveValueCallback(applied), test.ShouldEqual, sensor.ErrHandleStopped)
	test.That(t, h.Configure(ctx, resource.SettingOffset, "1"), test.ShouldEqual, sensor.ErrHandleStopped)
	_, err = h.Configuration(ctx, resource.SettingOffset)
	test.That(t, err, test.ShouldEqual, sensor.ErrHandleStopped)
	_, err = h.AvailableConfigurations()
	test.That(t, err, test.ShouldEqual, sensor.ErrHandleStopped)

	triggers := drv.Triggers.Load()
	mock.Add(10 * testInterval)
	time.Sleep(20 * time.Millisecond)
	test.That(t, drv.Triggers.Load(), test.ShouldEqual, triggers)
}

func TestHandleShutdownReturnsReclaimError(t *testing.T) {
	h, err := sensor.NewHandle(sensor.HandleParams{
		Kind:      resource.KindTemperature,
		Identity:  testIdentity,
		Driver:    &inject.Driver{},
		Interval:  testInterval,
		Logger:    logging.NewTestLogger(t),
		OnReclaim: func(ctx context.Context) error { return errors.New("close failed") },
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, h.Shutdown(context.Background()), test.ShouldBeError, errors.New("close failed"))
	test.That(t, h.Shutdown(context.Background()), test.ShouldBeNil)
}

func TestHandleConcurrentShutdown(t *testing.T) {
	reclaims := atomic.NewInt32(0)
	h, err := sensor.NewHandle(sensor.HandleParams{
		Kind:     resource.KindTemperature,
		Identity: testIdentity,
		Driver:   &inject.Driver{},
		Interval: time.Millisecond,
		Logger:   logging.NewTestLogger(t),
		OnReclaim: func(ctx context.Context) error {
			reclaims.Inc()
			return nil
		},
	})
	test.That(t, err, test.ShouldBeNil)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			test.That(t, h.Shutdown(context.Background()), test.ShouldBeNil)
			// Every caller returns only after teardown is complete.
			test.That(t, reclaims.Load(), test.ShouldEqual, 1)
		}()
	}
	wg.Wait()
	test.That(t, reclaims.Load(), test.ShouldEqual, 1)
}

func TestHandlePollingScenario(t *testing.T) {
	drv := &inject.Driver{}
	h, err := sensor.NewHandle(sensor.HandleParams{
		Kind:     resource.KindTemperature,
		Identity: testIdentity,
		Driver:   drv,
		Interval: testInterval,
		Logger:   logging.NewTestLogger(t),
	})
	test.That(t, err, test.ShouldBeNil)

	calls := atomic.NewInt32(0)
	_, err = h.AddValueCallback(func(string) { calls.Inc() })
	test.That(t, err, test.ShouldBeNil)

	time.Sleep(120 * time.Millisecond)
	testutils.WaitForAssertionWithSleep(t, 10*time.Millisecond, 100, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, calls.Load(), test.ShouldBeGreaterThanOrEqualTo, 2)
	})

	test.That(t, h.Shutdown(context.Background()), test.ShouldBeNil)
	stopped := calls.Load()
	time.Sleep(120 * time.Millisecond)
	test.That(t, calls.Load(), test.ShouldEqual, stopped)
}
