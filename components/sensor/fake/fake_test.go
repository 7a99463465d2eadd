package fake

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/envsense/hal/components/sensor"
	"github.com/envsense/hal/resource"
)

func TestValues(t *testing.T) {
	ctx := context.Background()
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 10, 19, 6, 0, 0, 0, time.UTC))
	d := NewDriver(mock)

	var got []string
	for _, kind := range resource.AllKinds() {
		d.AddValueCallback(kind, d.NewRegistration(kind, func(v string) { got = append(got, v) }))
		test.That(t, d.TriggerMeasurement(ctx, kind), test.ShouldBeNil)
	}
	test.That(t, got, test.ShouldResemble, []string{
		"21.50", "45.00", "1013.25", "600.00", "120.00", "3.30", "50.00", "false", "2026-10-19T06:00:00Z",
	})

	got = nil
	test.That(t, d.TriggerMeasurement(ctx, resource.KindMotion), test.ShouldBeNil)
	test.That(t, d.TriggerMeasurement(ctx, resource.KindMotion), test.ShouldBeNil)
	test.That(t, got, test.ShouldResemble, []string{"true", "false"})
}

func TestOffset(t *testing.T) {
	ctx := context.Background()
	d := NewDriver(nil)
	test.That(t, d.Configure(ctx, resource.SettingOffset, "-1.5"), test.ShouldBeNil)
	v, err := d.Configuration(ctx, resource.SettingOffset)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, v, test.ShouldEqual, "-1.50")

	var got string
	d.AddValueCallback(resource.KindTemperature, d.NewRegistration(resource.KindTemperature, func(v string) { got = v }))
	test.That(t, d.TriggerMeasurement(ctx, resource.KindTemperature), test.ShouldBeNil)
	test.That(t, got, test.ShouldEqual, "20.00")

	test.That(t, d.Configure(ctx, resource.SettingOffset, "warm"), test.ShouldNotBeNil)
	err = d.Configure(ctx, resource.SettingGain, "1")
	test.That(t, err, test.ShouldWrap, sensor.ErrUnsupportedSetting)
	_, err = d.Configuration(ctx, resource.SettingGain)
	test.That(t, err, test.ShouldWrap, sensor.ErrUnsupportedSetting)
	test.That(t, d.AvailableConfigurations(), test.ShouldResemble, []resource.Setting{resource.SettingOffset})
}

func TestInjectedError(t *testing.T) {
	ctx := context.Background()
	d := NewDriver(nil)
	d.SetErr(errors.New("unplugged"))
	test.That(t, d.TriggerMeasurement(ctx, resource.KindCO2), test.ShouldBeError, errors.New("unplugged"))
	d.SetErr(nil)
	test.That(t, d.TriggerMeasurement(ctx, resource.KindCO2), test.ShouldBeNil)
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	d := NewDriver(nil)
	test.That(t, d.Closed(), test.ShouldBeFalse)
	test.That(t, d.Close(ctx), test.ShouldBeNil)
	test.That(t, d.Closed(), test.ShouldBeTrue)
	test.That(t, d.Close(ctx), test.ShouldEqual, sensor.ErrDriverClosed)
	test.That(t, d.TriggerMeasurement(ctx, resource.KindCO2), test.ShouldEqual, sensor.ErrDriverClosed)
	test.That(t, d.Configure(ctx, resource.SettingOffset, "1"), test.ShouldEqual, sensor.ErrDriverClosed)
}
