package rating

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"github.com/envsense/hal/components/sensor"
	"github.com/envsense/hal/components/sensor/fake"
	"github.com/envsense/hal/logging"
	"github.com/envsense/hal/resource"
)

func TestScore(t *testing.T) {
	for _, tc := range []struct {
		kind     resource.Kind
		value    float64
		expected float64
	}{
		{resource.KindTemperature, 22, 100},
		{resource.KindTemperature, 20, 100},
		{resource.KindTemperature, 16, 50},
		{resource.KindTemperature, 28, 50},
		{resource.KindTemperature, 40, 0},
		{resource.KindHumidity, 75, 50},
		{resource.KindHumidity, 5, 0},
		{resource.KindCO2, 400, 100},
		{resource.KindCO2, 1400, 50},
		{resource.KindCO2, 5000, 0},
		{resource.KindTVOC, 1210, 50},
	} {
		score, err := Score(tc.kind, tc.value)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, score, test.ShouldAlmostEqual, tc.expected)
	}

	_, err := Score(resource.KindVoltage, 3.3)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, Rated(resource.KindMotion), test.ShouldBeFalse)
}

func TestLabel(t *testing.T) {
	test.That(t, Label(100), test.ShouldEqual, LabelExcellent)
	test.That(t, Label(80), test.ShouldEqual, LabelExcellent)
	test.That(t, Label(79.9), test.ShouldEqual, LabelGood)
	test.That(t, Label(40), test.ShouldEqual, LabelFair)
	test.That(t, Label(0), test.ShouldEqual, LabelPoor)
}

func TestTrackerWindow(t *testing.T) {
	tracker := NewTracker(3, logging.NewTestLogger(t))
	_, ok := tracker.Rating()
	test.That(t, ok, test.ShouldBeFalse)

	// Unrated kinds are ignored.
	tracker.Record(resource.KindVoltage, 1)
	_, ok = tracker.Rating()
	test.That(t, ok, test.ShouldBeFalse)

	for _, v := range []float64{40, 22, 23, 21} {
		tracker.Record(resource.KindTemperature, v)
	}
	r, ok := tracker.Rating()
	test.That(t, ok, test.ShouldBeTrue)
	// 40 fell out of the window.
	test.That(t, r.Values[resource.KindTemperature], test.ShouldEqual, 22.0)
	test.That(t, r.Overall, test.ShouldEqual, 100.0)
	test.That(t, r.Label, test.ShouldEqual, LabelExcellent)

	tracker.Record(resource.KindCO2, 1400)
	r, ok = tracker.Rating()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, r.Scores, test.ShouldHaveLength, 2)
	test.That(t, r.Scores[resource.KindCO2], test.ShouldAlmostEqual, 50)
	test.That(t, r.Overall, test.ShouldAlmostEqual, 75)
	test.That(t, r.Label, test.ShouldEqual, LabelGood)
}

type fakeSource struct {
	kind    resource.Kind
	cb      sensor.ValueCallback
	addErr  error
	removed int
}

func (s *fakeSource) Kind() resource.Kind {
	return s.kind
}

func (s *fakeSource) AddValueCallback(cb sensor.ValueCallback) (sensor.Registration, error) {
	if s.addErr != nil {
		return sensor.Registration{}, s.addErr
	}
	s.cb = cb
	return sensor.Registration{}, nil
}

func (s *fakeSource) RemoveValueCallback(reg sensor.Registration) error {
	s.removed++
	return sensor.ErrHandleStopped
}

func TestTrackerSources(t *testing.T) {
	tracker := NewTracker(0, logging.NewTestLogger(t))

	humidity := &fakeSource{kind: resource.KindHumidity}
	test.That(t, tracker.Track(humidity), test.ShouldBeNil)
	humidity.cb("50.00")
	humidity.cb("n/a")

	motion := &fakeSource{kind: resource.KindMotion}
	test.That(t, tracker.Track(motion), test.ShouldBeNil)
	test.That(t, motion.cb, test.ShouldBeNil)

	failing := &fakeSource{kind: resource.KindCO2, addErr: errors.New("nope")}
	test.That(t, tracker.Track(failing), test.ShouldBeError, errors.New("nope"))

	r, ok := tracker.Rating()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, r.Values, test.ShouldResemble, map[resource.Kind]float64{resource.KindHumidity: 50})

	// Stopped sources do not fail Close.
	test.That(t, tracker.Close(), test.ShouldBeNil)
	test.That(t, humidity.removed, test.ShouldEqual, 1)
	test.That(t, tracker.Close(), test.ShouldBeNil)
	test.That(t, humidity.removed, test.ShouldEqual, 1)
}

func TestTrackerFollowsHandle(t *testing.T) {
	logger := logging.NewTestLogger(t)
	h, err := sensor.NewHandle(sensor.HandleParams{
		Kind:     resource.KindCO2,
		Identity: resource.NewIdentity(resource.DeviceFake, 0),
		Driver:   fake.NewDriver(nil),
		Interval: 5 * time.Millisecond,
		Logger:   logger,
	})
	test.That(t, err, test.ShouldBeNil)
	defer h.UncheckedShutdown()

	tracker := NewTracker(5, logger)
	test.That(t, tracker.Track(h), test.ShouldBeNil)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		r, ok := tracker.Rating()
		test.That(tb, ok, test.ShouldBeTrue)
		test.That(tb, r.Values[resource.KindCO2], test.ShouldEqual, 600.0)
		test.That(tb, r.Label, test.ShouldEqual, LabelExcellent)
	})

	test.That(t, tracker.Close(), test.ShouldBeNil)
	test.That(t, h.Shutdown(context.Background()), test.ShouldBeNil)
}
