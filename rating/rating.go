// Package rating turns recent sensor values into an indoor comfort and air quality score.
package rating

import (
	"math"
	"slices"
	"sync"

	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/spf13/cast"
	"go.uber.org/multierr"

	"github.com/envsense/hal/components/sensor"
	"github.com/envsense/hal/logging"
	"github.com/envsense/hal/resource"
)

// DefaultWindow is the number of recent values kept per kind.
const DefaultWindow = 10

// Labels, best first.
const (
	LabelExcellent = "excellent"
	LabelGood      = "good"
	LabelFair      = "fair"
	LabelPoor      = "poor"
)

// A band scores a value 100 inside [low, high], falling linearly to 0 at low-falloff and
// high+falloff.
type band struct {
	low, high, falloff float64
}

func (b band) score(v float64) float64 {
	var distance float64
	switch {
	case v < b.low:
		distance = b.low - v
	case v > b.high:
		distance = v - b.high
	default:
		return 100
	}
	return math.Max(0, 100*(1-distance/b.falloff))
}

var bands = map[resource.Kind]band{
	resource.KindTemperature: {low: 20, high: 24, falloff: 8},
	resource.KindHumidity:    {low: 40, high: 60, falloff: 30},
	resource.KindCO2:         {low: math.Inf(-1), high: 800, falloff: 1200},
	resource.KindTVOC:        {low: math.Inf(-1), high: 220, falloff: 1980},
}

// Rated reports whether values of kind contribute to the rating.
func Rated(kind resource.Kind) bool {
	_, ok := bands[kind]
	return ok
}

// Score rates a single value of kind from 0 to 100.
func Score(kind resource.Kind, value float64) (float64, error) {
	b, ok := bands[kind]
	if !ok {
		return 0, errors.Errorf("%s is not rated", kind)
	}
	return b.score(value), nil
}

// Label names an overall score.
func Label(score float64) string {
	switch {
	case score >= 80:
		return LabelExcellent
	case score >= 60:
		return LabelGood
	case score >= 40:
		return LabelFair
	default:
		return LabelPoor
	}
}

// A Rating is the result of one evaluation.
type Rating struct {
	// Values holds the median of each kind's window.
	Values map[resource.Kind]float64
	// Scores holds the score of each median.
	Scores  map[resource.Kind]float64
	Overall float64
	Label   string
}

// A Source is a handle whose values the tracker can follow.
type Source interface {
	Kind() resource.Kind
	AddValueCallback(cb sensor.ValueCallback) (sensor.Registration, error)
	RemoveValueCallback(reg sensor.Registration) error
}

type subscription struct {
	source Source
	reg    sensor.Registration
}

// Tracker keeps a window of recent values per rated kind.
type Tracker struct {
	logger logging.Logger
	window int

	mu      sync.Mutex
	samples map[resource.Kind][]float64
	subs    []subscription
}

// NewTracker returns a tracker keeping window values per kind; DefaultWindow when window <= 0.
func NewTracker(window int, logger logging.Logger) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Tracker{
		logger:  logger,
		window:  window,
		samples: map[resource.Kind][]float64{},
	}
}

// Track follows the values of src. Sources of kinds that are not rated are ignored.
func (t *Tracker) Track(src Source) error {
	kind := src.Kind()
	if !Rated(kind) {
		return nil
	}
	reg, err := src.AddValueCallback(func(value string) {
		v, err := cast.ToFloat64E(value)
		if err != nil {
			t.logger.Debugw("ignoring non-numeric value", "kind", kind, "value", value)
			return
		}
		t.Record(kind, v)
	})
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.subs = append(t.subs, subscription{source: src, reg: reg})
	t.mu.Unlock()
	return nil
}

// Record adds a value, dropping the oldest once the window is full.
func (t *Tracker) Record(kind resource.Kind, value float64) {
	if !Rated(kind) || math.IsNaN(value) {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	window := append(t.samples[kind], value)
	if len(window) > t.window {
		window = window[len(window)-t.window:]
	}
	t.samples[kind] = window
}

// Rating evaluates the current windows. It returns false until at least one rated kind has a
// value.
func (t *Tracker) Rating() (Rating, bool) {
	t.mu.Lock()
	windows := make(map[resource.Kind][]float64, len(t.samples))
	for kind, window := range t.samples {
		windows[kind] = slices.Clone(window)
	}
	t.mu.Unlock()

	r := Rating{
		Values: map[resource.Kind]float64{},
		Scores: map[resource.Kind]float64{},
	}
	for kind, window := range windows {
		median, err := stats.Median(window)
		if err != nil {
			continue
		}
		r.Values[kind] = median
		r.Scores[kind] = bands[kind].score(median)
	}
	if len(r.Scores) == 0 {
		return Rating{}, false
	}
	overall, err := stats.Mean(lo.Values(r.Scores))
	if err != nil {
		return Rating{}, false
	}
	r.Overall = overall
	r.Label = Label(overall)
	return r, true
}

// Close stops following every source. Sources already shut down are skipped.
func (t *Tracker) Close() error {
	t.mu.Lock()
	subs := t.subs
	t.subs = nil
	t.mu.Unlock()

	var err error
	for _, sub := range subs {
		if removeErr := sub.source.RemoveValueCallback(sub.reg); removeErr != nil &&
			!errors.Is(removeErr, sensor.ErrHandleStopped) {
			err = multierr.Combine(err, removeErr)
		}
	}
	return err
}
