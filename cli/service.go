package cli

import (
	"context"

	"github.com/go-co-op/gocron/v2"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/envsense/hal/components/board"
	"github.com/envsense/hal/components/board/fake"
	"github.com/envsense/hal/components/board/genericlinux"
	"github.com/envsense/hal/components/sensor"
	"github.com/envsense/hal/config"
	"github.com/envsense/hal/logging"
	"github.com/envsense/hal/rating"
	"github.com/envsense/hal/registry"
)

// newBoard builds the board named by the config. The I2C bus the registry uses is opened even
// when the config lists no buses.
func newBoard(ctx context.Context, cfg *config.Config, useFake bool, logger logging.Logger) (board.Board, error) {
	busName := i2cBusName(cfg)
	if useFake || cfg.Board.Model == config.BoardModelFake {
		logger.Info("using in-memory board")
		return fake.NewBoard(busName), nil
	}
	linuxConf := cfg.Board.Config
	if len(linuxConf.I2Cs) == 0 {
		linuxConf.I2Cs = []genericlinux.BusConfig{{Bus: busName}}
	}
	return genericlinux.NewBoard(ctx, linuxConf, logger.Sublogger("board"))
}

func i2cBusName(cfg *config.Config) string {
	if cfg.I2CBus != "" {
		return cfg.I2CBus
	}
	return registry.DefaultI2CBus
}

// newRegistry builds a registry over b carrying every configured device's attributes.
func newRegistry(cfg *config.Config, b board.Board, logger logging.Logger) *registry.Registry {
	opts := []registry.Option{
		registry.WithBoard(b),
		registry.WithI2CBus(i2cBusName(cfg)),
	}
	for _, dev := range cfg.Devices {
		opts = append(opts, registry.WithDevice(dev.Identity(), registry.DeviceAttributes{
			InterruptPin: dev.InterruptPin,
			Settings:     dev.ConvertedSettings,
		}))
	}
	return registry.New(logger.Sublogger("registry"), opts...)
}

// A sensorService polls every sensor of one config and logs their values. A scheduled job logs
// the comfort rating.
type sensorService struct {
	logger    logging.Logger
	registry  *registry.Registry
	handles   []*sensor.Handle
	tracker   *rating.Tracker
	scheduler gocron.Scheduler
}

func startService(ctx context.Context, cfg *config.Config, useFake bool, logger logging.Logger) (*sensorService, error) {
	b, err := newBoard(ctx, cfg, useFake, logger)
	if err != nil {
		return nil, err
	}
	window := 0
	if cfg.Rating != nil {
		window = cfg.Rating.Window
	}
	svc := &sensorService{
		logger:   logger,
		registry: newRegistry(cfg, b, logger),
		tracker:  rating.NewTracker(window, logger.Sublogger("rating")),
	}

	for idx, sensorConf := range cfg.Sensors {
		id := sensorConf.Identity()
		h, err := svc.registry.GetSensor(ctx, sensorConf.Kind, id.Device, id.Pin, sensorConf.ConvertedInterval)
		if err != nil {
			return nil, multierr.Combine(errors.Wrapf(err, "starting sensors.%d", idx), svc.Close(ctx))
		}
		svc.handles = append(svc.handles, h)

		kind, unit := h.Kind(), h.Kind().Unit()
		if _, err := h.AddValueCallback(func(value string) {
			logger.Infow("reading", "sensor", id.String(), "kind", kind, "value", value, "unit", unit)
		}); err != nil {
			return nil, multierr.Combine(err, svc.Close(ctx))
		}
		if err := svc.tracker.Track(h); err != nil {
			return nil, multierr.Combine(err, svc.Close(ctx))
		}
	}

	if err := svc.scheduleRating(cfg.Rating); err != nil {
		return nil, multierr.Combine(err, svc.Close(ctx))
	}
	logger.Infow("sensors started", "count", len(svc.handles), "devices", len(svc.registry.Devices()))
	return svc, nil
}

// scheduleRating starts the job logging the comfort rating, on the configured cron schedule or
// every interval.
func (svc *sensorService) scheduleRating(conf *config.RatingConfig) error {
	jobType := gocron.DurationJob(config.DefaultRatingInterval)
	if conf != nil {
		if conf.Cron != "" {
			jobType = gocron.CronJob(conf.Cron, false)
		} else {
			jobType = gocron.DurationJob(conf.ConvertedInterval)
		}
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return err
	}
	svc.scheduler = scheduler
	if _, err := scheduler.NewJob(
		jobType,
		gocron.NewTask(svc.logRating),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return errors.Wrap(err, "scheduling rating")
	}
	scheduler.Start()
	return nil
}

func (svc *sensorService) logRating() {
	r, ok := svc.tracker.Rating()
	if !ok {
		svc.logger.Debug("no values to rate yet")
		return
	}
	svc.logger.Infow("comfort rating", "score", r.Overall, "label", r.Label, "scores", r.Scores)
}

// Close stops the rating and every sensor, then releases the board.
func (svc *sensorService) Close(ctx context.Context) error {
	var err error
	if svc.scheduler != nil {
		err = svc.scheduler.Shutdown()
		svc.scheduler = nil
	}
	return multierr.Combine(err, svc.tracker.Close(), svc.registry.Close(ctx))
}
