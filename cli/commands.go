package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"github.com/envsense/hal/config"
	"github.com/envsense/hal/logging"
	"github.com/envsense/hal/resource"
)

// newLogger builds the process logger from the config and the --debug flag. The returned func
// flushes and closes the log file, if any.
func newLogger(c *cli.Context, cfg *config.Config) (logging.Logger, func()) {
	var logger logging.Logger
	closeLogs := func() {}
	if cfg.Logging.File != nil {
		var fileAppender *logging.FileAppender
		logger, fileAppender = logging.NewFileLogger("sensord", *cfg.Logging.File)
		closeLogs = func() {
			goutils.UncheckedError(logger.Sync())
			goutils.UncheckedError(fileAppender.Close())
		}
	} else {
		logger = logging.NewLogger("sensord")
	}
	logger.SetLevel(cfg.Logging.LogLevel())
	if c.Bool(generalFlagDebug) {
		logger.SetLevel(logging.DEBUG)
	}
	return logger, closeLogs
}

func readConfig(c *cli.Context) (*config.Config, error) {
	path := c.String(generalFlagConfig)
	if path == "" {
		return nil, errors.Errorf("--%s is required", generalFlagConfig)
	}
	return config.Read(path)
}

// RunAction polls every configured sensor until SIGINT or SIGTERM.
func RunAction(c *cli.Context) (err error) {
	cfg, err := readConfig(c)
	if err != nil {
		return err
	}
	logger, closeLogs := newLogger(c, cfg)
	defer closeLogs()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	useFake := c.Bool(generalFlagFakeBoard)
	svc, err := startService(ctx, cfg, useFake, logger)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, svc.Close(context.Background()))
	}()

	if !c.Bool(runFlagWatch) {
		<-ctx.Done()
		return nil
	}

	watcher, err := config.NewWatcher(cfg.ConfigFilePath, logger.Sublogger("config"))
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, watcher.Close())
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case newCfg := <-watcher.Config():
			logger.Info("restarting sensors with new config")
			if closeErr := svc.Close(ctx); closeErr != nil {
				logger.Warnw("error stopping sensors", "error", closeErr)
			}
			newSvc, startErr := startService(ctx, newCfg, useFake, logger)
			if startErr != nil {
				logger.Errorw("error starting sensors, restoring previous config", "error", startErr)
				if newSvc, startErr = startService(ctx, cfg, useFake, logger); startErr != nil {
					return startErr
				}
			} else {
				cfg = newCfg
			}
			svc = newSvc
		}
	}
}

// parseSets parses repeated SETTING=VALUE flags.
func parseSets(device resource.DeviceKind, sets []string) (map[resource.Setting]string, error) {
	settings := map[resource.Setting]string{}
	for _, set := range sets {
		name, value, ok := strings.Cut(set, "=")
		if !ok {
			return nil, errors.Errorf("--%s %q is not SETTING=VALUE", readFlagSet, set)
		}
		setting, err := resource.ParseSetting(name)
		if err != nil {
			return nil, err
		}
		if !device.Accepts(setting) {
			return nil, errors.Errorf("%s does not accept setting %q", device, setting)
		}
		settings[setting] = value
	}
	return settings, nil
}

// ReadAction prints --count readings of one sensor, then the device's configuration.
func ReadAction(c *cli.Context) (err error) {
	kind, err := resource.ParseKind(c.String(readFlagKind))
	if err != nil {
		return err
	}
	device, err := resource.ParseDeviceKind(c.String(readFlagDevice))
	if err != nil {
		return err
	}
	if !device.Produces(kind) {
		return errors.Errorf("%s does not produce %s", device, kind)
	}
	pin := c.Int(readFlagPin)
	if pin < 0 {
		if device.UsesGPIO() {
			return errors.Errorf("--%s is required for %s", readFlagPin, device)
		}
		pin = device.DefaultAddress()
	}
	count := c.Int(readFlagCount)
	if count < 1 {
		return errors.Errorf("--%s must be at least 1", readFlagCount)
	}
	settings, err := parseSets(device, c.StringSlice(readFlagSet))
	if err != nil {
		return err
	}

	cfg := &config.Config{}
	if c.String(generalFlagConfig) != "" {
		if cfg, err = readConfig(c); err != nil {
			return err
		}
	}
	logger, closeLogs := newLogger(c, cfg)
	defer closeLogs()

	ctx, cancel := context.WithTimeout(c.Context, c.Duration(readFlagTimeout))
	defer cancel()

	b, err := newBoard(ctx, cfg, c.Bool(generalFlagFakeBoard), logger)
	if err != nil {
		return err
	}
	reg := newRegistry(cfg, b, logger)
	defer func() {
		err = multierr.Combine(err, reg.Close(context.Background()))
	}()

	h, err := reg.GetSensor(ctx, kind, device, pin, c.Duration(readFlagInterval))
	if err != nil {
		return err
	}
	names := lo.Keys(settings)
	slices.Sort(names)
	for _, setting := range names {
		if err := h.Configure(ctx, setting, settings[setting]); err != nil {
			return err
		}
	}

	values := make(chan string, count)
	if _, err := h.AddValueCallback(func(value string) {
		select {
		case values <- value:
		default:
		}
	}); err != nil {
		return err
	}
	for i := 0; i < count; i++ {
		select {
		case <-ctx.Done():
			if lastErr := h.LastError(); lastErr != nil {
				return errors.Wrap(lastErr, "no reading")
			}
			return errors.Wrap(ctx.Err(), "no reading")
		case value := <-values:
			printReading(c, kind, value)
		}
	}

	available, err := h.AvailableConfigurations()
	if err != nil {
		return err
	}
	for _, setting := range available {
		value, err := h.Configuration(ctx, setting)
		if err != nil {
			logger.Debugw("configuration not readable", "setting", setting, "error", err)
			continue
		}
		printf(c, "%s = %s", setting, value)
	}
	return nil
}

func printReading(c *cli.Context, kind resource.Kind, value string) {
	ts := time.Now().UTC().Format(time.RFC3339)
	if unit := kind.Unit(); unit != "" {
		printf(c, "%s\t%s\t%s %s", ts, kind, value, unit)
		return
	}
	printf(c, "%s\t%s\t%s", ts, kind, value)
}

// DevicesAction prints a table of the supported devices.
func DevicesAction(c *cli.Context) error {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"Device", "Vendor", "Bus", "Measurements", "Settings"})
	for _, device := range resource.AllDevices() {
		bus := "gpio"
		if !device.UsesGPIO() {
			bus = "i2c"
			if addr := device.DefaultAddress(); addr != 0 {
				bus = fmt.Sprintf("i2c 0x%02x", addr)
			}
		}
		if device == resource.DeviceFake {
			bus = "none"
		}
		kinds := lo.Map(device.Kinds(), func(k resource.Kind, _ int) string { return string(k) })
		settings := lo.Map(device.Settings(), func(s resource.Setting, _ int) string { return string(s) })
		t.AppendRow(table.Row{
			device,
			device.Vendor(),
			bus,
			strings.Join(kinds, ", "),
			strings.Join(settings, ", "),
		})
	}
	printf(c, "%s", t.Render())
	return nil
}

// printf prints a message with no decoration.
func printf(c *cli.Context, format string, a ...interface{}) {
	//nolint:errcheck
	fmt.Fprintf(c.App.Writer, format+"\n", a...)
}
