// Package ccs811 implements a driver for the ams CCS811 eCO2 and TVOC gas sensor.
package ccs811

import (
	"context"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/spf13/cast"
	goutils "go.viam.com/utils"

	"github.com/envsense/hal/components/board"
	"github.com/envsense/hal/components/sensor"
	"github.com/envsense/hal/logging"
	"github.com/envsense/hal/resource"
)

const (
	statusReg     = 0x00
	measModeReg   = 0x01
	algResultReg  = 0x02
	thresholdsReg = 0x10
	baselineReg   = 0x11
	hwIDReg       = 0x20
	errorIDReg    = 0xE0
	appStartReg   = 0xF4

	hwID = 0x81

	statusError     = 1 << 0
	statusDataReady = 1 << 3
	statusAppValid  = 1 << 4
	statusFwMode    = 1 << 7

	measModeIntThresh  = 1 << 2
	measModeIntDataRdy = 1 << 3
	driveModeShift     = 4
	driveModeMask      = 0b0111_0000

	defaultDriveMode = 1
	appStartDelay    = time.Millisecond
	statusPollPeriod = 10 * time.Millisecond
)

var errorNames = []string{
	"WRITE_REG_INVALID", "READ_REG_INVALID", "MEASMODE_INVALID",
	"MAX_RESISTANCE", "HEATER_FAULT", "HEATER_SUPPLY",
}

// drivePeriod is the sampling period of each drive mode. Mode 0 is idle.
var drivePeriod = map[int]time.Duration{
	1: time.Second,
	2: 10 * time.Second,
	3: 60 * time.Second,
	4: 250 * time.Millisecond,
}

// DeviceError is the content of ERROR_ID after the chip flagged an error.
type DeviceError byte

func (e DeviceError) Error() string {
	var names []string
	for i, name := range errorNames {
		if byte(e)&(1<<i) != 0 {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return fmt.Sprintf("ccs811 error 0x%02x", byte(e))
	}
	return fmt.Sprintf("ccs811 error 0x%02x (%s)", byte(e), strings.Join(names, ", "))
}

// Sensor is a ccs811 on an I2C bus, optionally with its nINT line wired to an interrupt.
type Sensor struct {
	sensor.Callbacks

	mu        sync.Mutex
	bus       board.I2C
	addr      byte
	interrupt board.DigitalInterrupt
	logger    logging.Logger

	driveMode  int
	thresholds [2]uint16
	threshSet  bool
	clk        clock.Clock
	// unread holds the last sample for each kind that has not been dispatched yet. One
	// conversion yields both kinds. Samples older than one drive period are dropped.
	unread map[resource.Kind]sample
	closed bool
}

type sample struct {
	value uint16
	at    time.Time
}

var _ = sensor.Driver(&Sensor{})

// New boots the application firmware and starts measuring once per second. interrupt may be nil,
// in which case data readiness is polled. clk dates cached samples; nil means the wall clock.
func New(
	ctx context.Context,
	bus board.I2C,
	addr byte,
	interrupt board.DigitalInterrupt,
	clk clock.Clock,
	logger logging.Logger,
) (*Sensor, error) {
	if clk == nil {
		clk = clock.New()
	}
	s := &Sensor{
		bus:        bus,
		addr:       addr,
		interrupt:  interrupt,
		logger:     logger,
		driveMode:  defaultDriveMode,
		thresholds: [2]uint16{1500, 2500},
		clk:        clk,
		unread:     map[resource.Kind]sample{},
	}
	if err := s.boot(ctx); err != nil {
		return nil, errors.Wrap(err, "ccs811 init")
	}
	s.logger.Debugw("ccs811 ready", "address", addr, "interrupt", interrupt != nil)
	return s, nil
}

func (s *Sensor) withHandle(f func(handle board.I2CHandle) error) error {
	return errors.Wrapf(board.WithI2CHandle(s.bus, s.addr, f), "ccs811 at 0x%02x", s.addr)
}

func (s *Sensor) boot(ctx context.Context) error {
	err := s.withHandle(func(handle board.I2CHandle) error {
		id, err := handle.ReadByteData(ctx, hwIDReg)
		if err != nil {
			return err
		}
		if id != hwID {
			return errors.Errorf("unexpected hardware id 0x%02x, expected 0x%02x", id, hwID)
		}
		status, err := handle.ReadByteData(ctx, statusReg)
		if err != nil {
			return err
		}
		if status&statusAppValid == 0 {
			return errors.New("no valid application firmware")
		}
		return handle.Write(ctx, []byte{appStartReg})
	})
	if err != nil {
		return err
	}
	if !goutils.SelectContextOrWait(ctx, appStartDelay) {
		return ctx.Err()
	}
	return s.withHandle(func(handle board.I2CHandle) error {
		status, err := handle.ReadByteData(ctx, statusReg)
		if err != nil {
			return err
		}
		if status&statusError != 0 {
			return s.readError(ctx, handle)
		}
		if status&statusFwMode == 0 {
			return errors.New("firmware did not enter application mode")
		}
		return handle.WriteByteData(ctx, measModeReg, s.measMode())
	})
}

func (s *Sensor) measMode() byte {
	mode := byte(s.driveMode) << driveModeShift
	if s.interrupt != nil {
		mode |= measModeIntDataRdy
		if s.threshSet {
			mode |= measModeIntThresh
		}
	}
	return mode
}

func (s *Sensor) readError(ctx context.Context, handle board.I2CHandle) error {
	id, err := handle.ReadByteData(ctx, errorIDReg)
	if err != nil {
		return err
	}
	return DeviceError(id)
}

// TriggerMeasurement dispatches eCO2 in ppm or TVOC in ppb. It waits for the next conversion
// unless the other kind already fetched one this kind has not seen.
func (s *Sensor) TriggerMeasurement(ctx context.Context, kind resource.Kind) error {
	value, err := s.measure(ctx, kind)
	if err != nil {
		return err
	}
	s.Dispatch(kind, strconv.Itoa(int(value)))
	return nil
}

func (s *Sensor) measure(ctx context.Context, kind resource.Kind) (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, sensor.ErrDriverClosed
	}
	if !resource.DeviceCCS811.Produces(kind) {
		return 0, sensor.NewUnsupportedKindError(resource.DeviceCCS811, kind)
	}
	period, ok := drivePeriod[s.driveMode]
	if !ok {
		return 0, errors.New("ccs811 is idle in drive mode 0")
	}
	if cached, ok := s.unread[kind]; ok {
		delete(s.unread, kind)
		if s.clk.Since(cached.at) <= period {
			return cached.value, nil
		}
	}

	if s.interrupt != nil {
		board.DrainEdges(s.interrupt)
	}
	ready, err := s.dataReady(ctx)
	if err != nil {
		return 0, err
	}
	if !ready {
		if err := s.waitForData(ctx, 2*period); err != nil {
			return 0, err
		}
	}

	var buf []byte
	err = s.withHandle(func(handle board.I2CHandle) error {
		var err error
		buf, err = handle.ReadBlockData(ctx, algResultReg, 6)
		if err != nil {
			return err
		}
		if buf[4]&statusError != 0 {
			return s.readError(ctx, handle)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	co2 := binary.BigEndian.Uint16(buf[0:])
	tvoc := binary.BigEndian.Uint16(buf[2:])
	now := s.clk.Now()
	if kind == resource.KindCO2 {
		s.unread[resource.KindTVOC] = sample{tvoc, now}
		return co2, nil
	}
	s.unread[resource.KindCO2] = sample{co2, now}
	return tvoc, nil
}

func (s *Sensor) dataReady(ctx context.Context) (bool, error) {
	var status byte
	err := s.withHandle(func(handle board.I2CHandle) error {
		var err error
		status, err = handle.ReadByteData(ctx, statusReg)
		return err
	})
	if err != nil {
		return false, err
	}
	if status&statusError != 0 {
		return false, s.withHandle(func(handle board.I2CHandle) error {
			return s.readError(ctx, handle)
		})
	}
	return status&statusDataReady != 0, nil
}

// waitForData blocks on nINT going low, or polls STATUS when no interrupt line is wired.
func (s *Sensor) waitForData(ctx context.Context, timeout time.Duration) error {
	if s.interrupt != nil {
		return board.WaitForEdge(ctx, s.interrupt, false, timeout)
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !goutils.SelectContextOrWait(ctx, statusPollPeriod) {
			return ctx.Err()
		}
		ready, err := s.dataReady(ctx)
		if err != nil {
			return err
		}
		if ready {
			return nil
		}
	}
	return errors.Errorf("ccs811 data not ready after %v", timeout)
}

// Configure sets drive_mode (0 to 4), baseline (16 bit, decimal or 0x hex) or thresholds
// ("low,high" in ppm).
func (s *Sensor) Configure(ctx context.Context, setting resource.Setting, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return sensor.ErrDriverClosed
	}

	switch setting {
	case resource.SettingDriveMode:
		mode, err := cast.ToIntE(value)
		if err != nil {
			return sensor.NewInvalidSettingValueError(setting, value, err)
		}
		if mode < 0 || mode > 4 {
			return sensor.NewInvalidSettingValueError(setting, value, errors.New("must be between 0 and 4"))
		}
		prev := s.driveMode
		s.driveMode = mode
		if err := s.writeMeasMode(ctx); err != nil {
			s.driveMode = prev
			return err
		}
		clear(s.unread)
		return nil
	case resource.SettingBaseline:
		baseline, err := cast.ToUint16E(value)
		if err != nil {
			return sensor.NewInvalidSettingValueError(setting, value, err)
		}
		return s.withHandle(func(handle board.I2CHandle) error {
			return handle.WriteBlockData(ctx, baselineReg, binary.BigEndian.AppendUint16(nil, baseline))
		})
	case resource.SettingThresholds:
		low, high, err := parseThresholds(value)
		if err != nil {
			return sensor.NewInvalidSettingValueError(setting, value, err)
		}
		data := binary.BigEndian.AppendUint16(binary.BigEndian.AppendUint16(nil, low), high)
		if err := s.withHandle(func(handle board.I2CHandle) error {
			return handle.WriteBlockData(ctx, thresholdsReg, data)
		}); err != nil {
			return err
		}
		s.thresholds = [2]uint16{low, high}
		s.threshSet = true
		return s.writeMeasMode(ctx)
	default:
		return sensor.NewUnsupportedSettingError(resource.DeviceCCS811, setting)
	}
}

func (s *Sensor) writeMeasMode(ctx context.Context) error {
	return s.withHandle(func(handle board.I2CHandle) error {
		reg := board.I2CRegister{Handle: handle, Register: measModeReg}
		return reg.WriteByteData(ctx, s.measMode())
	})
}

func parseThresholds(value string) (uint16, uint16, error) {
	lowText, highText, ok := strings.Cut(value, ",")
	if !ok {
		return 0, 0, errors.New(`expected "low,high"`)
	}
	low, err := cast.ToUint16E(strings.TrimSpace(lowText))
	if err != nil {
		return 0, 0, err
	}
	high, err := cast.ToUint16E(strings.TrimSpace(highText))
	if err != nil {
		return 0, 0, err
	}
	if low >= high {
		return 0, 0, errors.New("low threshold must be below high threshold")
	}
	return low, high, nil
}

// Configuration returns the current drive mode, the baseline read from the chip as 0x%04X, or the
// thresholds last written.
func (s *Sensor) Configuration(ctx context.Context, setting resource.Setting) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", sensor.ErrDriverClosed
	}

	switch setting {
	case resource.SettingDriveMode:
		return strconv.Itoa(s.driveMode), nil
	case resource.SettingBaseline:
		var buf []byte
		err := s.withHandle(func(handle board.I2CHandle) error {
			var err error
			buf, err = handle.ReadBlockData(ctx, baselineReg, 2)
			return err
		})
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("0x%04X", binary.BigEndian.Uint16(buf)), nil
	case resource.SettingThresholds:
		return fmt.Sprintf("%d,%d", s.thresholds[0], s.thresholds[1]), nil
	default:
		return "", sensor.NewUnsupportedSettingError(resource.DeviceCCS811, setting)
	}
}

// AvailableConfigurations lists drive_mode, baseline and thresholds.
func (s *Sensor) AvailableConfigurations() []resource.Setting {
	return resource.DeviceCCS811.Settings()
}

// Close switches the chip to idle. The interrupt line belongs to the board and stays open.
func (s *Sensor) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return sensor.ErrDriverClosed
	}
	s.closed = true
	return s.withHandle(func(handle board.I2CHandle) error {
		reg := board.I2CRegister{Handle: handle, Register: measModeReg}
		return reg.Update(ctx, driveModeMask, 0)
	})
}
