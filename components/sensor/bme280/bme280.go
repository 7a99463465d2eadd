// Package bme280 implements a driver for the Bosch BME280 temperature, humidity and pressure
// sensor.
// Compensation formulas follow the floating point variants in the BME280 datasheet, section 8.1.
package bme280

import (
	"context"
	"encoding/binary"
	"math"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/spf13/cast"
	goutils "go.viam.com/utils"

	"github.com/envsense/hal/components/board"
	"github.com/envsense/hal/components/sensor"
	"github.com/envsense/hal/logging"
	"github.com/envsense/hal/resource"
)

// Addresses of bme280 registers.
const (
	chipIDReg     = 0xD0
	resetReg      = 0xE0
	calib00Reg    = 0x88 // T1..P9, 24 bytes
	calibH1Reg    = 0xA1
	calib26Reg    = 0xE1 // H2..H6, 7 bytes
	ctrlHumReg    = 0xF2
	ctrlMeasReg   = 0xF4
	configReg     = 0xF5
	measuringReg  = 0xF7 // press_msb..hum_lsb, 8 bytes
	chipID        = 0x60
	resetCommand  = 0xB6
	modeNormal    = 0b11
	startupDelay  = 2 * time.Millisecond
	measureLength = 8
)

var (
	oversamplingCodes = map[int]byte{1: 0b001, 2: 0b010, 4: 0b011, 8: 0b100, 16: 0b101}
	filterCodes       = map[int]byte{0: 0b000, 2: 0b001, 4: 0b010, 8: 0b011, 16: 0b100}
)

type calibration struct {
	t1         uint16
	t2, t3     int16
	p1         uint16
	p2, p3, p4 int16
	p5, p6, p7 int16
	p8, p9     int16
	h1         uint8
	h2         int16
	h3         uint8
	h4, h5     int16
	h6         int8
}

func parseCalibration(tp []byte, h1 byte, h []byte) calibration {
	le := binary.LittleEndian
	s16 := func(b []byte) int16 { return int16(le.Uint16(b)) }
	return calibration{
		t1: le.Uint16(tp[0:]),
		t2: s16(tp[2:]),
		t3: s16(tp[4:]),
		p1: le.Uint16(tp[6:]),
		p2: s16(tp[8:]),
		p3: s16(tp[10:]),
		p4: s16(tp[12:]),
		p5: s16(tp[14:]),
		p6: s16(tp[16:]),
		p7: s16(tp[18:]),
		p8: s16(tp[20:]),
		p9: s16(tp[22:]),
		h1: h1,
		h2: s16(h[0:]),
		h3: h[2],
		// H4 and H5 are 12 bit values sharing the nibbles of 0xE5.
		h4: int16(int8(h[3]))<<4 | int16(h[4]&0x0F),
		h5: int16(int8(h[5]))<<4 | int16(h[4]>>4),
		h6: int8(h[6]),
	}
}

// Sensor is a bme280 on an I2C bus.
type Sensor struct {
	sensor.Callbacks

	mu           sync.Mutex
	bus          board.I2C
	addr         byte
	logger       logging.Logger
	calib        calibration
	oversampling int
	filter       int
	closed       bool
}

var _ = sensor.Driver(&Sensor{})

// New resets the chip at addr, reads its calibration and starts it in normal mode with 1x
// oversampling on every channel and the filter off.
func New(ctx context.Context, bus board.I2C, addr byte, logger logging.Logger) (*Sensor, error) {
	s := &Sensor{
		bus:          bus,
		addr:         addr,
		logger:       logger,
		oversampling: 1,
		filter:       0,
	}
	if err := s.withHandle(func(handle board.I2CHandle) error {
		return handle.WriteByteData(ctx, resetReg, resetCommand)
	}); err != nil {
		return nil, errors.Wrap(err, "bme280 reset")
	}
	if !goutils.SelectContextOrWait(ctx, startupDelay) {
		return nil, ctx.Err()
	}

	err := s.withHandle(func(handle board.I2CHandle) error {
		id, err := handle.ReadByteData(ctx, chipIDReg)
		if err != nil {
			return err
		}
		if id != chipID {
			return errors.Errorf("unexpected chip id 0x%02x, expected 0x%02x", id, chipID)
		}
		tp, err := handle.ReadBlockData(ctx, calib00Reg, 24)
		if err != nil {
			return err
		}
		h1, err := handle.ReadByteData(ctx, calibH1Reg)
		if err != nil {
			return err
		}
		h, err := handle.ReadBlockData(ctx, calib26Reg, 7)
		if err != nil {
			return err
		}
		s.calib = parseCalibration(tp, h1, h)
		return s.writeControl(ctx, handle)
	})
	if err != nil {
		return nil, errors.Wrap(err, "bme280 init")
	}
	s.logger.Debugw("bme280 ready", "address", addr)
	return s, nil
}

func (s *Sensor) withHandle(f func(handle board.I2CHandle) error) error {
	return errors.Wrapf(board.WithI2CHandle(s.bus, s.addr, f), "bme280 at 0x%02x", s.addr)
}

// writeControl writes ctrl_hum before ctrl_meas; the chip latches ctrl_hum on the ctrl_meas write.
func (s *Sensor) writeControl(ctx context.Context, handle board.I2CHandle) error {
	osrs := oversamplingCodes[s.oversampling]
	if err := handle.WriteByteData(ctx, ctrlHumReg, osrs); err != nil {
		return err
	}
	config := board.I2CRegister{Handle: handle, Register: configReg}
	if err := config.Update(ctx, 0b0001_1100, filterCodes[s.filter]<<2); err != nil {
		return err
	}
	return handle.WriteByteData(ctx, ctrlMeasReg, osrs<<5|osrs<<2|modeNormal)
}

// TriggerMeasurement reads the latest sample and dispatches kind in °C, hPa or %RH.
func (s *Sensor) TriggerMeasurement(ctx context.Context, kind resource.Kind) error {
	value, err := s.measure(ctx, kind)
	if err != nil {
		return err
	}
	s.Dispatch(kind, sensor.FormatFloat(value))
	return nil
}

func (s *Sensor) measure(ctx context.Context, kind resource.Kind) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, sensor.ErrDriverClosed
	}
	if !resource.DeviceBME280.Produces(kind) {
		return 0, sensor.NewUnsupportedKindError(resource.DeviceBME280, kind)
	}

	var buf []byte
	err := s.withHandle(func(handle board.I2CHandle) error {
		var err error
		buf, err = handle.ReadBlockData(ctx, measuringReg, measureLength)
		return err
	})
	if err != nil {
		return 0, err
	}
	if len(buf) != measureLength {
		return 0, errors.Errorf("bme280 read %d bytes, expected %d", len(buf), measureLength)
	}

	adcP := float64(uint32(buf[0])<<12 | uint32(buf[1])<<4 | uint32(buf[2])>>4)
	adcT := float64(uint32(buf[3])<<12 | uint32(buf[4])<<4 | uint32(buf[5])>>4)
	adcH := float64(uint32(buf[6])<<8 | uint32(buf[7]))

	temp, tFine := s.calib.compensateTemperature(adcT)
	switch kind {
	case resource.KindPressure:
		return s.calib.compensatePressure(adcP, tFine) / 100, nil
	case resource.KindHumidity:
		return s.calib.compensateHumidity(adcH, tFine), nil
	default:
		return temp, nil
	}
}

func (c calibration) compensateTemperature(adc float64) (float64, float64) {
	var1 := (adc/16384 - float64(c.t1)/1024) * float64(c.t2)
	var2 := math.Pow(adc/131072-float64(c.t1)/8192, 2) * float64(c.t3)
	tFine := var1 + var2
	return tFine / 5120, tFine
}

// compensatePressure returns Pa.
func (c calibration) compensatePressure(adc, tFine float64) float64 {
	var1 := tFine/2 - 64000
	var2 := var1 * var1 * float64(c.p6) / 32768
	var2 += var1 * float64(c.p5) * 2
	var2 = var2/4 + float64(c.p4)*65536
	var1 = (float64(c.p3)*var1*var1/524288 + float64(c.p2)*var1) / 524288
	var1 = (1 + var1/32768) * float64(c.p1)
	if var1 == 0 {
		return 0
	}
	p := 1048576 - adc
	p = (p - var2/4096) * 6250 / var1
	var1 = float64(c.p9) * p * p / 2147483648
	var2 = p * float64(c.p8) / 32768
	return p + (var1+var2+float64(c.p7))/16
}

func (c calibration) compensateHumidity(adc, tFine float64) float64 {
	h := tFine - 76800
	h = (adc - (float64(c.h4)*64 + float64(c.h5)/16384*h)) *
		(float64(c.h2) / 65536 * (1 + float64(c.h6)/67108864*h*(1+float64(c.h3)/67108864*h)))
	h *= 1 - float64(c.h1)*h/524288
	return math.Max(0, math.Min(h, 100))
}

// Configure sets oversampling (1, 2, 4, 8 or 16, applied to every channel) or filter (0, 2, 4, 8
// or 16).
func (s *Sensor) Configure(ctx context.Context, setting resource.Setting, value string) error {
	if !resource.DeviceBME280.Accepts(setting) {
		return sensor.NewUnsupportedSettingError(resource.DeviceBME280, setting)
	}
	n, err := cast.ToIntE(value)
	if err != nil {
		return sensor.NewInvalidSettingValueError(setting, value, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return sensor.ErrDriverClosed
	}
	prevOversampling, prevFilter := s.oversampling, s.filter
	switch setting {
	case resource.SettingOversampling:
		if _, ok := oversamplingCodes[n]; !ok {
			return sensor.NewInvalidSettingValueError(setting, value,
				errors.Errorf("must be one of %v", sortedKeys(oversamplingCodes)))
		}
		s.oversampling = n
	case resource.SettingFilter:
		if _, ok := filterCodes[n]; !ok {
			return sensor.NewInvalidSettingValueError(setting, value,
				errors.Errorf("must be one of %v", sortedKeys(filterCodes)))
		}
		s.filter = n
	default:
		return sensor.NewUnsupportedSettingError(resource.DeviceBME280, setting)
	}

	err = s.withHandle(func(handle board.I2CHandle) error {
		return s.writeControl(ctx, handle)
	})
	if err != nil {
		s.oversampling, s.filter = prevOversampling, prevFilter
	}
	return err
}

// Configuration returns the current oversampling or filter setting.
func (s *Sensor) Configuration(ctx context.Context, setting resource.Setting) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", sensor.ErrDriverClosed
	}
	switch setting {
	case resource.SettingOversampling:
		return strconv.Itoa(s.oversampling), nil
	case resource.SettingFilter:
		return strconv.Itoa(s.filter), nil
	default:
		return "", sensor.NewUnsupportedSettingError(resource.DeviceBME280, setting)
	}
}

// AvailableConfigurations lists oversampling and filter.
func (s *Sensor) AvailableConfigurations() []resource.Setting {
	return resource.DeviceBME280.Settings()
}

// Close puts the chip to sleep.
func (s *Sensor) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return sensor.ErrDriverClosed
	}
	s.closed = true
	return s.withHandle(func(handle board.I2CHandle) error {
		ctrl := board.I2CRegister{Handle: handle, Register: ctrlMeasReg}
		return ctrl.Update(ctx, 0b11, 0b00)
	})
}

func sortedKeys(m map[int]byte) []int {
	keys := lo.Keys(m)
	slices.Sort(keys)
	return keys
}
