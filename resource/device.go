package resource

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// DeviceKind names a supported chip family.
type DeviceKind string

// The supported device kinds.
const (
	DeviceBME280  DeviceKind = "bme280"
	DeviceCCS811  DeviceKind = "ccs811"
	DeviceADS1115 DeviceKind = "ads1115"
	DeviceDS3231  DeviceKind = "ds3231"
	DevicePIR     DeviceKind = "pir"
	DeviceFake    DeviceKind = "fake"
)

// ErrUnknownDevice is returned when a string does not name a supported device kind.
var ErrUnknownDevice = errors.New("unknown device kind")

type capabilities struct {
	vendor      string
	kinds       []Kind
	settings    []Setting
	defaultAddr int
	gpio        bool
}

var deviceTable = map[DeviceKind]capabilities{
	DeviceBME280: {
		vendor:      "Bosch Sensortec",
		kinds:       []Kind{KindTemperature, KindPressure, KindHumidity},
		settings:    []Setting{SettingOversampling, SettingFilter},
		defaultAddr: 0x76,
	},
	DeviceCCS811: {
		vendor:      "ams",
		kinds:       []Kind{KindCO2, KindTVOC},
		settings:    []Setting{SettingDriveMode, SettingBaseline, SettingThresholds},
		defaultAddr: 0x5A,
	},
	DeviceADS1115: {
		vendor:      "Texas Instruments",
		kinds:       []Kind{KindVoltage, KindLight},
		settings:    []Setting{SettingGain, SettingChannel, SettingLightChannel, SettingDataRate},
		defaultAddr: 0x48,
	},
	DeviceDS3231: {
		vendor:      "Maxim Integrated",
		kinds:       []Kind{KindTime, KindTemperature},
		settings:    []Setting{SettingTime},
		defaultAddr: 0x68,
	},
	DevicePIR: {
		vendor:   "generic",
		kinds:    []Kind{KindMotion},
		settings: []Setting{SettingInvert},
		gpio:     true,
	},
	DeviceFake: {
		vendor:   "fake",
		kinds:    AllKinds(),
		settings: []Setting{SettingOffset},
	},
}

// AllDevices lists every supported device kind in a stable order.
func AllDevices() []DeviceKind {
	return []DeviceKind{DeviceBME280, DeviceCCS811, DeviceADS1115, DeviceDS3231, DevicePIR, DeviceFake}
}

// ParseDeviceKind parses a device kind name, ignoring case.
func ParseDeviceKind(s string) (DeviceKind, error) {
	d := DeviceKind(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := deviceTable[d]; !ok {
		return "", errors.Wrapf(ErrUnknownDevice, "%q", s)
	}
	return d, nil
}

// Vendor returns the manufacturer name, or "" for an unknown device kind.
func (d DeviceKind) Vendor() string {
	return deviceTable[d].vendor
}

// Kinds returns the measurement kinds the device produces.
func (d DeviceKind) Kinds() []Kind {
	return append([]Kind(nil), deviceTable[d].kinds...)
}

// Settings returns the settings the device accepts.
func (d DeviceKind) Settings() []Setting {
	return append([]Setting(nil), deviceTable[d].settings...)
}

// Produces reports whether the device kind offers the measurement kind.
func (d DeviceKind) Produces(k Kind) bool {
	return lo.Contains(deviceTable[d].kinds, k)
}

// Accepts reports whether the device kind offers the setting.
func (d DeviceKind) Accepts(s Setting) bool {
	return lo.Contains(deviceTable[d].settings, s)
}

// DefaultAddress is the usual I2C address of the chip, or 0 when the device is not on I2C.
func (d DeviceKind) DefaultAddress() int {
	return deviceTable[d].defaultAddr
}

// UsesGPIO reports whether the pin of this device is a GPIO line rather than an I2C address.
func (d DeviceKind) UsesGPIO() bool {
	return deviceTable[d].gpio
}

// UnmarshalJSON parses and validates a device kind.
func (d *DeviceKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseDeviceKind(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Identity is the physical identity of a device: its kind and the pin or bus address it sits on.
// It is comparable and used as a map key.
type Identity struct {
	Device DeviceKind
	Pin    int
}

// NewIdentity returns the identity of a device at a pin.
func NewIdentity(device DeviceKind, pin int) Identity {
	return Identity{Device: device, Pin: pin}
}

func (id Identity) String() string {
	return fmt.Sprintf("%s:%d", id.Device, id.Pin)
}
