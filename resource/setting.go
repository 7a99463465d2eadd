package resource

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// Setting is a named configurable parameter of a device. Values are exchanged as text.
type Setting string

// The known settings.
const (
	SettingOversampling Setting = "oversampling"
	SettingFilter       Setting = "filter"
	SettingDriveMode    Setting = "drive_mode"
	SettingBaseline     Setting = "baseline"
	SettingThresholds   Setting = "thresholds"
	SettingGain         Setting = "gain"
	SettingChannel      Setting = "channel"
	SettingLightChannel Setting = "light_channel"
	SettingDataRate     Setting = "data_rate"
	SettingTime         Setting = "time"
	SettingInvert       Setting = "invert"
	SettingOffset       Setting = "offset"
)

// ErrUnknownSetting is returned when a string does not name a setting.
var ErrUnknownSetting = errors.New("unknown setting")

// AllSettings lists every setting in a stable order.
func AllSettings() []Setting {
	return []Setting{
		SettingOversampling, SettingFilter, SettingDriveMode, SettingBaseline, SettingThresholds,
		SettingGain, SettingChannel, SettingLightChannel, SettingDataRate, SettingTime,
		SettingInvert, SettingOffset,
	}
}

// ParseSetting parses a setting name, ignoring case.
func ParseSetting(s string) (Setting, error) {
	setting := Setting(strings.ToLower(strings.TrimSpace(s)))
	if !lo.Contains(AllSettings(), setting) {
		return "", errors.Wrapf(ErrUnknownSetting, "%q", s)
	}
	return setting, nil
}
