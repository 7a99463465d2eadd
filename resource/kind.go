// Package resource defines the measurement kinds, configuration settings and device kinds known
// to the sensor layer, and the static table of which device offers what.
package resource

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// Kind is a category of physical quantity a device can report.
type Kind string

// The known measurement kinds.
const (
	KindTemperature Kind = "temperature"
	KindHumidity    Kind = "humidity"
	KindPressure    Kind = "pressure"
	KindCO2         Kind = "co2"
	KindTVOC        Kind = "tvoc"
	KindVoltage     Kind = "voltage"
	KindLight       Kind = "light"
	KindMotion      Kind = "motion"
	KindTime        Kind = "time"
)

// ErrUnknownKind is returned when a string does not name a measurement kind.
var ErrUnknownKind = errors.New("unknown measurement kind")

// AllKinds lists every measurement kind in a stable order.
func AllKinds() []Kind {
	return []Kind{
		KindTemperature, KindHumidity, KindPressure, KindCO2, KindTVOC,
		KindVoltage, KindLight, KindMotion, KindTime,
	}
}

// Unit is the text unit values of this kind are reported in.
func (k Kind) Unit() string {
	switch k {
	case KindTemperature:
		return "°C"
	case KindHumidity:
		return "%RH"
	case KindPressure:
		return "hPa"
	case KindCO2:
		return "ppm"
	case KindTVOC:
		return "ppb"
	case KindVoltage:
		return "V"
	case KindLight:
		return "%"
	case KindMotion, KindTime:
		return ""
	}
	return ""
}

// ParseKind parses a measurement kind name, ignoring case.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !lo.Contains(AllKinds(), k) {
		return "", errors.Wrapf(ErrUnknownKind, "%q", s)
	}
	return k, nil
}

// UnmarshalJSON parses and validates a kind.
func (k *Kind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseKind(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
