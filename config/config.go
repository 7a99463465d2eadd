// Package config defines the structures used to configure sensord.
package config

import (
	"fmt"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	"go.viam.com/utils"

	"github.com/envsense/hal/components/board/genericlinux"
	"github.com/envsense/hal/logging"
	"github.com/envsense/hal/resource"
)

// Board models.
const (
	BoardModelLinux = "linux"
	BoardModelFake  = "fake"
)

// DefaultRatingInterval is how often the comfort rating is logged when no interval is configured.
const DefaultRatingInterval = time.Minute

// A Config describes the logging, board, devices and sensors of one sensord process.
type Config struct {
	ConfigFilePath string `json:"-"`

	Logging LoggingConfig  `json:"logging"`
	Board   BoardConfig    `json:"board"`
	I2CBus  string         `json:"i2c_bus,omitempty"`
	Devices []DeviceConfig `json:"devices,omitempty"`
	Sensors []SensorConfig `json:"sensors"`
	Rating  *RatingConfig  `json:"rating,omitempty"`
}

// Ensure validates every section of the config and fills in the converted fields.
func (c *Config) Ensure() error {
	if err := c.Logging.Validate("logging"); err != nil {
		return err
	}
	if err := c.Board.Validate("board"); err != nil {
		return err
	}

	seen := map[resource.Identity]int{}
	for idx := range c.Devices {
		path := fmt.Sprintf("%s.%d", "devices", idx)
		if err := c.Devices[idx].Validate(path); err != nil {
			return err
		}
		id := c.Devices[idx].Identity()
		if prev, ok := seen[id]; ok {
			return utils.NewConfigValidationError(path,
				errors.Errorf("device %s already configured at devices.%d", id, prev))
		}
		seen[id] = idx
	}

	if len(c.Sensors) == 0 {
		return utils.NewConfigValidationFieldRequiredError("", "sensors")
	}
	for idx := range c.Sensors {
		if err := c.Sensors[idx].Validate(fmt.Sprintf("%s.%d", "sensors", idx)); err != nil {
			return err
		}
	}

	if c.Rating != nil {
		if err := c.Rating.Validate("rating"); err != nil {
			return err
		}
	}
	return nil
}

// LoggingConfig sets the log level and an optional rotating log file.
type LoggingConfig struct {
	Level string              `json:"level,omitempty"`
	File  *logging.FileConfig `json:"file,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (config *LoggingConfig) Validate(path string) error {
	if config.Level != "" {
		if _, err := logging.LevelFromString(config.Level); err != nil {
			return utils.NewConfigValidationError(path, err)
		}
	}
	if config.File != nil && config.File.Path == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "file.path")
	}
	return nil
}

// LogLevel returns the configured level, INFO when none is set.
func (config *LoggingConfig) LogLevel() logging.Level {
	if config.Level == "" {
		return logging.INFO
	}
	level, err := logging.LevelFromString(config.Level)
	if err != nil {
		return logging.INFO
	}
	return level
}

// BoardConfig selects the board implementation. The Linux fields are inlined.
type BoardConfig struct {
	Model string `json:"model,omitempty"`
	genericlinux.Config
}

// Validate ensures all parts of the config are valid.
func (config *BoardConfig) Validate(path string) error {
	switch config.Model {
	case "":
		config.Model = BoardModelLinux
	case BoardModelLinux, BoardModelFake:
	default:
		return utils.NewConfigValidationError(path, errors.Errorf("unknown board model %q", config.Model))
	}
	return config.Config.Validate(path)
}

// DeviceConfig holds the per-device attributes applied when a device's driver is constructed.
// Attributes map setting names to values of any JSON scalar type.
type DeviceConfig struct {
	Device       resource.DeviceKind    `json:"device"`
	Pin          *int                   `json:"pin,omitempty"`
	InterruptPin *int                   `json:"interrupt_pin,omitempty"`
	Attributes   map[string]interface{} `json:"attributes,omitempty"`

	ConvertedSettings map[resource.Setting]string `json:"-"`
}

// Validate ensures all parts of the config are valid and converts the attributes to settings.
func (config *DeviceConfig) Validate(path string) error {
	if config.Device == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "device")
	}
	if err := validatePin(path, config.Device, config.Pin); err != nil {
		return err
	}
	if config.InterruptPin != nil {
		if config.Device != resource.DeviceCCS811 {
			return utils.NewConfigValidationError(path,
				errors.Errorf("%s has no interrupt line", config.Device))
		}
		if *config.InterruptPin < 0 {
			return utils.NewConfigValidationError(path, errors.New("interrupt_pin cannot be negative"))
		}
	}

	settings, err := ConvertAttributes(config.Device, config.Attributes)
	if err != nil {
		return utils.NewConfigValidationError(path+".attributes", err)
	}
	config.ConvertedSettings = settings
	return nil
}

// Identity returns the device identity, using the chip's default address when no pin is set.
func (config *DeviceConfig) Identity() resource.Identity {
	return resource.NewIdentity(config.Device, resolvePin(config.Device, config.Pin))
}

// ConvertAttributes decodes free-form attributes into setting values. Scalars are weakly typed,
// so 4 and "4" decode to the same value. Every key must be a setting the device accepts.
func ConvertAttributes(device resource.DeviceKind, attributes map[string]interface{}) (map[resource.Setting]string, error) {
	var raw map[string]string
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &raw,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(attributes); err != nil {
		return nil, err
	}

	settings := make(map[resource.Setting]string, len(raw))
	for name, value := range raw {
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

// SensorConfig describes one polled measurement.
type SensorConfig struct {
	Kind     resource.Kind       `json:"kind"`
	Device   resource.DeviceKind `json:"device"`
	Pin      *int                `json:"pin,omitempty"`
	Interval string              `json:"interval"`

	ConvertedInterval time.Duration `json:"-"`
}

// Validate ensures all parts of the config are valid.
func (config *SensorConfig) Validate(path string) error {
	if config.Kind == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "kind")
	}
	if config.Device == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "device")
	}
	if !config.Device.Produces(config.Kind) {
		return utils.NewConfigValidationError(path,
			errors.Errorf("%s does not produce %s", config.Device, config.Kind))
	}
	if err := validatePin(path, config.Device, config.Pin); err != nil {
		return err
	}
	if config.Interval == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "interval")
	}
	interval, err := time.ParseDuration(config.Interval)
	if err != nil {
		return utils.NewConfigValidationError(path, err)
	}
	if interval <= 0 {
		return utils.NewConfigValidationError(path, errors.New("interval must be positive"))
	}
	config.ConvertedInterval = interval
	return nil
}

// Identity returns the identity of the device the sensor reads.
func (config *SensorConfig) Identity() resource.Identity {
	return resource.NewIdentity(config.Device, resolvePin(config.Device, config.Pin))
}

// RatingConfig controls the periodic comfort rating. Cron, a standard five field cron
// expression, takes precedence over Interval.
type RatingConfig struct {
	Interval string `json:"interval,omitempty"`
	Cron     string `json:"cron,omitempty"`
	Window   int    `json:"window,omitempty"`

	ConvertedInterval time.Duration `json:"-"`
}

// Validate ensures all parts of the config are valid.
func (config *RatingConfig) Validate(path string) error {
	config.ConvertedInterval = DefaultRatingInterval
	if config.Interval != "" {
		interval, err := time.ParseDuration(config.Interval)
		if err != nil {
			return utils.NewConfigValidationError(path, err)
		}
		if interval <= 0 {
			return utils.NewConfigValidationError(path, errors.New("interval must be positive"))
		}
		config.ConvertedInterval = interval
	}
	if config.Window < 0 {
		return utils.NewConfigValidationError(path, errors.New("window cannot be negative"))
	}
	return nil
}

// validatePin checks that GPIO devices name their line and that pins are not negative.
func validatePin(path string, device resource.DeviceKind, pin *int) error {
	if pin == nil {
		if device.UsesGPIO() {
			return utils.NewConfigValidationFieldRequiredError(path, "pin")
		}
		return nil
	}
	if *pin < 0 {
		return utils.NewConfigValidationError(path, errors.New("pin cannot be negative"))
	}
	return nil
}

func resolvePin(device resource.DeviceKind, pin *int) int {
	if pin == nil {
		return device.DefaultAddress()
	}
	return *pin
}
