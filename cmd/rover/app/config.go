package app

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/roman-kulish/rover-control/internal/acquisition"
	"github.com/roman-kulish/rover-control/internal/actuator"
	"github.com/roman-kulish/rover-control/internal/control"
	"github.com/roman-kulish/rover-control/internal/link"
	"github.com/roman-kulish/rover-control/internal/sensor/analog"
	"github.com/roman-kulish/rover-control/internal/sensor/gps"
	"github.com/roman-kulish/rover-control/internal/sensor/hall"
	"github.com/roman-kulish/rover-control/internal/sensor/mag"
	"github.com/roman-kulish/rover-control/internal/storage"
	"github.com/roman-kulish/rover-control/internal/telemetry"
)

const (
	ChipHMC5883L = "hmc5883l"
	ChipQMC5883L = "qmc5883l"
)

const defaultCalibrationSamples = 500

// Config represents the main application configuration
type Config struct {
	Settings  Settings        `yaml:"settings"`
	Storage   StorageConfig   `yaml:"storage"`
	Bus       BusConfig       `yaml:"bus"`
	Link      LinkConfig      `yaml:"link"`
	Control   ControlConfig   `yaml:"control"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Sensors   SensorsConfig   `yaml:"sensors"`
	Actuators ActuatorsConfig `yaml:"actuators"`
	Vehicle   VehicleConfig   `yaml:"vehicle"`
}

// Settings represents global application settings
type Settings struct {
	LogLevel  slog.Level `yaml:"logLevel" env:"ROVER_LOG_LEVEL"`
	VehicleID string     `yaml:"vehicleId"`
}

// StorageConfig represents storage settings
type StorageConfig struct {
	DataDirectory string `yaml:"dataDirectory" env:"ROVER_STORAGE_DIR"`
}

// BusConfig selects the I²C bus shared by the IMU, magnetometer and ADC
type BusConfig struct {
	Name string `yaml:"name" env:"ROVER_I2C_BUS"` // empty selects the first bus
}

// LinkConfig represents the operator link settings
type LinkConfig struct {
	Listen string `yaml:"listen" env:"ROVER_LINK_LISTEN"`
}

// ControlConfig represents the control loop settings
type ControlConfig struct {
	Deadman TimeDuration `yaml:"deadman"`
}

// TelemetryConfig represents telemetry egress settings
type TelemetryConfig struct {
	Interval TimeDuration `yaml:"interval"`
	Store    bool         `yaml:"store"`
}

type SensorsConfig struct {
	Magnetometer MagnetometerConfig `yaml:"magnetometer"`
	IMU          IMUConfig          `yaml:"imu"`
	Battery      BatteryConfig      `yaml:"battery"`
	Hall         HallConfig         `yaml:"hall"`
	GPS          GPSConfig          `yaml:"gps"`
}

type MagnetometerConfig struct {
	Enabled  bool         `yaml:"enabled"`
	Chip     string       `yaml:"chip"`
	Interval TimeDuration `yaml:"interval"`
}

type IMUConfig struct {
	Enabled            bool         `yaml:"enabled"`
	Interval           TimeDuration `yaml:"interval"`
	CalibrationSamples int          `yaml:"calibrationSamples"`
}

type BatteryConfig struct {
	Enabled  bool         `yaml:"enabled"`
	Interval TimeDuration `yaml:"interval"`
	Address  uint16       `yaml:"address"`
	Gain     float64      `yaml:"gain"` // voltage divider ratio
}

type HallConfig struct {
	Enabled       bool         `yaml:"enabled"`
	Pin           string       `yaml:"pin"`
	WheelDiameter float64      `yaml:"wheelDiameter"`
	MinSpeed      float64      `yaml:"minSpeed"` // km/h below which the wheel reads as stopped
	PollInterval  TimeDuration `yaml:"pollInterval"`
}

type GPSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Port     string `yaml:"port"`
	BaudRate int    `yaml:"baudRate"`
}

// ActuatorsConfig names the output pins
type ActuatorsConfig struct {
	MotorPin    string  `yaml:"motorPin"`
	SteeringPin string  `yaml:"steeringPin"`
	RelayPin    string  `yaml:"relayPin"`
	MaxSpeed    float64 `yaml:"maxSpeed"` // km/h matching a full speed command
}

// VehicleConfig overrides the tuning record loaded from storage. Unset
// fields keep the stored or default value.
type VehicleConfig struct {
	Kp          *float64       `yaml:"kp"`
	Ki          *float64       `yaml:"ki"`
	Kd          *float64       `yaml:"kd"`
	Declination *float64       `yaml:"declination"`
	HardIron    *[3]float64    `yaml:"hardIron"`
	SoftIron    *[3][3]float64 `yaml:"softIron"`
}

// TimeDuration is a time.Duration decoded from strings such as "500ms"
type TimeDuration time.Duration

func (d *TimeDuration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

func (d *TimeDuration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("parsing duration: %w", err)
	}
	*d = TimeDuration(v)
	return nil
}

func (d TimeDuration) Duration() time.Duration {
	return time.Duration(d)
}

// NewConfig returns the configuration with every default applied
func NewConfig() *Config {
	host, err := os.Hostname()
	if err != nil {
		host = "rover"
	}

	return &Config{
		Settings: Settings{
			LogLevel:  slog.LevelInfo,
			VehicleID: host,
		},
		Storage: StorageConfig{
			DataDirectory: storageDir,
		},
		Link: LinkConfig{
			Listen: link.DefaultListen,
		},
		Control: ControlConfig{
			Deadman: TimeDuration(control.DefaultDeadman),
		},
		Telemetry: TelemetryConfig{
			Interval: TimeDuration(telemetry.DefaultInterval),
			Store:    true,
		},
		Sensors: SensorsConfig{
			Magnetometer: MagnetometerConfig{
				Enabled:  true,
				Chip:     ChipHMC5883L,
				Interval: TimeDuration(acquisition.DefaultCompassInterval),
			},
			IMU: IMUConfig{
				Enabled:            true,
				Interval:           TimeDuration(acquisition.DefaultIMUInterval),
				CalibrationSamples: defaultCalibrationSamples,
			},
			Battery: BatteryConfig{
				Enabled:  true,
				Interval: TimeDuration(acquisition.DefaultBatteryInterval),
				Address:  analog.DefaultAddress,
				Gain:     1,
			},
			Hall: HallConfig{
				Enabled:       true,
				Pin:           "GPIO17",
				WheelDiameter: hall.DefaultWheelDiameter,
				MinSpeed:      hall.DefaultMinSpeed,
				PollInterval:  TimeDuration(hall.DefaultPollInterval),
			},
			GPS: GPSConfig{
				Enabled:  true,
				Port:     gps.DefaultPort,
				BaudRate: gps.DefaultBaudRate,
			},
		},
		Actuators: ActuatorsConfig{
			MotorPin:    "GPIO18",
			SteeringPin: "GPIO19",
			RelayPin:    "GPIO25",
			MaxSpeed:    actuator.DefaultMaxSpeed,
		},
	}
}

// LoadConfig reads the YAML configuration at path on top of the defaults and
// applies environment overrides
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening configuration: %w", err)
	}
	defer f.Close()

	c := NewConfig()

	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	if err = decoder.Decode(c); err != nil {
		return nil, fmt.Errorf("decoding configuration: %w", err)
	}

	if err = env.Parse(c); err != nil {
		return nil, fmt.Errorf("applying environment: %w", err)
	}

	if err = c.Validate(); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Config) Validate() error {
	return errors.Join(
		c.Settings.Validate(),
		c.Control.Validate(),
		c.Telemetry.Validate(),
		c.Sensors.Validate(),
		c.Actuators.Validate(),
		c.Vehicle.Validate(),
	)
}

func (s *Settings) Validate() error {
	if s.VehicleID == "" {
		return errors.New("settings: vehicleId is required")
	}
	return nil
}

func (c *ControlConfig) Validate() error {
	if c.Deadman <= 0 {
		return fmt.Errorf("control: invalid deadman %s", c.Deadman.Duration())
	}
	return nil
}

func (c *TelemetryConfig) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("telemetry: invalid interval %s", c.Interval.Duration())
	}
	return nil
}

func (c *SensorsConfig) Validate() error {
	var errs []error

	if m := c.Magnetometer; m.Enabled {
		if m.Chip != ChipHMC5883L && m.Chip != ChipQMC5883L {
			errs = append(errs, fmt.Errorf("sensors: unknown magnetometer chip '%s'", m.Chip))
		}
		if m.Interval <= 0 {
			errs = append(errs, errors.New("sensors: magnetometer interval must be positive"))
		}
	}
	if i := c.IMU; i.Enabled {
		if i.Interval <= 0 {
			errs = append(errs, errors.New("sensors: imu interval must be positive"))
		}
		if i.CalibrationSamples <= 0 {
			errs = append(errs, errors.New("sensors: imu calibrationSamples must be positive"))
		}
	}
	if b := c.Battery; b.Enabled {
		if b.Interval <= 0 {
			errs = append(errs, errors.New("sensors: battery interval must be positive"))
		}
		if b.Gain <= 0 {
			errs = append(errs, errors.New("sensors: battery gain must be positive"))
		}
	}
	if h := c.Hall; h.Enabled {
		if h.Pin == "" {
			errs = append(errs, errors.New("sensors: hall pin is required"))
		}
		if h.WheelDiameter <= 0 {
			errs = append(errs, errors.New("sensors: hall wheelDiameter must be positive"))
		}
		if h.MinSpeed <= 0 {
			errs = append(errs, errors.New("sensors: hall minSpeed must be positive"))
		}
		if h.PollInterval <= 0 {
			errs = append(errs, errors.New("sensors: hall pollInterval must be positive"))
		}
	}
	if g := c.GPS; g.Enabled {
		if g.Port == "" {
			errs = append(errs, errors.New("sensors: gps port is required"))
		}
		if g.BaudRate <= 0 {
			errs = append(errs, errors.New("sensors: gps baudRate must be positive"))
		}
	}

	return errors.Join(errs...)
}

func (c *ActuatorsConfig) Validate() error {
	switch {
	case c.MotorPin == "" || c.SteeringPin == "" || c.RelayPin == "":
		return errors.New("actuators: motorPin, steeringPin and relayPin are required")
	case c.MotorPin == c.SteeringPin:
		return errors.New("actuators: motor and steering need separate pins")
	case c.MaxSpeed <= 0:
		return errors.New("actuators: maxSpeed must be positive")
	}
	return nil
}

func (c *VehicleConfig) Validate() error {
	if c.SoftIron != nil {
		var zero [3]float64
		for i, row := range c.SoftIron {
			if row == zero {
				return fmt.Errorf("vehicle: softIron row %d is zero", i)
			}
		}
	}
	return nil
}

// DefaultVehicleConfig is the tuning used when none has been stored
func DefaultVehicleConfig() *storage.VehicleConfig {
	return &storage.VehicleConfig{
		Kp:          1,
		Ki:          1,
		Kd:          1,
		Declination: mag.DefaultDeclination,
		HardIron:    [3]float64{569.68423502, 246.04798002, -166.97661026},
		SoftIron: [3][3]float64{
			{1.08480289, -0.04408938, 0.06070396},
			{-0.04408938, 1.03604676, 0.09354455},
			{0.06070396, 0.09354455, 0.99634431},
		},
	}
}

// Apply overrides the fields of v that are set in the configuration file
func (c *VehicleConfig) Apply(v *storage.VehicleConfig) {
	if c.Kp != nil {
		v.Kp = *c.Kp
	}
	if c.Ki != nil {
		v.Ki = *c.Ki
	}
	if c.Kd != nil {
		v.Kd = *c.Kd
	}
	if c.Declination != nil {
		v.Declination = *c.Declination
	}
	if c.HardIron != nil {
		v.HardIron = *c.HardIron
	}
	if c.SoftIron != nil {
		v.SoftIron = *c.SoftIron
	}
}
