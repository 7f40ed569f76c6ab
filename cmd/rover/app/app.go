package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	"github.com/roman-kulish/rover-control/internal/acquisition"
	"github.com/roman-kulish/rover-control/internal/actuator"
	"github.com/roman-kulish/rover-control/internal/bus"
	"github.com/roman-kulish/rover-control/internal/control"
	"github.com/roman-kulish/rover-control/internal/link"
	"github.com/roman-kulish/rover-control/internal/sensor/analog"
	"github.com/roman-kulish/rover-control/internal/sensor/gps"
	"github.com/roman-kulish/rover-control/internal/sensor/hall"
	"github.com/roman-kulish/rover-control/internal/sensor/imu"
	"github.com/roman-kulish/rover-control/internal/sensor/mag"
	"github.com/roman-kulish/rover-control/internal/storage"
	"github.com/roman-kulish/rover-control/internal/telemetry"
)

const (
	storageDir  = "data"
	storageFile = "rover.sqlite"

	calibrationSpacing = 5 * time.Millisecond
)

// ErrReload is returned by Run when the operator requested a process restart
var ErrReload = errors.New("reload requested")

func Run(ctx context.Context, config *Config, logger *slog.Logger) (err error) {
	if _, err = host.Init(); err != nil {
		return fmt.Errorf("initializing host drivers: %w", err)
	}

	store, err := createStorage(&config.Storage)
	if err != nil {
		return fmt.Errorf("failed to create storage: %w", err)
	}
	defer func() {
		err = errors.Join(err, store.Close())
	}()

	vehicle, err := loadVehicleConfig(ctx, store, &config.Vehicle)
	if err != nil {
		return fmt.Errorf("loading vehicle configuration: %w", err)
	}

	sessionID, err := store.CreateSession(ctx, config.Settings.VehicleID, config)
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	logger.Info("session started", slog.Int64("session", sessionID), slog.String("vehicle", config.Settings.VehicleID))

	shared, err := bus.Open(config.Bus.Name)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, shared.Close())
	}()

	var closers []io.Closer
	defer func() {
		for _, c := range closers {
			err = errors.Join(err, c.Close())
		}
	}()

	sensors, gpsPort, err := createSensors(&config.Sensors, shared, vehicle, logger)
	if gpsPort != nil {
		closers = append(closers, gpsPort)
	}
	if err != nil {
		return fmt.Errorf("creating sensors: %w", err)
	}
	pipeline := acquisition.New(append(sensors, acquisition.WithLogger(logger))...)

	act, err := createActuators(&config.Actuators, vehicle, logger)
	if err != nil {
		return fmt.Errorf("creating actuators: %w", err)
	}

	return drive(ctx, config, act, pipeline, store, sessionID, logger)
}

// relay is the ESC power switch
type relay interface {
	control.Relay
	SafeStop() error
}

// actuators are the armed outputs of the vehicle
type actuators struct {
	motor    *actuator.Motor
	steering *actuator.Steering
	relay    relay
}

// SafeStop engages the safety stop of every output. It is idempotent.
func (a *actuators) SafeStop() error {
	return errors.Join(a.motor.SafeStop(), a.steering.SafeStop(), a.relay.SafeStop())
}

// drive runs the vehicle tasks until ctx ends or one of them fails. Every
// actuator is safety stopped before it returns, whatever the cause.
func drive(ctx context.Context, config *Config, act *actuators, pipeline *acquisition.Pipeline, store *storage.SqliteStore, sessionID int64, logger *slog.Logger) (err error) {
	defer func() {
		if stopErr := act.SafeStop(); stopErr != nil {
			err = errors.Join(err, fmt.Errorf("safety stop: %w", stopErr))
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var reload atomic.Bool
	switches := control.NewSwitches(act.relay, func() {
		logger.Warn("reload requested by operator")
		reload.Store(true)
		cancel()
	}, control.WithSwitchesLogger(logger))
	if err = switches.Reset(); err != nil {
		return fmt.Errorf("resetting switches: %w", err)
	}

	hub := link.NewHub(link.WithListen(config.Link.Listen), link.WithLogger(logger))

	publisherOptions := []func(*telemetry.Publisher){
		telemetry.WithInterval(config.Telemetry.Interval.Duration()),
		telemetry.WithSink("link", hub),
		telemetry.WithLogger(logger),
	}
	if config.Telemetry.Store {
		publisherOptions = append(publisherOptions, telemetry.WithSink("storage", store.Sink(sessionID)))
	}
	publisher := telemetry.NewPublisher(pipeline, publisherOptions...)

	loop := control.NewLoop(act.motor, act.steering, pipeline,
		control.WithDeadman(config.Control.Deadman.Duration()),
		control.WithRecorder(store.CommandLog(sessionID)),
		control.WithLogger(logger),
	)

	orchestrator := NewOrchestrator(logger,
		WithTask("link", hub.Serve),
		WithTask("acquisition", pipeline.Run),
		WithTask("telemetry", publisher.Run),
		WithTask("control", func(ctx context.Context) error {
			return loop.Run(ctx, hub.Events())
		}),
		WithTask("switches", func(ctx context.Context) error {
			return switches.Run(ctx, hub.Switches())
		}),
	)

	if err = orchestrator.Run(ctx); err != nil {
		return err
	}
	if reload.Load() {
		return ErrReload
	}

	return nil
}

func createSensors(config *SensorsConfig, shared *bus.Shared, vehicle *storage.VehicleConfig, logger *slog.Logger) ([]func(*acquisition.Pipeline), io.Closer, error) {
	var options []func(*acquisition.Pipeline)
	var compass *mag.Compass

	if c := config.Magnetometer; c.Enabled {
		var sensor mag.Sensor
		switch c.Chip {
		case ChipHMC5883L:
			sensor = mag.NewHMC5883L(shared)
		case ChipQMC5883L:
			sensor = mag.NewQMC5883L(shared)
		default:
			return nil, nil, fmt.Errorf("creating magnetometer: unknown chip '%s'", c.Chip)
		}

		compass = mag.NewCompass(sensor, mag.NewCalibration(vehicle.HardIron, vehicle.SoftIron),
			mag.WithDeclination(vehicle.Declination),
			mag.WithLogger(logger),
		)
		options = append(options, acquisition.WithCompass(compass, c.Interval.Duration()))
	}

	if c := config.IMU; c.Enabled {
		m := imu.New(shared,
			imu.WithCalibration(c.CalibrationSamples, calibrationSpacing),
			imu.WithLogger(logger),
		)
		options = append(options, acquisition.WithIMU(m, c.Interval.Duration()))
	}

	if c := config.Battery; c.Enabled {
		b := analog.New(shared,
			analog.WithAddress(c.Address),
			analog.WithGain(c.Gain),
			analog.WithLogger(logger),
		)
		options = append(options, acquisition.WithBattery(b, c.Interval.Duration()))
	}

	if c := config.Hall; c.Enabled {
		pin := gpioreg.ByName(c.Pin)
		if pin == nil {
			return nil, nil, fmt.Errorf("creating hall sensor: unknown pin '%s'", c.Pin)
		}

		s := hall.New(pin,
			hall.WithWheelDiameter(c.WheelDiameter),
			hall.WithMinSpeed(c.MinSpeed),
			hall.WithPollInterval(c.PollInterval.Duration()),
			hall.WithLogger(logger),
		)
		options = append(options, acquisition.WithHall(s))
	}

	var port io.Closer
	if c := config.GPS; c.Enabled {
		src, err := gps.Open(c.Port, c.BaudRate)
		if err != nil {
			return nil, nil, err
		}
		port = src

		gpsOptions := []func(*gps.Reader){gps.WithLogger(logger)}
		if compass != nil {
			gpsOptions = append(gpsOptions, gps.WithDeclinationFeedback(compass.SetDeclination))
		}
		options = append(options, acquisition.WithGPS(gps.NewReader(src, gpsOptions...)))
	}

	return options, port, nil
}

func createActuators(config *ActuatorsConfig, vehicle *storage.VehicleConfig, logger *slog.Logger) (*actuators, error) {
	motorPin := gpioreg.ByName(config.MotorPin)
	steeringPin := gpioreg.ByName(config.SteeringPin)
	relayPin := gpioreg.ByName(config.RelayPin)
	if motorPin == nil || steeringPin == nil || relayPin == nil {
		return nil, fmt.Errorf("unknown actuator pin in %s, %s, %s", config.MotorPin, config.SteeringPin, config.RelayPin)
	}

	gains := actuator.Gains{Kp: vehicle.Kp, Ki: vehicle.Ki, Kd: vehicle.Kd}
	motor := actuator.NewMotor(actuator.NewPinPWM(motorPin, actuator.ServoFrequency), gains,
		actuator.WithMaxSpeed(config.MaxSpeed),
		actuator.WithMotorLogger(logger),
	)
	if err := motor.Init(); err != nil {
		return nil, errors.Join(err, motor.SafeStop())
	}

	steering := actuator.NewSteering(actuator.NewPinPWM(steeringPin, actuator.ServoFrequency),
		actuator.WithSteeringLogger(logger),
	)
	if err := steering.Init(); err != nil {
		return nil, errors.Join(err, motor.SafeStop(), steering.SafeStop())
	}

	return &actuators{
		motor:    motor,
		steering: steering,
		relay:    actuator.NewRelay(relayPin, actuator.WithRelayLogger(logger)),
	}, nil
}

// loadVehicleConfig merges the compiled-in tuning, the stored record and the
// configuration file overrides, in that order, and stores the result.
func loadVehicleConfig(ctx context.Context, store storage.Store, overrides *VehicleConfig) (*storage.VehicleConfig, error) {
	vehicle, err := store.VehicleConfig(ctx)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		vehicle = DefaultVehicleConfig()
	case err != nil:
		return nil, err
	}

	overrides.Apply(vehicle)

	if err = store.SaveVehicleConfig(ctx, vehicle); err != nil {
		return nil, err
	}

	return vehicle, nil
}

func createStorage(config *StorageConfig) (*storage.SqliteStore, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get current working directory: %w", err)
	}

	dbPath := config.DataDirectory
	if dbPath == "" {
		dbPath = storageDir
	}
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(wd, dbPath)
	}

	stat, err := os.Stat(dbPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("storage directory '%s' does not exist: %w", dbPath, err)
		}
		return nil, fmt.Errorf("checking storage directory '%s': %w", dbPath, err)
	}
	if !stat.IsDir() {
		return nil, fmt.Errorf("invalid storage directory '%s'", dbPath)
	}

	return storage.NewSqliteStore(filepath.Join(dbPath, storageFile)), nil
}
