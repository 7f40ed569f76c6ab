package acquisition

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/roman-kulish/rover-control/internal/sensor/gps"
	"github.com/roman-kulish/rover-control/internal/sensor/imu"
	"github.com/roman-kulish/rover-control/internal/sensor/mag"
	"github.com/roman-kulish/rover-control/internal/telemetry"
)

// Sensor names used in logs and in Snapshot.Errors
const (
	SensorCompass = "compass"
	SensorIMU     = "imu"
	SensorBattery = "battery"
	SensorHall    = "hall"
	SensorGPS     = "gps"
)

const (
	DefaultCompassInterval = 50 * time.Millisecond
	DefaultIMUInterval     = 10 * time.Millisecond
	DefaultBatteryInterval = time.Second
)

// Compass is a heading source on the shared bus
type Compass interface {
	Init(ctx context.Context) error
	Read(ctx context.Context) (mag.Reading, error)
}

// Orientation is an IMU on the shared bus
type Orientation interface {
	Init(ctx context.Context) error
	Calibrate(ctx context.Context) error
	Update(ctx context.Context, speed float64) (imu.Reading, error)
}

// Voltmeter is a battery voltage source on the shared bus
type Voltmeter interface {
	Init(ctx context.Context) error
	Read(ctx context.Context) (float64, error)
}

// Speedometer is a wheel speed sensor polling its own pin. Speed keeps the
// last measured value when the wheel stops.
type Speedometer interface {
	Init() error
	Run(ctx context.Context) error
	Speed() float64
	LastEdge() time.Time
	StaleAfter() time.Duration
}

// Positioner is a GPS receiver reading its own port
type Positioner interface {
	Run(ctx context.Context) error
	Fix() gps.Fix
}

// WithCompass adds a compass task polled every interval
func WithCompass(c Compass, interval time.Duration) func(*Pipeline) {
	return func(p *Pipeline) {
		p.compass = c
		p.compassInterval = interval
	}
}

// WithIMU adds an IMU task polled every interval
func WithIMU(o Orientation, interval time.Duration) func(*Pipeline) {
	return func(p *Pipeline) {
		p.imu = o
		p.imuInterval = interval
	}
}

// WithBattery adds a battery voltage task polled every interval
func WithBattery(v Voltmeter, interval time.Duration) func(*Pipeline) {
	return func(p *Pipeline) {
		p.battery = v
		p.batteryInterval = interval
	}
}

// WithHall adds the wheel speed sensor
func WithHall(s Speedometer) func(*Pipeline) {
	return func(p *Pipeline) {
		p.hall = s
	}
}

// WithGPS adds the GPS receiver
func WithGPS(r Positioner) func(*Pipeline) {
	return func(p *Pipeline) {
		p.gps = r
	}
}

// WithClock sets the time source used to stamp readings
func WithClock(now func() time.Time) func(*Pipeline) {
	return func(p *Pipeline) {
		p.now = now
	}
}

// WithLogger sets the logger for the pipeline
func WithLogger(logger *slog.Logger) func(*Pipeline) {
	return func(p *Pipeline) {
		p.logger = logger.With(slog.String("component", "acquisition"))
	}
}

// Pipeline runs one polling task per sensor and keeps the latest value of
// each. Bus sensors take the shared bus lock per transaction inside their
// drivers, so tasks never hold it across iterations.
type Pipeline struct {
	compass Compass
	imu     Orientation
	battery Voltmeter
	hall    Speedometer
	gps     Positioner

	compassInterval time.Duration
	imuInterval     time.Duration
	batteryInterval time.Duration

	heading     Cell[mag.Reading]
	orientation Cell[imu.Reading]
	volts       Cell[float64]

	mu      sync.Mutex
	runErrs map[string]error

	now    func() time.Time
	logger *slog.Logger
}

func New(options ...func(*Pipeline)) *Pipeline {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil)) // nil logger

	p := Pipeline{
		compassInterval: DefaultCompassInterval,
		imuInterval:     DefaultIMUInterval,
		batteryInterval: DefaultBatteryInterval,
		runErrs:         make(map[string]error),
		now:             time.Now,
		logger:          logger,
	}

	for _, option := range options {
		option(&p)
	}

	return &p
}

// Run starts every configured task and blocks until all of them have exited.
// A task exits when ctx is cancelled or when its sensor fails to initialize;
// the other tasks keep running.
func (p *Pipeline) Run(ctx context.Context) error {
	var tasks []func(context.Context)
	if p.compass != nil {
		tasks = append(tasks, p.runCompass)
	}
	if p.imu != nil {
		tasks = append(tasks, p.runIMU)
	}
	if p.battery != nil {
		tasks = append(tasks, p.runBattery)
	}
	if p.hall != nil {
		tasks = append(tasks, p.runHall)
	}
	if p.gps != nil {
		tasks = append(tasks, p.runGPS)
	}
	if len(tasks) == 0 {
		return fmt.Errorf("no sensors to acquire")
	}

	var wg sync.WaitGroup
	for _, task := range tasks {
		wg.Add(1)
		go func(task func(context.Context)) {
			defer wg.Done()
			task(ctx)
		}(task)
	}
	wg.Wait()

	p.logger.Info("acquisition stopped")
	return nil
}

func (p *Pipeline) runCompass(ctx context.Context) {
	p.poll(ctx, SensorCompass, p.compassInterval, p.compass.Init, func(ctx context.Context) error {
		r, err := p.compass.Read(ctx)
		if err != nil {
			p.heading.Fail(err)
			return err
		}
		p.heading.Store(r, p.now())
		return nil
	}, &p.heading)
}

func (p *Pipeline) runIMU(ctx context.Context) {
	init := func(ctx context.Context) error {
		if err := p.imu.Init(ctx); err != nil {
			return err
		}
		p.logger.Info("calibrating imu, keep the vehicle still...")
		return p.imu.Calibrate(ctx)
	}

	p.poll(ctx, SensorIMU, p.imuInterval, init, func(ctx context.Context) error {
		r, err := p.imu.Update(ctx, p.Speed())
		if err != nil {
			p.orientation.Fail(err)
			return err
		}
		p.orientation.Store(r, p.now())
		return nil
	}, &p.orientation)
}

func (p *Pipeline) runBattery(ctx context.Context) {
	p.poll(ctx, SensorBattery, p.batteryInterval, p.battery.Init, func(ctx context.Context) error {
		v, err := p.battery.Read(ctx)
		if err != nil {
			p.volts.Fail(err)
			return err
		}
		p.volts.Store(v, p.now())
		return nil
	}, &p.volts)
}

type failer interface {
	Fail(err error)
}

// poll initializes one sensor and reads it every interval until ctx is done.
// Read failures are retried on the next tick.
func (p *Pipeline) poll(ctx context.Context, name string, interval time.Duration, init, read func(context.Context) error, cell failer) {
	logger := p.logger.With(slog.String("sensor", name))

	if err := init(ctx); err != nil {
		if ctx.Err() == nil {
			cell.Fail(err)
			logger.Error(fmt.Sprintf("initializing sensor, task stopped: %s", err.Error()))
		}
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("polling sensor...", slog.String("rate", humanize.SIWithDigits(float64(time.Second)/float64(interval), 1, "Hz")))

	var reads, failures uint64
	var failing bool
	started := time.Now()

	for {
		select {
		case <-ctx.Done():
			elapsed := time.Since(started).Seconds()
			logger.Info("sensor polling stopped",
				slog.String("reads", humanize.Comma(int64(reads))),
				slog.String("failures", humanize.Comma(int64(failures))),
				slog.String("rate", humanize.SIWithDigits(float64(reads)/max(elapsed, 1e-9), 1, "Hz")),
			)
			return

		case <-ticker.C:
			err := read(ctx)
			switch {
			case err == nil:
				reads++
				if failing {
					logger.Info("sensor recovered", slog.String("failures", humanize.Comma(int64(failures))))
				}
				failing = false

			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				// the bus refused the transaction, the loop exits on the next select

			default:
				failures++
				if !failing {
					logger.Warn(fmt.Sprintf("reading sensor: %s", err.Error()))
				} else {
					logger.Debug(fmt.Sprintf("reading sensor: %s", err.Error()))
				}
				failing = true
			}
		}
	}
}

func (p *Pipeline) runHall(ctx context.Context) {
	if err := p.hall.Init(); err != nil {
		p.setRunErr(SensorHall, err)
		p.logger.Error(fmt.Sprintf("initializing hall sensor, task stopped: %s", err.Error()))
		return
	}
	if err := p.hall.Run(ctx); err != nil {
		p.setRunErr(SensorHall, err)
		p.logger.Error(fmt.Sprintf("hall sensor: %s", err.Error()))
	}
}

func (p *Pipeline) runGPS(ctx context.Context) {
	if err := p.gps.Run(ctx); err != nil {
		p.setRunErr(SensorGPS, err)
		p.logger.Error(fmt.Sprintf("gps reader: %s", err.Error()))
	}
}

func (p *Pipeline) setRunErr(name string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.runErrs[name] = err
}

// Speed returns the ground speed in km/h used for adaptive blending and
// motor feedback. The wheel sensor is preferred, the GPS speed is used when
// there is no wheel sensor but a fix.
func (p *Pipeline) Speed() float64 {
	if p.hall != nil {
		return p.wheelSpeed()
	}
	if p.gps != nil {
		if f := p.gps.Fix(); f.Fixed {
			return f.SpeedKMH
		}
	}
	return 0
}

// wheelSpeed is the hall speed, or 0 once no edge has been seen for longer
// than the sensor's staleness bound
func (p *Pipeline) wheelSpeed() float64 {
	last := p.hall.LastEdge()
	if last.IsZero() || p.now().Sub(last) > p.hall.StaleAfter() {
		return 0
	}
	return p.hall.Speed()
}

// Snapshot is a copy of the latest value of every sensor. A nil field means
// the sensor is not configured or has not produced a value yet.
type Snapshot struct {
	Timestamp   time.Time
	Compass     *mag.Reading
	Orientation *imu.Reading
	Battery     *float64
	WheelSpeed  *float64
	GPS         *gps.Fix
	Errors      map[string]error // latest failure per sensor
}

// Snapshot assembles the latest known values. Fields are individually
// consistent but may be up to one polling interval apart.
func (p *Pipeline) Snapshot() Snapshot {
	s := Snapshot{
		Timestamp: p.now(),
		Errors:    make(map[string]error),
	}

	s.Compass = load(&p.heading, SensorCompass, s.Errors)
	s.Orientation = load(&p.orientation, SensorIMU, s.Errors)
	s.Battery = load(&p.volts, SensorBattery, s.Errors)
	if p.hall != nil {
		v := p.wheelSpeed()
		s.WheelSpeed = &v
	}
	if p.gps != nil {
		if f := p.gps.Fix(); !f.Updated.IsZero() {
			s.GPS = &f
		}
	}

	p.mu.Lock()
	for name, err := range p.runErrs {
		s.Errors[name] = err
	}
	p.mu.Unlock()

	return s
}

func load[T any](c *Cell[T], name string, errs map[string]error) *T {
	v, ok, _, err := c.Load()
	if err != nil {
		errs[name] = err
	}
	if !ok {
		return nil
	}
	return &v
}

// Get implements telemetry.Provider
func (p *Pipeline) Get() *telemetry.Telemetry {
	return p.Snapshot().Telemetry()
}

// Telemetry converts the snapshot into a telemetry record
func (s Snapshot) Telemetry() *telemetry.Telemetry {
	t := telemetry.Telemetry{
		Timestamp: s.Timestamp,
		Battery:   s.Battery,
	}

	if s.Compass != nil {
		t.MagX = &s.Compass.Raw.X
		t.MagY = &s.Compass.Raw.Y
		t.MagZ = &s.Compass.Raw.Z
		t.Heading = &s.Compass.Heading
	}
	if s.Orientation != nil {
		t.Pitch = &s.Orientation.Angles.Pitch
		t.Roll = &s.Orientation.Angles.Roll
		t.Yaw = &s.Orientation.Angles.Yaw
		t.Temperature = &s.Orientation.Temperature
	}
	if s.WheelSpeed != nil {
		t.WheelSpeed = s.WheelSpeed
	}
	if s.GPS != nil {
		sats := int64(s.GPS.Satellites)
		t.Latitude = &s.GPS.Latitude
		t.Longitude = &s.GPS.Longitude
		t.Satellites = &sats
		t.Fix = &s.GPS.Fixed
		t.GPSSpeed = &s.GPS.SpeedKMH
		t.GPSCourse = &s.GPS.Course
	}

	return &t
}
