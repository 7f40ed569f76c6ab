package hall

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"periph.io/x/conn/v3/gpio"
)

const (
	// DefaultWheelDiameter is the driven wheel diameter in meters
	DefaultWheelDiameter = 0.6

	// DefaultPollInterval is the delay between two samples of the input pin
	DefaultPollInterval = time.Millisecond

	// DefaultMinSpeed is the slowest speed in km/h reported as motion. Without
	// an edge for one wheel revolution at this speed the wheel is stopped.
	DefaultMinSpeed = 1.0
)

// SpeedFromPeriod returns the linear speed in km/h of a wheel of the given
// diameter making one revolution per period
func SpeedFromPeriod(period time.Duration, diameter float64) float64 {
	if period <= 0 {
		return 0
	}

	angular := 2 * math.Pi / period.Seconds()
	return angular * diameter / 2 * 3.6
}

// PeriodForSpeed returns the time one revolution of a wheel of the given
// diameter takes at kmh
func PeriodForSpeed(kmh, diameter float64) time.Duration {
	if kmh <= 0 {
		return 0
	}

	return time.Duration(math.Pi * diameter * 3.6 / kmh * float64(time.Second))
}

// WithMinSpeed sets the slowest speed in km/h reported as motion
func WithMinSpeed(kmh float64) func(*Sensor) {
	return func(s *Sensor) {
		s.minSpeed = kmh
	}
}

// WithWheelDiameter sets the driven wheel diameter in meters
func WithWheelDiameter(d float64) func(*Sensor) {
	return func(s *Sensor) {
		s.diameter = d
	}
}

// WithPollInterval sets the delay between two pin samples
func WithPollInterval(d time.Duration) func(*Sensor) {
	return func(s *Sensor) {
		s.interval = d
	}
}

// WithClock sets the monotonic time source used to time edges
func WithClock(now func() time.Time) func(*Sensor) {
	return func(s *Sensor) {
		s.now = now
	}
}

// WithLogger sets the logger for the sensor
func WithLogger(logger *slog.Logger) func(*Sensor) {
	return func(s *Sensor) {
		s.logger = logger.With(slog.String("sensor", "hall"), slog.String("pin", s.pin.Name()))
	}
}

// Sensor measures wheel speed from one magnet pulse per revolution on a
// digital input. The speed is not reset when pulses stop; callers compare
// LastEdge with StaleAfter to detect a stopped wheel.
type Sensor struct {
	pin      gpio.PinIn
	diameter float64
	minSpeed float64
	interval time.Duration
	now      func() time.Time

	prev     gpio.Level
	lastEdge time.Time
	speed    atomic.Uint64
	edgeAt   atomic.Int64 // unix nanoseconds of lastEdge
	edges    atomic.Uint64
	running  atomic.Bool

	logger *slog.Logger
}

// New creates a Hall speed sensor on the given input pin
func New(pin gpio.PinIn, options ...func(*Sensor)) *Sensor {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil)) // nil logger

	s := Sensor{
		pin:      pin,
		diameter: DefaultWheelDiameter,
		minSpeed: DefaultMinSpeed,
		interval: DefaultPollInterval,
		now:      time.Now,
		logger:   logger,
	}

	for _, option := range options {
		option(&s)
	}

	return &s
}

// Init configures the pin as an input with pull-down
func (s *Sensor) Init() error {
	if err := s.pin.In(gpio.PullDown, gpio.NoEdge); err != nil {
		return fmt.Errorf("configuring pin %s: %w", s.pin.Name(), err)
	}
	return nil
}

// Run polls the pin until ctx is cancelled
func (s *Sensor) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("hall sensor is already running")
	}
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("polling wheel speed...", slog.Float64("diameter", s.diameter))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("wheel speed polling stopped", slog.Uint64("edges", s.edges.Load()))
			return nil
		case <-ticker.C:
			s.Sample(s.pin.Read())
		}
	}
}

// Sample processes one reading of the pin. It updates the speed on a rising
// edge and returns true if the sample was one.
func (s *Sensor) Sample(level gpio.Level) bool {
	rising := level == gpio.High && s.prev == gpio.Low
	s.prev = level
	if !rising {
		return false
	}

	now := s.now()
	if !s.lastEdge.IsZero() {
		s.speed.Store(math.Float64bits(SpeedFromPeriod(now.Sub(s.lastEdge), s.diameter)))
	}
	s.lastEdge = now
	s.edgeAt.Store(now.UnixNano())
	s.edges.Add(1)

	return true
}

// Speed returns the latest measured speed in km/h
func (s *Sensor) Speed() float64 {
	return math.Float64frombits(s.speed.Load())
}

// LastEdge returns the time of the latest rising edge, or the zero time
// before the first one
func (s *Sensor) LastEdge() time.Time {
	ns := s.edgeAt.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// StaleAfter is how long after the last edge the speed no longer describes
// the wheel: one revolution at the minimum speed
func (s *Sensor) StaleAfter() time.Duration {
	return PeriodForSpeed(s.minSpeed, s.diameter)
}
