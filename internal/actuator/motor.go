package actuator

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"
)

// Duty cycles of the ESC at 50 Hz
const (
	MotorNeutralDuty    = 0.07
	MotorMaxForwardDuty = 0.10
	MotorMaxReverseDuty = 0.04
)

const (
	// DefaultMaxSpeed is the speed in km/h matching a normalized command of 1
	DefaultMaxSpeed = 50.0

	defaultIntegralLimit = 1.0
)

// Gains are the PID coefficients
type Gains struct {
	Kp float64
	Ki float64
	Kd float64
}

// WithMaxSpeed sets the speed in km/h used to normalize measured speed
func WithMaxSpeed(kmh float64) func(*Motor) {
	return func(m *Motor) {
		m.maxSpeed = kmh
	}
}

// WithIntegralLimit bounds the absolute value of the integral accumulator
func WithIntegralLimit(limit float64) func(*Motor) {
	return func(m *Motor) {
		m.integralLimit = limit
	}
}

// WithMotorDuty overrides the neutral, full forward and full reverse duty cycles
func WithMotorDuty(neutral, forward, reverse float64) func(*Motor) {
	return func(m *Motor) {
		m.neutral = neutral
		m.forward = forward
		m.reverse = reverse
	}
}

// WithMotorClock sets the time source used to measure the PID step
func WithMotorClock(now func() time.Time) func(*Motor) {
	return func(m *Motor) {
		m.now = now
	}
}

// WithMotorLogger sets the logger for the motor controller
func WithMotorLogger(logger *slog.Logger) func(*Motor) {
	return func(m *Motor) {
		m.logger = logger.With(slog.String("actuator", "motor"))
	}
}

// Motor is a closed loop speed controller driving the ESC. Once SafeStop has
// been called the output is frozen until the process restarts.
type Motor struct {
	mu  sync.Mutex
	pwm PWM

	gains         Gains
	maxSpeed      float64
	integralLimit float64
	neutral       float64
	forward       float64
	reverse       float64

	duty      float64
	integral  float64
	prevError float64
	last      time.Time
	now       func() time.Time

	latch  Latch
	logger *slog.Logger
}

func NewMotor(pwm PWM, gains Gains, options ...func(*Motor)) *Motor {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil)) // nil logger

	m := Motor{
		pwm:           pwm,
		gains:         gains,
		maxSpeed:      DefaultMaxSpeed,
		integralLimit: defaultIntegralLimit,
		neutral:       MotorNeutralDuty,
		forward:       MotorMaxForwardDuty,
		reverse:       MotorMaxReverseDuty,
		now:           time.Now,
		logger:        logger,
	}

	for _, option := range options {
		option(&m)
	}

	return &m
}

// Init arms the ESC with the neutral duty cycle
func (m *Motor) Init() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.latch.Stopped() {
		return nil
	}

	if err := m.pwm.SetDuty(m.neutral); err != nil {
		return fmt.Errorf("arming esc: %w", err)
	}
	m.duty = m.neutral

	return nil
}

// SetSpeed runs one PID step towards the wanted normalized speed, given the
// measured speed in km/h, and applies the resulting duty cycle. A wanted
// speed outside [-1, 1] is treated as 0. After SafeStop it only returns the
// stopped duty cycle.
func (m *Motor) SetSpeed(wanted, measured float64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.latch.Stopped() {
		return m.duty, nil
	}

	wanted = Normalize(wanted)

	now := m.now()
	var dt float64
	if !m.last.IsZero() {
		dt = now.Sub(m.last).Seconds()
	}
	m.last = now

	e := wanted - measured/m.maxSpeed

	var derivative float64
	if dt > 0 {
		m.integral += e * dt
		m.integral = math.Max(-m.integralLimit, math.Min(m.integralLimit, m.integral))
		derivative = (e - m.prevError) / dt
	}
	m.prevError = e

	command := wanted + m.gains.Kp*e + m.gains.Ki*m.integral + m.gains.Kd*derivative
	command = math.Max(-1, math.Min(1, command))
	if math.IsNaN(command) {
		command = 0
	}

	duty := dutyFor(command, m.neutral, m.reverse, m.forward)
	if err := m.pwm.SetDuty(duty); err != nil {
		return m.duty, fmt.Errorf("setting motor duty: %w", err)
	}
	m.duty = duty

	return duty, nil
}

// Idle applies the neutral duty cycle and restarts the PID from rest. The
// integral is cleared and the measured speed becomes the error baseline of the
// next SetSpeed step, so a later command does not inherit the accumulator or
// a derivative kick from before the idle.
func (m *Motor) Idle(measured float64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.latch.Stopped() {
		return m.duty, nil
	}

	m.integral = 0
	m.prevError = -measured / m.maxSpeed
	m.last = m.now()

	if err := m.pwm.SetDuty(m.neutral); err != nil {
		return m.duty, fmt.Errorf("idling motor: %w", err)
	}
	m.duty = m.neutral

	return m.neutral, nil
}

// SafeStop cuts the ESC signal and trips the latch. It is idempotent.
func (m *Motor) SafeStop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.latch.Trip() {
		return nil
	}

	m.duty = 0
	err := errors.Join(m.pwm.SetDuty(0), m.pwm.Halt())
	m.logger.Warn("motor safety stop engaged")

	if err != nil {
		return fmt.Errorf("stopping motor: %w", err)
	}
	return nil
}

// Duty returns the last applied duty cycle
func (m *Motor) Duty() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.duty
}

// Integral returns the PID integral accumulator
func (m *Motor) Integral() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.integral
}

func (m *Motor) Latch() LatchState {
	return m.latch.State()
}
