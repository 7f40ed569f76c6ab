package actuator

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// Duty cycles of the steering servo at 50 Hz
const (
	SteeringNeutralDuty = 0.076
	SteeringLeftDuty    = 0.088
	SteeringRightDuty   = 0.064
)

// WithSteeringDuty overrides the neutral, full left and full right duty cycles
func WithSteeringDuty(neutral, left, right float64) func(*Steering) {
	return func(s *Steering) {
		s.neutral = neutral
		s.left = left
		s.right = right
	}
}

// WithSteeringLogger sets the logger for the steering actuator
func WithSteeringLogger(logger *slog.Logger) func(*Steering) {
	return func(s *Steering) {
		s.logger = logger.With(slog.String("actuator", "steering"))
	}
}

// Steering maps a steer command in [-1, 1] onto the servo, negative to the
// left. It shares the motor's one-way safety latch semantics.
type Steering struct {
	mu  sync.Mutex
	pwm PWM

	neutral float64
	left    float64
	right   float64
	duty    float64

	latch  Latch
	logger *slog.Logger
}

func NewSteering(pwm PWM, options ...func(*Steering)) *Steering {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil)) // nil logger

	s := Steering{
		pwm:     pwm,
		neutral: SteeringNeutralDuty,
		left:    SteeringLeftDuty,
		right:   SteeringRightDuty,
		logger:  logger,
	}

	for _, option := range options {
		option(&s)
	}

	return &s
}

// Init centers the wheels
func (s *Steering) Init() error {
	_, err := s.SetSteer(0)
	return err
}

// SetSteer applies a steer command. Values outside [-1, 1] center the wheels.
func (s *Steering) SetSteer(v float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.latch.Stopped() {
		return s.duty, nil
	}

	duty := dutyFor(Normalize(v), s.neutral, s.left, s.right)
	if err := s.pwm.SetDuty(duty); err != nil {
		return s.duty, fmt.Errorf("setting steering duty: %w", err)
	}
	s.duty = duty

	return duty, nil
}

// SafeStop cuts the servo signal and trips the latch. It is idempotent.
func (s *Steering) SafeStop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.latch.Trip() {
		return nil
	}

	s.duty = 0
	err := errors.Join(s.pwm.SetDuty(0), s.pwm.Halt())
	s.logger.Warn("steering safety stop engaged")

	if err != nil {
		return fmt.Errorf("stopping steering: %w", err)
	}
	return nil
}

func (s *Steering) Duty() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.duty
}

func (s *Steering) Latch() LatchState {
	return s.latch.State()
}
