package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"
)

// DefaultDeadman is the longest gap between commands before the motor is
// forced to zero speed
const DefaultDeadman = 500 * time.Millisecond

// Action is the kind of change a remote record went through
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Command is a remote steering and speed request, both in [-1, 1]
type Command struct {
	Steer float64 `json:"steer"`
	Speed float64 `json:"speed"`
}

// Event is one item of the command stream. Err is set when the record could
// not be decoded.
type Event struct {
	Action  Action
	Command Command
	Err     error
}

// State of the control loop
type State int32

const (
	WaitingForCommand State = iota
	Actuating
	DegradedIdle
)

func (s State) String() string {
	switch s {
	case WaitingForCommand:
		return "waiting_for_command"
	case Actuating:
		return "actuating"
	case DegradedIdle:
		return "degraded_idle"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type Motor interface {
	SetSpeed(wanted, measured float64) (float64, error)
	Idle(measured float64) (float64, error)
	SafeStop() error
}

type Steering interface {
	SetSteer(steer float64) (float64, error)
	SafeStop() error
}

// SpeedSource provides the measured ground speed in km/h
type SpeedSource interface {
	Speed() float64
}

// Recorder keeps an audit trail of applied commands
type Recorder interface {
	LogCommand(ctx context.Context, action string, steer, speed float64) error
}

// WithDeadman sets the dead-man window
func WithDeadman(d time.Duration) func(*Loop) {
	return func(l *Loop) {
		l.deadman = d
	}
}

// WithRecorder logs every applied command to r
func WithRecorder(r Recorder) func(*Loop) {
	return func(l *Loop) {
		l.recorder = r
	}
}

// WithLogger sets the logger for the control loop
func WithLogger(logger *slog.Logger) func(*Loop) {
	return func(l *Loop) {
		l.logger = logger.With(slog.String("component", "control"))
	}
}

// Loop applies remote commands to the actuators and idles the motor when
// commands stop arriving.
type Loop struct {
	motor    Motor
	steering Steering
	speed    SpeedSource
	recorder Recorder
	deadman  time.Duration

	state   atomic.Int32
	running atomic.Bool

	logger *slog.Logger
}

func NewLoop(motor Motor, steering Steering, speed SpeedSource, options ...func(*Loop)) *Loop {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil)) // nil logger

	l := Loop{
		motor:    motor,
		steering: steering,
		speed:    speed,
		deadman:  DefaultDeadman,
		logger:   logger,
	}

	for _, option := range options {
		option(&l)
	}

	return &l
}

// State returns the current state of the loop
func (l *Loop) State() State {
	return State(l.state.Load())
}

// Run consumes events until ctx is cancelled. Before returning it engages the
// safety stop of the motor and the steering, whatever the state.
func (l *Loop) Run(ctx context.Context, events <-chan Event) (err error) {
	if !l.running.CompareAndSwap(false, true) {
		return fmt.Errorf("control loop is already running")
	}
	defer l.running.Store(false)

	defer func() {
		if stopErr := errors.Join(l.motor.SafeStop(), l.steering.SafeStop()); stopErr != nil {
			err = errors.Join(err, fmt.Errorf("safety stop: %w", stopErr))
		}
		l.logger.Warn("control loop stopped, actuators safety stopped")
	}()

	l.state.Store(int32(WaitingForCommand))

	deadman := time.NewTimer(l.deadman)
	defer deadman.Stop()

	l.logger.Info("waiting for commands...", slog.Duration("deadman", l.deadman))

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-events:
			if !ok {
				l.logger.Warn("command stream closed")
				events = nil
				continue
			}
			if l.handle(ctx, ev) {
				deadman.Reset(l.deadman)
			}

		case <-deadman.C:
			l.expire()
		}
	}
}

// handle applies one event and reports whether it was a fresh command
func (l *Loop) handle(ctx context.Context, ev Event) bool {
	if ev.Err != nil {
		l.logger.Warn(fmt.Sprintf("decoding command: %s", ev.Err.Error()))
		return false
	}
	if ev.Action != ActionUpdate {
		l.logger.Debug("ignoring command event", slog.String("action", string(ev.Action)))
		return false
	}

	if prev := State(l.state.Swap(int32(Actuating))); prev != Actuating {
		l.logger.Info("commands received", slog.String("from", prev.String()))
	}

	steer, err := l.steering.SetSteer(ev.Command.Steer)
	if err != nil {
		l.logger.Error(fmt.Sprintf("applying steer: %s", err.Error()))
	}
	duty, err := l.motor.SetSpeed(ev.Command.Speed, l.speed.Speed())
	if err != nil {
		l.logger.Error(fmt.Sprintf("applying speed: %s", err.Error()))
	}

	l.logger.Debug("command applied",
		slog.Float64("steer", ev.Command.Steer),
		slog.Float64("speed", ev.Command.Speed),
		slog.Float64("steerDuty", steer),
		slog.Float64("motorDuty", duty),
	)

	if l.recorder != nil {
		if err = l.recorder.LogCommand(ctx, string(ev.Action), ev.Command.Steer, ev.Command.Speed); err != nil {
			l.logger.Warn(fmt.Sprintf("recording command: %s", err.Error()))
		}
	}

	return true
}

// expire idles the motor once per gap in the command stream
func (l *Loop) expire() {
	if State(l.state.Swap(int32(DegradedIdle))) == DegradedIdle {
		return
	}

	measured := l.speed.Speed()
	if _, err := l.motor.Idle(measured); err != nil {
		l.logger.Error(fmt.Sprintf("idling motor: %s", err.Error()))
	}

	l.logger.Warn("no commands received, motor idled", slog.Duration("deadman", l.deadman), slog.Float64("measured", measured))
}
