package actuator

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"periph.io/x/conn/v3/gpio"
)

// WithRelayLogger sets the logger for the relay
func WithRelayLogger(logger *slog.Logger) func(*Relay) {
	return func(r *Relay) {
		r.logger = logger.With(slog.String("actuator", "relay"), slog.String("pin", r.pin.Name()))
	}
}

// Relay switches the high-current ESC supply, independently of the motor
// and steering signals
type Relay struct {
	mu  sync.Mutex
	pin gpio.PinOut
	on  bool

	logger *slog.Logger
}

func NewRelay(pin gpio.PinOut, options ...func(*Relay)) *Relay {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil)) // nil logger

	r := Relay{
		pin:    pin,
		logger: logger,
	}

	for _, option := range options {
		option(&r)
	}

	return &r
}

// Set energizes or releases the relay
func (r *Relay) Set(on bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	level := gpio.Low
	if on {
		level = gpio.High
	}
	if err := r.pin.Out(level); err != nil {
		return fmt.Errorf("switching relay on %s: %w", r.pin.Name(), err)
	}

	if r.on != on {
		r.logger.Info("relay switched", slog.Bool("on", on))
	}
	r.on = on

	return nil
}

func (r *Relay) On() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.on
}

// SafeStop releases the relay
func (r *Relay) SafeStop() error {
	return r.Set(false)
}
