package control

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// Switch is the remote kill-switch record
type Switch struct {
	Esc    bool `json:"esc"`
	Reload bool `json:"reload"`
}

// Relay powers the ESC
type Relay interface {
	Set(on bool) error
	On() bool
}

// WithSwitchesLogger sets the logger for the switches handler
func WithSwitchesLogger(logger *slog.Logger) func(*Switches) {
	return func(s *Switches) {
		s.logger = logger.With(slog.String("component", "switches"))
	}
}

// Switches applies kill-switch records: Esc drives the relay and Reload fires
// the reload callback once.
type Switches struct {
	relay  Relay
	reload func()
	once   sync.Once

	logger *slog.Logger
}

func NewSwitches(relay Relay, reload func(), options ...func(*Switches)) *Switches {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil)) // nil logger

	s := Switches{
		relay:  relay,
		reload: reload,
		logger: logger,
	}

	for _, option := range options {
		option(&s)
	}

	return &s
}

// Reset releases the relay
func (s *Switches) Reset() error {
	if err := s.relay.Set(false); err != nil {
		return fmt.Errorf("resetting relay: %w", err)
	}
	return nil
}

// Apply applies one record
func (s *Switches) Apply(sw Switch) error {
	if sw.Esc != s.relay.On() {
		if err := s.relay.Set(sw.Esc); err != nil {
			return fmt.Errorf("switching relay: %w", err)
		}
		s.logger.Info("esc power switched", slog.Bool("on", sw.Esc))
	}

	if sw.Reload && s.reload != nil {
		s.once.Do(func() {
			s.logger.Warn("reload requested")
			s.reload()
		})
	}

	return nil
}

// Run applies records until ctx is cancelled or the stream is closed
func (s *Switches) Run(ctx context.Context, switches <-chan Switch) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case sw, ok := <-switches:
			if !ok {
				return nil
			}
			if err := s.Apply(sw); err != nil {
				s.logger.Error(err.Error())
			}
		}
	}
}
