package telemetry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// DefaultInterval pushes telemetry at about 30 Hz
const DefaultInterval = time.Second / 30

type Provider interface {
	Get() *Telemetry
}

// Sink receives telemetry snapshots
type Sink interface {
	Publish(ctx context.Context, t *Telemetry) error
}

// SinkFunc adapts a function to a Sink
type SinkFunc func(ctx context.Context, t *Telemetry) error

func (f SinkFunc) Publish(ctx context.Context, t *Telemetry) error {
	return f(ctx, t)
}

// WithInterval sets the push interval
func WithInterval(d time.Duration) func(*Publisher) {
	return func(p *Publisher) {
		p.interval = d
	}
}

// WithSink adds a named sink
func WithSink(name string, sink Sink) func(*Publisher) {
	return func(p *Publisher) {
		p.sinks = append(p.sinks, namedSink{name: name, Sink: sink})
	}
}

// WithLogger sets the logger for the publisher
func WithLogger(logger *slog.Logger) func(*Publisher) {
	return func(p *Publisher) {
		p.logger = logger.With(slog.String("component", "telemetry"))
	}
}

type namedSink struct {
	Sink
	name     string
	pushed   uint64
	failures uint64
}

// Publisher periodically pushes the provider's snapshot to every sink. Pushes
// are best effort: a failure is logged and the snapshot is dropped.
type Publisher struct {
	provider Provider
	sinks    []namedSink
	interval time.Duration

	logger *slog.Logger
}

func NewPublisher(provider Provider, options ...func(*Publisher)) *Publisher {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil)) // nil logger

	p := Publisher{
		provider: provider,
		interval: DefaultInterval,
		logger:   logger,
	}

	for _, option := range options {
		option(&p)
	}

	return &p
}

// Run pushes snapshots until ctx is cancelled
func (p *Publisher) Run(ctx context.Context) error {
	if len(p.sinks) == 0 {
		return fmt.Errorf("no telemetry sinks configured")
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("publishing telemetry...", slog.String("rate", humanize.SIWithDigits(float64(time.Second)/float64(p.interval), 1, "Hz")))

	for {
		select {
		case <-ctx.Done():
			p.logStats()
			return nil
		case <-ticker.C:
			p.push(ctx, p.provider.Get())
		}
	}
}

func (p *Publisher) push(ctx context.Context, t *Telemetry) {
	if t == nil {
		return
	}

	var wg sync.WaitGroup
	for i := range p.sinks {
		wg.Add(1)
		go func(s *namedSink) {
			defer wg.Done()

			if err := s.Publish(ctx, t); err != nil {
				s.failures++
				if ctx.Err() == nil {
					p.logger.Warn(fmt.Sprintf("publishing telemetry: %s", err.Error()), slog.String("sink", s.name), slog.Uint64("failures", s.failures))
				}
				return
			}
			s.pushed++
		}(&p.sinks[i])
	}
	wg.Wait()
}

func (p *Publisher) logStats() {
	for _, s := range p.sinks {
		p.logger.Info("telemetry publisher stopped",
			slog.String("sink", s.name),
			slog.String("pushed", humanize.Comma(int64(s.pushed))),
			slog.String("failed", humanize.Comma(int64(s.failures))),
		)
	}
}
