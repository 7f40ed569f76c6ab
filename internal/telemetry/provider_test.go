package telemetry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type staticProvider struct {
	t Telemetry
}

func (p *staticProvider) Get() *Telemetry {
	t := p.t
	t.Timestamp = time.Now()
	return &t
}

func TestPublisher_Run(t *testing.T) {
	var ok, failing atomic.Int64
	heading := 90.0
	provider := &staticProvider{t: Telemetry{Heading: &heading}}

	p := NewPublisher(provider,
		WithInterval(2*time.Millisecond),
		WithSink("ok", SinkFunc(func(_ context.Context, tm *Telemetry) error {
			if tm.Heading == nil || *tm.Heading != 90 {
				t.Errorf("sink got heading %v", tm.Heading)
			}
			ok.Add(1)
			return nil
		})),
		WithSink("failing", SinkFunc(func(context.Context, *Telemetry) error {
			failing.Add(1)
			return errors.New("store unavailable")
		})),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := p.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// a failing sink neither stops the publisher nor starves the other sink
	if ok.Load() < 5 || failing.Load() < 5 {
		t.Errorf("pushes: ok = %d failing = %d, want both >= 5", ok.Load(), failing.Load())
	}
	if ok.Load() != failing.Load() {
		t.Errorf("pushes: ok = %d failing = %d, want equal", ok.Load(), failing.Load())
	}
}

func TestPublisher_NoSinks(t *testing.T) {
	if err := NewPublisher(&staticProvider{}).Run(context.Background()); err == nil {
		t.Error("Run() without sinks succeeded")
	}
}
