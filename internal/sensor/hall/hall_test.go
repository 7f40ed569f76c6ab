package hall

import (
	"context"
	"math"
	"testing"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
)

func TestSpeedFromPeriod(t *testing.T) {
	tests := []struct {
		period   time.Duration
		diameter float64
		want     float64
	}{
		{100 * time.Millisecond, 0.6, 2 * math.Pi / 0.1 * 0.3 * 3.6},
		{time.Second, 0.6, 2 * math.Pi * 0.3 * 3.6},
		{0, 0.6, 0},
		{-time.Second, 0.6, 0},
	}

	for _, tt := range tests {
		if got := SpeedFromPeriod(tt.period, tt.diameter); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("SpeedFromPeriod(%v, %v) = %v, want %v", tt.period, tt.diameter, got, tt.want)
		}
	}

	if got := SpeedFromPeriod(100*time.Millisecond, 0.6); math.Abs(got-67.858) > 0.001 {
		t.Errorf("SpeedFromPeriod(100ms, 0.6) = %v, want ≈67.858", got)
	}
}

func TestSensor_Sample(t *testing.T) {
	now := time.Unix(1700000000, 0)
	s := New(&gpiotest.Pin{N: "GPIO17"}, WithClock(func() time.Time { return now }))

	levels := []struct {
		level  gpio.Level
		step   time.Duration
		rising bool
	}{
		{gpio.High, 0, true},
		{gpio.High, 10 * time.Millisecond, false},
		{gpio.Low, 10 * time.Millisecond, false},
		{gpio.Low, 10 * time.Millisecond, false},
		{gpio.High, 70 * time.Millisecond, true},
	}

	for i, l := range levels {
		now = now.Add(l.step)
		if got := s.Sample(l.level); got != l.rising {
			t.Errorf("sample %d: rising = %v, want %v", i, got, l.rising)
		}
		if i == 0 && s.Speed() != 0 {
			t.Errorf("speed after first edge = %v, want 0", s.Speed())
		}
	}

	if got := s.Speed(); math.Abs(got-67.858) > 0.001 {
		t.Errorf("Speed() = %v, want ≈67.858", got)
	}

	// no more edges: the last value stays
	for i := 0; i < 10; i++ {
		now = now.Add(time.Second)
		s.Sample(gpio.Low)
	}
	if got := s.Speed(); math.Abs(got-67.858) > 0.001 {
		t.Errorf("Speed() after edges stopped = %v, want unchanged", got)
	}
}

func TestSensor_Run(t *testing.T) {
	pin := &gpiotest.Pin{N: "GPIO17"}
	s := New(pin, WithPollInterval(time.Millisecond))
	if err := s.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := pin.Out(gpio.High); err != nil {
		t.Fatalf("Out() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		done <- s.Run(ctx)
	}()

	deadline := time.After(time.Second)
	for s.edges.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("rising edge was not detected")
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() error = %v", err)
	}
}

func TestSensor_LastEdge(t *testing.T) {
	now := time.Unix(1700000000, 0)
	s := New(&gpiotest.Pin{N: "GPIO17"}, WithClock(func() time.Time { return now }), WithMinSpeed(2))

	if !s.LastEdge().IsZero() {
		t.Errorf("LastEdge() before any edge = %v", s.LastEdge())
	}

	s.Sample(gpio.High)
	if !s.LastEdge().Equal(now) {
		t.Errorf("LastEdge() = %v, want %v", s.LastEdge(), now)
	}

	// one revolution of a 0.6 m wheel at 2 km/h
	want := PeriodForSpeed(2, DefaultWheelDiameter)
	if got := s.StaleAfter(); got != want {
		t.Errorf("StaleAfter() = %v, want %v", got, want)
	}
	if got := SpeedFromPeriod(want, DefaultWheelDiameter); math.Abs(got-2) > 1e-6 {
		t.Errorf("speed at the stale period = %v, want 2", got)
	}
	if PeriodForSpeed(0, DefaultWheelDiameter) != 0 {
		t.Error("PeriodForSpeed(0) != 0")
	}
}
