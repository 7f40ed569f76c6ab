package acquisition

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"

	"github.com/roman-kulish/rover-control/internal/bus"
	"github.com/roman-kulish/rover-control/internal/bus/bustest"
	"github.com/roman-kulish/rover-control/internal/sensor/analog"
	"github.com/roman-kulish/rover-control/internal/sensor/gps"
	"github.com/roman-kulish/rover-control/internal/sensor/hall"
	"github.com/roman-kulish/rover-control/internal/sensor/imu"
	"github.com/roman-kulish/rover-control/internal/sensor/mag"
)

type fakeCompass struct {
	initErr error
	reads   atomic.Int64
	fail    atomic.Bool
}

func (f *fakeCompass) Init(context.Context) error {
	return f.initErr
}

func (f *fakeCompass) Read(context.Context) (mag.Reading, error) {
	f.reads.Add(1)
	if f.fail.Load() {
		return mag.Reading{}, errors.New("bus i/o")
	}
	return mag.Reading{Raw: mag.Raw{X: 1, Y: 2, Z: 3}, Heading: 123}, nil
}

type fakeIMU struct {
	mu     sync.Mutex
	speeds []float64
}

func (f *fakeIMU) Init(context.Context) error      { return nil }
func (f *fakeIMU) Calibrate(context.Context) error { return nil }

func (f *fakeIMU) Update(_ context.Context, speed float64) (imu.Reading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.speeds = append(f.speeds, speed)
	return imu.Reading{Angles: imu.Angles{Pitch: 1, Roll: 2, Yaw: 3}, Temperature: 25}, nil
}

func (f *fakeIMU) lastSpeed() (float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.speeds) == 0 {
		return 0, false
	}
	return f.speeds[len(f.speeds)-1], true
}

type fakeHall struct {
	speed float64
	age   time.Duration // since the last edge
}

func (f *fakeHall) Init() error { return nil }

func (f *fakeHall) LastEdge() time.Time { return time.Now().Add(-f.age) }

func (f *fakeHall) StaleAfter() time.Duration { return time.Second }

func (f *fakeHall) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (f *fakeHall) Speed() float64 { return f.speed }

type fakeGPS struct {
	fix gps.Fix
}

func (f *fakeGPS) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (f *fakeGPS) Fix() gps.Fix { return f.fix }

func runFor(t *testing.T, p *Pipeline, d time.Duration) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(d + time.Second):
		t.Fatal("Run() did not return after cancellation")
	}
}

func TestPipeline_NoSensors(t *testing.T) {
	if err := New().Run(context.Background()); err == nil {
		t.Error("Run() without sensors succeeded")
	}
}

func TestPipeline_Snapshot(t *testing.T) {
	o := &fakeIMU{}
	p := New(
		WithCompass(&fakeCompass{}, time.Millisecond),
		WithIMU(o, time.Millisecond),
		WithHall(&fakeHall{speed: 12.5}),
		WithGPS(&fakeGPS{fix: gps.Fix{Latitude: -33.8, Longitude: 151.2, Satellites: 9, Fixed: true, SpeedKMH: 11, Updated: time.Now()}}),
	)

	s := p.Snapshot()
	if s.Compass != nil || s.Orientation != nil || s.Battery != nil {
		t.Errorf("snapshot before acquisition = %+v, want empty bus fields", s)
	}

	runFor(t, p, 50*time.Millisecond)

	s = p.Snapshot()
	if s.Compass == nil || s.Compass.Heading != 123 {
		t.Errorf("compass = %+v", s.Compass)
	}
	if s.Orientation == nil || s.Orientation.Angles.Roll != 2 {
		t.Errorf("orientation = %+v", s.Orientation)
	}
	if s.Battery != nil {
		t.Errorf("battery = %v, want nil without a battery sensor", *s.Battery)
	}
	if s.WheelSpeed == nil || *s.WheelSpeed != 12.5 {
		t.Errorf("wheel speed = %v", s.WheelSpeed)
	}
	if s.GPS == nil || s.GPS.Satellites != 9 {
		t.Errorf("gps = %+v", s.GPS)
	}
	if len(s.Errors) != 0 {
		t.Errorf("errors = %v", s.Errors)
	}

	// the wheel sensor drives the adaptive blending
	if speed, ok := o.lastSpeed(); !ok || speed != 12.5 {
		t.Errorf("imu speed = %v, %v, want 12.5", speed, ok)
	}

	tm := p.Get()
	if tm.Heading == nil || *tm.Heading != 123 || tm.MagZ == nil || *tm.MagZ != 3 {
		t.Errorf("telemetry heading = %v mag z = %v", tm.Heading, tm.MagZ)
	}
	if tm.Satellites == nil || *tm.Satellites != 9 || tm.Fix == nil || !*tm.Fix {
		t.Errorf("telemetry gps = %+v", tm)
	}
	if tm.Temperature == nil || *tm.Temperature != 25 {
		t.Errorf("telemetry temperature = %v", tm.Temperature)
	}
}

func TestPipeline_GPSSpeedFallback(t *testing.T) {
	p := New(WithGPS(&fakeGPS{fix: gps.Fix{Fixed: true, SpeedKMH: 7, Updated: time.Now()}}))
	if got := p.Speed(); got != 7 {
		t.Errorf("Speed() = %v, want 7", got)
	}

	p = New(WithGPS(&fakeGPS{fix: gps.Fix{SpeedKMH: 7, Updated: time.Now()}}))
	if got := p.Speed(); got != 0 {
		t.Errorf("Speed() without fix = %v, want 0", got)
	}
}

func TestPipeline_InitFailureIsolated(t *testing.T) {
	broken := &fakeCompass{initErr: errors.New("no such device")}
	o := &fakeIMU{}
	p := New(WithCompass(broken, time.Millisecond), WithIMU(o, time.Millisecond))

	runFor(t, p, 30*time.Millisecond)

	if broken.reads.Load() != 0 {
		t.Errorf("compass read %d times after init failure", broken.reads.Load())
	}
	if _, ok := o.lastSpeed(); !ok {
		t.Error("imu task stopped with the compass")
	}

	s := p.Snapshot()
	if s.Compass != nil || s.Errors[SensorCompass] == nil {
		t.Errorf("compass = %+v errors = %v", s.Compass, s.Errors)
	}
	if s.Orientation == nil {
		t.Error("orientation missing")
	}
}

func TestPipeline_TransientErrorsRetried(t *testing.T) {
	c := &fakeCompass{}
	p := New(WithCompass(c, time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	waitFor(t, func() bool { return p.Snapshot().Compass != nil })

	c.fail.Store(true)
	waitFor(t, func() bool { return p.Snapshot().Errors[SensorCompass] != nil })

	// the last good value survives the failure
	if p.Snapshot().Compass == nil {
		t.Error("last known heading dropped on failure")
	}

	c.fail.Store(false)
	waitFor(t, func() bool { return p.Snapshot().Errors[SensorCompass] == nil })

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 2s")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPipeline_SharedBus(t *testing.T) {
	fake := bustest.NewBus()
	shared := bus.NewShared(fake)

	magDev := fake.Add(mag.HMC5883LAddress)
	magDev.Delay = 200 * time.Microsecond
	magDev.Set(0x03, 0x00, 0x64, 0x00, 0x00, 0x00, 0x00)

	adcDev := fake.Add(analog.DefaultAddress)
	adcDev.Words = true
	adcDev.Delay = 200 * time.Microsecond
	adcDev.OnWordWrite = func(d *bustest.Device, reg uint8, v uint16) {
		if reg == 0x01 && v&0x8000 != 0 {
			d.SetWordUnlocked(0x00, 0x6400)
		}
	}

	identity := [3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
	compass := mag.NewCompass(mag.NewHMC5883L(shared), mag.NewCalibration([3]float64{}, identity))
	battery := analog.New(shared)

	p := New(WithCompass(compass, time.Millisecond), WithBattery(battery, time.Millisecond))
	runFor(t, p, 100*time.Millisecond)

	if got := fake.MaxInFlight(); got != 1 {
		t.Errorf("max overlapping bus transactions = %d, want 1", got)
	}

	s := p.Snapshot()
	if s.Compass == nil || s.Compass.Raw.X != 100 {
		t.Errorf("compass = %+v errors = %v", s.Compass, s.Errors)
	}
	if s.Battery == nil || *s.Battery <= 0 {
		t.Errorf("battery = %v errors = %v", s.Battery, s.Errors)
	}
}

func TestCell(t *testing.T) {
	var c Cell[int]

	if _, ok, _, err := c.Load(); ok || err != nil {
		t.Fatalf("empty cell Load() = %v, %v", ok, err)
	}

	now := time.Now()
	c.Store(42, now)
	c.Fail(errors.New("timeout"))

	v, ok, at, err := c.Load()
	if !ok || v != 42 || !at.Equal(now) || err == nil {
		t.Errorf("Load() = %v, %v, %v, %v", v, ok, at, err)
	}

	c.Store(43, now)
	if v, _, _, err = c.Load(); v != 43 || err != nil {
		t.Errorf("Load() after store = %v, %v", v, err)
	}
}

func TestPipeline_StoppedWheelReadsZero(t *testing.T) {
	now := time.Unix(1700000000, 0)
	clock := func() time.Time { return now }

	h := hall.New(&gpiotest.Pin{N: "GPIO17"}, hall.WithClock(clock))
	h.Sample(gpio.High)
	h.Sample(gpio.Low)
	now = now.Add(100 * time.Millisecond)
	h.Sample(gpio.High)

	p := New(WithHall(h), WithClock(clock))
	if got := p.Speed(); got < 67 || got > 68 {
		t.Fatalf("Speed() = %v, want ≈67.86", got)
	}

	now = now.Add(h.StaleAfter() / 2)
	if got := p.Speed(); got < 67 {
		t.Errorf("Speed() within one slow revolution = %v, want the last value", got)
	}

	now = now.Add(10 * time.Minute)
	if got := p.Speed(); got != 0 {
		t.Errorf("Speed() 10 min after the last edge = %v, want 0", got)
	}
	if w := imu.GyroWeight(p.Speed()); w == 1 {
		t.Error("gyro weight locked at 1 for a stopped vehicle")
	}
	if s := p.Snapshot(); s.WheelSpeed == nil || *s.WheelSpeed != 0 {
		t.Errorf("snapshot wheel speed = %v, want 0", s.WheelSpeed)
	}

	// the raw sensor value is never reset
	if h.Speed() == 0 {
		t.Error("hall sensor speed reset")
	}
}

func TestPipeline_HallWithoutEdges(t *testing.T) {
	p := New(WithHall(hall.New(&gpiotest.Pin{N: "GPIO17"})))
	if got := p.Speed(); got != 0 {
		t.Errorf("Speed() before any edge = %v, want 0", got)
	}
}
