package actuator

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
)

type recorder struct {
	mu     sync.Mutex
	duties []float64
	halts  int
	err    error
}

func (r *recorder) SetDuty(d float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.err != nil {
		return r.err
	}
	r.duties = append(r.duties, d)
	return nil
}

func (r *recorder) Halt() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.halts++
	return nil
}

func (r *recorder) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.duties)
}

func (r *recorder) last() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.duties) == 0 {
		return math.NaN()
	}
	return r.duties[len(r.duties)-1]
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{0, 0},
		{1, 1},
		{-1, -1},
		{0.3, 0.3},
		{1.0001, 0},
		{-7, 0},
		{math.Inf(1), 0},
		{math.NaN(), 0},
	}

	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestMotor_DutyMapping(t *testing.T) {
	tests := []struct {
		wanted float64
		want   float64
	}{
		{0, MotorNeutralDuty},
		{1, MotorMaxForwardDuty},
		{-1, MotorMaxReverseDuty},
		{0.5, 0.085},
		{-0.5, 0.055},
		{1.5, MotorNeutralDuty},
		{-3, MotorNeutralDuty},
		{math.NaN(), MotorNeutralDuty},
	}

	for _, tt := range tests {
		pwm := &recorder{}
		m := NewMotor(pwm, Gains{})

		got, err := m.SetSpeed(tt.wanted, 0)
		if err != nil {
			t.Fatalf("SetSpeed(%v) error = %v", tt.wanted, err)
		}
		if !approx(got, tt.want) || !approx(pwm.last(), tt.want) {
			t.Errorf("SetSpeed(%v) = %v (pwm %v), want %v", tt.wanted, got, pwm.last(), tt.want)
		}
	}
}

func TestMotor_PIDStep(t *testing.T) {
	now := time.Unix(1700000000, 0)
	pwm := &recorder{}
	m := NewMotor(pwm, Gains{Kp: 1, Ki: 1, Kd: 1}, WithMotorClock(func() time.Time { return now }))

	if _, err := m.SetSpeed(0.8, 0); err != nil {
		t.Fatalf("SetSpeed() error = %v", err)
	}
	if m.Integral() != 0 {
		t.Errorf("integral after first call = %v, want 0", m.Integral())
	}

	now = now.Add(100 * time.Millisecond)
	duty, err := m.SetSpeed(0.8, 0)
	if err != nil {
		t.Fatalf("SetSpeed() error = %v", err)
	}

	if !approx(m.Integral(), 0.08) {
		t.Errorf("integral = %v, want 0.08", m.Integral())
	}
	if duty <= MotorNeutralDuty || duty > MotorMaxForwardDuty {
		t.Errorf("duty = %v, want in (%v, %v]", duty, MotorNeutralDuty, MotorMaxForwardDuty)
	}
}

func TestMotor_ZeroErrorIntegralIsStable(t *testing.T) {
	now := time.Unix(1700000000, 0)
	m := NewMotor(&recorder{}, Gains{Kp: 1, Ki: 1, Kd: 1}, WithMotorClock(func() time.Time { return now }))

	for i := 0; i < 1000; i++ {
		duty, err := m.SetSpeed(0, 0)
		if err != nil {
			t.Fatalf("SetSpeed() error = %v", err)
		}
		if !approx(duty, MotorNeutralDuty) {
			t.Fatalf("step %d: duty = %v, want neutral", i, duty)
		}
		now = now.Add(time.Duration(i%7+1) * time.Millisecond)
	}

	if m.Integral() != 0 {
		t.Errorf("integral = %v, want 0", m.Integral())
	}
}

func TestMotor_IntegralLimit(t *testing.T) {
	now := time.Unix(1700000000, 0)
	m := NewMotor(&recorder{}, Gains{Ki: 1}, WithMotorClock(func() time.Time { return now }), WithIntegralLimit(0.5))

	for i := 0; i < 100; i++ {
		if _, err := m.SetSpeed(1, 0); err != nil {
			t.Fatalf("SetSpeed() error = %v", err)
		}
		now = now.Add(time.Second)
	}

	if got := m.Integral(); got != 0.5 {
		t.Errorf("integral = %v, want 0.5", got)
	}
}

func TestMotor_MeasuredSpeedFeedback(t *testing.T) {
	now := time.Unix(1700000000, 0)
	m := NewMotor(&recorder{}, Gains{Kp: 1}, WithMaxSpeed(50), WithMotorClock(func() time.Time { return now }))

	// measured 25 km/h of 50 km/h: error = 0 - 0.5
	duty, err := m.SetSpeed(0, 25)
	if err != nil {
		t.Fatalf("SetSpeed() error = %v", err)
	}
	if want := dutyFor(-0.5, MotorNeutralDuty, MotorMaxReverseDuty, MotorMaxForwardDuty); !approx(duty, want) {
		t.Errorf("duty = %v, want %v", duty, want)
	}
}

func TestMotor_IdleClearsPID(t *testing.T) {
	now := time.Unix(1700000000, 0)
	pwm := &recorder{}
	m := NewMotor(pwm, Gains{Kp: 1, Ki: 1, Kd: 1}, WithMotorClock(func() time.Time { return now }))

	for i := 0; i < 3; i++ {
		if _, err := m.SetSpeed(0.8, 0); err != nil {
			t.Fatalf("SetSpeed() error = %v", err)
		}
		now = now.Add(100 * time.Millisecond)
	}
	if m.Integral() == 0 {
		t.Fatal("integral not accumulated")
	}

	duty, err := m.Idle(10)
	if err != nil {
		t.Fatalf("Idle() error = %v", err)
	}
	if !approx(duty, MotorNeutralDuty) || !approx(pwm.last(), MotorNeutralDuty) {
		t.Errorf("Idle() = %v (pwm %v), want neutral", duty, pwm.last())
	}
	if m.Integral() != 0 {
		t.Errorf("integral after idle = %v, want 0", m.Integral())
	}

	// resuming at the idle speed carries no derivative kick
	now = now.Add(100 * time.Millisecond)
	duty, err = m.SetSpeed(0, 10)
	if err != nil {
		t.Fatalf("SetSpeed() error = %v", err)
	}
	e := -10 / DefaultMaxSpeed
	if want := dutyFor(e+0.1*e, MotorNeutralDuty, MotorMaxReverseDuty, MotorMaxForwardDuty); !approx(duty, want) {
		t.Errorf("duty after idle = %v, want %v", duty, want)
	}

	if err = m.SafeStop(); err != nil {
		t.Fatalf("SafeStop() error = %v", err)
	}
	calls := pwm.calls()
	if duty, _ = m.Idle(0); duty != 0 || pwm.calls() != calls {
		t.Errorf("Idle() after safety stop = %v, touched pwm %d times", duty, pwm.calls()-calls)
	}
}

func TestMotor_SafeStop(t *testing.T) {
	pwm := &recorder{}
	m := NewMotor(pwm, Gains{Kp: 1})

	if err := m.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if _, err := m.SetSpeed(0.5, 0); err != nil {
		t.Fatalf("SetSpeed() error = %v", err)
	}

	if err := m.SafeStop(); err != nil {
		t.Fatalf("SafeStop() error = %v", err)
	}
	if pwm.last() != 0 || pwm.halts != 1 {
		t.Errorf("after SafeStop: duty = %v halts = %d", pwm.last(), pwm.halts)
	}
	if m.Latch() != Stopped {
		t.Errorf("latch = %s, want stopped", m.Latch())
	}

	calls := pwm.calls()
	for _, v := range []float64{1, -1, 0, 0.3} {
		duty, err := m.SetSpeed(v, 10)
		if err != nil || duty != 0 {
			t.Errorf("SetSpeed(%v) after stop = %v, %v", v, duty, err)
		}
	}
	if err := m.SafeStop(); err != nil {
		t.Errorf("second SafeStop() error = %v", err)
	}
	if err := m.Init(); err != nil {
		t.Errorf("Init() after stop error = %v", err)
	}

	if pwm.calls() != calls || pwm.halts != 1 {
		t.Errorf("pwm touched after stop: %d calls, %d halts", pwm.calls()-calls, pwm.halts)
	}
}

func TestMotor_PWMError(t *testing.T) {
	pwm := &recorder{err: errors.New("pwm gone")}
	m := NewMotor(pwm, Gains{})

	if _, err := m.SetSpeed(0.5, 0); !errors.Is(err, pwm.err) {
		t.Errorf("SetSpeed() error = %v, want %v", err, pwm.err)
	}
}

func TestSteering(t *testing.T) {
	tests := []struct {
		steer float64
		want  float64
	}{
		{0, SteeringNeutralDuty},
		{-1, SteeringLeftDuty},
		{1, SteeringRightDuty},
		{0.5, 0.070},
		{-0.5, 0.082},
		{1.2, SteeringNeutralDuty},
		{-1.2, SteeringNeutralDuty},
	}

	pwm := &recorder{}
	s := NewSteering(pwm)
	for _, tt := range tests {
		got, err := s.SetSteer(tt.steer)
		if err != nil {
			t.Fatalf("SetSteer(%v) error = %v", tt.steer, err)
		}
		if !approx(got, tt.want) || !approx(pwm.last(), tt.want) {
			t.Errorf("SetSteer(%v) = %v, want %v", tt.steer, got, tt.want)
		}
	}

	if err := s.SafeStop(); err != nil {
		t.Fatalf("SafeStop() error = %v", err)
	}

	calls := pwm.calls()
	if duty, _ := s.SetSteer(-1); duty != 0 {
		t.Errorf("SetSteer() after stop = %v, want 0", duty)
	}
	if pwm.calls() != calls {
		t.Error("pwm touched after stop")
	}
	if s.Latch() != Stopped {
		t.Errorf("latch = %s, want stopped", s.Latch())
	}
}

func TestLatch(t *testing.T) {
	var l Latch
	if l.Stopped() {
		t.Fatal("new latch is stopped")
	}

	var wg sync.WaitGroup
	var trips sync.Map
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			trips.Store(i, l.Trip())
		}()
	}
	wg.Wait()

	var won int
	trips.Range(func(_, v any) bool {
		if v.(bool) {
			won++
		}
		return true
	})
	if won != 1 {
		t.Errorf("%d callers performed the transition, want 1", won)
	}
	if l.State() != Stopped {
		t.Errorf("state = %s, want stopped", l.State())
	}
}

func TestRelay(t *testing.T) {
	pin := &gpiotest.Pin{N: "GPIO25"}
	r := NewRelay(pin)

	if err := r.Set(true); err != nil {
		t.Fatalf("Set(true) error = %v", err)
	}
	if pin.Read() != gpio.High || !r.On() {
		t.Error("relay not energized")
	}

	if err := r.SafeStop(); err != nil {
		t.Fatalf("SafeStop() error = %v", err)
	}
	if pin.Read() != gpio.Low || r.On() {
		t.Error("relay not released")
	}
}

func TestPinPWM(t *testing.T) {
	pin := &gpiotest.Pin{N: "GPIO18"}
	p := NewPinPWM(pin, ServoFrequency)

	if err := p.SetDuty(0.5); err != nil {
		t.Fatalf("SetDuty() error = %v", err)
	}

	pin.Lock()
	duty, freq := pin.D, pin.F
	pin.Unlock()
	if duty != gpio.DutyHalf || freq != ServoFrequency {
		t.Errorf("pin duty = %v freq = %v", duty, freq)
	}

	if err := p.SetDuty(1.5); err == nil {
		t.Error("SetDuty(1.5) succeeded")
	}
}
