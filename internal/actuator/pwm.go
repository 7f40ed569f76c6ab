package actuator

import (
	"fmt"
	"math"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
)

// ServoFrequency is the PWM frequency of the ESC and steering servo
const ServoFrequency = 50 * physic.Hertz

// PWM is a duty cycle output. Duty is a fraction in [0, 1].
type PWM interface {
	SetDuty(duty float64) error
	Halt() error
}

// PinPWM drives a hardware PWM capable pin
type PinPWM struct {
	pin  gpio.PinOut
	freq physic.Frequency
}

func NewPinPWM(pin gpio.PinOut, freq physic.Frequency) *PinPWM {
	return &PinPWM{pin: pin, freq: freq}
}

func (p *PinPWM) SetDuty(duty float64) error {
	if duty < 0 || duty > 1 {
		return fmt.Errorf("duty cycle %.4f out of range", duty)
	}

	if err := p.pin.PWM(gpio.Duty(duty*float64(gpio.DutyMax)), p.freq); err != nil {
		return fmt.Errorf("setting pwm on %s: %w", p.pin.Name(), err)
	}
	return nil
}

// Halt stops the PWM and drives the pin low
func (p *PinPWM) Halt() error {
	if err := p.pin.Out(gpio.Low); err != nil {
		return fmt.Errorf("halting pwm on %s: %w", p.pin.Name(), err)
	}
	return nil
}

func (p *PinPWM) String() string {
	return p.pin.Name()
}

// Normalize returns v when it lies in [-1, 1] and 0 otherwise
func Normalize(v float64) float64 {
	if v < -1 || v > 1 || math.IsNaN(v) {
		return 0
	}
	return v
}

// dutyFor maps a command in [-1, 1] onto a duty cycle, linearly from neutral
// towards negative for v < 0 and towards positive for v > 0
func dutyFor(v, neutral, negative, positive float64) float64 {
	switch {
	case v < 0:
		return neutral + -v*(negative-neutral)
	case v > 0:
		return neutral + v*(positive-neutral)
	default:
		return neutral
	}
}
