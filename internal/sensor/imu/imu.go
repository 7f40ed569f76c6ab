package imu

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/golang/geo/r3"

	"github.com/roman-kulish/rover-control/internal/bus"
)

const (
	// CalibrationSamples is the number of samples averaged into the bias vectors
	CalibrationSamples = 500

	// CalibrationSpacing is the delay between two calibration samples
	CalibrationSpacing = 5 * time.Millisecond

	resetDelay = 100 * time.Millisecond
)

var (
	// ErrNotCalibrated is returned by Update before Calibrate has completed
	ErrNotCalibrated = errors.New("imu is not calibrated")

	// ErrInvalidRange is returned by Init when a full-scale range has no register encoding
	ErrInvalidRange = errors.New("invalid imu range")
)

// Angles holds the orientation estimate in degrees. Yaw is integrated from the
// gyroscope only and drifts without bound.
type Angles struct {
	Pitch float64
	Roll  float64
	Yaw   float64
}

// Reading is the result of a single filter update
type Reading struct {
	Angles      Angles
	Temperature float64 // °C
}

type raw struct {
	accel r3.Vector
	gyro  r3.Vector
	temp  int16
}

// WithAddress sets the device address on the bus
func WithAddress(addr uint16) func(*IMU) {
	return func(m *IMU) {
		m.addr = addr
	}
}

// WithRanges sets the full-scale ranges of the accelerometer and gyroscope.
// Ranges outside the defined constants make Init fail.
func WithRanges(accel AccelRange, gyro GyroRange) func(*IMU) {
	return func(m *IMU) {
		m.accelRange = accel
		m.gyroRange = gyro
	}
}

// WithCalibration overrides the number of calibration samples and the delay between them
func WithCalibration(samples int, spacing time.Duration) func(*IMU) {
	return func(m *IMU) {
		m.calSamples = samples
		m.calSpacing = spacing
	}
}

// WithClock sets the monotonic time source used to measure elapsed time between updates
func WithClock(now func() time.Time) func(*IMU) {
	return func(m *IMU) {
		m.now = now
	}
}

// WithLogger sets the logger for the IMU
func WithLogger(logger *slog.Logger) func(*IMU) {
	return func(m *IMU) {
		m.logger = logger.With(slog.String("sensor", "imu"))
	}
}

// IMU is an MPU6050 driver fusing accelerometer and gyroscope readings into
// an orientation estimate with a speed-adaptive complementary filter. It is
// not safe for concurrent use; the acquisition task owns it.
type IMU struct {
	shared *bus.Shared
	regs   *bus.Registers
	addr   uint16

	accelRange AccelRange
	gyroRange  GyroRange
	accelScale float64
	gyroScale  float64

	calSamples int
	calSpacing time.Duration
	accelBias  r3.Vector
	gyroBias   r3.Vector
	calibrated bool

	angles Angles
	last   time.Time
	now    func() time.Time

	logger *slog.Logger
}

// New creates an IMU on the shared bus. The device is not touched until Init.
func New(shared *bus.Shared, options ...func(*IMU)) *IMU {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil)) // nil logger

	m := IMU{
		shared:     shared,
		addr:       DefaultAddress,
		accelRange: AccelRange2G,
		gyroRange:  GyroRange250,
		calSamples: CalibrationSamples,
		calSpacing: CalibrationSpacing,
		now:        time.Now,
		logger:     logger,
	}

	for _, option := range options {
		option(&m)
	}

	m.regs = shared.Device(m.addr)
	if m.accelRange.valid() {
		m.accelScale = accelScale[m.accelRange]
	}
	if m.gyroRange.valid() {
		m.gyroScale = gyroScale[m.gyroRange]
	}

	return &m
}

func (m *IMU) checkRanges() error {
	if !m.accelRange.valid() {
		return fmt.Errorf("%w: accelerometer range %d", ErrInvalidRange, m.accelRange)
	}
	if !m.gyroRange.valid() {
		return fmt.Errorf("%w: gyroscope range %d", ErrInvalidRange, m.gyroRange)
	}
	return nil
}

// Init resets and configures the device
func (m *IMU) Init(ctx context.Context) error {
	if err := m.checkRanges(); err != nil {
		return err
	}

	err := m.shared.Do(ctx, func() error {
		if id, err := m.regs.Read8(regWhoAmI); err != nil {
			return err
		} else if id != whoAmI {
			m.logger.Warn(fmt.Sprintf("unexpected WHO_AM_I 0x%02X", id))
		}

		if err := m.regs.Write8(regUserCtrl, 0x07); err != nil {
			return err
		}
		if err := m.regs.Write8(regSignalPathReset, 0x07); err != nil {
			return err
		}
		return m.regs.Write8(regPwrMgmt1, 0x80)
	})
	if err != nil {
		return fmt.Errorf("resetting imu: %w", err)
	}

	if err = sleep(ctx, resetDelay); err != nil {
		return err
	}

	err = m.shared.Do(ctx, func() error {
		steps := []struct {
			field bus.Field
			value uint8
		}{
			{fieldClockSource, clockPLLXGyro},
			{fieldBypass, 1},
			{fieldTempDisable, 0},
			{fieldSleep, 0},
			{fieldDLPF, 3},
			{fieldAccelRange, uint8(m.accelRange)},
			{fieldGyroRange, uint8(m.gyroRange)},
		}
		for _, s := range steps {
			if err := m.regs.WriteField(s.field, s.value); err != nil {
				return err
			}
		}
		return m.regs.Write8(regSmplrtDiv, 0x04)
	})
	if err != nil {
		return fmt.Errorf("configuring imu: %w", err)
	}

	m.logger.Info("imu initialized", slog.Float64("accelScale", m.accelScale), slog.Float64("gyroScale", m.gyroScale))
	return nil
}

// Calibrate averages raw samples taken at rest into the gyroscope and
// accelerometer bias vectors. The accelerometer bias keeps one g on Z.
func (m *IMU) Calibrate(ctx context.Context) error {
	if err := m.checkRanges(); err != nil {
		return err
	}

	m.logger.Info("calibrating, keep the vehicle still...", slog.Int("samples", m.calSamples))

	var accel, gyro r3.Vector
	for i := 0; i < m.calSamples; i++ {
		r, err := m.readRaw(ctx)
		if err != nil {
			return fmt.Errorf("calibration sample %d: %w", i, err)
		}

		accel = accel.Add(r.accel)
		gyro = gyro.Add(r.gyro)

		if err = sleep(ctx, m.calSpacing); err != nil {
			return err
		}
	}

	n := float64(m.calSamples)
	m.gyroBias = gyro.Mul(1 / n)
	m.accelBias = accel.Mul(1 / n).Sub(r3.Vector{Z: m.accelScale})
	m.calibrated = true

	m.logger.Info("calibration done",
		slog.String("gyroBias", fmt.Sprintf("%.2f", m.gyroBias)),
		slog.String("accelBias", fmt.Sprintf("%.2f", m.accelBias)),
	)
	return nil
}

// Bias returns the accelerometer and gyroscope bias vectors in raw units
func (m *IMU) Bias() (accel, gyro r3.Vector) {
	return m.accelBias, m.gyroBias
}

// Update reads one sample and advances the filter. speed is the current
// ground speed in km/h and selects the gyroscope weight.
func (m *IMU) Update(ctx context.Context, speed float64) (Reading, error) {
	if !m.calibrated {
		return Reading{}, ErrNotCalibrated
	}

	r, err := m.readRaw(ctx)
	if err != nil {
		return Reading{}, err
	}

	now := m.now()
	if m.last.IsZero() {
		m.last = now
	}
	dt := now.Sub(m.last).Seconds()
	m.last = now

	accel := r.accel.Sub(m.accelBias).Mul(1 / m.accelScale)
	gyro := r.gyro.Sub(m.gyroBias).Mul(1 / m.gyroScale)

	m.angles = Blend(m.angles, accel, gyro, dt, GyroWeight(speed))

	return Reading{
		Angles:      m.angles,
		Temperature: float64(r.temp)/340 + 36.53,
	}, nil
}

// Angles returns the latest orientation estimate
func (m *IMU) Angles() Angles {
	return m.angles
}

func (m *IMU) readRaw(ctx context.Context) (raw, error) {
	var b [sampleBlockLen]byte
	if err := m.shared.Do(ctx, func() error {
		return m.regs.ReadBlock(regAccelXoutH, b[:])
	}); err != nil {
		return raw{}, err
	}

	word := func(i int) float64 {
		return float64(int16(uint16(b[i])<<8 | uint16(b[i+1])))
	}

	return raw{
		accel: r3.Vector{X: word(0), Y: word(2), Z: word(4)},
		temp:  int16(uint16(b[6])<<8 | uint16(b[7])),
		gyro:  r3.Vector{X: word(8), Y: word(10), Z: word(12)},
	}, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func degrees(rad float64) float64 {
	return rad * 180 / math.Pi
}
