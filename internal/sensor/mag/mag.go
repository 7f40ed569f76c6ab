package mag

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync/atomic"

	"github.com/golang/geo/r3"
	"github.com/skelterjohn/go.matrix"
)

// DefaultDeclination is the magnetic declination in degrees used until a GPS
// derived value is available
const DefaultDeclination = 2.44

var (
	// ErrNotReady is returned when the chip has no new measurement
	ErrNotReady = errors.New("magnetometer data not ready")

	// ErrOverflow is returned when an axis saturated
	ErrOverflow = errors.New("magnetometer axis overflow")
)

// Raw holds the uncorrected axis counts
type Raw struct {
	X, Y, Z int16
}

// Status is the chip data status
type Status struct {
	Ready    bool
	Overflow bool
	Skipped  bool // a measurement was overwritten before being read
}

// Sensor is a magnetometer chip. Implementations borrow the shared bus for
// each call.
type Sensor interface {
	Init(ctx context.Context) error
	ReadRaw(ctx context.Context) (Raw, error)
	Status(ctx context.Context) (Status, error)
	String() string
}

// Calibration corrects raw axes for hard-iron offset and soft-iron
// distortion. It is immutable once created.
type Calibration struct {
	Hard r3.Vector
	Soft *matrix.DenseMatrix
}

// NewCalibration builds a calibration from a hard-iron offset and a row-major
// soft-iron matrix
func NewCalibration(hard [3]float64, soft [3][3]float64) Calibration {
	rows := make([][]float64, 3)
	for i := range soft {
		rows[i] = soft[i][:]
	}

	return Calibration{
		Hard: r3.Vector{X: hard[0], Y: hard[1], Z: hard[2]},
		Soft: matrix.MakeDenseMatrixStacked(rows),
	}
}

// Apply returns the corrected vector (raw - hard) · soft, raw taken as a row vector
func (c Calibration) Apply(raw Raw) r3.Vector {
	v := r3.Vector{X: float64(raw.X), Y: float64(raw.Y), Z: float64(raw.Z)}.Sub(c.Hard)
	if c.Soft == nil {
		return v
	}

	p := matrix.Product(matrix.MakeDenseMatrix([]float64{v.X, v.Y, v.Z}, 1, 3), c.Soft)
	return r3.Vector{X: p.Get(0, 0), Y: p.Get(0, 1), Z: p.Get(0, 2)}
}

// Heading returns the compass heading in [0, 360) degrees of a corrected vector
func Heading(v r3.Vector, declination float64) float64 {
	h := -(math.Atan2(v.X, v.Y)*180/math.Pi + declination)
	h = math.Mod(h, 360)
	if h < 0 {
		h += 360
	}
	if h >= 360 {
		h -= 360
	}
	return h
}

// Reading is a single compass measurement
type Reading struct {
	Raw     Raw
	Heading float64
}

// WithDeclination sets the initial magnetic declination in degrees
func WithDeclination(d float64) func(*Compass) {
	return func(c *Compass) {
		c.declination.Store(math.Float64bits(d))
	}
}

// WithLogger sets the logger for the compass
func WithLogger(logger *slog.Logger) func(*Compass) {
	return func(c *Compass) {
		c.logger = logger.With(slog.String("sensor", c.sensor.String()))
	}
}

// Compass derives a heading from a magnetometer chip. The declination is fed
// back from GPS and may be updated from another goroutine.
type Compass struct {
	sensor      Sensor
	cal         Calibration
	declination atomic.Uint64

	logger *slog.Logger
}

// NewCompass creates a compass with the default declination and a discard logger
func NewCompass(sensor Sensor, cal Calibration, options ...func(*Compass)) *Compass {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil)) // nil logger

	c := Compass{
		sensor: sensor,
		cal:    cal,
		logger: logger,
	}
	c.declination.Store(math.Float64bits(DefaultDeclination))

	for _, option := range options {
		option(&c)
	}

	return &c
}

// Init initializes the underlying chip
func (c *Compass) Init(ctx context.Context) error {
	if err := c.sensor.Init(ctx); err != nil {
		return fmt.Errorf("initializing %s: %w", c.sensor.String(), err)
	}

	c.logger.Info("magnetometer initialized", slog.Float64("declination", c.Declination()))
	return nil
}

// SetDeclination updates the declination. Zero means "unknown" and is ignored.
func (c *Compass) SetDeclination(d float64) {
	if d == 0 || math.IsNaN(d) {
		return
	}

	if old := math.Float64frombits(c.declination.Swap(math.Float64bits(d))); old != d {
		c.logger.Debug("declination updated", slog.Float64("declination", d))
	}
}

func (c *Compass) Declination() float64 {
	return math.Float64frombits(c.declination.Load())
}

// Read measures the raw axes and computes the corrected heading
func (c *Compass) Read(ctx context.Context) (Reading, error) {
	raw, err := c.sensor.ReadRaw(ctx)
	if err != nil {
		return Reading{}, err
	}

	return Reading{
		Raw:     raw,
		Heading: Heading(c.cal.Apply(raw), c.Declination()),
	}, nil
}
