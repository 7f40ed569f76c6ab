package analog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roman-kulish/rover-control/internal/bus"
)

// DefaultAddress is the ADS1115 address with ADDR tied to ground
const DefaultAddress = 0x48

const (
	regConversion = 0x00
	regConfig     = 0x01
	regLoThresh   = 0x02
	regHiThresh   = 0x03
)

var (
	fieldOS   = bus.Field{Reg: regConfig, Bit: 15, Len: 1}
	fieldMux  = bus.Field{Reg: regConfig, Bit: 12, Len: 3}
	fieldPGA  = bus.Field{Reg: regConfig, Bit: 9, Len: 3}
	fieldMode = bus.Field{Reg: regConfig, Bit: 8, Len: 1}
	fieldDR   = bus.Field{Reg: regConfig, Bit: 5, Len: 3}
	fieldQue  = bus.Field{Reg: regConfig, Bit: 0, Len: 2}
)

const (
	muxAIN0AIN1  = 0b000
	pga4096      = 0b001
	modeSingle   = 1
	dataRate128  = 0b100
	queDisable   = 0b11
	fullScale    = 4.096
	maxPolls     = 50
	pollInterval = 2 * time.Millisecond

	// readings outside of this window are treated as a disconnected input
	rawHigh = 65500
	rawLow  = 100
)

// ErrConversionTimeout is returned when the ADC never reports a finished conversion
var ErrConversionTimeout = errors.New("adc conversion timeout")

// WithAddress sets the device address on the bus
func WithAddress(addr uint16) func(*Battery) {
	return func(b *Battery) {
		b.addr = addr
	}
}

// WithGain sets the voltage divider ratio between the battery and the ADC input
func WithGain(gain float64) func(*Battery) {
	return func(b *Battery) {
		b.gain = gain
	}
}

// WithLogger sets the logger for the battery monitor
func WithLogger(logger *slog.Logger) func(*Battery) {
	return func(b *Battery) {
		b.logger = logger.With(slog.String("sensor", "ads1115"))
	}
}

// Battery measures the battery voltage through a single ended ADS1115 channel
// pair in single-shot mode.
type Battery struct {
	shared *bus.Shared
	regs   *bus.Registers
	addr   uint16
	gain   float64

	logger *slog.Logger
}

func New(shared *bus.Shared, options ...func(*Battery)) *Battery {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil)) // nil logger

	b := Battery{
		shared: shared,
		addr:   DefaultAddress,
		gain:   1.0,
		logger: logger,
	}

	for _, option := range options {
		option(&b)
	}

	b.regs = shared.Device(b.addr)
	return &b
}

// configWord is the full config register for a single-shot AIN0-AIN1
// conversion at ±4.096 V and 128 SPS with the comparator disabled. Setting
// OS starts the conversion.
func configWord(start bool) uint16 {
	w := fieldMux.Encode(muxAIN0AIN1) |
		fieldPGA.Encode(pga4096) |
		fieldMode.Encode(modeSingle) |
		fieldDR.Encode(dataRate128) |
		fieldQue.Encode(queDisable)
	if start {
		w |= fieldOS.Encode(1)
	}
	return w
}

// Init restores the comparator thresholds and selects single-shot
// conversions at 128 samples per second without starting one
func (b *Battery) Init(ctx context.Context) error {
	err := b.shared.Do(ctx, func() error {
		for _, w := range []struct {
			reg uint8
			val uint16
		}{
			{regConfig, configWord(false)},
			{regLoThresh, 0x8000},
			{regHiThresh, 0x7FFF},
		} {
			if err := b.regs.Write16(w.reg, w.val); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("initializing ads1115: %w", err)
	}

	b.logger.Info("adc initialized", slog.Float64("gain", b.gain))
	return nil
}

// Read runs one conversion and returns the battery voltage. The channel,
// gain and start bit go out in a single config write.
func (b *Battery) Read(ctx context.Context) (float64, error) {
	err := b.shared.Do(ctx, func() error {
		return b.regs.Write16(regConfig, configWord(true))
	})
	if err != nil {
		return 0, fmt.Errorf("starting conversion: %w", err)
	}

	for i := 0; ; i++ {
		var done uint16
		if err = b.shared.Do(ctx, func() (err error) {
			done, err = b.regs.ReadField16(fieldOS)
			return
		}); err != nil {
			return 0, fmt.Errorf("polling conversion: %w", err)
		}
		if done == 1 {
			break
		}
		if i >= maxPolls {
			return 0, ErrConversionTimeout
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(pollInterval):
		}
	}

	var raw uint16
	if err = b.shared.Do(ctx, func() (err error) {
		raw, err = b.regs.Read16(regConversion)
		return
	}); err != nil {
		return 0, fmt.Errorf("reading conversion: %w", err)
	}

	return Volts(raw, b.gain), nil
}

// Volts converts a raw conversion result at ±4.096 V full scale
func Volts(raw uint16, gain float64) float64 {
	if raw > rawHigh || raw < rawLow {
		return 0
	}

	lsb := fullScale * 2 / 65536
	return float64(int16(raw)) * lsb * gain
}
