package analog

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/roman-kulish/rover-control/internal/bus"
	"github.com/roman-kulish/rover-control/internal/bus/bustest"
)

func TestVolts(t *testing.T) {
	tests := []struct {
		raw  uint16
		gain float64
		want float64
	}{
		{0, 1, 0},
		{99, 1, 0},
		{100, 1, 0.0125},
		{8000, 1, 1},
		{8000, 4, 4},
		{65500, 1, -0.0045},
		{65501, 1, 0},
		{0xFFFF, 1, 0},
	}

	for _, tt := range tests {
		if got := Volts(tt.raw, tt.gain); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("Volts(%d, %v) = %v, want %v", tt.raw, tt.gain, got, tt.want)
		}
	}
}

func newTestBattery(t *testing.T, options ...func(*Battery)) (*Battery, *bustest.Device) {
	t.Helper()

	fake := bustest.NewBus()
	dev := fake.Add(DefaultAddress)
	dev.Words = true

	return New(bus.NewShared(fake), options...), dev
}

func TestBattery_Init(t *testing.T) {
	b, dev := newTestBattery(t)

	if err := b.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	if got := dev.Word(regLoThresh); got != 0x8000 {
		t.Errorf("LO_THRESH = %04X, want 8000", got)
	}
	if got := dev.Word(regHiThresh); got != 0x7FFF {
		t.Errorf("HI_THRESH = %04X, want 7FFF", got)
	}

	cfg := dev.Word(regConfig)
	if mode := cfg >> 8 & 1; mode != modeSingle {
		t.Errorf("MODE = %d, want single-shot", mode)
	}
	if dr := cfg >> 5 & 0b111; dr != dataRate128 {
		t.Errorf("DR = %03b, want %03b", dr, dataRate128)
	}
}

func TestBattery_Read(t *testing.T) {
	b, dev := newTestBattery(t, WithGain(3))
	dev.OnWordWrite = func(d *bustest.Device, reg uint8, v uint16) {
		if reg == regConfig && v&0x8000 != 0 {
			d.SetWordUnlocked(regConversion, 0x6400)
		}
	}
	ctx := context.Background()

	if err := b.Init(ctx); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	got, err := b.Read(ctx)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if math.Abs(got-9.6) > 1e-9 {
		t.Errorf("Read() = %v, want 9.6", got)
	}

	cfg := dev.Word(regConfig)
	if mux := cfg >> 12 & 0b111; mux != muxAIN0AIN1 {
		t.Errorf("MUX = %03b, want %03b", mux, muxAIN0AIN1)
	}
	if pga := cfg >> 9 & 0b111; pga != pga4096 {
		t.Errorf("PGA = %03b, want %03b", pga, pga4096)
	}
}

func TestBattery_SingleConfigWriteStartsConversion(t *testing.T) {
	b, dev := newTestBattery(t)

	var configs []uint16
	dev.OnWordWrite = func(d *bustest.Device, reg uint8, v uint16) {
		if reg == regConfig {
			configs = append(configs, v)
		}
	}
	ctx := context.Background()

	// a stale config from an earlier session with another channel and gain
	dev.SetWord(regConfig, 0x8000|0b111<<12|0b000<<9)

	if err := b.Init(ctx); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	for i, v := range configs {
		if v&0x8000 != 0 {
			t.Errorf("Init() config write %d = %04X starts a conversion", i, v)
		}
	}

	configs = nil
	if _, err := b.Read(ctx); err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	if len(configs) != 1 {
		t.Fatalf("Read() made %d config writes %04X, want 1", len(configs), configs)
	}
	if want := uint16(0x8383); configs[0] != want {
		t.Errorf("config = %04X, want %04X", configs[0], want)
	}
}

func TestBattery_ReadTimeout(t *testing.T) {
	b, dev := newTestBattery(t)
	dev.OnWordWrite = func(d *bustest.Device, reg uint8, v uint16) {
		if reg == regConfig {
			d.SetWordUnlocked(regConfig, v&^0x8000) // conversion never finishes
		}
	}

	if _, err := b.Read(context.Background()); !errors.Is(err, ErrConversionTimeout) {
		t.Errorf("Read() error = %v, want ErrConversionTimeout", err)
	}
}

func TestBattery_ReadBusError(t *testing.T) {
	b, dev := newTestBattery(t)
	dev.SetErr(errors.New("nack"))

	_, err := b.Read(context.Background())

	var busErr *bus.Error
	if !errors.As(err, &busErr) {
		t.Errorf("Read() error = %v, want *bus.Error", err)
	}
}
