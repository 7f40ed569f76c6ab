package bus_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/roman-kulish/rover-control/internal/bus"
	"github.com/roman-kulish/rover-control/internal/bus/bustest"
)

func newRegisters() (*bus.Registers, *bustest.Device) {
	dev := &bustest.Device{}
	return bus.NewRegisters(&bustest.Conn{Dev: dev}), dev
}

func TestRegisters_Word(t *testing.T) {
	regs, dev := newRegisters()

	if err := regs.Write16(0x10, 0xBEEF); err != nil {
		t.Fatalf("Write16() error = %v", err)
	}
	if hi, lo := dev.Get(0x10), dev.Get(0x11); hi != 0xBE || lo != 0xEF {
		t.Errorf("Write16() stored %02X %02X, want BE EF", hi, lo)
	}

	got, err := regs.Read16(0x10)
	if err != nil {
		t.Fatalf("Read16() error = %v", err)
	}
	if got != 0xBEEF {
		t.Errorf("Read16() = %04X, want BEEF", got)
	}
}

func TestRegisters_FieldRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		field bus.Field
		init  uint8
		value uint8
		want  uint8
	}{
		{"low nibble", bus.Field{Reg: 0x01, Bit: 0, Len: 4}, 0xF0, 0x0A, 0xFA},
		{"middle bits", bus.Field{Reg: 0x01, Bit: 3, Len: 3}, 0xFF, 0x02, 0xD7},
		{"single bit clear", bus.Field{Reg: 0x01, Bit: 7, Len: 1}, 0xFF, 0x00, 0x7F},
		{"full byte", bus.Field{Reg: 0x01, Bit: 0, Len: 8}, 0x00, 0xA5, 0xA5},
		{"value wider than field is masked", bus.Field{Reg: 0x01, Bit: 2, Len: 2}, 0x00, 0x07, 0x0C},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			regs, dev := newRegisters()
			dev.Set(tt.field.Reg, tt.init)

			if err := regs.WriteField(tt.field, tt.value); err != nil {
				t.Fatalf("WriteField() error = %v", err)
			}
			if got := dev.Get(tt.field.Reg); got != tt.want {
				t.Errorf("register = %08b, want %08b", got, tt.want)
			}

			got, err := regs.ReadField(tt.field)
			if err != nil {
				t.Fatalf("ReadField() error = %v", err)
			}
			if want := tt.value & uint8((1<<tt.field.Len)-1); got != want {
				t.Errorf("ReadField() = %d, want %d", got, want)
			}
		})
	}
}

func TestRegisters_Field16RoundTrip(t *testing.T) {
	regs, dev := newRegisters()
	dev.Set(0x01, 0x85, 0x83)

	mux := bus.Field{Reg: 0x01, Bit: 12, Len: 3}
	if err := regs.WriteField16(mux, 0b101); err != nil {
		t.Fatalf("WriteField16() error = %v", err)
	}

	got, err := regs.ReadField16(mux)
	if err != nil {
		t.Fatalf("ReadField16() error = %v", err)
	}
	if got != 0b101 {
		t.Errorf("ReadField16() = %03b, want 101", got)
	}

	word, _ := regs.Read16(0x01)
	if word&^0x7000 != 0x8583&^0x7000 {
		t.Errorf("bits outside the field changed: %016b", word)
	}
}

func TestRegisters_Bits(t *testing.T) {
	regs, dev := newRegisters()
	dev.Set(0x6B, 0x40)

	if err := regs.WriteBit(0x6B, 6, false); err != nil {
		t.Fatalf("WriteBit() error = %v", err)
	}
	if got := dev.Get(0x6B); got != 0x00 {
		t.Errorf("register = %02X, want 00", got)
	}

	if err := regs.WriteBit16(0x20, 15, true); err != nil {
		t.Fatalf("WriteBit16() error = %v", err)
	}
	set, err := regs.ReadBit16(0x20, 15)
	if err != nil {
		t.Fatalf("ReadBit16() error = %v", err)
	}
	if !set {
		t.Error("ReadBit16() = false, want true")
	}
}

func TestField_Encode(t *testing.T) {
	tests := []struct {
		f    bus.Field
		v    uint16
		want uint16
	}{
		{bus.Field{Bit: 15, Len: 1}, 1, 0x8000},
		{bus.Field{Bit: 12, Len: 3}, 0b101, 0x5000},
		{bus.Field{Bit: 9, Len: 3}, 0b1001, 0x0200},
		{bus.Field{Bit: 0, Len: 2}, 0b11, 0x0003},
	}

	for _, tt := range tests {
		if got := tt.f.Encode(tt.v); got != tt.want {
			t.Errorf("%+v.Encode(%b) = %04X, want %04X", tt.f, tt.v, got, tt.want)
		}
	}
}

func TestRegisters_FieldRange(t *testing.T) {
	regs, _ := newRegisters()

	if _, err := regs.ReadField(bus.Field{Reg: 0, Bit: 6, Len: 3}); !errors.Is(err, bus.ErrFieldRange) {
		t.Errorf("ReadField() error = %v, want ErrFieldRange", err)
	}
	if err := regs.WriteField16(bus.Field{Reg: 0, Bit: 0, Len: 0}, 1); !errors.Is(err, bus.ErrFieldRange) {
		t.Errorf("WriteField16() error = %v, want ErrFieldRange", err)
	}
}

func TestRegisters_Error(t *testing.T) {
	regs, dev := newRegisters()
	ioErr := errors.New("nack")
	dev.SetErr(ioErr)

	_, err := regs.Read8(0x3B)

	var busErr *bus.Error
	if !errors.As(err, &busErr) {
		t.Fatalf("Read8() error = %v, want *bus.Error", err)
	}
	if busErr.Reg != 0x3B || !errors.Is(err, ioErr) {
		t.Errorf("Read8() error = %v", err)
	}
}

func TestShared_Do(t *testing.T) {
	fake := bustest.NewBus()
	fake.Add(0x1E)
	fake.Add(0x68)
	shared := bus.NewShared(fake)

	ctx := context.Background()
	var wg sync.WaitGroup
	for _, addr := range []uint16{0x1E, 0x68} {
		regs := shared.Device(addr)

		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = shared.Do(ctx, func() error {
					return regs.WriteField(bus.Field{Reg: 0x02, Bit: 1, Len: 2}, uint8(i))
				})
			}
		}()
	}
	wg.Wait()

	if got := fake.MaxInFlight(); got != 1 {
		t.Errorf("overlapping transactions = %d, want 1", got)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()

	called := false
	err := shared.Do(cancelled, func() error {
		called = true
		return nil
	})
	if !errors.Is(err, context.Canceled) || called {
		t.Errorf("Do() on cancelled context: err = %v, called = %v", err, called)
	}
}
