package mag

import (
	"context"
	"fmt"

	"github.com/roman-kulish/rover-control/internal/bus"
)

// HMC5883LAddress is the fixed address of the HMC5883L
const HMC5883LAddress = 0x1E

const (
	hmcRegConfA  = 0x00
	hmcRegConfB  = 0x01
	hmcRegMode   = 0x02
	hmcRegDataX  = 0x03 // X, Z, Y big-endian
	hmcRegStatus = 0x09

	hmcConfA = 0x10 // 1 sample averaged, 15 Hz, normal bias
	hmcConfB = 0x20 // ±1.3 Ga
	hmcMode  = 0x00 // continuous measurement

	hmcOverflow = -4096
)

var hmcFieldReady = bus.Field{Reg: hmcRegStatus, Bit: 0, Len: 1}

// HMC5883L is a Honeywell 3-axis magnetometer
type HMC5883L struct {
	shared *bus.Shared
	regs   *bus.Registers
}

func NewHMC5883L(shared *bus.Shared) *HMC5883L {
	return &HMC5883L{shared: shared, regs: shared.Device(HMC5883LAddress)}
}

func (h *HMC5883L) String() string {
	return "hmc5883l"
}

func (h *HMC5883L) Init(ctx context.Context) error {
	return h.shared.Do(ctx, func() error {
		for _, w := range [][2]uint8{{hmcRegConfA, hmcConfA}, {hmcRegConfB, hmcConfB}, {hmcRegMode, hmcMode}} {
			if err := h.regs.Write8(w[0], w[1]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (h *HMC5883L) ReadRaw(ctx context.Context) (Raw, error) {
	var b [6]byte
	if err := h.shared.Do(ctx, func() error {
		return h.regs.ReadBlock(hmcRegDataX, b[:])
	}); err != nil {
		return Raw{}, err
	}

	raw := Raw{
		X: int16(uint16(b[0])<<8 | uint16(b[1])),
		Z: int16(uint16(b[2])<<8 | uint16(b[3])),
		Y: int16(uint16(b[4])<<8 | uint16(b[5])),
	}
	if raw.X == hmcOverflow || raw.Y == hmcOverflow || raw.Z == hmcOverflow {
		return raw, fmt.Errorf("%s: %w", h.String(), ErrOverflow)
	}

	return raw, nil
}

func (h *HMC5883L) Status(ctx context.Context) (Status, error) {
	var ready uint8
	err := h.shared.Do(ctx, func() (err error) {
		ready, err = h.regs.ReadField(hmcFieldReady)
		return
	})

	return Status{Ready: ready == 1}, err
}
