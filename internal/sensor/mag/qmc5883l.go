package mag

import (
	"context"
	"fmt"

	"github.com/roman-kulish/rover-control/internal/bus"
)

// QMC5883LAddress is the fixed address of the QMC5883L
const QMC5883LAddress = 0x0D

const (
	qmcRegDataX    = 0x00 // X, Y, Z little-endian
	qmcRegStatus   = 0x06
	qmcRegSettings = 0x09
	qmcRegSetReset = 0x0B
	qmcRegChipID   = 0x0D

	qmcChipID = 0xFF
)

var (
	qmcFieldReady    = bus.Field{Reg: qmcRegStatus, Bit: 0, Len: 1}
	qmcFieldOverflow = bus.Field{Reg: qmcRegStatus, Bit: 1, Len: 1}
	qmcFieldSkipped  = bus.Field{Reg: qmcRegStatus, Bit: 2, Len: 1}

	qmcFieldMode = bus.Field{Reg: qmcRegSettings, Bit: 0, Len: 2}
	qmcFieldODR  = bus.Field{Reg: qmcRegSettings, Bit: 2, Len: 2}
	qmcFieldRng  = bus.Field{Reg: qmcRegSettings, Bit: 4, Len: 2}
	qmcFieldOSR  = bus.Field{Reg: qmcRegSettings, Bit: 6, Len: 2}
)

const (
	qmcModeContinuous = 0b01
	qmcODR200Hz       = 0b11
	qmcRange8G        = 0b01
	qmcOSR512         = 0b00
)

// QMC5883L is the QST clone of the HMC5883L with a different register map
type QMC5883L struct {
	shared *bus.Shared
	regs   *bus.Registers
}

func NewQMC5883L(shared *bus.Shared) *QMC5883L {
	return &QMC5883L{shared: shared, regs: shared.Device(QMC5883LAddress)}
}

func (q *QMC5883L) String() string {
	return "qmc5883l"
}

func (q *QMC5883L) Init(ctx context.Context) error {
	return q.shared.Do(ctx, func() error {
		id, err := q.regs.Read8(qmcRegChipID)
		if err != nil {
			return err
		}
		if id != qmcChipID {
			return fmt.Errorf("unexpected chip id 0x%02X", id)
		}

		if err = q.regs.Write8(qmcRegSetReset, 0x01); err != nil {
			return err
		}

		for _, s := range []struct {
			field bus.Field
			value uint8
		}{
			{qmcFieldOSR, qmcOSR512},
			{qmcFieldRng, qmcRange8G},
			{qmcFieldODR, qmcODR200Hz},
			{qmcFieldMode, qmcModeContinuous},
		} {
			if err = q.regs.WriteField(s.field, s.value); err != nil {
				return err
			}
		}
		return nil
	})
}

func (q *QMC5883L) ReadRaw(ctx context.Context) (Raw, error) {
	var b [6]byte
	var st Status
	if err := q.shared.Do(ctx, func() (err error) {
		if st, err = q.status(); err != nil {
			return
		}
		if !st.Ready {
			return fmt.Errorf("%s: %w", q.String(), ErrNotReady)
		}
		return q.regs.ReadBlock(qmcRegDataX, b[:])
	}); err != nil {
		return Raw{}, err
	}

	raw := Raw{
		X: int16(uint16(b[1])<<8 | uint16(b[0])),
		Y: int16(uint16(b[3])<<8 | uint16(b[2])),
		Z: int16(uint16(b[5])<<8 | uint16(b[4])),
	}
	if st.Overflow {
		return raw, fmt.Errorf("%s: %w", q.String(), ErrOverflow)
	}

	return raw, nil
}

func (q *QMC5883L) Status(ctx context.Context) (st Status, err error) {
	err = q.shared.Do(ctx, func() (err error) {
		st, err = q.status()
		return
	})
	return
}

func (q *QMC5883L) status() (Status, error) {
	v, err := q.regs.Read8(qmcRegStatus)
	if err != nil {
		return Status{}, err
	}

	bit := func(f bus.Field) bool {
		return v&(1<<f.Bit) != 0
	}

	return Status{
		Ready:    bit(qmcFieldReady),
		Overflow: bit(qmcFieldOverflow),
		Skipped:  bit(qmcFieldSkipped),
	}, nil
}
