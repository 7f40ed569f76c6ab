package bus

import (
	"errors"
	"fmt"

	"periph.io/x/conn/v3"
)

// ErrFieldRange is returned when a bit-field does not fit into its register
var ErrFieldRange = errors.New("bit-field out of register range")

// Error describes a failed bus transaction
type Error struct {
	Op  string
	Reg uint8
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("bus %s 0x%02X: %s", e.Op, e.Reg, e.Err.Error())
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Field addresses a contiguous run of bits within a register. Bit is the
// offset of the least significant bit of the field.
type Field struct {
	Reg uint8
	Bit uint8
	Len uint8
}

// Validate checks that the field fits a register of the given width in bits.
func (f Field) Validate(width uint8) error {
	if f.Len == 0 || f.Bit+f.Len > width {
		return fmt.Errorf("%w: reg 0x%02X bit %d len %d width %d", ErrFieldRange, f.Reg, f.Bit, f.Len, width)
	}
	return nil
}

// Encode shifts v into the field's position, dropping bits that do not fit
func (f Field) Encode(v uint16) uint16 {
	return v << f.Bit & f.mask()
}

func (f Field) mask() uint16 {
	return uint16((1<<f.Len)-1) << f.Bit
}

// Registers provides register level access to a single device on the bus.
// Read-modify-write helpers are not atomic: the caller holds the shared bus
// lock for the whole sequence.
type Registers struct {
	c conn.Conn
}

// NewRegisters wraps a connection to a single device
func NewRegisters(c conn.Conn) *Registers {
	return &Registers{c: c}
}

func (r *Registers) String() string {
	return r.c.String()
}

// ReadBlock reads len(p) consecutive bytes starting at reg
func (r *Registers) ReadBlock(reg uint8, p []byte) error {
	if err := r.c.Tx([]byte{reg}, p); err != nil {
		return &Error{Op: "read", Reg: reg, Err: err}
	}
	return nil
}

// Read8 reads a single byte register
func (r *Registers) Read8(reg uint8) (uint8, error) {
	var b [1]byte
	if err := r.ReadBlock(reg, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// Write8 writes a single byte register
func (r *Registers) Write8(reg, v uint8) error {
	if err := r.c.Tx([]byte{reg, v}, nil); err != nil {
		return &Error{Op: "write", Reg: reg, Err: err}
	}
	return nil
}

// Read16 reads a big-endian 16-bit register
func (r *Registers) Read16(reg uint8) (uint16, error) {
	var b [2]byte
	if err := r.ReadBlock(reg, b[:]); err != nil {
		return 0, err
	}
	return uint16(b[0])<<8 | uint16(b[1]), nil
}

// Write16 writes a big-endian 16-bit register
func (r *Registers) Write16(reg uint8, v uint16) error {
	if err := r.c.Tx([]byte{reg, byte(v >> 8), byte(v)}, nil); err != nil {
		return &Error{Op: "write", Reg: reg, Err: err}
	}
	return nil
}

// ReadField reads a bit-field of an 8-bit register, shifted down to bit 0
func (r *Registers) ReadField(f Field) (uint8, error) {
	if err := f.Validate(8); err != nil {
		return 0, err
	}
	v, err := r.Read8(f.Reg)
	if err != nil {
		return 0, err
	}
	return uint8((uint16(v) & f.mask()) >> f.Bit), nil
}

// WriteField replaces a bit-field of an 8-bit register, preserving the other bits
func (r *Registers) WriteField(f Field, v uint8) error {
	if err := f.Validate(8); err != nil {
		return err
	}
	cur, err := r.Read8(f.Reg)
	if err != nil {
		return err
	}
	m := f.mask()
	return r.Write8(f.Reg, uint8((uint16(cur)&^m)|((uint16(v)<<f.Bit)&m)))
}

// ReadField16 reads a bit-field of a 16-bit register, shifted down to bit 0
func (r *Registers) ReadField16(f Field) (uint16, error) {
	if err := f.Validate(16); err != nil {
		return 0, err
	}
	v, err := r.Read16(f.Reg)
	if err != nil {
		return 0, err
	}
	return (v & f.mask()) >> f.Bit, nil
}

// WriteField16 replaces a bit-field of a 16-bit register, preserving the other bits
func (r *Registers) WriteField16(f Field, v uint16) error {
	if err := f.Validate(16); err != nil {
		return err
	}
	cur, err := r.Read16(f.Reg)
	if err != nil {
		return err
	}
	m := f.mask()
	return r.Write16(f.Reg, (cur&^m)|((v<<f.Bit)&m))
}

func (r *Registers) ReadBit(reg, bit uint8) (bool, error) {
	v, err := r.ReadField(Field{Reg: reg, Bit: bit, Len: 1})
	return v == 1, err
}

func (r *Registers) WriteBit(reg, bit uint8, set bool) error {
	return r.WriteField(Field{Reg: reg, Bit: bit, Len: 1}, boolToBit(set))
}

func (r *Registers) ReadBit16(reg, bit uint8) (bool, error) {
	v, err := r.ReadField16(Field{Reg: reg, Bit: bit, Len: 1})
	return v == 1, err
}

func (r *Registers) WriteBit16(reg, bit uint8, set bool) error {
	return r.WriteField16(Field{Reg: reg, Bit: bit, Len: 1}, uint16(boolToBit(set)))
}

func boolToBit(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
