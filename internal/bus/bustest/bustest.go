// Package bustest provides an in-memory I²C bus made of register files for
// driver tests.
package bustest

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/physic"
)

// ErrNoDevice is returned for transactions to an address with no device
var ErrNoDevice = errors.New("no device at address")

// Device is a 256 byte register file with an auto-incrementing pointer.
type Device struct {
	mu   sync.Mutex
	regs [256]byte

	// OnWrite, when set, is called after each register write with the new value.
	OnWrite func(d *Device, reg uint8, v byte)
	// Err, when set, fails every transaction to this device.
	Err error
	// Delay is slept inside every transaction.
	Delay time.Duration

	// Words switches the device to 16-bit registers without pointer
	// auto-increment, like the ADS1115.
	Words       bool
	words       [256]uint16
	OnWordWrite func(d *Device, reg uint8, v uint16)

	writes []Write
}

// Write records a single register write
type Write struct {
	Reg uint8
	Val byte
}

func (d *Device) Set(reg uint8, vals ...byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, v := range vals {
		d.regs[reg+uint8(i)] = v
	}
}

// SetUnlocked sets registers from inside an OnWrite hook
func (d *Device) SetUnlocked(reg uint8, vals ...byte) {
	for i, v := range vals {
		d.regs[reg+uint8(i)] = v
	}
}

// Get returns a register value
func (d *Device) Get(reg uint8) byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.regs[reg]
}

// SetWord sets a 16-bit register of a Words device
func (d *Device) SetWord(reg uint8, v uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.words[reg] = v
}

// SetWordUnlocked sets a 16-bit register from inside an OnWordWrite hook
func (d *Device) SetWordUnlocked(reg uint8, v uint16) {
	d.words[reg] = v
}

// Word returns a 16-bit register of a Words device
func (d *Device) Word(reg uint8) uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.words[reg]
}

// Writes returns every register write seen so far, in order
func (d *Device) Writes() []Write {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]Write(nil), d.writes...)
}

func (d *Device) SetErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.Err = err
}

func (d *Device) tx(w, r []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.Err != nil {
		return d.Err
	}
	if d.Delay > 0 {
		time.Sleep(d.Delay)
	}
	if len(w) == 0 {
		return nil
	}

	ptr := w[0]
	if d.Words {
		return d.wordTx(ptr, w[1:], r)
	}
	for _, v := range w[1:] {
		d.regs[ptr] = v
		d.writes = append(d.writes, Write{Reg: ptr, Val: v})
		if d.OnWrite != nil {
			d.OnWrite(d, ptr, v)
		}
		ptr++
	}
	for i := range r {
		r[i] = d.regs[ptr]
		ptr++
	}

	return nil
}

func (d *Device) wordTx(ptr uint8, w, r []byte) error {
	if len(w) == 2 {
		v := uint16(w[0])<<8 | uint16(w[1])
		d.words[ptr] = v
		d.writes = append(d.writes, Write{Reg: ptr, Val: w[0]}, Write{Reg: ptr, Val: w[1]})
		if d.OnWordWrite != nil {
			d.OnWordWrite(d, ptr, v)
		}
	} else if len(w) != 0 {
		return fmt.Errorf("partial word write to 0x%02X", ptr)
	}
	if len(r) >= 2 {
		r[0], r[1] = byte(d.words[ptr]>>8), byte(d.words[ptr])
	}
	return nil
}

// Bus implements i2c.Bus over a set of fake devices. It tracks how many
// transactions overlap so tests can verify bus locking.
type Bus struct {
	mu      sync.Mutex
	devices map[uint16]*Device

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	count       atomic.Int64
}

func NewBus() *Bus {
	return &Bus{devices: make(map[uint16]*Device)}
}

// Add registers a device at addr and returns it
func (b *Bus) Add(addr uint16) *Device {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := &Device{}
	b.devices[addr] = d
	return d
}

func (b *Bus) String() string {
	return "bustest"
}

func (b *Bus) Tx(addr uint16, w, r []byte) error {
	n := b.inFlight.Add(1)
	defer b.inFlight.Add(-1)
	for {
		m := b.maxInFlight.Load()
		if n <= m || b.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}
	b.count.Add(1)

	b.mu.Lock()
	d, ok := b.devices[addr]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: 0x%02X", ErrNoDevice, addr)
	}

	return d.tx(w, r)
}

func (b *Bus) SetSpeed(physic.Frequency) error {
	return nil
}

// MaxInFlight returns the largest number of overlapping transactions seen
func (b *Bus) MaxInFlight() int32 {
	return b.maxInFlight.Load()
}

// Count returns the number of transactions seen
func (b *Bus) Count() int64 {
	return b.count.Load()
}

// Conn is a conn.Conn bound to one fake device, for tests that bypass a bus.
type Conn struct {
	Dev *Device
}

func (c *Conn) String() string {
	return "bustest.Conn"
}

func (c *Conn) Tx(w, r []byte) error {
	return c.Dev.tx(w, r)
}

func (c *Conn) Duplex() conn.Duplex {
	return conn.Half
}
