package bus

import (
	"context"
	"fmt"
	"io"
	"sync"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
)

// Shared is the single physical two-wire bus used by several sensors. The
// lock is held for one transaction sequence only, never across polling
// iterations.
type Shared struct {
	mu  sync.Mutex
	bus i2c.Bus

	closer    io.Closer
	closeOnce sync.Once
	closeErr  error
}

// Open opens the named I²C bus from the host registry. An empty name selects
// the first available bus.
func Open(name string) (*Shared, error) {
	b, err := i2creg.Open(name)
	if err != nil {
		return nil, fmt.Errorf("opening i2c bus '%s': %w", name, err)
	}

	return &Shared{bus: b, closer: b}, nil
}

// NewShared wraps an already opened bus
func NewShared(b i2c.Bus) *Shared {
	s := Shared{bus: b}
	if c, ok := b.(io.Closer); ok {
		s.closer = c
	}
	return &s
}

// Device returns register access to the device at addr. Calls through the
// returned Registers must happen inside Do.
func (s *Shared) Device(addr uint16) *Registers {
	return NewRegisters(&i2c.Dev{Addr: addr, Bus: s.bus})
}

// Do runs fn with exclusive access to the bus. It does not start fn when ctx
// is already done, but never interrupts fn once started.
func (s *Shared) Do(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return fn()
}

func (s *Shared) String() string {
	return s.bus.String()
}

// Close releases the underlying bus
func (s *Shared) Close() error {
	s.closeOnce.Do(func() {
		if s.closer == nil {
			return
		}

		s.mu.Lock()
		defer s.mu.Unlock()

		s.closeErr = s.closer.Close()
	})

	return s.closeErr
}
