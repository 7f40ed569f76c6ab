package actuator

import "sync/atomic"

// LatchState is the state of a safety latch
type LatchState int32

const (
	Active LatchState = iota
	Stopped
)

func (s LatchState) String() string {
	switch s {
	case Active:
		return "active"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Latch is a one-way emergency stop. It starts Active and, once tripped,
// stays Stopped for the life of the process.
type Latch struct {
	state atomic.Int32
}

// Trip moves the latch to Stopped. It returns true only for the call that
// performed the transition.
func (l *Latch) Trip() bool {
	return l.state.CompareAndSwap(int32(Active), int32(Stopped))
}

func (l *Latch) State() LatchState {
	return LatchState(l.state.Load())
}

func (l *Latch) Stopped() bool {
	return l.State() == Stopped
}
