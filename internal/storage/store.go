package storage

import (
	"context"
	"errors"

	"github.com/roman-kulish/rover-control/internal/telemetry"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("not found")

// Store provides persistence for vehicle sessions, telemetry, the command
// audit log and the vehicle tuning record. It is safe for concurrent use.
type Store interface {
	// CreateSession starts a new session and returns its unique identifier.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeouts
	//   - vehicleID: Identifier of the vehicle (e.g., host name)
	//   - config: Optional process configuration. Can be string, []byte, or JSON-serializable object
	CreateSession(ctx context.Context, vehicleID string, config any) (sessionID int64, err error)

	// Session retrieves a session by its ID. It returns ErrNotFound when the
	// session does not exist.
	Session(ctx context.Context, id int64) (*Session, error)

	// Sessions returns all sessions ordered by start time.
	Sessions(ctx context.Context) ([]*Session, error)

	// StoreTelemetry saves one telemetry snapshot for a session.
	StoreTelemetry(ctx context.Context, sessionID int64, t *telemetry.Telemetry) (telemetryID int64, err error)

	// LogCommand appends an applied remote command to the audit log.
	LogCommand(ctx context.Context, sessionID int64, action string, steer, speed float64) error

	// VehicleConfig returns the vehicle tuning record, or ErrNotFound when
	// it has never been saved.
	VehicleConfig(ctx context.Context) (*VehicleConfig, error)

	// SaveVehicleConfig creates or replaces the vehicle tuning record.
	SaveVehicleConfig(ctx context.Context, cfg *VehicleConfig) error

	// Close releases all database connections. It is safe to call Close
	// multiple times.
	Close() error
}
