package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/roman-kulish/rover-control/internal/telemetry"
)

const defaultBatchSize = 500

// TelemetryReader provides an iterator-based interface for reading the
// telemetry of a session in insertion order, with optional time filtering.
type TelemetryReader interface {
	// Session returns metadata about the session this reader is accessing.
	Session() *Session

	// Next advances the iterator and returns true if there is another
	// record to read, false when the iteration is complete or if an error
	// occurred.
	Next(context.Context) bool

	// Current returns the current record in the iteration.
	// If called after Next() returns false, the behavior is undefined.
	Current() *telemetry.Telemetry

	// Error returns any error that occurred during iteration.
	Error() error

	// Close releases any resources associated with the reader.
	Close() error
}

// ReaderOption configures a telemetry reader
type ReaderOption func(*SqliteTelemetryReader)

// WithStartTime excludes records before t
func WithStartTime(t time.Time) ReaderOption {
	return func(r *SqliteTelemetryReader) {
		r.startTime = t.UTC()
	}
}

// WithEndTime excludes records after t
func WithEndTime(t time.Time) ReaderOption {
	return func(r *SqliteTelemetryReader) {
		r.endTime = t.UTC()
	}
}

// WithTimeRange is equivalent to applying both WithStartTime and WithEndTime
func WithTimeRange(startTime, endTime time.Time) ReaderOption {
	return func(r *SqliteTelemetryReader) {
		r.startTime = startTime.UTC()
		r.endTime = endTime.UTC()
	}
}

// WithBatchSize sets the number of records fetched per query
func WithBatchSize(n int) ReaderOption {
	return func(r *SqliteTelemetryReader) {
		r.batchSize = n
	}
}

var _ TelemetryReader = (*SqliteTelemetryReader)(nil)

// SqliteTelemetryReader implements TelemetryReader with keyset pagination, so
// no statement stays open between batches.
type SqliteTelemetryReader struct {
	db *sql.DB

	sessionID int64
	session   *Session
	batchSize int
	startTime time.Time
	endTime   time.Time

	lastID  int64
	batch   []*telemetry.Telemetry
	pos     int
	current *telemetry.Telemetry
	done    bool
	err     error
}

func newSqliteTelemetryReader(ctx context.Context, db *sql.DB, sessionID int64, opts ...ReaderOption) (*SqliteTelemetryReader, error) {
	r := &SqliteTelemetryReader{
		db:        db,
		sessionID: sessionID,
		batchSize: defaultBatchSize,
		startTime: time.Unix(0, 0).UTC(),
		endTime:   time.Unix(math.MaxInt32, 0).UTC(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.init(ctx); err != nil {
		return nil, fmt.Errorf("initializing reader: %w", err)
	}
	return r, nil
}

func (r *SqliteTelemetryReader) init(ctx context.Context) error {
	if r.db == nil {
		return errors.New("database connection required")
	}
	if r.sessionID <= 0 {
		return errors.New("session ID required")
	}
	if r.batchSize <= 0 {
		return fmt.Errorf("invalid batch size %d", r.batchSize)
	}
	if r.endTime.Before(r.startTime) {
		return fmt.Errorf("end time %s is before start time %s", r.endTime, r.startTime)
	}

	session, err := loadSession(ctx, r.db, r.sessionID)
	if err != nil {
		return fmt.Errorf("loading session: %w", err)
	}
	r.session = session

	return nil
}

func (r *SqliteTelemetryReader) Session() *Session {
	return r.session
}

func (r *SqliteTelemetryReader) Next(ctx context.Context) bool {
	if r.err != nil {
		return false
	}

	if r.pos >= len(r.batch) {
		if r.done {
			return false
		}
		if err := r.fetch(ctx); err != nil {
			r.err = err
			return false
		}
		if len(r.batch) == 0 {
			return false
		}
	}

	r.current = r.batch[r.pos]
	r.pos++
	return true
}

func (r *SqliteTelemetryReader) fetch(ctx context.Context) (err error) {
	rows, err := r.db.QueryContext(ctx, selectTelemetrySQL, r.sessionID, r.startTime, r.endTime, r.lastID, r.batchSize)
	if err != nil {
		return fmt.Errorf("querying telemetry: %w", err)
	}
	defer closeWithError(rows, &err)

	r.batch = r.batch[:0]
	r.pos = 0

	for rows.Next() {
		var d telemetryData
		if err = rows.Scan(
			&d.ID,
			&d.SessionID,
			&d.Timestamp,
			&d.MagX,
			&d.MagY,
			&d.MagZ,
			&d.Heading,
			&d.Pitch,
			&d.Roll,
			&d.Yaw,
			&d.Temperature,
			&d.Battery,
			&d.WheelSpeed,
			&d.GPSSpeed,
			&d.GPSCourse,
			&d.Latitude,
			&d.Longitude,
			&d.Satellites,
			&d.Fix,
		); err != nil {
			return fmt.Errorf("scanning telemetry: %w", err)
		}

		r.lastID = d.ID
		r.batch = append(r.batch, fromTelemetryData(&d))
	}
	if err = rows.Err(); err != nil {
		return fmt.Errorf("iterating telemetry: %w", err)
	}

	r.done = len(r.batch) < r.batchSize
	return nil
}

func (r *SqliteTelemetryReader) Current() *telemetry.Telemetry {
	return r.current
}

func (r *SqliteTelemetryReader) Error() error {
	return r.err
}

func (r *SqliteTelemetryReader) Close() error {
	r.batch = nil
	r.current = nil
	r.done = true
	return nil
}
