package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/roman-kulish/rover-control/internal/telemetry"
)

func closeWithError(cl interface{ Close() error }, err *error) {
	if cErr := cl.Close(); cErr != nil && *err == nil {
		*err = cErr
	}
}

func rollbackWithError(rb interface{ Rollback() error }, err *error) {
	if cErr := rb.Rollback(); cErr != nil && !errors.Is(cErr, sql.ErrTxDone) && *err == nil {
		*err = cErr
	}
}

func toTelemetryData(sessionID int64, t *telemetry.Telemetry) *telemetryData {
	return &telemetryData{
		SessionID:   sessionID,
		Timestamp:   t.Timestamp.UTC(),
		MagX:        toNullInt(t.MagX),
		MagY:        toNullInt(t.MagY),
		MagZ:        toNullInt(t.MagZ),
		Heading:     toNullFloat(t.Heading),
		Pitch:       toNullFloat(t.Pitch),
		Roll:        toNullFloat(t.Roll),
		Yaw:         toNullFloat(t.Yaw),
		Temperature: toNullFloat(t.Temperature),
		Battery:     toNullFloat(t.Battery),
		WheelSpeed:  toNullFloat(t.WheelSpeed),
		GPSSpeed:    toNullFloat(t.GPSSpeed),
		GPSCourse:   toNullFloat(t.GPSCourse),
		Latitude:    toNullFloat(t.Latitude),
		Longitude:   toNullFloat(t.Longitude),
		Satellites:  toNullInt(t.Satellites),
		Fix: sql.NullBool{
			Bool:  t.Fix != nil && *t.Fix,
			Valid: t.Fix != nil,
		},
	}
}

func fromTelemetryData(d *telemetryData) *telemetry.Telemetry {
	t := telemetry.Telemetry{
		Timestamp:   d.Timestamp,
		MagX:        fromNullInt[int16](d.MagX),
		MagY:        fromNullInt[int16](d.MagY),
		MagZ:        fromNullInt[int16](d.MagZ),
		Heading:     fromNullFloat(d.Heading),
		Pitch:       fromNullFloat(d.Pitch),
		Roll:        fromNullFloat(d.Roll),
		Yaw:         fromNullFloat(d.Yaw),
		Temperature: fromNullFloat(d.Temperature),
		Battery:     fromNullFloat(d.Battery),
		WheelSpeed:  fromNullFloat(d.WheelSpeed),
		GPSSpeed:    fromNullFloat(d.GPSSpeed),
		GPSCourse:   fromNullFloat(d.GPSCourse),
		Latitude:    fromNullFloat(d.Latitude),
		Longitude:   fromNullFloat(d.Longitude),
		Satellites:  fromNullInt[int64](d.Satellites),
	}
	if d.Fix.Valid {
		t.Fix = &d.Fix.Bool
	}
	return &t
}

func toNullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func toNullInt[T int16 | int64](i *T) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}

func fromNullFloat(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	return &n.Float64
}

func fromNullInt[T int16 | int64](n sql.NullInt64) *T {
	if !n.Valid {
		return nil
	}
	v := T(n.Int64)
	return &v
}

// parseTimestamp parses a timestamp returned by an aggregate, which the driver
// cannot type from the column declaration
func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range sqlite3.SQLiteTimestampFormats {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp '%s'", s)
}
