package storage

import (
	"database/sql"
	"time"
)

// Session is one run of the vehicle process
type Session struct {
	ID            int64
	StartTime     time.Time
	VehicleID     string
	Config        *string
	TelemetryRows int64
	LastTelemetry *time.Time
}

// VehicleConfig is the tuning record of the vehicle
type VehicleConfig struct {
	Kp          float64       `json:"kp"`
	Ki          float64       `json:"ki"`
	Kd          float64       `json:"kd"`
	Declination float64       `json:"declination"`
	HardIron    [3]float64    `json:"hardIron"`
	SoftIron    [3][3]float64 `json:"softIron"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

type telemetryData struct {
	ID          int64
	SessionID   int64
	Timestamp   time.Time
	MagX        sql.NullInt64
	MagY        sql.NullInt64
	MagZ        sql.NullInt64
	Heading     sql.NullFloat64
	Pitch       sql.NullFloat64
	Roll        sql.NullFloat64
	Yaw         sql.NullFloat64
	Temperature sql.NullFloat64
	Battery     sql.NullFloat64
	WheelSpeed  sql.NullFloat64
	GPSSpeed    sql.NullFloat64
	GPSCourse   sql.NullFloat64
	Latitude    sql.NullFloat64
	Longitude   sql.NullFloat64
	Satellites  sql.NullInt64
	Fix         sql.NullBool
}
