package telemetry

import (
	"time"
)

// Telemetry is one snapshot of the vehicle sensors. A nil field means the
// sensor has not produced a value yet.
type Telemetry struct {
	Timestamp   time.Time `json:"timestamp"`             // Time the snapshot was assembled
	MagX        *int16    `json:"magX,omitempty"`        // Raw magnetometer X counts
	MagY        *int16    `json:"magY,omitempty"`        // Raw magnetometer Y counts
	MagZ        *int16    `json:"magZ,omitempty"`        // Raw magnetometer Z counts
	Heading     *float64  `json:"heading,omitempty"`     // Compass heading in degrees [0, 360)
	Pitch       *float64  `json:"pitch,omitempty"`       // Pitch angle in degrees
	Roll        *float64  `json:"roll,omitempty"`        // Roll angle in degrees
	Yaw         *float64  `json:"yaw,omitempty"`         // Integrated yaw in degrees, drifts
	Temperature *float64  `json:"temperature,omitempty"` // IMU die temperature in °C
	Battery     *float64  `json:"battery,omitempty"`     // Battery voltage in V
	WheelSpeed  *float64  `json:"wheelSpeed,omitempty"`  // Hall sensor speed in km/h
	GPSSpeed    *float64  `json:"gpsSpeed,omitempty"`    // GPS ground speed in km/h
	GPSCourse   *float64  `json:"gpsCourse,omitempty"`   // GPS ground course in degrees
	Latitude    *float64  `json:"latitude,omitempty"`    // GPS latitude in degrees
	Longitude   *float64  `json:"longitude,omitempty"`   // GPS longitude in degrees
	Satellites  *int64    `json:"satellites,omitempty"`  // Satellites in use
	Fix         *bool     `json:"fix,omitempty"`         // GPS has a position fix
}

// Unix returns the snapshot time in seconds, as pushed to the remote store
func (t *Telemetry) Unix() int64 {
	return t.Timestamp.Unix()
}
