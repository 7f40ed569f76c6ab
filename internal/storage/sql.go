package storage

import (
	_ "embed"
)

//go:embed schema.sql
var initSchemaSQL string

const (
	initIndexesSQL = `
CREATE INDEX IF NOT EXISTS idx_telemetry_session_timestamp ON telemetry (session_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_commands_session_timestamp ON commands (session_id, timestamp);`

	insertSessionSQL = `
INSERT INTO sessions (
                      start_time,
                      vehicle_id,
                      config)
VALUES (?, ?, ?)`

	selectSessionSQL = `
SELECT
    id,
    start_time,
    vehicle_id,
    config
FROM sessions
WHERE
    id = ?`

	selectSessionsSQL = `
SELECT
    s.id,
    s.start_time,
    s.vehicle_id,
    s.config,
    COUNT(t.id),
    MAX(t.timestamp)
FROM sessions s
LEFT JOIN telemetry t ON t.session_id = s.id
GROUP BY s.id
ORDER BY s.start_time`

	insertTelemetrySQL = `
INSERT INTO telemetry (session_id,
                       timestamp,
                       mag_x,
                       mag_y,
                       mag_z,
                       heading,
                       pitch,
                       roll,
                       yaw,
                       temperature,
                       battery,
                       wheel_speed,
                       gps_speed,
                       gps_course,
                       latitude,
                       longitude,
                       satellites,
                       fix)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	selectTelemetrySQL = `
SELECT
    id,
    session_id,
    timestamp,
    mag_x,
    mag_y,
    mag_z,
    heading,
    pitch,
    roll,
    yaw,
    temperature,
    battery,
    wheel_speed,
    gps_speed,
    gps_course,
    latitude,
    longitude,
    satellites,
    fix
FROM telemetry
WHERE
    session_id = ?
    AND timestamp >= ?
    AND timestamp <= ?
    AND id > ?
ORDER BY id
LIMIT ?`

	insertCommandSQL = `
INSERT INTO commands (session_id,
                      timestamp,
                      action,
                      steer,
                      speed)
VALUES (?, ?, ?, ?, ?)`

	selectVehicleConfigSQL = `
SELECT
    kp,
    ki,
    kd,
    declination,
    hard_iron,
    soft_iron,
    updated_at
FROM vehicle_config
WHERE
    id = 1`

	upsertVehicleConfigSQL = `
INSERT INTO vehicle_config (id,
                            kp,
                            ki,
                            kd,
                            declination,
                            hard_iron,
                            soft_iron,
                            updated_at)
VALUES (1, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET kp          = excluded.kp,
                               ki          = excluded.ki,
                               kd          = excluded.kd,
                               declination = excluded.declination,
                               hard_iron   = excluded.hard_iron,
                               soft_iron   = excluded.soft_iron,
                               updated_at  = excluded.updated_at`
)
