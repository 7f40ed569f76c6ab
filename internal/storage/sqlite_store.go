package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roman-kulish/rover-control/internal/telemetry"
)

var _ Store = (*SqliteStore)(nil)

// SqliteStore handles database operations
type SqliteStore struct {
	dbPath string

	writeDB     *sql.DB
	writeDBOnce sync.Once
	writeDBErr  error

	readDB     *sql.DB
	readDBOnce sync.Once
	readDBErr  error

	closeOnce sync.Once
	closeErr  error
}

// NewSqliteStore creates a store backed by the SQLite database at dbPath.
// Connections are opened on first use.
func NewSqliteStore(dbPath string) *SqliteStore {
	return &SqliteStore{dbPath: dbPath}
}

func runSQLCommand(db *sql.DB, sql string) error {
	_, err := db.Exec(sql)
	return err
}

func (s *SqliteStore) getWriteDB() (*sql.DB, error) {
	s.writeDBOnce.Do(func() {
		db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", s.dbPath, "_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"))
		if err != nil {
			s.writeDBErr = fmt.Errorf("opening write connection: %w", err)
			return
		}
		db.SetMaxOpenConns(1) // single writer

		if err = runSQLCommand(db, initSchemaSQL); err != nil {
			_ = db.Close()
			s.writeDBErr = fmt.Errorf("initializing schema: %w", err)
			return
		}

		s.writeDB = db
	})

	return s.writeDB, s.writeDBErr
}

func (s *SqliteStore) getReadDB() (*sql.DB, error) {
	s.readDBOnce.Do(func() {
		db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", s.dbPath, "mode=ro"))
		if err != nil {
			s.readDBErr = fmt.Errorf("opening read connection: %w", err)
			return
		}
		s.readDB = db
	})

	return s.readDB, s.readDBErr
}

func (s *SqliteStore) CreateSession(ctx context.Context, vehicleID string, config any) (sessionID int64, err error) {
	var configData sql.NullString

	if config != nil {
		switch c := config.(type) {
		case string:
			configData.Valid = true
			configData.String = c

		case []byte:
			configData.Valid = true
			configData.String = string(c)

		default:
			var p []byte
			if p, err = json.Marshal(config); err != nil {
				err = fmt.Errorf("marshaling config: %w", err)
				return
			}

			configData.Valid = true
			configData.String = string(p)
		}
	}

	db, err := s.getWriteDB()
	if err != nil {
		err = fmt.Errorf("getting write connection: %w", err)
		return
	}

	stmt, err := db.PrepareContext(ctx, insertSessionSQL)
	if err != nil {
		err = fmt.Errorf("preparing statement: %w", err)
		return
	}
	defer closeWithError(stmt, &err)

	result, err := stmt.ExecContext(ctx, time.Now().UTC(), vehicleID, configData)
	if err != nil {
		err = fmt.Errorf("inserting session: %w", err)
		return
	}

	sessionID, err = result.LastInsertId()
	if err != nil {
		err = fmt.Errorf("getting session ID: %w", err)
	}
	return
}

func (s *SqliteStore) Session(ctx context.Context, id int64) (*Session, error) {
	db, err := s.getReadDB()
	if err != nil {
		return nil, fmt.Errorf("getting read connection: %w", err)
	}

	return loadSession(ctx, db, id)
}

func loadSession(ctx context.Context, db *sql.DB, id int64) (session *Session, err error) {
	stmt, err := db.PrepareContext(ctx, selectSessionSQL)
	if err != nil {
		err = fmt.Errorf("preparing statement: %w", err)
		return
	}
	defer closeWithError(stmt, &err)

	var sess Session
	var config sql.NullString
	if err = stmt.QueryRowContext(ctx, id).Scan(&sess.ID, &sess.StartTime, &sess.VehicleID, &config); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = fmt.Errorf("session %d: %w", id, ErrNotFound)
			return
		}
		err = fmt.Errorf("scanning session: %w", err)
		return
	}
	if config.Valid {
		sess.Config = &config.String
	}

	return &sess, nil
}

func (s *SqliteStore) Sessions(ctx context.Context) (sessions []*Session, err error) {
	db, err := s.getReadDB()
	if err != nil {
		err = fmt.Errorf("getting read connection: %w", err)
		return
	}

	rows, err := db.QueryContext(ctx, selectSessionsSQL)
	if err != nil {
		err = fmt.Errorf("querying sessions: %w", err)
		return
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		var sess Session
		var config, last sql.NullString
		if err = rows.Scan(&sess.ID, &sess.StartTime, &sess.VehicleID, &config, &sess.TelemetryRows, &last); err != nil {
			err = fmt.Errorf("scanning session: %w", err)
			return
		}
		if config.Valid {
			sess.Config = &config.String
		}
		if last.Valid {
			var t time.Time
			if t, err = parseTimestamp(last.String); err != nil {
				err = fmt.Errorf("session %d: %w", sess.ID, err)
				return
			}
			sess.LastTelemetry = &t
		}
		sessions = append(sessions, &sess)
	}
	if err = rows.Err(); err != nil {
		err = fmt.Errorf("iterating sessions: %w", err)
	}
	return
}

// ReadTelemetry creates a reader over the telemetry of a session. The reader
// must be closed after use.
func (s *SqliteStore) ReadTelemetry(ctx context.Context, sessionID int64, opts ...ReaderOption) (*SqliteTelemetryReader, error) {
	db, err := s.getReadDB()
	if err != nil {
		return nil, fmt.Errorf("getting read connection: %w", err)
	}
	return newSqliteTelemetryReader(ctx, db, sessionID, opts...)
}

func (s *SqliteStore) StoreTelemetry(ctx context.Context, sessionID int64, t *telemetry.Telemetry) (telemetryID int64, err error) {
	db, err := s.getWriteDB()
	if err != nil {
		err = fmt.Errorf("getting write connection: %w", err)
		return
	}

	stmt, err := db.PrepareContext(ctx, insertTelemetrySQL)
	if err != nil {
		err = fmt.Errorf("preparing statement: %w", err)
		return
	}
	defer closeWithError(stmt, &err)

	data := toTelemetryData(sessionID, t)

	result, err := stmt.ExecContext(
		ctx,
		data.SessionID,
		data.Timestamp,
		data.MagX,
		data.MagY,
		data.MagZ,
		data.Heading,
		data.Pitch,
		data.Roll,
		data.Yaw,
		data.Temperature,
		data.Battery,
		data.WheelSpeed,
		data.GPSSpeed,
		data.GPSCourse,
		data.Latitude,
		data.Longitude,
		data.Satellites,
		data.Fix,
	)
	if err != nil {
		err = fmt.Errorf("inserting telemetry: %w", err)
		return
	}

	telemetryID, err = result.LastInsertId()
	if err != nil {
		err = fmt.Errorf("getting telemetry ID: %w", err)
	}
	return
}

// Sink returns a telemetry sink storing snapshots into the session
func (s *SqliteStore) Sink(sessionID int64) telemetry.Sink {
	return telemetry.SinkFunc(func(ctx context.Context, t *telemetry.Telemetry) error {
		_, err := s.StoreTelemetry(ctx, sessionID, t)
		return err
	})
}

func (s *SqliteStore) LogCommand(ctx context.Context, sessionID int64, action string, steer, speed float64) (err error) {
	db, err := s.getWriteDB()
	if err != nil {
		return fmt.Errorf("getting write connection: %w", err)
	}

	if _, err = db.ExecContext(ctx, insertCommandSQL, sessionID, time.Now().UTC(), action, steer, speed); err != nil {
		return fmt.Errorf("inserting command: %w", err)
	}
	return nil
}

// CommandLog binds the command audit log to a session
type CommandLog struct {
	store     *SqliteStore
	sessionID int64
}

// CommandLog returns the command audit log of a session
func (s *SqliteStore) CommandLog(sessionID int64) *CommandLog {
	return &CommandLog{store: s, sessionID: sessionID}
}

func (c *CommandLog) LogCommand(ctx context.Context, action string, steer, speed float64) error {
	return c.store.LogCommand(ctx, c.sessionID, action, steer, speed)
}

// VehicleConfig reads through the write connection, which creates the
// database on first use
func (s *SqliteStore) VehicleConfig(ctx context.Context) (cfg *VehicleConfig, err error) {
	db, err := s.getWriteDB()
	if err != nil {
		err = fmt.Errorf("getting write connection: %w", err)
		return
	}

	var c VehicleConfig
	var hard, soft string
	err = db.QueryRowContext(ctx, selectVehicleConfigSQL).Scan(&c.Kp, &c.Ki, &c.Kd, &c.Declination, &hard, &soft, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = fmt.Errorf("vehicle config: %w", ErrNotFound)
			return
		}
		err = fmt.Errorf("scanning vehicle config: %w", err)
		return
	}

	if err = json.Unmarshal([]byte(hard), &c.HardIron); err != nil {
		err = fmt.Errorf("decoding hard iron offset: %w", err)
		return
	}
	if err = json.Unmarshal([]byte(soft), &c.SoftIron); err != nil {
		err = fmt.Errorf("decoding soft iron matrix: %w", err)
		return
	}

	return &c, nil
}

func (s *SqliteStore) SaveVehicleConfig(ctx context.Context, cfg *VehicleConfig) (err error) {
	hard, err := json.Marshal(cfg.HardIron)
	if err != nil {
		return fmt.Errorf("encoding hard iron offset: %w", err)
	}
	soft, err := json.Marshal(cfg.SoftIron)
	if err != nil {
		return fmt.Errorf("encoding soft iron matrix: %w", err)
	}

	db, err := s.getWriteDB()
	if err != nil {
		return fmt.Errorf("getting write connection: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollbackWithError(tx, &err)

	if _, err = tx.ExecContext(ctx, upsertVehicleConfigSQL, cfg.Kp, cfg.Ki, cfg.Kd, cfg.Declination, string(hard), string(soft), time.Now().UTC()); err != nil {
		return fmt.Errorf("saving vehicle config: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *SqliteStore) Close() error {
	s.closeOnce.Do(func() {
		var writeErr, readErr error

		if s.writeDB != nil {
			_ = runSQLCommand(s.writeDB, initIndexesSQL)

			writeErr = s.writeDB.Close()
			s.writeDB = nil
		}

		if s.readDB != nil {
			readErr = s.readDB.Close()
			s.readDB = nil
		}

		s.closeErr = errors.Join(writeErr, readErr)
	})

	return s.closeErr
}
