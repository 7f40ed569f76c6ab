package app

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/roman-kulish/rover-control/internal/storage"
	"github.com/roman-kulish/rover-control/internal/telemetry"
)

var csvHeader = []string{
	"timestamp",
	"mag_x", "mag_y", "mag_z",
	"heading", "pitch", "roll", "yaw",
	"temperature", "battery",
	"wheel_speed", "gps_speed", "gps_course",
	"latitude", "longitude", "satellites", "fix",
}

func openStore(dbPath string) (*storage.SqliteStore, error) {
	if _, err := os.Stat(dbPath); err != nil && os.IsNotExist(err) {
		return nil, fmt.Errorf("database file '%s' does not exist: %w", dbPath, err)
	}

	return storage.NewSqliteStore(dbPath), nil
}

func listSessions(ctx context.Context, store storage.Store, w io.Writer) error {
	sessions, err := store.Sessions(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tVEHICLE\tSTARTED\tSNAPSHOTS\tLAST SNAPSHOT")
	for _, s := range sessions {
		last := "-"
		if s.LastTelemetry != nil {
			last = humanize.Time(*s.LastTelemetry)
		}

		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
			s.ID,
			s.VehicleID,
			s.StartTime.Local().Format(time.DateTime),
			humanize.Comma(s.TelemetryRows),
			last,
		)
	}

	return tw.Flush()
}

func showVehicle(ctx context.Context, store storage.Store, w io.Writer) error {
	cfg, err := store.VehicleConfig(ctx)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(cfg)
}

func exportTelemetry(ctx context.Context, store *storage.SqliteStore, config *Config, w io.Writer, logger *slog.Logger) error {
	var opts []storage.ReaderOption
	var filters []any
	switch {
	case config.From != nil && config.To != nil:
		opts = append(opts, storage.WithTimeRange(config.From.UTC(), config.To.UTC()))

		filters = append(filters,
			slog.String("from", config.From.UTC().Format(time.DateTime)),
			slog.String("to", config.To.UTC().Format(time.DateTime)))

	case config.From != nil:
		opts = append(opts, storage.WithStartTime(config.From.UTC()))
		filters = append(filters, slog.String("from", config.From.UTC().Format(time.DateTime)))

	case config.To != nil:
		opts = append(opts, storage.WithEndTime(config.To.UTC()))
		filters = append(filters, slog.String("to", config.To.UTC().Format(time.DateTime)))
	}
	if config.BatchSize > 0 {
		opts = append(opts, storage.WithBatchSize(config.BatchSize))
	}

	logger.Info("reader configuration", append(filters, slog.Int64("session", config.SessionID))...)

	iter, err := store.ReadTelemetry(ctx, config.SessionID, opts...)
	if err != nil {
		return err
	}
	defer iter.Close()

	var write func(*telemetry.Telemetry) error
	var flush func() error

	switch config.Format {
	case FormatJSONL:
		enc := json.NewEncoder(w)
		write = func(t *telemetry.Telemetry) error { return enc.Encode(t) }
		flush = func() error { return nil }

	default:
		cw := csv.NewWriter(w)
		if err = cw.Write(csvHeader); err != nil {
			return err
		}
		write = func(t *telemetry.Telemetry) error { return cw.Write(csvRecord(t)) }
		flush = func() error {
			cw.Flush()
			return cw.Error()
		}
	}

	var rows int64
	for iter.Next(ctx) {
		if err = write(iter.Current()); err != nil {
			return fmt.Errorf("writing record: %w", err)
		}
		rows++
	}
	if err = iter.Error(); err != nil {
		return err
	}
	if err = flush(); err != nil {
		return err
	}

	logger.Info("export finished",
		slog.Int64("session", config.SessionID),
		slog.String("vehicle", iter.Session().VehicleID),
		slog.String("rows", humanize.Comma(rows)),
	)

	return nil
}

func csvRecord(t *telemetry.Telemetry) []string {
	return []string{
		t.Timestamp.UTC().Format(time.RFC3339Nano),
		formatInt(t.MagX), formatInt(t.MagY), formatInt(t.MagZ),
		formatFloat(t.Heading), formatFloat(t.Pitch), formatFloat(t.Roll), formatFloat(t.Yaw),
		formatFloat(t.Temperature), formatFloat(t.Battery),
		formatFloat(t.WheelSpeed), formatFloat(t.GPSSpeed), formatFloat(t.GPSCourse),
		formatFloat(t.Latitude), formatFloat(t.Longitude), formatInt(t.Satellites), formatBool(t.Fix),
	}
}

func formatFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func formatInt[T int16 | int64](v *T) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(int64(*v), 10)
}

func formatBool(v *bool) string {
	if v == nil {
		return ""
	}
	return strconv.FormatBool(*v)
}
