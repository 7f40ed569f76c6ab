package app

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	FormatCSV   = "csv"
	FormatJSONL = "jsonl"
)

type ExportFormat string

var validExportFormats = map[ExportFormat]struct{}{
	FormatCSV:   {},
	FormatJSONL: {},
}

// Config holds the options of the export command
type Config struct {
	DBPath     string
	SessionID  int64
	OutputFile string // empty writes to stdout
	Format     ExportFormat
	From       *time.Time
	To         *time.Time
	BatchSize  int
}

func NewConfig() *Config {
	return &Config{
		Format: FormatCSV,
	}
}

func (c *Config) Validate() error {
	c.Format = ExportFormat(strings.ToLower(string(c.Format)))

	switch {
	case c.DBPath == "":
		return errors.New("db path is required")
	case c.SessionID <= 0:
		return errors.New("session id is required")
	case c.BatchSize < 0:
		return fmt.Errorf("invalid batch size: %d", c.BatchSize)
	case c.From != nil && c.To != nil && c.To.Before(*c.From):
		return errors.New("end time is before start time")
	}

	if _, ok := validExportFormats[c.Format]; !ok {
		return fmt.Errorf("invalid export format: %s", c.Format)
	}

	return nil
}

// parseTime accepts RFC 3339 or "2006-01-02 15:04:05" in local time
func parseTime(s string) (*time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t, nil
	}

	t, err := time.ParseInLocation(time.DateTime, s, time.Local)
	if err != nil {
		return nil, fmt.Errorf("invalid time '%s': %w", s, err)
	}
	return &t, nil
}
