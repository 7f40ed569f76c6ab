package gps

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/tarm/serial"
)

const (
	// DefaultPort is the UART the receiver is wired to
	DefaultPort = "/dev/serial0"

	// DefaultBaudRate is the receiver's configured baud rate
	DefaultBaudRate = 38400

	readTimeout = 500 * time.Millisecond
)

// Fix is the latest known receiver state, merged from several sentence types
type Fix struct {
	Latitude    float64
	Longitude   float64
	Satellites  int
	Quality     int
	Fixed       bool
	SpeedKMH    float64
	Course      float64
	Declination float64 // magnetic variation, east positive
	Updated     time.Time
}

// Open opens the serial port of the receiver
func Open(name string, baud int) (io.ReadCloser, error) {
	port, err := serial.OpenPort(&serial.Config{
		Name:        name,
		Baud:        baud,
		ReadTimeout: readTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("opening serial port '%s': %w", name, err)
	}

	return port, nil
}

// WithDeclinationFeedback sets a callback receiving every magnetic variation
// decoded from an RMC sentence
func WithDeclinationFeedback(fn func(float64)) func(*Reader) {
	return func(r *Reader) {
		r.onDeclination = fn
	}
}

// WithLogger sets the logger for the reader
func WithLogger(logger *slog.Logger) func(*Reader) {
	return func(r *Reader) {
		r.logger = logger.With(slog.String("sensor", "gps"))
	}
}

// Reader decodes NMEA sentences from a receiver and keeps the latest fix
type Reader struct {
	src io.Reader

	mu  sync.RWMutex
	fix Fix

	onDeclination func(float64)
	logger        *slog.Logger
}

func NewReader(src io.Reader, options ...func(*Reader)) *Reader {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil)) // nil logger

	r := Reader{
		src:    src,
		logger: logger,
	}

	for _, option := range options {
		option(&r)
	}

	return &r
}

// Run reads sentences until ctx is cancelled or the source fails
func (r *Reader) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(&ctxReader{ctx: ctx, r: r.src})

	r.logger.Info("reading gps sentences...")

	var failures int
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		if err := r.handle(line); err != nil {
			failures++
			if errors.Is(err, ErrUnsupportedSentence) {
				r.logger.Debug(err.Error())
				continue
			}
			r.logger.Warn(fmt.Sprintf("error parsing sentence: %s", err.Error()), slog.String("line", line), slog.Int("failures", failures))
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("reading gps: %w", err)
	}

	r.logger.Info("gps reader stopped")
	return nil
}

func (r *Reader) handle(line string) error {
	r.mu.Lock()
	fix := r.fix
	kind, err := Parse(line, &fix)
	if err == nil {
		fix.Updated = time.Now()
		r.fix = fix
	}
	r.mu.Unlock()

	if err != nil {
		return err
	}
	if kind == SentenceRMC && fix.Declination != 0 && r.onDeclination != nil {
		r.onDeclination(fix.Declination)
	}
	return nil
}

// Fix returns a copy of the latest fix
func (r *Reader) Fix() Fix {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.fix
}

// ctxReader turns read timeouts of the serial port into cancellation points
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	for {
		if err := c.ctx.Err(); err != nil {
			return 0, err
		}

		n, err := c.r.Read(p)
		if n > 0 || err != nil {
			return n, err
		}
	}
}
