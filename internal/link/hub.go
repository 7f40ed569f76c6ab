package link

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/websocket"

	"github.com/roman-kulish/rover-control/internal/control"
	"github.com/roman-kulish/rover-control/internal/telemetry"
)

const (
	// DefaultListen is the address the link listens on
	DefaultListen = ":8080"

	socketBufferSize  = 1024
	messageBufferSize = 16
	maxMessageSize    = 4096
	writeWait         = time.Second
	shutdownTimeout   = 5 * time.Second
)

// WithListen sets the listen address
func WithListen(addr string) func(*Hub) {
	return func(h *Hub) {
		h.listen = addr
	}
}

// WithLogger sets the logger for the hub
func WithLogger(logger *slog.Logger) func(*Hub) {
	return func(h *Hub) {
		h.logger = logger.With(slog.String("component", "link"))
	}
}

// Hub is the websocket link with the remote operator. Clients send control
// and switch records and receive telemetry broadcasts.
type Hub struct {
	listen   string
	upgrader websocket.Upgrader

	events   chan control.Event
	switches chan control.Switch

	// forward holds outbound frames for all clients
	forward chan []byte
	join    chan *client
	leave   chan *client
	done    chan struct{}

	clients atomic.Int32
	dropped atomic.Uint64
	running atomic.Bool

	logger *slog.Logger
}

func NewHub(options ...func(*Hub)) *Hub {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil)) // nil logger

	h := Hub{
		listen:   DefaultListen,
		upgrader: websocket.Upgrader{ReadBufferSize: socketBufferSize, WriteBufferSize: socketBufferSize},
		events:   make(chan control.Event, messageBufferSize),
		switches: make(chan control.Switch, messageBufferSize),
		forward:  make(chan []byte, messageBufferSize),
		join:     make(chan *client),
		leave:    make(chan *client),
		done:     make(chan struct{}),
		logger:   logger,
	}

	for _, option := range options {
		option(&h)
	}

	return &h
}

// Events returns the stream of inbound control events
func (h *Hub) Events() <-chan control.Event {
	return h.events
}

// Switches returns the stream of inbound switch records
func (h *Hub) Switches() <-chan control.Switch {
	return h.switches
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	return int(h.clients.Load())
}

// Publish broadcasts a telemetry snapshot. It never blocks: when the hub is
// busy the snapshot is dropped.
func (h *Hub) Publish(_ context.Context, t *telemetry.Telemetry) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encoding telemetry: %w", err)
	}
	frame, err := json.Marshal(Message{Action: string(control.ActionCreate), Table: TableTelemetry, Data: data})
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	select {
	case h.forward <- frame:
	default:
		h.dropped.Add(1)
	}
	return nil
}

// Handler returns the HTTP handler serving the websocket endpoint
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", h)
	return mux
}

// Serve runs the hub and its HTTP server until ctx is cancelled
func (h *Hub) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              h.listen,
		Handler:           h.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("link listening...", slog.String("addr", h.listen))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		h.Run(ctx)
	}()

	var err error
	select {
	case <-ctx.Done():
	case err = <-errCh:
		err = fmt.Errorf("serving link: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if sErr := srv.Shutdown(shutdownCtx); sErr != nil {
		err = errors.Join(err, fmt.Errorf("shutting down link: %w", sErr))
	}
	<-runDone

	return err
}

// Run dispatches outbound frames to clients until ctx is cancelled, then
// disconnects every client
func (h *Hub) Run(ctx context.Context) {
	if !h.running.CompareAndSwap(false, true) {
		h.logger.Error("link hub is already running")
		return
	}
	defer close(h.done)

	clients := make(map[*client]struct{})

	for {
		select {
		case <-ctx.Done():
			for c := range clients {
				c.close()
			}
			h.logger.Info("link stopped", slog.String("dropped", humanize.Comma(int64(h.dropped.Load()))))
			return

		case c := <-h.join:
			clients[c] = struct{}{}
			h.clients.Add(1)
			h.logger.Info("client joined", slog.String("remote", c.remote), slog.Int("clients", len(clients)))

		case c := <-h.leave:
			if _, ok := clients[c]; !ok {
				continue
			}
			delete(clients, c)
			h.clients.Add(-1)
			c.close()
			h.logger.Info("client left", slog.String("remote", c.remote), slog.Int("clients", len(clients)))

		case frame := <-h.forward:
			for c := range clients {
				select {
				case c.send <- frame:
				default:
					h.dropped.Add(1) // slow client
				}
			}
		}
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	socket, err := h.upgrader.Upgrade(w, req, nil)
	if err != nil {
		h.logger.Warn(fmt.Sprintf("upgrading connection: %s", err.Error()))
		return
	}

	c := newClient(h, socket, req.RemoteAddr)

	select {
	case h.join <- c:
	case <-h.done:
		_ = socket.Close()
		return
	}
	defer func() {
		select {
		case h.leave <- c:
		case <-h.done:
		}
	}()

	go c.write()
	c.read(req.Context())
}

// dispatch hands a decoded frame to the control side
func (h *Hub) dispatch(ctx context.Context, p []byte) {
	ev, sw := decode(p)

	switch {
	case ev != nil:
		select {
		case h.events <- *ev:
		case <-ctx.Done():
		case <-h.done:
		}
	case sw != nil:
		select {
		case h.switches <- *sw:
		case <-ctx.Done():
		case <-h.done:
		}
	}
}
