package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// Task is a long-running component of the rover. It returns when ctx is
// cancelled or on a fatal error.
type Task func(ctx context.Context) error

type task struct {
	name string
	run  Task
}

// WithTask registers a named task with the Orchestrator
func WithTask(name string, run Task) func(*Orchestrator) {
	return func(o *Orchestrator) {
		o.tasks = append(o.tasks, task{name: name, run: run})
	}
}

// Orchestrator starts the acquisition, telemetry, link and control tasks
// together and stops all of them once any one fails or the parent context
// is cancelled.
type Orchestrator struct {
	tasks  []task
	logger *slog.Logger

	mu   sync.Mutex
	errs []error

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewOrchestrator creates a new Orchestrator
func NewOrchestrator(logger *slog.Logger, options ...func(*Orchestrator)) *Orchestrator {
	o := Orchestrator{
		logger: logger,
	}

	for _, option := range options {
		option(&o)
	}

	return &o
}

// Run starts every task and blocks until all of them have returned
func (o *Orchestrator) Run(ctx context.Context) error {
	if len(o.tasks) == 0 {
		return fmt.Errorf("no tasks to run")
	}

	ctx, o.cancel = context.WithCancel(ctx)
	defer o.cancel()

	startGate := make(chan struct{})
	started := time.Now()

	for _, t := range o.tasks {
		o.wg.Add(1)
		go o.runTask(ctx, t, startGate)
	}

	close(startGate) // Start the tasks

	o.wg.Wait()

	o.logger.Info("all tasks stopped", slog.String("started", humanize.Time(started)))

	o.mu.Lock()
	defer o.mu.Unlock()

	return errors.Join(o.errs...)
}

func (o *Orchestrator) runTask(ctx context.Context, t task, startGate chan struct{}) {
	defer o.wg.Done()

	<-startGate

	logger := o.logger.With(slog.String("task", t.name))
	logger.Debug("task started")

	err := t.run(ctx)
	if err == nil || errors.Is(err, context.Canceled) {
		logger.Debug("task stopped")
		return
	}

	logger.Error(err.Error())

	o.mu.Lock()
	o.errs = append(o.errs, fmt.Errorf("%s: %w", t.name, err))
	o.mu.Unlock()

	o.cancel() // signal to other tasks about fatal
}
