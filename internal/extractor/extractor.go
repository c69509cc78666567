// Package extractor owns the lifecycle of an extractor: initialization,
// the run loop supervising the task scheduler and the check-in sink, and
// graceful shutdown.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/cognitedata/extractor-utils-go/internal/checkin"
	"github.com/cognitedata/extractor-utils-go/internal/events"
	"github.com/cognitedata/extractor-utils-go/internal/integration"
	"github.com/cognitedata/extractor-utils-go/internal/scheduler"
)

// DefaultShutdownTimeout bounds how long Shutdown waits for the scheduler.
const DefaultShutdownTimeout = 30 * time.Second

// Names of the monitored tasks added by Start.
const (
	SchedulerTaskName = "task scheduler"
	CheckInTaskName   = "check-in"
)

var ErrAlreadyStarted = errors.New("extractor has already been started")

// TaskInitializer is implemented by concrete extractors. InitTasks
// registers the extractor's tasks, typically with AddTask, before the
// scheduler starts.
type TaskInitializer interface {
	InitTasks(ctx context.Context, ext *Extractor) error
}

// Persister is implemented by sinks that can keep unsent reports across
// restarts.
type Persister interface {
	Persist(ctx context.Context) error
}

// Config configures an Extractor.
type Config struct {
	Impl TaskInitializer
	Sink integration.Sink // Default integration.LogSink
	// Settings is the extractor-specific configuration. When it is a
	// struct or a pointer to one, Init validates its tags.
	Settings any

	Logger *zap.Logger
	Clock  clock.Clock
	Bus    *events.EventBus // Optional

	ShutdownTimeout       time.Duration // Default DefaultShutdownTimeout
	CheckInInterval       time.Duration // Default checkin.DefaultInterval
	ReadinessPollInterval time.Duration // Default scheduler.DefaultPollInterval
}

// Extractor runs a set of tasks on a scheduler and reports their
// lifecycle through a sink.
type Extractor struct {
	cfg       Config
	logger    *zap.Logger
	sink      integration.Sink
	reporter  *integration.ErrorReporter
	scheduler *scheduler.Scheduler
	validate  *validator.Validate

	initMu      sync.Mutex
	initialized bool

	mu            sync.Mutex
	monitored     []monitoredTask
	runCtx        context.Context
	cancel        context.CancelFunc
	results       chan monitoredResult
	stopped       chan struct{}
	schedulerDone chan struct{}
	shutdownOnce  sync.Once
}

// New creates an Extractor.
func New(cfg Config) (*Extractor, error) {
	if cfg.Impl == nil {
		return nil, fmt.Errorf("extractor implementation is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Sink == nil {
		cfg.Sink = integration.NewLogSink(cfg.Logger, cfg.Bus)
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.CheckInInterval <= 0 {
		cfg.CheckInInterval = checkin.DefaultInterval
	}

	return &Extractor{
		cfg:      cfg,
		logger:   cfg.Logger,
		sink:     cfg.Sink,
		reporter: integration.NewErrorReporter(cfg.Sink, "", cfg.Clock),
		scheduler: scheduler.New(scheduler.Config{
			Sink:         cfg.Sink,
			Logger:       cfg.Logger,
			Clock:        cfg.Clock,
			Bus:          cfg.Bus,
			PollInterval: cfg.ReadinessPollInterval,
		}),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}, nil
}

// Scheduler returns the extractor's task scheduler.
func (e *Extractor) Scheduler() *scheduler.Scheduler { return e.scheduler }

// Reporter returns an error reporter for errors not tied to a task.
func (e *Extractor) Reporter() *integration.ErrorReporter { return e.reporter }

// Logger returns the extractor's logger.
func (e *Extractor) Logger() *zap.Logger { return e.logger }

// Settings returns the extractor-specific configuration.
func (e *Extractor) Settings() any { return e.cfg.Settings }

// AddTask registers a task with the scheduler.
func (e *Extractor) AddTask(task scheduler.Task, runImmediately bool) error {
	return e.scheduler.AddScheduledTask(task, runImmediately)
}

// Init validates the settings and lets the implementation register its
// tasks. It only does this once; later calls return nil.
func (e *Extractor) Init(ctx context.Context) error {
	e.initMu.Lock()
	defer e.initMu.Unlock()

	if e.initialized {
		return nil
	}

	if err := e.validateSettings(); err != nil {
		return fmt.Errorf("invalid extractor configuration: %w", err)
	}
	if err := e.cfg.Impl.InitTasks(ctx, e); err != nil {
		return fmt.Errorf("initializing tasks: %w", err)
	}
	order, err := e.scheduler.Validate()
	if err != nil {
		return fmt.Errorf("invalid task graph: %w", err)
	}

	e.initialized = true
	e.logger.Info("Extractor initialized", zap.Strings("tasks", order))
	return nil
}

func (e *Extractor) validateSettings() error {
	if e.cfg.Settings == nil {
		return nil
	}
	v := reflect.Indirect(reflect.ValueOf(e.cfg.Settings))
	if v.Kind() != reflect.Struct {
		return nil
	}
	return e.validate.Struct(e.cfg.Settings)
}

// Start initializes the extractor and runs it until ctx is cancelled or
// a monitored task fails or exits unexpectedly. Such failures are logged,
// reported as fatal errors and returned. Call Shutdown afterwards to
// flush the sink.
func (e *Extractor) Start(ctx context.Context) error {
	if err := e.Init(ctx); err != nil {
		e.logger.Error("Failed to initialize extractor", zap.Error(err))
		e.reporter.Fatal("Failed to initialize extractor", err.Error())
		return err
	}

	e.mu.Lock()
	if e.runCtx != nil {
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.runCtx = runCtx
	e.cancel = cancel
	e.results = make(chan monitoredResult)
	e.stopped = make(chan struct{})
	e.schedulerDone = make(chan struct{})
	schedulerDone := e.schedulerDone

	pending := append([]monitoredTask{
		{name: SchedulerTaskName, run: func(ctx context.Context) (bool, error) {
			defer close(schedulerDone)
			return false, e.scheduler.Run(ctx)
		}},
		{name: CheckInTaskName, run: func(ctx context.Context) (bool, error) {
			return false, e.sink.RunPeriodicCheckIn(ctx, e.cfg.CheckInInterval)
		}},
	}, e.monitored...)
	e.monitored = nil
	for _, m := range pending {
		e.launch(m)
	}
	e.mu.Unlock()

	defer close(e.stopped)
	defer cancel()

	e.logger.Info("Extractor started")
	for {
		select {
		case <-runCtx.Done():
			e.logger.Info("Extractor stopping")
			return nil
		case res := <-e.results:
			if err := e.classify(runCtx, res); err != nil {
				return err
			}
		}
	}
}

// Shutdown stops the scheduler, waiting up to the shutdown timeout for
// running tasks to end, then flushes the sink. It is safe to call more
// than once and never fails; problems are logged.
func (e *Extractor) Shutdown(ctx context.Context) {
	e.shutdownOnce.Do(func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("Panic during shutdown", zap.Any("panic", r))
			}
		}()
		e.shutdown(ctx)
	})
}

func (e *Extractor) shutdown(ctx context.Context) {
	e.mu.Lock()
	cancel, schedulerDone := e.cancel, e.schedulerDone
	e.mu.Unlock()

	if cancel != nil {
		cancel()
		timer := e.cfg.Clock.Timer(e.cfg.ShutdownTimeout)
		select {
		case <-schedulerDone:
		case <-timer.C:
			e.logger.Warn("Timed out waiting for tasks to stop", zap.Duration("timeout", e.cfg.ShutdownTimeout))
			e.reporter.Warning(
				fmt.Sprintf("Timed out waiting for the task scheduler to stop after %s", e.cfg.ShutdownTimeout), "")
		case <-ctx.Done():
			e.logger.Warn("Shutdown interrupted before tasks stopped", zap.Error(ctx.Err()))
		}
		timer.Stop()
	}

	e.sink.Flush(ctx)
	if p, ok := e.sink.(Persister); ok {
		if err := p.Persist(ctx); err != nil {
			e.logger.Warn("Failed to persist unsent reports", zap.Error(err))
		}
	}
	e.logger.Info("Extractor shut down")
}

// Close shuts the extractor down with a background context.
func (e *Extractor) Close() error {
	e.Shutdown(context.Background())
	return nil
}
