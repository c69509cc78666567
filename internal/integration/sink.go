package integration

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cognitedata/extractor-utils-go/internal/events"
)

// ErrNotSupported is returned by sinks that cannot handle an operation,
// typically because the integration has not been registered yet.
var ErrNotSupported = errors.New("operation not supported by this sink")

// TaskUpdateType is the kind of task lifecycle event.
type TaskUpdateType string

const (
	TaskStarted TaskUpdateType = "started"
	TaskEnded   TaskUpdateType = "ended"
)

// TaskUpdatePayload is optional information attached to a task event.
type TaskUpdatePayload struct {
	Message string
}

// TaskUpdate is a single task start or end event.
type TaskUpdate struct {
	Type      TaskUpdateType
	Name      string
	Timestamp time.Time
	Message   string
}

// NewTaskUpdate builds a TaskUpdate, copying the payload message if present.
func NewTaskUpdate(typ TaskUpdateType, name string, payload *TaskUpdatePayload, at time.Time) TaskUpdate {
	u := TaskUpdate{
		Type:      typ,
		Name:      name,
		Timestamp: at,
	}
	if payload != nil {
		u.Message = payload.Message
	}
	return u
}

// Sink receives errors and task events from the scheduler and the
// extractor. Implementations are safe for concurrent use.
type Sink interface {
	// ReportError stores the latest view of an error, keyed by ExternalID.
	ReportError(err ExtractorError)
	// ReportTaskStart records that a task started at the given time.
	ReportTaskStart(name string, payload *TaskUpdatePayload, at time.Time) error
	// ReportTaskEnd records that a task ended at the given time.
	ReportTaskEnd(name string, payload *TaskUpdatePayload, at time.Time) error
	// Flush transmits everything buffered. It never fails; problems are logged.
	Flush(ctx context.Context)
	// RunPeriodicCheckIn reports periodically until ctx is cancelled.
	RunPeriodicCheckIn(ctx context.Context, interval time.Duration) error
}

// LogSink writes everything it receives to a logger. It is used when the
// extractor runs without a remote integration.
type LogSink struct {
	logger *zap.Logger
	bus    *events.EventBus
}

// NewLogSink creates a LogSink. A nil logger discards output; bus may be
// nil.
func NewLogSink(logger *zap.Logger, bus *events.EventBus) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger, bus: bus}
}

// ReportError logs the error when it is opened, and logs resolution of
// errors that stayed open for a while.
func (s *LogSink) ReportError(err ExtractorError) {
	if err.EndTime == nil {
		logError(s.logger, err)
		publishError(s.bus, err)
		return
	}
	if err.EndTime.Equal(err.StartTime) {
		return
	}
	s.logger.Info("Error resolved",
		zap.String("id", err.ExternalID),
		zap.String("task", err.TaskName),
		zap.Duration("duration", err.EndTime.Sub(err.StartTime)))
}

// ReportTaskStart logs the start of a task.
func (s *LogSink) ReportTaskStart(name string, payload *TaskUpdatePayload, at time.Time) error {
	s.logger.Debug("Task started", zap.String("task", name), zap.Time("at", at))
	return nil
}

// ReportTaskEnd logs the end of a task.
func (s *LogSink) ReportTaskEnd(name string, payload *TaskUpdatePayload, at time.Time) error {
	fields := []zap.Field{zap.String("task", name), zap.Time("at", at)}
	if payload != nil && payload.Message != "" {
		fields = append(fields, zap.String("message", payload.Message))
	}
	s.logger.Debug("Task ended", fields...)
	return nil
}

// Flush does nothing.
func (s *LogSink) Flush(ctx context.Context) {}

// RunPeriodicCheckIn blocks until ctx is cancelled. There is nothing to
// check in, but the extractor treats an early return as a crash.
func (s *LogSink) RunPeriodicCheckIn(ctx context.Context, interval time.Duration) error {
	<-ctx.Done()
	return nil
}

// BootstrapSink collects errors raised before the integration is known,
// for example while loading configuration. Task events and check-ins are
// rejected with ErrNotSupported.
type BootstrapSink struct {
	logger *zap.Logger
	bus    *events.EventBus

	mu     sync.Mutex
	errors map[string]ExtractorError
	order  []string
}

// NewBootstrapSink creates an empty BootstrapSink. bus may be nil.
func NewBootstrapSink(logger *zap.Logger, bus *events.EventBus) *BootstrapSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BootstrapSink{
		logger: logger,
		bus:    bus,
		errors: make(map[string]ExtractorError),
	}
}

// ReportError logs the error and keeps it until Drain is called. Errors
// are logged and published once, when first seen.
func (s *BootstrapSink) ReportError(err ExtractorError) {
	s.mu.Lock()
	_, seen := s.errors[err.ExternalID]
	if !seen {
		s.order = append(s.order, err.ExternalID)
	}
	s.errors[err.ExternalID] = err
	s.mu.Unlock()

	if !seen {
		logError(s.logger, err)
		publishError(s.bus, err)
	}
}

// ReportTaskStart is not supported before the integration is registered.
func (s *BootstrapSink) ReportTaskStart(name string, payload *TaskUpdatePayload, at time.Time) error {
	return ErrNotSupported
}

// ReportTaskEnd is not supported before the integration is registered.
func (s *BootstrapSink) ReportTaskEnd(name string, payload *TaskUpdatePayload, at time.Time) error {
	return ErrNotSupported
}

// Flush does nothing.
func (s *BootstrapSink) Flush(ctx context.Context) {}

// RunPeriodicCheckIn is not supported before the integration is registered.
func (s *BootstrapSink) RunPeriodicCheckIn(ctx context.Context, interval time.Duration) error {
	return ErrNotSupported
}

// Drain returns the collected errors in the order they were first seen
// and empties the sink.
func (s *BootstrapSink) Drain() []ExtractorError {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ExtractorError, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.errors[id])
	}
	s.errors = make(map[string]ExtractorError)
	s.order = nil
	return out
}

func publishError(bus *events.EventBus, err ExtractorError) {
	bus.Publish(events.ErrorReportedEvent{Level: string(err.Level), TaskName: err.TaskName})
}

func logError(logger *zap.Logger, err ExtractorError) {
	fields := []zap.Field{
		zap.String("id", err.ExternalID),
		zap.String("description", err.Description),
	}
	if err.TaskName != "" {
		fields = append(fields, zap.String("task", err.TaskName))
	}
	if err.Details != "" {
		fields = append(fields, zap.String("details", err.Details))
	}

	switch err.Level {
	case LevelWarning:
		logger.Warn("Extractor warning", fields...)
	default:
		logger.Error("Extractor error", append(fields, zap.String("level", string(err.Level)))...)
	}
}
