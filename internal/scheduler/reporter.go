package scheduler

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/cognitedata/extractor-utils-go/internal/integration"
)

var (
	// ErrTaskAlreadyStarted is returned when a start is reported for a running task.
	ErrTaskAlreadyStarted = errors.New("task is already running")
	// ErrTaskNotStarted is returned when an end is reported for a task that is not running.
	ErrTaskNotStarted = errors.New("task is not running")
)

// TaskReporter is handed to a running task. It reports errors attributed
// to the task and its start and end events.
type TaskReporter struct {
	*integration.ErrorReporter

	name  string
	sink  integration.Sink
	clock clock.Clock

	mu      sync.Mutex
	running bool
}

// NewTaskReporter creates a reporter for the named task.
func NewTaskReporter(sink integration.Sink, name string, clk clock.Clock) *TaskReporter {
	if clk == nil {
		clk = clock.New()
	}
	return &TaskReporter{
		ErrorReporter: integration.NewErrorReporter(sink, name, clk),
		name:          name,
		sink:          sink,
		clock:         clk,
	}
}

// TaskName returns the name of the task this reporter belongs to.
func (r *TaskReporter) TaskName() string {
	return r.name
}

// ReportStart reports that the task started. A zero time means now.
func (r *TaskReporter) ReportStart(payload *integration.TaskUpdatePayload, at time.Time) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return ErrTaskAlreadyStarted
	}
	r.running = true
	r.mu.Unlock()

	if at.IsZero() {
		at = r.clock.Now()
	}
	return r.sink.ReportTaskStart(r.name, payload, at)
}

// ReportEnd reports that the task ended. A zero time means now.
func (r *TaskReporter) ReportEnd(payload *integration.TaskUpdatePayload, at time.Time) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return ErrTaskNotStarted
	}
	r.running = false
	r.mu.Unlock()

	if at.IsZero() {
		at = r.clock.Now()
	}
	return r.sink.ReportTaskEnd(r.name, payload, at)
}
