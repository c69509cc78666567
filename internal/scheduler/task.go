package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cognitedata/extractor-utils-go/internal/integration"
)

// Task is a unit of work managed by the Scheduler.
type Task interface {
	// Name identifies the task. Names are unique within a scheduler.
	Name() string
	// ErrorIsFatal makes a failure of this task stop the scheduler.
	ErrorIsFatal() bool
	// Schedule returns when the task runs again after a start, or nil
	// if it only runs when triggered.
	Schedule() Schedule
	// CanRunNow reports whether the task may start. It is called by the
	// scheduler while holding its lock and must not call back into it.
	CanRunNow() bool
	// Run does the work. The returned payload is attached to the task end event.
	Run(ctx context.Context, reporter *TaskReporter) (*integration.TaskUpdatePayload, error)
}

// DependentTask is a Task that only starts once every named task has
// completed successfully at least once and is not currently running.
type DependentTask interface {
	Task
	DependsOn() []string
}

// ResourceTask is a Task that needs exclusive access to some resources.
// Tasks sharing a resource never run at the same time.
type ResourceTask interface {
	Task
	Resources() []string
}

// ReadyNotifier is implemented by tasks that can tell the scheduler when
// CanRunNow may have changed, instead of waiting for the next poll.
type ReadyNotifier interface {
	SetReadyCallback(ready func())
}

// Schedule computes the next run time of a recurring task.
type Schedule interface {
	Next(from time.Time) time.Time
}

type intervalSchedule time.Duration

func (s intervalSchedule) Next(from time.Time) time.Time {
	return from.Add(time.Duration(s))
}

// Every returns a fixed interval schedule.
func Every(d time.Duration) Schedule {
	return intervalSchedule(d)
}

// ParseCron parses a standard five-field cron expression, or a
// descriptor such as "@hourly" or "@every 5m".
func ParseCron(expr string) (Schedule, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("parsing cron expression %q: %w", expr, err)
	}
	return sched, nil
}

// FuncTask adapts a function to the Task interface.
type FuncTask struct {
	TaskName string
	Fatal    bool
	Every    Schedule    // Optional
	Ready    func() bool // Optional, defaults to always ready
	Deps     []string    // Optional
	Locks    []string    // Optional
	Fn       func(ctx context.Context, reporter *TaskReporter) (*integration.TaskUpdatePayload, error)

	notify atomic.Pointer[func()]
}

func (t *FuncTask) Name() string       { return t.TaskName }
func (t *FuncTask) ErrorIsFatal() bool { return t.Fatal }
func (t *FuncTask) Schedule() Schedule { return t.Every }
func (t *FuncTask) DependsOn() []string {
	return t.Deps
}
func (t *FuncTask) Resources() []string {
	return t.Locks
}

func (t *FuncTask) CanRunNow() bool {
	if t.Ready == nil {
		return true
	}
	return t.Ready()
}

func (t *FuncTask) Run(ctx context.Context, reporter *TaskReporter) (*integration.TaskUpdatePayload, error) {
	return t.Fn(ctx, reporter)
}

// SetReadyCallback stores the scheduler's wake function.
func (t *FuncTask) SetReadyCallback(ready func()) {
	t.notify.Store(&ready)
}

// NotifyReady wakes the scheduler so it re-evaluates CanRunNow. It does
// nothing before the task is added to a scheduler.
func (t *FuncTask) NotifyReady() {
	if notify := t.notify.Load(); notify != nil && *notify != nil {
		(*notify)()
	}
}

// OutcomeKind classifies how a task run ended.
type OutcomeKind int

const (
	OutcomeCompleted OutcomeKind = iota
	OutcomeFailed
	OutcomeCancelled
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("OutcomeKind(%d)", int(k))
	}
}

// Outcome is the result of one task run.
type Outcome struct {
	Kind    OutcomeKind
	Payload *integration.TaskUpdatePayload // Set when Completed
	Err     error                          // Set when Failed
}

// PanicError is the failure recorded when a task panics.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Value)
}

// TaskStatus is a snapshot of a registered task.
type TaskStatus struct {
	Name        string
	Running     bool
	NextRun     *time.Time
	Runs        int
	Completions int
	LastOutcome *Outcome
}
