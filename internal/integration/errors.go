package integration

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// Level is the severity of an ExtractorError.
type Level string

const (
	LevelWarning Level = "warning" // Informational, extraction continues
	LevelError   Level = "error"   // Noteworthy, extraction continues
	LevelFatal   Level = "fatal"   // The owning task or extractor stops
)

// ExtractorError is a single error event as seen by a Sink.
// ExternalID is the identity of the event: a sink may receive the same
// error several times (once when opened, once when finished) and must
// keep only the latest view per ExternalID.
type ExtractorError struct {
	Level       Level
	ExternalID  string
	Description string
	Details     string     // Optional
	TaskName    string     // Empty when not attributed to a task
	StartTime   time.Time
	EndTime     *time.Time // Nil while the error is still ongoing
}

// Time returns the time used to order errors: the end time if the error
// has been closed, otherwise the start time.
func (e ExtractorError) Time() time.Time {
	if e.EndTime != nil {
		return *e.EndTime
	}
	return e.StartTime
}

// OngoingError is an open error returned by the Begin* methods of
// ErrorReporter. It must be closed with Finish, FinishAt or Close.
type OngoingError struct {
	mu     sync.Mutex
	err    ExtractorError
	sink   Sink
	clock  clock.Clock
	closed bool
}

// Finish closes the error at the current time.
func (o *OngoingError) Finish() {
	o.FinishAt(o.clock.Now())
}

// FinishAt closes the error at the given time. Closing an already
// finished error does nothing.
func (o *OngoingError) FinishAt(t time.Time) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	end := t
	o.err.EndTime = &end
	snapshot := o.err
	o.mu.Unlock()

	o.sink.ReportError(snapshot)
}

// Close finishes the error. It implements io.Closer so an error can be
// scoped with defer.
func (o *OngoingError) Close() error {
	o.Finish()
	return nil
}

// Error returns a copy of the current state of the error.
func (o *OngoingError) Error() ExtractorError {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// ErrorReporter creates errors and hands them to a Sink. Tasks get a
// reporter attributed to their name; the extractor itself uses one
// without a task name.
type ErrorReporter struct {
	sink     Sink
	taskName string
	clock    clock.Clock
}

// NewErrorReporter creates a reporter writing to sink. taskName may be
// empty. A nil clock means wall-clock time.
func NewErrorReporter(sink Sink, taskName string, clk clock.Clock) *ErrorReporter {
	if clk == nil {
		clk = clock.New()
	}
	return &ErrorReporter{
		sink:     sink,
		taskName: taskName,
		clock:    clk,
	}
}

// Begin opens a new error at the given time and reports it.
func (r *ErrorReporter) Begin(level Level, description, details string, at time.Time) *OngoingError {
	o := &OngoingError{
		err: ExtractorError{
			Level:       level,
			ExternalID:  uuid.NewString(),
			Description: description,
			Details:     details,
			TaskName:    r.taskName,
			StartTime:   at,
		},
		sink:  r.sink,
		clock: r.clock,
	}
	r.sink.ReportError(o.err)
	return o
}

// Report creates an instantaneous error, started and finished at the given time.
func (r *ErrorReporter) Report(level Level, description, details string, at time.Time) ExtractorError {
	o := r.Begin(level, description, details, at)
	o.FinishAt(at)
	return o.Error()
}

// BeginWarning opens a warning at the current time.
func (r *ErrorReporter) BeginWarning(description, details string) *OngoingError {
	return r.Begin(LevelWarning, description, details, r.clock.Now())
}

// BeginError opens an error at the current time.
func (r *ErrorReporter) BeginError(description, details string) *OngoingError {
	return r.Begin(LevelError, description, details, r.clock.Now())
}

// BeginFatal opens a fatal error at the current time.
func (r *ErrorReporter) BeginFatal(description, details string) *OngoingError {
	return r.Begin(LevelFatal, description, details, r.clock.Now())
}

// Warning reports an instantaneous warning.
func (r *ErrorReporter) Warning(description, details string) ExtractorError {
	return r.Report(LevelWarning, description, details, r.clock.Now())
}

// Error reports an instantaneous error.
func (r *ErrorReporter) Error(description, details string) ExtractorError {
	return r.Report(LevelError, description, details, r.clock.Now())
}

// Fatal reports an instantaneous fatal error.
func (r *ErrorReporter) Fatal(description, details string) ExtractorError {
	return r.Report(LevelFatal, description, details, r.clock.Now())
}
