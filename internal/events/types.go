package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	Topic() string
	EventType() string
}

// Topic constants
const (
	TopicTask    = "task"
	TopicError   = "error"
	TopicCheckIn = "checkin"
)

// Event type constants
const (
	EventTypeTaskStarted     = "task.started"
	EventTypeTaskEnded       = "task.ended"
	EventTypeErrorReported   = "error.reported"
	EventTypeCheckIn         = "checkin.completed"
	EventTypeRevisionChanged = "checkin.revision_changed"
)

// TaskStartedEvent is published when the scheduler starts a task.
type TaskStartedEvent struct {
	Name      string
	Timestamp time.Time
}

func (e TaskStartedEvent) Topic() string     { return TopicTask }
func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }

// TaskEndedEvent is published when the scheduler finalizes a task run.
// Outcome is one of "completed", "failed" or "cancelled".
type TaskEndedEvent struct {
	Name      string
	Outcome   string
	Err       error
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskEndedEvent) Topic() string     { return TopicTask }
func (e TaskEndedEvent) EventType() string { return EventTypeTaskEnded }

// ErrorReportedEvent is published the first time an error id is seen.
type ErrorReportedEvent struct {
	Level    string
	TaskName string
}

func (e ErrorReportedEvent) Topic() string     { return TopicError }
func (e ErrorReportedEvent) EventType() string { return EventTypeErrorReported }

// CheckInEvent is published after every check-in request.
type CheckInEvent struct {
	Errors     int
	TaskEvents int
	Err        error
	Dropped    bool // Rejected by the server, not retried
	Duration   time.Duration
}

func (e CheckInEvent) Topic() string     { return TopicCheckIn }
func (e CheckInEvent) EventType() string { return EventTypeCheckIn }

// RevisionChangedEvent is published when the control plane reports a new
// configuration revision.
type RevisionChangedEvent struct {
	Previous int
	Revision int
}

func (e RevisionChangedEvent) Topic() string     { return TopicCheckIn }
func (e RevisionChangedEvent) EventType() string { return EventTypeRevisionChanged }
