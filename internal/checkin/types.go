package checkin

import (
	"time"

	"github.com/cognitedata/extractor-utils-go/internal/integration"
)

// Request is the body of a check-in call.
type Request struct {
	ExternalID string         `json:"externalId"`
	TaskEvents []TaskEvent    `json:"taskEvents,omitempty"`
	Errors     []ErrorPayload `json:"errors,omitempty"`
}

// TaskEvent is the wire form of integration.TaskUpdate.
type TaskEvent struct {
	Type      string `json:"type"`
	Name      string `json:"name"`
	Timestamp int64  `json:"timestamp"` // Milliseconds since epoch
	Message   string `json:"message,omitempty"`
}

// ErrorPayload is the wire form of integration.ExtractorError.
type ErrorPayload struct {
	ExternalID  string `json:"externalId"`
	Level       string `json:"level"`
	Description string `json:"description"`
	Details     string `json:"details,omitempty"`
	Task        string `json:"task,omitempty"`
	StartTime   int64  `json:"startTime"`
	EndTime     *int64 `json:"endTime,omitempty"`
}

// Response is the body returned by a check-in call.
type Response struct {
	ExternalID         string `json:"externalId"`
	LastConfigRevision *int   `json:"lastConfigRevision,omitempty"`
}

// RemoteConfig is a configuration revision stored in the control plane.
type RemoteConfig struct {
	Integration string `json:"integration"`
	Revision    int    `json:"revision"`
	Config      string `json:"config"` // YAML text
}

func newRequest(externalID string, errs []integration.ExtractorError, updates []integration.TaskUpdate) *Request {
	req := &Request{ExternalID: externalID}
	for _, u := range updates {
		req.TaskEvents = append(req.TaskEvents, TaskEvent{
			Type:      string(u.Type),
			Name:      u.Name,
			Timestamp: u.Timestamp.UnixMilli(),
			Message:   u.Message,
		})
	}
	for _, e := range errs {
		p := ErrorPayload{
			ExternalID:  e.ExternalID,
			Level:       string(e.Level),
			Description: e.Description,
			Details:     e.Details,
			Task:        e.TaskName,
			StartTime:   e.StartTime.UnixMilli(),
		}
		if e.EndTime != nil {
			end := e.EndTime.UnixMilli()
			p.EndTime = &end
		}
		req.Errors = append(req.Errors, p)
	}
	return req
}

// fromMillis converts a wire timestamp back to time.Time.
func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// ToTaskUpdate converts a wire event back into an integration.TaskUpdate.
func (e TaskEvent) ToTaskUpdate() integration.TaskUpdate {
	return integration.TaskUpdate{
		Type:      integration.TaskUpdateType(e.Type),
		Name:      e.Name,
		Timestamp: fromMillis(e.Timestamp),
		Message:   e.Message,
	}
}

// ToExtractorError converts a wire error back into an integration.ExtractorError.
func (p ErrorPayload) ToExtractorError() integration.ExtractorError {
	e := integration.ExtractorError{
		Level:       integration.Level(p.Level),
		ExternalID:  p.ExternalID,
		Description: p.Description,
		Details:     p.Details,
		TaskName:    p.Task,
		StartTime:   fromMillis(p.StartTime),
	}
	if p.EndTime != nil {
		end := fromMillis(*p.EndTime)
		e.EndTime = &end
	}
	return e
}
