// Package sinktest provides a recording integration.Sink for tests.
package sinktest

import (
	"context"
	"sync"
	"time"

	"github.com/cognitedata/extractor-utils-go/internal/integration"
)

// Recorder is an integration.Sink that keeps every call in memory.
type Recorder struct {
	mu          sync.Mutex
	errorCalls  []integration.ExtractorError
	starts      []integration.TaskUpdate
	ends        []integration.TaskUpdate
	flushes     int
	CheckInFunc func(ctx context.Context, interval time.Duration) error
}

// New creates an empty Recorder. Its RunPeriodicCheckIn blocks until the
// context is cancelled unless CheckInFunc is set.
func New() *Recorder {
	return &Recorder{}
}

func (r *Recorder) ReportError(err integration.ExtractorError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errorCalls = append(r.errorCalls, err)
}

func (r *Recorder) ReportTaskStart(name string, payload *integration.TaskUpdatePayload, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts = append(r.starts, integration.NewTaskUpdate(integration.TaskStarted, name, payload, at))
	return nil
}

func (r *Recorder) ReportTaskEnd(name string, payload *integration.TaskUpdatePayload, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ends = append(r.ends, integration.NewTaskUpdate(integration.TaskEnded, name, payload, at))
	return nil
}

func (r *Recorder) Flush(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushes++
}

func (r *Recorder) RunPeriodicCheckIn(ctx context.Context, interval time.Duration) error {
	if r.CheckInFunc != nil {
		return r.CheckInFunc(ctx, interval)
	}
	<-ctx.Done()
	return nil
}

// ErrorCalls returns every ReportError argument in call order.
func (r *Recorder) ErrorCalls() []integration.ExtractorError {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]integration.ExtractorError(nil), r.errorCalls...)
}

// ErrorsWithLevel returns the ReportError arguments with the given level.
func (r *Recorder) ErrorsWithLevel(level integration.Level) []integration.ExtractorError {
	var out []integration.ExtractorError
	for _, e := range r.ErrorCalls() {
		if e.Level == level {
			out = append(out, e)
		}
	}
	return out
}

// DistinctErrors returns the number of distinct external ids reported.
func (r *Recorder) DistinctErrors() int {
	seen := make(map[string]struct{})
	for _, e := range r.ErrorCalls() {
		seen[e.ExternalID] = struct{}{}
	}
	return len(seen)
}

// Starts returns the recorded task starts for name, or all starts if name is empty.
func (r *Recorder) Starts(name string) []integration.TaskUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return filter(r.starts, name)
}

// Ends returns the recorded task ends for name, or all ends if name is empty.
func (r *Recorder) Ends(name string) []integration.TaskUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return filter(r.ends, name)
}

// Flushes returns how many times Flush was called.
func (r *Recorder) Flushes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flushes
}

func filter(updates []integration.TaskUpdate, name string) []integration.TaskUpdate {
	var out []integration.TaskUpdate
	for _, u := range updates {
		if name == "" || u.Name == name {
			out = append(out, u)
		}
	}
	return out
}
