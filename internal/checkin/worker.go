package checkin

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/cognitedata/extractor-utils-go/internal/events"
	"github.com/cognitedata/extractor-utils-go/internal/integration"
)

// DefaultInterval is the check-in interval used when none is given.
const DefaultInterval = 30 * time.Second

// ErrAlreadyRunning is returned by RunPeriodicCheckIn when another
// periodic loop is active on the same worker.
var ErrAlreadyRunning = errors.New("periodic check-in is already running")

// Store persists buffered reports across restarts.
type Store interface {
	Save(ctx context.Context, errs []integration.ExtractorError, updates []integration.TaskUpdate) error
	Load(ctx context.Context) ([]integration.ExtractorError, []integration.TaskUpdate, error)
}

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	IntegrationID string
	Client        Client
	Logger        *zap.Logger
	Clock         clock.Clock
	Bus           *events.EventBus // Optional

	// ActiveRevision is the configuration revision the extractor runs
	// with. Nil disables revision tracking.
	ActiveRevision *int
	// OnRevisionChanged is called when a check-in response reports a
	// different revision.
	OnRevisionChanged func(revision int)

	Store Store // Optional, used by Persist and Restore

	MaxErrorsPerCheckIn      int // Default MaxErrorsPerCheckIn
	MaxTaskUpdatesPerCheckIn int // Default MaxTaskUpdatesPerCheckIn
}

// Worker is the production integration.Sink. It buffers errors and task
// events and sends them to the integrations API in time-ordered batches.
type Worker struct {
	cfg    WorkerConfig
	logger *zap.Logger
	clock  clock.Clock

	mu      sync.Mutex
	errors  map[string]integration.ExtractorError
	updates []integration.TaskUpdate

	revMu          sync.Mutex
	activeRevision *int

	flushMu sync.Mutex
	running atomic.Bool
}

// NewWorker creates a Worker.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.IntegrationID == "" {
		return nil, fmt.Errorf("integration id is required")
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("check-in client is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.MaxErrorsPerCheckIn <= 0 {
		cfg.MaxErrorsPerCheckIn = MaxErrorsPerCheckIn
	}
	if cfg.MaxTaskUpdatesPerCheckIn <= 0 {
		cfg.MaxTaskUpdatesPerCheckIn = MaxTaskUpdatesPerCheckIn
	}

	w := &Worker{
		cfg:    cfg,
		logger: cfg.Logger.With(zap.String("integration", cfg.IntegrationID)),
		clock:  cfg.Clock,
		errors: make(map[string]integration.ExtractorError),
	}
	if cfg.ActiveRevision != nil {
		rev := *cfg.ActiveRevision
		w.activeRevision = &rev
	}
	return w, nil
}

// ReportError stores the latest view of err.
func (w *Worker) ReportError(err integration.ExtractorError) {
	w.mu.Lock()
	w.errors[err.ExternalID] = err
	w.mu.Unlock()

	if err.EndTime == nil {
		w.cfg.Bus.Publish(events.ErrorReportedEvent{Level: string(err.Level), TaskName: err.TaskName})
	}
}

// Import stores errors that were already published elsewhere, so they are
// sent with the next check-in without being counted twice.
func (w *Worker) Import(errs []integration.ExtractorError) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, err := range errs {
		w.errors[err.ExternalID] = err
	}
}

// ReportTaskStart buffers a task start event. A zero time means now.
func (w *Worker) ReportTaskStart(name string, payload *integration.TaskUpdatePayload, at time.Time) error {
	w.addUpdate(integration.TaskStarted, name, payload, at)
	return nil
}

// ReportTaskEnd buffers a task end event. A zero time means now.
func (w *Worker) ReportTaskEnd(name string, payload *integration.TaskUpdatePayload, at time.Time) error {
	w.addUpdate(integration.TaskEnded, name, payload, at)
	return nil
}

func (w *Worker) addUpdate(typ integration.TaskUpdateType, name string, payload *integration.TaskUpdatePayload, at time.Time) {
	if at.IsZero() {
		at = w.clock.Now()
	}
	update := integration.NewTaskUpdate(typ, name, payload, at)

	w.mu.Lock()
	w.updates = append(w.updates, update)
	w.mu.Unlock()
}

// ActiveRevision returns the configuration revision currently tracked,
// or nil if revision tracking is disabled.
func (w *Worker) ActiveRevision() *int {
	w.revMu.Lock()
	defer w.revMu.Unlock()
	if w.activeRevision == nil {
		return nil
	}
	rev := *w.activeRevision
	return &rev
}

// Pending returns the number of buffered errors and task events.
func (w *Worker) Pending() (errs int, updates int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.errors), len(w.updates)
}

// Flush sends everything buffered. Failures are logged, never returned.
func (w *Worker) Flush(ctx context.Context) {
	if err := w.flush(ctx); err != nil {
		w.logger.Warn("Check-in failed, reports kept for next attempt", zap.Error(err))
	}
}

// RunPeriodicCheckIn flushes every interval until ctx is cancelled. The
// interval is measured from the start of each flush. Only one loop may
// run at a time.
func (w *Worker) RunPeriodicCheckIn(ctx context.Context, interval time.Duration) error {
	if !w.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer w.running.Store(false)

	if interval <= 0 {
		interval = DefaultInterval
	}

	for {
		timer := w.clock.Timer(interval)
		w.Flush(ctx)

		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (w *Worker) flush(ctx context.Context) error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	errs, updates := w.take()
	sortErrors(errs)
	sortUpdates(updates)

	if len(errs) <= w.cfg.MaxErrorsPerCheckIn && len(updates) <= w.cfg.MaxTaskUpdatesPerCheckIn {
		return w.send(ctx, errs, updates, nil, nil)
	}

	for len(errs) > 0 || len(updates) > 0 {
		if err := ctx.Err(); err != nil {
			w.requeue(errs, updates)
			return err
		}

		var batchErrs []integration.ExtractorError
		var batchUpdates []integration.TaskUpdate
		batchErrs, batchUpdates, errs, updates = nextBatch(errs, updates,
			w.cfg.MaxErrorsPerCheckIn, w.cfg.MaxTaskUpdatesPerCheckIn)

		if err := w.send(ctx, batchErrs, batchUpdates, errs, updates); err != nil {
			return err
		}
	}
	return nil
}

// take detaches the live buffers and replaces them with empty ones.
func (w *Worker) take() ([]integration.ExtractorError, []integration.TaskUpdate) {
	w.mu.Lock()
	defer w.mu.Unlock()

	errs := make([]integration.ExtractorError, 0, len(w.errors))
	for _, e := range w.errors {
		errs = append(errs, e)
	}
	updates := w.updates

	w.errors = make(map[string]integration.ExtractorError)
	w.updates = nil
	return errs, updates
}

// requeue puts unsent reports back into the live buffers. An error that
// was reported again in the meantime keeps its newer view. Requeued task
// events are older than anything buffered since, so they go first.
func (w *Worker) requeue(errs []integration.ExtractorError, updates []integration.TaskUpdate) {
	if len(errs) == 0 && len(updates) == 0 {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, e := range errs {
		if _, ok := w.errors[e.ExternalID]; !ok {
			w.errors[e.ExternalID] = e
		}
	}
	if len(updates) > 0 {
		merged := make([]integration.TaskUpdate, 0, len(updates)+len(w.updates))
		merged = append(merged, updates...)
		w.updates = append(merged, w.updates...)
	}
}

// send transmits one batch. rest is what remains of the current flush,
// and is requeued together with the batch on a retryable failure.
func (w *Worker) send(
	ctx context.Context,
	errs []integration.ExtractorError,
	updates []integration.TaskUpdate,
	restErrs []integration.ExtractorError,
	restUpdates []integration.TaskUpdate,
) error {
	start := w.clock.Now()
	resp, err := w.cfg.Client.CheckIn(ctx, newRequest(w.cfg.IntegrationID, errs, updates))

	ev := events.CheckInEvent{
		Errors:     len(errs),
		TaskEvents: len(updates),
		Err:        err,
		Duration:   w.clock.Since(start),
	}

	if err != nil {
		if IsClientError(err) {
			ev.Dropped = true
			w.cfg.Bus.Publish(ev)
			w.logger.Error("Check-in rejected by server, dropping batch",
				zap.Int("errors", len(errs)),
				zap.Int("taskEvents", len(updates)),
				zap.Error(err))
			return nil
		}

		w.cfg.Bus.Publish(ev)
		w.requeue(append(errs, restErrs...), append(updates, restUpdates...))
		return fmt.Errorf("checking in: %w", err)
	}

	w.cfg.Bus.Publish(ev)
	w.logger.Debug("Checked in",
		zap.Int("errors", len(errs)),
		zap.Int("taskEvents", len(updates)))
	w.handleResponse(resp)
	return nil
}

func (w *Worker) handleResponse(resp *Response) {
	if resp == nil || resp.LastConfigRevision == nil {
		return
	}
	rev := *resp.LastConfigRevision

	w.revMu.Lock()
	if w.activeRevision == nil || *w.activeRevision == rev {
		w.revMu.Unlock()
		return
	}
	previous := *w.activeRevision
	w.activeRevision = &rev
	w.revMu.Unlock()

	w.logger.Info("Remote configuration revision changed",
		zap.Int("previous", previous), zap.Int("revision", rev))
	w.cfg.Bus.Publish(events.RevisionChangedEvent{Previous: previous, Revision: rev})
	if w.cfg.OnRevisionChanged != nil {
		w.cfg.OnRevisionChanged(rev)
	}
}

// Persist moves everything buffered into the store. On failure the
// reports stay in memory.
func (w *Worker) Persist(ctx context.Context) error {
	if w.cfg.Store == nil {
		return nil
	}

	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	errs, updates := w.take()
	if len(errs) == 0 && len(updates) == 0 {
		return nil
	}
	if err := w.cfg.Store.Save(ctx, errs, updates); err != nil {
		w.requeue(errs, updates)
		return fmt.Errorf("persisting check-in buffer: %w", err)
	}
	w.logger.Info("Persisted pending reports",
		zap.Int("errors", len(errs)), zap.Int("taskEvents", len(updates)))
	return nil
}

// Restore loads reports left in the store by a previous run into the
// live buffers.
func (w *Worker) Restore(ctx context.Context) error {
	if w.cfg.Store == nil {
		return nil
	}

	errs, updates, err := w.cfg.Store.Load(ctx)
	if err != nil {
		return fmt.Errorf("restoring check-in buffer: %w", err)
	}
	sortUpdates(updates)
	w.requeue(errs, updates)
	if len(errs) > 0 || len(updates) > 0 {
		w.logger.Info("Restored pending reports",
			zap.Int("errors", len(errs)), zap.Int("taskEvents", len(updates)))
	}
	return nil
}
