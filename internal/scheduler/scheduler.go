// Package scheduler runs named tasks concurrently, honouring each task's
// readiness check, schedule and dependencies, and reports their
// lifecycle to an integration.Sink.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/cognitedata/extractor-utils-go/internal/events"
	"github.com/cognitedata/extractor-utils-go/internal/integration"
	"github.com/cognitedata/extractor-utils-go/internal/logger"
)

// DefaultPollInterval is how often readiness is re-checked for due tasks
// that could not start.
const DefaultPollInterval = time.Second

var (
	ErrTaskExists     = errors.New("task already exists")
	ErrTaskNotFound   = errors.New("task not found")
	ErrWaitTimeout    = errors.New("timed out waiting for task to end")
	ErrAlreadyRunning = errors.New("scheduler is already running")
	// ErrTaskCancelled is delivered to waiters of a cancelled task. It
	// wraps context.Canceled.
	ErrTaskCancelled = fmt.Errorf("task was cancelled: %w", context.Canceled)
)

// Config configures a Scheduler.
type Config struct {
	Sink         integration.Sink
	Logger       *zap.Logger
	Clock        clock.Clock
	Bus          *events.EventBus // Optional
	PollInterval time.Duration    // Default DefaultPollInterval
}

type activeRun struct {
	cancel    context.CancelFunc
	done      chan struct{}
	outcome   Outcome
	cancelled atomic.Bool // Set when the scheduler cancelled this run itself
	startedAt time.Time
}

type registeredTask struct {
	task        Task
	reporter    *TaskReporter
	nextRun     *time.Time
	active      *activeRun
	waiters     []chan error
	runs        int
	completions int
	lastOutcome *Outcome
}

// Scheduler runs tasks concurrently. Bookkeeping happens in Run, one tick
// at a time under a single lock; task bodies run on their own goroutines.
type Scheduler struct {
	sink         integration.Sink
	logger       *zap.Logger
	clock        clock.Clock
	bus          *events.EventBus
	pollInterval time.Duration

	mu      sync.Mutex
	tasks   map[string]*registeredTask
	order   []string
	locks   *resourceLocks
	running bool

	wakeCh chan struct{}
}

// New creates a Scheduler.
func New(cfg Config) *Scheduler {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Sink == nil {
		cfg.Sink = integration.NewLogSink(cfg.Logger, cfg.Bus)
	}

	return &Scheduler{
		sink:         cfg.Sink,
		logger:       cfg.Logger,
		clock:        cfg.Clock,
		bus:          cfg.Bus,
		pollInterval: cfg.PollInterval,
		tasks:        make(map[string]*registeredTask),
		locks:        newResourceLocks(),
		wakeCh:       make(chan struct{}, 1),
	}
}

// wake makes the run loop do another tick as soon as possible.
func (s *Scheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// AddScheduledTask registers a task. With runImmediately the task is due
// at once; otherwise its first run is one schedule step from now, or
// never if it has no schedule and is not triggered with ScheduleTaskNow.
func (s *Scheduler) AddScheduledTask(task Task, runImmediately bool) error {
	name := task.Name()

	s.mu.Lock()
	if _, exists := s.tasks[name]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrTaskExists, name)
	}

	rt := &registeredTask{
		task:     task,
		reporter: NewTaskReporter(s.sink, name, s.clock),
	}
	now := s.clock.Now()
	if runImmediately {
		rt.nextRun = &now
	} else if sched := task.Schedule(); sched != nil {
		next := sched.Next(now)
		rt.nextRun = &next
	}
	s.tasks[name] = rt
	s.order = append(s.order, name)
	s.mu.Unlock()

	if rn, ok := task.(ReadyNotifier); ok {
		rn.SetReadyCallback(s.wake)
	}
	s.logger.Debug("Task added", zap.String("task", name), zap.Bool("runImmediately", runImmediately))
	s.wake()
	return nil
}

// CancelTask cancels the current run of a task, if any. Its schedule is
// kept, so a recurring task runs again at its next due time.
func (s *Scheduler) CancelTask(name string) error {
	s.mu.Lock()
	rt, ok := s.tasks[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrTaskNotFound, name)
	}
	if rt.active != nil {
		rt.active.cancelled.Store(true)
		rt.active.cancel()
	}
	s.mu.Unlock()

	s.wake()
	return nil
}

// ScheduleTaskNow makes a task due immediately. If the task is running,
// this does nothing unless rescheduleIfRunning is set, in which case the
// task runs again as soon as the current run ends.
func (s *Scheduler) ScheduleTaskNow(name string, rescheduleIfRunning bool) error {
	s.mu.Lock()
	rt, ok := s.tasks[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrTaskNotFound, name)
	}
	if rt.active != nil && !rescheduleIfRunning {
		s.mu.Unlock()
		return nil
	}
	now := s.clock.Now()
	rt.nextRun = &now
	s.mu.Unlock()

	s.wake()
	return nil
}

// WaitForNextEndOfTask blocks until the next run of a task ends. It
// returns the task's error if it failed, ErrTaskCancelled if it was
// cancelled, and ErrWaitTimeout if timeout elapses first. A timeout of
// zero waits indefinitely.
func (s *Scheduler) WaitForNextEndOfTask(ctx context.Context, name string, timeout time.Duration) error {
	ch := make(chan error, 1)

	s.mu.Lock()
	rt, ok := s.tasks[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrTaskNotFound, name)
	}
	rt.waiters = append(rt.waiters, ch)
	s.mu.Unlock()

	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer := s.clock.Timer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		s.removeWaiter(name, ch)
		return ctx.Err()
	case <-timeoutC:
		s.removeWaiter(name, ch)
		return fmt.Errorf("%w %q after %s", ErrWaitTimeout, name, timeout)
	}
}

func (s *Scheduler) removeWaiter(name string, ch chan error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rt, ok := s.tasks[name]
	if !ok {
		return
	}
	for i, w := range rt.waiters {
		if w == ch {
			rt.waiters = append(rt.waiters[:i], rt.waiters[i+1:]...)
			return
		}
	}
}

// Status returns a snapshot of a task.
func (s *Scheduler) Status(name string) (TaskStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rt, ok := s.tasks[name]
	if !ok {
		return TaskStatus{}, fmt.Errorf("%w: %q", ErrTaskNotFound, name)
	}
	st := TaskStatus{
		Name:        name,
		Running:     rt.active != nil,
		Runs:        rt.runs,
		Completions: rt.completions,
	}
	if rt.nextRun != nil {
		next := *rt.nextRun
		st.NextRun = &next
	}
	if rt.lastOutcome != nil {
		last := *rt.lastOutcome
		st.LastOutcome = &last
	}
	return st, nil
}

// Tasks returns the names of all registered tasks in registration order.
func (s *Scheduler) Tasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// Run drives the scheduler until ctx is cancelled or a task with
// ErrorIsFatal fails, in which case that failure is returned. Running
// tasks are cancelled and reported before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer func() {
		s.shutdown(cancel)
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	for {
		wait, hasWait, err := s.tick(runCtx)
		if err != nil {
			return err
		}

		var timerC <-chan time.Time
		var timer *clock.Timer
		if hasWait {
			timer = s.clock.Timer(wait)
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case <-s.wakeCh:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// tick finalizes finished runs, starts due tasks and returns how long to
// wait before the next tick if nothing wakes the loop earlier.
func (s *Scheduler) tick(runCtx context.Context) (time.Duration, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var fatal error
	for _, name := range s.order {
		rt := s.tasks[name]
		if rt.active == nil {
			continue
		}
		select {
		case <-rt.active.done:
		default:
			continue
		}
		if err := s.finalize(rt, false); err != nil && fatal == nil {
			fatal = err
		}
	}
	if fatal != nil {
		return 0, false, fatal
	}

	now := s.clock.Now()
	var wait time.Duration
	hasWait := false
	fold := func(d time.Duration) {
		if !hasWait || d < wait {
			wait = d
			hasWait = true
		}
	}

	for _, name := range s.order {
		rt := s.tasks[name]
		if rt.active != nil || rt.nextRun == nil {
			continue
		}
		if rt.nextRun.After(now) {
			fold(rt.nextRun.Sub(now))
			continue
		}
		if !s.dependenciesMet(rt) || !rt.task.CanRunNow() {
			fold(s.pollInterval)
			continue
		}
		if !s.locks.tryAcquire(name, resourcesOf(rt.task)) {
			fold(s.pollInterval)
			continue
		}
		s.start(runCtx, rt, now)
	}

	return wait, hasWait, nil
}

// start launches a run of rt. Must be called with s.mu held.
func (s *Scheduler) start(runCtx context.Context, rt *registeredTask, now time.Time) {
	name := rt.task.Name()
	taskCtx, cancel := context.WithCancel(runCtx)
	taskCtx = logger.WithContext(taskCtx, s.logger.With(zap.String("task", name)))
	run := &activeRun{
		cancel:    cancel,
		done:      make(chan struct{}),
		startedAt: now,
	}
	rt.active = run

	if sched := rt.task.Schedule(); sched != nil {
		next := sched.Next(now)
		rt.nextRun = &next
	} else {
		rt.nextRun = nil
	}

	if err := rt.reporter.ReportStart(nil, now); err != nil {
		s.logger.Warn("Failed to report task start", zap.String("task", name), zap.Error(err))
	}
	s.bus.Publish(events.TaskStartedEvent{Name: name, Timestamp: now})
	s.logger.Debug("Task started", zap.String("task", name))

	go s.runTask(taskCtx, rt.task, rt.reporter, run)
}

func (s *Scheduler) runTask(ctx context.Context, task Task, reporter *TaskReporter, run *activeRun) {
	defer s.wake()
	defer close(run.done)
	defer func() {
		if r := recover(); r != nil {
			run.outcome = Outcome{Kind: OutcomeFailed, Err: &PanicError{Value: r, Stack: debug.Stack()}}
		}
	}()

	payload, err := task.Run(ctx, reporter)
	switch {
	case err == nil:
		run.outcome = Outcome{Kind: OutcomeCompleted, Payload: payload}
	case run.cancelled.Load() || (ctx.Err() != nil && errors.Is(err, context.Canceled)):
		run.outcome = Outcome{Kind: OutcomeCancelled, Err: err}
	default:
		run.outcome = Outcome{Kind: OutcomeFailed, Err: err}
	}
}

// finalize records the end of rt's finished run and notifies waiters.
// It returns the task's error if the task failed and is fatal. With
// force, the run is reported as cancelled whatever it returned.
// Must be called with s.mu held.
func (s *Scheduler) finalize(rt *registeredTask, force bool) error {
	run := rt.active
	rt.active = nil
	name := rt.task.Name()
	s.locks.release(name, resourcesOf(rt.task))

	outcome := run.outcome
	if force {
		outcome = Outcome{Kind: OutcomeCancelled, Err: outcome.Err}
	}

	var waiterErr error
	switch outcome.Kind {
	case OutcomeFailed:
		details := ""
		var pe *PanicError
		if errors.As(outcome.Err, &pe) {
			details = string(pe.Stack)
		}
		rt.reporter.Fatal(outcome.Err.Error(), details)
		waiterErr = outcome.Err
		s.logger.Error("Task failed", zap.String("task", name), zap.Error(outcome.Err))
	case OutcomeCancelled:
		rt.reporter.Fatal("Task was cancelled", "")
		waiterErr = ErrTaskCancelled
		s.logger.Info("Task cancelled", zap.String("task", name))
	default:
		rt.completions++
		s.logger.Debug("Task completed", zap.String("task", name))
	}

	end := s.clock.Now()
	if err := rt.reporter.ReportEnd(outcome.Payload, end); err != nil {
		s.logger.Warn("Failed to report task end", zap.String("task", name), zap.Error(err))
	}
	rt.runs++
	rt.lastOutcome = &outcome

	for _, w := range rt.waiters {
		w <- waiterErr
	}
	rt.waiters = nil

	s.bus.Publish(events.TaskEndedEvent{
		Name:      name,
		Outcome:   outcome.Kind.String(),
		Err:       outcome.Err,
		Duration:  end.Sub(run.startedAt),
		Timestamp: end,
	})

	if outcome.Kind == OutcomeFailed && rt.task.ErrorIsFatal() {
		return fmt.Errorf("task %q failed: %w", name, outcome.Err)
	}
	return nil
}

// shutdown cancels every running task, waits for them and reports them
// as cancelled unless they had already finished.
func (s *Scheduler) shutdown(cancel context.CancelFunc) {
	s.mu.Lock()
	type pending struct {
		rt       *registeredTask
		run      *activeRun
		finished bool
	}
	var inFlight []pending
	for _, name := range s.order {
		rt := s.tasks[name]
		if rt.active == nil {
			continue
		}
		finished := false
		select {
		case <-rt.active.done:
			finished = true
		default:
			rt.active.cancelled.Store(true)
		}
		inFlight = append(inFlight, pending{rt: rt, run: rt.active, finished: finished})
	}
	s.mu.Unlock()

	cancel()
	for _, p := range inFlight {
		<-p.run.done
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range inFlight {
		if err := s.finalize(p.rt, !p.finished); err != nil {
			s.logger.Debug("Ignoring task failure during shutdown", zap.String("task", p.rt.task.Name()), zap.Error(err))
		}
	}
}
