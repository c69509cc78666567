package extractor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cognitedata/extractor-utils-go/internal/integration"
	"github.com/cognitedata/extractor-utils-go/internal/integration/sinktest"
	"github.com/cognitedata/extractor-utils-go/internal/scheduler"
)

var errBoom = errors.New("boom")

// initFunc adapts a function to TaskInitializer.
type initFunc func(ctx context.Context, ext *Extractor) error

func (f initFunc) InitTasks(ctx context.Context, ext *Extractor) error { return f(ctx, ext) }

func noTasks(context.Context, *Extractor) error { return nil }

func newTestExtractor(t *testing.T, sink integration.Sink, impl TaskInitializer) *Extractor {
	t.Helper()
	ext, err := New(Config{
		Impl:                  impl,
		Sink:                  sink,
		Logger:                zaptest.NewLogger(t),
		ShutdownTimeout:       time.Second,
		ReadinessPollInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	return ext
}

// start runs Start in the background and returns a channel with its result.
func start(t *testing.T, ext *Extractor) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ext.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		ext.Shutdown(context.Background())
	})
	return cancel, done
}

func waitResult(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return")
		return nil
	}
}

func TestNewRequiresImplementation(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestInitIsIdempotent(t *testing.T) {
	var calls atomic.Int32
	ext := newTestExtractor(t, sinktest.New(), initFunc(func(ctx context.Context, ext *Extractor) error {
		calls.Add(1)
		return ext.AddTask(&scheduler.FuncTask{TaskName: "noop"}, false)
	}))

	require.NoError(t, ext.Init(context.Background()))
	require.NoError(t, ext.Init(context.Background()))
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, []string{"noop"}, ext.Scheduler().Tasks())
}

type settings struct {
	Source string `validate:"required"`
}

func TestInitValidatesSettings(t *testing.T) {
	ext, err := New(Config{Impl: initFunc(noTasks), Settings: &settings{}})
	require.NoError(t, err)
	assert.ErrorContains(t, ext.Init(context.Background()), "invalid extractor configuration")

	ext, err = New(Config{Impl: initFunc(noTasks), Settings: &settings{Source: "opcua"}})
	require.NoError(t, err)
	assert.NoError(t, ext.Init(context.Background()))
}

func TestInitRejectsUnknownDependency(t *testing.T) {
	ext := newTestExtractor(t, sinktest.New(), initFunc(func(ctx context.Context, ext *Extractor) error {
		return ext.AddTask(&scheduler.FuncTask{TaskName: "b", Deps: []string{"a"}}, false)
	}))
	assert.ErrorContains(t, ext.Init(context.Background()), "invalid task graph")
}

func TestStartReportsInitFailure(t *testing.T) {
	sink := sinktest.New()
	ext := newTestExtractor(t, sink, initFunc(func(context.Context, *Extractor) error { return errBoom }))

	err := ext.Start(context.Background())
	require.ErrorIs(t, err, errBoom)
	assert.Len(t, sink.ErrorsWithLevel(integration.LevelFatal), 2)
}

func TestStartRunsTasksUntilCancelled(t *testing.T) {
	sink := sinktest.New()
	ran := make(chan struct{})
	ext := newTestExtractor(t, sink, initFunc(func(ctx context.Context, ext *Extractor) error {
		return ext.AddTask(&scheduler.FuncTask{
			TaskName: "fetch",
			Fn: func(context.Context, *scheduler.TaskReporter) (*integration.TaskUpdatePayload, error) {
				close(ran)
				return nil, nil
			},
		}, true)
	}))

	cancel, done := start(t, ext)

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("task did not run")
	}
	require.Eventually(t, func() bool { return len(sink.Ends("fetch")) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, waitResult(t, done))

	ext.Shutdown(context.Background())
	assert.Equal(t, 1, sink.Flushes())
	assert.Empty(t, sink.ErrorCalls())
}

func TestFatalTaskStopsExtractor(t *testing.T) {
	sink := sinktest.New()
	ext := newTestExtractor(t, sink, initFunc(func(ctx context.Context, ext *Extractor) error {
		return ext.AddTask(&scheduler.FuncTask{
			TaskName: "fetch",
			Fatal:    true,
			Fn: func(context.Context, *scheduler.TaskReporter) (*integration.TaskUpdatePayload, error) {
				return nil, errBoom
			},
		}, true)
	}))

	_, done := start(t, ext)

	err := waitResult(t, done)
	require.ErrorIs(t, err, errBoom)
	assert.Contains(t, err.Error(), SchedulerTaskName)

	fatal := sink.ErrorsWithLevel(integration.LevelFatal)
	// Open and close for the task, then open and close for the scheduler.
	require.Len(t, fatal, 4)
	assert.Equal(t, "fetch", fatal[0].TaskName)
	assert.Empty(t, fatal[2].TaskName)
	assert.Contains(t, fatal[2].Description, SchedulerTaskName)
}

func TestCheckInExitingIsUnexpected(t *testing.T) {
	sink := sinktest.New()
	sink.CheckInFunc = func(context.Context, time.Duration) error { return nil }
	ext := newTestExtractor(t, sink, initFunc(noTasks))

	_, done := start(t, ext)

	err := waitResult(t, done)
	require.ErrorIs(t, err, ErrUnexpectedExit)
	fatal := sink.ErrorsWithLevel(integration.LevelFatal)
	require.Len(t, fatal, 2)
	assert.Contains(t, fatal[0].Description, CheckInTaskName)
}

func TestCheckInFailureIsFatal(t *testing.T) {
	sink := sinktest.New()
	sink.CheckInFunc = func(context.Context, time.Duration) error { return integration.ErrNotSupported }
	ext := newTestExtractor(t, sink, initFunc(noTasks))

	_, done := start(t, ext)

	err := waitResult(t, done)
	require.ErrorIs(t, err, integration.ErrNotSupported)
	assert.Len(t, sink.ErrorsWithLevel(integration.LevelFatal), 2)
}

func TestCheckInUsesConfiguredInterval(t *testing.T) {
	sink := sinktest.New()
	got := make(chan time.Duration, 1)
	sink.CheckInFunc = func(ctx context.Context, interval time.Duration) error {
		got <- interval
		<-ctx.Done()
		return nil
	}
	ext, err := New(Config{Impl: initFunc(noTasks), Sink: sink, CheckInInterval: 7 * time.Second})
	require.NoError(t, err)

	_, _ = start(t, ext)
	select {
	case d := <-got:
		assert.Equal(t, 7*time.Second, d)
	case <-time.After(5 * time.Second):
		t.Fatal("check-in was not started")
	}
}

func TestExpectedMonitoredCompletionIsIgnored(t *testing.T) {
	sink := sinktest.New()
	ext := newTestExtractor(t, sink, initFunc(noTasks))
	finished := make(chan struct{})
	ext.AddMonitoredTask("warmup", func(context.Context) error {
		close(finished)
		return nil
	}, true)

	cancel, done := start(t, ext)

	<-finished
	select {
	case err := <-done:
		t.Fatalf("Start returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	assert.NoError(t, waitResult(t, done))
	assert.Empty(t, sink.ErrorCalls())
}

func TestMonitoredFuncDecidesExpectation(t *testing.T) {
	sink := sinktest.New()
	ext := newTestExtractor(t, sink, initFunc(noTasks))
	ext.AddMonitoredFunc("listener", func(context.Context) (bool, error) {
		return false, nil
	})

	_, done := start(t, ext)

	err := waitResult(t, done)
	require.ErrorIs(t, err, ErrUnexpectedExit)
	assert.Contains(t, err.Error(), "listener")
}

func TestMonitoredPanicIsFaulted(t *testing.T) {
	sink := sinktest.New()
	ext := newTestExtractor(t, sink, initFunc(noTasks))
	ext.AddMonitoredTask("listener", func(context.Context) error {
		panic("kaboom")
	}, false)

	_, done := start(t, ext)

	err := waitResult(t, done)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
	fatal := sink.ErrorsWithLevel(integration.LevelFatal)
	require.Len(t, fatal, 2)
	assert.NotEmpty(t, fatal[0].Details)
}

func TestMonitoredTaskAddedWhileRunning(t *testing.T) {
	sink := sinktest.New()
	ext := newTestExtractor(t, sink, initFunc(func(ctx context.Context, ext *Extractor) error {
		return ext.AddTask(&scheduler.FuncTask{
			TaskName: "spawn",
			Fn: func(context.Context, *scheduler.TaskReporter) (*integration.TaskUpdatePayload, error) {
				ext.AddMonitoredTask("stream", func(context.Context) error { return errBoom }, false)
				return nil, nil
			},
		}, true)
	}))

	_, done := start(t, ext)

	err := waitResult(t, done)
	require.ErrorIs(t, err, errBoom)
	assert.Contains(t, err.Error(), "stream")
}

func TestStartTwice(t *testing.T) {
	ext := newTestExtractor(t, sinktest.New(), initFunc(noTasks))
	cancel, done := start(t, ext)

	require.Eventually(t, func() bool {
		ext.mu.Lock()
		defer ext.mu.Unlock()
		return ext.runCtx != nil
	}, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, ext.Start(context.Background()), ErrAlreadyStarted)
	cancel()
	assert.NoError(t, waitResult(t, done))
}

func TestShutdownIsIdempotent(t *testing.T) {
	sink := sinktest.New()
	ext := newTestExtractor(t, sink, initFunc(noTasks))

	ext.Shutdown(context.Background())
	ext.Shutdown(context.Background())
	require.NoError(t, ext.Close())
	assert.Equal(t, 1, sink.Flushes())
}

func TestShutdownTimesOut(t *testing.T) {
	sink := sinktest.New()
	release := make(chan struct{})
	started := make(chan struct{})

	ext, err := New(Config{
		Impl: initFunc(func(ctx context.Context, ext *Extractor) error {
			return ext.AddTask(&scheduler.FuncTask{
				TaskName: "stubborn",
				Fn: func(context.Context, *scheduler.TaskReporter) (*integration.TaskUpdatePayload, error) {
					close(started)
					<-release
					return nil, nil
				},
			}, true)
		}),
		Sink:            sink,
		Logger:          zaptest.NewLogger(t),
		ShutdownTimeout: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	cancel, done := start(t, ext)
	<-started
	cancel()
	assert.NoError(t, waitResult(t, done))

	ext.Shutdown(context.Background())
	warnings := sink.ErrorsWithLevel(integration.LevelWarning)
	require.Len(t, warnings, 2)
	assert.Contains(t, warnings[0].Description, "Timed out")
	assert.Equal(t, 1, sink.Flushes())

	close(release)
	select {
	case <-ext.schedulerDone:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop after the task returned")
	}
}

type persistingSink struct {
	*sinktest.Recorder
	persisted atomic.Int32
}

func (p *persistingSink) Persist(context.Context) error {
	p.persisted.Add(1)
	return nil
}

func TestShutdownPersistsSink(t *testing.T) {
	sink := &persistingSink{Recorder: sinktest.New()}
	ext := newTestExtractor(t, sink, initFunc(noTasks))

	ext.Shutdown(context.Background())
	assert.Equal(t, int32(1), sink.persisted.Load())
}
