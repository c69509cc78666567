package extractor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"
)

// ErrUnexpectedExit is returned by Start when a monitored task that should
// run for the lifetime of the extractor returns without error.
var ErrUnexpectedExit = errors.New("monitored task exited unexpectedly")

// MonitoredFunc is the body of a monitored task. It returns whether its
// return was expected along with any error.
type MonitoredFunc func(ctx context.Context) (expected bool, err error)

type monitoredTask struct {
	name string
	run  MonitoredFunc
}

type monitoredResult struct {
	name     string
	expected bool
	err      error
	stack    []byte
}

func (m monitoredTask) execute(ctx context.Context) (res monitoredResult) {
	res.name = m.name
	defer func() {
		if r := recover(); r != nil {
			res.err = fmt.Errorf("panic: %v", r)
			res.stack = debug.Stack()
		}
	}()
	res.expected, res.err = m.run(ctx)
	return res
}

// AddMonitoredTask runs fn for as long as the extractor runs. If fn
// returns an error, or returns nil while expectCompletion is false, Start
// reports a fatal error and returns. Tasks added before Start are
// launched when it begins.
func (e *Extractor) AddMonitoredTask(name string, fn func(ctx context.Context) error, expectCompletion bool) {
	e.AddMonitoredFunc(name, func(ctx context.Context) (bool, error) {
		return expectCompletion, fn(ctx)
	})
}

// AddMonitoredFunc is like AddMonitoredTask, but fn decides for itself
// whether returning was expected.
func (e *Extractor) AddMonitoredFunc(name string, fn MonitoredFunc) {
	m := monitoredTask{name: name, run: fn}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.runCtx == nil {
		e.monitored = append(e.monitored, m)
		return
	}
	e.launch(m)
}

// launch starts m. Must be called with e.mu held after Start has set up
// the run context.
func (e *Extractor) launch(m monitoredTask) {
	ctx, results, stopped := e.runCtx, e.results, e.stopped
	e.logger.Debug("Starting monitored task", zap.String("task", m.name))
	go func() {
		res := m.execute(ctx)
		select {
		case results <- res:
		case <-stopped:
		}
	}()
}

// classify decides whether a finished monitored task ends the extractor.
func (e *Extractor) classify(runCtx context.Context, res monitoredResult) error {
	if runCtx.Err() != nil && (res.err == nil || errors.Is(res.err, context.Canceled)) {
		e.logger.Debug("Monitored task stopped", zap.String("task", res.name))
		return nil
	}

	switch {
	case res.err != nil:
		e.logger.Error("Internal task failed", zap.String("task", res.name), zap.Error(res.err))
		e.reporter.Fatal(fmt.Sprintf("Internal task %s failed: %v", res.name, res.err), string(res.stack))
		return fmt.Errorf("internal task %q failed: %w", res.name, res.err)
	case !res.expected:
		e.logger.Error("Internal task completed unexpectedly", zap.String("task", res.name))
		e.reporter.Fatal(fmt.Sprintf("Internal task %s completed, but was not expected to stop", res.name), "")
		return fmt.Errorf("%w: %q", ErrUnexpectedExit, res.name)
	default:
		e.logger.Debug("Monitored task completed", zap.String("task", res.name))
		return nil
	}
}
