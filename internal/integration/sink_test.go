package integration

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/cognitedata/extractor-utils-go/internal/events"
)

func TestBootstrapSink_RejectsTaskEvents(t *testing.T) {
	sink := NewBootstrapSink(nil, nil)

	assert.ErrorIs(t, sink.ReportTaskStart("task", nil, time.Now()), ErrNotSupported)
	assert.ErrorIs(t, sink.ReportTaskEnd("task", nil, time.Now()), ErrNotSupported)
	assert.ErrorIs(t, sink.RunPeriodicCheckIn(context.Background(), time.Second), ErrNotSupported)
}

func TestBootstrapSink_DrainKeepsLatestViewInOrder(t *testing.T) {
	sink := NewBootstrapSink(nil, nil)
	reporter := NewErrorReporter(sink, "", clock.NewMock())

	first := reporter.BeginError("config missing", "")
	reporter.Warning("slow startup", "")
	first.Finish()

	drained := sink.Drain()
	require.Len(t, drained, 2)
	assert.Equal(t, "config missing", drained[0].Description)
	assert.NotNil(t, drained[0].EndTime)
	assert.Equal(t, "slow startup", drained[1].Description)

	assert.Empty(t, sink.Drain())
}

func TestLogSink_LogsInstantErrorOnce(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	sink := NewLogSink(zap.New(core), nil)
	reporter := NewErrorReporter(sink, "task", clock.NewMock())

	reporter.Error("failure", "")

	assert.Equal(t, 1, logs.FilterMessage("Extractor error").Len())
}

func TestLogSink_PublishesOpenedErrors(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()
	sub := bus.Subscribe(events.TopicError, 10)

	sink := NewLogSink(nil, bus)
	reporter := NewErrorReporter(sink, "task", clock.NewMock())

	reporter.Error("failure", "")
	ongoing := reporter.BeginWarning("slow", "")
	ongoing.Finish()

	levels := receiveLevels(t, sub, 2)
	assert.Equal(t, []string{"error", "warning"}, levels)
	assertNoEvent(t, sub)
}

func TestBootstrapSink_PublishesEachErrorOnce(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()
	sub := bus.Subscribe(events.TopicError, 10)

	sink := NewBootstrapSink(nil, bus)
	reporter := NewErrorReporter(sink, "", clock.NewMock())

	reporter.Fatal("config missing", "")
	sink.Drain()

	assert.Equal(t, []string{"fatal"}, receiveLevels(t, sub, 1))
	assertNoEvent(t, sub)
}

func receiveLevels(t *testing.T, sub *events.Subscription, n int) []string {
	t.Helper()
	var levels []string
	for i := 0; i < n; i++ {
		select {
		case e := <-sub.C:
			levels = append(levels, e.(events.ErrorReportedEvent).Level)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i+1)
		}
	}
	return levels
}

func assertNoEvent(t *testing.T, sub *events.Subscription) {
	t.Helper()
	select {
	case e := <-sub.C:
		t.Errorf("unexpected event %s", e.EventType())
	case <-time.After(20 * time.Millisecond):
	}
}

func TestLogSink_PeriodicCheckInBlocksUntilCancelled(t *testing.T) {
	sink := NewLogSink(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- sink.RunPeriodicCheckIn(ctx, time.Millisecond) }()

	select {
	case <-done:
		t.Fatal("check-in returned before cancellation")
	case <-time.After(20 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("check-in did not return after cancellation")
	}
}
