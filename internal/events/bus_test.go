package events

import (
	"errors"
	"testing"
	"time"
)

// TestPublishSubscribe verifies basic publish/subscribe functionality.
func TestPublishSubscribe(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	sub := bus.Subscribe(TopicTask, 10)

	bus.Publish(TaskStartedEvent{Name: "task-1", Timestamp: time.Now()})

	select {
	case received := <-sub.C:
		started, ok := received.(TaskStartedEvent)
		if !ok {
			t.Fatalf("expected TaskStartedEvent, got %T", received)
		}
		if started.Name != "task-1" {
			t.Errorf("expected task name 'task-1', got '%s'", started.Name)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}
}

// TestTopicIsolation verifies subscribers only receive their own topic.
func TestTopicIsolation(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	taskSub := bus.Subscribe(TopicTask, 10)
	checkInSub := bus.Subscribe(TopicCheckIn, 10)

	bus.Publish(TaskEndedEvent{Name: "task-1", Outcome: "failed", Err: errors.New("boom")})
	bus.Publish(CheckInEvent{Errors: 1, TaskEvents: 2})

	select {
	case received := <-taskSub.C:
		if received.EventType() != EventTypeTaskEnded {
			t.Errorf("task subscriber: expected %s, got %s", EventTypeTaskEnded, received.EventType())
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("task subscriber: timeout waiting for event")
	}

	select {
	case received := <-checkInSub.C:
		if received.EventType() != EventTypeCheckIn {
			t.Errorf("check-in subscriber: expected %s, got %s", EventTypeCheckIn, received.EventType())
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("check-in subscriber: timeout waiting for event")
	}

	select {
	case <-taskSub.C:
		t.Error("task subscriber received unexpected event")
	case <-time.After(10 * time.Millisecond):
	}
}

// TestSubscribeAll verifies that an empty topic receives every event.
func TestSubscribeAll(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	all := bus.Subscribe("", 10)

	bus.Publish(TaskStartedEvent{Name: "a"})
	bus.Publish(ErrorReportedEvent{Level: "warning"})
	bus.Publish(RevisionChangedEvent{Previous: 1, Revision: 2})

	received := map[string]bool{}
	for i := 0; i < 3; i++ {
		select {
		case e := <-all.C:
			received[e.EventType()] = true
		case <-time.After(100 * time.Millisecond):
			t.Fatal("timeout waiting for event")
		}
	}
	for _, typ := range []string{EventTypeTaskStarted, EventTypeErrorReported, EventTypeRevisionChanged} {
		if !received[typ] {
			t.Errorf("did not receive %s", typ)
		}
	}
}

// TestNonBlockingPublish verifies that a full subscriber does not block publishers.
func TestNonBlockingPublish(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	sub := bus.Subscribe(TopicTask, 1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(TaskStartedEvent{Name: "task"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("publisher blocked")
	}

	if got := sub.Dropped(); got != 9 {
		t.Errorf("expected 9 dropped events, got %d", got)
	}
}

// TestUnsubscribeAndClose verifies channels are closed exactly once.
func TestUnsubscribeAndClose(t *testing.T) {
	bus := NewEventBus()
	a := bus.Subscribe(TopicTask, 1)
	b := bus.Subscribe(TopicTask, 1)

	a.Unsubscribe()
	a.Unsubscribe()
	if _, ok := <-a.C; ok {
		t.Error("expected closed channel after unsubscribe")
	}

	bus.Close()
	bus.Close()
	b.Unsubscribe()
	if _, ok := <-b.C; ok {
		t.Error("expected closed channel after close")
	}

	// Publishing after close must not panic.
	bus.Publish(TaskStartedEvent{Name: "late"})

	late := bus.Subscribe(TopicTask, 1)
	if _, ok := <-late.C; ok {
		t.Error("expected closed channel when subscribing to a closed bus")
	}
}

// TestNilBus verifies a nil bus drops events silently.
func TestNilBus(t *testing.T) {
	var bus *EventBus
	bus.Publish(TaskStartedEvent{Name: "task"})
}
