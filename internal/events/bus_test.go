package events

import (
	"io"
	"log"
	"sync"
	"testing"
	"time"
)

func newTestBus() *Bus {
	return NewBus(log.New(io.Discard, "", 0))
}

func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case e, ok := <-sub.C:
		if !ok {
			t.Fatal("subscription closed")
		}
		return e
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}
	return Event{}
}

// TestPublishSubscribe verifies basic publish/subscribe functionality.
func TestPublishSubscribe(t *testing.T) {
	bus := newTestBus()
	defer bus.Close()

	sub := bus.Subscribe(10, TypeTaskReady)
	bus.Emit(TypeTaskReady, map[string]any{"task_id": "task-1"}, "proj")

	e := recv(t, sub)
	if e.TaskID() != "task-1" {
		t.Errorf("expected task ID 'task-1', got %q", e.TaskID())
	}
	if e.Type != TypeTaskReady {
		t.Errorf("expected type %q, got %q", TypeTaskReady, e.Type)
	}
	if e.ProjectID != "proj" {
		t.Errorf("expected project 'proj', got %q", e.ProjectID)
	}
	if e.ID == "" {
		t.Error("expected event id to be set")
	}
	if e.Timestamp.IsZero() {
		t.Error("expected timestamp to be set")
	}
}

// TestMultipleSubscribers verifies every subscriber receives the same event.
func TestMultipleSubscribers(t *testing.T) {
	bus := newTestBus()
	defer bus.Close()

	sub1 := bus.Subscribe(10, TopicTask)
	sub2 := bus.Subscribe(10, TopicTask)

	bus.Emit(TypeTaskCompleted, map[string]any{"task_id": "task-2"}, "")

	for i, sub := range []*Subscription{sub1, sub2} {
		e := recv(t, sub)
		if e.TaskID() != "task-2" {
			t.Errorf("subscriber %d: expected task ID 'task-2', got %q", i+1, e.TaskID())
		}
	}
}

func TestFiltering(t *testing.T) {
	bus := newTestBus()
	defer bus.Close()

	byType := bus.Subscribe(10, TypeTaskFailed)
	byTopic := bus.Subscribe(10, TopicWorker)
	all := bus.SubscribeAll(10)

	bus.Emit(TypeTaskReady, nil, "")
	bus.Emit(TypeWorkerStatus, map[string]any{"worker_id": "w1"}, "")
	bus.Emit(TypeTaskFailed, nil, "")

	if e := recv(t, byType); e.Type != TypeTaskFailed {
		t.Errorf("type filter got %q", e.Type)
	}
	if e := recv(t, byTopic); e.WorkerID() != "w1" {
		t.Errorf("topic filter got %+v", e)
	}
	for _, want := range []string{TypeTaskReady, TypeWorkerStatus, TypeTaskFailed} {
		if e := recv(t, all); e.Type != want {
			t.Errorf("all: got %q, want %q", e.Type, want)
		}
	}
	select {
	case e := <-byType.C:
		t.Errorf("type filter received unexpected %q", e.Type)
	default:
	}
}

// TestDropOldest verifies a full queue keeps the newest events and never blocks.
func TestDropOldest(t *testing.T) {
	bus := newTestBus()
	defer bus.Close()

	sub := bus.Subscribe(2)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			bus.Publish(Event{Type: TypeTaskOutput, Data: map[string]any{"n": i}})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	if got := sub.Dropped(); got != 3 {
		t.Errorf("Dropped() = %d, want 3", got)
	}
	for _, want := range []int{3, 4} {
		e := recv(t, sub)
		if n := e.Data["n"].(int); n != want {
			t.Errorf("got event %d, want %d", n, want)
		}
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := newTestBus()
	defer bus.Close()

	sub := bus.SubscribeAll(1)
	if bus.Subscribers() != 1 {
		t.Fatalf("Subscribers() = %d, want 1", bus.Subscribers())
	}

	sub.Unsubscribe()
	sub.Unsubscribe()

	if _, ok := <-sub.C; ok {
		t.Error("expected channel to be closed")
	}
	if bus.Subscribers() != 0 {
		t.Errorf("Subscribers() = %d, want 0", bus.Subscribers())
	}
	bus.Emit(TypeTaskReady, nil, "")
}

// TestClose verifies Close closes every channel and is idempotent.
func TestClose(t *testing.T) {
	bus := newTestBus()
	sub1 := bus.SubscribeAll(1)
	sub2 := bus.Subscribe(1, TopicTask)

	bus.Close()
	bus.Close()

	for _, sub := range []*Subscription{sub1, sub2} {
		if _, ok := <-sub.C; ok {
			t.Error("expected channel to be closed")
		}
	}

	// Publishing and subscribing after close must not panic.
	bus.Emit(TypeTaskReady, nil, "")
	late := bus.SubscribeAll(1)
	if _, ok := <-late.C; ok {
		t.Error("subscription on a closed bus should be closed")
	}
}

func TestConcurrentPublish(t *testing.T) {
	bus := newTestBus()
	defer bus.Close()

	sub := bus.SubscribeAll(1000)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				bus.Emit(TypeTaskOutput, nil, "")
			}
		}()
	}
	wg.Wait()

	if got := len(sub.C); got != 500 {
		t.Errorf("received %d events, want 500", got)
	}
}

func TestDiscardEmitter(t *testing.T) {
	var e Emitter = Discard
	e.Emit(TypeTaskReady, nil, "")
}
