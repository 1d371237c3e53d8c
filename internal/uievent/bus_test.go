package uievent

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestBus_Subscribe(t *testing.T) {
	bus := NewBus()

	var received Event
	var wg sync.WaitGroup
	wg.Add(1)

	unsub := bus.Subscribe(InteractionSpawned, func(e Event) {
		received = e
		wg.Done()
	})
	defer unsub()

	bus.Publish(Event{Type: InteractionSpawned, Data: "int-1"})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if received.Type != InteractionSpawned {
			t.Errorf("expected InteractionSpawned, got %v", received.Type)
		}
		if received.Data != "int-1" {
			t.Errorf("expected 'int-1', got %v", received.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBus_SubscribeAll(t *testing.T) {
	bus := NewBus()

	var count int32
	var wg sync.WaitGroup
	wg.Add(3)

	unsub := bus.SubscribeAll(func(e Event) {
		atomic.AddInt32(&count, 1)
		wg.Done()
	})
	defer unsub()

	bus.Publish(Event{Type: InteractionSpawned, Data: nil})
	bus.Publish(Event{Type: PhaseChanged, Data: nil})
	bus.Publish(Event{Type: ToolCallBefore, Data: nil})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if atomic.LoadInt32(&count) != 3 {
			t.Errorf("expected 3 events, got %d", count)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for events")
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()

	var count int32
	unsub := bus.Subscribe(InteractionSpawned, func(e Event) {
		atomic.AddInt32(&count, 1)
	})

	bus.PublishSync(Event{Type: InteractionSpawned, Data: nil})
	if atomic.LoadInt32(&count) != 1 {
		t.Errorf("expected 1 event before unsub, got %d", count)
	}

	unsub()

	bus.PublishSync(Event{Type: InteractionSpawned, Data: nil})
	if atomic.LoadInt32(&count) != 1 {
		t.Errorf("expected still 1 event after unsub, got %d", count)
	}
}

func TestBus_UnsubscribeGlobal(t *testing.T) {
	bus := NewBus()

	var count int32
	unsub := bus.SubscribeAll(func(e Event) {
		atomic.AddInt32(&count, 1)
	})

	bus.PublishSync(Event{Type: InteractionSpawned, Data: nil})
	if atomic.LoadInt32(&count) != 1 {
		t.Errorf("expected 1 event before unsub, got %d", count)
	}

	unsub()

	bus.PublishSync(Event{Type: PhaseChanged, Data: nil})
	if atomic.LoadInt32(&count) != 1 {
		t.Errorf("expected still 1 event after unsub, got %d", count)
	}
}

func TestBus_PublishSync(t *testing.T) {
	bus := NewBus()

	var received []EventType
	var mu sync.Mutex

	bus.Subscribe(InteractionSpawned, func(e Event) {
		mu.Lock()
		received = append(received, e.Type)
		mu.Unlock()
	})
	bus.Subscribe(InteractionCompleted, func(e Event) {
		mu.Lock()
		received = append(received, e.Type)
		mu.Unlock()
	})

	bus.PublishSync(Event{Type: InteractionSpawned, Data: nil})
	bus.PublishSync(Event{Type: InteractionCompleted, Data: nil})

	mu.Lock()
	if len(received) != 2 {
		t.Errorf("expected 2 events, got %d", len(received))
	}
	mu.Unlock()
}

func TestBus_MultipleSubscribers(t *testing.T) {
	bus := NewBus()

	var count int32
	var wg sync.WaitGroup
	wg.Add(3)

	for i := 0; i < 3; i++ {
		bus.Subscribe(InteractionSpawned, func(e Event) {
			atomic.AddInt32(&count, 1)
			wg.Done()
		})
	}

	bus.Publish(Event{Type: InteractionSpawned, Data: nil})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if atomic.LoadInt32(&count) != 3 {
			t.Errorf("expected 3 subscribers to receive event, got %d", count)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for events")
	}
}

func TestBus_NoSubscribers(t *testing.T) {
	bus := NewBus()

	bus.Publish(Event{Type: InteractionSpawned, Data: nil})
	bus.PublishSync(Event{Type: InteractionSpawned, Data: nil})
}

func TestBus_EventTypeFiltering(t *testing.T) {
	bus := NewBus()

	var spawnedCount, completedCount int32

	bus.Subscribe(InteractionSpawned, func(e Event) {
		atomic.AddInt32(&spawnedCount, 1)
	})
	bus.Subscribe(InteractionCompleted, func(e Event) {
		atomic.AddInt32(&completedCount, 1)
	})

	bus.PublishSync(Event{Type: InteractionSpawned, Data: nil})
	bus.PublishSync(Event{Type: InteractionSpawned, Data: nil})
	bus.PublishSync(Event{Type: InteractionCompleted, Data: nil})

	if atomic.LoadInt32(&spawnedCount) != 2 {
		t.Errorf("expected 2 spawned events, got %d", spawnedCount)
	}
	if atomic.LoadInt32(&completedCount) != 1 {
		t.Errorf("expected 1 completed event, got %d", completedCount)
	}
}

func TestGlobalBus_Reset(t *testing.T) {
	var count int32
	Subscribe(InteractionSpawned, func(e Event) {
		atomic.AddInt32(&count, 1)
	})

	PublishSync(Event{Type: InteractionSpawned, Data: nil})
	if atomic.LoadInt32(&count) != 1 {
		t.Errorf("expected 1 event before reset, got %d", count)
	}

	Reset()

	PublishSync(Event{Type: InteractionSpawned, Data: nil})
	if atomic.LoadInt32(&count) != 1 {
		t.Errorf("expected still 1 event after reset, got %d", count)
	}
}

func TestBus_ConcurrentSubscribePublish(t *testing.T) {
	bus := NewBus()

	var count int32
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unsub := bus.Subscribe(InteractionSpawned, func(e Event) {
				atomic.AddInt32(&count, 1)
			})
			defer unsub()

			for j := 0; j < 10; j++ {
				bus.Publish(Event{Type: InteractionSpawned, Data: nil})
			}
		}()
	}

	wg.Wait()
	time.Sleep(100 * time.Millisecond)

	if atomic.LoadInt32(&count) == 0 {
		t.Log("warning: no events received, but no panic occurred")
	}
}
