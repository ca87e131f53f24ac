package console

import (
	"sync"
	"testing"
)

func TestEventBusOrder(t *testing.T) {
	b := newEventBus()
	defer b.close()

	var (
		mu  sync.Mutex
		got []MachineState
	)
	b.subscribe(func(ev Event) {
		mu.Lock()
		got = append(got, ev.State)
		mu.Unlock()
	})

	want := []MachineState{Starting, Running, Paused, Running, Stopping, PoweredOff}
	for _, st := range want {
		b.publish(Event{Kind: EventStateChanged, State: st})
	}
	b.flush()

	mu.Lock()
	defer mu.Unlock()
	if !equalStates(got, want) {
		t.Errorf("delivered %v, want %v", got, want)
	}
}

func TestEventBusUnsubscribe(t *testing.T) {
	b := newEventBus()
	defer b.close()

	n := 0
	cancel := b.subscribe(func(Event) { n++ })
	b.publish(Event{Kind: EventDeviceChanged})
	b.flush()
	cancel()
	b.publish(Event{Kind: EventDeviceChanged})
	b.flush()
	if n != 1 {
		t.Errorf("delivered %d events, want 1", n)
	}
}

func TestEventBusClose(t *testing.T) {
	b := newEventBus()
	delivered := make(chan Event, 1)
	b.subscribe(func(ev Event) { delivered <- ev })
	b.publish(Event{Kind: EventPasswordsMissing, Detail: "root-key"})
	b.close()

	select {
	case ev := <-delivered:
		if ev.Detail != "root-key" || ev.Time.IsZero() {
			t.Errorf("event = %+v", ev)
		}
	default:
		t.Fatal("queued event dropped on close")
	}

	// Publishing and flushing after close must not block.
	b.publish(Event{Kind: EventDeviceChanged})
	b.flush()
	b.close()
}

// Listeners may call back into the session.
func TestSubscriberCanQuerySession(t *testing.T) {
	s, _ := newTestSession(t, createTestMachine())
	seen := make(chan MachineState, 16)
	s.Subscribe(func(ev Event) {
		if ev.Kind == EventStateChanged {
			seen <- s.State()
		}
	})
	powerUp(t, s, Running)
	s.events.flush()
	if len(seen) == 0 {
		t.Error("no state events delivered")
	}
}

func TestEventKindString(t *testing.T) {
	if EventStateChanged.String() != "state-changed" || EventKind(9).String() != "unknown" {
		t.Error("EventKind names wrong")
	}
}
