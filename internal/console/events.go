package console

import (
	"sync"
	"time"
)

// EventKind classifies session events.
type EventKind int

const (
	EventStateChanged EventKind = iota
	EventDeviceChanged
	EventPasswordsMissing
)

func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "state-changed"
	case EventDeviceChanged:
		return "device-changed"
	case EventPasswordsMissing:
		return "passwords-missing"
	default:
		return "unknown"
	}
}

// Event is delivered to subscribers in commit order.
type Event struct {
	Kind   EventKind
	State  MachineState
	Device string
	Detail string
	Time   time.Time
}

type subscriber struct {
	id int
	fn func(Event)
}

// eventBus delivers events on its own goroutine so listeners never run
// under the session lock.
type eventBus struct {
	mu      sync.Mutex
	queue   []queued
	subs    []subscriber
	nextID  int
	wake    chan struct{}
	closed  bool
	stopped chan struct{}
}

type queued struct {
	ev      Event
	barrier chan struct{}
}

func newEventBus() *eventBus {
	b := &eventBus{
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *eventBus) subscribe(fn func(Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber{id: id, fn: fn})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

func (b *eventBus) publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.enqueue(queued{ev: ev})
}

// flush blocks until every event published before it was delivered.
func (b *eventBus) flush() {
	done := make(chan struct{})
	if !b.enqueue(queued{barrier: done}) {
		return
	}
	<-done
}

func (b *eventBus) enqueue(q queued) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	b.queue = append(b.queue, q)
	b.mu.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
	return true
}

func (b *eventBus) run() {
	defer close(b.stopped)
	for range b.wake {
		for {
			b.mu.Lock()
			if len(b.queue) == 0 {
				closed := b.closed
				b.mu.Unlock()
				if closed {
					return
				}
				break
			}
			q := b.queue[0]
			b.queue = b.queue[1:]
			subs := append([]subscriber(nil), b.subs...)
			b.mu.Unlock()

			if q.barrier != nil {
				close(q.barrier)
				continue
			}
			for _, s := range subs {
				s.fn(q.ev)
			}
		}
	}
}

// close stops delivery after the queued events were dispatched.
func (b *eventBus) close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
	<-b.stopped
}
