package mode

import (
	"sync"
	"time"
)

// EventType names a transition notification.
type EventType string

const (
	EventTransitionStarted   EventType = "transition.started"
	EventTransitionCompleted EventType = "transition.completed"
	EventTransitionFailed    EventType = "transition.failed"
	EventTransitionRejected  EventType = "transition.rejected"
	EventEmergencyStopped    EventType = "transition.emergency_stopped"
)

// Event is published by the orchestrator at transition boundaries.
type Event struct {
	Type         EventType
	TransitionID string
	Target       ID
	Previous     ID
	Err          string
	Timestamp    time.Time
}

// Subscriber receives events on the bus dispatch goroutine.
type Subscriber func(Event)

// Bus fans transition events out to subscribers. Publishing never blocks:
// when the buffer is full the event is dropped.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]Subscriber
	nextID      int
	events      chan Event
	closed      bool
	done        chan struct{}
}

func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	b := &Bus{
		subscribers: make(map[int]Subscriber),
		events:      make(chan Event, bufferSize),
		done:        make(chan struct{}),
	}
	go b.dispatch()
	return b
}

func (b *Bus) dispatch() {
	for {
		select {
		case evt := <-b.events:
			b.mu.RLock()
			for _, sub := range b.subscribers {
				sub(evt)
			}
			b.mu.RUnlock()
		case <-b.done:
			return
		}
	}
}

// Publish enqueues evt without blocking.
func (b *Bus) Publish(evt Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	select {
	case b.events <- evt:
	default:
	}
}

// Subscribe registers fn and returns a function that removes it.
func (b *Bus) Subscribe(fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subscribers, id)
	}
}

// SubscribeChan returns a buffered channel of events and a cancel function
// that unsubscribes and closes the channel.
func (b *Bus) SubscribeChan(bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	var once sync.Once
	unsubscribe := b.Subscribe(func(e Event) {
		select {
		case ch <- e:
		default:
		}
	})
	return ch, func() {
		once.Do(func() {
			unsubscribe()
			close(ch)
		})
	}
}

func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
}
