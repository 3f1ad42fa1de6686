package scheduler

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventType identifies a lifecycle event on the bus.
type EventType string

const (
	EventRegistered       EventType = "registered"
	EventUnregistered     EventType = "unregistered"
	EventStarted          EventType = "started"
	EventCompleted        EventType = "completed"
	EventFailed           EventType = "failed"
	EventRetrying         EventType = "retrying"
	EventCancelled        EventType = "cancelled"
	EventPaused           EventType = "paused"
	EventResumed          EventType = "resumed"
	EventSchedulerStarted EventType = "scheduler_started"
	EventSchedulerStopped EventType = "scheduler_stopped"
)

// Event is one lifecycle notification.
type Event struct {
	Type    EventType        `json:"type"`
	JobID   string           `json:"job_id,omitempty"`
	JobName string           `json:"job_name,omitempty"`
	At      time.Time        `json:"at"`
	Attempt int              `json:"attempt,omitempty"` // set on retrying
	Error   string           `json:"error,omitempty"`
	Result  *ExecutionResult `json:"result,omitempty"`
}

// Listener receives events. Listeners run synchronously on the emitting
// goroutine; a panicking listener is recovered and logged, and never
// stops later listeners.
type Listener func(Event)

// Bus fans typed lifecycle events out to zero or more listeners.
type Bus struct {
	mu        sync.RWMutex
	nextID    int
	listeners map[EventType]map[int]Listener
	anyLst    map[int]Listener
	log       *zap.SugaredLogger
}

// NewBus creates an empty event bus.
func NewBus(log *zap.SugaredLogger) *Bus {
	return &Bus{
		listeners: make(map[EventType]map[int]Listener),
		anyLst:    make(map[int]Listener),
		log:       log,
	}
}

// On subscribes a listener to one event type. The returned function
// unsubscribes; calling it more than once is harmless.
func (b *Bus) On(t EventType, fn Listener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	if b.listeners[t] == nil {
		b.listeners[t] = make(map[int]Listener)
	}
	b.listeners[t][id] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.listeners[t], id)
	}
}

// OnAny subscribes a listener to every event type.
func (b *Bus) OnAny(fn Listener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.anyLst[id] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.anyLst, id)
	}
}

// Emit delivers an event to all matching listeners.
func (b *Bus) Emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.RLock()
	fns := make([]Listener, 0, len(b.listeners[ev.Type])+len(b.anyLst))
	for _, fn := range b.listeners[ev.Type] {
		fns = append(fns, fn)
	}
	for _, fn := range b.anyLst {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		b.deliver(ev, fn)
	}
}

func (b *Bus) deliver(ev Event, fn Listener) {
	defer func() {
		if r := recover(); r != nil && b.log != nil {
			b.log.Errorw("event listener panicked",
				"event", ev.Type,
				"job_id", ev.JobID,
				"panic", r)
		}
	}()
	fn(ev)
}
