package tilecache

import (
	"sync"

	log "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/paulmach/orb/maptile"

	"github.com/akhenakh/tilecache/metrics"
)

// EventName names a cache event.
type EventName string

const (
	// EventCacheHit fires when a tile is found in the store, URL is the store key.
	EventCacheHit EventName = "tilecachehit"

	// EventCacheMiss fires when a tile is not in the store, URL is the origin URL.
	EventCacheMiss EventName = "tilecachemiss"
)

// Event is emitted at the hit or miss decision of a resolution.
type Event struct {
	Name EventName
	Tile maptile.Tile
	URL  string
}

// Notifier receives cache events, Notify must not block.
type Notifier interface {
	Notify(ev Event)
}

// NopNotifier discards every event.
type NopNotifier struct{}

// Notify does nothing.
func (NopNotifier) Notify(Event) {}

// Listener handles an event.
type Listener func(ev Event)

// Emitter is a Notifier dispatching events to listeners from its own
// goroutine, events are dropped when the queue is full.
type Emitter struct {
	logger log.Logger

	mu        sync.RWMutex
	listeners map[EventName][]Listener
	closed    bool

	queue chan Event
	done  chan struct{}
}

// NewEmitter starts an Emitter queueing up to size events.
func NewEmitter(size int, logger log.Logger) *Emitter {
	e := &Emitter{
		logger:    log.With(logger, "component", "emitter"),
		listeners: make(map[EventName][]Listener),
		queue:     make(chan Event, size),
		done:      make(chan struct{}),
	}

	go e.run()

	return e
}

// On registers l for events named name.
func (e *Emitter) On(name EventName, l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.listeners[name] = append(e.listeners[name], l)
}

// Notify queues ev without blocking.
func (e *Emitter) Notify(ev Event) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return
	}

	select {
	case e.queue <- ev:
	default:
		metrics.RecordDroppedEvent()
		level.Debug(e.logger).Log("msg", "event queue full, dropping event", "event", ev.Name)
	}
}

// Close stops accepting events and waits for queued ones to be dispatched.
func (e *Emitter) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		<-e.done

		return
	}
	e.closed = true
	close(e.queue)
	e.mu.Unlock()

	<-e.done
}

func (e *Emitter) run() {
	defer close(e.done)

	for ev := range e.queue {
		e.mu.RLock()
		ls := e.listeners[ev.Name]
		e.mu.RUnlock()

		for _, l := range ls {
			e.dispatch(l, ev)
		}
	}
}

func (e *Emitter) dispatch(l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			level.Error(e.logger).Log("msg", "event listener panicked", "event", ev.Name, "panic", r)
		}
	}()

	l(ev)
}
