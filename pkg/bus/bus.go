// Package bus is the observer surface the host wires up: the core
// publishes status, warning, error, and operation events and never
// blocks on a slow subscriber.
package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// EventKind classifies observer events.
type EventKind string

const (
	EventStatus         EventKind = "status"
	EventWarning        EventKind = "warning"
	EventError          EventKind = "error"
	EventOperationBegin EventKind = "operation_begin"
	EventOperationEnd   EventKind = "operation_end"
)

// Event is one observation emitted by the core.
type Event struct {
	Kind      EventKind
	Component string
	Message   string
	Fields    map[string]interface{}
	Time      time.Time
}

const publishTimeout = 100 * time.Millisecond

// Observer fans events out over a bounded channel. Publishing waits at
// most publishTimeout before counting the event as dropped.
type Observer struct {
	events  chan Event
	closed  bool
	dropped atomic.Uint64
	mu      sync.RWMutex
}

func NewObserver() *Observer {
	return &Observer{events: make(chan Event, 100)}
}

// Publish emits one event without ever blocking the caller for long.
func (o *Observer) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return
	}

	select {
	case o.events <- ev:
	default:
		timer := time.NewTimer(publishTimeout)
		defer timer.Stop()
		select {
		case o.events <- ev:
		case <-timer.C:
			o.dropped.Add(1)
		}
	}
}

// Status, Warning, Error, Begin, and End are publishing shorthands.
func (o *Observer) Status(component, message string) {
	o.Publish(Event{Kind: EventStatus, Component: component, Message: message})
}

func (o *Observer) Warning(component, message string) {
	o.Publish(Event{Kind: EventWarning, Component: component, Message: message})
}

func (o *Observer) Error(component, message string, err error) {
	fields := map[string]interface{}{}
	if err != nil {
		fields["err"] = err.Error()
	}
	o.Publish(Event{Kind: EventError, Component: component, Message: message, Fields: fields})
}

func (o *Observer) Begin(component, operation string) {
	o.Publish(Event{Kind: EventOperationBegin, Component: component, Message: operation})
}

func (o *Observer) End(component, operation string, duration time.Duration) {
	o.Publish(Event{
		Kind:      EventOperationEnd,
		Component: component,
		Message:   operation,
		Fields:    map[string]interface{}{"duration": duration.String()},
	})
}

// Subscribe receives the next event, or returns false when the
// observer closes or ctx is done.
func (o *Observer) Subscribe(ctx context.Context) (Event, bool) {
	select {
	case ev, ok := <-o.events:
		if !ok {
			return Event{}, false
		}
		return ev, true
	case <-ctx.Done():
		return Event{}, false
	}
}

func (o *Observer) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	close(o.events)
}

// Dropped reports how many events were discarded under backpressure.
func (o *Observer) Dropped() uint64 {
	return o.dropped.Load()
}
