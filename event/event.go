// Package event provides binary signals that goroutines can wait on, and an
// OR composition over several of them.
//
// A typical use is a shutdown wait that wakes on either a user request or a
// fatal condition:
//
//	stop := event.New()
//	fatal := event.New()
//	any := event.Or(stop, fatal)
//	defer any.Detach()
//	_ = any.Wait(ctx)
package event

import (
	"context"
	"sync"
)

// Subscription identifies a change listener registered with Subscribe.
type Subscription uint64

// Event is a settable and clearable flag. The zero value is not usable; call New.
type Event struct {
	mu     sync.Mutex
	set    bool
	ch     chan struct{} // closed while set
	subs   map[Subscription]func()
	nextID Subscription
}

// New returns a cleared Event.
func New() *Event {
	return &Event{
		ch:   make(chan struct{}),
		subs: make(map[Subscription]func()),
	}
}

// Set sets the event and wakes all waiters.
func (e *Event) Set() {
	e.mu.Lock()
	if e.set {
		e.mu.Unlock()
		return
	}
	e.set = true
	close(e.ch)
	subs := e.listeners()
	e.mu.Unlock()

	notify(subs)
}

// Clear resets the event; later Wait calls block until the next Set.
func (e *Event) Clear() {
	e.mu.Lock()
	if !e.set {
		e.mu.Unlock()
		return
	}
	e.set = false
	e.ch = make(chan struct{})
	subs := e.listeners()
	e.mu.Unlock()

	notify(subs)
}

// IsSet reports whether the event is set.
func (e *Event) IsSet() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.set
}

// Wait blocks until the event is set or ctx is done.
func (e *Event) Wait(ctx context.Context) error {
	e.mu.Lock()
	ch := e.ch
	e.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers fn to run after every transition between set and
// cleared. fn runs on the goroutine that caused the transition, outside the
// event's lock.
func (e *Event) Subscribe(fn func()) Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	e.subs[e.nextID] = fn
	return e.nextID
}

// Unsubscribe removes a listener. Unknown subscriptions are ignored.
func (e *Event) Unsubscribe(s Subscription) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.subs, s)
}

func (e *Event) listeners() []func() {
	subs := make([]func(), 0, len(e.subs))
	for _, fn := range e.subs {
		subs = append(subs, fn)
	}
	return subs
}

func notify(subs []func()) {
	for _, fn := range subs {
		fn()
	}
}
