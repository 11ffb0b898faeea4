package event

import "sync"

// OrEvent is set while at least one of its source events is set.
type OrEvent struct {
	*Event

	mu       sync.Mutex
	sources  []*Event
	subs     []Subscription
	detached bool
}

// Or composes events. The result follows its sources until Detach is called.
func Or(events ...*Event) *OrEvent {
	o := &OrEvent{
		Event:   New(),
		sources: events,
		subs:    make([]Subscription, len(events)),
	}

	for i, e := range events {
		o.subs[i] = e.Subscribe(o.Recompute)
	}
	o.Recompute()

	return o
}

// Recompute sets or clears the composite from the current source states.
// It is a no-op once detached. The composite's listeners run without any
// lock held, so they may call Detach or Recompute themselves.
func (o *OrEvent) Recompute() {
	for {
		want, attached := o.target()
		if !attached {
			return
		}

		if want {
			o.Event.Set()
		} else {
			o.Event.Clear()
		}

		// A source may have flipped while the composite was being updated.
		if again, attached := o.target(); !attached || again == want {
			return
		}
	}
}

// target reports whether any source is set, and false for attached once
// Detach has been called.
func (o *OrEvent) target() (want, attached bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.detached {
		return false, false
	}

	for _, e := range o.sources {
		if e.IsSet() {
			return true, true
		}
	}
	return false, true
}

// Detach stops following the sources. The composite keeps its last state and
// can still be set or cleared directly.
func (o *OrEvent) Detach() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.detached {
		return
	}
	o.detached = true

	for i, e := range o.sources {
		e.Unsubscribe(o.subs[i])
	}
}

// Sources returns the events this composite was built from.
func (o *OrEvent) Sources() []*Event {
	out := make([]*Event, len(o.sources))
	copy(out, o.sources)
	return out
}
