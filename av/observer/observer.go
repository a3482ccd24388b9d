// Package observer provides the publish/subscribe substrate of the media
// pipeline: a typed Observer interface, an Observable registry that never
// owns its observers, and Generator, the double-buffered frame producer.
package observer

import (
	"slices"
	"sync"
)

// Observer receives data published by an Observable.
//
// Update runs on the publisher's goroutine, in publication order. Attached
// and Detached run on the goroutine calling Attach or Detach. Observers are
// compared by identity, so implementations must be pointer types.
type Observer[T any] interface {
	Update(src *Observable[T], data T)
	Attached(src *Observable[T])
	Detached(src *Observable[T])
}

// Source is anything observers can subscribe to.
type Source[T any] interface {
	Attach(obs Observer[T]) bool
	Detach(obs Observer[T]) bool
}

// Observable is a registry of observers. The zero value is ready to use.
//
// The registry holds references without owning them: attaching never keeps
// an observer alive past its owner's Stop/Close, which must Detach first.
// Notify iterates over a snapshot taken under the lock and delivers outside
// of it, so observers may Attach or Detach from inside Update. An observer
// detached while a notification is in flight can still receive that one
// notification.
type Observable[T any] struct {
	mu        sync.Mutex
	observers []Observer[T]
}

// Attach registers obs and calls obs.Attached. It returns false if obs was
// already attached.
func (o *Observable[T]) Attach(obs Observer[T]) bool {
	o.mu.Lock()
	if slices.Contains(o.observers, obs) {
		o.mu.Unlock()
		return false
	}
	o.observers = append(o.observers, obs)
	o.mu.Unlock()
	obs.Attached(o)
	return true
}

// Detach unregisters obs and calls obs.Detached. It returns false if obs was
// not attached.
func (o *Observable[T]) Detach(obs Observer[T]) bool {
	o.mu.Lock()
	i := slices.Index(o.observers, obs)
	if i < 0 {
		o.mu.Unlock()
		return false
	}
	o.observers = slices.Delete(o.observers, i, i+1)
	o.mu.Unlock()
	obs.Detached(o)
	return true
}

// DetachAll unregisters every observer, calling Detached on each.
func (o *Observable[T]) DetachAll() {
	o.mu.Lock()
	observers := o.observers
	o.observers = nil
	o.mu.Unlock()
	for _, obs := range observers {
		obs.Detached(o)
	}
}

// Notify delivers data to every observer attached at the time of the call.
func (o *Observable[T]) Notify(data T) {
	o.mu.Lock()
	snapshot := slices.Clone(o.observers)
	o.mu.Unlock()
	for _, obs := range snapshot {
		obs.Update(o, data)
	}
}

// ObserverCount returns the number of attached observers.
func (o *Observable[T]) ObserverCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.observers)
}

// IsAttached reports whether obs is currently attached.
func (o *Observable[T]) IsAttached(obs Observer[T]) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Contains(o.observers, obs)
}

// Func adapts plain functions to the Observer interface. Nil callbacks are
// skipped.
type Func[T any] struct {
	OnUpdate   func(src *Observable[T], data T)
	OnAttached func(src *Observable[T])
	OnDetached func(src *Observable[T])
}

func (f *Func[T]) Update(src *Observable[T], data T) {
	if f.OnUpdate != nil {
		f.OnUpdate(src, data)
	}
}

func (f *Func[T]) Attached(src *Observable[T]) {
	if f.OnAttached != nil {
		f.OnAttached(src)
	}
}

func (f *Func[T]) Detached(src *Observable[T]) {
	if f.OnDetached != nil {
		f.OnDetached(src)
	}
}
