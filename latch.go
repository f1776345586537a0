package sshchan

import (
	"sync"

	"github.com/google/uuid"
)

type subscription[T any] struct {
	id string
	cb func(T)
}

// latch is an event source which remembers the last value it delivered. Subscribers registered
// after a value was set are called with that value immediately; every subscriber is called with all
// future values, in registration order.
//
// Callbacks are never invoked while the latch's lock is held, so a callback may freely append to
// or set the latch it was called from.
type latch[T any] struct {
	mu    sync.Mutex
	subs  []subscription[T]
	value T
	isSet bool
}

// append registers cb and returns its subscription id. If a value was already set, cb is called
// with it before append returns.
func (l *latch[T]) append(cb func(T)) string {
	id := uuid.NewString()
	l.mu.Lock()
	l.subs = append(l.subs, subscription[T]{id, cb})
	v, isSet := l.value, l.isSet
	l.mu.Unlock()

	if isSet {
		cb(v)
	}
	return id
}

// set latches v and calls every current subscriber with it.
func (l *latch[T]) set(v T) {
	l.mu.Lock()
	l.value, l.isSet = v, true
	subs := make([]subscription[T], len(l.subs))
	copy(subs, l.subs)
	l.mu.Unlock()

	for _, s := range subs {
		s.cb(v)
	}
}

// remove unregisters the subscription with the given id. A concurrent set may still deliver to it.
func (l *latch[T]) remove(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, s := range l.subs {
		if s.id == id {
			l.subs = append(l.subs[:i], l.subs[i+1:]...)
			return
		}
	}
}

// reset clears the latched value and all subscriptions.
func (l *latch[T]) reset() {
	var zero T
	l.mu.Lock()
	l.subs, l.value, l.isSet = nil, zero, false
	l.mu.Unlock()
}
