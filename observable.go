package auth

import (
	"sort"
	"sync"
)

// observable holds a value and notifies subscribers on every update.
// Subscribers run on the updating goroutine, after the lock is released.
type observable[T any] struct {
	mu    sync.RWMutex
	value T
	subs  map[uint64]func(T)
	next  uint64
}

func newObservable[T any](initial T) *observable[T] {
	return &observable[T]{
		value: initial,
		subs:  map[uint64]func(T){},
	}
}

func (o *observable[T]) get() T {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.value
}

// update applies fn to the current value and publishes the result.
func (o *observable[T]) update(fn func(T) T) T {
	o.mu.Lock()
	o.value = fn(o.value)
	value := o.value
	subs := o.subscribers()
	o.mu.Unlock()

	for _, sub := range subs {
		sub(value)
	}
	return value
}

func (o *observable[T]) subscribe(fn func(T)) func() {
	if fn == nil {
		return func() {}
	}

	o.mu.Lock()
	id := o.next
	o.next++
	o.subs[id] = fn
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subs, id)
			o.mu.Unlock()
		})
	}
}

func (o *observable[T]) subscribers() []func(T) {
	ids := make([]uint64, 0, len(o.subs))
	for id := range o.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]func(T), 0, len(ids))
	for _, id := range ids {
		out = append(out, o.subs[id])
	}
	return out
}
