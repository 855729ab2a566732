package keylock

import (
	"context"
	"sync"
)

// Locker serializes callers that share a key.
type Locker[K comparable] struct {
	mu      sync.Mutex
	entries map[K]*entry
}

type entry struct {
	sem  chan struct{}
	refs int
}

// New creates an empty Locker.
func New[K comparable]() *Locker[K] {
	return &Locker[K]{
		entries: make(map[K]*entry),
	}
}

// Lock blocks until key is free or ctx ends.
// On success it returns a function that releases the key.
func (l *Locker[K]) Lock(ctx context.Context, key K) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e := l.acquire(key)

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			l.release(key, e)
		})
	}, nil
}

// Len returns the number of keys currently held or waited on.
func (l *Locker[K]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Locker[K]) acquire(key K) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	return e
}

func (l *Locker[K]) release(key K, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}
