// Package lock provides per-key mutual exclusion for in-flight order mutations.
package lock

import (
	"container/list"
	"context"
	"sync"
)

// Release unlocks a key acquired with Keyed.Acquire. Calling it more than once is a no-op.
type Release func()

// Keyed serializes callers that share a key. Callers with distinct keys never
// block each other. Waiters for one key are granted the lock in arrival order.
// An entry exists only while at least one caller holds or waits for its key.
type Keyed struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	refs    int
	held    bool
	waiters *list.List // of chan struct{}
}

// NewKeyed creates an empty lock table.
func NewKeyed() *Keyed {
	return &Keyed{entries: make(map[string]*entry)}
}

// Acquire blocks until the caller holds key or ctx is done. On cancellation
// the waiter is removed and ctx.Err() is returned; no lock is held.
func (k *Keyed) Acquire(ctx context.Context, key string) (Release, error) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &entry{waiters: list.New()}
		k.entries[key] = e
	}
	e.refs++
	if !e.held {
		e.held = true
		k.mu.Unlock()
		return k.releaser(key, e), nil
	}

	granted := make(chan struct{})
	elem := e.waiters.PushBack(granted)
	k.mu.Unlock()

	select {
	case <-granted:
		return k.releaser(key, e), nil
	case <-ctx.Done():
	}

	k.mu.Lock()
	select {
	case <-granted:
		// Ownership was handed over while we were giving up; pass it on.
		k.mu.Unlock()
		k.release(key, e)
		return nil, ctx.Err()
	default:
	}
	e.waiters.Remove(elem)
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
	k.mu.Unlock()
	return nil, ctx.Err()
}

func (k *Keyed) releaser(key string, e *entry) Release {
	var once sync.Once
	return func() {
		once.Do(func() { k.release(key, e) })
	}
}

func (k *Keyed) release(key string, e *entry) {
	k.mu.Lock()
	defer k.mu.Unlock()

	e.refs--
	if front := e.waiters.Front(); front != nil {
		e.waiters.Remove(front)
		close(front.Value.(chan struct{}))
	} else {
		e.held = false
	}
	if e.refs == 0 {
		delete(k.entries, key)
	}
}

// Len returns the number of keys currently held or waited on.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
