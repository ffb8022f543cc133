// Package lock serializes load-mutate-save cycles on a single workflow
// instance.
package lock

import (
	"context"
	"fmt"
	"sync"

	"github.com/pitabwire/flowengine/model"
)

// Locker grants exclusive access to a key. The returned release function is
// safe to call more than once.
type Locker interface {
	Lock(ctx context.Context, key string) (release func(), err error)
}

// InstanceKey is the lock key for a workflow instance.
func InstanceKey(instanceID string) string {
	return "flowengine:lock:instance:" + instanceID
}

// busy converts a context expiry while waiting into a CONFLICT the caller
// can retry.
func busy(ctx context.Context, key string) error {
	return fmt.Errorf("%w: %w",
		model.NewConflictError(fmt.Sprintf("%s is locked by another operation", key)),
		ctx.Err(),
	)
}

// --- MemoryLocker ---

// MemoryLocker is an in-process Locker. Waiters block until the holder
// releases or their context ends.
type MemoryLocker struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewMemoryLocker creates a new in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{slots: make(map[string]*slot)}
}

// Lock implements Locker.
func (l *MemoryLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		l.unref(key, s)
		return nil, busy(ctx, key)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			l.unref(key, s)
		})
	}, nil
}

func (l *MemoryLocker) unref(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

// Len returns the number of keys currently held or awaited.
func (l *MemoryLocker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
