package pipeline

import (
	"context"
	"sync"
)

// senderLocks serializes turns per sender id. Acquisition is cancellable so
// that the global timeout never leaves a goroutine parked on a lock, and a
// cancelled waiter never leaks the entry.
type senderLocks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	sem  chan struct{}
	refs int
}

func newSenderLocks() *senderLocks {
	return &senderLocks{entries: make(map[string]*lockEntry)}
}

// acquire blocks until the sender's lock is held or the context is done.
func (l *senderLocks) acquire(ctx context.Context, senderID string) error {
	l.mu.Lock()
	e, ok := l.entries[senderID]
	if !ok {
		e = &lockEntry{sem: make(chan struct{}, 1)}
		l.entries[senderID] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.release(senderID, false)
		return ctx.Err()
	}
}

// releaseHeld releases a lock acquired by a successful acquire call.
func (l *senderLocks) releaseHeld(senderID string) {
	l.release(senderID, true)
}

func (l *senderLocks) release(senderID string, held bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[senderID]
	if !ok {
		return
	}
	if held {
		<-e.sem
	}
	e.refs--
	if e.refs <= 0 {
		delete(l.entries, senderID)
	}
}
