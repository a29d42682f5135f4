package tracker

import (
	"context"
	"sync"
	"time"
)

// accountLocks serializes sessions per account. Each account gets a
// one-slot semaphore created on first use.
type accountLocks struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func newAccountLocks() *accountLocks {
	return &accountLocks{slots: map[string]chan struct{}{}}
}

func (l *accountLocks) slot(id string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[id]
	if !ok {
		s = make(chan struct{}, 1)
		l.slots[id] = s
	}
	return s
}

// acquire takes the account's slot. With wait <= 0 it fails immediately
// when the account is busy; otherwise it blocks up to wait.
func (l *accountLocks) acquire(ctx context.Context, id string, wait time.Duration) error {
	s := l.slot(id)
	select {
	case s <- struct{}{}:
		return nil
	default:
	}
	if wait <= 0 {
		return ErrAccountBusy
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case s <- struct{}{}:
		return nil
	case <-timer.C:
		return ErrAccountBusy
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *accountLocks) release(id string) {
	select {
	case <-l.slot(id):
	default:
	}
}
