// Package lock serialises work on one key, typically a partner id, across
// goroutines (MemoryLocker) or across processes (RedisLocker).
package lock

import (
	"context"
	"sync"
)

// Locker acquires an exclusive lock on key. The returned unlock func must be
// called exactly once. Lock blocks until the lock is held or ctx is done.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// MemoryLocker is a per-key mutex table for single-process deployments.
type MemoryLocker struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewMemoryLocker creates an empty lock table.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{slots: map[string]*slot{}}
}

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
		l.drop(key, s)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			l.drop(key, s)
		})
	}, nil
}

// drop forgets the slot once nobody holds or waits on it.
func (l *MemoryLocker) drop(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

// PartnerKey is the lock key for settlement work on one partner.
func PartnerKey(orgID, partnerID string) string {
	return "ledger:partner:" + orgID + ":" + partnerID
}
