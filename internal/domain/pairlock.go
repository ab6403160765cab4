package domain

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type pairKey [2]uuid.UUID

// makePairKey orders the two ids so (a, b) and (b, a) lock the same entry.
func makePairKey(a, b uuid.UUID) pairKey {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return pairKey{a, b}
}

type pairLockEntry struct {
	sem  chan struct{}
	refs int
}

// PairLocks serializes operations on the same unordered pair of users while
// letting disjoint pairs proceed in parallel. Acquisition waits at most the
// configured duration before failing with ErrBusy, so a contended pair bounds
// request latency instead of queueing callers indefinitely.
type PairLocks struct {
	mu      sync.Mutex
	entries map[pairKey]*pairLockEntry
	maxWait time.Duration
}

func NewPairLocks(maxWait time.Duration) *PairLocks {
	if maxWait <= 0 {
		maxWait = time.Second
	}
	return &PairLocks{
		entries: make(map[pairKey]*pairLockEntry),
		maxWait: maxWait,
	}
}

// Acquire takes the lock for the pair (a, b). It fails with ErrBusy when the
// pair stays contended beyond the configured wait, or with the context error
// when the caller gives up first. Every successful Acquire must be matched by
// a Release with the same ids.
func (l *PairLocks) Acquire(ctx context.Context, a, b uuid.UUID) error {
	key := makePairKey(a, b)

	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &pairLockEntry{sem: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	timer := time.NewTimer(l.maxWait)
	defer timer.Stop()

	select {
	case e.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.drop(key)
		return ctx.Err()
	case <-timer.C:
		l.drop(key)
		return ErrBusy
	}
}

// Release returns the lock for the pair (a, b).
func (l *PairLocks) Release(a, b uuid.UUID) {
	key := makePairKey(a, b)

	l.mu.Lock()
	e, ok := l.entries[key]
	l.mu.Unlock()
	if !ok {
		return
	}

	<-e.sem
	l.drop(key)
}

// drop decrements the entry refcount and removes it once nobody holds or
// waits on it, keeping the map from growing with dead pairs.
func (l *PairLocks) drop(key pairKey) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 {
		delete(l.entries, key)
	}
}
