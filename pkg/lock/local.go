package lock

import (
	"context"
	"sync"
)

// LocalLocker is an in-process keyed mutex. It only serializes callers that share the
// same LocalLocker, so it suits single-replica deployments and tests.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewLocalLocker creates a new in-process locker
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: make(map[string]*slot)}
}

// Acquire locks keys in the order given. On failure every key taken so far is released.
func (l *LocalLocker) Acquire(ctx context.Context, keys ...string) (func(context.Context) error, error) {
	held := make([]string, 0, len(keys))
	release := func(context.Context) error {
		for i := len(held) - 1; i >= 0; i-- {
			l.unlock(held[i])
		}
		held = held[:0]
		return nil
	}

	for _, key := range dedupe(keys) {
		if err := l.lock(ctx, key); err != nil {
			_ = release(ctx)
			return nil, err
		}
		held = append(held, key)
	}

	return release, nil
}

func (l *LocalLocker) lock(ctx context.Context, key string) error {
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
		return nil
	case <-ctx.Done():
		l.drop(key, s)
		return ctx.Err()
	}
}

func (l *LocalLocker) unlock(key string) {
	l.mu.Lock()
	s, ok := l.slots[key]
	l.mu.Unlock()
	if !ok {
		return
	}
	<-s.ch
	l.drop(key, s)
}

// drop forgets a slot once nobody holds or waits on it
func (l *LocalLocker) drop(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

// dedupe removes repeated keys, keeping first occurrences
func dedupe(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}
