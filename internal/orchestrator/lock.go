package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/futarchy/internal/domain"
)

// keyedMutex hands out one mutex per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock blocks until key is free and returns its release function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

const lockRetryInterval = 25 * time.Millisecond

// lock takes the in-process lock for id and, when configured, the
// distributed one, retrying the latter until LockWait elapses.
func (o *Orchestrator) lock(ctx context.Context, id string) (func(), error) {
	release := o.locks.Lock(id)
	if o.dlocks == nil {
		return release, nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, o.cfg.LockWait)
	defer cancel()
	key := "futarchy:proposal:" + id
	for {
		unlock, err := o.dlocks.Acquire(waitCtx, key, o.cfg.LockTTL)
		if err == nil {
			return func() {
				unlock()
				release()
			}, nil
		}
		if !errors.Is(err, domain.ErrLockHeld) {
			release()
			return nil, fmt.Errorf("orchestrator: lock %s: %w", id, err)
		}
		select {
		case <-waitCtx.Done():
			release()
			return nil, fmt.Errorf("orchestrator: lock %s: %w", id, domain.ErrLockHeld)
		case <-time.After(lockRetryInterval):
		}
	}
}
