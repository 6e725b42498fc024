package engine

import (
	"context"
	"sync"
)

// =============================================================================
// AGGREGATE LOCKS
// =============================================================================
//
// Every read-check-write sequence holds the lock of the aggregate it mutates:
//
//	repair:<id>            status transitions of one request
//	slots:<centro>         slot assignment within one Centro
//	balance:<kind>:<id>    debits and credits of one tenant
//	loyalty:<cust>:<centro> card activation for one pair
//
// Locks are always taken in that order (request, slots, balance) so two
// operations can never wait on each other.

// Locker serializes work per key. unlock must be called exactly once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

func RepairLockKey(id string) string                { return "repair:" + id }
func SlotsLockKey(centroID string) string           { return "slots:" + centroID }
func BalanceLockKey(t TenantRef) string             { return "balance:" + t.Key() }
func LoyaltyLockKey(customer, centro string) string { return "loyalty:" + customer + ":" + centro }

// KeyedMutex is an in-process Locker. Entries are reference counted and
// removed when the last holder releases them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	ch   chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock blocks until key is free or ctx is done. A cancelled wait returns
// ErrLockTimeout wrapped with the context error.
func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{ch: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(key, e)
		return nil, &lockError{key: key, err: ctx.Err()}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			k.release(key, e)
		})
	}, nil
}

func (k *KeyedMutex) release(key string, e *keyedEntry) {
	k.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
}

type lockError struct {
	key string
	err error
}

func (e *lockError) Error() string   { return "lock " + e.key + ": " + e.err.Error() }
func (e *lockError) Unwrap() []error { return []error{ErrLockTimeout, e.err} }

// NewLockError wraps a backend failure so that IsRetryable matches it.
func NewLockError(key string, err error) error { return &lockError{key: key, err: err} }
