// Package lock serializes writers on a shared key, such as one appointment
// series. The Redis implementation spans server instances; Local covers a
// single process.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLocked is returned when a key stays held for longer than the wait.
var ErrLocked = errors.New("resource is locked by another request")

const retryInterval = 50 * time.Millisecond

// Locker acquires exclusive ownership of a key. The returned func releases it
// and is safe to call more than once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Local is an in-process Locker.
type Local struct {
	mu   sync.Mutex
	held map[string]struct{}
	wait time.Duration
}

// NewLocal returns a Local that retries a busy key for up to wait.
func NewLocal(wait time.Duration) *Local {
	return &Local{held: make(map[string]struct{}), wait: wait}
}

func (l *Local) tryLock(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return false
	}
	l.held[key] = struct{}{}
	return true
}

func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	err := retry(ctx, l.wait, func() (bool, error) { return l.tryLock(key), nil })
	if err != nil {
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}

// retry calls try until it reports success, fails, or wait elapses.
func retry(ctx context.Context, wait time.Duration, try func() (bool, error)) error {
	deadline := time.Now().Add(wait)
	for {
		ok, err := try()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if !time.Now().Before(deadline) {
			return ErrLocked
		}
		timer := time.NewTimer(retryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func SeriesKey(id string) string    { return "series:" + id }
func ClinicianKey(id string) string { return "clinician:" + id }
