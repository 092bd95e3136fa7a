// Package lock serializes dispatch per channel, within one process or
// across several daemons sharing a Redis.
package lock

import (
	"context"
	"errors"
	"sync"

	"github.com/notifyhub/posting-queue/internal/domain"
)

// ErrNotHeld is returned by an unlock whose lease already expired or was
// taken over.
var ErrNotHeld = errors.New("lock not held")

// Locker grants exclusive access to one channel. Lock blocks until the lock
// is acquired or ctx ends; the returned func releases it.
type Locker interface {
	Lock(ctx context.Context, ch domain.Channel) (unlock func() error, err error)
}

// Local is an in-process Locker. Each channel gets a one-slot semaphore so
// waiting can be abandoned when ctx ends.
type Local struct {
	mu    sync.Mutex
	slots map[domain.Channel]chan struct{}
}

func NewLocal() *Local {
	return &Local{slots: make(map[domain.Channel]chan struct{})}
}

func (l *Local) Lock(ctx context.Context, ch domain.Channel) (func() error, error) {
	l.mu.Lock()
	slot, ok := l.slots[ch]
	if !ok {
		slot = make(chan struct{}, 1)
		l.slots[ch] = slot
	}
	l.mu.Unlock()

	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() error {
		err := ErrNotHeld
		once.Do(func() {
			<-slot
			err = nil
		})
		return err
	}, nil
}

var _ Locker = (*Local)(nil)
