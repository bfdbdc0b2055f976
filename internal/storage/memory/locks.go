package memory

import (
	"context"
	"errors"
	"sync"
	"time"
)

var errLockTimeout = errors.New("lock wait timeout")

// lockArena выдаёт по одному семафору на ключ ("order:<id>", "article:<id>").
type lockArena struct {
	mu    sync.Mutex
	slots map[string]*lockSlot
}

type lockSlot struct {
	ch   chan struct{}
	refs int
}

func newLockArena() *lockArena {
	return &lockArena{slots: make(map[string]*lockSlot)}
}

// acquire ждёт ключ не дольше timeout. Возвращает функцию освобождения.
func (a *lockArena) acquire(ctx context.Context, key string, timeout time.Duration) (func(), error) {
	a.mu.Lock()
	slot, ok := a.slots[key]
	if !ok {
		slot = &lockSlot{ch: make(chan struct{}, 1)}
		a.slots[key] = slot
	}
	slot.refs++
	a.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case slot.ch <- struct{}{}:
		return func() {
			<-slot.ch
			a.unref(key, slot)
		}, nil
	case <-timer.C:
		a.unref(key, slot)
		return nil, errLockTimeout
	case <-ctx.Done():
		a.unref(key, slot)
		return nil, ctx.Err()
	}
}

func (a *lockArena) unref(key string, slot *lockSlot) {
	a.mu.Lock()
	defer a.mu.Unlock()

	slot.refs--
	if slot.refs == 0 {
		delete(a.slots, key)
	}
}
