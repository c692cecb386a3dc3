package unlock

import (
	"context"
	"sync"
)

// Locker serializes work for a single user.
type Locker interface {
	// Lock blocks until the user's slot is free or ctx ends; the returned func releases it.
	Lock(ctx context.Context, userID UserID) (func(), error)
}

// KeyedLocker is an in-process Locker holding one slot per user.
type KeyedLocker struct {
	mutex sync.Mutex
	slots map[string]*lockSlot
}

type lockSlot struct {
	token      chan struct{}
	references int
}

// NewKeyedLocker returns an empty in-process locker.
func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{slots: make(map[string]*lockSlot)}
}

// Lock acquires the slot for userID.
func (locker *KeyedLocker) Lock(ctx context.Context, userID UserID) (func(), error) {
	key := userID.String()
	slot := locker.acquireSlot(key)
	select {
	case slot.token <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-slot.token
				locker.releaseSlot(key, slot)
			})
		}, nil
	case <-ctx.Done():
		locker.releaseSlot(key, slot)
		return nil, ctx.Err()
	}
}

func (locker *KeyedLocker) acquireSlot(key string) *lockSlot {
	locker.mutex.Lock()
	defer locker.mutex.Unlock()
	slot, ok := locker.slots[key]
	if !ok {
		slot = &lockSlot{token: make(chan struct{}, 1)}
		locker.slots[key] = slot
	}
	slot.references++
	return slot
}

func (locker *KeyedLocker) releaseSlot(key string, slot *lockSlot) {
	locker.mutex.Lock()
	defer locker.mutex.Unlock()
	slot.references--
	if slot.references == 0 {
		delete(locker.slots, key)
	}
}

func (locker *KeyedLocker) size() int {
	locker.mutex.Lock()
	defer locker.mutex.Unlock()
	return len(locker.slots)
}
