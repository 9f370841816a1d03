package syncutil

import (
	"context"
	"hash/fnv"
)

const keyLockShards = 256

// KeyLock serializes work per string key over a fixed pool of shards.
// Keys that hash to the same shard share a lock.
type KeyLock struct {
	shards [keyLockShards]chan struct{}
}

// NewKeyLock returns a KeyLock with every shard unlocked.
func NewKeyLock() *KeyLock {
	l := &KeyLock{}
	for i := range l.shards {
		l.shards[i] = make(chan struct{}, 1)
		l.shards[i] <- struct{}{}
	}
	return l
}

// Lock waits for the shard owning key. The returned func releases it and
// must be called exactly once. If ctx ends first, ctx.Err() is returned.
func (l *KeyLock) Lock(ctx context.Context, key string) (func(), error) {
	shard := l.shards[shardOf(key)]
	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func shardOf(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % keyLockShards
}
