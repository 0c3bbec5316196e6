// Package syncutil provides keyed locking for per-reservation work.
package syncutil

import (
	"context"
	"hash/fnv"
)

const shardCount = 256

// KeyLock serializes work per string key over a fixed pool of channel-based
// mutexes. Distinct keys that hash to the same shard also serialize.
type KeyLock struct {
	shards [shardCount]chan struct{}
}

// NewKeyLock creates an unlocked KeyLock.
func NewKeyLock() *KeyLock {
	k := &KeyLock{}
	for i := range k.shards {
		k.shards[i] = make(chan struct{}, 1)
	}
	return k
}

// Lock waits for key's shard or for ctx to end. On success the caller must
// call the returned unlock exactly once.
func (k *KeyLock) Lock(ctx context.Context, key string) (unlock func(), err error) {
	shard := k.shards[shardOf(key)]
	select {
	case shard <- struct{}{}:
		return func() { <-shard }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock takes key's shard only if it is free.
func (k *KeyLock) TryLock(key string) (unlock func(), ok bool) {
	shard := k.shards[shardOf(key)]
	select {
	case shard <- struct{}{}:
		return func() { <-shard }, true
	default:
		return nil, false
	}
}

func shardOf(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
