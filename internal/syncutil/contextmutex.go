// Package syncutil provides keyed synchronization primitives shared by the
// contract and dispute engines.
package syncutil

import (
	"context"
	"hash/fnv"
)

const shardCount = 256

// ContextShardedMutex serializes operations per key, with context-aware
// acquisition. Keys are hashed onto a fixed pool of channel-based locks, so
// two contracts may occasionally share a lock but a single contract is
// always serialized.
type ContextShardedMutex struct {
	shards [shardCount]chan struct{}
}

// NewContextShardedMutex returns a mutex pool with every shard unlocked.
func NewContextShardedMutex() *ContextShardedMutex {
	m := &ContextShardedMutex{}
	for i := range m.shards {
		ch := make(chan struct{}, 1)
		ch <- struct{}{}
		m.shards[i] = ch
	}
	return m
}

// LockContext acquires the lock for key, or gives up when ctx is done. On
// success it returns the unlock function, which the caller must invoke
// exactly once.
func (m *ContextShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	shard := m.shards[shardFor(key)]
	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func shardFor(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
