// Package syncutil provides keyed locking for in-process and cross-instance
// mutual exclusion.
package syncutil

import (
	"context"
	"hash/fnv"
)

const defaultShards = 256

// ContextShardedMutex is a bounded pool of channel-based mutexes keyed by
// string. Waiters can give up when their context ends. Keys that hash to the
// same shard share a lock, so a caller must never hold two keys at once.
type ContextShardedMutex struct {
	shards []chan struct{}
}

// NewContextShardedMutex creates a mutex pool with the default shard count.
func NewContextShardedMutex() *ContextShardedMutex {
	return NewContextShardedMutexN(defaultShards)
}

// NewContextShardedMutexN creates a mutex pool with n shards (minimum 1).
func NewContextShardedMutexN(n int) *ContextShardedMutex {
	if n < 1 {
		n = 1
	}
	m := &ContextShardedMutex{shards: make([]chan struct{}, n)}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
		m.shards[i] <- struct{}{}
	}
	return m
}

// LockContext blocks until the lock for key is held or ctx is done. On success
// the returned func releases the lock and must be called exactly once.
func (m *ContextShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	shard := m.shards[m.shardIdx(key)]

	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock acquires the lock for key only if it is free.
func (m *ContextShardedMutex) TryLock(key string) (func(), bool) {
	shard := m.shards[m.shardIdx(key)]
	select {
	case <-shard:
		return func() { shard <- struct{}{} }, true
	default:
		return nil, false
	}
}

func (m *ContextShardedMutex) shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % uint32(len(m.shards))
}
