package syncutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestLockContext_SerializesSameKey(t *testing.T) {
	m := NewContextShardedMutex()
	var (
		inside  int
		maxSeen int
		mu      sync.Mutex
	)

	g, ctx := errgroup.WithContext(context.Background())
	for range 50 {
		g.Go(func() error {
			unlock, err := m.LockContext(ctx, "txn_42")
			if err != nil {
				return err
			}
			defer unlock()

			mu.Lock()
			inside++
			maxSeen = max(maxSeen, inside)
			mu.Unlock()

			time.Sleep(100 * time.Microsecond)

			mu.Lock()
			inside--
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 1, maxSeen, "two holders of txn_42 overlapped")
}

func TestLockContext_WaiterGivesUp(t *testing.T) {
	m := NewContextShardedMutex()
	unlock, err := m.LockContext(context.Background(), "off_1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = m.LockContext(ctx, "off_1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	cancelled, cancelNow := context.WithCancel(context.Background())
	cancelNow()
	_, err = m.LockContext(cancelled, "off_1")
	assert.ErrorIs(t, err, context.Canceled)

	unlock()
	unlock, err = m.LockContext(context.Background(), "off_1")
	require.NoError(t, err, "a waiter that gave up must not leak the lock")
	unlock()
}

func TestLockContext_HandsOffOnRelease(t *testing.T) {
	m := NewContextShardedMutex()
	unlock, err := m.LockContext(context.Background(), "dsp_7")
	require.NoError(t, err)

	got := make(chan struct{})
	go func() {
		u, err := m.LockContext(context.Background(), "dsp_7")
		if err == nil {
			close(got)
			u()
		}
	}()

	select {
	case <-got:
		t.Fatal("waiter acquired a held lock")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the released lock")
	}
}

func TestTryLock(t *testing.T) {
	m := NewContextShardedMutexN(1)

	unlock, ok := m.TryLock("txn_1")
	require.True(t, ok)
	_, ok = m.TryLock("txn_2")
	assert.False(t, ok, "with one shard every key shares the lock")
	unlock()

	unlock, ok = m.TryLock("txn_2")
	require.True(t, ok)
	unlock()
}

func TestShardIdx(t *testing.T) {
	m := NewContextShardedMutexN(0)
	assert.Len(t, m.shards, 1, "shard count is clamped to one")

	m = NewContextShardedMutexN(16)
	seen := make(map[uint32]bool)
	for i := range 200 {
		key := fmt.Sprintf("txn_%d", i)
		idx := m.shardIdx(key)
		assert.Less(t, idx, uint32(16))
		assert.Equal(t, idx, m.shardIdx(key), "hashing is stable")
		seen[idx] = true
	}
	assert.Greater(t, len(seen), 8, "keys spread across shards")
}
