package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyDo(t *testing.T) {
	transient := errors.New("transient")
	final := errors.New("final")

	tests := []struct {
		name      string
		attempts  int
		failFirst int
		failWith  error
		wantErr   error
		wantCalls int
	}{
		{name: "first attempt succeeds", attempts: 3, wantCalls: 1},
		{name: "succeeds after retries", attempts: 3, failFirst: 2, failWith: transient, wantCalls: 3},
		{name: "attempts exhausted", attempts: 3, failFirst: 10, failWith: final, wantErr: final, wantCalls: 3},
		{name: "permanent stops early", attempts: 5, failFirst: 10, failWith: Permanent(final), wantErr: final, wantCalls: 1},
		{name: "zero attempts rounds up", attempts: 0, wantCalls: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			p := Policy{Attempts: tt.attempts, BaseDelay: time.Millisecond}
			n, err := p.Do(context.Background(), func(attempt int) error {
				calls++
				assert.Equal(t, calls, attempt)
				if calls <= tt.failFirst {
					return tt.failWith
				}
				return nil
			})
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantCalls, calls)
			assert.Equal(t, tt.wantCalls, n)
		})
	}
}

func TestPolicyDo_UnwrapsMarkers(t *testing.T) {
	inner := errors.New("inner")
	p := Policy{Attempts: 2, BaseDelay: time.Millisecond}

	_, err := p.Do(context.Background(), func(int) error { return Permanent(inner) })
	var pe *PermanentError
	assert.False(t, errors.As(err, &pe), "Do returns the wrapped error, not the wrapper")
	assert.Same(t, inner, err)

	_, err = p.Do(context.Background(), func(int) error { return After(inner, time.Millisecond) })
	var de *DelayError
	assert.False(t, errors.As(err, &de))
	assert.Same(t, inner, err)
}

func TestPolicyDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err := Policy{Attempts: 10, BaseDelay: 100 * time.Millisecond}.Do(ctx, func(int) error {
		calls.Add(1)
		return errors.New("fail")
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.LessOrEqual(t, calls.Load(), int32(3))
}

func TestPolicyDo_BackoffSleepsBetweenAttempts(t *testing.T) {
	var stamps []time.Time
	_, err := Policy{Attempts: 4, BaseDelay: 20 * time.Millisecond}.Do(context.Background(), func(int) error {
		stamps = append(stamps, time.Now())
		if len(stamps) < 4 {
			return errors.New("fail")
		}
		return nil
	})
	require.NoError(t, err)
	require.Len(t, stamps, 4)
	for i := 1; i < len(stamps); i++ {
		assert.GreaterOrEqual(t, stamps[i].Sub(stamps[i-1]), 15*time.Millisecond, "gap %d", i)
	}
}

func TestPolicyDo_HonoursRequestedDelayUpToCap(t *testing.T) {
	var stamps []time.Time
	p := Policy{Attempts: 2, BaseDelay: time.Millisecond, MaxDelay: 200 * time.Millisecond}
	_, err := p.Do(context.Background(), func(int) error {
		stamps = append(stamps, time.Now())
		if len(stamps) == 1 {
			return After(errors.New("429"), 50*time.Millisecond)
		}
		return nil
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stamps[1].Sub(stamps[0]), 50*time.Millisecond)

	stamps = nil
	p.MaxDelay = 10 * time.Millisecond
	_, err = p.Do(context.Background(), func(int) error {
		stamps = append(stamps, time.Now())
		if len(stamps) == 1 {
			return After(errors.New("429"), time.Hour)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Less(t, stamps[1].Sub(stamps[0]), time.Second, "MaxDelay caps a server-requested wait")
}
