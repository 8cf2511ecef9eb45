package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_DeliversEveryRequest(t *testing.T) {
	q := NewMemory(Options{Workers: 3})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	seen := make(map[int64]int)
	q.Start(ctx, func(ctx context.Context, orderID int64) error {
		mu.Lock()
		seen[orderID]++
		mu.Unlock()
		return nil
	})

	for id := int64(1); id <= 50; id++ {
		require.NoError(t, q.Schedule(ctx, id))
	}
	require.NoError(t, q.Close())

	assert.Len(t, seen, 50)
	for id, n := range seen {
		assert.Equal(t, 1, n, "order %d", id)
	}
}

func TestMemory_CloseHandlesBufferedRequests(t *testing.T) {
	q := NewMemory(Options{Workers: 1, Buffer: 20})
	ctx, cancel := context.WithCancel(context.Background())

	var mu sync.Mutex
	var handled []int64
	q.Start(ctx, func(ctx context.Context, orderID int64) error {
		time.Sleep(time.Millisecond)
		mu.Lock()
		handled = append(handled, orderID)
		mu.Unlock()
		return nil
	})

	for id := int64(1); id <= 20; id++ {
		require.NoError(t, q.Schedule(ctx, id))
	}
	require.NoError(t, q.Close())
	cancel()

	assert.Len(t, handled, 20, "requests buffered before Close are handled")
}

func TestMemory_RetriesFailedHandler(t *testing.T) {
	q := NewMemory(Options{Workers: 1, MaxAttempts: 3, Backoff: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	calls := 0
	q.Start(ctx, func(ctx context.Context, orderID int64) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			return errors.New("deadlock detected")
		}
		return nil
	})

	require.NoError(t, q.Schedule(ctx, 7))
	require.NoError(t, q.Close())

	assert.Equal(t, 3, calls)
}

func TestMemory_ScheduleAfterClose(t *testing.T) {
	q := NewMemory(Options{})
	require.NoError(t, q.Close())
	assert.ErrorIs(t, q.Schedule(context.Background(), 1), ErrClosed)
	assert.NoError(t, q.Close())
}

func TestOrderIDCodec(t *testing.T) {
	id, err := decodeOrderID(encodeOrderID(9001))
	require.NoError(t, err)
	assert.Equal(t, int64(9001), id)

	_, err = decodeOrderID([]byte("nope"))
	assert.Error(t, err)
}
