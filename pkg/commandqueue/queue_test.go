package commandqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	q := New(Options{Logger: zerolog.Nop()})
	t.Cleanup(func() { q.Close() })
	return q
}

func TestQueue_BasicEnqueue(t *testing.T) {
	q := newTestQueue(t)

	result, err := q.Enqueue(context.Background(), "session:a", func(ctx context.Context) (interface{}, error) {
		return "result", nil
	})
	assert.NoError(t, err)
	assert.Equal(t, "result", result)
	assert.Eventually(t, func() bool { return q.Lanes() == 0 }, time.Second, 5*time.Millisecond)
}

func TestQueue_TaskError(t *testing.T) {
	q := newTestQueue(t)
	expectedErr := errors.New("task failed")

	result, err := q.Enqueue(context.Background(), "session:a", func(ctx context.Context) (interface{}, error) {
		return nil, expectedErr
	})
	assert.Equal(t, expectedErr, err)
	assert.Nil(t, result)
}

func TestQueue_SerialWithinLane(t *testing.T) {
	q := newTestQueue(t)

	var running, maxRunning int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = q.Enqueue(context.Background(), "session:a", func(ctx context.Context) (interface{}, error) {
				n := atomic.AddInt32(&running, 1)
				for {
					m := atomic.LoadInt32(&maxRunning)
					if n <= m || atomic.CompareAndSwapInt32(&maxRunning, m, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt32(&running, -1)
				return nil, nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxRunning))
}

func TestQueue_FIFOWithinLane(t *testing.T) {
	q := newTestQueue(t)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = q.Enqueue(context.Background(), "session:a", func(ctx context.Context) (interface{}, error) {
			close(started)
			<-release
			return nil, nil
		})
	}()
	<-started

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = q.Enqueue(context.Background(), "session:a", func(ctx context.Context) (interface{}, error) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil, nil
			})
		}(i)
		// Enqueue in a known order.
		require.Eventually(t, func() bool { return q.QueueSize("session:a") == i+1 }, time.Second, time.Millisecond)
	}

	close(release)
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestQueue_LanesRunConcurrently(t *testing.T) {
	q := newTestQueue(t)

	aStarted := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})

	go func() {
		_, _ = q.Enqueue(context.Background(), "session:a", func(ctx context.Context) (interface{}, error) {
			close(aStarted)
			<-release
			return nil, nil
		})
		close(done)
	}()
	<-aStarted

	result, err := q.Enqueue(context.Background(), "session:b", func(ctx context.Context) (interface{}, error) {
		return "b", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "b", result)

	close(release)
	<-done
}

func TestQueue_CancelledWhileQueued(t *testing.T) {
	q := newTestQueue(t)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = q.Enqueue(context.Background(), "session:a", func(ctx context.Context) (interface{}, error) {
			close(started)
			<-release
			return nil, nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	var ran int32
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Enqueue(ctx, "session:a", func(ctx context.Context) (interface{}, error) {
			atomic.StoreInt32(&ran, 1)
			return nil, nil
		})
		errCh <- err
	}()
	require.Eventually(t, func() bool { return q.QueueSize("session:a") == 1 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	close(release)
	assert.Eventually(t, func() bool { return q.Lanes() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&ran))
}

func TestQueue_EnqueueOnce(t *testing.T) {
	q := newTestQueue(t)
	var calls int32
	task := func(ctx context.Context) (interface{}, error) {
		return atomic.AddInt32(&calls, 1), nil
	}

	first, err := q.EnqueueOnce(context.Background(), "session:a", "msg-1", task)
	require.NoError(t, err)
	second, err := q.EnqueueOnce(context.Background(), "session:a", "msg-1", task)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	_, err = q.EnqueueOnce(context.Background(), "session:b", "msg-1", task)
	require.NoError(t, err)
	_, err = q.EnqueueOnce(context.Background(), "session:a", "", task)
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestQueue_Close(t *testing.T) {
	q := New(Options{Logger: zerolog.Nop()})

	started := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Enqueue(context.Background(), "session:a", func(ctx context.Context) (interface{}, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		})
		errCh <- err
	}()
	<-started

	require.NoError(t, q.Close())
	assert.ErrorIs(t, <-errCh, context.Canceled)

	_, err := q.Enqueue(context.Background(), "session:a", func(ctx context.Context) (interface{}, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrClosed)
}

func TestLaneKind(t *testing.T) {
	assert.Equal(t, "session", laneKind("session:abc"))
	assert.Equal(t, "default", laneKind("abc"))
}
