package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func shutdownPool(t *testing.T, pool *WorkerPool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, pool.Shutdown(ctx))
}

func TestWorkerPool_BasicExecution(t *testing.T) {
	defer goleak.VerifyNone(t)
	pool := NewWorkerPool(2)
	defer shutdownPool(t, pool)

	var ran int64
	_, err := pool.Submit(Task{Key: "wf", Run: func(context.Context) error {
		atomic.AddInt64(&ran, 1)
		return nil
	}})
	require.NoError(t, err)
	pool.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt64(&ran))
	assert.EqualValues(t, 1, pool.Metrics().Completed)
}

func TestWorkerPool_ConcurrencyLimit(t *testing.T) {
	defer goleak.VerifyNone(t)
	pool := NewWorkerPool(3)
	defer shutdownPool(t, pool)

	var current, peak int64
	var mu sync.Mutex
	for i := 0; i < 10; i++ {
		_, err := pool.Submit(Task{Key: "wf", Run: func(context.Context) error {
			c := atomic.AddInt64(&current, 1)
			mu.Lock()
			if c > peak {
				peak = c
			}
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&current, -1)
			return nil
		}})
		require.NoError(t, err)
	}
	pool.Wait()

	assert.LessOrEqual(t, peak, int64(3))
	assert.EqualValues(t, 10, pool.Metrics().Completed)
}

func TestWorkerPool_PerKeyLimit(t *testing.T) {
	defer goleak.VerifyNone(t)
	pool := NewWorkerPool(4)
	defer shutdownPool(t, pool)

	var current, peak int64
	var mu sync.Mutex
	for i := 0; i < 6; i++ {
		_, err := pool.Submit(Task{Key: "limited", Limit: 1, Run: func(context.Context) error {
			c := atomic.AddInt64(&current, 1)
			mu.Lock()
			if c > peak {
				peak = c
			}
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt64(&current, -1)
			return nil
		}})
		require.NoError(t, err)
	}
	pool.Wait()
	assert.EqualValues(t, 1, peak)
}

func TestWorkerPool_BlockedKeyDoesNotBlockOthers(t *testing.T) {
	defer goleak.VerifyNone(t)
	pool := NewWorkerPool(2)
	defer shutdownPool(t, pool)

	release := make(chan struct{})
	_, err := pool.Submit(Task{Key: "slow", Limit: 1, Run: func(context.Context) error {
		<-release
		return nil
	}})
	require.NoError(t, err)
	_, err = pool.Submit(Task{Key: "slow", Limit: 1, Run: func(context.Context) error { return nil }})
	require.NoError(t, err)

	fast := make(chan struct{})
	_, err = pool.Submit(Task{Key: "fast", Run: func(context.Context) error {
		close(fast)
		return nil
	}})
	require.NoError(t, err)

	select {
	case <-fast:
	case <-time.After(2 * time.Second):
		t.Fatal("task with a free key did not start")
	}
	close(release)
	pool.Wait()
}

func TestWorkerPool_FIFOOrder(t *testing.T) {
	defer goleak.VerifyNone(t)
	pool := NewWorkerPool(1)
	defer shutdownPool(t, pool)

	release := make(chan struct{})
	_, err := pool.Submit(Task{Key: "wf", Run: func(context.Context) error {
		<-release
		return nil
	}})
	require.NoError(t, err)

	var mu sync.Mutex
	var order []int
	for i := 0; i < 5; i++ {
		_, err := pool.Submit(Task{Key: "wf", Run: func(context.Context) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}})
		require.NoError(t, err)
	}
	close(release)

	require.Eventually(t, func() bool { return pool.Metrics().Completed == 6 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestWorkerPool_ErrorAndPanicTracking(t *testing.T) {
	defer goleak.VerifyNone(t)
	pool := NewWorkerPool(2)
	defer shutdownPool(t, pool)

	_, err := pool.Submit(Task{Key: "wf", Run: func(context.Context) error { return errors.New("boom") }})
	require.NoError(t, err)
	_, err = pool.Submit(Task{Key: "wf", Run: func(context.Context) error { panic("kaboom") }})
	require.NoError(t, err)
	pool.Wait()

	m := pool.Metrics()
	assert.EqualValues(t, 2, m.Failed)
	assert.EqualValues(t, 1, m.Panics)
	assert.EqualValues(t, 0, m.Active)
}

func TestWorkerPool_TicketCancel(t *testing.T) {
	defer goleak.VerifyNone(t)
	pool := NewWorkerPool(1)
	defer shutdownPool(t, pool)

	release := make(chan struct{})
	running, err := pool.Submit(Task{Key: "wf", Run: func(context.Context) error {
		<-release
		return nil
	}})
	require.NoError(t, err)

	var ran, dropped atomic.Bool
	queued, err := pool.Submit(Task{
		Key:     "wf",
		Run:     func(context.Context) error { ran.Store(true); return nil },
		Dropped: func() { dropped.Store(true) },
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, pool.Metrics().Queued)

	assert.True(t, queued.Cancel())
	assert.False(t, queued.Cancel(), "second cancel is a no-op")
	require.Eventually(t, func() bool { return pool.Metrics().Active == 1 }, time.Second, time.Millisecond)
	assert.False(t, running.Cancel(), "started tasks cannot be cancelled")

	close(release)
	pool.Wait()
	assert.False(t, ran.Load())
	assert.False(t, dropped.Load())
	assert.EqualValues(t, 0, pool.Metrics().Queued)
}

func TestWorkerPool_ShutdownDropsQueued(t *testing.T) {
	defer goleak.VerifyNone(t)
	pool := NewWorkerPool(1)

	release := make(chan struct{})
	_, err := pool.Submit(Task{Key: "wf", Run: func(context.Context) error {
		<-release
		return nil
	}})
	require.NoError(t, err)

	var dropped int64
	for i := 0; i < 3; i++ {
		_, err := pool.Submit(Task{
			Key:     "wf",
			Run:     func(context.Context) error { return nil },
			Dropped: func() { atomic.AddInt64(&dropped, 1) },
		})
		require.NoError(t, err)
	}

	done := make(chan error, 1)
	go func() { done <- pool.Shutdown(context.Background()) }()

	require.Eventually(t, func() bool { return atomic.LoadInt64(&dropped) == 3 }, time.Second, time.Millisecond)
	close(release)
	require.NoError(t, <-done)

	m := pool.Metrics()
	assert.EqualValues(t, 3, m.Dropped)
	assert.EqualValues(t, 1, m.Completed)

	_, err = pool.Submit(Task{Key: "wf", Run: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrPoolShutdown)
}

func TestWorkerPool_ShutdownDeadlineCancelsRunning(t *testing.T) {
	defer goleak.VerifyNone(t)
	pool := NewWorkerPool(1)

	started := make(chan struct{})
	_, err := pool.Submit(Task{Key: "wf", Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}})
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = pool.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.EqualValues(t, 0, pool.Metrics().Active)
}
