package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/aperritano/Nutella/metric"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type testWork struct {
	id   int
	fail bool
}

func TestNewPool(t *testing.T) {
	processor := func(context.Context, testWork) error { return nil }

	pool, err := NewPool(5, 100, processor)
	require.NoError(t, err)
	assert.Equal(t, 5, pool.workers)
	assert.Equal(t, 100, pool.queueSize)

	pool, err = NewPool(0, 0, processor)
	require.NoError(t, err)
	assert.Equal(t, 1, pool.workers)
	assert.Equal(t, 1000, pool.queueSize)

	_, err = NewPool[testWork](1, 1, nil)
	assert.ErrorIs(t, err, ErrNilProcessor)
}

func TestPool_SerialOrder(t *testing.T) {
	var mu sync.Mutex
	var order []int
	pool, err := NewPool(1, 100, func(_ context.Context, w testWork) error {
		mu.Lock()
		order = append(order, w.id)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, pool.Start(context.Background()))

	for i := 0; i < 50; i++ {
		require.NoError(t, pool.Submit(testWork{id: i}))
	}
	require.NoError(t, pool.Stop(5*time.Second))

	require.Len(t, order, 50)
	for i, id := range order {
		assert.Equal(t, i, id)
	}
}

func TestPool_Lifecycle(t *testing.T) {
	pool, err := NewPool(2, 10, func(context.Context, testWork) error { return nil })
	require.NoError(t, err)

	assert.ErrorIs(t, pool.Submit(testWork{}), ErrPoolNotStarted)

	ctx := context.Background()
	require.NoError(t, pool.Start(ctx))
	assert.ErrorIs(t, pool.Start(ctx), ErrPoolAlreadyStarted)

	require.NoError(t, pool.Stop(time.Second))
	assert.ErrorIs(t, pool.Submit(testWork{}), ErrPoolStopped)
	assert.NoError(t, pool.Stop(time.Second), "second stop is a no-op")
}

func TestPool_QueueFull(t *testing.T) {
	release := make(chan struct{})
	pool, err := NewPool(1, 2, func(context.Context, testWork) error {
		<-release
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, pool.Start(context.Background()))

	dropped := 0
	for i := 0; i < 6; i++ {
		if errors.Is(pool.Submit(testWork{id: i}), ErrQueueFull) {
			dropped++
		}
	}
	close(release)
	require.NoError(t, pool.Stop(5*time.Second))

	assert.GreaterOrEqual(t, dropped, 3)
	assert.Equal(t, int64(dropped), pool.Stats().Dropped)
}

func TestPool_ProcessingErrors(t *testing.T) {
	pool, err := NewPool(2, 20, func(_ context.Context, w testWork) error {
		if w.fail {
			return errors.New("simulated error")
		}
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, pool.Start(context.Background()))

	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(testWork{id: i, fail: i%2 == 0}))
	}
	require.NoError(t, pool.Stop(5*time.Second))

	stats := pool.Stats()
	assert.Equal(t, int64(10), stats.Submitted)
	assert.Equal(t, int64(10), stats.Processed)
	assert.Equal(t, int64(5), stats.Failed)
}

func TestPool_StopTimeout(t *testing.T) {
	var started atomic.Bool
	pool, err := NewPool(1, 1, func(ctx context.Context, _ testWork) error {
		started.Store(true)
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)
	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Submit(testWork{}))

	require.Eventually(t, started.Load, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, pool.Stop(20*time.Millisecond), ErrStopTimeout)

	// Cancellation releases the worker.
	pool.wg.Wait()
}

func TestPool_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	pool, err := NewPool(1, 10, func(_ context.Context, w testWork) error {
		if w.fail {
			return errors.New("boom")
		}
		return nil
	}, WithMetrics[testWork](registry, "test_pool"))
	require.NoError(t, err)
	require.NoError(t, pool.Start(context.Background()))

	require.NoError(t, pool.Submit(testWork{id: 1}))
	require.NoError(t, pool.Submit(testWork{id: 2, fail: true}))
	require.NoError(t, pool.Stop(time.Second))

	assert.Equal(t, 2.0, testutil.ToFloat64(pool.metrics.submitted))
	assert.Equal(t, 1.0, testutil.ToFloat64(pool.metrics.processed.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pool.metrics.processed.WithLabelValues("error")))

	// Same prefix twice is rejected by the registry.
	_, err = NewPool(1, 10, func(context.Context, testWork) error { return nil },
		WithMetrics[testWork](registry, "test_pool"))
	assert.Error(t, err)
}
