package tasks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielolaszy/capflow/internal/logging"
)

func TestQueueRunsTasks(t *testing.T) {
	q := NewQueue(2, 16, time.Second)
	defer q.Close()

	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		require.True(t, q.Submit(context.Background(), "count", "cap-1", func(context.Context) error {
			ran.Add(1)
			return nil
		}))
	}
	q.Drain()

	assert.Equal(t, int32(5), ran.Load())
	assert.Empty(t, q.Failures())
}

func TestQueueRunsCapabilityTasksInOrder(t *testing.T) {
	q := NewQueue(4, 64, time.Second)
	defer q.Close()

	var mu sync.Mutex
	var order []string
	record := func(step string, delay time.Duration) Func {
		return func(context.Context) error {
			time.Sleep(delay)
			mu.Lock()
			defer mu.Unlock()
			order = append(order, step)
			return nil
		}
	}

	require.True(t, q.Submit(context.Background(), "created", "cap-1", record("created", 50*time.Millisecond)))
	require.True(t, q.Submit(context.Background(), "spec", "cap-1", record("spec", 0)))
	require.True(t, q.Submit(context.Background(), "architecture", "cap-1", record("architecture", 0)))
	q.Drain()

	assert.Equal(t, []string{"created", "spec", "architecture"}, order)
}

func TestQueueRecordsFailuresAndPanics(t *testing.T) {
	q := NewQueue(1, 4, time.Second)
	defer q.Close()

	q.Submit(context.Background(), "preview", "cap-1", func(context.Context) error {
		return errors.New("generator offline")
	})
	q.Submit(context.Background(), "explode", "cap-2", func(context.Context) error {
		panic("boom")
	})
	q.Drain()

	failures := q.Failures()
	require.Len(t, failures, 2)
	assert.Equal(t, "preview", failures[0].Task)
	assert.Equal(t, "cap-1", failures[0].CapabilityID)
	assert.Equal(t, "generator offline", failures[0].Err)
	assert.Equal(t, "panic: boom", failures[1].Err)
}

func TestQueueDetachesCancellationButKeepsValues(t *testing.T) {
	q := NewQueue(1, 1, time.Second)
	defer q.Close()

	ctx, cancel := context.WithCancel(logging.WithCorrelationID(context.Background(), "corr-7"))
	release := make(chan struct{})
	var seenID string
	var seenErr error
	q.Submit(ctx, "detached", "cap-1", func(taskCtx context.Context) error {
		<-release
		seenID = logging.CorrelationID(taskCtx)
		seenErr = taskCtx.Err()
		return nil
	})
	cancel()
	close(release)
	q.Drain()

	assert.Equal(t, "corr-7", seenID)
	assert.NoError(t, seenErr)
}

func TestQueueFullDropsWithoutBlocking(t *testing.T) {
	q := NewQueue(1, 1, time.Second)
	defer q.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	require.True(t, q.Submit(context.Background(), "hold", "", func(context.Context) error {
		close(started)
		<-release
		return nil
	}))
	<-started
	require.True(t, q.Submit(context.Background(), "buffered", "", func(context.Context) error { return nil }))

	assert.False(t, q.Submit(context.Background(), "dropped", "cap-9", func(context.Context) error { return nil }))
	close(release)
	q.Drain()

	failures := q.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, "dropped", failures[0].Task)
	assert.Equal(t, ErrQueueFull.Error(), failures[0].Err)
}

func TestQueueTimeout(t *testing.T) {
	q := NewQueue(1, 1, 20*time.Millisecond)
	defer q.Close()

	q.Submit(context.Background(), "slow", "", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	q.Drain()

	require.Len(t, q.Failures(), 1)
	assert.Equal(t, context.DeadlineExceeded.Error(), q.Failures()[0].Err)
}

func TestQueueClosed(t *testing.T) {
	q := NewQueue(1, 1, 0)
	require.NoError(t, q.Close())
	assert.False(t, q.Submit(context.Background(), "late", "", func(context.Context) error { return nil }))
	require.NoError(t, q.Close())
}
