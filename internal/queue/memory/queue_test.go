package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	result := make(chan string, 1)
	errCh := make(chan error, 1)

	go func() {
		item, err := q.Dequeue(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- item
	}()

	time.Sleep(10 * time.Millisecond) // allow goroutine to start
	require.NoError(t, q.Enqueue(context.Background(), "job-1"))
	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case got := <-result:
		assert.Equal(t, "job-1", got)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return job")
	}
}

func TestQueueFIFOAndUnbounded(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	for i := 0; i < 1000; i++ {
		require.NoError(t, q.Enqueue(context.Background(), fmt.Sprintf("job-%d", i)))
	}
	assert.Equal(t, 1000, q.Len())
	for i := 0; i < 1000; i++ {
		got, err := q.Dequeue(context.Background())
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("job-%d", i), got)
	}
	assert.Zero(t, q.Len())
}

func TestQueueConcurrentConsumers(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	const total = 200
	var (
		mu   sync.Mutex
		seen = map[string]bool{}
		wg   sync.WaitGroup
	)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				id, err := q.Dequeue(ctx)
				if err != nil {
					return
				}
				mu.Lock()
				seen[id] = true
				done := len(seen) == total
				mu.Unlock()
				if done {
					cancel()
				}
			}
		}()
	}
	for i := 0; i < total; i++ {
		require.NoError(t, q.Enqueue(context.Background(), fmt.Sprintf("job-%d", i)))
	}
	wg.Wait()
	assert.Len(t, seen, total)
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Dequeue(ctx)
	require.EqualError(t, err, "dequeue canceled: context canceled")
	require.EqualError(t, q.Enqueue(ctx, "job"), "enqueue canceled: context canceled")
}

func TestQueueClose(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	require.NoError(t, q.Enqueue(context.Background(), "queued"))
	q.Close()
	require.ErrorIs(t, q.Enqueue(context.Background(), "late"), ErrClosed)

	got, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "queued", got)

	_, err = q.Dequeue(context.Background())
	require.ErrorIs(t, err, ErrClosed)
	// Closing twice should be safe.
	q.Close()
}
