package queue_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedhub/queue"
)

func newQueue(t *testing.T) *queue.Queue {
	q := queue.New(context.Background(), queue.Config{
		Workers:         2,
		QueueSize:       10,
		MaxRetries:      3,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
	})
	t.Cleanup(q.Shutdown)
	return q
}

func TestScheduleNow(t *testing.T) {
	q := newQueue(t)
	done := make(chan int64, 1)
	q.Register("refresh_feed", func(ctx context.Context, feedID int64) error {
		done <- feedID
		return nil
	})
	q.Start()

	require.NoError(t, q.ScheduleNow("refresh_feed", 42))

	select {
	case id := <-done:
		assert.Equal(t, int64(42), id)
	case <-time.After(2 * time.Second):
		t.Fatal("job did not run")
	}
}

func TestScheduleAfterDelay(t *testing.T) {
	q := newQueue(t)
	ran := make(chan time.Time, 1)
	q.Register("refresh_feed", func(ctx context.Context, feedID int64) error {
		ran <- time.Now()
		return nil
	})
	q.Start()

	start := time.Now()
	require.NoError(t, q.ScheduleAfterDelay("refresh_feed", 1, 50*time.Millisecond))

	select {
	case at := <-ran:
		assert.GreaterOrEqual(t, at.Sub(start), 50*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("delayed job did not run")
	}
}

func TestRetries(t *testing.T) {
	tests := []struct {
		name      string
		failures  int32
		permanent bool
		wantCalls int32
	}{
		{name: "succeeds first time", failures: 0, wantCalls: 1},
		{name: "retried until success", failures: 2, wantCalls: 3},
		{name: "gives up after max retries", failures: 100, wantCalls: 4},
		{name: "permanent error is not retried", failures: 100, permanent: true, wantCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := newQueue(t)
			var calls atomic.Int32
			finished := make(chan struct{})
			q.Register("refresh_feed", func(ctx context.Context, feedID int64) error {
				n := calls.Add(1)
				if n <= tt.failures {
					err := errors.New("temporary")
					if tt.permanent {
						err = backoff.Permanent(errors.New("gone"))
					}
					if n == tt.wantCalls {
						close(finished)
					}
					return err
				}
				close(finished)
				return nil
			})
			q.Start()

			require.NoError(t, q.ScheduleNow("refresh_feed", 1))

			select {
			case <-finished:
			case <-time.After(2 * time.Second):
				t.Fatal("job did not finish")
			}
			// allow a wrongly scheduled extra attempt to show up
			time.Sleep(50 * time.Millisecond)
			assert.Equal(t, tt.wantCalls, calls.Load())
		})
	}
}

func TestScheduleErrors(t *testing.T) {
	q := newQueue(t)
	q.Register("refresh_feed", func(ctx context.Context, feedID int64) error { return nil })

	err := q.ScheduleNow("unknown", 1)
	assert.ErrorIs(t, err, queue.ErrUnknownTask)

	err = q.ScheduleAfterDelay("unknown", 1, time.Second)
	assert.ErrorIs(t, err, queue.ErrUnknownTask)

	// workers are not started so the buffer fills up
	for i := 0; i < 10; i++ {
		require.NoError(t, q.ScheduleNow("refresh_feed", int64(i)))
	}
	assert.ErrorIs(t, q.ScheduleNow("refresh_feed", 11), queue.ErrQueueFull)

	q.Shutdown()
	assert.ErrorIs(t, q.ScheduleNow("refresh_feed", 1), queue.ErrClosed)
}

func TestShutdownDropsDelayedJobs(t *testing.T) {
	q := newQueue(t)
	var calls atomic.Int32
	q.Register("refresh_feed", func(ctx context.Context, feedID int64) error {
		calls.Add(1)
		return nil
	})
	q.Start()

	require.NoError(t, q.ScheduleAfterDelay("refresh_feed", 1, 50*time.Millisecond))
	q.Shutdown()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
}
