package crop

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func startLooper(t *testing.T) *Looper {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	l := NewLooper(16).Start(ctx)
	t.Cleanup(func() {
		cancel()
		<-l.Done()
	})
	return l
}

func TestLooperRunsTasksInOrder(t *testing.T) {
	l := startLooper(t)

	var got []int
	for i := 0; i < 10; i++ {
		i := i
		require.True(t, l.Post(func(context.Context) { got = append(got, i) }))
	}
	require.NoError(t, l.Call(context.Background(), time.Second, func(context.Context) {}))
	require.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
}

func TestLooperCallMarksOwner(t *testing.T) {
	l := startLooper(t)
	ctx := context.Background()
	require.False(t, OnOwner(ctx))

	var onOwner, isOwner, nested bool
	var nestedErr error
	err := l.Call(ctx, time.Second, func(ctx context.Context) {
		onOwner = OnOwner(ctx)
		isOwner = l.IsOwner(ctx)
		// Calling back into the loop from a task runs inline.
		nestedErr = l.Call(ctx, time.Second, func(context.Context) { nested = true })
	})
	require.NoError(t, err)
	require.NoError(t, nestedErr)
	require.True(t, onOwner)
	require.True(t, isOwner)
	require.True(t, nested)

	other := NewLooper(1)
	require.NoError(t, l.Call(ctx, time.Second, func(ctx context.Context) {
		isOwner = other.IsOwner(ctx)
	}))
	require.False(t, isOwner)
}

func TestLooperCallTimeout(t *testing.T) {
	l := startLooper(t)
	block := make(chan struct{})
	defer close(block)
	l.Post(func(context.Context) { <-block })

	err := l.Call(context.Background(), 20*time.Millisecond, func(context.Context) {})
	require.ErrorIs(t, err, ErrHandshakeTimeout)
}

func TestLooperCallCancelled(t *testing.T) {
	l := startLooper(t)
	block := make(chan struct{})
	defer close(block)
	l.Post(func(context.Context) { <-block })

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := l.Call(ctx, 0, func(context.Context) {})
	require.ErrorIs(t, err, context.Canceled)
}

func TestLooperStop(t *testing.T) {
	l := startLooper(t)
	l.Stop()
	<-l.Done()

	require.True(t, l.Stopped())
	require.False(t, l.Post(func(context.Context) {}))
	require.False(t, l.PostDelayed(time.Millisecond, func(context.Context) {}))
	require.ErrorIs(t, l.Call(context.Background(), time.Second, func(context.Context) {}), ErrLooperStopped)
	require.NotPanics(t, l.Stop)
}

func TestLooperRunOnce(t *testing.T) {
	l := startLooper(t)
	require.NoError(t, l.Call(context.Background(), time.Second, func(context.Context) {}))
	require.Error(t, l.Run(context.Background()))
}

func TestLooperPostDelayed(t *testing.T) {
	l := startLooper(t)
	done := make(chan time.Time, 1)
	start := time.Now()
	require.True(t, l.PostDelayed(30*time.Millisecond, func(context.Context) { done <- time.Now() }))

	select {
	case at := <-done:
		require.GreaterOrEqual(t, at.Sub(start), 30*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("delayed task did not run")
	}
}

func TestLooperPostFromBusyOwner(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := NewLooper(1).Start(ctx)

	ran := make(chan string, 2)
	var posted, delayed bool
	require.NoError(t, l.Call(ctx, time.Second, func(context.Context) {
		// Other goroutines fill the queue while this task runs.
		filled := make(chan struct{})
		go func() {
			defer close(filled)
			for i := 0; i < 8; i++ {
				l.Post(func(context.Context) {})
			}
		}()
		<-filled
		posted = l.Post(func(context.Context) { ran <- "post" })
		delayed = l.PostDelayed(0, func(context.Context) { ran <- "delayed" })
	}))
	require.True(t, posted)
	require.True(t, delayed)
	require.Equal(t, "post", receive(t, ran))
	require.Equal(t, "delayed", receive(t, ran))
	require.NoError(t, l.Call(ctx, time.Second, func(context.Context) {}))
}

func TestLooperCallTimeoutWithQueuedWork(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := NewLooper(1).Start(ctx)
	block := make(chan struct{})
	defer close(block)
	l.Post(func(context.Context) { <-block })
	l.Post(func(context.Context) {})

	err := l.Call(ctx, 20*time.Millisecond, func(context.Context) {})
	require.ErrorIs(t, err, ErrHandshakeTimeout)

	cctx, ccancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer ccancel()
	err = l.Call(cctx, 0, func(context.Context) {})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
