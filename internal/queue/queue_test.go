package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouter_OrdersTasksPerChat(t *testing.T) {
	r := NewRouter(nil, Config{Workers: 4, QueueDepth: 16, IdleGC: time.Minute, ShutdownGrace: time.Second}, nil)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(5)

	for i := 0; i < 5; i++ {
		i := i
		err := r.Enqueue(Task{ChatID: "chat-1", Run: func(ctx context.Context) error {
			defer wg.Done()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}})
		require.NoError(t, err)
	}

	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestRouter_DifferentChatsRunConcurrently(t *testing.T) {
	r := NewRouter(nil, Config{Workers: 4, QueueDepth: 16, IdleGC: time.Minute, ShutdownGrace: time.Second}, nil)

	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)

	require.NoError(t, r.Enqueue(Task{ChatID: "a", Run: func(ctx context.Context) error {
		defer wg.Done()
		<-release
		return nil
	}}))
	require.NoError(t, r.Enqueue(Task{ChatID: "b", Run: func(ctx context.Context) error {
		defer wg.Done()
		close(release)
		return nil
	}}))

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tasks from different chats did not run concurrently")
	}
}

func TestRouter_Backpressure(t *testing.T) {
	r := NewRouter(nil, Config{Workers: 1, QueueDepth: 1, IdleGC: time.Minute, ShutdownGrace: time.Second}, nil)

	block := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, r.Enqueue(Task{ChatID: "c", Run: func(ctx context.Context) error {
		close(started)
		<-block
		return nil
	}}))
	<-started
	// Second task fills the depth-1 buffer while the first is in flight.
	require.NoError(t, r.Enqueue(Task{ChatID: "c", Run: func(ctx context.Context) error { return nil }}))
	// Third overflows.
	err := r.Enqueue(Task{ChatID: "c", Run: func(ctx context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrBackpressure)
	close(block)
}

func TestRouter_ShutdownDrainsToCallback(t *testing.T) {
	var mu sync.Mutex
	var dropped []string
	r := NewRouter(nil, Config{Workers: 1, QueueDepth: 8, IdleGC: time.Minute, ShutdownGrace: 200 * time.Millisecond}, func(tk Task, reason string) {
		mu.Lock()
		dropped = append(dropped, reason)
		mu.Unlock()
	})

	block := make(chan struct{})
	require.NoError(t, r.Enqueue(Task{ChatID: "c", Run: func(ctx context.Context) error {
		<-block
		return nil
	}}))
	require.NoError(t, r.Enqueue(Task{ChatID: "c", Run: func(ctx context.Context) error { return nil }}))

	done := make(chan struct{})
	go func() {
		r.Shutdown(context.Background())
		close(done)
	}()

	close(block)
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, dropped, "shutdown")
}

func TestRouter_EnqueueAfterShutdownFails(t *testing.T) {
	r := NewRouter(nil, DefaultConfig(), nil)
	r.Shutdown(context.Background())
	err := r.Enqueue(Task{ChatID: "x", Run: func(ctx context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrShuttingDown)
}
