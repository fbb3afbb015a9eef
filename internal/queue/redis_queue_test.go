package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"agent-ingest/internal/apperr"
)

func newTestQueue(t *testing.T, maxDepth int) *Queue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client, "test", maxDepth, 50*time.Millisecond)
}

func TestFIFOOrder(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, 10)

	for _, id := range []string{"a", "b", "c"} {
		if err := q.Enqueue(ctx, id); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}
	for _, want := range []string{"a", "b", "c"} {
		got, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if got != want {
			t.Fatalf("expected %s, got %s", want, got)
		}
	}
}

func TestEnqueueSaturation(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, 2)

	if err := q.Enqueue(ctx, "a"); err != nil {
		t.Fatalf("enqueue a: %v", err)
	}
	if err := q.Enqueue(ctx, "b"); err != nil {
		t.Fatalf("enqueue b: %v", err)
	}
	err := q.Enqueue(ctx, "c")
	if !apperr.IsQueueSaturated(err) {
		t.Fatalf("expected queue_saturated, got %v", err)
	}

	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 2 {
		t.Fatalf("expected depth 2, got %d", depth)
	}

	// Draining frees capacity again.
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := q.Enqueue(ctx, "c"); err != nil {
		t.Fatalf("enqueue after drain: %v", err)
	}
}

func TestDequeueWaitsForWork(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, 10)

	got := make(chan string, 1)
	go func() {
		id, err := q.Dequeue(ctx)
		if err != nil {
			return
		}
		got <- id
	}()

	time.Sleep(20 * time.Millisecond)
	if err := q.Enqueue(ctx, "late"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case id := <-got:
		if id != "late" {
			t.Fatalf("expected late, got %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("dequeue never returned")
	}
}

func TestDequeueReturnsClosedOnShutdown(t *testing.T) {
	q := newTestQueue(t, 10)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(ctx)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("dequeue did not observe shutdown")
	}
}
