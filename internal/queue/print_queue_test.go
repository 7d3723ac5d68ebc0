package queue

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T) *PrintQueue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

func TestPushPopFIFO(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	for _, id := range []string{"a", "b"} {
		if err := q.Push(ctx, id); err != nil {
			t.Fatalf("push %s: %v", id, err)
		}
	}
	if depth, _ := q.Depth(ctx); depth != 2 {
		t.Fatalf("depth: got %d want 2", depth)
	}

	first, err := q.Pop(ctx)
	if err != nil || first != "a" {
		t.Fatalf("pop: got %q err %v, want a", first, err)
	}
	second, _ := q.Pop(ctx)
	if second != "b" {
		t.Fatalf("pop: got %q want b", second)
	}
	empty, err := q.Pop(ctx)
	if err != nil || empty != "" {
		t.Fatalf("empty pop: got %q err %v", empty, err)
	}
}

func TestPopTracksInflightUntilAck(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	_ = q.Push(ctx, "job-1")
	if _, err := q.Pop(ctx); err != nil {
		t.Fatalf("pop: %v", err)
	}

	inflight, err := q.Inflight(ctx)
	if err != nil {
		t.Fatalf("inflight: %v", err)
	}
	if len(inflight) != 1 || inflight[0] != "job-1" {
		t.Fatalf("inflight: got %v", inflight)
	}

	if err := q.Ack(ctx, "job-1"); err != nil {
		t.Fatalf("ack: %v", err)
	}
	inflight, _ = q.Inflight(ctx)
	if len(inflight) != 0 {
		t.Fatalf("acked job still inflight: %v", inflight)
	}
}

func TestRemoveFromReady(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	_ = q.Push(ctx, "job-1")
	removed, err := q.Remove(ctx, "job-1")
	if err != nil || !removed {
		t.Fatalf("remove: got %v err %v", removed, err)
	}
	removed, _ = q.Remove(ctx, "job-1")
	if removed {
		t.Fatal("second remove should find nothing")
	}
	if id, _ := q.Pop(ctx); id != "" {
		t.Fatalf("removed job should not pop, got %q", id)
	}
}
