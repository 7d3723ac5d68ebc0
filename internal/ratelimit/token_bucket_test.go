package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTokenBucket(client, 2, 0.01, time.Minute)

	allowed, _, err := bucket.Allow(ctx, "requester")
	if err != nil || !allowed {
		t.Fatalf("expected first token allowed got allowed=%v err=%v", allowed, err)
	}
	allowed, _, _ = bucket.Allow(ctx, "requester")
	if !allowed {
		t.Fatalf("expected second token allowed")
	}
	allowed, _, _ = bucket.Allow(ctx, "requester")
	if allowed {
		t.Fatalf("expected third token to be rejected")
	}

	// A different requester draws from its own bucket.
	allowed, _, _ = bucket.Allow(ctx, "other")
	if !allowed {
		t.Fatalf("expected fresh bucket for other requester")
	}
}

func TestTokenBucketNamespacesRequesterKeys(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	// A requester whose name matches an existing list key must not make the
	// limiter read or clobber that key.
	if err := client.RPush(ctx, "print:ready", "job-1").Err(); err != nil {
		t.Fatalf("seed list: %v", err)
	}

	bucket := NewTokenBucket(client, 1, 0.01, time.Minute)
	allowed, _, err := bucket.Allow(ctx, "print:ready")
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if !allowed {
		t.Fatalf("expected first token for colliding requester name")
	}

	n, err := client.LLen(ctx, "print:ready").Result()
	if err != nil || n != 1 {
		t.Fatalf("queue key touched by limiter: len=%d err=%v", n, err)
	}
	if !mr.Exists("ratelimit:submit:print:ready") {
		t.Fatalf("limiter state not stored under its own namespace")
	}
}
