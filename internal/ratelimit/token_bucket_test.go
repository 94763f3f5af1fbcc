package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"task-orchestrator/internal/models"
)

func newBucket(t *testing.T, capacity int, refill float64) (*TokenBucket, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewTokenBucket(client, "ratelimit:execute:", capacity, refill, time.Minute), mr
}

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newBucket(t, 2, 1)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	bucket.now = func() time.Time { return base }

	d, err := bucket.Allow(ctx, "task-1")
	if err != nil || !d.Allowed {
		t.Fatalf("expected first token allowed got %+v err=%v", d, err)
	}
	d, _ = bucket.Allow(ctx, "task-1")
	if !d.Allowed {
		t.Fatalf("expected second token allowed")
	}
	d, _ = bucket.Allow(ctx, "task-1")
	if d.Allowed {
		t.Fatalf("expected third token to be rejected")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Second {
		t.Fatalf("expected retry-after within one refill period, got %s", d.RetryAfter)
	}

	if d, _ := bucket.Allow(ctx, "task-2"); !d.Allowed {
		t.Fatalf("buckets are per key")
	}

	bucket.now = func() time.Time { return base.Add(1500 * time.Millisecond) }
	d, _ = bucket.Allow(ctx, "task-1")
	if !d.Allowed || d.Remaining < 0.4 || d.Remaining > 0.6 {
		t.Fatalf("expected refill to allow one token leaving ~0.5, got %+v", d)
	}
}

func TestTokenBucketUnavailable(t *testing.T) {
	bucket, mr := newBucket(t, 1, 1)
	mr.Close()
	if _, err := bucket.Allow(context.Background(), "k"); !errors.Is(err, models.ErrBackendUnavailable) {
		t.Fatalf("expected backend unavailable, got %v", err)
	}
}
