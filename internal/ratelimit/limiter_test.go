package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/promptgate/internal/ratelimit"
)

func newTestRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return client, func() {
		client.Close()
		mr.Close()
	}
}

func TestLimiter_BlocksOverLimit(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	const limit = 3
	limiter := ratelimit.New(rdb, limit, time.Minute, nil)
	ctx := context.Background()

	for i := 0; i < limit; i++ {
		allowed, err := limiter.Allow(ctx, "batch")
		if err != nil {
			t.Fatalf("unexpected error at iteration %d: %v", i, err)
		}
		if !allowed {
			t.Fatalf("expected allowed=true at iteration %d", i)
		}
	}

	allowed, err := limiter.Allow(ctx, "batch")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowed {
		t.Error("expected allowed=false after limit exceeded")
	}
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	limiter := ratelimit.New(rdb, 1, time.Minute, nil)
	ctx := context.Background()

	if ok, _ := limiter.Allow(ctx, "generate"); !ok {
		t.Fatal("first generate request must pass")
	}
	if ok, _ := limiter.Allow(ctx, "generate"); ok {
		t.Error("second generate request must be limited")
	}
	if ok, _ := limiter.Allow(ctx, "batch"); !ok {
		t.Error("batch has its own window")
	}
}

func TestLimiter_ZeroLimitDisables(t *testing.T) {
	limiter := ratelimit.New(nil, 0, 0, nil)
	for i := 0; i < 5; i++ {
		if ok, err := limiter.Allow(context.Background(), "generate"); !ok || err != nil {
			t.Fatalf("disabled limiter must admit, got %v %v", ok, err)
		}
	}
}

func TestLimiter_DegradedGracefully_WhenRedisDown(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	cleanup()

	limiter := ratelimit.New(rdb, 5, time.Minute, nil)
	allowed, err := limiter.Allow(context.Background(), "generate")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !allowed {
		t.Error("expected allowed=true when Redis is unavailable")
	}
}
