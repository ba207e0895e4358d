// Copyright 2025 James Ross
package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupRedisCache(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedis(rdb, "t:"), mr
}

func TestRedisSetGet(t *testing.T) {
	c, _ := setupRedisCache(t)
	ctx := context.Background()
	if err := c.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	b, ok, err := c.Get(ctx, "k")
	if err != nil || !ok || string(b) != "v" {
		t.Fatalf("get: %q %v %v", b, ok, err)
	}
	if _, ok, _ := c.Get(ctx, "missing"); ok {
		t.Fatalf("expected miss")
	}
}

func TestRedisSetIfAbsent(t *testing.T) {
	c, _ := setupRedisCache(t)
	ctx := context.Background()
	if set, _ := c.SetIfAbsent(ctx, "k", []byte("a"), time.Minute); !set {
		t.Fatalf("first should win")
	}
	if set, _ := c.SetIfAbsent(ctx, "k", []byte("b"), time.Minute); set {
		t.Fatalf("second should lose")
	}
}

func TestRedisIncrementTTL(t *testing.T) {
	c, mr := setupRedisCache(t)
	ctx := context.Background()
	n, err := c.Increment(ctx, "hits", 1, time.Minute)
	if err != nil || n != 1 {
		t.Fatalf("increment: %d %v", n, err)
	}
	n, _ = c.Increment(ctx, "hits", 4, time.Minute)
	if n != 5 {
		t.Fatalf("expected 5, got %d", n)
	}
	mr.FastForward(time.Minute + time.Second)
	n, _ = c.Increment(ctx, "hits", 1, time.Minute)
	if n != 1 {
		t.Fatalf("expected reset after ttl, got %d", n)
	}
}

func TestRedisSetIfHigherLower(t *testing.T) {
	c, _ := setupRedisCache(t)
	ctx := context.Background()
	if v, err := c.SetIfHigher(ctx, "n", 10, time.Minute); err != nil || v != 10 {
		t.Fatalf("create: %d %v", v, err)
	}
	if v, _ := c.SetIfHigher(ctx, "n", 4, time.Minute); v != 10 {
		t.Fatalf("lower should not win: %d", v)
	}
	if v, _ := c.SetIfLower(ctx, "n", 4, time.Minute); v != 4 {
		t.Fatalf("lower should win: %d", v)
	}
}

func TestRedisRemoveByPrefix(t *testing.T) {
	c, _ := setupRedisCache(t)
	ctx := context.Background()
	_ = c.Set(ctx, "a:1", []byte("x"), 0)
	_ = c.Set(ctx, "a:2", []byte("x"), 0)
	_ = c.Set(ctx, "b:1", []byte("x"), 0)
	n, err := c.RemoveByPrefix(ctx, "a:")
	if err != nil || n != 2 {
		t.Fatalf("remove by prefix: %d %v", n, err)
	}
	if ok, _ := c.Exists(ctx, "b:1"); !ok {
		t.Fatalf("unrelated key removed")
	}
}
