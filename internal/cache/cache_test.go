package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := Connect("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

type stats struct {
	Today int `json:"today"`
	Total int `json:"total"`
}

func TestRedisJSONCache(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	c := NewRedis(client, "pm")

	var got stats
	ok, err := c.GetJSON(ctx, "stats:1", &got)
	if err != nil || ok {
		t.Fatalf("empty cache: ok=%v err=%v", ok, err)
	}

	if err := c.SetJSON(ctx, "stats:1", stats{Today: 2, Total: 9}, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if !mr.Exists("pm:stats:1") {
		t.Error("key must be prefixed")
	}
	ok, err = c.GetJSON(ctx, "stats:1", &got)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if diff := cmp.Diff(stats{Today: 2, Total: 9}, got); diff != "" {
		t.Errorf("value mismatch (-want +got):\n%s", diff)
	}

	mr.FastForward(2 * time.Minute)
	if ok, _ := c.GetJSON(ctx, "stats:1", &got); ok {
		t.Error("value must expire")
	}

	_ = c.SetJSON(ctx, "stats:1", stats{}, time.Minute)
	if err := c.Delete(ctx, "stats:1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if ok, _ := c.GetJSON(ctx, "stats:1", &got); ok {
		t.Error("value must be deleted")
	}
	if err := c.Ping(ctx); err != nil {
		t.Errorf("ping: %v", err)
	}
}

func TestConnectEmpty(t *testing.T) {
	client, err := Connect("")
	if err != nil || client != nil {
		t.Errorf("Connect(\"\") = %v, %v", client, err)
	}
	if _, err := Connect("::bad"); err == nil {
		t.Error("expected parse error")
	}
}

func TestRedisLimiter(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	l := NewRedisLimiter(client, "pm", 2, time.Minute)

	var got []bool
	for range 3 {
		ok, err := l.Allow(ctx, "check-post", "7")
		if err != nil {
			t.Fatalf("allow: %v", err)
		}
		got = append(got, ok)
	}
	other, _ := l.Allow(ctx, "check-post", "8")
	got = append(got, other)

	mr.FastForward(time.Minute)
	again, _ := l.Allow(ctx, "check-post", "7")
	got = append(got, again)

	if diff := cmp.Diff([]bool{true, true, false, true, true}, got); diff != "" {
		t.Errorf("limiter mismatch (-want +got):\n%s", diff)
	}
}

func TestMemoryLimiter(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewMemoryLimiter(1, time.Minute)
	l.now = func() time.Time { return now }

	var got []bool
	for range 2 {
		ok, _ := l.Allow(ctx, "r", "1")
		got = append(got, ok)
	}
	now = now.Add(time.Minute)
	ok, _ := l.Allow(ctx, "r", "1")
	got = append(got, ok)

	if diff := cmp.Diff([]bool{true, false, true}, got); diff != "" {
		t.Errorf("limiter mismatch (-want +got):\n%s", diff)
	}
}
