package client

import (
    "context"
    "errors"
    "testing"
    "time"

    "github.com/alicebob/miniredis/v2"
    "github.com/redis/go-redis/v9"
)

func newTestClient(t *testing.T, cb CircuitBreakerConfig) (*RedisClient, *miniredis.Miniredis) {
    t.Helper()
    mr := miniredis.RunT(t)
    rc := Wrap(redis.NewClient(&redis.Options{Addr: mr.Addr()}), cb)
    t.Cleanup(func() { _ = rc.Close() })
    return rc, mr
}

func TestIncrementWindowCountsAndExpires(t *testing.T) {
    rc, mr := newTestClient(t, CircuitBreakerConfig{})
    ctx := context.Background()

    for i := int64(1); i <= 3; i++ {
        n, ttl, err := rc.IncrementWindow(ctx, "rl:k", time.Minute)
        if err != nil {
            t.Fatalf("IncrementWindow: %v", err)
        }
        if n != i {
            t.Fatalf("count = %d, want %d", n, i)
        }
        if ttl <= 0 || ttl > time.Minute {
            t.Fatalf("ttl = %v", ttl)
        }
    }

    mr.FastForward(61 * time.Second)
    n, _, err := rc.IncrementWindow(ctx, "rl:k", time.Minute)
    if err != nil || n != 1 {
        t.Fatalf("after window: n=%d err=%v", n, err)
    }
}

func TestJSONRoundTripAndMiss(t *testing.T) {
    rc, _ := newTestClient(t, CircuitBreakerConfig{})
    ctx := context.Background()

    var out struct{ N int }
    if err := rc.GetJSON(ctx, "missing", &out); !errors.Is(err, redis.Nil) {
        t.Fatalf("miss err = %v", err)
    }
    if err := rc.SetJSON(ctx, "k", map[string]int{"N": 7}, time.Minute); err != nil {
        t.Fatalf("SetJSON: %v", err)
    }
    if err := rc.GetJSON(ctx, "k", &out); err != nil || out.N != 7 {
        t.Fatalf("GetJSON = %+v, %v", out, err)
    }
    if rc.CircuitBreakerState() != "disabled" {
        t.Fatalf("state = %s", rc.CircuitBreakerState())
    }
}

func TestCircuitOpensAfterFailures(t *testing.T) {
    rc, mr := newTestClient(t, CircuitBreakerConfig{Enabled: true, FailureRatio: 0.5, MinRequests: 2, RecoveryTime: time.Hour})
    ctx := context.Background()
    mr.Close()

    for i := 0; i < 2; i++ {
        if err := rc.HealthCheck(ctx); err == nil {
            t.Fatal("expected failure with server down")
        }
    }
    if rc.CircuitBreakerState() != "open" {
        t.Fatalf("state = %s, want open", rc.CircuitBreakerState())
    }
    if err := rc.HealthCheck(ctx); !errors.Is(err, ErrCircuitOpen) {
        t.Fatalf("err = %v, want ErrCircuitOpen", err)
    }
    if rc.Stats().CircuitOpen != 1 {
        t.Fatalf("stats = %+v", rc.Stats())
    }
}

func TestCountKeys(t *testing.T) {
    rc, mr := newTestClient(t, CircuitBreakerConfig{})
    mr.Set("rl:a", "1")
    mr.Set("rl:b", "1")
    mr.Set("other", "1")

    n, err := rc.CountKeys(context.Background(), "rl:")
    if err != nil || n != 2 {
        t.Fatalf("CountKeys = %d, %v", n, err)
    }
}
