// internal/client/redis_client.go
package client

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "net"
    "strings"
    "sync"
    "sync/atomic"
    "time"

    "github.com/ComUnity/abuse-gateway/internal/util/logger"
    "github.com/redis/go-redis/v9"
    "go.opentelemetry.io/otel"
    "go.opentelemetry.io/otel/attribute"
    "go.opentelemetry.io/otel/trace"
)

// ErrCircuitOpen is returned without touching Redis while the breaker is open.
var ErrCircuitOpen = errors.New("redis circuit breaker open")

// RedisConfig defines configuration for Redis client
type RedisConfig struct {
    URL            string
    PoolSize       int
    DialTimeout    time.Duration
    ReadTimeout    time.Duration
    WriteTimeout   time.Duration
    CircuitBreaker CircuitBreakerConfig
}

type CircuitBreakerConfig struct {
    Enabled      bool
    FailureRatio float64
    RecoveryTime time.Duration
    MinRequests  uint64
}

// RedisClient wraps redis.Client with a circuit breaker and tracing.
type RedisClient struct {
    *redis.Client
    mu     sync.Mutex
    closed bool
    tracer trace.Tracer
    stats  redisStats
    cb     *circuitBreaker
}

type RedisStats struct {
    Commands    uint64
    Errors      uint64
    Timeouts    uint64
    CircuitOpen uint64
}

type redisStats struct {
    commands    atomic.Uint64
    errors      atomic.Uint64
    timeouts    atomic.Uint64
    circuitOpen atomic.Uint64
}

type circuitBreaker struct {
    mu           sync.Mutex
    state        string // "closed", "open", "half-open"
    failures     uint64
    successes    uint64
    total        uint64
    lastFailure  time.Time
    failureRatio float64
    recoveryTime time.Duration
    minRequests  uint64
}

// NewRedisClient parses cfg.URL, connects and verifies the connection with PING.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*RedisClient, error) {
    opts, err := redis.ParseURL(cfg.URL)
    if err != nil {
        return nil, fmt.Errorf("parse redis url: %w", err)
    }
    if cfg.PoolSize > 0 {
        opts.PoolSize = cfg.PoolSize
    }
    if cfg.DialTimeout == 0 {
        cfg.DialTimeout = 5 * time.Second
    }
    if cfg.ReadTimeout == 0 {
        cfg.ReadTimeout = 3 * time.Second
    }
    if cfg.WriteTimeout == 0 {
        cfg.WriteTimeout = 3 * time.Second
    }
    opts.DialTimeout = cfg.DialTimeout
    opts.ReadTimeout = cfg.ReadTimeout
    opts.WriteTimeout = cfg.WriteTimeout

    rc := Wrap(redis.NewClient(opts), cfg.CircuitBreaker)
    if err := rc.Ping(ctx).Err(); err != nil {
        _ = rc.Client.Close()
        return nil, fmt.Errorf("redis ping failed: %w", err)
    }

    logger.Infof("Redis client connected to %s (DB:%d)", opts.Addr, opts.DB)
    return rc, nil
}

// Wrap instruments an existing client. Tests use it with miniredis.
func Wrap(client *redis.Client, cb CircuitBreakerConfig) *RedisClient {
    rc := &RedisClient{
        Client: client,
        tracer: otel.Tracer("redis"),
    }
    if cb.Enabled {
        if cb.FailureRatio <= 0 {
            cb.FailureRatio = 0.5
        }
        if cb.RecoveryTime <= 0 {
            cb.RecoveryTime = 10 * time.Second
        }
        if cb.MinRequests == 0 {
            cb.MinRequests = 10
        }
        rc.cb = &circuitBreaker{
            state:        "closed",
            failureRatio: cb.FailureRatio,
            recoveryTime: cb.RecoveryTime,
            minRequests:  cb.MinRequests,
        }
    }
    client.AddHook(tracingHook{})
    return rc
}

// Close terminates the Redis client connection
func (c *RedisClient) Close() error {
    c.mu.Lock()
    defer c.mu.Unlock()
    if c.closed {
        return nil
    }
    c.closed = true
    logger.Infof("Closing Redis client")
    return c.Client.Close()
}

// HealthCheck verifies Redis connectivity
func (c *RedisClient) HealthCheck(ctx context.Context) error {
    return c.InstrumentedDo(ctx, func(ctx context.Context) error {
        if err := c.Ping(ctx).Err(); err != nil {
            return fmt.Errorf("redis health check failed: %w", err)
        }
        return nil
    })
}

// Stats returns current Redis client statistics
func (c *RedisClient) Stats() RedisStats {
    return RedisStats{
        Commands:    c.stats.commands.Load(),
        Errors:      c.stats.errors.Load(),
        Timeouts:    c.stats.timeouts.Load(),
        CircuitOpen: c.stats.circuitOpen.Load(),
    }
}

// InstrumentedDo executes a Redis command with breaker accounting.
// redis.Nil is a miss, not a failure.
func (c *RedisClient) InstrumentedDo(ctx context.Context, fn func(ctx context.Context) error) error {
    if c.isCircuitOpen() {
        c.stats.circuitOpen.Add(1)
        return ErrCircuitOpen
    }

    err := fn(ctx)
    c.stats.commands.Add(1)
    if err != nil && !errors.Is(err, redis.Nil) {
        c.stats.errors.Add(1)
        if isTimeoutError(err) {
            c.stats.timeouts.Add(1)
        }
        c.recordFailure()
    } else {
        c.recordSuccess()
    }
    return err
}

// CircuitBreakerState returns current circuit breaker status
func (c *RedisClient) CircuitBreakerState() string {
    if c.cb == nil {
        return "disabled"
    }
    c.cb.mu.Lock()
    defer c.cb.mu.Unlock()
    return c.cb.state
}

type tracingHook struct{}

func (t tracingHook) DialHook(next redis.DialHook) redis.DialHook {
    return next
}

func (t tracingHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
    return func(ctx context.Context, cmd redis.Cmder) error {
        span := trace.SpanFromContext(ctx)
        if span.IsRecording() {
            span.SetAttributes(
                attribute.String("db.system", "redis"),
                attribute.String("db.operation", cmd.Name()),
            )
        }
        err := next(ctx, cmd)
        if err != nil && err != redis.Nil && span.IsRecording() {
            span.RecordError(err)
        }
        return err
    }
}

func (t tracingHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
    return func(ctx context.Context, cmds []redis.Cmder) error {
        span := trace.SpanFromContext(ctx)
        if span.IsRecording() {
            span.SetAttributes(
                attribute.String("db.system", "redis"),
                attribute.String("db.operation", "pipeline"),
                attribute.Int("db.command_count", len(cmds)),
            )
        }
        err := next(ctx, cmds)
        if err != nil && err != redis.Nil && span.IsRecording() {
            span.RecordError(err)
        }
        return err
    }
}

func (c *RedisClient) isCircuitOpen() bool {
    if c.cb == nil {
        return false
    }
    c.cb.mu.Lock()
    defer c.cb.mu.Unlock()

    if c.cb.state == "open" {
        if time.Since(c.cb.lastFailure) > c.cb.recoveryTime {
            c.cb.state = "half-open"
            c.cb.failures = 0
            c.cb.successes = 0
            c.cb.total = 0
            logger.Warnf("Redis circuit moving to half-open state")
        } else {
            return true
        }
    }
    return false
}

func (c *RedisClient) recordFailure() {
    if c.cb == nil {
        return
    }
    c.cb.mu.Lock()
    defer c.cb.mu.Unlock()

    c.cb.failures++
    c.cb.total++
    c.cb.lastFailure = time.Now()

    if c.cb.state == "half-open" {
        c.cb.state = "open"
        logger.Errorf("Redis circuit re-opened after failure")
        return
    }
    if c.cb.total >= c.cb.minRequests {
        failureRatio := float64(c.cb.failures) / float64(c.cb.total)
        if failureRatio >= c.cb.failureRatio {
            c.cb.state = "open"
            logger.Errorf("Redis circuit opened due to high failure ratio: %.2f", failureRatio)
        }
    }
}

func (c *RedisClient) recordSuccess() {
    if c.cb == nil {
        return
    }
    c.cb.mu.Lock()
    defer c.cb.mu.Unlock()

    c.cb.successes++
    c.cb.total++

    if c.cb.state == "half-open" && c.cb.successes >= c.cb.minRequests/2 {
        c.cb.state = "closed"
        c.cb.failures = 0
        c.cb.successes = 0
        c.cb.total = 0
        logger.Warnf("Redis circuit closed after successful operations")
    }
}

func isTimeoutError(err error) bool {
    var netErr net.Error
    if errors.As(err, &netErr) && netErr.Timeout() {
        return true
    }
    return errors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), "i/o timeout")
}

// fixedWindowScript increments KEYS[1], starting a window of ARGV[1] ms on
// first use, and returns {count, pttl}.
var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// IncrementWindow atomically counts one hit in the fixed window stored at key
// and returns the new count together with the time left in the window.
func (c *RedisClient) IncrementWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
    var (
        count int64
        ttl   time.Duration
    )
    err := c.InstrumentedDo(ctx, func(ctx context.Context) error {
        res, err := fixedWindowScript.Run(ctx, c.Client, []string{key}, window.Milliseconds()).Int64Slice()
        if err != nil {
            return fmt.Errorf("increment window: %w", err)
        }
        if len(res) != 2 {
            return fmt.Errorf("increment window: unexpected reply %v", res)
        }
        count = res[0]
        ttl = time.Duration(res[1]) * time.Millisecond
        return nil
    })
    return count, ttl, err
}

// SetJSON marshals and sets a JSON value
func (c *RedisClient) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
    jsonData, err := json.Marshal(value)
    if err != nil {
        return err
    }
    return c.InstrumentedDo(ctx, func(ctx context.Context) error {
        return c.Set(ctx, key, jsonData, ttl).Err()
    })
}

// GetJSON retrieves and unmarshals a JSON value. A miss returns redis.Nil.
func (c *RedisClient) GetJSON(ctx context.Context, key string, dest interface{}) error {
    var data string
    err := c.InstrumentedDo(ctx, func(ctx context.Context) error {
        var err error
        data, err = c.Get(ctx, key).Result()
        return err
    })
    if err != nil {
        return err
    }
    return json.Unmarshal([]byte(data), dest)
}

// CountKeys reports how many keys match prefix*. Used for limiter stats only.
func (c *RedisClient) CountKeys(ctx context.Context, prefix string) (int, error) {
    n := 0
    err := c.InstrumentedDo(ctx, func(ctx context.Context) error {
        iter := c.Scan(ctx, 0, prefix+"*", 500).Iterator()
        for iter.Next(ctx) {
            n++
        }
        return iter.Err()
    })
    return n, err
}
