package config

import (
    "errors"
    "fmt"
    "strings"
    "time"
)

type Config struct {
    Env            string `yaml:"env" env:"APP_ENV"`
    Port           int    `yaml:"port" env:"PORT"`
    GRPCHealthPort int    `yaml:"grpc_health_port" env:"GRPC_HEALTH_PORT"`
    RedisURL       string `yaml:"redis_url" env:"REDIS_URL"`
    KafkaBrokers   string `yaml:"kafka_brokers" env:"KAFKA_BROKERS"`
    LogLevel       string `yaml:"log_level" env:"LOG_LEVEL"`

    Logger   LoggerConfig   `yaml:"logger"`
    Database DatabaseConfig `yaml:"database"`
    Server   ServerConfig   `yaml:"server"`

    TLS struct {
        HSTSMaxAge        int      `yaml:"hsts_max_age"`
        IncludeSubdomains bool     `yaml:"include_subdomains"`
        Preload           bool     `yaml:"preload"`
        CSP               string   `yaml:"csp"`
        ExcludedPaths     []string `yaml:"excluded_paths"`
        ForceRedirect     bool     `yaml:"force_redirect"`
        TrustProxyHeader  bool     `yaml:"trust_proxy_header"`
    } `yaml:"tls"`

    Identity       IdentityConfig    `yaml:"identity"`
    Eligibility    EligibilityConfig `yaml:"eligibility"`
    AdminRateLimit RateLimitConfig   `yaml:"admin_rate_limit"`
    Admin          AdminConfig       `yaml:"admin"`
    Session        SessionConfig     `yaml:"session"`
    Telemetry      TelemetryConfig   `yaml:"telemetry"`
}

type LoggerConfig struct {
    Level    string `yaml:"level"`
    Encoding string `yaml:"encoding"`
}

type DatabaseConfig struct {
    URL             string        `yaml:"url" env:"DATABASE_URL"`
    ElevatedURL     string        `yaml:"elevated_url" env:"DATABASE_ELEVATED_URL"`
    MaxOpenConns    int           `yaml:"max_open_conns"`
    MaxIdleConns    int           `yaml:"max_idle_conns"`
    ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type ServerConfig struct {
    ReadTimeout     time.Duration `yaml:"read_timeout"`
    WriteTimeout    time.Duration `yaml:"write_timeout"`
    RequestTimeout  time.Duration `yaml:"request_timeout"`
    ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// IdentityConfig controls how the client identity is derived from proxy headers.
type IdentityConfig struct {
    EdgeIPHeader      string `yaml:"edge_ip_header"`
    DeviceIDMaxLength int    `yaml:"device_id_max_length"`
}

// EligibilityConfig holds the free-tier signup policy constants.
type EligibilityConfig struct {
    DeviceCap        int           `yaml:"device_cap"`
    IPCap            int           `yaml:"ip_cap"`
    BurstThreshold   int           `yaml:"burst_threshold"`
    WarningThreshold int           `yaml:"warning_threshold"`
    RecentWindow     time.Duration `yaml:"recent_window"`
    Timeout          time.Duration `yaml:"timeout"`
    AggregateTTL     time.Duration `yaml:"aggregate_cache_ttl"`
    LogQueueSize     int           `yaml:"log_queue_size"`
    LogWriteTimeout  time.Duration `yaml:"log_write_timeout"`
}

type RateLimitConfig struct {
    Backend       string        `yaml:"backend"` // memory|redis
    Capacity      int           `yaml:"capacity"`
    Window        time.Duration `yaml:"window"`
    MaxKeys       int           `yaml:"max_keys"`
    SweepInterval time.Duration `yaml:"sweep_interval"`
    KeyPrefix     string        `yaml:"key_prefix"`
}

type AdminConfig struct {
    Role    string        `yaml:"role"`
    Timeout time.Duration `yaml:"timeout"`
}

// SessionConfig describes how bearer tokens are validated. Exactly one key
// source is used, in order: SigningKey, SigningKeySSMParam, SigningKeySecretID,
// SigningKeyKMSCiphertext.
type SessionConfig struct {
    Issuer                  string   `yaml:"issuer"`
    Audience                []string `yaml:"audience"`
    SigningKey              string   `yaml:"signing_key" env:"SESSION_SIGNING_KEY"`
    SigningKeySSMParam      string   `yaml:"signing_key_ssm_param"`
    SigningKeySecretID      string   `yaml:"signing_key_secret_id"`
    SigningKeyKMSCiphertext string   `yaml:"signing_key_kms_ciphertext"`
}

type TelemetryConfig struct {
    Kafka KafkaAuditRootConfig `yaml:"kafka"`
    ES    ESAuditConfig        `yaml:"es"`
}

type ESAuditConfig struct {
    Enabled    bool          `yaml:"enabled"`
    Endpoint   string        `yaml:"endpoint"`
    APIKey     string        `yaml:"api_key"`
    Username   string        `yaml:"username"`
    Password   string        `yaml:"password"`
    IndexPref  string        `yaml:"index_prefix"`
    FlushSize  int           `yaml:"flush_size"`
    FlushEvery time.Duration `yaml:"flush_every"`
    Timeout    time.Duration `yaml:"timeout"`
}

type KafkaAuditRootConfig struct {
    Enabled       bool          `yaml:"enabled"`
    Brokers       []string      `yaml:"brokers"`
    TopicFraud    string        `yaml:"topic_fraud"`
    TopicAdmin    string        `yaml:"topic_admin"`
    TopicRequests string        `yaml:"topic_requests"`
    BatchSize     int           `yaml:"batch_size"`
    FlushEvery    time.Duration `yaml:"flush_every"`
    QueueCapacity int           `yaml:"queue_capacity"`
    DialTimeout   time.Duration `yaml:"dial_timeout"`
    WriteTimeout  time.Duration `yaml:"write_timeout"`
    TLS           bool          `yaml:"tls"`

    GroupID  string        `yaml:"group_id"`
    MinBytes int           `yaml:"min_bytes"`
    MaxBytes int           `yaml:"max_bytes"`
    MaxWait  time.Duration `yaml:"max_wait"`
}

// ApplyDefaults fills every zero-valued policy knob.
func (c *Config) ApplyDefaults() {
    if c.Env == "" {
        c.Env = "development"
    }
    if c.Port == 0 {
        c.Port = 8080
    }
    if c.Logger.Level == "" {
        c.Logger.Level = nonEmpty(c.LogLevel, "info")
    }
    if c.Logger.Encoding == "" {
        c.Logger.Encoding = "json"
    }

    db := &c.Database
    db.MaxOpenConns = orDefaultInt(db.MaxOpenConns, 50)
    db.MaxIdleConns = orDefaultInt(db.MaxIdleConns, 10)
    db.ConnMaxLifetime = orDefaultDur(db.ConnMaxLifetime, 5*time.Minute)

    s := &c.Server
    s.ReadTimeout = orDefaultDur(s.ReadTimeout, 10*time.Second)
    s.WriteTimeout = orDefaultDur(s.WriteTimeout, 10*time.Second)
    s.RequestTimeout = orDefaultDur(s.RequestTimeout, 10*time.Second)
    s.ShutdownTimeout = orDefaultDur(s.ShutdownTimeout, 15*time.Second)

    c.Identity.EdgeIPHeader = nonEmpty(c.Identity.EdgeIPHeader, "CF-Connecting-IP")
    c.Identity.DeviceIDMaxLength = orDefaultInt(c.Identity.DeviceIDMaxLength, 128)

    e := &c.Eligibility
    e.DeviceCap = orDefaultInt(e.DeviceCap, 1)
    e.IPCap = orDefaultInt(e.IPCap, 3)
    e.BurstThreshold = orDefaultInt(e.BurstThreshold, 5)
    e.WarningThreshold = orDefaultInt(e.WarningThreshold, 2)
    e.RecentWindow = orDefaultDur(e.RecentWindow, time.Hour)
    e.Timeout = orDefaultDur(e.Timeout, 3*time.Second)
    e.AggregateTTL = orDefaultDur(e.AggregateTTL, 30*time.Second)
    e.LogQueueSize = orDefaultInt(e.LogQueueSize, 1024)
    e.LogWriteTimeout = orDefaultDur(e.LogWriteTimeout, 2*time.Second)

    rl := &c.AdminRateLimit
    rl.Backend = nonEmpty(rl.Backend, "memory")
    rl.Capacity = orDefaultInt(rl.Capacity, 30)
    rl.Window = orDefaultDur(rl.Window, time.Minute)
    rl.MaxKeys = orDefaultInt(rl.MaxKeys, 100_000)
    rl.SweepInterval = orDefaultDur(rl.SweepInterval, time.Minute)
    rl.KeyPrefix = nonEmpty(rl.KeyPrefix, "rl:admin:")

    c.Admin.Role = nonEmpty(c.Admin.Role, "admin")
    c.Admin.Timeout = orDefaultDur(c.Admin.Timeout, 3*time.Second)

    c.Session.Issuer = nonEmpty(c.Session.Issuer, "auth.comunity.com")
}

// Validate rejects configurations that would make a check meaningless.
func (c *Config) Validate() error {
    var errs []error
    if c.Database.URL == "" {
        errs = append(errs, errors.New("database.url is required"))
    }
    if c.Eligibility.WarningThreshold > c.Eligibility.BurstThreshold {
        errs = append(errs, fmt.Errorf("eligibility.warning_threshold (%d) must not exceed burst_threshold (%d)",
            c.Eligibility.WarningThreshold, c.Eligibility.BurstThreshold))
    }
    switch c.AdminRateLimit.Backend {
    case "memory":
    case "redis":
        if c.RedisURL == "" {
            errs = append(errs, errors.New("admin_rate_limit.backend=redis requires redis_url"))
        }
    default:
        errs = append(errs, fmt.Errorf("admin_rate_limit.backend %q is not one of memory|redis", c.AdminRateLimit.Backend))
    }
    if c.Session.SigningKey == "" && c.Session.SigningKeySSMParam == "" &&
        c.Session.SigningKeySecretID == "" && c.Session.SigningKeyKMSCiphertext == "" {
        errs = append(errs, errors.New("session: no signing key source configured"))
    }
    if c.Telemetry.Kafka.Enabled && len(c.Telemetry.Kafka.Brokers) == 0 {
        if brokers := splitCSV(c.KafkaBrokers); len(brokers) > 0 {
            c.Telemetry.Kafka.Brokers = brokers
        } else {
            errs = append(errs, errors.New("telemetry.kafka.enabled requires brokers"))
        }
    }
    return errors.Join(errs...)
}

func nonEmpty(s, def string) string {
    if s == "" {
        return def
    }
    return s
}

func orDefaultInt(v, def int) int {
    if v <= 0 {
        return def
    }
    return v
}

func orDefaultDur(v, def time.Duration) time.Duration {
    if v <= 0 {
        return def
    }
    return v
}

func splitCSV(s string) []string {
    var out []string
    for _, p := range strings.Split(s, ",") {
        if p = strings.TrimSpace(p); p != "" {
            out = append(out, p)
        }
    }
    return out
}
