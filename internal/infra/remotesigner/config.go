package remotesigner

import (
	"os"
	"strconv"
	"time"

	"github.com/aegis-sign/anysigner/pkg/anysignerrpc"
)

// Config 控制远端签名连接池的全局行为。
type Config struct {
	MinConns            int
	MaxConns            int
	AcquireTimeout      time.Duration
	DialTimeout         time.Duration
	CallTimeout         time.Duration
	KeepaliveTime       time.Duration
	KeepaliveTimeout    time.Duration
	HealthCheckInterval time.Duration
	ServiceName         string
	RetryAfter          time.Duration
	Backoff             BackoffConfig
}

// BackoffConfig 决定断线重连指数退避参数。
type BackoffConfig struct {
	Initial time.Duration
	Max     time.Duration
	Jitter  float64
}

// DefaultConfig 返回远端签名器的默认值。
func DefaultConfig() Config {
	return Config{
		MinConns:            2,
		MaxConns:            8,
		AcquireTimeout:      250 * time.Millisecond,
		DialTimeout:         500 * time.Millisecond,
		CallTimeout:         2 * time.Second,
		KeepaliveTime:       30 * time.Second,
		KeepaliveTimeout:    10 * time.Second,
		HealthCheckInterval: 5 * time.Second,
		ServiceName:         anysignerrpc.ServiceName,
		RetryAfter:          200 * time.Millisecond,
		Backoff: BackoffConfig{
			Initial: 25 * time.Millisecond,
			Max:     200 * time.Millisecond,
			Jitter:  0.2,
		},
	}
}

// LoadConfigFromEnv 解析 SIGNER_REMOTE_* 环境变量。
func LoadConfigFromEnv() Config {
	cfg := DefaultConfig()
	if v := readInt("SIGNER_REMOTE_POOL_MIN"); v > 0 {
		cfg.MinConns = v
	}
	if v := readInt("SIGNER_REMOTE_POOL_MAX"); v > 0 {
		cfg.MaxConns = v
	}
	if d := readDuration("SIGNER_REMOTE_ACQUIRE_TIMEOUT"); d > 0 {
		cfg.AcquireTimeout = d
	}
	if d := readDuration("SIGNER_REMOTE_DIAL_TIMEOUT"); d > 0 {
		cfg.DialTimeout = d
	}
	if d := readDuration("SIGNER_REMOTE_CALL_TIMEOUT"); d > 0 {
		cfg.CallTimeout = d
	}
	if d := readDuration("SIGNER_REMOTE_KEEPALIVE_TIME"); d > 0 {
		cfg.KeepaliveTime = d
	}
	if d := readDuration("SIGNER_REMOTE_KEEPALIVE_TIMEOUT"); d > 0 {
		cfg.KeepaliveTimeout = d
	}
	if d := readDuration("SIGNER_REMOTE_HEALTH_INTERVAL"); d > 0 {
		cfg.HealthCheckInterval = d
	}
	if d := readDuration("SIGNER_REMOTE_RETRY_AFTER"); d > 0 {
		cfg.RetryAfter = d
	}
	if d := readDuration("SIGNER_REMOTE_RETRY_INITIAL"); d > 0 {
		cfg.Backoff.Initial = d
	}
	if d := readDuration("SIGNER_REMOTE_RETRY_MAX"); d > 0 {
		cfg.Backoff.Max = d
	}
	if j := readFloat("SIGNER_REMOTE_RETRY_JITTER"); j >= 0 {
		cfg.Backoff.Jitter = j
	}
	if service := os.Getenv("SIGNER_REMOTE_HEALTH_SERVICE"); service != "" {
		cfg.ServiceName = service
	}
	if cfg.MaxConns < cfg.MinConns {
		cfg.MaxConns = cfg.MinConns
	}
	return cfg
}

func readInt(key string) int {
	value := os.Getenv(key)
	if value == "" {
		return 0
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return v
}

func readDuration(key string) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return 0
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0
	}
	return d
}

func readFloat(key string) float64 {
	value := os.Getenv(key)
	if value == "" {
		return -1
	}
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return -1
	}
	return v
}
