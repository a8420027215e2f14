package remotesigner

import (
	"math/rand"
	"sync"
	"time"
)

// Backoff 计算断线后的指数退避时长，带抖动。
type Backoff struct {
	cfg      BackoffConfig
	mu       sync.Mutex
	attempts int
	rand     *rand.Rand
}

// NewBackoff 创建 Backoff。
func NewBackoff(cfg BackoffConfig) *Backoff {
	return &Backoff{
		cfg:  cfg,
		rand: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next 返回下一次等待时长，结果限制在 [Initial, Max]。
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	wait := b.cfg.Initial << b.attempts
	if wait <= 0 || wait > b.cfg.Max {
		wait = b.cfg.Max
	}
	if j := b.cfg.Jitter; j > 0 {
		wait = time.Duration(float64(wait) * (1 - j + 2*j*b.rand.Float64()))
	}
	if b.attempts < 16 {
		b.attempts++
	}
	return min(max(wait, b.cfg.Initial), b.cfg.Max)
}

// Reset 让下一次退避重新从 Initial 开始。
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.attempts = 0
	b.mu.Unlock()
}
