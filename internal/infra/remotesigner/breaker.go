package remotesigner

import (
	"sync"
	"time"
)

type breakerState string

const (
	stateHealthy  breakerState = "healthy"
	stateDegraded breakerState = "degraded"
	stateOpen     breakerState = "open"
	stateDraining breakerState = "draining"
)

// circuitBreaker 统计连续失败：达到阈值后在 cooldown 内拒绝请求，之后放行一次试探。
type circuitBreaker struct {
	threshold int
	cooldown  time.Duration

	mu       sync.Mutex
	state    breakerState
	failures int
	openedAt time.Time
}

func newCircuitBreaker(threshold int, cooldown time.Duration) *circuitBreaker {
	if threshold <= 0 {
		threshold = 1
	}
	return &circuitBreaker{threshold: threshold, cooldown: cooldown, state: stateHealthy}
}

// Allow 返回是否允许新请求，以及拒绝时建议的等待时长。
func (cb *circuitBreaker) Allow() (bool, time.Duration) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case stateDraining:
		return false, 0
	case stateOpen:
		remaining := cb.cooldown - time.Since(cb.openedAt)
		if remaining > 0 {
			return false, remaining
		}
		cb.state = stateDegraded
	}
	return true, 0
}

func (cb *circuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == stateDraining {
		return
	}
	cb.failures = 0
	cb.state = stateHealthy
}

// Failure 记录一次失败，返回本次是否触发熔断。
func (cb *circuitBreaker) Failure() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == stateDraining {
		return false
	}
	cb.failures++
	if cb.state == stateDegraded || (cb.state == stateHealthy && cb.failures >= cb.threshold) {
		cb.state = stateOpen
		cb.openedAt = time.Now()
		return true
	}
	return false
}

func (cb *circuitBreaker) Drain() {
	cb.mu.Lock()
	cb.state = stateDraining
	cb.mu.Unlock()
}

func (cb *circuitBreaker) State() breakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
