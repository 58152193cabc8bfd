package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Policy is a token bucket: RPM tokens per minute, at most Burst at once.
type Policy struct {
	RPM   int
	Burst int
}

func (p Policy) normalized() Policy {
	if p.RPM <= 0 {
		p.RPM = 60
	}
	if p.Burst <= 0 {
		p.Burst = 1
	}
	return p
}

func (p Policy) perSecond() float64 {
	return float64(p.RPM) / 60.0
}

type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// MemoryLimiter keeps one x/time/rate limiter per key. Idle keys are dropped
// after idleTTL.
type MemoryLimiter struct {
	policy  Policy
	idleTTL time.Duration
	now     func() time.Time

	mu      sync.Mutex
	buckets map[string]*memoryBucket
	sweptAt time.Time
}

type memoryBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewMemoryLimiter(policy Policy) *MemoryLimiter {
	return &MemoryLimiter{
		policy:  policy.normalized(),
		idleTTL: 10 * time.Minute,
		now:     time.Now,
		buckets: map[string]*memoryBucket{},
	}
}

func (m *MemoryLimiter) WithClock(now func() time.Time) *MemoryLimiter {
	m.now = now
	return m
}

func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.sweep(now)
	b, ok := m.buckets[key]
	if !ok {
		b = &memoryBucket{limiter: rate.NewLimiter(rate.Limit(m.policy.perSecond()), m.policy.Burst)}
		m.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1), nil
}

func (m *MemoryLimiter) sweep(now time.Time) {
	if now.Sub(m.sweptAt) < m.idleTTL {
		return
	}
	for k, b := range m.buckets {
		if now.Sub(b.lastSeen) >= m.idleTTL {
			delete(m.buckets, k)
		}
	}
	m.sweptAt = now
}
