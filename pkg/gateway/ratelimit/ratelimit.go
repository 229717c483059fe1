// Package ratelimit bounds how fast each tenant can run extraction rounds.
// Every chat request spawns a worker process, so the limiter sits in front
// of the chat path rather than the whole API.
package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sync"
	"time"
)

type Config struct {
	RPS   float64
	Burst int

	MaxConcurrentExtractions int

	// Operational bounds for the in-memory map (single-process only).
	MaxEntries int
	EntryTTL   time.Duration
}

type Limiter struct {
	cfg Config

	mu sync.Mutex
	m  map[string]*tenantLimiter
}

type tenantLimiter struct {
	mu sync.Mutex

	tb tokenBucket

	sem chan struct{}

	lastSeen time.Time
}

type tokenBucket struct {
	rps      float64
	capacity float64

	tokens float64
	last   time.Time
}

func New(cfg Config) *Limiter {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 30 * time.Minute
	}
	return &Limiter{
		cfg: cfg,
		m:   make(map[string]*tenantLimiter),
	}
}

// TenantKey hashes an opaque tenant tag into a fixed-width map key.
func TenantKey(tenantID string) string {
	if tenantID == "" {
		return "anonymous"
	}
	sum := sha256.Sum256([]byte(tenantID))
	// 16 bytes => 32 hex chars; enough to avoid collisions in practice.
	return "t_" + hex.EncodeToString(sum[:16])
}

type Permit struct {
	release func()
}

func (p *Permit) Release() {
	if p == nil || p.release == nil {
		return
	}
	p.release()
	p.release = nil
}

type Decision struct {
	Allowed    bool
	RetryAfter int
	Permit     *Permit
}

// Acquire admits one extraction round for the tenant, or reports how long to
// back off.
func (l *Limiter) Acquire(tenant string, now time.Time) Decision {
	if tenant == "" {
		tenant = "anonymous"
	}

	tl := l.getOrCreate(tenant, now)
	tl.touch(now)

	// RPS/burst (token bucket).
	if l.cfg.RPS > 0 && l.cfg.Burst > 0 {
		ok, retryAfter := tl.allowToken(now, l.cfg.RPS, l.cfg.Burst)
		if !ok {
			return Decision{Allowed: false, RetryAfter: retryAfter}
		}
	}

	// Concurrency cap on in-flight worker processes.
	if l.cfg.MaxConcurrentExtractions > 0 {
		select {
		case tl.sem <- struct{}{}:
			return Decision{
				Allowed: true,
				Permit:  &Permit{release: func() { <-tl.sem }},
			}
		default:
			return Decision{Allowed: false, RetryAfter: 1}
		}
	}

	return Decision{Allowed: true, Permit: &Permit{release: func() {}}}
}

func (l *Limiter) getOrCreate(tenant string, now time.Time) *tenantLimiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.m) >= l.cfg.MaxEntries {
		l.gcLocked(now)
		// If still too big, drop one arbitrary entry to stay bounded.
		if len(l.m) >= l.cfg.MaxEntries {
			for k := range l.m {
				delete(l.m, k)
				break
			}
		}
	}

	if tl, ok := l.m[tenant]; ok {
		return tl
	}
	tl := &tenantLimiter{
		sem:      make(chan struct{}, maxInt(1, l.cfg.MaxConcurrentExtractions)),
		lastSeen: now,
	}
	l.m[tenant] = tl
	return tl
}

func (l *Limiter) gcLocked(now time.Time) {
	ttl := l.cfg.EntryTTL
	for k, v := range l.m {
		if now.Sub(v.lastSeen) > ttl {
			delete(l.m, k)
		}
	}
}

func (tl *tenantLimiter) touch(now time.Time) {
	tl.lastSeen = now
}

func (tl *tenantLimiter) allowToken(now time.Time, rps float64, burst int) (bool, int) {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	if burst <= 0 || rps <= 0 {
		return true, 0
	}
	capacity := float64(burst)
	if tl.tb.capacity == 0 {
		tl.tb = tokenBucket{
			rps:      rps,
			capacity: capacity,
			tokens:   capacity,
			last:     now,
		}
	}

	// If config changes at runtime (rare), adapt.
	tl.tb.rps = rps
	tl.tb.capacity = capacity

	elapsed := now.Sub(tl.tb.last).Seconds()
	if elapsed > 0 {
		tl.tb.tokens = math.Min(tl.tb.capacity, tl.tb.tokens+(elapsed*tl.tb.rps))
		tl.tb.last = now
	}

	if tl.tb.tokens >= 1.0 {
		tl.tb.tokens -= 1.0
		return true, 0
	}

	needed := 1.0 - tl.tb.tokens
	seconds := needed / tl.tb.rps
	retryAfter := int(math.Ceil(seconds))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return false, retryAfter
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
