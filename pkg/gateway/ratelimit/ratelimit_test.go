package ratelimit

import (
	"testing"
	"time"
)

func TestAcquire_EnforcesConcurrency(t *testing.T) {
	l := New(Config{MaxConcurrentExtractions: 1})
	now := time.Now()

	first := l.Acquire("t1", now)
	if !first.Allowed || first.Permit == nil {
		t.Fatalf("first allowed=%v permit=%v", first.Allowed, first.Permit)
	}

	second := l.Acquire("t1", now)
	if second.Allowed {
		t.Fatalf("second should be denied")
	}

	first.Permit.Release()
	third := l.Acquire("t1", now)
	if !third.Allowed {
		t.Fatalf("third should be allowed after release")
	}
}

func TestAcquire_TokenBucketRefills(t *testing.T) {
	l := New(Config{RPS: 1, Burst: 1})
	now := time.Now()

	if dec := l.Acquire("t1", now); !dec.Allowed {
		t.Fatalf("first should be allowed")
	}
	dec := l.Acquire("t1", now)
	if dec.Allowed {
		t.Fatalf("second should be denied within the same second")
	}
	if dec.RetryAfter < 1 {
		t.Fatalf("RetryAfter = %d, want >= 1", dec.RetryAfter)
	}

	if dec := l.Acquire("t1", now.Add(1100*time.Millisecond)); !dec.Allowed {
		t.Fatalf("should refill after a second")
	}
}

func TestAcquire_TenantsAreIndependent(t *testing.T) {
	l := New(Config{RPS: 1, Burst: 1})
	now := time.Now()

	l.Acquire("t1", now)
	if dec := l.Acquire("t2", now); !dec.Allowed {
		t.Fatalf("t2 throttled by t1's bucket")
	}
}

func TestTenantKey(t *testing.T) {
	if TenantKey("") != "anonymous" {
		t.Fatalf("empty tenant = %q", TenantKey(""))
	}
	a, b := TenantKey("acme"), TenantKey("acme")
	if a != b {
		t.Fatalf("unstable key: %q vs %q", a, b)
	}
	if a == TenantKey("globex") {
		t.Fatalf("distinct tenants collide")
	}
}
