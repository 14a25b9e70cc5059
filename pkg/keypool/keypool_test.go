package keypool

import (
	"testing"
	"time"

	"github.com/relayhaus/llmrelay/pkg/partition"
)

func TestLeasePrefersNeverUsedKey(t *testing.T) {
	k1 := NewKey("k1", "openai", "secret1", "", "")
	k2 := NewKey("k2", "openai", "secret2", "", "")
	pool := NewPool(k1, k2)

	pool.RecordUsage(k1, partition.Turbo, 10)

	leased := pool.Lease(partition.Turbo)
	if leased != k2 {
		t.Fatalf("expected lease to prefer never-used key k2, got %v", leased.ID)
	}
}

func TestLeaseSkipsLockedOutKey(t *testing.T) {
	k1 := NewKey("k1", "openai", "secret1", "", "")
	k2 := NewKey("k2", "openai", "secret2", "", "")
	pool := NewPool(k1, k2)

	pool.MarkRateLimited(k1, partition.Turbo, time.Minute)

	leased := pool.Lease(partition.Turbo)
	if leased != k2 {
		t.Fatalf("expected lease to skip locked-out key k1, got %v", leased.ID)
	}
}

func TestLeaseReturnsNilWhenAllLockedOut(t *testing.T) {
	k1 := NewKey("k1", "openai", "secret1", "", "")
	pool := NewPool(k1)

	pool.MarkRateLimited(k1, partition.Turbo, time.Minute)

	if leased := pool.Lease(partition.Turbo); leased != nil {
		t.Fatalf("expected nil lease, got %v", leased.ID)
	}
}

func TestLeaseSkipsDisabledKey(t *testing.T) {
	k1 := NewKey("k1", "openai", "secret1", "", "")
	pool := NewPool(k1)

	pool.Disable(k1, "invalid credential")

	if leased := pool.Lease(partition.Turbo); leased != nil {
		t.Fatalf("expected nil lease for disabled key, got %v", leased.ID)
	}
}

func TestLockoutPeriodZeroWhenKeyUsable(t *testing.T) {
	k1 := NewKey("k1", "openai", "secret1", "", "")
	pool := NewPool(k1)

	if got := pool.LockoutPeriod(partition.Turbo); got != 0 {
		t.Fatalf("expected zero lockout period, got %v", got)
	}
}

func TestLockoutPeriodReturnsMinimumRemaining(t *testing.T) {
	k1 := NewKey("k1", "openai", "secret1", "", "")
	k2 := NewKey("k2", "openai", "secret2", "", "")
	pool := NewPool(k1, k2)

	pool.MarkRateLimited(k1, partition.Turbo, 5*time.Second)
	pool.MarkRateLimited(k2, partition.Turbo, 30*time.Second)

	got := pool.LockoutPeriod(partition.Turbo)
	if got <= 0 || got > 5*time.Second {
		t.Fatalf("expected lockout period near 5s, got %v", got)
	}
}

func TestMarkRateLimitedDefaultsRetryAfter(t *testing.T) {
	k1 := NewKey("k1", "openai", "secret1", "", "")
	pool := NewPool(k1)

	pool.MarkRateLimited(k1, partition.Turbo, 0)

	remaining := k1.lockoutRemaining(partition.Turbo, time.Now())
	if remaining <= 0 || remaining > defaultLockout {
		t.Fatalf("expected default lockout ~10s, got %v", remaining)
	}
}

func TestRecordUsageIncrementsCounters(t *testing.T) {
	k1 := NewKey("k1", "openai", "secret1", "", "")
	pool := NewPool(k1)

	pool.RecordUsage(k1, partition.Turbo, 100)
	pool.RecordUsage(k1, partition.Turbo, 50)

	k1.mu.Lock()
	u := k1.usage[partition.Turbo]
	k1.mu.Unlock()

	if u.Tokens != 150 || u.Requests != 2 {
		t.Fatalf("expected tokens=150 requests=2, got tokens=%d requests=%d", u.Tokens, u.Requests)
	}
}

func TestDisablePreventsFutureLease(t *testing.T) {
	k1 := NewKey("k1", "openai", "secret1", "", "")
	k2 := NewKey("k2", "openai", "secret2", "", "")
	pool := NewPool(k1, k2)

	pool.Disable(k1, "401 invalid_api_key")

	if got := pool.EnabledCount(); got != 1 {
		t.Fatalf("expected 1 enabled key after disable, got %d", got)
	}
}
