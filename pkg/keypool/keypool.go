// Package keypool owns upstream provider credentials: it tracks per-family
// usage, issues leases, records rate-limit lockouts, and retires keys that
// come back with a permanent-invalid signal.
//
// Lockout is the only rate-limit signal the pool needs. Upstream rate
// limits are opaque from here, so the pool never attempts per-token bucket
// accounting — it just remembers "don't use key K for family F until time T".
package keypool

import (
	"sync"
	"time"

	"github.com/relayhaus/llmrelay/internal/telemetry"
	"github.com/relayhaus/llmrelay/pkg/partition"
)

const defaultLockout = 10 * time.Second

// Usage tracks cumulative activity for one key within one family.
type Usage struct {
	Tokens     int64
	Requests   int64
	LastUsedAt time.Time
}

// Key is one upstream credential.
type Key struct {
	ID       string
	Provider string
	Secret   string
	Region   string // AWS only
	OrgID    string // OpenAI-org-scoped keys only

	mu           sync.Mutex
	enabled      bool
	lockedUntil  map[partition.Family]time.Time
	usage        map[partition.Family]Usage
	disableCause string
}

// NewKey constructs an enabled Key with empty usage and lockout state.
func NewKey(id, provider, secret, region, orgID string) *Key {
	return &Key{
		ID:          id,
		Provider:    provider,
		Secret:      secret,
		Region:      region,
		OrgID:       orgID,
		enabled:     true,
		lockedUntil: make(map[partition.Family]time.Time),
		usage:       make(map[partition.Family]Usage),
	}
}

func (k *Key) lockoutRemaining(family partition.Family, now time.Time) time.Duration {
	k.mu.Lock()
	defer k.mu.Unlock()
	until, ok := k.lockedUntil[family]
	if !ok || !until.After(now) {
		return 0
	}
	return until.Sub(now)
}

func (k *Key) isEnabled() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.enabled
}

func (k *Key) lastUsed(family partition.Family) time.Time {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.usage[family].LastUsedAt
}

// Pool is the mutex-guarded collection of keys for one provider. A
// deployment runs one Pool per provider (openai, anthropic, palm, aws).
type Pool struct {
	mu   sync.RWMutex
	keys []*Key
}

// NewPool creates a Pool seeded with the given keys.
func NewPool(keys ...*Key) *Pool {
	return &Pool{keys: keys}
}

// Lease returns an enabled, non-locked-out key for the given family, or nil
// if none is available. Selection policy: the key with the least-recent
// usage timestamp for that family — a zero time (never used) sorts first,
// giving brand-new keys priority, approximating round robin with an LRU
// tie-break.
func (p *Pool) Lease(family partition.Family) *Key {
	p.mu.RLock()
	defer p.mu.RUnlock()

	now := time.Now()
	var best *Key
	var bestLastUsed time.Time

	for _, k := range p.keys {
		if !k.isEnabled() {
			continue
		}
		if k.lockoutRemaining(family, now) > 0 {
			continue
		}
		lu := k.lastUsed(family)
		if best == nil || lu.Before(bestLastUsed) {
			best = k
			bestLastUsed = lu
		}
	}
	return best
}

// LockoutPeriod returns zero when at least one usable key exists for the
// family; otherwise the minimum remaining lockout across all keys of that
// family. The Dispatcher uses this as a back-off hint: a non-zero value
// means don't even bother dequeuing yet.
func (p *Pool) LockoutPeriod(family partition.Family) time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()

	now := time.Now()
	var min time.Duration = -1

	for _, k := range p.keys {
		if !k.isEnabled() {
			continue
		}
		remaining := k.lockoutRemaining(family, now)
		if remaining == 0 {
			return 0
		}
		if min < 0 || remaining < min {
			min = remaining
		}
	}

	if min < 0 {
		// No enabled keys at all for this family: treat as a full default
		// lockout so the Dispatcher keeps backing off instead of busy-polling.
		return defaultLockout
	}
	return min
}

// MarkRateLimited sets lockout-until = now + retryAfter for (key, family).
// A zero or negative retryAfter uses the 10s default.
func (p *Pool) MarkRateLimited(key *Key, family partition.Family, retryAfter time.Duration) {
	if retryAfter <= 0 {
		retryAfter = defaultLockout
	}
	key.mu.Lock()
	key.lockedUntil[family] = time.Now().Add(retryAfter)
	key.mu.Unlock()

	telemetry.KeyLockoutsTotal.WithLabelValues(string(family)).Inc()
}

// Disable permanently retires a key, used on 401/403/permanent-invalid
// signals. It never un-disables: a disabled key must be replaced by
// redeploying with a new credential.
func (p *Pool) Disable(key *Key, reason string) {
	key.mu.Lock()
	key.enabled = false
	key.disableCause = reason
	key.mu.Unlock()

	telemetry.KeysDisabledTotal.WithLabelValues(key.Provider).Inc()
}

// RecordUsage increments counters after a successful call.
func (p *Pool) RecordUsage(key *Key, family partition.Family, tokens int64) {
	key.mu.Lock()
	defer key.mu.Unlock()
	u := key.usage[family]
	u.Tokens += tokens
	u.Requests++
	u.LastUsedAt = time.Now()
	key.usage[family] = u
}

// Len reports the number of keys configured in the pool, including disabled
// ones.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.keys)
}

// EnabledCount reports how many keys are currently enabled.
func (p *Pool) EnabledCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, k := range p.keys {
		if k.isEnabled() {
			n++
		}
	}
	return n
}
