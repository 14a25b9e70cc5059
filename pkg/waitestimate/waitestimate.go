// Package waitestimate maintains a rolling average of recent successful
// queue wait durations per partition, used for heartbeat telemetry and the
// admin dashboard. It never feeds back into scheduling decisions.
package waitestimate

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relayhaus/llmrelay/internal/telemetry"
	"github.com/relayhaus/llmrelay/pkg/partition"
)

const (
	retention = 5 * time.Minute
	mirrorTTL = 30 * time.Second
)

// Sample is one recorded wait: (partition, start, end, deprioritized).
type Sample struct {
	Partition     partition.Family
	Start         time.Time
	End           time.Time
	Deprioritized bool
}

// Estimator holds the rolling sample list. Redis is optional and nil-safe:
// when set, Record additionally mirrors the current estimate to Redis with
// a short TTL so other replicas' admin dashboards can read it; nothing in
// the Dispatcher or Queue ever reads it back.
type Estimator struct {
	mu      sync.Mutex
	samples []Sample
	redis   *redis.Client
}

// New creates an Estimator. rdb may be nil to disable the Redis mirror.
func New(rdb *redis.Client) *Estimator {
	return &Estimator{redis: rdb}
}

// Record appends a Wait Sample and publishes the updated estimate.
func (e *Estimator) Record(s Sample) {
	e.mu.Lock()
	e.samples = append(e.samples, s)
	e.mu.Unlock()

	est := e.Estimate(s.Partition)
	telemetry.QueueWaitEstimateSeconds.WithLabelValues(string(s.Partition)).Set(est.Seconds())

	if e.redis != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		key := mirrorKeyFor(s.Partition)
		if err := e.redis.Set(ctx, key, est.Seconds(), mirrorTTL).Err(); err != nil {
			// Advisory only: a failed mirror write never affects the response path.
			_ = err
		}
	}
}

// Estimate averages end-start over non-deprioritized samples from the last
// 5 minutes matching partition. Returns 0 when no samples qualify.
func (e *Estimator) Estimate(p partition.Family) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := time.Now().Add(-retention)
	var total time.Duration
	var count int

	for _, s := range e.samples {
		if s.Partition != p || s.Deprioritized {
			continue
		}
		if s.End.Before(cutoff) {
			continue
		}
		total += s.End.Sub(s.Start)
		count++
	}

	if count == 0 {
		return 0
	}
	return total / time.Duration(count)
}

// Prune removes samples older than the retention window. Run alongside the
// stall sweep.
func (e *Estimator) Prune() {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := time.Now().Add(-retention)
	kept := e.samples[:0]
	for _, s := range e.samples {
		if s.End.After(cutoff) {
			kept = append(kept, s)
		}
	}
	e.samples = kept
}

func mirrorKeyFor(p partition.Family) string {
	return "wait_estimate:" + string(p)
}
