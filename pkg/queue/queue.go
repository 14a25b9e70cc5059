// Package queue holds the single, partition-sharded list of in-flight
// Request Tickets: admission limits per identity, abort-aware removal, and
// heartbeat emission for streaming waiters.
package queue

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/relayhaus/llmrelay/internal/telemetry"
	"github.com/relayhaus/llmrelay/pkg/partition"
	"github.com/relayhaus/llmrelay/pkg/ticket"
	"github.com/relayhaus/llmrelay/pkg/waitestimate"
)

// ErrTooManyQueued is returned by Enqueue when the identity-concurrency cap
// is exceeded. Callers map this to HTTP 429.
var ErrTooManyQueued = errors.New("already has a request in the queue")

const (
	normalConcurrencyCap = 1
	sharedConcurrencyCap = 5

	heartbeatInterval = 10 * time.Second
	stallSweepTick    = 20 * time.Second
	stallTimeout      = 5 * time.Minute
)

// HeartbeatFunc is invoked on a streaming ticket every heartbeatInterval while
// it waits. queueLen and estimatedWait are provided so the caller can write
// a keep-alive frame carrying both.
type HeartbeatFunc func(t *ticket.Ticket, queueLen int, estimatedWait time.Duration)

// StallFunc is invoked by the stall sweep on a ticket that exceeded
// stallTimeout, so the HTTP layer can terminate the client connection with
// the appropriate error shape (SSE error frame or JSON 500).
type StallFunc func(t *ticket.Ticket)

// Queue is the shared mutable ticket list. One mutex serializes every
// mutation; heartbeat timers read under the same lock.
type Queue struct {
	mu      sync.Mutex
	tickets []*ticket.Ticket
	active  map[string]int // identity -> count of non-retry tickets currently queued

	// heartbeatDone holds one channel per streaming ticket currently being
	// heartbeat-ticked, closed by removeLocked so the heartbeat goroutine
	// stops the instant the ticket leaves the queue rather than waiting for
	// its next poll.
	heartbeatDone map[*ticket.Ticket]chan struct{}

	estimator *waitestimate.Estimator
	logger    *slog.Logger

	onHeartbeat HeartbeatFunc
	onStall     StallFunc

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a Queue. onHeartbeat and onStall may be nil (no-op).
func New(logger *slog.Logger, estimator *waitestimate.Estimator, onHeartbeat HeartbeatFunc, onStall StallFunc) *Queue {
	return &Queue{
		active:        make(map[string]int),
		heartbeatDone: make(map[*ticket.Ticket]chan struct{}),
		estimator:     estimator,
		logger:        logger,
		onHeartbeat:   onHeartbeat,
		onStall:       onStall,
		stopCh:        make(chan struct{}),
	}
}

func concurrencyCap(t *ticket.Ticket) int {
	if t.SharedIdentity {
		return sharedConcurrencyCap
	}
	return normalConcurrencyCap
}

// Enqueue admits a ticket. Retries (RetryCount > 0) are exempt from the
// identity-concurrency cap, since they represent a request already counted
// on its first admission. Appends to the shared list, attaches an abort
// hook that removes the ticket, and — if streaming — starts a heartbeat.
func (q *Queue) Enqueue(t *ticket.Ticket) error {
	q.mu.Lock()

	if t.RetryCount == 0 {
		if q.active[t.Identity] >= concurrencyCap(t) {
			q.mu.Unlock()
			return ErrTooManyQueued
		}
		q.active[t.Identity]++
	}

	t.QueueOutTime = time.Time{}
	q.tickets = append(q.tickets, t)
	telemetry.QueueDepth.WithLabelValues(string(t.Partition)).Set(float64(q.countLocked(t.Partition)))

	var done chan struct{}
	if t.Stream && q.onHeartbeat != nil {
		done = make(chan struct{})
		q.heartbeatDone[t] = done
	}
	q.mu.Unlock()

	t.OnAbort(func() { q.Remove(t) })

	if done != nil {
		go q.runHeartbeat(t, done)
	}

	return nil
}

func (q *Queue) countLocked(p partition.Family) int {
	n := 0
	for _, t := range q.tickets {
		if t.Partition == p {
			n++
		}
	}
	return n
}

// runHeartbeat ticks until done is closed (by removeLocked, the instant the
// ticket leaves the queue) or the Queue itself stops.
func (q *Queue) runHeartbeat(t *ticket.Ticket, done <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			qlen := q.lenFor(t.Partition)
			var est time.Duration
			if q.estimator != nil {
				est = q.estimator.Estimate(t.Partition)
			}
			q.onHeartbeat(t, qlen, est)
		case <-done:
			return
		case <-q.stopCh:
			return
		}
	}
}

func (q *Queue) lenFor(p partition.Family) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.countLocked(p)
}

// Dequeue selects from tickets matching partition, sorted so deprioritized
// (shared-identity) tickets go last, then picks the earliest-start-time
// ticket. Removes it from the list, stamps QueueOutTime, and clears its
// bookkeeping. Returns nil when no eligible ticket is waiting.
func (q *Queue) Dequeue(p partition.Family) *ticket.Ticket {
	q.mu.Lock()
	defer q.mu.Unlock()

	var candidates []*ticket.Ticket
	for _, t := range q.tickets {
		if t.Partition == p {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].SharedIdentity != candidates[j].SharedIdentity {
			return !candidates[i].SharedIdentity // non-deprioritized first
		}
		return candidates[i].StartTime.Before(candidates[j].StartTime)
	})

	chosen := candidates[0]
	q.removeLocked(chosen)
	chosen.QueueOutTime = time.Now()

	telemetry.TicketsDequeuedTotal.WithLabelValues(string(p)).Inc()
	telemetry.QueueDepth.WithLabelValues(string(p)).Set(float64(q.countLocked(p)))

	return chosen
}

// Remove idempotently removes a ticket by reference, e.g. on client abort.
func (q *Queue) Remove(t *ticket.Ticket) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removeLocked(t)
}

func (q *Queue) removeLocked(t *ticket.Ticket) {
	for i, other := range q.tickets {
		if other == t {
			q.tickets = append(q.tickets[:i], q.tickets[i+1:]...)
			if t.RetryCount == 0 {
				if n := q.active[t.Identity]; n > 0 {
					q.active[t.Identity] = n - 1
					if q.active[t.Identity] == 0 {
						delete(q.active, t.Identity)
					}
				}
			}
			if done, ok := q.heartbeatDone[t]; ok {
				close(done)
				delete(q.heartbeatDone, t)
			}
			telemetry.QueueDepth.WithLabelValues(string(t.Partition)).Set(float64(q.countLocked(t.Partition)))
			return
		}
	}
}

// StallSweep removes tickets whose age exceeds stallTimeout, invoking
// onStall for each so the HTTP layer can terminate the client connection.
// Intended to be called every stallSweepTick from RunStallSweepLoop.
func (q *Queue) StallSweep() {
	cutoff := time.Now().Add(-stallTimeout)

	q.mu.Lock()
	var stalled []*ticket.Ticket
	for _, t := range q.tickets {
		if t.StartTime.Before(cutoff) {
			stalled = append(stalled, t)
		}
	}
	for _, t := range stalled {
		q.removeLocked(t)
	}
	q.mu.Unlock()

	for _, t := range stalled {
		q.logger.Warn("stall sweep terminating ticket", "ticket_id", t.ID, "partition", t.Partition, "age", time.Since(t.StartTime))
		if q.onStall != nil {
			q.onStall(t)
		}
	}
}

// RunStallSweepLoop runs StallSweep (and prunes the wait estimator) every
// stallSweepTick until done is closed or the Queue is stopped.
func (q *Queue) RunStallSweepLoop(done <-chan struct{}) {
	ticker := time.NewTicker(stallSweepTick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			q.StallSweep()
			if q.estimator != nil {
				q.estimator.Prune()
			}
		case <-done:
			return
		case <-q.stopCh:
			return
		}
	}
}

// Stop terminates background heartbeat and sweep goroutines owned by this
// Queue. Safe to call multiple times.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.stopCh) })
}

// Len reports the total number of queued tickets across all partitions.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tickets)
}
