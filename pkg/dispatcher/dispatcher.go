// Package dispatcher runs the single cooperative polling loop that matches
// waiting tickets to available keys.
package dispatcher

import (
	"log/slog"
	"time"

	"github.com/relayhaus/llmrelay/pkg/keypool"
	"github.com/relayhaus/llmrelay/pkg/partition"
	"github.com/relayhaus/llmrelay/pkg/queue"
	"github.com/relayhaus/llmrelay/pkg/ticket"
)

const tick = 50 * time.Millisecond

// Pools resolves the keypool.Pool backing a given family. A family maps to
// exactly one provider's pool, except aws-claude which always resolves to
// the AWS pool regardless of the request's declared model.
type Pools interface {
	PoolFor(family partition.Family) *keypool.Pool
}

// Dispatcher ticks every 50ms over the six model families. For each, it
// asks the family's key pool for its lockout period; if zero, it dequeues
// the oldest eligible ticket and resumes it by sending a Grant on the
// ticket's single-shot channel. It never waits for the resumed work to
// finish — multiple in-flight upstream calls per partition are expected,
// bounded naturally by the pool's own lease accounting.
type Dispatcher struct {
	queue  *queue.Queue
	pools  Pools
	logger *slog.Logger
}

// New creates a Dispatcher.
func New(q *queue.Queue, pools Pools, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{queue: q, pools: pools, logger: logger}
}

// Run blocks, ticking every 50ms, until done is closed.
func (d *Dispatcher) Run(done <-chan struct{}) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.sweep()
		case <-done:
			return
		}
	}
}

func (d *Dispatcher) sweep() {
	for _, family := range partition.All {
		pool := d.pools.PoolFor(family)
		if pool == nil {
			continue
		}
		if pool.LockoutPeriod(family) > 0 {
			continue
		}

		t := d.queue.Dequeue(family)
		if t == nil {
			continue
		}

		key := pool.Lease(family)
		if key == nil {
			// Lost the race against another tick's lease accounting (or the
			// key pool changed underfoot) — put it back for the next tick.
			if err := d.queue.Enqueue(t); err != nil {
				d.logger.Error("dispatcher: re-enqueue after failed lease", "ticket_id", t.ID, "error", err)
			}
			continue
		}

		d.resume(t, key)
	}
}

func (d *Dispatcher) resume(t *ticket.Ticket, key *keypool.Key) {
	grant := ticket.Grant{Key: key}

	select {
	case t.Resume <- grant:
	default:
		d.logger.Warn("dispatcher: resume channel already has a pending grant or was closed", "ticket_id", t.ID)
	}
}
