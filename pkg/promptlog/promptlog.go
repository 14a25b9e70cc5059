// Package promptlog writes one row per terminal ticket outcome, async and
// non-blocking, so prompt logging can never add latency to the request
// path it is recording.
package promptlog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relayhaus/llmrelay/pkg/partition"
)

const insertStmt = `
INSERT INTO prompt_log
	(ticket_id, identity, partition, provider, model, prompt_tokens,
	 output_tokens, retry_count, outcome, duration_ms, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`

// Entry is one terminal ticket outcome.
type Entry struct {
	TicketID     string
	Identity     string
	Partition    partition.Family
	Provider     string
	Model        string
	PromptTokens int
	OutputTokens int
	RetryCount   int
	Outcome      string
	Duration     time.Duration
	CreatedAt    time.Time
}

// Sink accepts prompt log entries. Log never blocks the caller.
type Sink interface {
	Log(entry Entry)
}

// NopSink discards every entry, used when PROMPT_LOGGING is disabled.
type NopSink struct{}

func (NopSink) Log(Entry) {}

const (
	bufferSize    = 256
	flushInterval = 2 * time.Second
	flushBatch    = 32
)

// PostgresWriter is an async, buffered prompt log sink, modeled directly on
// the audit writer: entries flow through a bounded channel, dropped (with a
// warning) if the buffer is full, and flushed in batches either when the
// batch fills or every flushInterval.
type PostgresWriter struct {
	pool    *pgxpool.Pool
	logger  *slog.Logger
	entries chan Entry
	wg      sync.WaitGroup
}

// NewPostgresWriter creates a PostgresWriter. Call Start to begin flushing.
func NewPostgresWriter(pool *pgxpool.Pool, logger *slog.Logger) *PostgresWriter {
	return &PostgresWriter{
		pool:    pool,
		logger:  logger,
		entries: make(chan Entry, bufferSize),
	}
}

// Start begins the background flush loop. It exits when ctx is cancelled
// or Close is called.
func (w *PostgresWriter) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// Close drains and flushes any pending entries, then waits for the
// background goroutine to exit.
func (w *PostgresWriter) Close() {
	close(w.entries)
	w.wg.Wait()
}

// Log enqueues an entry. Never blocks: a full buffer drops the entry and
// logs a warning, since a prompt log sink backing up must never slow down
// the proxy it's observing.
func (w *PostgresWriter) Log(entry Entry) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	select {
	case w.entries <- entry:
	default:
		w.logger.Warn("prompt log buffer full, dropping entry", "ticket_id", entry.TicketID)
	}
}

func (w *PostgresWriter) run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, flushBatch)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case entry, ok := <-w.entries:
			if !ok {
				flush()
				return
			}
			batch = append(batch, entry)
			if len(batch) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			for {
				select {
				case entry, ok := <-w.entries:
					if !ok {
						flush()
						return
					}
					batch = append(batch, entry)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (w *PostgresWriter) flush(entries []Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := w.pool.Acquire(ctx)
	if err != nil {
		w.logger.Error("acquiring connection for prompt log flush", "error", err)
		return
	}
	defer conn.Release()

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(insertStmt,
			e.TicketID, e.Identity, string(e.Partition), e.Provider, e.Model,
			e.PromptTokens, e.OutputTokens, e.RetryCount, e.Outcome,
			e.Duration.Milliseconds(), e.CreatedAt,
		)
	}

	br := conn.SendBatch(ctx, batch)
	for range entries {
		if _, err := br.Exec(); err != nil {
			w.logger.Error("writing prompt log entry", "error", err)
		}
	}
	if err := br.Close(); err != nil {
		w.logger.Error("closing prompt log batch", "error", err)
	}
}
