package proxyexec

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/relayhaus/llmrelay/internal/telemetry"
	"github.com/relayhaus/llmrelay/pkg/apierr"
	"github.com/relayhaus/llmrelay/pkg/keypool"
	"github.com/relayhaus/llmrelay/pkg/normalize"
	"github.com/relayhaus/llmrelay/pkg/partition"
	"github.com/relayhaus/llmrelay/pkg/preprocess"
	"github.com/relayhaus/llmrelay/pkg/queue"
	"github.com/relayhaus/llmrelay/pkg/sse"
	"github.com/relayhaus/llmrelay/pkg/ticket"
	"github.com/relayhaus/llmrelay/pkg/waitestimate"
)

// ClientResolver returns the upstream Client for a family, or nil if the
// family has no client configured.
type ClientResolver func(family partition.Family) Client

// PoolResolver returns the keypool.Pool backing a family.
type PoolResolver func(family partition.Family) *keypool.Pool

// Executor owns the retry-by-reenqueue loop for one ticket: it repeatedly
// waits for a Grant (running the preprocessor pipeline once, after the first
// Grant), issues the upstream call, classifies the outcome, and either
// responds to the client or reenqueues for another attempt.
type Executor struct {
	Queue     *queue.Queue
	Clients   ClientResolver
	Pools     PoolResolver
	Estimator *waitestimate.Estimator
	Logger    *slog.Logger

	// PromptLog is invoked once per terminal outcome, nil-safe.
	PromptLog func(t *ticket.Ticket, outcome string, duration time.Duration)
}

// Run blocks until the ticket reaches a terminal outcome or the request
// context is cancelled.
func (e *Executor) Run(ctx context.Context, t *ticket.Ticket, w http.ResponseWriter, pipeline preprocess.Pipeline) {
	out, err := preprocess.NewOutgoingRequest(t)
	if err != nil {
		e.respondError(w, t, apierr.New(apierr.TypeProxyError, "malformed request body"))
		return
	}

	firstAttempt := true

	for {
		var grant ticket.Grant
		select {
		case grant = <-t.Resume:
		case <-ctx.Done():
			t.Abort()
			return
		}

		if firstAttempt {
			if err := pipeline.Run(out, t); err != nil {
				if rw, ok := preprocess.IsRewritingError(err); ok {
					e.respondError(w, t, apierr.New(apierr.TypeProxyError, rw.Message))
				} else {
					e.Logger.Error("preprocess pipeline failed", "ticket_id", t.ID, "error", err)
					e.respondError(w, t, apierr.New(apierr.TypeInternalError, "internal preprocessing error"))
				}
				return
			}
			firstAttempt = false
		}

		client := e.Clients(t.Partition)
		if client == nil {
			e.Logger.Error("no upstream client configured for partition", "partition", t.Partition)
			e.respondError(w, t, apierr.New(apierr.TypeInternalError, "no upstream configured for this model family"))
			return
		}

		var done bool
		if t.Stream {
			done = e.runStream(ctx, t, w, out, client, grant.Key)
		} else {
			done = e.runBuffered(ctx, t, w, out, client, grant.Key)
		}
		if done {
			return
		}
		// A retryable outcome already reenqueued the ticket; loop to wait
		// for the next Grant.
	}
}

func (e *Executor) runBuffered(ctx context.Context, t *ticket.Ticket, w http.ResponseWriter, out *preprocess.OutgoingRequest, client Client, key *keypool.Key) bool {
	resp, err := client.Do(ctx, out, key)
	pool := e.Pools(t.Partition)

	if err != nil {
		return e.handleOutcome(t, w, pool, key, ClassifyTransportError(err), nil, 0, nil)
	}

	retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
	outcome := Classify(resp.StatusCode, resp.Body, retryAfter)
	return e.handleOutcome(t, w, pool, key, outcome, resp.Body, retryAfter, resp)
}

// runStream issues the streaming call. Until the first byte of the upstream
// response is classified as a 2xx, retries are still possible (nothing has
// reached the client yet). Once streaming begins, a mid-stream failure can
// only be reported as an SSE error frame — no more retries.
func (e *Executor) runStream(ctx context.Context, t *ticket.Ticket, w http.ResponseWriter, out *preprocess.OutgoingRequest, client Client, key *keypool.Key) bool {
	events, resp, err := client.DoStream(ctx, out, key)
	pool := e.Pools(t.Partition)

	if err != nil {
		return e.handleOutcome(t, w, pool, key, ClassifyTransportError(err), nil, 0, nil)
	}

	if events == nil || resp.StatusCode < 200 || resp.StatusCode >= 300 {
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		outcome := Classify(resp.StatusCode, resp.Body, retryAfter)
		return e.handleOutcome(t, w, pool, key, outcome, resp.Body, retryAfter, resp)
	}

	sseW := sse.New(w)

	for ev := range events {
		if ev.Err != nil {
			e.emitStreamError(sseW)
			e.logTerminal(t, "stream error")
			return true
		}

		chunk, cerr := normalize.Normalize(t.InboundDialect, t.OutboundDialect, ev.Data, t)
		if cerr != nil {
			// Forward the raw upstream chunk rather than silently dropping
			// tokens the client is actively waiting on.
			chunk = ev.Data
		}
		_ = sseW.Event(string(chunk))
	}
	_ = sseW.Done()

	if pool != nil {
		pool.RecordUsage(key, t.Partition, int64(t.PromptTokens+t.OutputTokens))
	}
	if e.Estimator != nil && !t.QueueOutTime.IsZero() {
		e.Estimator.Record(waitestimate.Sample{
			Partition:     t.Partition,
			Start:         t.StartTime,
			End:           t.QueueOutTime,
			Deprioritized: t.SharedIdentity,
		})
	}
	e.logTerminal(t, "success")
	return true
}

func (e *Executor) emitStreamError(w *sse.Writer) {
	env := apierr.New(apierr.TypeUpstreamError, "terminated by the proxy")
	payload, err := json.Marshal(env)
	if err != nil {
		return
	}
	_ = w.Event(string(payload))
}

func (e *Executor) handleOutcome(t *ticket.Ticket, w http.ResponseWriter, pool *keypool.Pool, key *keypool.Key, outcome Outcome, body []byte, retryAfter time.Duration, resp *UpstreamResponse) bool {
	switch outcome {
	case OutcomeSuccess:
		e.finishSuccess(t, w, body, key, pool)
		return true

	case OutcomeDisableAndRetry:
		if pool != nil {
			pool.Disable(key, "permanent credential failure")
		}
		return e.retryOrTerminal(t, w, key, "auth")

	case OutcomeRateLimitedRetry:
		if pool != nil {
			pool.MarkRateLimited(key, t.Partition, retryAfter)
		}
		return e.retryOrTerminal(t, w, key, "rate_limit")

	case OutcomeQuotaExhausted:
		e.finishTerminal(t, w, "quota exhausted", apierr.New(apierr.TypeKeyExhausted, "upstream key has exhausted its quota"))
		return true

	default: // OutcomeTerminal
		env := apierr.New(apierr.TypeUpstreamError, "upstream request failed")
		if resp != nil {
			env.Stack = string(resp.Body)
		}
		e.respondRawError(w, resp, env)
		e.logTerminal(t, "upstream terminal error")
		return true
	}
}

// retryOrTerminal reenqueues t for another attempt. It only returns true
// (stop) if reenqueue itself fails — which cannot happen for a retry,
// since retries are exempt from the identity-concurrency cap.
func (e *Executor) retryOrTerminal(t *ticket.Ticket, w http.ResponseWriter, key *keypool.Key, reason string) bool {
	t.RetryCount++

	provider := string(t.Partition)
	if key != nil {
		provider = key.Provider
	}
	telemetry.UpstreamRetriesTotal.WithLabelValues(provider, reason).Inc()

	if err := e.Queue.Enqueue(t); err != nil {
		e.Logger.Error("retry reenqueue failed", "ticket_id", t.ID, "error", err)
		e.respondError(w, t, apierr.New(apierr.TypeInternalError, "retry failed"))
		return true
	}
	return false
}

func (e *Executor) finishSuccess(t *ticket.Ticket, w http.ResponseWriter, body []byte, key *keypool.Key, pool *keypool.Pool) {
	if pool != nil {
		pool.RecordUsage(key, t.Partition, int64(t.PromptTokens+t.OutputTokens))
	}
	if e.Estimator != nil && !t.QueueOutTime.IsZero() {
		e.Estimator.Record(waitestimate.Sample{
			Partition:     t.Partition,
			Start:         t.StartTime,
			End:           t.QueueOutTime,
			Deprioritized: t.SharedIdentity,
		})
	}

	normalized, err := normalize.Normalize(t.InboundDialect, t.OutboundDialect, body, t)
	if err != nil {
		e.Logger.Error("normalizing upstream response", "ticket_id", t.ID, "error", err)
		e.respondError(w, t, apierr.New(apierr.TypeInternalError, "failed to normalize upstream response"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(normalized)

	e.logTerminal(t, "success")
}

func (e *Executor) finishTerminal(t *ticket.Ticket, w http.ResponseWriter, reason string, env *apierr.Envelope) {
	apierr.WriteTyped(w, env)
	e.logTerminal(t, reason)
}

func (e *Executor) respondError(w http.ResponseWriter, t *ticket.Ticket, env *apierr.Envelope) {
	apierr.WriteTyped(w, env)
	e.logTerminal(t, env.Message)
}

func (e *Executor) respondRawError(w http.ResponseWriter, resp *UpstreamResponse, env *apierr.Envelope) {
	status := http.StatusBadGateway
	if resp != nil {
		status = resp.StatusCode
	}
	apierr.Write(w, status, env)
}

func (e *Executor) logTerminal(t *ticket.Ticket, outcome string) {
	duration := time.Since(t.StartTime)
	if e.PromptLog != nil {
		e.PromptLog(t, outcome, duration)
	}
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		return time.Duration(secs) * time.Second
	}
	return 0
}
