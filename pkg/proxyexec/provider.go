// Package proxyexec issues the upstream call for a leased ticket: buffered
// or streaming, classifies the result, and drives retry-by-reenqueue.
package proxyexec

import (
	"context"
	"net/http"

	"github.com/relayhaus/llmrelay/pkg/keypool"
	"github.com/relayhaus/llmrelay/pkg/preprocess"
)

// UpstreamResponse is a fully-buffered upstream reply.
type UpstreamResponse struct {
	StatusCode int
	Body       []byte
	Header     http.Header
}

// StreamEvent is one upstream SSE event, already stripped of framing. A
// non-nil Err signals a mid-stream failure (socket error, upstream abort);
// the channel is closed immediately after such an event, and also closed
// normally on upstream completion.
type StreamEvent struct {
	Data []byte
	Err  error
}

// Client is the per-provider upstream transport. Concrete implementations
// live in pkg/provider/{openai,anthropic,palm,awsbedrock}.
type Client interface {
	// Do issues a buffered upstream call.
	Do(ctx context.Context, out *preprocess.OutgoingRequest, key *keypool.Key) (*UpstreamResponse, error)

	// DoStream issues a streaming upstream call. resp.StatusCode/Header
	// reflect the initial upstream response. When resp.StatusCode is not a
	// 2xx, resp.Body holds the buffered error body and events is nil — the
	// caller classifies and retries exactly like the buffered path, since
	// no bytes have been written to the client yet. When resp.StatusCode is
	// 2xx, events yields the upstream SSE payload chunks as they arrive and
	// the caller must treat headers as already sent to the client.
	DoStream(ctx context.Context, out *preprocess.OutgoingRequest, key *keypool.Key) (events <-chan StreamEvent, resp *UpstreamResponse, err error)
}
