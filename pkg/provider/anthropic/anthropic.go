// Package anthropic implements proxyexec.Client for Anthropic's native
// text-completions endpoint. preprocess.TranslateBodyStage has already
// rewritten the request into the prompt/max_tokens_to_sample shape this
// endpoint expects by the time Do/DoStream see it; the completion-shaped
// response is translated back to OpenAI's chat-completion shape by
// pkg/normalize, not here — this client only moves bytes.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/relayhaus/llmrelay/pkg/keypool"
	"github.com/relayhaus/llmrelay/pkg/preprocess"
	"github.com/relayhaus/llmrelay/pkg/provider"
	"github.com/relayhaus/llmrelay/pkg/proxyexec"
)

const (
	defaultBaseURL = "https://api.anthropic.com"
	apiVersion     = "2023-06-01"
)

// Client calls Anthropic's /v1/complete endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates an Anthropic client. Empty baseURL uses the real API.
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), httpClient: provider.NewHTTPClient()}
}

func (c *Client) buildRequest(ctx context.Context, out *preprocess.OutgoingRequest, key *keypool.Key, stream bool) (*http.Request, error) {
	body := make(map[string]any, len(out.Body)+1)
	for k, v := range out.Body {
		body[k] = v
	}
	if stream {
		body["stream"] = true
	}

	wire, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/complete", bytes.NewReader(wire))
	if err != nil {
		return nil, err
	}
	for k, v := range out.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", key.Secret)
	req.Header.Set("anthropic-version", apiVersion)
	return req, nil
}

// Do issues a buffered call.
func (c *Client) Do(ctx context.Context, out *preprocess.OutgoingRequest, key *keypool.Key) (*proxyexec.UpstreamResponse, error) {
	req, err := c.buildRequest(ctx, out, key, false)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	status, header, body, err := provider.BufferedResponse(resp)
	if err != nil {
		return nil, err
	}
	return &proxyexec.UpstreamResponse{StatusCode: status, Header: header, Body: body}, nil
}

// DoStream issues a streaming call. Anthropic's stream is SSE-framed with
// `event:`/`data:` pairs; only the data lines carry JSON we care about here,
// same shape provider.SSELineReader already extracts for OpenAI.
func (c *Client) DoStream(ctx context.Context, out *preprocess.OutgoingRequest, key *keypool.Key) (<-chan proxyexec.StreamEvent, *proxyexec.UpstreamResponse, error) {
	req, err := c.buildRequest(ctx, out, key, true)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		status, header, body, err := provider.BufferedResponse(resp)
		if err != nil {
			return nil, nil, err
		}
		return nil, &proxyexec.UpstreamResponse{StatusCode: status, Header: header, Body: body}, nil
	}

	events := make(chan proxyexec.StreamEvent)
	go pumpSSE(resp, events)

	return events, &proxyexec.UpstreamResponse{StatusCode: resp.StatusCode, Header: resp.Header}, nil
}

func pumpSSE(resp *http.Response, events chan<- proxyexec.StreamEvent) {
	defer close(events)
	defer func() { _ = resp.Body.Close() }()

	reader := provider.NewSSELineReader(resp.Body)
	for {
		data, err := reader.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				events <- proxyexec.StreamEvent{Err: err}
			}
			return
		}
		events <- proxyexec.StreamEvent{Data: data}
	}
}
