// Package openai implements proxyexec.Client for OpenAI's chat completions
// API. Requests already arrive in OpenAI's own wire shape (the client-facing
// schema is OpenAI-compatible), so this client is the thinnest of the four:
// attach the bearer key, forward as-is, stream chunks straight through.
package openai

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

const defaultBaseURL = "https://api.openai.com"

// Client calls the OpenAI chat completions endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates an OpenAI client. baseURL overrides the default for testing
// against a local fake; empty uses the real API.
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), httpClient: provider.NewHTTPClient()}
}

func (c *Client) buildRequest(ctx context.Context, out *preprocess.OutgoingRequest, key *keypool.Key, stream bool) (*http.Request, error) {
	body := out.Body
	if stream {
		body = withStreamFlag(out.Body, true)
	}
	wire, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", newBodyReader(wire))
	if err != nil {
		return nil, err
	}
	for k, v := range out.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+key.Secret)
	if key.OrgID != "" {
		req.Header.Set("OpenAI-Organization", key.OrgID)
	}
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

// DoStream issues a streaming call.
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

func withStreamFlag(body map[string]any, stream bool) map[string]any {
	clone := make(map[string]any, len(body)+1)
	for k, v := range body {
		clone[k] = v
	}
	clone["stream"] = stream
	return clone
}

func newBodyReader(wire []byte) io.Reader {
	return bytes.NewReader(wire)
}
