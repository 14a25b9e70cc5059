// Package palm implements proxyexec.Client for Google's PaLM generateText
// API. By the time Do/DoStream see it, preprocess.TranslateBodyStage has
// already rewritten the request into the prompt.text shape this endpoint
// expects; buildRequest only strips the model field back out of the body
// (it travels in the URL path instead) and signs the URL with the key.
// Non-streaming only: generateText has no server-sent-events mode, so
// DoStream always returns the buffered response with a nil events channel —
// proxyexec treats that identically to a non-2xx buffered response, and a
// 2xx buffered response here completes the ticket in one shot.
package palm

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/relayhaus/llmrelay/pkg/keypool"
	"github.com/relayhaus/llmrelay/pkg/preprocess"
	"github.com/relayhaus/llmrelay/pkg/provider"
	"github.com/relayhaus/llmrelay/pkg/proxyexec"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com"

// Client calls the PaLM generateText endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a PaLM client. Empty baseURL uses the real API.
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), httpClient: provider.NewHTTPClient()}
}

// model reads the model name out of the request body, defaulting to
// text-bison-001 when the caller didn't specify one.
func model(body map[string]any) string {
	if m, ok := body["model"].(string); ok && m != "" {
		return m
	}
	return "text-bison-001"
}

func (c *Client) buildRequest(ctx context.Context, out *preprocess.OutgoingRequest, key *keypool.Key) (*http.Request, error) {
	body := make(map[string]any, len(out.Body))
	for k, v := range out.Body {
		if k == "model" {
			continue
		}
		body[k] = v
	}

	wire, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	path := "/v1beta2/models/" + model(out.Body) + ":generateText"
	u := c.baseURL + path + "?key=" + url.QueryEscape(key.Secret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(wire))
	if err != nil {
		return nil, err
	}
	for k, v := range out.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// Do issues the (only) buffered call.
func (c *Client) Do(ctx context.Context, out *preprocess.OutgoingRequest, key *keypool.Key) (*proxyexec.UpstreamResponse, error) {
	req, err := c.buildRequest(ctx, out, key)
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

// DoStream has nothing to stream; it performs the same buffered call as Do
// and always returns a nil events channel, which proxyexec treats as a
// single-shot response regardless of status code.
func (c *Client) DoStream(ctx context.Context, out *preprocess.OutgoingRequest, key *keypool.Key) (<-chan proxyexec.StreamEvent, *proxyexec.UpstreamResponse, error) {
	resp, err := c.Do(ctx, out, key)
	if err != nil {
		return nil, nil, err
	}
	return nil, resp, nil
}
