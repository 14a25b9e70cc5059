package anthropic

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/relayhaus/llmrelay/pkg/keypool"
	"github.com/relayhaus/llmrelay/pkg/preprocess"
)

func testOut() *preprocess.OutgoingRequest {
	return &preprocess.OutgoingRequest{
		Body:    map[string]any{"model": "claude-3-opus-20240229", "max_tokens": 256},
		Headers: map[string]string{},
	}
}

func TestDoSetsAuthHeaders(t *testing.T) {
	var gotKey, gotVersion string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-api-key")
		gotVersion = r.Header.Get("anthropic-version")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"completion":"hi"}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	key := &keypool.Key{Secret: "sk-ant-test"}
	resp, err := c.Do(context.Background(), testOut(), key)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if gotKey != "sk-ant-test" {
		t.Fatalf("x-api-key = %q", gotKey)
	}
	if gotVersion != apiVersion {
		t.Fatalf("anthropic-version = %q, want %q", gotVersion, apiVersion)
	}
}

func TestDoStreamNonOKReturnsBufferedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"rate_limit_error"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	events, resp, err := c.DoStream(context.Background(), testOut(), &keypool.Key{Secret: "sk"})
	if err != nil {
		t.Fatalf("DoStream: %v", err)
	}
	if events != nil {
		t.Fatalf("expected nil events channel on non-2xx, got one")
	}
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(resp.Body), "rate_limit_error") {
		t.Fatalf("body = %s", resp.Body)
	}
}

func TestDoStreamForwardsChunks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		_, _ = w.Write([]byte("event: content_block_delta\ndata: {\"delta\":{\"text\":\"hi\"}}\n\n"))
		flusher.Flush()
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
		flusher.Flush()
	}))
	defer srv.Close()

	c := New(srv.URL)
	events, resp, err := c.DoStream(context.Background(), testOut(), &keypool.Key{Secret: "sk"})
	if err != nil {
		t.Fatalf("DoStream: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var chunks []string
	for ev := range events {
		if ev.Err != nil {
			t.Fatalf("unexpected stream error: %v", ev.Err)
		}
		chunks = append(chunks, string(ev.Data))
	}
	if len(chunks) != 1 || !strings.Contains(chunks[0], "hi") {
		t.Fatalf("chunks = %v", chunks)
	}
}
