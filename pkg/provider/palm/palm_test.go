package palm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/relayhaus/llmrelay/pkg/keypool"
	"github.com/relayhaus/llmrelay/pkg/preprocess"
)

func TestDoRewritesPathAndQueryKey(t *testing.T) {
	var gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"candidates":[{"output":"pong"}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	out := &preprocess.OutgoingRequest{
		Body:    map[string]any{"model": "text-bison-001", "prompt": map[string]any{"text": "ping"}},
		Headers: map[string]string{},
	}
	resp, err := c.Do(context.Background(), out, &keypool.Key{Secret: "goog-key"})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if gotPath != "/v1beta2/models/text-bison-001:generateText" {
		t.Fatalf("path = %q", gotPath)
	}
	if !strings.Contains(gotQuery, "key=goog-key") {
		t.Fatalf("query = %q", gotQuery)
	}
}

func TestDoStreamReturnsNoEventsChannel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"candidates":[{"output":"pong"}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	out := &preprocess.OutgoingRequest{
		Body:    map[string]any{"prompt": map[string]any{"text": "ping"}},
		Headers: map[string]string{},
	}
	events, resp, err := c.DoStream(context.Background(), out, &keypool.Key{Secret: "goog-key"})
	if err != nil {
		t.Fatalf("DoStream: %v", err)
	}
	if events != nil {
		t.Fatalf("expected nil events channel")
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestDoDefaultsModelWhenMissing(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"candidates":[]}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	out := &preprocess.OutgoingRequest{Body: map[string]any{"prompt": map[string]any{"text": "ping"}}, Headers: map[string]string{}}
	if _, err := c.Do(context.Background(), out, &keypool.Key{Secret: "k"}); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if gotPath != "/v1beta2/models/text-bison-001:generateText" {
		t.Fatalf("path = %q", gotPath)
	}
}
