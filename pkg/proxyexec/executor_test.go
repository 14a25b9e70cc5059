package proxyexec

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/relayhaus/llmrelay/pkg/keypool"
	"github.com/relayhaus/llmrelay/pkg/partition"
	"github.com/relayhaus/llmrelay/pkg/preprocess"
	"github.com/relayhaus/llmrelay/pkg/queue"
	"github.com/relayhaus/llmrelay/pkg/ticket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newOpenAITicket(stream bool) *ticket.Ticket {
	body := []byte(`{"model":"gpt-3.5-turbo","messages":[{"role":"user","content":"hi"}]}`)
	t := ticket.New("tk1", "user-1", false, ticket.DialectOpenAI, ticket.DialectOpenAI, "gpt-3.5-turbo", partition.Turbo, body, stream)
	t.QueueOutTime = time.Now()
	return t
}

// fakeClient returns a canned buffered/stream response regardless of input.
type fakeClient struct {
	doResp       *UpstreamResponse
	doErr        error
	streamEvents []StreamEvent
	streamResp   *UpstreamResponse
	streamErr    error
	calls        int
}

func (f *fakeClient) Do(_ context.Context, _ *preprocess.OutgoingRequest, _ *keypool.Key) (*UpstreamResponse, error) {
	f.calls++
	return f.doResp, f.doErr
}

func (f *fakeClient) DoStream(_ context.Context, _ *preprocess.OutgoingRequest, _ *keypool.Key) (<-chan StreamEvent, *UpstreamResponse, error) {
	f.calls++
	if f.streamErr != nil {
		return nil, nil, f.streamErr
	}
	ch := make(chan StreamEvent, len(f.streamEvents))
	for _, ev := range f.streamEvents {
		ch <- ev
	}
	close(ch)
	return ch, f.streamResp, nil
}

func newTestExecutor(q *queue.Queue, client Client, pool *keypool.Pool) *Executor {
	return &Executor{
		Queue:  q,
		Logger: testLogger(),
		Clients: func(partition.Family) Client {
			return client
		},
		Pools: func(partition.Family) *keypool.Pool {
			return pool
		},
	}
}

func TestExecutorBufferedSuccess(t *testing.T) {
	q := queue.New(testLogger(), nil, nil, nil)
	key := keypool.NewKey("k1", "openai", "sk-test", "", "")
	pool := keypool.NewPool(key)

	client := &fakeClient{
		doResp: &UpstreamResponse{
			StatusCode: 200,
			Body:       []byte(`{"id":"chatcmpl-1","choices":[{"message":{"role":"assistant","content":"pong"}}]}`),
			Header:     http.Header{},
		},
	}

	tk := newOpenAITicket(false)
	exec := newTestExecutor(q, client, pool)

	w := httptest.NewRecorder()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		exec.Run(ctx, tk, w, preprocess.Standard(preprocess.Config{}))
		close(done)
	}()

	tk.Resume <- ticket.Grant{Key: key}
	<-done

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", w.Code, w.Body.String())
	}
	if client.calls != 1 {
		t.Fatalf("calls = %d, want 1", client.calls)
	}
}

func TestExecutorRateLimitRetriesThenSucceeds(t *testing.T) {
	q := queue.New(testLogger(), nil, nil, nil)
	key := keypool.NewKey("k1", "openai", "sk-test", "", "")
	pool := keypool.NewPool(key)

	client := &retryingClient{
		responses: []*UpstreamResponse{
			{StatusCode: 429, Body: []byte(`{"error":{"message":"Rate limit reached"}}`), Header: http.Header{}},
			{StatusCode: 200, Body: []byte(`{"id":"chatcmpl-1","choices":[{"message":{"role":"assistant","content":"pong"}}]}`), Header: http.Header{}},
		},
	}

	tk := newOpenAITicket(false)
	exec := newTestExecutor(q, client, pool)

	w := httptest.NewRecorder()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		exec.Run(ctx, tk, w, preprocess.Standard(preprocess.Config{}))
		close(done)
	}()

	// first grant triggers the 429, which reenqueues tk; the dispatcher would
	// normally redeliver a grant — here we simulate it directly.
	tk.Resume <- ticket.Grant{Key: key}

	// wait for the retry to land back in the queue, then deliver a second grant
	deadline := time.After(time.Second)
	for {
		if q.Len() > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("ticket never reenqueued after rate-limited response")
		case <-time.After(time.Millisecond):
		}
	}
	tk.Resume <- ticket.Grant{Key: key}

	<-done

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", w.Code, w.Body.String())
	}
	if tk.RetryCount != 1 {
		t.Fatalf("retry count = %d, want 1", tk.RetryCount)
	}
}

type retryingClient struct {
	responses []*UpstreamResponse
	idx       int
}

func (r *retryingClient) Do(_ context.Context, _ *preprocess.OutgoingRequest, _ *keypool.Key) (*UpstreamResponse, error) {
	resp := r.responses[r.idx]
	if r.idx < len(r.responses)-1 {
		r.idx++
	}
	return resp, nil
}

func (r *retryingClient) DoStream(_ context.Context, _ *preprocess.OutgoingRequest, _ *keypool.Key) (<-chan StreamEvent, *UpstreamResponse, error) {
	resp, err := r.Do(nil, nil, nil)
	return nil, resp, err
}

func TestExecutorQuotaExhaustedIsTerminal(t *testing.T) {
	q := queue.New(testLogger(), nil, nil, nil)
	key := keypool.NewKey("k1", "openai", "sk-test", "", "")
	pool := keypool.NewPool(key)

	client := &fakeClient{
		doResp: &UpstreamResponse{
			StatusCode: 429,
			Body:       []byte(`{"error":{"message":"You exceeded your current quota"}}`),
			Header:     http.Header{},
		},
	}

	tk := newOpenAITicket(false)
	exec := newTestExecutor(q, client, pool)

	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		exec.Run(context.Background(), tk, w, preprocess.Standard(preprocess.Config{}))
		close(done)
	}()
	tk.Resume <- ticket.Grant{Key: key}
	<-done

	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("response not JSON: %v (%s)", err, w.Body.String())
	}
	if env.Type != "key_exhausted" {
		t.Fatalf("type = %q, want key_exhausted", env.Type)
	}
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
}

func TestExecutorStreamForwardsChunksAndDone(t *testing.T) {
	q := queue.New(testLogger(), nil, nil, nil)
	key := keypool.NewKey("k1", "openai", "sk-test", "", "")
	pool := keypool.NewPool(key)

	client := &fakeClient{
		streamResp: &UpstreamResponse{StatusCode: 200, Header: http.Header{}},
		streamEvents: []StreamEvent{
			{Data: []byte(`{"choices":[{"delta":{"content":"p"}}]}`)},
			{Data: []byte(`{"choices":[{"delta":{"content":"ong"}}]}`)},
		},
	}

	tk := newOpenAITicket(true)
	exec := newTestExecutor(q, client, pool)

	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		exec.Run(context.Background(), tk, w, preprocess.Standard(preprocess.Config{}))
		close(done)
	}()
	tk.Resume <- ticket.Grant{Key: key}
	<-done

	body := w.Body.String()
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type = %q", ct)
	}
	if want := "data: [DONE]\n\n"; len(body) < len(want) || body[len(body)-len(want):] != want {
		t.Fatalf("body does not end with DONE sentinel: %q", body)
	}
}
