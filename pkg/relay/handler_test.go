package relay

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newChatRequest(t *testing.T, body string) *http.Request {
	t.Helper()
	return httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
}

func TestDecodeChatBodyAllowsExtraFields(t *testing.T) {
	r := newChatRequest(t, `{"model":"gpt-4","messages":[{"role":"user","content":"hi"}],"temperature":0.7,"max_tokens":128}`)
	raw, model, stream, verrs, err := decodeChatBody(r)
	if err != nil {
		t.Fatalf("decodeChatBody: %v", err)
	}
	if verrs != nil {
		t.Fatalf("unexpected validation errors: %v", verrs)
	}
	if model != "gpt-4" {
		t.Fatalf("model = %q", model)
	}
	if stream {
		t.Fatal("expected stream=false")
	}
	if !strings.Contains(string(raw), "temperature") {
		t.Fatal("expected raw body to preserve extra fields")
	}
}

func TestDecodeChatBodyRejectsMissingMessages(t *testing.T) {
	r := newChatRequest(t, `{"model":"gpt-4"}`)
	_, _, _, verrs, err := decodeChatBody(r)
	if err != nil {
		t.Fatalf("decodeChatBody: %v", err)
	}
	if verrs == nil {
		t.Fatal("expected validation errors for missing messages")
	}
}

func TestDecodeChatBodyRejectsInvalidJSON(t *testing.T) {
	r := newChatRequest(t, `not json`)
	_, _, _, _, err := decodeChatBody(r)
	if err == nil {
		t.Fatal("expected an error for invalid JSON")
	}
}

func TestIdentityForPrefersAuthorizationHeader(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	r.Header.Set("Authorization", "Bearer abc")
	identity, shared := identityFor(r)
	if identity != "Bearer abc" || shared {
		t.Fatalf("identity = %q, shared = %v", identity, shared)
	}
}

func TestIdentityForFallsBackToSourceIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	r.RemoteAddr = "203.0.113.5:443"
	identity, shared := identityFor(r)
	if identity != "203.0.113.5:443" || !shared {
		t.Fatalf("identity = %q, shared = %v", identity, shared)
	}
}
