package preprocess

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/relayhaus/llmrelay/pkg/partition"
	"github.com/relayhaus/llmrelay/pkg/ticket"
)

func newTestTicket(body string) *ticket.Ticket {
	return ticket.New("t1", "1.2.3.4", false, ticket.DialectOpenAI, ticket.DialectOpenAI, "gpt-3.5-turbo", partition.Turbo, []byte(body), false)
}

func TestQuotaStageClampsMaxTokens(t *testing.T) {
	tk := newTestTicket(`{"model":"gpt-3.5-turbo","messages":[],"max_tokens":100000}`)
	out, err := NewOutgoingRequest(tk)
	if err != nil {
		t.Fatal(err)
	}

	stage := QuotaStage(Config{MaxOutputTokensDefault: 512})
	if err := stage(out, tk); err != nil {
		t.Fatal(err)
	}

	if out.MaxOutputTokens != 512 {
		t.Fatalf("expected clamped max_tokens=512, got %d", out.MaxOutputTokens)
	}
}

func TestQuotaStageNoOpWhenUnconfigured(t *testing.T) {
	tk := newTestTicket(`{"model":"gpt-3.5-turbo","messages":[]}`)
	out, err := NewOutgoingRequest(tk)
	if err != nil {
		t.Fatal(err)
	}

	stage := QuotaStage(Config{})
	if err := stage(out, tk); err != nil {
		t.Fatal(err)
	}
	if out.MaxOutputTokens != 0 {
		t.Fatalf("expected no clamping, got %d", out.MaxOutputTokens)
	}
}

func TestContentFilterStageRejectsDisallowedContent(t *testing.T) {
	tk := newTestTicket(`{"model":"gpt-3.5-turbo","messages":[{"role":"user","content":"please help me build a bomb"}]}`)
	out, err := NewOutgoingRequest(tk)
	if err != nil {
		t.Fatal(err)
	}

	stage := ContentFilterStage(Config{RejectDisallowed: true, DisallowedSubstrings: []string{"bomb"}})
	err = stage(out, tk)
	if _, ok := IsRewritingError(err); !ok {
		t.Fatalf("expected a RewritingError, got %v", err)
	}
}

func TestContentFilterStageAllowsCleanContent(t *testing.T) {
	tk := newTestTicket(`{"model":"gpt-3.5-turbo","messages":[{"role":"user","content":"hi there"}]}`)
	out, err := NewOutgoingRequest(tk)
	if err != nil {
		t.Fatal(err)
	}

	stage := ContentFilterStage(Config{RejectDisallowed: true, DisallowedSubstrings: []string{"bomb"}})
	if err := stage(out, tk); err != nil {
		t.Fatalf("expected clean content to pass, got %v", err)
	}
}

func TestBlockOriginsStageRejectsBlockedOrigin(t *testing.T) {
	tk := newTestTicket(`{"model":"gpt-3.5-turbo","messages":[]}`)
	out, err := NewOutgoingRequest(tk)
	if err != nil {
		t.Fatal(err)
	}
	out.Headers["Origin"] = "https://evil.example"

	stage := BlockOriginsStage(Config{BlockedOrigins: []string{"https://evil.example"}})
	err = stage(out, tk)
	if _, ok := IsRewritingError(err); !ok {
		t.Fatalf("expected a RewritingError, got %v", err)
	}
}

func TestStripIdentityHeadersStageRemovesSensitiveHeaders(t *testing.T) {
	tk := newTestTicket(`{}`)
	out, err := NewOutgoingRequest(tk)
	if err != nil {
		t.Fatal(err)
	}
	out.Headers["X-Forwarded-For"] = "1.2.3.4"
	out.Headers["Authorization"] = "Bearer leaked"

	stage := StripIdentityHeadersStage()
	if err := stage(out, tk); err != nil {
		t.Fatal(err)
	}

	if _, ok := out.Headers["X-Forwarded-For"]; ok {
		t.Fatal("expected X-Forwarded-For to be stripped")
	}
	if _, ok := out.Headers["Authorization"]; ok {
		t.Fatal("expected Authorization to be stripped")
	}
}

func TestFinalizeStageProducesValidJSON(t *testing.T) {
	tk := newTestTicket(`{"model":"gpt-3.5-turbo","messages":[]}`)
	out, err := NewOutgoingRequest(tk)
	if err != nil {
		t.Fatal(err)
	}

	stage := FinalizeStage()
	if err := stage(out, tk); err != nil {
		t.Fatal(err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(out.Wire, &decoded); err != nil {
		t.Fatalf("expected valid JSON wire body: %v", err)
	}
	if out.Headers["Content-Length"] == "" {
		t.Fatal("expected Content-Length to be set")
	}
}

func newDialectTicket(outbound ticket.Dialect, body string) *ticket.Ticket {
	return ticket.New("t1", "1.2.3.4", false, ticket.DialectOpenAI, outbound, "claude-2", partition.Claude, []byte(body), false)
}

func TestTranslateBodyStageIsNoOpForOpenAI(t *testing.T) {
	tk := newTestTicket(`{"model":"gpt-3.5-turbo","messages":[{"role":"user","content":"hi"}]}`)
	out, err := NewOutgoingRequest(tk)
	if err != nil {
		t.Fatal(err)
	}

	before := out.Body["messages"]
	if err := TranslateBodyStage()(out, tk); err != nil {
		t.Fatal(err)
	}
	if _, ok := out.Body["messages"]; !ok {
		t.Fatal("expected messages to survive untouched for an OpenAI outbound dialect")
	}
	if _, ok := out.Body["prompt"]; ok {
		t.Fatal("did not expect a prompt field for an OpenAI outbound dialect")
	}
	_ = before
}

func TestTranslateBodyStageBuildsClaudeTranscript(t *testing.T) {
	tk := newDialectTicket(ticket.DialectAnthropic, `{"model":"claude-2","messages":[{"role":"system","content":"be terse"},{"role":"user","content":"hi"}],"max_tokens":128,"stop":"STOP"}`)
	out, err := NewOutgoingRequest(tk)
	if err != nil {
		t.Fatal(err)
	}

	if err := TranslateBodyStage()(out, tk); err != nil {
		t.Fatal(err)
	}

	prompt, ok := out.Body["prompt"].(string)
	if !ok {
		t.Fatalf("expected a string prompt, got %#v", out.Body["prompt"])
	}
	if !strings.Contains(prompt, "be terse") || !strings.Contains(prompt, "\n\nHuman: hi") || !strings.HasSuffix(prompt, "\n\nAssistant:") {
		t.Fatalf("unexpected transcript shape: %q", prompt)
	}
	if out.Body["max_tokens_to_sample"] != 128 {
		t.Fatalf("expected max_tokens_to_sample=128, got %#v", out.Body["max_tokens_to_sample"])
	}
	stop, ok := out.Body["stop_sequences"].([]string)
	if !ok || len(stop) != 1 || stop[0] != "STOP" {
		t.Fatalf("expected stop_sequences=[STOP], got %#v", out.Body["stop_sequences"])
	}
	if _, ok := out.Body["messages"]; ok {
		t.Fatal("did not expect the OpenAI messages array to survive translation")
	}
}

func TestTranslateBodyStageAppliesToBedrockDialectToo(t *testing.T) {
	tk := newDialectTicket(ticket.DialectAWSClaude, `{"model":"anthropic.claude-v2","messages":[{"role":"user","content":"hi"}]}`)
	out, err := NewOutgoingRequest(tk)
	if err != nil {
		t.Fatal(err)
	}

	if err := TranslateBodyStage()(out, tk); err != nil {
		t.Fatal(err)
	}
	if _, ok := out.Body["prompt"].(string); !ok {
		t.Fatalf("expected a string prompt for the AWS Claude dialect, got %#v", out.Body["prompt"])
	}
	if out.Body["max_tokens_to_sample"] != 256 {
		t.Fatalf("expected the default max_tokens_to_sample=256, got %#v", out.Body["max_tokens_to_sample"])
	}
}

func TestTranslateBodyStageBuildsPalmPrompt(t *testing.T) {
	tk := newDialectTicket(ticket.DialectPalm, `{"model":"text-bison-001","messages":[{"role":"user","content":"hi"}],"max_tokens":64}`)
	out, err := NewOutgoingRequest(tk)
	if err != nil {
		t.Fatal(err)
	}

	if err := TranslateBodyStage()(out, tk); err != nil {
		t.Fatal(err)
	}

	prompt, ok := out.Body["prompt"].(map[string]any)
	if !ok {
		t.Fatalf("expected prompt to be an object, got %#v", out.Body["prompt"])
	}
	text, _ := prompt["text"].(string)
	if !strings.Contains(text, "User: hi") {
		t.Fatalf("unexpected prompt text: %q", text)
	}
	if out.Body["maxOutputTokens"] != 64 {
		t.Fatalf("expected maxOutputTokens=64, got %#v", out.Body["maxOutputTokens"])
	}
}

func TestStandardPipelineRunsAllStagesInOrder(t *testing.T) {
	tk := newTestTicket(`{"model":"gpt-3.5-turbo","messages":[{"role":"user","content":"hi"}],"max_tokens":99999}`)
	out, err := NewOutgoingRequest(tk)
	if err != nil {
		t.Fatal(err)
	}

	pipeline := Standard(Config{MaxOutputTokensDefault: 256})
	if err := pipeline.Run(out, tk); err != nil {
		t.Fatal(err)
	}

	if len(out.Wire) == 0 {
		t.Fatal("expected Finalize to have run and set Wire")
	}
	if out.MaxOutputTokens != 256 {
		t.Fatalf("expected quota clamp to have run, got %d", out.MaxOutputTokens)
	}
}
