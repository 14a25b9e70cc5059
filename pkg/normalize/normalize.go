// Package normalize transforms provider-native upstream responses into the
// single client-facing schema (OpenAI chat-completion shape) whenever the
// client's declared dialect differs from the upstream's.
package normalize

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/relayhaus/llmrelay/pkg/ticket"
)

// Normalize transforms body (in the upstream dialect) into the shape the
// client expects (inbound dialect). Same-dialect pairs pass through
// unchanged.
func Normalize(inbound, upstream ticket.Dialect, body []byte, t *ticket.Ticket) ([]byte, error) {
	if inbound == upstream {
		return body, nil
	}

	switch upstream {
	case ticket.DialectAnthropic, ticket.DialectAWSClaude:
		return anthropicToOpenAI(body)
	case ticket.DialectPalm:
		return palmToOpenAI(body, t)
	default:
		return nil, fmt.Errorf("normalize: no transform from %s to %s", upstream, inbound)
	}
}

type openAIChoice struct {
	Index        int            `json:"index"`
	Message      openAIMessage  `json:"message"`
	FinishReason *string        `json:"finish_reason"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openAIChatCompletion struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Model   string         `json:"model,omitempty"`
	Choices []openAIChoice `json:"choices"`
	Usage   *openAIUsage   `json:"usage,omitempty"`
	ProxyNote string       `json:"proxy_note,omitempty"`
}

type anthropicResponse struct {
	Completion string `json:"completion"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
}

// anthropicToOpenAI wraps `completion` into choices[0].message.content with
// role "assistant".
func anthropicToOpenAI(body []byte) ([]byte, error) {
	var src anthropicResponse
	if err := json.Unmarshal(body, &src); err != nil {
		return nil, fmt.Errorf("normalize: decoding anthropic response: %w", err)
	}

	finishReason := anthropicFinishReason(src.StopReason)
	out := openAIChatCompletion{
		ID:     "anthr-" + uuid.NewString(),
		Object: "chat.completion",
		Model:  src.Model,
		Choices: []openAIChoice{{
			Index:        0,
			Message:      openAIMessage{Role: "assistant", Content: src.Completion},
			FinishReason: finishReason,
		}},
	}

	return json.Marshal(out)
}

func anthropicFinishReason(stopReason string) *string {
	if stopReason == "" {
		return nil
	}
	r := stopReason
	return &r
}

type palmResponse struct {
	Candidates []palmCandidate `json:"candidates"`
}

type palmCandidate struct {
	Output string `json:"output"`
}

// palmToOpenAI takes candidates[0].output as message content; synthesizes
// an id with a "plm-" prefix; fills usage from tokenizer estimates attached
// to the ticket; sets finish_reason null (PaLM's generateText doesn't
// report one in a shape worth preserving).
func palmToOpenAI(body []byte, t *ticket.Ticket) ([]byte, error) {
	var src palmResponse
	if err := json.Unmarshal(body, &src); err != nil {
		return nil, fmt.Errorf("normalize: decoding palm response: %w", err)
	}

	var content string
	if len(src.Candidates) > 0 {
		content = src.Candidates[0].Output
	}

	out := openAIChatCompletion{
		ID:     "plm-" + uuid.NewString(),
		Object: "chat.completion",
		Choices: []openAIChoice{{
			Index:        0,
			Message:      openAIMessage{Role: "assistant", Content: content},
			FinishReason: nil,
		}},
		Usage: &openAIUsage{
			PromptTokens:     t.PromptTokens,
			CompletionTokens: t.OutputTokens,
			TotalTokens:      t.PromptTokens + t.OutputTokens,
		},
	}

	return json.Marshal(out)
}

// WithProxyNote re-encodes an already-normalized (or pass-through) OpenAI
// response with an appended proxy_note field, used when prompt logging is
// enabled and the operator wants that disclosed to clients.
func WithProxyNote(body []byte, note string) ([]byte, error) {
	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("normalize: decoding response for proxy_note: %w", err)
	}
	decoded["proxy_note"] = note
	return json.Marshal(decoded)
}
