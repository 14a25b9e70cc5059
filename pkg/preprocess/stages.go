package preprocess

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/relayhaus/llmrelay/pkg/ticket"
)

// RewritingError marks a stage failure as a terminal, client-facing
// rejection (HTTP 400 or 403), distinct from an internal assertion failure.
type RewritingError struct {
	Status  int
	Message string
}

func (e *RewritingError) Error() string { return e.Message }

// Config holds the policy knobs the standard stages enforce. Populated from
// internal/config.Config by the caller building the pipeline.
type Config struct {
	MaxOutputTokensDefault int
	BlockedOrigins         []string
	BlockMessage           string
	RejectDisallowed       bool
	RejectMessage          string
	DisallowedSubstrings   []string
}

// QuotaStage caps requested output tokens to the configured default. A
// request with no max_tokens gets the default; one that asks for more is
// clamped, never rejected.
func QuotaStage(cfg Config) Stage {
	return func(out *OutgoingRequest, in *ticket.Ticket) error {
		limit := cfg.MaxOutputTokensDefault
		if limit <= 0 {
			return nil
		}

		requested := limit
		if raw, ok := out.Body["max_tokens"]; ok {
			if n, ok := toInt(raw); ok && n > 0 && n < limit {
				requested = n
			}
		}

		out.MaxOutputTokens = requested
		out.Body["max_tokens"] = requested
		return nil
	}
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	default:
		return 0, false
	}
}

// CredentialsStage is the credentials step of the pipeline. It changes
// nothing on out: each provider client attaches the leased key's secret,
// in its own auth header or URL field, on every attempt.
func CredentialsStage() Stage {
	return func(out *OutgoingRequest, in *ticket.Ticket) error {
		// The actual key is not known at preprocess time (leasing happens
		// per-attempt, including on retry); the Proxy Executor attaches
		// credentials immediately before each upstream call. This stage is a
		// placeholder reserving the standard-stage slot spec.md names, kept
		// as a no-op seam for request-shape preparation that does not need
		// the key (e.g. normalizing the messages array).
		return nil
	}
}

// ContentFilterStage rejects requests whose flattened message content
// contains a configured disallowed substring.
func ContentFilterStage(cfg Config) Stage {
	return func(out *OutgoingRequest, in *ticket.Ticket) error {
		if !cfg.RejectDisallowed || len(cfg.DisallowedSubstrings) == 0 {
			return nil
		}

		text := flattenMessages(out.Body)
		lower := strings.ToLower(text)
		for _, bad := range cfg.DisallowedSubstrings {
			if bad == "" {
				continue
			}
			if strings.Contains(lower, strings.ToLower(bad)) {
				msg := cfg.RejectMessage
				if msg == "" {
					msg = "This content violates proxy policy."
				}
				return &RewritingError{Status: 403, Message: msg}
			}
		}
		return nil
	}
}

func flattenMessages(body map[string]any) string {
	var sb strings.Builder
	for _, m := range messagesOf(body) {
		if content, ok := m["content"].(string); ok {
			sb.WriteString(content)
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

func messagesOf(body map[string]any) []map[string]any {
	raw, ok := body["messages"].([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(raw))
	for _, m := range raw {
		if entry, ok := m.(map[string]any); ok {
			out = append(out, entry)
		}
	}
	return out
}

// BlockOriginsStage rejects requests whose Origin header matches a
// configured blocked origin.
func BlockOriginsStage(cfg Config) Stage {
	return func(out *OutgoingRequest, in *ticket.Ticket) error {
		origin := out.Headers["Origin"]
		if origin == "" || len(cfg.BlockedOrigins) == 0 {
			return nil
		}
		for _, blocked := range cfg.BlockedOrigins {
			if blocked != "" && strings.EqualFold(origin, blocked) {
				msg := cfg.BlockMessage
				if msg == "" {
					msg = "This content has been blocked by the proxy operator."
				}
				return &RewritingError{Status: 403, Message: msg}
			}
		}
		return nil
	}
}

// StripIdentityHeadersStage removes headers that would leak client identity
// to the upstream provider (e.g. a forwarded client IP or request ID).
func StripIdentityHeadersStage() Stage {
	identityHeaders := []string{"X-Forwarded-For", "X-Real-Ip", "X-Request-Id", "Cookie", "Authorization"}
	return func(out *OutgoingRequest, in *ticket.Ticket) error {
		for _, h := range identityHeaders {
			delete(out.Headers, h)
		}
		return nil
	}
}

// TranslateBodyStage rewrites the inbound client body — always OpenAI
// chat-completion shape, since every route accepts that shape regardless of
// which provider it forwards to — into the outbound provider's native wire
// shape. A no-op when the outbound dialect is already OpenAI.
func TranslateBodyStage() Stage {
	return func(out *OutgoingRequest, in *ticket.Ticket) error {
		switch in.OutboundDialect {
		case ticket.DialectAnthropic, ticket.DialectAWSClaude:
			out.Body = claudeCompletionsBody(out.Body)
		case ticket.DialectPalm:
			out.Body = palmGenerateTextBody(out.Body)
		}
		return nil
	}
}

// claudeCompletionsBody rewrites an OpenAI messages array into the
// Human:/Assistant: transcript shape Anthropic's (and Bedrock's
// Claude-on-Bedrock) legacy completions API expects, carrying max_tokens and
// stop through under their native field names.
func claudeCompletionsBody(body map[string]any) map[string]any {
	out := map[string]any{"prompt": claudeTranscript(body)}
	if v, ok := body["model"]; ok {
		out["model"] = v
	}
	if v, ok := body["temperature"]; ok {
		out["temperature"] = v
	}

	maxTokens := 256
	if n, ok := toInt(body["max_tokens"]); ok && n > 0 {
		maxTokens = n
	}
	out["max_tokens_to_sample"] = maxTokens

	if stop := stopSequences(body); len(stop) > 0 {
		out["stop_sequences"] = stop
	}
	return out
}

func claudeTranscript(body map[string]any) string {
	var sb strings.Builder
	for _, m := range messagesOf(body) {
		role, _ := m["role"].(string)
		content, _ := m["content"].(string)
		switch role {
		case "system":
			sb.WriteString(content)
			sb.WriteString("\n\n")
		case "assistant":
			sb.WriteString("\n\nAssistant: ")
			sb.WriteString(content)
		default: // "user" and anything unrecognized
			sb.WriteString("\n\nHuman: ")
			sb.WriteString(content)
		}
	}
	sb.WriteString("\n\nAssistant:")
	return sb.String()
}

func stopSequences(body map[string]any) []string {
	switch v := body["stop"].(type) {
	case string:
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, s := range v {
			if str, ok := s.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}

// palmGenerateTextBody rewrites an OpenAI messages array into the single
// prompt.text field PaLM's generateText endpoint expects, since generateText
// has no native multi-turn chat shape. Role labels are kept inline so a
// multi-turn conversation isn't collapsed into an ambiguous blob.
func palmGenerateTextBody(body map[string]any) map[string]any {
	out := map[string]any{"prompt": map[string]any{"text": palmPromptText(body)}}
	if v, ok := body["model"]; ok {
		out["model"] = v
	}
	if v, ok := body["temperature"]; ok {
		out["temperature"] = v
	}
	if n, ok := toInt(body["max_tokens"]); ok && n > 0 {
		out["maxOutputTokens"] = n
	}
	if n, ok := toInt(body["n"]); ok && n > 0 {
		out["candidateCount"] = n
	}
	return out
}

func palmPromptText(body map[string]any) string {
	var sb strings.Builder
	for _, m := range messagesOf(body) {
		role, _ := m["role"].(string)
		content, _ := m["content"].(string)
		if content == "" {
			continue
		}
		switch role {
		case "system":
			sb.WriteString(content)
			sb.WriteString("\n\n")
		case "assistant":
			sb.WriteString("Assistant: ")
			sb.WriteString(content)
			sb.WriteString("\n")
		default:
			sb.WriteString("User: ")
			sb.WriteString(content)
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// FinalizeStage serializes Body to its wire form and sets Content-Length.
func FinalizeStage() Stage {
	return func(out *OutgoingRequest, in *ticket.Ticket) error {
		wire, err := json.Marshal(out.Body)
		if err != nil {
			return fmt.Errorf("finalizing request body: %w", err)
		}
		out.Wire = wire
		out.Headers["Content-Type"] = "application/json"
		out.Headers["Content-Length"] = fmt.Sprintf("%d", len(wire))
		return nil
	}
}

// Standard returns the standard stages in order: quota clamping, credential
// seam, content/origin policy, identity-header stripping, the OpenAI ->
// provider-native body rewrite, then wire serialization. Policy stages run
// before TranslateBodyStage because they key off the OpenAI "messages" and
// "max_tokens" fields every inbound request arrives in, regardless of which
// provider it's bound for.
func Standard(cfg Config) Pipeline {
	return Pipeline{
		QuotaStage(cfg),
		CredentialsStage(),
		ContentFilterStage(cfg),
		BlockOriginsStage(cfg),
		StripIdentityHeadersStage(),
		TranslateBodyStage(),
		FinalizeStage(),
	}
}

// IsRewritingError reports whether err is a terminal preprocessor rejection.
func IsRewritingError(err error) (*RewritingError, bool) {
	var re *RewritingError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}
