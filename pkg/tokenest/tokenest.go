// Package tokenest provides the external-estimator contract spec.md leaves
// as an implementation detail: a cheap token-count approximation written
// onto a ticket before the Preprocessor Pipeline and Response Normalizer
// run, used for quota accounting and the PaLM response's synthesized usage
// block. It is deliberately not a real tokenizer — model-specific BPE
// tables are out of scope — just the chars/4 heuristic common to proxies
// that don't want a per-provider vocabulary dependency.
package tokenest

import "github.com/relayhaus/llmrelay/pkg/ticket"

const charsPerToken = 4

// EstimatePrompt counts the characters across every message content string
// in messages and divides by charsPerToken, rounding up so an empty prompt still
// costs a minimum of zero and anything non-empty costs at least one token.
func EstimatePrompt(messages []string) int {
	total := 0
	for _, m := range messages {
		total += len(m)
	}
	return estimate(total)
}

// EstimateOutput estimates the token count of a completed response body.
func EstimateOutput(content string) int {
	return estimate(len(content))
}

func estimate(chars int) int {
	if chars == 0 {
		return 0
	}
	return (chars + charsPerToken - 1) / charsPerToken
}

// Annotate sets PromptTokens on t from the outgoing messages, ahead of the
// pipeline running. OutputTokens is filled in later, once the upstream
// response is available, via AnnotateOutput.
func Annotate(t *ticket.Ticket, messages []string) {
	t.PromptTokens = EstimatePrompt(messages)
}

// AnnotateOutput sets OutputTokens on t once the completion text is known.
func AnnotateOutput(t *ticket.Ticket, content string) {
	t.OutputTokens = EstimateOutput(content)
}
