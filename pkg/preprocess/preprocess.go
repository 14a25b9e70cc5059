// Package preprocess runs the per-provider rewrite chain that turns an
// admitted client body into the outbound provider-shaped request, once per
// ticket lifetime (first admission only, never on retry).
package preprocess

import (
	"encoding/json"

	"github.com/relayhaus/llmrelay/pkg/ticket"
)

// OutgoingRequest is the mutable accumulator stages write into. Finalize
// (the last standard stage) serializes Body into the wire bytes the Proxy
// Executor sends upstream.
type OutgoingRequest struct {
	Path    string
	Headers map[string]string
	Body    map[string]any // provider-shaped JSON, mutated in place by stages
	Wire    []byte         // set by the Finalize stage

	MaxOutputTokens int
}

// Stage is a pure rewriter: it mutates out in place and may reject the
// request by returning an error, which destroys the ticket with a terminal
// failure (preprocess.RewritingError).
type Stage func(out *OutgoingRequest, in *ticket.Ticket) error

// Pipeline is an ordered chain of Stages run once per ticket.
type Pipeline []Stage

// Run executes every stage in order, stopping at the first error.
func (p Pipeline) Run(out *OutgoingRequest, in *ticket.Ticket) error {
	for _, stage := range p {
		if err := stage(out, in); err != nil {
			return err
		}
	}
	return nil
}

// NewOutgoingRequest seeds an OutgoingRequest from the ticket's parsed body.
func NewOutgoingRequest(in *ticket.Ticket) (*OutgoingRequest, error) {
	body := map[string]any{}
	if len(in.Body) > 0 {
		if err := json.Unmarshal(in.Body, &body); err != nil {
			return nil, err
		}
	}
	return &OutgoingRequest{
		Headers: make(map[string]string),
		Body:    body,
	}, nil
}
