// Package ticket defines the Request Ticket: the internal handle for an
// in-flight client request as it moves through admission, the queue, the
// dispatcher, and the proxy executor.
package ticket

import (
	"sync"
	"time"

	"github.com/relayhaus/llmrelay/pkg/keypool"
	"github.com/relayhaus/llmrelay/pkg/partition"
)

// Dialect identifies the wire shape a request body or response body is in.
type Dialect string

const (
	DialectOpenAI    Dialect = "openai"
	DialectAnthropic Dialect = "anthropic"
	DialectPalm      Dialect = "palm"
	DialectAWSClaude Dialect = "aws-claude"
)

// Grant is what the Dispatcher sends to a waiting ticket: a leased key,
// ready for the Proxy Executor to use. It is delivered once per admission
// cycle on Ticket.Resume; a retried ticket receives a fresh Grant the next
// time the Dispatcher dequeues it.
type Grant struct {
	Key *keypool.Key
}

// Ticket is one in-flight client request. Only the Dispatcher mutates
// QueueOutTime; only the Proxy Executor mutates RetryCount. All other fields
// are set once at admission and read thereafter.
type Ticket struct {
	ID string

	// Identity is the stable principal this request is billed/limited
	// against: an auth token, a shared-identity tag, or a source address.
	Identity        string
	SharedIdentity  bool
	InboundDialect  Dialect
	OutboundDialect Dialect
	Partition       partition.Family

	Model   string
	Body    []byte // raw inbound body bytes, pre-preprocessing
	Stream  bool
	BadSSE  bool // client requested badSseParser=true
	Debug   bool

	StartTime    time.Time
	QueueOutTime time.Time
	RetryCount   int

	PromptTokens int
	OutputTokens int

	mu         sync.Mutex
	removed    bool
	abortHooks []func()

	// Resume is the single-shot channel the Dispatcher sends a Grant on.
	// The request handler blocks on this after Enqueue returns.
	Resume chan Grant
}

// New creates a Ticket ready for admission. The caller still must Enqueue it.
func New(id, identity string, shared bool, inbound, outbound Dialect, model string, family partition.Family, body []byte, stream bool) *Ticket {
	return &Ticket{
		ID:              id,
		Identity:        identity,
		SharedIdentity:  shared,
		InboundDialect:  inbound,
		OutboundDialect: outbound,
		Partition:       family,
		Model:           model,
		Body:            body,
		Stream:          stream,
		StartTime:       time.Now(),
		Resume:          make(chan Grant, 1),
	}
}

// OnAbort registers a cleanup hook invoked by Abort. Hooks run in the order
// they were registered.
func (t *Ticket) OnAbort(hook func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.removed {
		hook()
		return
	}
	t.abortHooks = append(t.abortHooks, hook)
}

// Abort runs and clears all registered abort hooks exactly once. Safe to
// call multiple times; only the first call has any effect.
func (t *Ticket) Abort() {
	t.mu.Lock()
	if t.removed {
		t.mu.Unlock()
		return
	}
	t.removed = true
	hooks := t.abortHooks
	t.abortHooks = nil
	t.mu.Unlock()

	for _, hook := range hooks {
		hook()
	}
}

// Waited returns the queue dwell time. Zero until the Dispatcher dequeues it.
func (t *Ticket) Waited() time.Duration {
	if t.QueueOutTime.IsZero() {
		return 0
	}
	return t.QueueOutTime.Sub(t.StartTime)
}
