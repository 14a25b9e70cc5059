package relay

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/relayhaus/llmrelay/pkg/apierr"
	"github.com/relayhaus/llmrelay/pkg/sse"
	"github.com/relayhaus/llmrelay/pkg/ticket"
)

// streamWriters maps an in-flight streaming ticket's ID to the SSE writer
// its client connection owns. The Queue's heartbeat and stall-sweep timers
// only carry a *ticket.Ticket, not the http.ResponseWriter that produced it
// (the Queue has no notion of HTTP at all), so this registry is the bridge
// that lets those timers write comment/error frames on the right
// connection. Entries are added when a streaming ticket is admitted and
// removed once its Executor run completes or the connection aborts.
var streamWriters sync.Map // ticket ID -> *sse.Writer

func registerStreamWriter(id string, w *sse.Writer) {
	streamWriters.Store(id, w)
}

func unregisterStreamWriter(id string) {
	streamWriters.Delete(id)
}

// Heartbeat is a queue.HeartbeatFunc: it writes an SSE comment carrying the
// current queue depth and estimated wait, invisible to a compliant client.
// Suppressed entirely for tickets that set badSseParser=true.
func Heartbeat(t *ticket.Ticket, queueLen int, estimatedWait time.Duration) {
	if t.BadSSE {
		return
	}
	v, ok := streamWriters.Load(t.ID)
	if !ok {
		return
	}
	w := v.(*sse.Writer)
	_ = w.Comment(fmt.Sprintf("queued, position depth=%d wait~=%s", queueLen, estimatedWait.Round(time.Second)))
}

// Stall is a queue.StallFunc: it terminates a stalled streaming ticket with
// an SSE error frame, since headers are already committed by the time a
// ticket could possibly still be waiting 5 minutes later.
func Stall(t *ticket.Ticket) {
	v, ok := streamWriters.Load(t.ID)
	if !ok {
		return
	}
	w := v.(*sse.Writer)
	env := apierr.New(apierr.TypeUpstreamError, "request timed out waiting in queue")
	payload, err := json.Marshal(env)
	if err != nil {
		return
	}
	_ = w.Event(string(payload))
	_ = w.Done()
	unregisterStreamWriter(t.ID)
}
