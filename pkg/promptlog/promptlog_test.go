package promptlog

import (
	"log/slog"
	"testing"
)

func TestNopSinkDiscardsSilently(t *testing.T) {
	var s Sink = NopSink{}
	// Must not panic regardless of how many entries are logged.
	for i := 0; i < 3; i++ {
		s.Log(Entry{TicketID: "t1", Outcome: "success"})
	}
}

func TestPostgresWriterDropsWhenFull(t *testing.T) {
	w := NewPostgresWriter(nil, slog.Default())
	// Don't Start: nothing drains the channel.

	for i := 0; i < bufferSize; i++ {
		w.Log(Entry{TicketID: "t1", Outcome: "success"})
	}
	w.Log(Entry{TicketID: "dropped", Outcome: "success"})

	if len(w.entries) != bufferSize {
		t.Fatalf("buffer size = %d, want %d", len(w.entries), bufferSize)
	}
}
