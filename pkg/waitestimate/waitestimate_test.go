package waitestimate

import (
	"testing"
	"time"

	"github.com/relayhaus/llmrelay/pkg/partition"
)

func TestEstimateZeroWithNoSamples(t *testing.T) {
	e := New(nil)
	if got := e.Estimate(partition.Turbo); got != 0 {
		t.Fatalf("expected 0, got %v", got)
	}
}

func TestEstimateAveragesNonDeprioritizedSamples(t *testing.T) {
	e := New(nil)
	now := time.Now()

	e.Record(Sample{Partition: partition.Turbo, Start: now, End: now.Add(1 * time.Second)})
	e.Record(Sample{Partition: partition.Turbo, Start: now, End: now.Add(3 * time.Second)})

	got := e.Estimate(partition.Turbo)
	want := 2 * time.Second
	if got != want {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestEstimateExcludesDeprioritizedSamples(t *testing.T) {
	e := New(nil)
	now := time.Now()

	e.Record(Sample{Partition: partition.Turbo, Start: now, End: now.Add(1 * time.Second)})
	e.Record(Sample{Partition: partition.Turbo, Start: now, End: now.Add(100 * time.Second), Deprioritized: true})

	got := e.Estimate(partition.Turbo)
	want := 1 * time.Second
	if got != want {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestEstimateIsPerPartition(t *testing.T) {
	e := New(nil)
	now := time.Now()

	e.Record(Sample{Partition: partition.Turbo, Start: now, End: now.Add(1 * time.Second)})
	e.Record(Sample{Partition: partition.Claude, Start: now, End: now.Add(9 * time.Second)})

	if got := e.Estimate(partition.Turbo); got != 1*time.Second {
		t.Fatalf("turbo: expected 1s, got %v", got)
	}
	if got := e.Estimate(partition.Claude); got != 9*time.Second {
		t.Fatalf("claude: expected 9s, got %v", got)
	}
}

func TestPruneDropsOldSamples(t *testing.T) {
	e := New(nil)
	old := time.Now().Add(-10 * time.Minute)

	e.samples = append(e.samples, Sample{Partition: partition.Turbo, Start: old, End: old.Add(time.Second)})
	e.Prune()

	if len(e.samples) != 0 {
		t.Fatalf("expected old sample to be pruned, got %d remaining", len(e.samples))
	}
}
