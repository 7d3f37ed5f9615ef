package observability

import (
	"fmt"
	"testing"
	"time"
)

func TestStageWindowSnapshot(t *testing.T) {
	w := newStageWindow(8)
	w.Observe(StageNegotiate, 500)
	w.Observe(StageNegotiate, 700)
	w.Observe(StageNegotiate, 900)
	w.ObserveIndicator("recognition_restart")
	w.ObserveIndicator("recognition_restart")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Stage != StageNegotiate {
		t.Fatalf("Stage = %q, want %q", s.Stage, StageNegotiate)
	}
	if s.Samples != 3 {
		t.Fatalf("Samples = %d, want 3", s.Samples)
	}
	if s.LastMS != 900 {
		t.Fatalf("LastMS = %.2f, want 900", s.LastMS)
	}
	if s.P50MS != 700 {
		t.Fatalf("P50MS = %.2f, want 700", s.P50MS)
	}
	if s.P95MS <= 700 || s.P95MS > 900 {
		t.Fatalf("P95MS = %.2f, want (700,900]", s.P95MS)
	}
	if s.TargetP95MS != 1500 {
		t.Fatalf("TargetP95MS = %.2f, want 1500", s.TargetP95MS)
	}
	if len(snap.Indicators) != 1 || snap.Indicators[0].Count != 2 {
		t.Fatalf("Indicators = %+v, want one indicator with count 2", snap.Indicators)
	}
}

func TestStageWindowWrapsAround(t *testing.T) {
	w := newStageWindow(2)
	w.Observe(StageMediaAcquire, 10)
	w.Observe(StageMediaAcquire, 20)
	w.Observe(StageMediaAcquire, 30)
	w.Observe("", 5)
	w.Observe(StageMediaAcquire, -1)

	snap := w.Snapshot()
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Samples != 2 || s.AvgMS != 25 || s.LastMS != 30 {
		t.Fatalf("unexpected stats after wrap: %+v", s)
	}
}

func TestStageWindowFilterAndTargets(t *testing.T) {
	w := newStageWindow(4)
	w.Observe(StageNegotiate, 2000)
	w.Observe(StageRecordingFinal, 40)
	w.Observe("custom", 10)

	snap := w.Snapshot(StageNegotiate, " ", "custom")
	if len(snap.Stages) != 2 {
		t.Fatalf("len(Stages) = %d, want 2", len(snap.Stages))
	}
	custom, negotiate := snap.Stages[0], snap.Stages[1]
	if custom.Stage != "custom" || custom.TargetP95MS != 0 || custom.OverTarget {
		t.Fatalf("custom stage = %+v, want no target", custom)
	}
	if !negotiate.OverTarget {
		t.Fatalf("negotiate at 2000ms should be over its 1500ms target: %+v", negotiate)
	}
	if all := w.Snapshot(); len(all.Stages) != 3 {
		t.Fatalf("unfiltered len(Stages) = %d, want 3", len(all.Stages))
	}
}

func TestMetricsObserveStage(t *testing.T) {
	m := NewMetrics(fmt.Sprintf("test_observability_%d", time.Now().UnixNano()))
	m.ObserveStage(StageStartToConnected, 1500*time.Millisecond)
	m.ObserveOutboundMessage("transcript_entry", "delivered")

	snap := m.SnapshotStages()
	if len(snap.Stages) != 1 || snap.Stages[0].LastMS != 1500 {
		t.Fatalf("SnapshotStages() = %+v, want one 1500ms sample", snap.Stages)
	}

	var nilMetrics *Metrics
	nilMetrics.ObserveStage(StageNegotiate, time.Second)
	nilMetrics.ObserveOutboundMessage("x", "dropped")
}
