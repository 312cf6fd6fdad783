package sample

import "testing"

func TestSamplerEventuallyFires(t *testing.T) {
	s := NewSampler(1024, 1)
	fired := false
	for i := 0; i < 100000 && !fired; i++ {
		if _, ok := s.ShouldSampleAllocation(64); ok {
			fired = true
		}
	}
	if !fired {
		t.Errorf("expected sampler to fire at least once over 100000 allocations")
	}
}

func TestSamplerDisabled(t *testing.T) {
	s := NewSampler(0, 1)
	for i := 0; i < 1000; i++ {
		if _, ok := s.ShouldSampleAllocation(1 << 30); ok {
			t.Fatalf("expected a disabled sampler never to fire")
		}
	}
}

func TestRecorderInsertSnapshotRemove(t *testing.T) {
	rec := NewRecorder()
	a := &SampledAllocation{RequestedSize: 10}
	b := &SampledAllocation{RequestedSize: 20}
	rec.Insert(a)
	rec.Insert(b)

	live := rec.Snapshot()
	if len(live) != 2 {
		t.Fatalf("expected 2 live samples, got %v", len(live))
	}

	rec.Remove(a)
	live = rec.Snapshot()
	if len(live) != 1 || live[0] != b {
		t.Errorf("expected only b to remain live, got %v", live)
	}

	rec.Compact()
	live = rec.Snapshot()
	if len(live) != 1 || live[0] != b {
		t.Errorf("expected compaction to preserve the live entry, got %v", live)
	}
}

func TestPeakHeapTrackerTracksHighWaterMark(t *testing.T) {
	rec := NewRecorder()
	rec.Insert(&SampledAllocation{RequestedSize: 5})

	pt := NewPeakHeapTracker()
	pt.Observe(100, rec)
	pt.Observe(50, rec) // not a new peak, snapshot must not change
	first := pt.Snapshot()
	if first == nil || len(first.Entries) != 1 {
		t.Fatalf("expected a snapshot with 1 entry after first peak")
	}

	rec.Insert(&SampledAllocation{RequestedSize: 7})
	pt.Observe(200, rec) // new peak
	second := pt.Snapshot()
	if second == nil || len(second.Entries) != 2 {
		t.Errorf("expected the new peak's snapshot to carry 2 entries, got %v", second)
	}
	if pt.PeakBytes() != 200 {
		t.Errorf("expected peak bytes 200, got %v", pt.PeakBytes())
	}
}
